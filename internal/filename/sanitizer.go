// Package filename builds the on-disk names of meeting directories and recording files
package filename

import (
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/tribloom/Zoom-Meeting-Download/internal/zoom"
)

// StartTimeLayout renders a meeting start as e.g. "2020-11-20 06.30.00 PM"
const StartTimeLayout = "2006-01-02 03.04.05 PM"

// replaced by "-": path separators, space, and characters Windows forbids
const invalidChars = `\/ <>:"|?*`

var extensions = map[string]string{
	"MP4":        "mp4",
	"M4A":        "m4a",
	"TIMELINE":   "json",
	"TRANSCRIPT": "vtt",
	"CHAT":       "txt",
	"CC":         "vtt",
	"CSV":        "csv",
	"SUMMARY":    "json",
}

// Namer turns meetings and recording files into filesystem-safe names
type Namer interface {
	// MeetingDir returns "<start> - <topic>" sanitized, start rendered in the namer's location
	MeetingDir(meeting zoom.Meeting) string

	// FileName returns "<recording_type> <FILE_TYPE>.<ext>", each part sanitized
	FileName(file zoom.RecordingFile) string

	// FileNames names every file of a meeting, suffixing collisions with -2, -3, ...
	FileNames(files []zoom.RecordingFile) []string

	// Extension returns the extension for a Zoom file type, without the dot
	Extension(fileType, fileExtension string) string

	// Sanitize replaces characters that are unsafe in a path component
	Sanitize(s string) string
}

// Options configures a Namer
type Options struct {
	// Location for rendering start times (default: local time)
	Location *time.Location

	// MaxNameLength caps a name in runes (default: 200)
	MaxNameLength int

	// DefaultTopic is used when a topic is empty (default: "untitled")
	DefaultTopic string
}

type namer struct {
	location     *time.Location
	maxLength    int
	defaultTopic string
	cleaner      transform.Transformer
}

// NewNamer creates a Namer with the given options
func NewNamer(options Options) Namer {
	location := options.Location
	if location == nil {
		location = time.Local
	}

	maxLength := options.MaxNameLength
	if maxLength <= 0 {
		maxLength = 200
	}

	defaultTopic := options.DefaultTopic
	if defaultTopic == "" {
		defaultTopic = "untitled"
	}

	return &namer{
		location:     location,
		maxLength:    maxLength,
		defaultTopic: defaultTopic,
		cleaner:      transform.Chain(norm.NFC, runes.Remove(runes.In(unicode.Cc))),
	}
}

func (n *namer) MeetingDir(meeting zoom.Meeting) string {
	topic := n.normalize(meeting.Topic)
	if strings.TrimSpace(topic) == "" {
		topic = n.defaultTopic
	}
	start := meeting.StartTime.In(n.location).Format(StartTimeLayout)
	return n.Sanitize(start + " - " + topic)
}

func (n *namer) FileName(file zoom.RecordingFile) string {
	fileType := strings.ToUpper(strings.TrimSpace(file.FileType))
	if fileType == "" {
		fileType = "FILE"
	}

	name := n.Sanitize(fileType + "." + n.Extension(fileType, file.FileExtension))
	if recordingType := strings.TrimSpace(file.RecordingType); recordingType != "" {
		// the space between recording type and file type is kept
		name = n.Sanitize(recordingType) + " " + name
	}
	return name
}

func (n *namer) FileNames(files []zoom.RecordingFile) []string {
	names := make([]string, len(files))
	used := make(map[string]int, len(files))

	for i, file := range files {
		name := n.FileName(file)
		key := strings.ToLower(name)
		used[key]++
		if count := used[key]; count > 1 {
			name = withSuffix(name, count)
			for used[strings.ToLower(name)] > 0 {
				count++
				name = withSuffix(n.FileName(file), count)
			}
			used[strings.ToLower(name)]++
		}
		names[i] = name
	}
	return names
}

func (n *namer) Extension(fileType, fileExtension string) string {
	if ext, ok := extensions[strings.ToUpper(fileType)]; ok {
		return ext
	}
	if ext := strings.Trim(strings.ToLower(fileExtension), ". "); ext != "" {
		return ext
	}
	return "bin"
}

func (n *namer) Sanitize(s string) string {
	s = n.normalize(s)

	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(invalidChars, r) || !unicode.IsPrint(r) {
			b.WriteRune('-')
			continue
		}
		b.WriteRune(r)
	}

	out := truncate(b.String(), n.maxLength)
	// Windows drops trailing dots
	out = strings.TrimRight(out, ".")
	if out == "" {
		return n.defaultTopic
	}
	return out
}

func (n *namer) normalize(s string) string {
	out, _, err := transform.String(n.cleaner, s)
	if err != nil {
		return s
	}
	return out
}

// truncate cuts s to at most max runes
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	count := 0
	for i := range s {
		if count == max {
			return s[:i]
		}
		count++
	}
	return s
}

func withSuffix(name string, n int) string {
	suffix := "-" + strconv.Itoa(n)
	if dot := strings.LastIndex(name, "."); dot > 0 {
		return name[:dot] + suffix + name[dot:]
	}
	return name + suffix
}
