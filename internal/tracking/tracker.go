// Package tracking keeps a CSV ledger of the files downloaded into each run root
package tracking

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/tribloom/Zoom-Meeting-Download/internal/download"
	"github.com/tribloom/Zoom-Meeting-Download/internal/logging"
)

// LedgerFileName is the ledger kept at the top of every run root
const LedgerFileName = "downloads.csv"

var header = []string{"meeting_uuid", "file_name", "size_bytes", "attempts", "downloaded_at", "download_time_seconds"}

// DownloadEntry represents a single downloaded file
type DownloadEntry struct {
	MeetingUUID  string
	FileName     string
	Size         int64
	Attempts     int
	DownloadedAt time.Time
	DownloadTime time.Duration
}

// CSVTracker defines the interface for recording downloads to a CSV file
type CSVTracker interface {
	// TrackDownload appends an entry to the CSV file
	TrackDownload(entry DownloadEntry) error
}

// RunCSVTracker manages the downloads.csv file of one run root
type RunCSVTracker struct {
	filePath string
	mu       sync.Mutex
}

// NewRunCSVTracker creates a tracker for root.
// Creates the CSV file with headers if it doesn't exist.
func NewRunCSVTracker(root string) (*RunCSVTracker, error) {
	tracker := &RunCSVTracker{
		filePath: filepath.Join(root, LedgerFileName),
	}

	_, err := os.Stat(tracker.filePath)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		if err := tracker.writeHeader(); err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to check file: %w", err)
	}

	return tracker, nil
}

// FilePath returns the ledger path
func (t *RunCSVTracker) FilePath() string {
	return t.filePath
}

// TrackDownload records a download entry
func (t *RunCSVTracker) TrackDownload(entry DownloadEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	file, err := os.OpenFile(t.filePath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file for append: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	record := []string{
		entry.MeetingUUID,
		entry.FileName,
		strconv.FormatInt(entry.Size, 10),
		strconv.Itoa(entry.Attempts),
		entry.DownloadedAt.Format(time.RFC3339),
		strconv.FormatInt(int64(entry.DownloadTime.Seconds()), 10),
	}
	if err := writer.Write(record); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	writer.Flush()
	return writer.Error()
}

func (t *RunCSVTracker) writeHeader() error {
	file, err := os.Create(t.filePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	writer.Flush()
	return writer.Error()
}

// Reporter forwards scheduler events to another download.Reporter and records
// every completed download in the ledger of its run root
type Reporter struct {
	next     download.Reporter
	logger   logging.Logger
	open     func(root string) (CSVTracker, error)
	mu       sync.Mutex
	trackers map[string]CSVTracker
	started  map[string]time.Time
}

// NewReporter wraps next. A nil next only records.
func NewReporter(next download.Reporter, logger logging.Logger) *Reporter {
	if logger == nil {
		logger = logging.Nop()
	}
	if next == nil {
		next = download.NewLogReporter(nil)
	}
	return &Reporter{
		next:   next,
		logger: logger,
		open: func(root string) (CSVTracker, error) {
			return NewRunCSVTracker(root)
		},
		trackers: make(map[string]CSVTracker),
		started:  make(map[string]time.Time),
	}
}

func (r *Reporter) UpdateDownload(update download.ProgressUpdate) {
	r.next.UpdateDownload(update)

	switch update.State {
	case download.DownloadStateQueued:
		r.mu.Lock()
		if _, ok := r.started[update.DownloadID]; !ok {
			r.started[update.DownloadID] = update.Timestamp
		}
		r.mu.Unlock()
	case download.DownloadStateFailed:
		r.mu.Lock()
		delete(r.started, update.DownloadID)
		r.mu.Unlock()
	case download.DownloadStateCompleted:
		r.record(update)
	}
}

func (r *Reporter) AddSkipped(reason download.SkipReason, item string, details map[string]interface{}) {
	r.next.AddSkipped(reason, item, details)
}

func (r *Reporter) AddError(item string, err error, details map[string]interface{}) {
	r.next.AddError(item, err, details)
}

func (r *Reporter) record(update download.ProgressUpdate) {
	root, _ := update.Metadata["root"].(string)
	if root == "" {
		return
	}
	fileName, _ := update.Metadata["filename"].(string)
	meetingUUID, _ := update.Metadata["meeting_uuid"].(string)

	r.mu.Lock()
	start, ok := r.started[update.DownloadID]
	delete(r.started, update.DownloadID)
	tracker, err := r.trackerLocked(root)
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("Failed to open download ledger in %s: %v", root, err)
		return
	}

	entry := DownloadEntry{
		MeetingUUID:  meetingUUID,
		FileName:     fileName,
		Size:         update.BytesDownloaded,
		Attempts:     update.Attempt,
		DownloadedAt: update.Timestamp,
	}
	if ok {
		entry.DownloadTime = update.Timestamp.Sub(start)
	}
	if err := tracker.TrackDownload(entry); err != nil {
		r.logger.Warn("Failed to record %s in the ledger of %s: %v", fileName, root, err)
	}
}

func (r *Reporter) trackerLocked(root string) (CSVTracker, error) {
	if tracker, ok := r.trackers[root]; ok {
		return tracker, nil
	}
	tracker, err := r.open(root)
	if err != nil {
		return nil, err
	}
	r.trackers[root] = tracker
	r.logger.Debug("Recording downloads in %s", root)
	return tracker, nil
}
