// Package zoom defines data structures for Zoom Cloud Recording API
package zoom

import (
	"strings"
	"time"
)

// StatusProcessing marks a recording file that Zoom has not finished producing
const StatusProcessing = "processing"

// User is the subset of GET /users/{userId} that a run needs
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Type      int    `json:"type"`
	Status    string `json:"status,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

// RecordingFile represents a single recording file within a meeting recording
type RecordingFile struct {
	ID             string    `json:"id"`
	MeetingID      string    `json:"meeting_id,omitempty"`
	RecordingStart time.Time `json:"recording_start"`
	RecordingEnd   time.Time `json:"recording_end"`
	FileType       string    `json:"file_type"`
	FileExtension  string    `json:"file_extension,omitempty"`
	FileSize       int64     `json:"file_size"`
	DownloadURL    string    `json:"download_url"`
	Status         string    `json:"status,omitempty"`
	RecordingType  string    `json:"recording_type,omitempty"`
}

// IsProcessing reports whether Zoom is still producing the file
func (f RecordingFile) IsProcessing() bool {
	return strings.EqualFold(f.Status, StatusProcessing)
}

// Meeting is one recorded meeting occurrence with its files. UUID identifies the
// occurrence; ID is the reusable meeting number.
type Meeting struct {
	UUID           string          `json:"uuid"`
	ID             int64           `json:"id"`
	AccountID      string          `json:"account_id,omitempty"`
	HostID         string          `json:"host_id,omitempty"`
	Topic          string          `json:"topic"`
	Type           int             `json:"type"`
	StartTime      time.Time       `json:"start_time"`
	Duration       int             `json:"duration"`
	TotalSize      int64           `json:"total_size"`
	RecordingCount int             `json:"recording_count"`
	RecordingFiles []RecordingFile `json:"recording_files"`
}

// ListRecordingsResponse is one page of GET /users/{userId}/recordings
type ListRecordingsResponse struct {
	From          string    `json:"from"`
	To            string    `json:"to"`
	PageCount     int       `json:"page_count"`
	PageSize      int       `json:"page_size"`
	TotalRecords  int       `json:"total_records"`
	NextPageToken string    `json:"next_page_token,omitempty"`
	Meetings      []Meeting `json:"meetings"`
}
