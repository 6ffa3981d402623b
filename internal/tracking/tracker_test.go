package tracking

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tribloom/Zoom-Meeting-Download/internal/download"
)

func TestNewRunCSVTracker(t *testing.T) {
	root := filepath.Join(t.TempDir(), "jchill@example.com-ZoomRecordings-2020-11-01-2020-12-15")

	tracker, err := NewRunCSVTracker(root)
	if err != nil {
		t.Fatalf("NewRunCSVTracker failed: %v", err)
	}

	if tracker.FilePath() != filepath.Join(root, LedgerFileName) {
		t.Errorf("Expected ledger in %s, got %s", root, tracker.FilePath())
	}

	data, err := os.ReadFile(tracker.FilePath())
	if err != nil {
		t.Fatalf("Failed to read CSV file: %v", err)
	}

	expected := "meeting_uuid,file_name,size_bytes,attempts,downloaded_at,download_time_seconds\n"
	if string(data) != expected {
		t.Errorf("Expected header %q, got %q", expected, string(data))
	}
}

func TestRunCSVTracker_TrackDownload(t *testing.T) {
	root := t.TempDir()

	tracker, err := NewRunCSVTracker(root)
	if err != nil {
		t.Fatalf("NewRunCSVTracker failed: %v", err)
	}

	entry := DownloadEntry{
		MeetingUUID:  "abc==",
		FileName:     "2020-11-05-1330-Team Sync/2020-11-05-1330-Team Sync.mp4",
		Size:         1048576,
		Attempts:     2,
		DownloadedAt: time.Date(2020, 11, 5, 19, 0, 0, 0, time.UTC),
		DownloadTime: 90 * time.Second,
	}
	if err := tracker.TrackDownload(entry); err != nil {
		t.Fatalf("TrackDownload failed: %v", err)
	}

	data, err := os.ReadFile(tracker.FilePath())
	if err != nil {
		t.Fatalf("Failed to read CSV file: %v", err)
	}

	expected := "meeting_uuid,file_name,size_bytes,attempts,downloaded_at,download_time_seconds\n" +
		"abc==,2020-11-05-1330-Team Sync/2020-11-05-1330-Team Sync.mp4,1048576,2,2020-11-05T19:00:00Z,90\n"
	if string(data) != expected {
		t.Errorf("Expected content:\n%s\nGot:\n%s", expected, string(data))
	}
}

func TestRunCSVTracker_ExistingFile(t *testing.T) {
	root := t.TempDir()

	first, err := NewRunCSVTracker(root)
	if err != nil {
		t.Fatalf("NewRunCSVTracker failed: %v", err)
	}
	if err := first.TrackDownload(DownloadEntry{MeetingUUID: "m1", FileName: "a.mp4", Size: 1}); err != nil {
		t.Fatalf("TrackDownload failed: %v", err)
	}

	// Reopening keeps earlier rows and does not repeat the header
	second, err := NewRunCSVTracker(root)
	if err != nil {
		t.Fatalf("NewRunCSVTracker failed: %v", err)
	}
	if err := second.TrackDownload(DownloadEntry{MeetingUUID: "m2", FileName: "b.mp4", Size: 2}); err != nil {
		t.Fatalf("TrackDownload failed: %v", err)
	}

	records := readRecords(t, second.FilePath())
	if len(records) != 3 {
		t.Fatalf("Expected header and 2 rows, got %d records", len(records))
	}
	if records[1][0] != "m1" || records[2][0] != "m2" {
		t.Errorf("Unexpected rows: %v", records[1:])
	}
}

func TestRunCSVTracker_QuotesFields(t *testing.T) {
	root := t.TempDir()

	tracker, err := NewRunCSVTracker(root)
	if err != nil {
		t.Fatalf("NewRunCSVTracker failed: %v", err)
	}
	name := `2020-11-05-1330-Budget, "Q4"/recording.mp4`
	if err := tracker.TrackDownload(DownloadEntry{MeetingUUID: "m1", FileName: name}); err != nil {
		t.Fatalf("TrackDownload failed: %v", err)
	}

	records := readRecords(t, tracker.FilePath())
	if records[1][1] != name {
		t.Errorf("Expected file name %q to round-trip, got %q", name, records[1][1])
	}
}

func TestRunCSVTracker_ConcurrentWrites(t *testing.T) {
	root := t.TempDir()

	tracker, err := NewRunCSVTracker(root)
	if err != nil {
		t.Fatalf("NewRunCSVTracker failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tracker.TrackDownload(DownloadEntry{MeetingUUID: "m", FileName: "f.mp4"}); err != nil {
				t.Errorf("TrackDownload failed: %v", err)
			}
		}()
	}
	wg.Wait()

	records := readRecords(t, tracker.FilePath())
	if len(records) != 21 {
		t.Errorf("Expected 21 records, got %d", len(records))
	}
}

type recordingReporter struct {
	mu      sync.Mutex
	updates int
	skipped int
	errors  int
}

func (r *recordingReporter) UpdateDownload(download.ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
}

func (r *recordingReporter) AddSkipped(download.SkipReason, string, map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped++
}

func (r *recordingReporter) AddError(string, error, map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors++
}

func TestReporter_RecordsCompletedDownloads(t *testing.T) {
	base := t.TempDir()
	rootA := filepath.Join(base, "a@example.com-ZoomRecordings-2020-11-01-2020-12-15")
	rootB := filepath.Join(base, "b@example.com-ZoomRecordings-2020-11-01-2020-12-15")

	next := &recordingReporter{}
	reporter := NewReporter(next, nil)

	queued := time.Date(2020, 11, 5, 19, 0, 0, 0, time.UTC)
	send := func(id, root, file string, state download.DownloadState, at time.Time) {
		reporter.UpdateDownload(download.ProgressUpdate{
			DownloadID:      id,
			State:           state,
			Attempt:         1,
			BytesDownloaded: 7,
			Timestamp:       at,
			Metadata: map[string]interface{}{
				"filename":     file,
				"meeting_uuid": "uuid-" + id,
				"root":         root,
			},
		})
	}

	send("1", rootA, "meeting/one.mp4", download.DownloadStateQueued, queued)
	send("1", rootA, "meeting/one.mp4", download.DownloadStateDownloading, queued.Add(time.Second))
	send("1", rootA, "meeting/one.mp4", download.DownloadStateCompleted, queued.Add(30*time.Second))

	send("2", rootA, "meeting/two.mp4", download.DownloadStateQueued, queued)
	send("2", rootA, "meeting/two.mp4", download.DownloadStateFailed, queued.Add(time.Second))

	send("3", rootB, "meeting/three.m4a", download.DownloadStateCompleted, queued)

	reporter.AddSkipped(download.SkipReasonProcessing, "meeting/four.mp4", nil)
	reporter.AddError("meeting/two.mp4", errors.New("boom"), nil)

	if next.updates != 6 || next.skipped != 1 || next.errors != 1 {
		t.Errorf("Expected every event forwarded, got %d updates, %d skipped, %d errors",
			next.updates, next.skipped, next.errors)
	}

	recordsA := readRecords(t, filepath.Join(rootA, LedgerFileName))
	if len(recordsA) != 2 {
		t.Fatalf("Expected one row in %s, got %d records", rootA, len(recordsA))
	}
	want := []string{"uuid-1", "meeting/one.mp4", "7", "1", "2020-11-05T19:00:30Z", "30"}
	if strings.Join(recordsA[1], ",") != strings.Join(want, ",") {
		t.Errorf("Expected row %v, got %v", want, recordsA[1])
	}

	recordsB := readRecords(t, filepath.Join(rootB, LedgerFileName))
	if len(recordsB) != 2 || recordsB[1][1] != "meeting/three.m4a" {
		t.Errorf("Unexpected ledger for %s: %v", rootB, recordsB)
	}
	if recordsB[1][5] != "0" {
		t.Errorf("Expected zero download time without a queued event, got %s", recordsB[1][5])
	}
}

type failingTracker struct {
	calls int
}

func (f *failingTracker) TrackDownload(entry DownloadEntry) error {
	f.calls++
	return errors.New("disk full")
}

func TestReporter_LedgerFailureDoesNotStopReporting(t *testing.T) {
	next := &recordingReporter{}
	failing := &failingTracker{}
	reporter := NewReporter(next, nil)
	reporter.open = func(root string) (CSVTracker, error) {
		return failing, nil
	}

	for _, id := range []string{"1", "2"} {
		reporter.UpdateDownload(download.ProgressUpdate{
			DownloadID: id,
			State:      download.DownloadStateCompleted,
			Metadata:   map[string]interface{}{"root": "/runs/a", "filename": id + ".mp4"},
		})
	}

	if failing.calls != 2 {
		t.Errorf("Expected both downloads offered to the ledger, got %d", failing.calls)
	}
	if next.updates != 2 {
		t.Errorf("Expected both updates forwarded, got %d", next.updates)
	}
}

func TestReporter_UnopenableLedger(t *testing.T) {
	next := &recordingReporter{}
	reporter := NewReporter(next, nil)
	opened := 0
	reporter.open = func(root string) (CSVTracker, error) {
		opened++
		return nil, errors.New("permission denied")
	}

	reporter.UpdateDownload(download.ProgressUpdate{
		DownloadID: "1",
		State:      download.DownloadStateCompleted,
		Metadata:   map[string]interface{}{"root": "/runs/a", "filename": "1.mp4"},
	})

	if opened != 1 || next.updates != 1 {
		t.Errorf("Expected one open attempt and the update forwarded, got %d opens and %d updates", opened, next.updates)
	}
}

func TestReporter_IgnoresUpdatesWithoutRoot(t *testing.T) {
	base := t.TempDir()
	reporter := NewReporter(nil, nil)

	reporter.UpdateDownload(download.ProgressUpdate{
		DownloadID: "1",
		State:      download.DownloadStateCompleted,
		Metadata:   map[string]interface{}{"filename": "x.mp4"},
	})

	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected nothing written, found %d entries", len(entries))
	}
}

func readRecords(t *testing.T, path string) [][]string {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open CSV file: %v", err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV file: %v", err)
	}
	return records
}
