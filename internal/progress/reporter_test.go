package progress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tribloom/Zoom-Meeting-Download/internal/download"
	"github.com/tribloom/Zoom-Meeting-Download/internal/logging"
)

// mockLogger implements the logging.Logger interface for testing
type mockLogger struct {
	mu       sync.Mutex
	logs     []logEntry
	filePath string
}

type logEntry struct {
	level   string
	message string
	fields  map[string]interface{}
}

func (m *mockLogger) add(entry logEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
}

func (m *mockLogger) count(level, message string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, entry := range m.logs {
		if entry.level == level && entry.message == message {
			n++
		}
	}
	return n
}

func (m *mockLogger) Debug(format string, args ...interface{}) {
	m.add(logEntry{level: "debug", message: format})
}

func (m *mockLogger) Info(format string, args ...interface{}) {
	m.add(logEntry{level: "info", message: format})
}

func (m *mockLogger) Warn(format string, args ...interface{}) {
	m.add(logEntry{level: "warn", message: format})
}

func (m *mockLogger) Error(format string, args ...interface{}) {
	m.add(logEntry{level: "error", message: format})
}

func (m *mockLogger) DebugWithContext(ctx context.Context, format string, args ...interface{}) {
	m.Debug(format, args...)
}

func (m *mockLogger) InfoWithContext(ctx context.Context, format string, args ...interface{}) {
	m.Info(format, args...)
}

func (m *mockLogger) WarnWithContext(ctx context.Context, format string, args ...interface{}) {
	m.Warn(format, args...)
}

func (m *mockLogger) ErrorWithContext(ctx context.Context, format string, args ...interface{}) {
	m.Error(format, args...)
}

func (m *mockLogger) LogUserAction(action string, user string, metadata map[string]interface{}) {
	m.add(logEntry{level: "user_action", message: action, fields: metadata})
}

func (m *mockLogger) LogPerformance(metrics logging.PerformanceMetrics) {
	m.add(logEntry{level: "performance", message: metrics.Operation, fields: map[string]interface{}{"success": metrics.Success}})
}

func (m *mockLogger) LogAPIRequest(request logging.APIRequest) {}

func (m *mockLogger) LogAPIResponse(response logging.APIResponse) {}

func (m *mockLogger) GetLevel() logging.LogLevel { return logging.InfoLevel }

func (m *mockLogger) SetLevel(level logging.LogLevel) {}

func (m *mockLogger) SetOutput(w io.Writer) {}

func (m *mockLogger) FilePath() string { return m.filePath }

func (m *mockLogger) Close() error { return nil }

func TestProgressReporter_BasicOperations(t *testing.T) {
	mockLog := &mockLogger{filePath: "logs/2020-12-16.09.00.00-zoom-download.log"}
	buffer := &bytes.Buffer{}

	config := ProgressConfig{
		ShowProgressBar: false,
		Writer:          buffer,
		CompactMode:     true,
	}

	reporter := NewProgressReporter(config, mockLog)
	if err := reporter.Start(context.Background(), 5); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	summary := reporter.GetSummary()
	if summary.TotalItems != 5 {
		t.Errorf("Expected total items 5, got %d", summary.TotalItems)
	}
	if summary.CompletedDownloads != 0 {
		t.Errorf("Expected 0 completed downloads, got %d", summary.CompletedDownloads)
	}

	update := download.ProgressUpdate{
		DownloadID:      "m1/f1",
		BytesDownloaded: 512,
		TotalBytes:      1024,
		Speed:           100.0,
		ETA:             5 * time.Second,
		State:           download.DownloadStateDownloading,
		Attempt:         1,
		Timestamp:       time.Now(),
		Metadata:        map[string]interface{}{"filename": "2020-11-20-06.30.00-PM---Sync/audio_only M4A.m4a"},
	}
	reporter.UpdateDownload(update)

	update.State = download.DownloadStateCompleted
	update.BytesDownloaded = 1024
	update.Timestamp = time.Now().Add(time.Second)
	reporter.UpdateDownload(update)

	reporter.AddSkipped(download.SkipReasonProcessing, "Sync/active_speaker MP4.mp4", map[string]interface{}{
		"meeting_uuid": "m1",
	})
	reporter.AddError("Sync/CHAT.txt", errors.New("download chat: exhausted"), nil)

	reporter.UpdateDownload(download.ProgressUpdate{
		DownloadID: "m1/f3",
		State:      download.DownloadStateFailed,
		Error:      errors.New("exhausted"),
		Timestamp:  time.Now(),
	})

	final := reporter.Finish()

	if final.CompletedDownloads != 1 {
		t.Errorf("Expected 1 completed download, got %d", final.CompletedDownloads)
	}
	if final.FailedDownloads != 1 {
		t.Errorf("Expected 1 failed download, got %d", final.FailedDownloads)
	}
	if len(final.SkippedItems) != 1 || len(final.ErrorItems) != 1 {
		t.Errorf("Expected 1 skipped and 1 error item, got %d and %d", len(final.SkippedItems), len(final.ErrorItems))
	}
	if final.TotalBytesDownloaded != 1024 {
		t.Errorf("Expected 1024 bytes, got %d", final.TotalBytesDownloaded)
	}
	if final.AverageSpeed <= 0 {
		t.Errorf("Expected a positive average speed, got %f", final.AverageSpeed)
	}

	output := buffer.String()
	for _, want := range []string{
		"Summary:",
		"- Total files: 5",
		"- Downloaded: 1",
		"- Failed: 1",
		"- Skipped (still processing): 1",
		"All operations logged to: logs/2020-12-16.09.00.00-zoom-download.log",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Summary output missing %q:\n%s", want, output)
		}
	}

	if mockLog.count("info", "Starting download: %s (%s)") != 1 {
		t.Error("Expected one start log")
	}
	if mockLog.count("performance", "download_file") != 2 {
		t.Error("Expected performance entries for the completed and failed downloads")
	}
}

func TestRetriedDownloadLogsStartOnce(t *testing.T) {
	mockLog := &mockLogger{}
	reporter := NewProgressReporter(ProgressConfig{Writer: io.Discard}, mockLog)
	reporter.Start(context.Background(), 1)

	for attempt := 1; attempt <= 3; attempt++ {
		reporter.UpdateDownload(download.ProgressUpdate{DownloadID: "m1/f1", State: download.DownloadStateQueued})
		reporter.UpdateDownload(download.ProgressUpdate{DownloadID: "m1/f1", State: download.DownloadStateDownloading, Attempt: attempt})
	}

	if n := mockLog.count("info", "Starting download: %s (%s)"); n != 1 {
		t.Errorf("Expected one start log across retries, got %d", n)
	}
}

func TestProgressReporter_SkipReasons(t *testing.T) {
	reporter := NewProgressReporter(ProgressConfig{Writer: io.Discard}, nil)
	reporter.Start(context.Background(), 3)

	reporter.AddSkipped(download.SkipReasonProcessing, "a", nil)
	reporter.AddSkipped(download.SkipReasonDryRun, "b", nil)
	reporter.AddSkipped(download.SkipReasonDryRun, "c", nil)

	byReason := reporter.Finish().GetSkippedByReason()
	if len(byReason[download.SkipReasonProcessing]) != 1 {
		t.Errorf("Expected 1 processing skip, got %d", len(byReason[download.SkipReasonProcessing]))
	}
	if len(byReason[download.SkipReasonDryRun]) != 2 {
		t.Errorf("Expected 2 dry run skips, got %d", len(byReason[download.SkipReasonDryRun]))
	}
	if len(byReason[download.SkipReasonCancelled]) != 0 {
		t.Errorf("Expected no cancelled skips, got %d", len(byReason[download.SkipReasonCancelled]))
	}
}

func TestSkipReasonString(t *testing.T) {
	tests := map[download.SkipReason]string{
		download.SkipReasonProcessing: "processing",
		download.SkipReasonDryRun:     "dry_run",
		download.SkipReasonCancelled:  "cancelled",
		download.SkipReason(42):       "unknown",
	}
	for reason, expected := range tests {
		if reason.String() != expected {
			t.Errorf("Expected %s, got %s", expected, reason.String())
		}
	}
}

func TestProgressReporter_ConcurrentUpdates(t *testing.T) {
	reporter := NewProgressReporter(ProgressConfig{
		ShowProgressBar:   true,
		UpdateInterval:    time.Millisecond,
		LogInterval:       time.Millisecond,
		Writer:            &lockedBuffer{},
		EnableFileLogging: true,
	}, &mockLogger{})

	if err := reporter.Start(context.Background(), 10); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	numWorkers := 5
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			downloadID := fmt.Sprintf("download-%d", id)
			for progress := int64(0); progress <= 1000; progress += 100 {
				update := download.ProgressUpdate{
					DownloadID:      downloadID,
					BytesDownloaded: progress,
					TotalBytes:      1000,
					Speed:           float64(100 + id*10),
					State:           download.DownloadStateDownloading,
					Attempt:         1,
					Timestamp:       time.Now(),
					Metadata:        map[string]interface{}{"filename": fmt.Sprintf("file%d.mp4", id)},
				}
				if progress == 1000 {
					update.State = download.DownloadStateCompleted
				}
				reporter.UpdateDownload(update)
				time.Sleep(time.Millisecond)
			}
			reporter.AddSkipped(download.SkipReasonProcessing, downloadID+"-skipped", nil)
		}(i)
	}
	wg.Wait()

	summary := reporter.Finish()
	if summary.CompletedDownloads != numWorkers {
		t.Errorf("Expected %d completed downloads, got %d", numWorkers, summary.CompletedDownloads)
	}
	if summary.TotalBytesDownloaded != int64(numWorkers*1000) {
		t.Errorf("Expected %d bytes downloaded, got %d", numWorkers*1000, summary.TotalBytesDownloaded)
	}
	if len(summary.SkippedItems) != numWorkers {
		t.Errorf("Expected %d skipped items, got %d", numWorkers, len(summary.SkippedItems))
	}
}

// lockedBuffer is a bytes.Buffer safe for the display goroutine
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func TestProgressReporter_WithoutLogger(t *testing.T) {
	reporter := NewProgressReporter(ProgressConfig{Writer: &bytes.Buffer{}}, nil)
	if err := reporter.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	reporter.UpdateDownload(download.ProgressUpdate{
		DownloadID:      "test",
		BytesDownloaded: 100,
		TotalBytes:      100,
		State:           download.DownloadStateCompleted,
		Timestamp:       time.Now(),
	})
	reporter.AddSkipped(download.SkipReasonDryRun, "test", nil)
	reporter.AddError("test", errors.New("test error"), nil)

	if summary := reporter.Finish(); summary == nil {
		t.Error("Expected summary to be returned even without logger")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
		{1099511627776, "1.0 TB"},
	}

	for _, test := range tests {
		t.Run(fmt.Sprintf("%d bytes", test.input), func(t *testing.T) {
			result := formatBytes(test.input)
			if result != test.expected {
				t.Errorf("Expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{30 * time.Second, "30s"},
		{90 * time.Second, "1m 30s"},
		{3661 * time.Second, "1h 1m"},
		{7200 * time.Second, "2h 0m"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := formatDuration(test.input)
			if result != test.expected {
				t.Errorf("Expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestCreateProgressBar(t *testing.T) {
	tests := []struct {
		percent  float64
		width    int
		expected string
	}{
		{0, 10, "░░░░░░░░░░"},
		{50, 10, "█████░░░░░"},
		{100, 10, "██████████"},
		{25, 8, "██░░░░░░"},
		{150, 4, "████"},
	}

	for _, test := range tests {
		t.Run(fmt.Sprintf("%.0f%% width %d", test.percent, test.width), func(t *testing.T) {
			result := createProgressBar(test.percent, test.width)
			if result != test.expected {
				t.Errorf("Expected %s, got %s", test.expected, result)
			}
		})
	}
}
