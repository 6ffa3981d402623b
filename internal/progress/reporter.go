// Package progress tracks per-file download outcomes across workers and prints the
// run summary
package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tribloom/Zoom-Meeting-Download/internal/download"
	"github.com/tribloom/Zoom-Meeting-Download/internal/logging"
)

// ProgressReporter defines the interface for progress reporting operations
type ProgressReporter interface {
	download.Reporter

	// Start initializes the progress reporting session
	Start(ctx context.Context, total int) error

	// Finish completes the progress reporting session and shows summary
	Finish() *Summary

	// GetSummary returns current progress summary
	GetSummary() *Summary
}

// DownloadProgress tracks individual download progress
type DownloadProgress struct {
	ID              string                 `json:"id"`
	Filename        string                 `json:"filename"`
	BytesDownloaded int64                  `json:"bytes_downloaded"`
	TotalBytes      int64                  `json:"total_bytes"`
	Speed           float64                `json:"speed"`
	ETA             time.Duration          `json:"-"`
	State           download.DownloadState `json:"state"`
	Attempt         int                    `json:"attempt"`
	StartTime       time.Time              `json:"start_time"`
	LastUpdate      time.Time              `json:"last_update"`
	Error           error                  `json:"-"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// SkippedItem represents an item that was skipped
type SkippedItem struct {
	Item      string                 `json:"item"`
	Reason    download.SkipReason    `json:"reason"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ErrorItem represents an item that encountered an error
type ErrorItem struct {
	Item      string                 `json:"item"`
	Error     error                  `json:"-"`
	ErrorMsg  string                 `json:"error"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Summary represents the final progress summary
type Summary struct {
	TotalItems           int                          `json:"total_items"`
	CompletedDownloads   int                          `json:"completed_downloads"`
	FailedDownloads      int                          `json:"failed_downloads"`
	SkippedItems         []SkippedItem                `json:"skipped_items"`
	ErrorItems           []ErrorItem                  `json:"error_items"`
	TotalBytesDownloaded int64                        `json:"total_bytes_downloaded"`
	AverageSpeed         float64                      `json:"average_speed"`
	TotalDuration        time.Duration                `json:"-"`
	StartTime            time.Time                    `json:"start_time"`
	EndTime              time.Time                    `json:"end_time"`
	ActiveDownloads      map[string]*DownloadProgress `json:"active_downloads"`
}

// GetSkippedByReason returns skipped items grouped by reason
func (s *Summary) GetSkippedByReason() map[download.SkipReason][]SkippedItem {
	result := make(map[download.SkipReason][]SkippedItem)
	for _, item := range s.SkippedItems {
		result[item.Reason] = append(result[item.Reason], item)
	}
	return result
}

// ProgressConfig holds configuration for progress reporting
type ProgressConfig struct {
	ShowProgressBar   bool          // Whether to show visual progress bar
	UpdateInterval    time.Duration // How often to update progress display
	LogInterval       time.Duration // How often to log progress
	Writer            io.Writer     // Where to write progress output (default: os.Stdout)
	EnableFileLogging bool          // Whether to log progress periodically
	CompactMode       bool          // Use compact progress display
	ShowSpeed         bool          // Show download speeds
	ShowETA           bool          // Show estimated time remaining
}

// progressReporterImpl implements the ProgressReporter interface
type progressReporterImpl struct {
	config      ProgressConfig
	logger      logging.Logger
	total       int
	downloads   map[string]*DownloadProgress
	skipped     []SkippedItem
	errors      []ErrorItem
	startTime   time.Time
	lastLogTime time.Time
	mutex       sync.RWMutex
	writer      io.Writer
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewProgressReporter creates a new progress reporter with the given configuration
func NewProgressReporter(config ProgressConfig, logger logging.Logger) ProgressReporter {
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = 500 * time.Millisecond
	}
	if config.LogInterval <= 0 {
		config.LogInterval = 5 * time.Second
	}
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &progressReporterImpl{
		config:    config,
		logger:    logger,
		downloads: make(map[string]*DownloadProgress),
		skipped:   []SkippedItem{},
		errors:    []ErrorItem{},
		writer:    config.Writer,
		ctx:       context.Background(),
	}
}

// Start initializes the progress reporting session
func (pr *progressReporterImpl) Start(ctx context.Context, total int) error {
	pr.mutex.Lock()
	defer pr.mutex.Unlock()

	pr.total = total
	pr.startTime = time.Now()
	pr.lastLogTime = pr.startTime
	pr.ctx, pr.cancel = context.WithCancel(ctx)

	pr.logger.InfoWithContext(ctx, "Progress tracking started: %d files to process", total)
	pr.logger.LogUserAction("progress_start", "system", map[string]interface{}{
		"total_items": total,
		"start_time":  pr.startTime,
	})

	if pr.config.ShowProgressBar {
		go pr.displayLoop(pr.ctx)
	}
	if pr.config.EnableFileLogging {
		go pr.loggingLoop(pr.ctx)
	}
	return nil
}

// UpdateDownload updates progress for a specific download
func (pr *progressReporterImpl) UpdateDownload(update download.ProgressUpdate) {
	pr.mutex.Lock()
	defer pr.mutex.Unlock()

	progress, exists := pr.downloads[update.DownloadID]
	if !exists {
		filename := update.DownloadID
		if name, ok := update.Metadata["filename"].(string); ok {
			filename = name
		}
		progress = &DownloadProgress{
			ID:        update.DownloadID,
			Filename:  filename,
			StartTime: time.Now(),
			Metadata:  update.Metadata,
		}
		pr.downloads[update.DownloadID] = progress
	}

	previous := progress.State
	progress.BytesDownloaded = update.BytesDownloaded
	progress.TotalBytes = update.TotalBytes
	progress.Speed = update.Speed
	progress.ETA = update.ETA
	progress.State = update.State
	progress.Attempt = update.Attempt
	progress.LastUpdate = update.Timestamp
	progress.Error = update.Error

	switch update.State {
	case download.DownloadStateDownloading:
		if previous != download.DownloadStateDownloading && update.Attempt <= 1 {
			pr.logger.InfoWithContext(pr.ctx, "Starting download: %s (%s)",
				progress.Filename, formatBytes(update.TotalBytes))
		}
	case download.DownloadStateCompleted:
		duration := time.Since(progress.StartTime)
		avgSpeed := float64(update.BytesDownloaded) / duration.Seconds()
		pr.logger.InfoWithContext(pr.ctx, "Download completed: %s (%s in %v, avg speed: %s/s)",
			progress.Filename, formatBytes(update.BytesDownloaded), duration.Round(time.Millisecond), formatBytes(int64(avgSpeed)))
		pr.logger.LogPerformance(logging.PerformanceMetrics{
			Operation:      "download_file",
			Duration:       duration,
			BytesProcessed: update.BytesDownloaded,
			Success:        true,
			Metadata: map[string]interface{}{
				"download_id": update.DownloadID,
				"filename":    progress.Filename,
				"avg_speed":   avgSpeed,
			},
		})
	case download.DownloadStateFailed:
		errMsg := ""
		if update.Error != nil {
			errMsg = update.Error.Error()
		}
		pr.logger.LogPerformance(logging.PerformanceMetrics{
			Operation:      "download_file",
			Duration:       time.Since(progress.StartTime),
			BytesProcessed: update.BytesDownloaded,
			Success:        false,
			Error:          errMsg,
			Metadata: map[string]interface{}{
				"download_id": update.DownloadID,
				"filename":    progress.Filename,
			},
		})
	}
}

// AddSkipped adds a skipped item to the progress tracking
func (pr *progressReporterImpl) AddSkipped(reason download.SkipReason, item string, details map[string]interface{}) {
	pr.mutex.Lock()
	defer pr.mutex.Unlock()

	pr.skipped = append(pr.skipped, SkippedItem{
		Item:      item,
		Reason:    reason,
		Details:   details,
		Timestamp: time.Now(),
	})

	if reason == download.SkipReasonDryRun {
		pr.logger.DebugWithContext(pr.ctx, "Skipping item: %s (reason: %s)", item, reason)
	} else {
		pr.logger.WarnWithContext(pr.ctx, "Skipping item: %s (reason: %s)", item, reason)
	}
	pr.logger.LogUserAction("item_skipped", "system", map[string]interface{}{
		"item":    item,
		"reason":  reason.String(),
		"details": details,
	})
}

// AddError adds an error to the progress tracking
func (pr *progressReporterImpl) AddError(item string, err error, details map[string]interface{}) {
	pr.mutex.Lock()
	defer pr.mutex.Unlock()

	pr.errors = append(pr.errors, ErrorItem{
		Item:      item,
		Error:     err,
		ErrorMsg:  err.Error(),
		Details:   details,
		Timestamp: time.Now(),
	})

	pr.logger.ErrorWithContext(pr.ctx, "Error processing item: %s - %v", item, err)
	pr.logger.LogUserAction("item_error", "system", map[string]interface{}{
		"item":    item,
		"error":   err.Error(),
		"details": details,
	})
}

// Finish completes the progress reporting session and shows summary
func (pr *progressReporterImpl) Finish() *Summary {
	pr.mutex.Lock()
	defer pr.mutex.Unlock()

	if pr.cancel != nil {
		pr.cancel()
	}

	summary := pr.summaryLocked()
	summary.EndTime = time.Now()
	summary.TotalDuration = summary.EndTime.Sub(pr.startTime)

	pr.displaySummary(summary)

	pr.logger.InfoWithContext(pr.ctx, "Progress tracking completed: %d total, %d completed, %d failed, %d skipped",
		pr.total, summary.CompletedDownloads, summary.FailedDownloads, len(pr.skipped))
	pr.logger.LogPerformance(logging.PerformanceMetrics{
		Operation:      "progress_session",
		Duration:       summary.TotalDuration,
		BytesProcessed: summary.TotalBytesDownloaded,
		Success:        summary.FailedDownloads == 0,
		Metadata: map[string]interface{}{
			"total_items":   pr.total,
			"completed":     summary.CompletedDownloads,
			"failed":        summary.FailedDownloads,
			"skipped":       len(pr.skipped),
			"average_speed": summary.AverageSpeed,
		},
	})

	return summary
}

// GetSummary returns current progress summary
func (pr *progressReporterImpl) GetSummary() *Summary {
	pr.mutex.RLock()
	defer pr.mutex.RUnlock()
	return pr.summaryLocked()
}

// summaryLocked builds a summary; the caller holds the mutex
func (pr *progressReporterImpl) summaryLocked() *Summary {
	var completed, failed int
	var totalBytes int64
	var totalSpeed float64
	activeDownloads := make(map[string]*DownloadProgress)

	for _, progress := range pr.downloads {
		switch progress.State {
		case download.DownloadStateCompleted:
			completed++
			totalBytes += progress.BytesDownloaded
			if d := progress.LastUpdate.Sub(progress.StartTime); d > 0 {
				totalSpeed += float64(progress.BytesDownloaded) / d.Seconds()
			}
		case download.DownloadStateFailed:
			failed++
		default:
			activeDownloads[progress.ID] = progress
		}
	}

	var avgSpeed float64
	if completed > 0 {
		avgSpeed = totalSpeed / float64(completed)
	}

	return &Summary{
		TotalItems:           pr.total,
		CompletedDownloads:   completed,
		FailedDownloads:      failed,
		SkippedItems:         append([]SkippedItem(nil), pr.skipped...),
		ErrorItems:           append([]ErrorItem(nil), pr.errors...),
		TotalBytesDownloaded: totalBytes,
		AverageSpeed:         avgSpeed,
		StartTime:            pr.startTime,
		EndTime:              time.Now(),
		ActiveDownloads:      activeDownloads,
	}
}

// displayLoop runs in background to update progress display
func (pr *progressReporterImpl) displayLoop(ctx context.Context) {
	ticker := time.NewTicker(pr.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pr.displayProgress()
		}
	}
}

// loggingLoop runs in background to log progress periodically
func (pr *progressReporterImpl) loggingLoop(ctx context.Context) {
	ticker := time.NewTicker(pr.config.LogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pr.logProgress()
		}
	}
}

// displayProgress shows current progress on console
func (pr *progressReporterImpl) displayProgress() {
	pr.mutex.RLock()
	defer pr.mutex.RUnlock()

	summary := pr.summaryLocked()
	processed := summary.CompletedDownloads + summary.FailedDownloads + len(summary.SkippedItems)
	var progressPercent float64
	if pr.total > 0 {
		progressPercent = float64(processed) / float64(pr.total) * 100
	}

	// Clear current line and move to beginning
	fmt.Fprint(pr.writer, "\r\033[K")

	if pr.config.CompactMode {
		fmt.Fprintf(pr.writer, "[%s] %.0f%% | %d/%d files",
			createProgressBar(progressPercent, 40), progressPercent, processed, pr.total)
		return
	}

	fmt.Fprintf(pr.writer, "Downloading recordings...\n[%s] %.0f%% | %d/%d files\n",
		createProgressBar(progressPercent, 40), progressPercent, processed, pr.total)

	for _, progress := range summary.ActiveDownloads {
		if progress.State != download.DownloadStateDownloading {
			continue
		}
		var progressBar string
		var percent float64
		if progress.TotalBytes > 0 {
			percent = float64(progress.BytesDownloaded) / float64(progress.TotalBytes) * 100
			progressBar = createProgressBar(percent, 20)
		} else {
			progressBar = "downloading..."
		}

		fmt.Fprintf(pr.writer, "└─ %s: %s [%.0f%%]", progress.Filename, progressBar, percent)
		if pr.config.ShowSpeed && progress.Speed > 0 {
			fmt.Fprintf(pr.writer, " %s/s", formatBytes(int64(progress.Speed)))
		}
		if pr.config.ShowETA && progress.ETA > 0 {
			fmt.Fprintf(pr.writer, " ETA: %v", formatDuration(progress.ETA))
		}
		fmt.Fprint(pr.writer, "\n")
	}
}

// displaySummary shows the final summary
func (pr *progressReporterImpl) displaySummary(summary *Summary) {
	fmt.Fprintf(pr.writer, "\n\nSummary:\n")
	fmt.Fprintf(pr.writer, "- Total files: %d\n", summary.TotalItems)
	fmt.Fprintf(pr.writer, "- Downloaded: %d\n", summary.CompletedDownloads)

	if summary.FailedDownloads > 0 {
		fmt.Fprintf(pr.writer, "- Failed: %d\n", summary.FailedDownloads)
	}

	skippedByReason := summary.GetSkippedByReason()
	if n := len(skippedByReason[download.SkipReasonProcessing]); n > 0 {
		fmt.Fprintf(pr.writer, "- Skipped (still processing): %d\n", n)
	}
	if n := len(skippedByReason[download.SkipReasonDryRun]); n > 0 {
		fmt.Fprintf(pr.writer, "- Skipped (dry run): %d\n", n)
	}
	if n := len(skippedByReason[download.SkipReasonCancelled]); n > 0 {
		fmt.Fprintf(pr.writer, "- Skipped (cancelled): %d\n", n)
	}

	if summary.TotalBytesDownloaded > 0 {
		fmt.Fprintf(pr.writer, "- Total size: %s\n", formatBytes(summary.TotalBytesDownloaded))
	}
	fmt.Fprintf(pr.writer, "- Time elapsed: %v\n", formatDuration(summary.TotalDuration))

	if path := pr.logger.FilePath(); path != "" {
		fmt.Fprintf(pr.writer, "\nAll operations logged to: %s\n", path)
	}
}

// logProgress logs current progress
func (pr *progressReporterImpl) logProgress() {
	pr.mutex.Lock()
	defer pr.mutex.Unlock()

	now := time.Now()
	if now.Sub(pr.lastLogTime) < pr.config.LogInterval {
		return
	}

	summary := pr.summaryLocked()
	processed := summary.CompletedDownloads + summary.FailedDownloads + len(summary.SkippedItems)
	pr.logger.InfoWithContext(pr.ctx, "Progress update: %d/%d processed (%d completed, %d failed, %d skipped)",
		processed, pr.total, summary.CompletedDownloads, summary.FailedDownloads, len(summary.SkippedItems))

	pr.lastLogTime = now
}

// createProgressBar creates a visual progress bar string
func createProgressBar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// formatBytes formats byte count as human readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"KB", "MB", "GB", "TB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), units[exp])
}

// formatDuration formats duration as human readable string
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) - minutes*60
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) - hours*60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
