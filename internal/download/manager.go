// Package download writes recording files to disk and schedules meetings across a
// fixed pool of download workers
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tribloom/Zoom-Meeting-Download/internal/logging"
	"github.com/tribloom/Zoom-Meeting-Download/internal/retry"
	"github.com/tribloom/Zoom-Meeting-Download/internal/zoom"
)

// PartSuffix is appended to a destination while its content is being written
const PartSuffix = ".part"

// DownloadManager defines the interface for download operations
type DownloadManager interface {
	Download(ctx context.Context, req DownloadRequest, progressCallback ProgressCallback) (*DownloadResult, error)
	GetActiveDownloads() []DownloadStatus
}

// DownloadConfig holds configuration for the download manager
type DownloadConfig struct {
	ProgressInterval time.Duration // How often progress callbacks fire while writing
}

// DownloadRequest represents a single download request
type DownloadRequest struct {
	ID          string                 // Unique identifier for this download
	URL         string                 // Source URL to download from
	Destination string                 // Local file path to save to
	FileSize    int64                  // Expected file size in bytes (for progress tracking)
	Metadata    map[string]interface{} // Additional metadata for tracking
}

// ProgressUpdate represents download progress information
type ProgressUpdate struct {
	DownloadID      string                 // ID of the download
	BytesDownloaded int64                  // Total bytes downloaded so far
	TotalBytes      int64                  // Total expected bytes
	Speed           float64                // Current download speed in bytes/second
	ETA             time.Duration          // Estimated time to completion
	State           DownloadState          // Current download state
	Attempt         int                    // 1-based attempt number
	Error           error                  // Error if download failed
	Metadata        map[string]interface{} // Additional progress metadata
	Timestamp       time.Time              // When this update was generated
}

// DownloadResult represents the result of a completed download
type DownloadResult struct {
	DownloadID      string
	BytesDownloaded int64
	Duration        time.Duration
	AverageSpeed    float64
	Attempts        int
	Success         bool
	Error           error
	Metadata        map[string]interface{}
	Timestamp       time.Time
}

// DownloadStatus represents current status of an active download
type DownloadStatus struct {
	Request     DownloadRequest
	Progress    ProgressUpdate
	StartTime   time.Time
	Attempts    int
	LastAttempt time.Time
}

// DownloadState represents the current state of a download
type DownloadState int

const (
	DownloadStateQueued DownloadState = iota
	DownloadStateDownloading
	DownloadStateCompleted
	DownloadStateFailed
)

func (s DownloadState) String() string {
	switch s {
	case DownloadStateQueued:
		return "queued"
	case DownloadStateDownloading:
		return "downloading"
	case DownloadStateCompleted:
		return "completed"
	case DownloadStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProgressCallback is called when download progress changes
type ProgressCallback func(update ProgressUpdate)

type downloadManagerImpl struct {
	config          DownloadConfig
	fetcher         zoom.FileDownloader
	policy          *retry.Policy
	logger          logging.Logger
	activeDownloads map[string]*downloadStatus
	mutex           sync.RWMutex
	sequence        atomic.Int64
}

type downloadStatus struct {
	mu          sync.Mutex
	request     DownloadRequest
	progress    ProgressUpdate
	startTime   time.Time
	attempts    int
	lastAttempt time.Time
}

func (s *downloadStatus) update(fn func(*downloadStatus)) ProgressUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
	s.progress.Timestamp = time.Now()
	return s.progress
}

// NewDownloadManager creates a download manager that fetches through fetcher and
// retries each file from scratch under policy
func NewDownloadManager(config DownloadConfig, fetcher zoom.FileDownloader, policy *retry.Policy, logger logging.Logger) DownloadManager {
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if policy == nil {
		policy = retry.NewPolicy(retry.Config{MaxAttempts: 1}, logger)
	}

	return &downloadManagerImpl{
		config:          config,
		fetcher:         fetcher,
		policy:          policy,
		logger:          logger,
		activeDownloads: make(map[string]*downloadStatus),
	}
}

// Download writes req.URL to req.Destination. Content goes to Destination+".part"
// first and is renamed into place once complete, so a failed or interrupted
// attempt never leaves a truncated file under the final name.
func (dm *downloadManagerImpl) Download(ctx context.Context, req DownloadRequest, progressCallback ProgressCallback) (*DownloadResult, error) {
	if req.ID == "" {
		req.ID = fmt.Sprintf("download_%d", dm.sequence.Add(1))
	}
	if progressCallback == nil {
		progressCallback = func(ProgressUpdate) {}
	}

	status := &downloadStatus{
		request:   req,
		startTime: time.Now(),
		progress: ProgressUpdate{
			DownloadID: req.ID,
			TotalBytes: req.FileSize,
			State:      DownloadStateQueued,
			Metadata:   req.Metadata,
			Timestamp:  time.Now(),
		},
	}

	dm.mutex.Lock()
	dm.activeDownloads[req.ID] = status
	dm.mutex.Unlock()
	defer func() {
		dm.mutex.Lock()
		delete(dm.activeDownloads, req.ID)
		dm.mutex.Unlock()
	}()

	progressCallback(status.progress)

	op := "download " + filepath.Base(req.Destination)
	written, err := retry.Execute(ctx, dm.policy, op, func(ctx context.Context) (int64, error) {
		return dm.attempt(ctx, status, progressCallback)
	})

	duration := time.Since(status.startTime)
	result := &DownloadResult{
		DownloadID:      req.ID,
		BytesDownloaded: written,
		Duration:        duration,
		Attempts:        status.attempts,
		Metadata:        req.Metadata,
		Timestamp:       time.Now(),
	}

	if err != nil {
		result.Error = err
		progressCallback(status.update(func(s *downloadStatus) {
			s.progress.State = DownloadStateFailed
			s.progress.Error = err
		}))
		return result, err
	}

	result.Success = true
	if duration > 0 {
		result.AverageSpeed = float64(written) / duration.Seconds()
	}
	progressCallback(status.update(func(s *downloadStatus) {
		s.progress.State = DownloadStateCompleted
		s.progress.BytesDownloaded = written
		s.progress.Speed = 0
		s.progress.ETA = 0
	}))
	return result, nil
}

// attempt performs one complete download into the part file
func (dm *downloadManagerImpl) attempt(ctx context.Context, status *downloadStatus, progressCallback ProgressCallback) (int64, error) {
	req := status.request
	progressCallback(status.update(func(s *downloadStatus) {
		s.attempts++
		s.lastAttempt = time.Now()
		s.progress.State = DownloadStateDownloading
		s.progress.Attempt = s.attempts
		s.progress.BytesDownloaded = 0
		s.progress.Error = nil
	}))

	part := req.Destination + PartSuffix
	file, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	writer := &progressWriter{
		w:        file,
		status:   status,
		callback: progressCallback,
		interval: dm.config.ProgressInterval,
		last:     time.Now(),
	}
	written, err := dm.fetcher.DownloadFile(ctx, req.URL, writer)
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close file: %w", closeErr)
	}
	if err != nil {
		if removeErr := os.Remove(part); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			dm.logger.Warn("Failed to remove partial file %s: %v", part, removeErr)
		}
		return written, err
	}

	if req.FileSize > 0 && written != req.FileSize {
		dm.logger.Warn("Downloaded %d bytes for %s, listing reported %d", written, req.Destination, req.FileSize)
	}

	if err := os.Rename(part, req.Destination); err != nil {
		return written, fmt.Errorf("failed to move %s into place: %w", part, err)
	}
	return written, nil
}

// GetActiveDownloads returns a list of currently active downloads
func (dm *downloadManagerImpl) GetActiveDownloads() []DownloadStatus {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	var active []DownloadStatus
	for _, status := range dm.activeDownloads {
		status.mu.Lock()
		active = append(active, DownloadStatus{
			Request:     status.request,
			Progress:    status.progress,
			StartTime:   status.startTime,
			Attempts:    status.attempts,
			LastAttempt: status.lastAttempt,
		})
		status.mu.Unlock()
	}
	return active
}

// progressWriter counts bytes and reports progress at most once per interval
type progressWriter struct {
	w        io.Writer
	status   *downloadStatus
	callback ProgressCallback
	interval time.Duration

	total      int64
	last       time.Time
	lastAmount int64
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.total += int64(n)

	now := time.Now()
	if elapsed := now.Sub(pw.last); elapsed >= pw.interval {
		speed := float64(pw.total-pw.lastAmount) / elapsed.Seconds()
		total := pw.total
		pw.callback(pw.status.update(func(s *downloadStatus) {
			s.progress.BytesDownloaded = total
			s.progress.Speed = speed
			s.progress.ETA = 0
			if speed > 0 && s.request.FileSize > total {
				s.progress.ETA = time.Duration(float64(s.request.FileSize-total)/speed) * time.Second
			}
		}))
		pw.last = now
		pw.lastAmount = pw.total
	}
	return n, err
}
