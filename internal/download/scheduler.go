package download

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tribloom/Zoom-Meeting-Download/internal/directory"
	"github.com/tribloom/Zoom-Meeting-Download/internal/filename"
	"github.com/tribloom/Zoom-Meeting-Download/internal/logging"
	"github.com/tribloom/Zoom-Meeting-Download/internal/zoom"
)

const (
	DefaultWorkers     = 8
	DefaultBatchSize   = 25000
	DefaultJoinTimeout = 2 * time.Hour
)

// SkipReason represents why a file was not downloaded
type SkipReason int

const (
	SkipReasonProcessing SkipReason = iota
	SkipReasonDryRun
	SkipReasonCancelled
)

func (r SkipReason) String() string {
	switch r {
	case SkipReasonProcessing:
		return "processing"
	case SkipReasonDryRun:
		return "dry_run"
	case SkipReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Reporter receives per-file progress and outcomes from the scheduler. Workers call
// it concurrently.
type Reporter interface {
	UpdateDownload(update ProgressUpdate)
	AddSkipped(reason SkipReason, item string, details map[string]interface{})
	AddError(item string, err error, details map[string]interface{})
}

// SchedulerConfig holds configuration for the download scheduler
type SchedulerConfig struct {
	Workers     int           // Size of the worker pool for the whole run
	BatchSize   int           // Maximum meetings queued at once
	JoinTimeout time.Duration // How long one worker may spend on a meeting before it counts as stuck
	DryRun      bool          // Log would-be downloads instead of writing files
}

// RunResult summarizes one scheduler run
type RunResult struct {
	Batches           []int // size of each batch, in order
	MeetingsProcessed int
	MeetingsAbandoned int // queued meetings dropped because every worker was stuck
	FilesDownloaded   int
	FilesSkipped      int
	FilesFailed       int
	TimedOutWorkers   int
}

// Scheduler fans meetings out over a fixed pool of workers, one batch at a time
type Scheduler struct {
	config     SchedulerConfig
	downloader DownloadManager
	dirs       directory.DirectoryManager
	namer      filename.Namer
	reporter   Reporter
	logger     logging.Logger
}

// NewScheduler creates a scheduler. A nil reporter logs outcomes through logger.
func NewScheduler(config SchedulerConfig, downloader DownloadManager, dirs directory.DirectoryManager, namer filename.Namer, reporter Reporter, logger logging.Logger) *Scheduler {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = DefaultJoinTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if reporter == nil {
		reporter = NewLogReporter(logger)
	}

	return &Scheduler{
		config:     config,
		downloader: downloader,
		dirs:       dirs,
		namer:      namer,
		reporter:   reporter,
		logger:     logger,
	}
}

// batch tracks the meetings of one batch that are not finished yet
type batch struct {
	number    int
	remaining int
	done      chan struct{}
}

// finish marks n meetings as finished. Callers hold run.mu.
func (b *batch) finish(n int) {
	if n <= 0 || b.remaining == 0 {
		return
	}
	b.remaining -= n
	if b.remaining <= 0 {
		b.remaining = 0
		close(b.done)
	}
}

type job struct {
	seq     int
	batch   *batch
	meeting zoom.Meeting
}

type workerState struct {
	job     job
	started time.Time
}

// run holds the state of one Scheduler.Run call
type run struct {
	*Scheduler
	root    string
	workers int
	jobs    chan job

	mu       sync.Mutex
	busy     map[int]workerState
	reported map[int]bool
	timedOut int

	processed  atomic.Int64
	downloaded atomic.Int64
	skipped    atomic.Int64
	failed     atomic.Int64
}

// Run downloads every meeting's files under root. Meetings are queued in batches of
// at most BatchSize and the next batch is queued once the current one has drained.
// A worker that spends longer than JoinTimeout on one meeting is logged and counted
// as stuck; the remaining workers keep draining the queue without it. Queued
// meetings are only abandoned when every worker is stuck.
func (s *Scheduler) Run(ctx context.Context, meetings []zoom.Meeting, root string) (*RunResult, error) {
	result := &RunResult{}
	if len(meetings) == 0 {
		return result, nil
	}

	workers := s.config.Workers
	if workers > len(meetings) {
		workers = len(meetings)
	}
	r := &run{
		Scheduler: s,
		root:      root,
		workers:   workers,
		jobs:      make(chan job, s.config.BatchSize),
		busy:      make(map[int]workerState),
		reported:  make(map[int]bool),
	}
	s.logger.Info("Downloading %d meetings with %d workers", len(meetings), workers)

	var pool sync.WaitGroup
	for id := 1; id <= workers; id++ {
		pool.Add(1)
		go func(id int) {
			defer pool.Done()
			r.work(ctx, id)
		}(id)
	}

	var runErr error
	seq := 0
feed:
	for start := 0; start < len(meetings); start += s.config.BatchSize {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		end := start + s.config.BatchSize
		if end > len(meetings) {
			end = len(meetings)
		}
		meetingBatch := meetings[start:end]
		b := &batch{number: len(result.Batches) + 1, remaining: len(meetingBatch), done: make(chan struct{})}
		result.Batches = append(result.Batches, len(meetingBatch))
		s.logger.Info("Queueing batch %d: %d meetings", b.number, len(meetingBatch))

		for i, meeting := range meetingBatch {
			seq++
			select {
			case r.jobs <- job{seq: seq, batch: b, meeting: meeting}:
			case <-ctx.Done():
				r.mu.Lock()
				b.finish(len(meetingBatch) - i)
				r.mu.Unlock()
				runErr = ctx.Err()
				break feed
			}
		}

		if !r.wait(b) {
			result.MeetingsAbandoned = r.abandon(meetings[end:])
			break
		}
	}
	close(r.jobs)

	r.mu.Lock()
	result.TimedOutWorkers = r.timedOut
	r.mu.Unlock()

	// a stuck worker may never return
	if result.TimedOutWorkers == 0 {
		pool.Wait()
	}

	result.MeetingsProcessed = int(r.processed.Load())
	result.FilesDownloaded = int(r.downloaded.Load())
	result.FilesSkipped = int(r.skipped.Load())
	result.FilesFailed = int(r.failed.Load())

	s.logger.Info("Processed %d meetings in %d batches: %d files downloaded, %d skipped, %d failed",
		result.MeetingsProcessed, len(result.Batches), result.FilesDownloaded, result.FilesSkipped, result.FilesFailed)
	return result, runErr
}

// wait blocks until every meeting of b is finished or held by a stuck worker. It
// returns false when every worker is stuck while meetings are still queued.
func (r *run) wait(b *batch) bool {
	ticker := time.NewTicker(r.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			r.logger.Debug("Batch %d finished", b.number)
			return true
		case <-ticker.C:
		}

		stuck, held, remaining := r.checkWorkers(b)
		if remaining > 0 && held == remaining {
			r.logger.Warn("Batch %d finished except for %d meetings held by timed out workers", b.number, held)
			return true
		}
		if stuck == r.workers && len(r.jobs) > 0 {
			return false
		}
	}
}

// checkWorkers reports workers newly past the join timeout and returns how many
// workers are stuck, how many of them hold a meeting of b and how many meetings of
// b are unfinished
func (r *run) checkWorkers(b *batch) (stuck, held, remaining int) {
	r.mu.Lock()

	ids := make([]int, 0, len(r.busy))
	for id := range r.busy {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var newlyStuck []string
	now := time.Now()
	for _, id := range ids {
		state := r.busy[id]
		if now.Sub(state.started) < r.config.JoinTimeout {
			continue
		}
		stuck++
		if state.job.batch == b {
			held++
		}
		if r.reported[state.job.seq] {
			continue
		}
		r.reported[state.job.seq] = true
		r.timedOut++
		newlyStuck = append(newlyStuck, state.job.meeting.UUID)
		r.logger.Error("Worker %d timed out after %v on meeting %s (%s) from batch %d, started %s; continuing without it",
			id, r.config.JoinTimeout, state.job.meeting.UUID, state.job.meeting.Topic, state.job.batch.number,
			state.started.Format(time.RFC3339))
	}
	remaining = b.remaining
	r.mu.Unlock()

	if len(newlyStuck) > 0 {
		r.logActiveDownloads(newlyStuck)
	}
	return stuck, held, remaining
}

// logActiveDownloads logs how far the in-flight downloads of the given meetings got
func (r *run) logActiveDownloads(meetingUUIDs []string) {
	wanted := make(map[string]bool, len(meetingUUIDs))
	for _, uuid := range meetingUUIDs {
		wanted[uuid] = true
	}
	for _, status := range r.downloader.GetActiveDownloads() {
		uuid, _ := status.Request.Metadata["meeting_uuid"].(string)
		if !wanted[uuid] {
			continue
		}
		r.logger.Error("Stuck download %s: %s, attempt %d, %d of %d bytes, started %s",
			status.Request.ID, status.Progress.State, status.Attempts, status.Progress.BytesDownloaded,
			status.Progress.TotalBytes, status.StartTime.Format(time.RFC3339))
	}
}

// abandon drops the queued meetings and the ones never queued once every worker
// is stuck, and returns how many were dropped
func (r *run) abandon(unqueued []zoom.Meeting) int {
	r.logger.Error("All %d workers timed out; abandoning the remaining meetings", r.workers)

	abandoned := 0
	for {
		select {
		case j := <-r.jobs:
			r.logger.Error("Abandoned meeting %s (%s) from batch %d", j.meeting.UUID, j.meeting.Topic, j.batch.number)
			r.mu.Lock()
			j.batch.finish(1)
			r.mu.Unlock()
			abandoned++
			continue
		default:
		}
		break
	}
	for _, meeting := range unqueued {
		r.logger.Error("Abandoned meeting %s (%s) before it was queued", meeting.UUID, meeting.Topic)
		abandoned++
	}
	return abandoned
}

func (r *run) pollInterval() time.Duration {
	interval := r.config.JoinTimeout / 10
	if interval > time.Second {
		interval = time.Second
	}
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}

func (r *run) work(ctx context.Context, id int) {
	for j := range r.jobs {
		r.mu.Lock()
		r.busy[id] = workerState{job: j, started: time.Now()}
		r.mu.Unlock()

		r.process(ctx, id, j.meeting)

		r.mu.Lock()
		delete(r.busy, id)
		j.batch.finish(1)
		r.mu.Unlock()
	}
}

// process downloads the eligible files of one meeting
func (r *run) process(ctx context.Context, worker int, meeting zoom.Meeting) {
	defer r.processed.Add(1)

	dir, err := r.dirs.EnsureMeetingDir(r.root, meeting)
	if err != nil {
		r.logger.Warn("Continuing with meeting %s although its directory could not be created", meeting.UUID)
	}

	names := r.namer.FileNames(meeting.RecordingFiles)
	for i, file := range meeting.RecordingFiles {
		item := filepath.Join(filepath.Base(dir), names[i])
		details := map[string]interface{}{
			"meeting_uuid": meeting.UUID,
			"file_id":      file.ID,
			"file_type":    file.FileType,
			"worker":       worker,
		}

		switch {
		case ctx.Err() != nil:
			r.skipped.Add(1)
			r.reporter.AddSkipped(SkipReasonCancelled, item, details)
			continue
		case file.IsProcessing():
			r.skipped.Add(1)
			r.reporter.AddSkipped(SkipReasonProcessing, item, details)
			continue
		}

		dest := filepath.Join(dir, names[i])
		if r.config.DryRun {
			r.logger.Info("%sDownloaded %s to %s", logging.DryRunPrefix, file.DownloadURL, dest)
			r.skipped.Add(1)
			r.reporter.AddSkipped(SkipReasonDryRun, item, details)
			continue
		}

		id := file.ID
		if id == "" {
			id = names[i]
		}
		req := DownloadRequest{
			ID:          fmt.Sprintf("%s/%s", meeting.UUID, id),
			URL:         file.DownloadURL,
			Destination: dest,
			FileSize:    file.FileSize,
			Metadata: map[string]interface{}{
				"filename":     item,
				"meeting_uuid": meeting.UUID,
				"root":         r.root,
				"destination":  dest,
				"worker":       worker,
			},
		}
		if _, err := r.downloader.Download(ctx, req, r.reporter.UpdateDownload); err != nil {
			r.failed.Add(1)
			r.reporter.AddError(item, err, details)
			continue
		}
		r.downloaded.Add(1)
	}
}

// logReporter reports outcomes through a logger only
type logReporter struct {
	logger logging.Logger
}

// NewLogReporter returns a Reporter that only logs
func NewLogReporter(logger logging.Logger) Reporter {
	if logger == nil {
		logger = logging.Nop()
	}
	return &logReporter{logger: logger}
}

func (l *logReporter) UpdateDownload(update ProgressUpdate) {
	switch update.State {
	case DownloadStateCompleted:
		l.logger.Info("Downloaded %s (%d bytes)", update.DownloadID, update.BytesDownloaded)
	case DownloadStateFailed:
		l.logger.Error("Download failed: %s - %v", update.DownloadID, update.Error)
	}
}

func (l *logReporter) AddSkipped(reason SkipReason, item string, details map[string]interface{}) {
	l.logger.Warn("Skipping %s (reason: %s)", item, reason)
}

func (l *logReporter) AddError(item string, err error, details map[string]interface{}) {
	l.logger.Error("Error processing %s: %v", item, err)
}
