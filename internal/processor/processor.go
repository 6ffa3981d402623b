// Package processor provides user-level orchestration of a download run
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tribloom/Zoom-Meeting-Download/internal/directory"
	"github.com/tribloom/Zoom-Meeting-Download/internal/download"
	"github.com/tribloom/Zoom-Meeting-Download/internal/logging"
	"github.com/tribloom/Zoom-Meeting-Download/internal/recordings"
	"github.com/tribloom/Zoom-Meeting-Download/internal/window"
	"github.com/tribloom/Zoom-Meeting-Download/internal/zoom"
)

// UserProcessor defines the interface for processing users
type UserProcessor interface {
	// ProcessUser lists, downloads and syncs recordings for a single user
	ProcessUser(ctx context.Context, userEmail string) (*ProcessorResult, error)

	// ProcessAllUsers processes users until source is drained
	ProcessAllUsers(ctx context.Context, source UserSource) (*ProcessorSummary, error)
}

// UserSource hands out the users of a multi-user run
type UserSource interface {
	Next() (string, bool)
}

// RecordingLister resolves users and lists their meetings over a set of windows
type RecordingLister interface {
	ResolveUser(ctx context.Context, email string) (*zoom.User, error)
	QueryRange(ctx context.Context, userID string, windows []window.DateWindow) (*recordings.Result, error)
}

// MeetingDownloader downloads every file of a meeting list under root
type MeetingDownloader interface {
	Run(ctx context.Context, meetings []zoom.Meeting, root string) (*download.RunResult, error)
}

// RemoteSyncer copies a finished run root to remote storage
type RemoteSyncer interface {
	Sync(ctx context.Context, root, userEmail string) error
}

// ProcessorConfig holds the date range of a run
type ProcessorConfig struct {
	From  time.Time // zero means from the floor
	To    time.Time // inclusive
	Floor time.Time // account-wide earliest date
}

// ProcessorResult represents the result of processing a single user
type ProcessorResult struct {
	Email           string
	UserID          string
	Root            string
	Windows         int
	FailedWindows   int
	Meetings        int
	Duplicates      int
	Downloaded      int
	Skipped         int
	Failed          int
	TimedOutWorkers int
	Abandoned       int
	Synced          bool
	Errors          []error
	Duration        time.Duration
}

// ProcessorSummary represents the summary of processing multiple users
type ProcessorSummary struct {
	TotalUsers     int
	ProcessedUsers int
	FailedUsers    int
	TotalMeetings  int
	TotalDownloads int
	TotalSkipped   int
	TotalFailed    int
	Duration       time.Duration
	UserResults    []*ProcessorResult
}

// userProcessorImpl implements the UserProcessor interface
type userProcessorImpl struct {
	lister     RecordingLister
	downloader MeetingDownloader
	dirs       directory.DirectoryManager
	syncer     RemoteSyncer
	config     ProcessorConfig
	logger     logging.Logger
}

// NewUserProcessor creates a new user processor. A nil syncer skips the sync step.
func NewUserProcessor(
	lister RecordingLister,
	downloader MeetingDownloader,
	dirs directory.DirectoryManager,
	syncer RemoteSyncer,
	config ProcessorConfig,
	logger logging.Logger,
) UserProcessor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &userProcessorImpl{
		lister:     lister,
		downloader: downloader,
		dirs:       dirs,
		syncer:     syncer,
		config:     config,
		logger:     logger,
	}
}

// ProcessUser plans the windows, resolves the user, merges every window's meetings
// into one list, downloads them under the run root and syncs the root. A missing
// user, a bad date range or a run root that cannot be created fail the user; window,
// file and sync failures are recorded in the result.
func (p *userProcessorImpl) ProcessUser(ctx context.Context, userEmail string) (*ProcessorResult, error) {
	startTime := time.Now()
	result := &ProcessorResult{Email: userEmail}
	fail := func(err error) (*ProcessorResult, error) {
		result.Errors = append(result.Errors, err)
		result.Duration = time.Since(startTime)
		p.logger.ErrorWithContext(ctx, "%v", err)
		return result, err
	}

	logging.Separator(p.logger, "User "+userEmail)

	windows, err := window.Plan(p.config.From, p.config.To, p.config.Floor)
	if err != nil {
		return fail(fmt.Errorf("failed to plan date windows for %s: %w", userEmail, err))
	}
	result.Windows = len(windows)

	user, err := p.lister.ResolveUser(ctx, userEmail)
	if err != nil {
		return fail(fmt.Errorf("failed to look up user %s: %w", userEmail, err))
	}
	result.UserID = user.ID

	listed, err := p.lister.QueryRange(ctx, user.ID, windows)
	if err != nil {
		return fail(fmt.Errorf("failed to list recordings for %s: %w", userEmail, err))
	}
	result.Meetings = len(listed.Meetings)
	result.Duplicates = listed.Duplicates
	result.FailedWindows = len(listed.FailedWindows)
	for _, wf := range listed.FailedWindows {
		result.Errors = append(result.Errors, fmt.Errorf("window %s: %w", wf.Window, wf.Err))
	}

	p.logger.InfoWithContext(ctx, "Zoom API returned %d meetings for user %s over %d windows (%d duplicates skipped, %d windows failed)",
		result.Meetings, userEmail, result.Windows, result.Duplicates, result.FailedWindows)

	// No recordings: no directories, nothing to sync
	if result.Meetings == 0 {
		p.logger.InfoWithContext(ctx, "User %s has no recordings, skipping", userEmail)
		result.Duration = time.Since(startTime)
		return result, nil
	}

	root, err := p.dirs.RunRoot(userEmail, p.config.From, p.config.To)
	if err != nil {
		return fail(fmt.Errorf("failed to create run directory for %s: %w", userEmail, err))
	}
	result.Root = root

	runResult, err := p.downloader.Run(ctx, listed.Meetings, root)
	if runResult != nil {
		result.Downloaded = runResult.FilesDownloaded
		result.Skipped = runResult.FilesSkipped
		result.Failed = runResult.FilesFailed
		result.TimedOutWorkers = runResult.TimedOutWorkers
		result.Abandoned = runResult.MeetingsAbandoned
		if result.Abandoned > 0 {
			result.Errors = append(result.Errors,
				fmt.Errorf("%d meetings were not downloaded because every worker timed out", result.Abandoned))
		}
	}
	if err != nil {
		result.Errors = append(result.Errors, err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			result.Duration = time.Since(startTime)
			return result, err
		}
	}

	// Sync runs even after partial failures
	if p.syncer != nil {
		if err := p.syncer.Sync(ctx, root, userEmail); err != nil {
			result.Errors = append(result.Errors, err)
			p.logger.ErrorWithContext(ctx, "%v", err)
		} else {
			result.Synced = true
		}
	}

	result.Duration = time.Since(startTime)
	p.logger.InfoWithContext(ctx, "Completed processing user %s: %d downloaded, %d skipped, %d failed in %v",
		userEmail, result.Downloaded, result.Skipped, result.Failed, result.Duration.Round(time.Second))
	p.logger.LogUserAction("user_complete", userEmail, map[string]interface{}{
		"meetings":   result.Meetings,
		"downloaded": result.Downloaded,
		"skipped":    result.Skipped,
		"failed":     result.Failed,
		"root":       root,
	})

	return result, nil
}

// ProcessAllUsers processes each user the source hands out, serially. A failed user
// is counted and the run moves on.
func (p *userProcessorImpl) ProcessAllUsers(ctx context.Context, source UserSource) (*ProcessorSummary, error) {
	startTime := time.Now()
	summary := &ProcessorSummary{
		UserResults: make([]*ProcessorResult, 0),
	}

	for {
		if err := ctx.Err(); err != nil {
			summary.Duration = time.Since(startTime)
			return summary, err
		}

		userEmail, ok := source.Next()
		if !ok {
			break
		}
		summary.TotalUsers++

		userResult, err := p.ProcessUser(ctx, userEmail)
		summary.UserResults = append(summary.UserResults, userResult)
		summary.TotalMeetings += userResult.Meetings
		summary.TotalDownloads += userResult.Downloaded
		summary.TotalSkipped += userResult.Skipped
		summary.TotalFailed += userResult.Failed

		if err != nil {
			summary.FailedUsers++
			if ctxErr := ctx.Err(); ctxErr != nil {
				summary.Duration = time.Since(startTime)
				return summary, ctxErr
			}
			continue
		}
		summary.ProcessedUsers++
	}

	summary.Duration = time.Since(startTime)
	p.logger.InfoWithContext(ctx, "Completed processing all users: %d processed, %d failed, %d meetings, %d downloads in %v",
		summary.ProcessedUsers, summary.FailedUsers, summary.TotalMeetings, summary.TotalDownloads, summary.Duration.Round(time.Second))

	return summary, nil
}
