// Package recordings lists a user's cloud recordings window by window and merges
// the pages into one deduplicated meeting list
package recordings

import (
	"context"
	"errors"
	"fmt"

	"github.com/tribloom/Zoom-Meeting-Download/internal/logging"
	"github.com/tribloom/Zoom-Meeting-Download/internal/retry"
	"github.com/tribloom/Zoom-Meeting-Download/internal/window"
	"github.com/tribloom/Zoom-Meeting-Download/internal/zoom"
)

// maxPagesPerWindow stops a window whose page tokens never run out
const maxPagesPerWindow = 10000

// WindowFailure records a window whose listing did not complete
type WindowFailure struct {
	Window window.DateWindow
	Err    error
}

// Result is the outcome of querying every window of a run
type Result struct {
	Meetings      []zoom.Meeting
	Windows       int
	Duplicates    int
	FailedWindows []WindowFailure
}

// Engine queries recordings through the Zoom API under the lookup retry policy
type Engine struct {
	api      zoom.RecordingsAPI
	policy   *retry.Policy
	pageSize int
	logger   logging.Logger
}

// NewEngine creates an engine; pageSize <= 0 uses the API maximum
func NewEngine(api zoom.RecordingsAPI, policy *retry.Policy, pageSize int, logger logging.Logger) *Engine {
	if pageSize <= 0 {
		pageSize = zoom.DefaultPageSize
	}
	if policy == nil {
		policy = retry.NewPolicy(retry.DefaultConfig(), logger)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{api: api, policy: policy, pageSize: pageSize, logger: logger}
}

// ResolveUser looks up the Zoom user for email. An unknown user yields an error
// matching zoom.ErrUserNotFound.
func (e *Engine) ResolveUser(ctx context.Context, email string) (*zoom.User, error) {
	user, err := retry.Execute(ctx, e.policy, "look up user "+email, func(ctx context.Context) (*zoom.User, error) {
		return e.api.GetUser(ctx, email)
	})
	if err != nil {
		if errors.Is(err, zoom.ErrUserNotFound) {
			e.logger.Warn("User '%s' was not found in Zoom", email)
		}
		return nil, err
	}
	e.logger.Debug("Resolved %s to user id %s", email, user.ID)
	return user, nil
}

// QueryWindow follows the page tokens of one window, adding every meeting to set.
// It returns how many new meetings were added and how many duplicates were skipped.
func (e *Engine) QueryWindow(ctx context.Context, userID string, w window.DateWindow, set *MeetingSet) (added, duplicates int, err error) {
	params := zoom.ListRecordingsParams{From: w.From, To: w.To, PageSize: e.pageSize}
	seenTokens := make(map[string]bool)

	for page := 1; ; page++ {
		op := fmt.Sprintf("list recordings %s page %d", w, page)
		resp, err := retry.Execute(ctx, e.policy, op, func(ctx context.Context) (*zoom.ListRecordingsResponse, error) {
			return e.api.ListUserRecordings(ctx, userID, params)
		})
		if err != nil {
			if errors.Is(err, zoom.ErrEmptyBody) {
				e.logger.Warn("User '%s' no data returned for %s", userID, w)
				return added, duplicates, nil
			}
			return added, duplicates, err
		}

		for _, m := range resp.Meetings {
			if set.Add(m) {
				added++
				continue
			}
			duplicates++
			e.logger.Error("Skipping already added meeting %s", m.UUID)
		}

		token := resp.NextPageToken
		if token == "" {
			return added, duplicates, nil
		}
		if seenTokens[token] || page >= maxPagesPerWindow {
			e.logger.Warn("Stopping pagination of %s: page token %q repeated or page limit reached", w, token)
			return added, duplicates, nil
		}
		seenTokens[token] = true
		params.NextPageToken = token
	}
}

// QueryRange queries every window into one run-wide set. A missing user aborts the
// range; any other window failure is logged and the remaining windows still run.
func (e *Engine) QueryRange(ctx context.Context, userID string, windows []window.DateWindow) (*Result, error) {
	set := NewMeetingSet()
	result := &Result{}

	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		e.logger.Debug("%s to %s", w.From.Format(window.DateLayout), w.To.Format(window.DateLayout))
		added, dups, err := e.QueryWindow(ctx, userID, w, set)
		result.Windows++
		result.Duplicates += dups

		if err != nil {
			if errors.Is(err, zoom.ErrUserNotFound) {
				e.logger.Warn("User '%s' does not exist or does not belong to this account", userID)
				return nil, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			e.logger.Error("Failed to list recordings for %s: %v", w, err)
			result.FailedWindows = append(result.FailedWindows, WindowFailure{Window: w, Err: err})
			continue
		}
		e.logger.Info("Window %s: %d new meetings, %d duplicates, %d so far", w, added, dups, set.Len())
	}

	result.Meetings = set.Meetings()
	return result, nil
}
