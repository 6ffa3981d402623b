package recordings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tribloom/Zoom-Meeting-Download/internal/retry"
	"github.com/tribloom/Zoom-Meeting-Download/internal/window"
	"github.com/tribloom/Zoom-Meeting-Download/internal/zoom"
)

type pageKey struct {
	from  string
	token string
}

type page struct {
	meetings []string
	next     string
	err      error
	// failures before the page is served, 503 unless transientErr is set
	transient    int
	transientErr error
}

// fakeAPI serves pages keyed by window start and page token
type fakeAPI struct {
	mu      sync.Mutex
	users   map[string]string
	pages   map[pageKey]*page
	calls   map[pageKey]int
	queried []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		users: map[string]string{"jchill@example.com": "user-1"},
		pages: make(map[pageKey]*page),
		calls: make(map[pageKey]int),
	}
}

func (f *fakeAPI) GetUser(ctx context.Context, email string) (*zoom.User, error) {
	id, ok := f.users[email]
	if !ok {
		return nil, fmt.Errorf("%w: %s: %w", zoom.ErrUserNotFound, email, &zoom.APIError{Status: 404, Code: 1001})
	}
	return &zoom.User{ID: id, Email: email}, nil
}

func (f *fakeAPI) ListUserRecordings(ctx context.Context, userID string, params zoom.ListRecordingsParams) (*zoom.ListRecordingsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := pageKey{from: params.From.Format(window.DateLayout), token: params.NextPageToken}
	f.calls[key]++
	if params.NextPageToken == "" {
		f.queried = append(f.queried, key.from)
	}

	p, ok := f.pages[key]
	if !ok {
		return &zoom.ListRecordingsResponse{}, nil
	}
	if f.calls[key] <= p.transient {
		if p.transientErr != nil {
			return nil, p.transientErr
		}
		return nil, &zoom.APIError{Status: 503}
	}
	if p.err != nil {
		return nil, p.err
	}

	resp := &zoom.ListRecordingsResponse{NextPageToken: p.next}
	for _, uuid := range p.meetings {
		resp.Meetings = append(resp.Meetings, zoom.Meeting{UUID: uuid, Topic: "Meeting " + uuid})
	}
	return resp, nil
}

func testPolicy() *retry.Policy {
	return retry.NewPolicy(retry.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Multiplier:  2,
	}, nil)
}

func mustPlan(t *testing.T, from, to string) []window.DateWindow {
	t.Helper()
	f, _ := window.ParseDate(from)
	tt, _ := window.ParseDate(to)
	floor, _ := window.ParseDate("2019-09-26")
	windows, err := window.Plan(f, tt, floor)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	return windows
}

func uuids(meetings []zoom.Meeting) []string {
	out := make([]string, len(meetings))
	for i, m := range meetings {
		out[i] = m.UUID
	}
	return out
}

func TestMeetingSet(t *testing.T) {
	set := NewMeetingSet()
	if !set.Add(zoom.Meeting{UUID: "a"}) || !set.Add(zoom.Meeting{UUID: "b"}) {
		t.Fatal("Expected new meetings to be added")
	}
	if set.Add(zoom.Meeting{UUID: "a", Topic: "changed"}) {
		t.Error("Re-adding a known uuid should be a no-op")
	}
	if set.Len() != 2 || fmt.Sprint(uuids(set.Meetings())) != "[a b]" {
		t.Errorf("Unexpected set state: %v", uuids(set.Meetings()))
	}
	if got := set.Meetings(); got[0].UUID != "a" || got[0].Topic != "" {
		t.Errorf("Expected first insertion to win, got %+v", got[0])
	}
}

func TestQueryWindowFollowsPagination(t *testing.T) {
	api := newFakeAPI()
	api.pages[pageKey{"2020-11-17", ""}] = &page{meetings: []string{"m1", "m2"}, next: "t1"}
	api.pages[pageKey{"2020-11-17", "t1"}] = &page{meetings: []string{"m2", "m3"}, next: "t2"}
	// page repeats the first one and then ends, as the API sometimes does
	api.pages[pageKey{"2020-11-17", "t2"}] = &page{meetings: []string{"m1", "m2"}}

	engine := NewEngine(api, testPolicy(), 300, nil)
	windows := mustPlan(t, "2020-11-01", "2020-12-15")
	set := NewMeetingSet()

	added, dups, err := engine.QueryWindow(context.Background(), "user-1", windows[0], set)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if added != 3 || dups != 3 {
		t.Errorf("Expected 3 added and 3 duplicates, got %d and %d", added, dups)
	}
	if got := uuids(set.Meetings()); fmt.Sprint(got) != "[m1 m2 m3]" {
		t.Errorf("Unexpected meetings %v", got)
	}
}

func TestQueryWindowRetriesUnderLookupPolicy(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		expectedCalls int
		expectError   bool
		minElapsed    time.Duration
	}{
		{
			name:          "rate limited with retry-after",
			err:           &zoom.APIError{Status: 429, Code: 429, Message: "Too many requests", Wait: 80 * time.Millisecond},
			expectedCalls: 3,
			minElapsed:    160 * time.Millisecond,
		},
		{
			name:          "unauthorized after the token refresh",
			err:           &zoom.APIError{Status: 401, Code: 124, Message: "Invalid access token."},
			expectedCalls: 3,
		},
		{
			name:          "bad request is not retried",
			err:           &zoom.APIError{Status: 400, Code: 300, Message: "Invalid parameter"},
			expectedCalls: 1,
			expectError:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			key := pageKey{"2020-11-17", ""}
			api.pages[key] = &page{meetings: []string{"m1"}, transient: 2, transientErr: tt.err}

			policy := retry.NewPolicy(retry.Config{
				MaxAttempts: 3,
				BaseDelay:   time.Millisecond,
				MaxDelay:    time.Second,
				Multiplier:  2,
			}, nil)
			engine := NewEngine(api, policy, 300, nil)
			windows := mustPlan(t, "2020-11-01", "2020-12-15")

			start := time.Now()
			added, _, err := engine.QueryWindow(context.Background(), "user-1", windows[0], NewMeetingSet())
			elapsed := time.Since(start)

			if tt.expectError {
				var apiErr *zoom.APIError
				if !errors.As(err, &apiErr) || apiErr.Status != 400 {
					t.Errorf("Expected the 400 APIError, got %v", err)
				}
			} else {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				if added != 1 {
					t.Errorf("Expected 1 meeting added, got %d", added)
				}
			}

			api.mu.Lock()
			calls := api.calls[key]
			api.mu.Unlock()
			if calls != tt.expectedCalls {
				t.Errorf("Expected %d calls, got %d", tt.expectedCalls, calls)
			}
			if elapsed < tt.minElapsed {
				t.Errorf("Expected the Retry-After hint to be honored (at least %v), took %v", tt.minElapsed, elapsed)
			}
		})
	}
}

func TestQueryWindowStopsOnRepeatedToken(t *testing.T) {
	api := newFakeAPI()
	api.pages[pageKey{"2020-11-17", ""}] = &page{meetings: []string{"m1"}, next: "loop"}
	api.pages[pageKey{"2020-11-17", "loop"}] = &page{meetings: []string{"m2"}, next: "loop"}

	engine := NewEngine(api, testPolicy(), 300, nil)
	windows := mustPlan(t, "2020-11-01", "2020-12-15")

	added, _, err := engine.QueryWindow(context.Background(), "user-1", windows[0], NewMeetingSet())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if added != 2 {
		t.Errorf("Expected 2 meetings, got %d", added)
	}
	if api.calls[pageKey{"2020-11-17", "loop"}] != 1 {
		t.Errorf("Expected the looping token to be followed once, got %d", api.calls[pageKey{"2020-11-17", "loop"}])
	}
}

func TestQueryRangeDeduplicatesAcrossWindows(t *testing.T) {
	api := newFakeAPI()
	api.pages[pageKey{"2020-11-17", ""}] = &page{meetings: []string{"late", "boundary"}}
	api.pages[pageKey{"2020-11-01", ""}] = &page{meetings: []string{"boundary", "early"}}

	engine := NewEngine(api, testPolicy(), 300, nil)
	result, err := engine.QueryRange(context.Background(), "user-1", mustPlan(t, "2020-11-01", "2020-12-15"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if got := fmt.Sprint(uuids(result.Meetings)); got != "[late boundary early]" {
		t.Errorf("Unexpected meetings %s", got)
	}
	if result.Windows != 2 || result.Duplicates != 1 {
		t.Errorf("Expected 2 windows and 1 duplicate, got %d and %d", result.Windows, result.Duplicates)
	}
	if fmt.Sprint(api.queried) != "[2020-11-17 2020-11-01]" {
		t.Errorf("Expected newest window first, got %v", api.queried)
	}
}

func TestQueryRangeIsolatesWindowFailures(t *testing.T) {
	api := newFakeAPI()
	api.pages[pageKey{"2020-11-17", ""}] = &page{err: &zoom.APIError{Status: 400, Message: "Invalid parameter"}}
	api.pages[pageKey{"2020-11-01", ""}] = &page{meetings: []string{"early"}, transient: 2}

	engine := NewEngine(api, testPolicy(), 300, nil)
	result, err := engine.QueryRange(context.Background(), "user-1", mustPlan(t, "2020-11-01", "2020-12-15"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(result.FailedWindows) != 1 || result.FailedWindows[0].Window.String() != "2020-11-17..2020-12-15" {
		t.Fatalf("Expected the first window to fail, got %+v", result.FailedWindows)
	}
	if got := fmt.Sprint(uuids(result.Meetings)); got != "[early]" {
		t.Errorf("Expected the second window to survive, got %s", got)
	}
	if api.calls[pageKey{"2020-11-17", ""}] != 1 {
		t.Errorf("Client errors should not be retried, got %d calls", api.calls[pageKey{"2020-11-17", ""}])
	}
	if api.calls[pageKey{"2020-11-01", ""}] != 3 {
		t.Errorf("Expected 2 transient failures then success, got %d calls", api.calls[pageKey{"2020-11-01", ""}])
	}
}

func TestQueryRangeEmptyBodyIsNotAFailure(t *testing.T) {
	api := newFakeAPI()
	api.pages[pageKey{"2020-11-17", ""}] = &page{err: zoom.ErrEmptyBody}
	api.pages[pageKey{"2020-11-01", ""}] = &page{meetings: []string{"early"}}

	engine := NewEngine(api, testPolicy(), 300, nil)
	result, err := engine.QueryRange(context.Background(), "user-1", mustPlan(t, "2020-11-01", "2020-12-15"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(result.FailedWindows) != 0 {
		t.Errorf("Empty body should not be a failed window, got %+v", result.FailedWindows)
	}
	if len(result.Meetings) != 1 {
		t.Errorf("Expected 1 meeting, got %d", len(result.Meetings))
	}
}

func TestQueryRangeUserNotFoundAborts(t *testing.T) {
	api := newFakeAPI()
	api.pages[pageKey{"2020-11-17", ""}] = &page{err: fmt.Errorf("%w: user-1: %w", zoom.ErrUserNotFound, &zoom.APIError{Status: 404})}
	api.pages[pageKey{"2020-11-01", ""}] = &page{meetings: []string{"early"}}

	engine := NewEngine(api, testPolicy(), 300, nil)
	_, err := engine.QueryRange(context.Background(), "user-1", mustPlan(t, "2020-11-01", "2020-12-15"))
	if !errors.Is(err, zoom.ErrUserNotFound) {
		t.Fatalf("Expected ErrUserNotFound, got %v", err)
	}
	if len(api.queried) != 1 {
		t.Errorf("Expected the run to stop after the first window, queried %v", api.queried)
	}
	if api.calls[pageKey{"2020-11-17", ""}] != 1 {
		t.Errorf("Not found should not be retried, got %d calls", api.calls[pageKey{"2020-11-17", ""}])
	}
}

func TestResolveUser(t *testing.T) {
	engine := NewEngine(newFakeAPI(), testPolicy(), 0, nil)

	user, err := engine.ResolveUser(context.Background(), "jchill@example.com")
	if err != nil || user.ID != "user-1" {
		t.Fatalf("Expected user-1, got %+v (%v)", user, err)
	}

	_, err = engine.ResolveUser(context.Background(), "nobody@example.com")
	if !errors.Is(err, zoom.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestQueryRangeHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine(newFakeAPI(), testPolicy(), 300, nil)
	_, err := engine.QueryRange(ctx, "user-1", mustPlan(t, "2020-11-01", "2020-12-15"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
