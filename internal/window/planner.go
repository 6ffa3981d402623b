// Package window splits a requested date range into the sub-ranges the Zoom
// recordings endpoint accepts
package window

import (
	"errors"
	"fmt"
	"time"
)

// MaxSpan is the longest from..to distance a single recordings query may cover
const MaxSpan = 28 * 24 * time.Hour

// DateLayout is the calendar date format used by settings, flags and the Zoom API
const DateLayout = "2006-01-02"

const day = 24 * time.Hour

var (
	// ErrEmptyRange is returned when the requested end lies before the effective floor
	ErrEmptyRange = errors.New("date range is empty")

	// ErrPlanInvariant signals a planning bug: the produced windows do not tile the range
	ErrPlanInvariant = errors.New("window plan invariant violated")
)

// DateWindow is an inclusive range of calendar dates
type DateWindow struct {
	From time.Time
	To   time.Time
}

func (w DateWindow) String() string {
	return w.From.Format(DateLayout) + ".." + w.To.Format(DateLayout)
}

// Days returns the number of calendar days the window covers
func (w DateWindow) Days() int {
	return int(w.To.Sub(w.From)/day) + 1
}

// Date truncates t to its calendar date at UTC midnight
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD: %w", s, err)
	}
	return t, nil
}

// DefaultTo returns yesterday relative to now
func DefaultTo(now time.Time) time.Time {
	return Date(now).AddDate(0, 0, -1)
}

// EffectiveFloor is the later of from and floor; a zero from means floor
func EffectiveFloor(from, floor time.Time) time.Time {
	floor = Date(floor)
	if from.IsZero() {
		return floor
	}
	from = Date(from)
	if from.After(floor) {
		return from
	}
	return floor
}

// Plan walks backward from to in spans of at most MaxSpan until the effective
// floor is reached. Windows are returned newest first and are validated before
// they are returned.
func Plan(from, to, floor time.Time) ([]DateWindow, error) {
	to = Date(to)
	eff := EffectiveFloor(from, floor)

	if to.Before(eff) {
		return nil, fmt.Errorf("%w: %s is before %s", ErrEmptyRange, to.Format(DateLayout), eff.Format(DateLayout))
	}

	var windows []DateWindow
	end := to
	for {
		start := end.Add(-MaxSpan)
		if start.Before(eff) {
			start = eff
		}
		windows = append(windows, DateWindow{From: start, To: end})
		if !start.After(eff) {
			break
		}
		end = start.Add(-day)
	}

	if err := Validate(windows, eff, to); err != nil {
		return nil, err
	}
	return windows, nil
}

// Validate checks that windows, newest first, exactly tile [floor, to] with no
// gaps, overlaps or over-long spans
func Validate(windows []DateWindow, floor, to time.Time) error {
	if len(windows) == 0 {
		return fmt.Errorf("%w: no windows", ErrPlanInvariant)
	}
	if !windows[0].To.Equal(to) {
		return fmt.Errorf("%w: first window %s does not end at %s", ErrPlanInvariant, windows[0], to.Format(DateLayout))
	}
	if last := windows[len(windows)-1]; !last.From.Equal(floor) {
		return fmt.Errorf("%w: last window %s does not start at %s", ErrPlanInvariant, last, floor.Format(DateLayout))
	}

	for i, w := range windows {
		if w.From.After(w.To) {
			return fmt.Errorf("%w: window %s is inverted", ErrPlanInvariant, w)
		}
		if w.To.Sub(w.From) > MaxSpan {
			return fmt.Errorf("%w: window %s spans more than %d days", ErrPlanInvariant, w, int(MaxSpan/day))
		}
		if w.From.Before(floor) {
			return fmt.Errorf("%w: window %s starts before %s", ErrPlanInvariant, w, floor.Format(DateLayout))
		}
		if i > 0 {
			prev := windows[i-1]
			if !w.To.Equal(prev.From.Add(-day)) {
				return fmt.Errorf("%w: window %s does not abut %s", ErrPlanInvariant, w, prev)
			}
		}
	}
	return nil
}
