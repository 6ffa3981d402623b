package recordings

import (
	"sync"

	"github.com/tribloom/Zoom-Meeting-Download/internal/zoom"
)

// MeetingSet accumulates meetings keyed by uuid in first-seen order
type MeetingSet struct {
	mu    sync.Mutex
	order []zoom.Meeting
	index map[string]int
}

// NewMeetingSet creates an empty set
func NewMeetingSet() *MeetingSet {
	return &MeetingSet{index: make(map[string]int)}
}

// Add inserts m unless its uuid is already present. It reports whether m was added.
func (s *MeetingSet) Add(m zoom.Meeting) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[m.UUID]; ok {
		return false
	}
	s.index[m.UUID] = len(s.order)
	s.order = append(s.order, m)
	return true
}

// Len returns the number of distinct meetings
func (s *MeetingSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Meetings returns a copy of the meetings in insertion order
func (s *MeetingSet) Meetings() []zoom.Meeting {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]zoom.Meeting, len(s.order))
	copy(out, s.order)
	return out
}
