package messaging

import (
	"sync"
	"time"
)

// seenSet remembers message ids delivered recently so the push path and
// the history path cannot both deliver the same message. Entries expire
// after window; when more than maxEntries are held the oldest are evicted
// first.
type seenSet struct {
	mu         sync.Mutex
	window     time.Duration
	maxEntries int
	entries    map[string]time.Time
	order      []seenEntry
}

type seenEntry struct {
	id string
	at time.Time
}

func newSeenSet(window time.Duration, maxEntries int) *seenSet {
	return &seenSet{
		window:     window,
		maxEntries: maxEntries,
		entries:    make(map[string]time.Time),
	}
}

// Add inserts id and reports whether it was new. Check and insert happen
// under one lock so two racing deliveries of the same id get exactly one
// true.
func (s *seenSet) Add(id string) bool {
	if id == "" {
		return false
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked(now)

	if _, ok := s.entries[id]; ok {
		return false
	}

	s.entries[id] = now
	s.order = append(s.order, seenEntry{id: id, at: now})

	for s.maxEntries > 0 && len(s.entries) > s.maxEntries {
		s.dropOldestLocked()
	}

	return true
}

// Has reports whether id is currently remembered.
func (s *seenSet) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked(time.Now())
	_, ok := s.entries[id]

	return ok
}

// Len returns the number of remembered ids.
func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked(time.Now())

	return len(s.entries)
}

func (s *seenSet) evictLocked(now time.Time) {
	if s.window <= 0 {
		return
	}

	for len(s.order) > 0 && now.Sub(s.order[0].at) >= s.window {
		s.dropOldestLocked()
	}
}

func (s *seenSet) dropOldestLocked() {
	e := s.order[0]
	s.order[0] = seenEntry{}
	s.order = s.order[1:]

	if at, ok := s.entries[e.id]; ok && at.Equal(e.at) {
		delete(s.entries, e.id)
	}
}
