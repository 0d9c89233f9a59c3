package cache

import (
	"sync"
	"time"
)

// InflightSet marks submissions whose persistence has started but not yet
// finished, so two concurrent submissions of the same id cannot both start
// persisting. Markers outlive the dedup window and are reclaimed by TTL in
// case a crashing handler never calls Finish.
type InflightSet struct {
	mu      sync.Mutex
	started map[string]int64 // key -> unix milliseconds
	ttl     time.Duration
}

// NewInflightSet creates an in-flight marker set with the given safety TTL.
func NewInflightSet(ttl time.Duration) *InflightSet {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &InflightSet{
		started: make(map[string]int64),
		ttl:     ttl,
	}
}

// Begin claims the key. It returns false if another submission of the same
// key is already in flight.
func (s *InflightSet) Begin(key string) bool {
	return s.BeginAt(key, time.Now())
}

// BeginAt claims the key with an explicit timestamp (for testing).
func (s *InflightSet) BeginAt(key string, now time.Time) bool {
	if key == "" {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nowUnix := now.UnixMilli()
	if startedAt, ok := s.started[key]; ok {
		if nowUnix-startedAt < s.ttl.Milliseconds() {
			return false
		}
		// The previous claim leaked past its TTL; take it over.
	}
	s.started[key] = nowUnix
	return true
}

// Finish releases the key. Safe to call for a key that was never claimed.
func (s *InflightSet) Finish(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.started, key)
}

// Size returns the number of in-flight markers.
func (s *InflightSet) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started)
}
