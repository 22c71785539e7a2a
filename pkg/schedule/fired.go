package schedule

import (
	"context"
	"sync"
	"time"
)

// MemoryFiredStore keeps the last fired minute per trigger in process memory.
type MemoryFiredStore struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewMemoryFiredStore() *MemoryFiredStore {
	return &MemoryFiredStore{last: make(map[string]time.Time)}
}

func (s *MemoryFiredStore) MarkFired(_ context.Context, triggerID string, minute time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.last[triggerID]; ok && !minute.After(last) {
		return false, nil
	}

	s.last[triggerID] = minute

	return true, nil
}

// LastFired returns the minute the trigger last fired for.
func (s *MemoryFiredStore) LastFired(triggerID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.last[triggerID]

	return last, ok
}
