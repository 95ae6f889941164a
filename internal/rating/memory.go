package rating

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the fallback backend used when no Redis URL is
// configured, and the workhorse for engine tests.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]*Record
	settled  map[string]bool
	baseline int
}

func NewMemoryStore(baseline int) *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		settled:  make(map[string]bool),
		baseline: baseline,
	}
}

func (s *MemoryStore) GetRating(_ context.Context, handle string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.getLocked(handle)
	cp := *rec
	cp.History = append([]string(nil), rec.History...)
	return &cp, nil
}

func (s *MemoryStore) IsSettled(_ context.Context, duelID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled[duelID], nil
}

func (s *MemoryStore) ApplyOutcome(_ context.Context, duelID string, deltas map[string]HandleDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled[duelID] {
		return ErrAlreadySettled
	}
	for handle, d := range deltas {
		s.getLocked(handle).apply(duelID, d)
	}
	s.settled[duelID] = true
	return nil
}

func (s *MemoryStore) getLocked(handle string) *Record {
	if rec, ok := s.records[handle]; ok {
		return rec
	}
	rec := &Record{Handle: handle, Rating: s.baseline, UpdatedAt: time.Now()}
	s.records[handle] = rec
	return rec
}
