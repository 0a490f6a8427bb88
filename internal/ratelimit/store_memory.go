package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps admission windows in process memory. Suitable for
// single-process deployments; workers in separate processes must share a
// PostgresStore instead.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]time.Time)}
}

// Admit implements Store.
func (s *MemoryStore) Admit(_ context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.prune(key, window, now)
	if len(entries) >= limit {
		return false, nil
	}
	s.windows[key] = append(entries, now)
	return true, nil
}

// Window implements Store.
func (s *MemoryStore) Window(_ context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.prune(key, window, now)
	if len(entries) == 0 {
		return 0, time.Time{}, nil
	}
	return len(entries), entries[0], nil
}

// prune drops entries that have aged out of the window. Entries are kept in
// admission order, so the slice head is always the oldest. Caller holds the
// lock.
func (s *MemoryStore) prune(key string, window time.Duration, now time.Time) []time.Time {
	entries := s.windows[key]
	cutoff := now.Add(-window)
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	if i > 0 {
		entries = append([]time.Time(nil), entries[i:]...)
	}
	if len(entries) == 0 {
		delete(s.windows, key)
		return nil
	}
	s.windows[key] = entries
	return entries
}
