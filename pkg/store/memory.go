package store

import (
	"context"
	"sync"
)

// DefaultMemoryRetention caps how many runs per task the memory store keeps.
const DefaultMemoryRetention = 1000

// MemoryStore is an in-memory implementation of the run store
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string][]*Run // task -> runs, oldest first
	retention int
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string][]*Run),
		retention: DefaultMemoryRetention,
	}
}

// RecordRun appends a copy of run, dropping the oldest beyond retention
func (s *MemoryStore) RecordRun(ctx context.Context, run *Run) error {
	if err := validateRun(run); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	runs := append(s.runs[run.Task], &cp)
	if len(runs) > s.retention {
		runs = runs[len(runs)-s.retention:]
	}
	s.runs[run.Task] = runs
	return nil
}

// ListRuns returns the newest runs first
func (s *MemoryStore) ListRuns(ctx context.Context, task string, limit int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.runs[task]
	n := len(runs)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]*Run, 0, n)
	for i := len(runs) - 1; i >= 0 && len(out) < n; i-- {
		cp := *runs[i]
		out = append(out, &cp)
	}
	return out, nil
}

// CountRuns counts runs of task; an empty status counts all of them
func (s *MemoryStore) CountRuns(ctx context.Context, task string, status RunStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if status == "" {
		return len(s.runs[task]), nil
	}
	count := 0
	for _, run := range s.runs[task] {
		if run.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Close() error { return nil }
