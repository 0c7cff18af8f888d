package history

import (
	"context"
	"sync"

	"github.com/msageha/selftestd/internal/model"
)

type MemoryStore struct {
	mu      sync.RWMutex
	maxRows int
	runs    []model.RunRecord // oldest first
}

func NewMemoryStore(maxRows int) *MemoryStore {
	return &MemoryStore{maxRows: maxRows}
}

func (s *MemoryStore) Init(context.Context) error { return nil }

func (s *MemoryStore) Record(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.Result = run.Result.Clone()
	for i := range s.runs {
		if s.runs[i].RunID == run.RunID {
			s.runs[i] = run
			return nil
		}
	}
	s.runs = append(s.runs, run)
	if s.maxRows > 0 && len(s.runs) > s.maxRows {
		s.runs = append([]model.RunRecord(nil), s.runs[len(s.runs)-s.maxRows:]...)
	}
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, n int) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RunRecord, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0; i-- {
		if n > 0 && len(out) == n {
			break
		}
		out = append(out, s.runs[i])
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, runID string) (model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.runs {
		if r.RunID == runID {
			return r, nil
		}
	}
	return model.RunRecord{}, ErrNotFound
}

func (s *MemoryStore) Stats(context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	for _, r := range s.runs {
		st.add(r)
	}
	return st, nil
}

func (s *MemoryStore) Close() error { return nil }
