package store

import (
	"sync"

	"github.com/msageha/selftestd/internal/model"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	toolCount int
	result    model.SelftestResult
	flags     model.AutoRunFlags
	lastRun   *model.RunRecord
}

func NewMemoryStore(toolCount int) *MemoryStore {
	return &MemoryStore{
		toolCount: toolCount,
		result:    model.NewSelftestResult(toolCount),
		flags:     defaultFlags(),
	}
}

func (s *MemoryStore) LoadResult() (model.SelftestResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result.Clone(), nil
}

func (s *MemoryStore) SaveResult(r model.SelftestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = fitTools(r.Clone(), s.toolCount)
	return nil
}

func (s *MemoryStore) LoadFlags() (model.AutoRunFlags, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags, nil
}

func (s *MemoryStore) SaveFlags(f model.AutoRunFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = f
	return nil
}

func (s *MemoryStore) ClearAutoRunFlags() error {
	return s.SaveFlags(model.AutoRunFlags{})
}

func (s *MemoryStore) SaveLastRun(r model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Result = r.Result.Clone()
	s.lastRun = &r
	return nil
}

func (s *MemoryStore) LastRun() (model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastRun == nil {
		return model.RunRecord{}, ErrNotFound
	}
	r := *s.lastRun
	r.Result = r.Result.Clone()
	return r, nil
}
