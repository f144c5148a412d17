package roadmap

import (
	"context"
	"sync"
)

// Static is an in-memory Roadmap.
type Static struct {
	mu  sync.RWMutex
	cat *catalog
}

// NewStatic builds a roadmap from modules. It fails on unknown dependencies or cycles.
func NewStatic(modules []Module) (*Static, error) {
	cat, err := newCatalog(modules)
	if err != nil {
		return nil, err
	}
	return &Static{cat: cat}, nil
}

func (s *Static) GetRoadmap(ctx context.Context) ([]Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cat.all(), nil
}

func (s *Static) GetNextAvailableModules(ctx context.Context) ([]Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cat.available(), nil
}

func (s *Static) CalculateLeverageScores(ctx context.Context) ([]LeverageScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cat.scores(), nil
}

func (s *Static) UpdateModuleStatus(ctx context.Context, moduleID string, status ModuleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cat.setStatus(moduleID, status)
}

// Verify Static implements Roadmap at compile time.
var _ Roadmap = (*Static)(nil)
