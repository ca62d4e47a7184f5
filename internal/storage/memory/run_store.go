package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/sitemap-metadata-crawler/internal/crawler"
)

// RunStore keeps run summaries in memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]crawler.RunSummary
}

// NewRunStore creates an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]crawler.RunSummary)}
}

// RecordRun inserts or replaces a run.
func (s *RunStore) RecordRun(_ context.Context, run crawler.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

// GetRun returns the run with the given ID or crawler.ErrRunNotFound.
func (s *RunStore) GetRun(_ context.Context, runID string) (crawler.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.RunSummary{}, crawler.ErrRunNotFound
	}
	return run, nil
}

// ListRuns returns up to limit runs, most recently started first.
// A non-positive limit returns every run.
func (s *RunStore) ListRuns(_ context.Context, limit int) ([]crawler.RunSummary, error) {
	s.mu.RLock()
	runs := make([]crawler.RunSummary, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
