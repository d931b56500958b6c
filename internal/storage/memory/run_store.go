package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/media-scraper/internal/crawler"
)

// RunStore keeps run state machines in memory. Runs do not survive a restart.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]crawler.Run
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]crawler.Run)}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run crawler.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// SaveRun overwrites an existing run.
func (s *RunStore) SaveRun(_ context.Context, run crawler.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		return crawler.ErrNotFound
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.Run{}, crawler.ErrNotFound
	}
	return cloneRun(run), nil
}

// ListRuns returns matching runs ordered by submission time.
func (s *RunStore) ListRuns(_ context.Context, filter crawler.RunFilter) ([]crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Run
	for _, run := range s.runs {
		if filter.Matches(run) {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Submitted.Equal(out[j].Submitted) {
			return out[i].ID < out[j].ID
		}
		return out[i].Submitted.Before(out[j].Submitted)
	})
	return out, nil
}

func cloneRun(run crawler.Run) crawler.Run {
	if run.Params.MaxPages != nil {
		maxPages := *run.Params.MaxPages
		run.Params.MaxPages = &maxPages
	}
	if run.Checkpoint != nil {
		cp := *run.Checkpoint
		run.Checkpoint = &cp
	}
	run.Batches = append([]crawler.BatchOutcome(nil), run.Batches...)
	if run.Started != nil {
		started := *run.Started
		run.Started = &started
	}
	if run.Finished != nil {
		finished := *run.Finished
		run.Finished = &finished
	}
	return run
}
