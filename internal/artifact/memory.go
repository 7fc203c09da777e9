package artifact

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shinji-kodama/release-pipeline/internal/model"
)

// MemoryStore is an in-process Store. It backs tests and single-process
// runs where no later execution context needs the artifact.
type MemoryStore struct {
	mu        sync.Mutex
	runs      map[string]*model.RunReport
	artifacts map[string]model.ReleaseArtifact
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*model.RunReport),
		artifacts: make(map[string]model.ReleaseArtifact),
	}
}

// CreateRun implements Store.
func (s *MemoryStore) CreateRun(_ context.Context, runID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, runID)
	}
	s.runs[runID] = &model.RunReport{
		RunID:     runID,
		State:     model.StateInit,
		StartedAt: startedAt.UTC(),
		UpdatedAt: startedAt.UTC(),
	}
	return nil
}

// SetDecision implements Store.
func (s *MemoryStore) SetDecision(_ context.Context, runID string, decision model.VersionDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.run(runID)
	if err != nil {
		return err
	}
	run.Decision = decision
	return nil
}

// SetState implements Store.
func (s *MemoryStore) SetState(_ context.Context, runID string, state model.RunState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.run(runID)
	if err != nil {
		return err
	}
	run.State = state
	run.UpdatedAt = at.UTC()
	return nil
}

// PutArtifact implements Store.
func (s *MemoryStore) PutArtifact(_ context.Context, a model.ReleaseArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.run(a.RunID)
	if err != nil {
		return err
	}
	if _, ok := s.artifacts[a.RunID]; ok {
		return fmt.Errorf("%w: %s", ErrArtifactExists, a.RunID)
	}
	if err := a.VerifyDigest(); err != nil {
		return err
	}
	s.artifacts[a.RunID] = cloneArtifact(a)
	run.ArtifactDigest = a.Digest
	return nil
}

// GetArtifact implements Store.
func (s *MemoryStore) GetArtifact(_ context.Context, runID string) (model.ReleaseArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[runID]
	if !ok {
		return model.ReleaseArtifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, runID)
	}
	if err := a.VerifyDigest(); err != nil {
		return model.ReleaseArtifact{}, err
	}
	return cloneArtifact(a), nil
}

// AppendResult implements Store.
func (s *MemoryStore) AppendResult(_ context.Context, runID string, result model.StageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.run(runID)
	if err != nil {
		return err
	}
	run.Results = append(run.Results, result)
	return nil
}

// LoadReport implements Store.
func (s *MemoryStore) LoadReport(_ context.Context, runID string) (*model.RunReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}
	out := *run
	out.Results = append([]model.StageResult(nil), run.Results...)
	return &out, nil
}

// ListRuns implements Store.
func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]model.RunReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make([]model.RunReport, 0, len(s.runs))
	for _, r := range s.runs {
		out := *r
		out.Results = nil
		runs = append(runs, out)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].RunID > runs[j].RunID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

// run must be called with s.mu held.
func (s *MemoryStore) run(runID string) (*model.RunReport, error) {
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

func cloneArtifact(a model.ReleaseArtifact) model.ReleaseArtifact {
	out := a
	out.Content = append([]byte(nil), a.Content...)
	return out
}

var _ Store = (*MemoryStore)(nil)
