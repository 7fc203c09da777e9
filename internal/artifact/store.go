// Package artifact stores the per-run state of the release pipeline: the
// version decision, the one release artifact, the stage results and the
// run's current state, all keyed by run id.
//
// Stages of one run may execute in separate, stateless execution contexts
// (for example separate CI jobs). They never recompute the version; they
// retrieve the identical artifact bytes from the store. The store enforces
// that a run has at most one artifact.
package artifact

import (
	"context"
	"errors"
	"time"

	"github.com/shinji-kodama/release-pipeline/internal/model"
)

var (
	// ErrRunNotFound is returned when no run with the given id exists.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExists is returned when creating a run id that is already taken.
	ErrRunExists = errors.New("run already exists")

	// ErrArtifactNotFound is returned when the run has no artifact yet.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrArtifactExists is returned on a second PutArtifact for the same run.
	ErrArtifactExists = errors.New("artifact already stored for run")
)

// Store persists pipeline runs.
type Store interface {
	// CreateRun registers a new run in StateInit.
	CreateRun(ctx context.Context, runID string, startedAt time.Time) error

	// SetDecision records the analyzer's decision for the run.
	SetDecision(ctx context.Context, runID string, decision model.VersionDecision) error

	// SetState records a state transition.
	SetState(ctx context.Context, runID string, state model.RunState, at time.Time) error

	// PutArtifact stores the run's artifact. It fails with
	// ErrArtifactExists if the run already has one.
	PutArtifact(ctx context.Context, a model.ReleaseArtifact) error

	// GetArtifact returns the run's artifact after checking its digest.
	GetArtifact(ctx context.Context, runID string) (model.ReleaseArtifact, error)

	// AppendResult appends a stage result to the run log.
	AppendResult(ctx context.Context, runID string, result model.StageResult) error

	// LoadReport reconstructs the full report of a run.
	LoadReport(ctx context.Context, runID string) (*model.RunReport, error)

	// ListRuns returns up to limit runs, most recent first, without their
	// stage results.
	ListRuns(ctx context.Context, limit int) ([]model.RunReport, error)

	Close() error
}
