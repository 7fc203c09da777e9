// Package pipeline sequences the stages of one release run and enforces
// their gating.
//
// A run moves through the states of model.RunState by way of the
// transition table in fsm.go. Each stage runs at most once per run, a
// failed stage short-circuits every stage after it, and successful side
// effects are never rolled back. The release artifact is built once,
// persisted in an artifact.Store under the run id, and every later stage
// reads it back from the store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shinji-kodama/release-pipeline/internal/analyzer"
	"github.com/shinji-kodama/release-pipeline/internal/artifact"
	"github.com/shinji-kodama/release-pipeline/internal/manifest"
	"github.com/shinji-kodama/release-pipeline/internal/model"
	"github.com/shinji-kodama/release-pipeline/internal/publish"
	"github.com/shinji-kodama/release-pipeline/internal/verify"
)

const tracerName = "github.com/shinji-kodama/release-pipeline/internal/pipeline"

// maxDetail bounds the Detail of a stage result.
const maxDetail = 512

// Verifier runs the verification suite in a work tree holding the
// artifact. A nil error means the suite passed.
type Verifier interface {
	Verify(ctx context.Context, workDir string, a model.ReleaseArtifact) error
}

// VCSPublisher creates the tagged source-control release.
type VCSPublisher interface {
	Publish(ctx context.Context, r publish.Release) error

	// Exists reports whether a release for tag is already recorded.
	Exists(ctx context.Context, tag string) (bool, error)
}

// RegistryPublisher uploads the package built from the artifact.
type RegistryPublisher interface {
	Publish(ctx context.Context, workDir string, a model.ReleaseArtifact) error
}

// Workspace is the work tree of the current execution context.
type Workspace interface {
	// ReadFile returns the content of a path relative to the work tree.
	ReadFile(path string) ([]byte, error)

	// Materialize writes the artifact into the work tree and returns the
	// tree's root.
	Materialize(ctx context.Context, a model.ReleaseArtifact) (string, error)
}

// Timeouts bounds each stage. Zero means no limit.
type Timeouts struct {
	DryRun          time.Duration
	Verify          time.Duration
	PublishVCS      time.Duration
	PublishRegistry time.Duration
}

// For returns the timeout of stage.
func (t Timeouts) For(stage model.Stage) time.Duration {
	switch stage {
	case model.StageDryRun:
		return t.DryRun
	case model.StageVerify:
		return t.Verify
	case model.StagePublishVCS:
		return t.PublishVCS
	case model.StagePublishRegistry:
		return t.PublishRegistry
	default:
		return 0
	}
}

// Orchestrator drives release runs.
type Orchestrator struct {
	Analyzer  analyzer.Analyzer
	Store     artifact.Store
	Workspace Workspace
	Verifier  Verifier
	VCS       VCSPublisher
	Registry  RegistryPublisher

	// ManifestPath is the manifest path relative to the work tree.
	ManifestPath string

	// TagPrefix prefixes versions in release tags, usually "v".
	TagPrefix string

	// Target is the commit the source-control release points at.
	Target string

	Timeouts Timeouts

	// Logf receives progress messages. Nil discards them.
	Logf func(format string, args ...any)

	// Now and NewRunID default to time.Now and NewRunID.
	Now      func() time.Time
	NewRunID func() string

	// Tracer defaults to the global otel tracer provider.
	Tracer trace.Tracer
}

// NewRunID returns a time-ordered unique run id.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// run is the mutable state of one execution of the state machine.
type run struct {
	o      *Orchestrator
	report *model.RunReport

	// persistCtx outlives cancellation of the run context so that the
	// final state is always recorded.
	persistCtx context.Context

	// persistErr is the first store failure; it aborts the run.
	persistErr error
}

// Run executes a new release run from the analyzer to the registry
// publish.
//
// The returned report is non-nil once the run has been created in the
// store. The error is nil only when the run reached StateComplete;
// otherwise it is StateError of the terminal state, or a store failure.
func (o *Orchestrator) Run(ctx context.Context) (*model.RunReport, error) {
	now := o.clock()
	id := o.runID()

	ctx, span := o.tracer().Start(ctx, "release.run", trace.WithAttributes(attribute.String("release.run_id", id)))
	defer span.End()

	r := &run{
		o:          o,
		persistCtx: context.WithoutCancel(ctx),
		report: &model.RunReport{
			RunID:     id,
			State:     model.StateInit,
			StartedAt: now.UTC(),
			UpdatedAt: now.UTC(),
		},
	}
	if err := o.Store.CreateRun(r.persistCtx, id, now); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	o.logf("run %s: started", id)

	cause := r.drive(ctx)
	return r.finish(span, cause)
}

// drive runs the stages in order and returns the error that decided the
// terminal state, if any.
func (r *run) drive(ctx context.Context) error {
	o := r.o

	// Step 1: Dry run. Ask the analyzer and build the artifact.
	if err := ctx.Err(); err != nil {
		r.transition(EventCancelled)
		return err
	}
	var decision model.VersionDecision
	_, err := r.exec(ctx, model.StageDryRun, 1, func(sctx context.Context) error {
		d, err := o.Analyzer.Analyze(sctx)
		if err != nil {
			return err
		}
		if err := d.Validate(); err != nil {
			return err
		}
		decision = d
		r.report.Decision = d
		r.persist(o.Store.SetDecision(r.persistCtx, r.report.RunID, d))
		if !d.HasRelease {
			return nil
		}
		return r.buildArtifact(*d.NextVersion)
	})
	if err != nil {
		r.transition(EventFailed)
		return err
	}
	if !decision.HasRelease {
		r.transition(EventNoRelease)
		return nil
	}
	r.transition(EventPassed)

	// Step 2: Verify the stored artifact.
	if err := ctx.Err(); err != nil {
		r.transition(EventCancelled)
		return err
	}
	r.transition(EventStart)
	_, err = r.exec(ctx, model.StageVerify, 1, func(sctx context.Context) error {
		a, dir, err := r.checkout(sctx)
		if err != nil {
			return err
		}
		return o.Verifier.Verify(sctx, dir, a)
	})
	if err != nil {
		if isCancellation(ctx, err) {
			r.transition(EventCancelled)
		} else {
			r.transition(EventFailed)
		}
		return err
	}
	r.transition(EventPassed)

	// Step 3: Source-control release.
	if err := ctx.Err(); err != nil {
		r.transition(EventCancelled)
		return err
	}
	r.transition(EventStart)
	_, err = r.exec(ctx, model.StagePublishVCS, 1, func(sctx context.Context) error {
		return o.VCS.Publish(sctx, publish.Release{
			Version:         *decision.NextVersion,
			PreviousVersion: decision.PreviousVersion,
			Notes:           decision.Notes,
			Target:          o.Target,
		})
	})
	if err != nil {
		r.transition(EventFailed)
		return err
	}
	r.transition(EventPassed)

	// Step 4: Registry publish.
	if err := ctx.Err(); err != nil {
		r.transition(EventCancelled)
		return err
	}
	return r.publishRegistry(ctx, 1)
}

// RetryRegistry resumes a run in StatePartialFailure by re-running only
// the registry publish from the stored artifact.
//
// The source-control release for the run's tag must still exist;
// otherwise the registry would receive a version with no source-control
// record and the retry is refused. The retry is recorded as a new
// publish-registry result with the next attempt number.
func (o *Orchestrator) RetryRegistry(ctx context.Context, runID string) (*model.RunReport, error) {
	ctx, span := o.tracer().Start(ctx, "release.retry_registry", trace.WithAttributes(attribute.String("release.run_id", runID)))
	defer span.End()

	persistCtx := context.WithoutCancel(ctx)
	report, err := o.Store.LoadReport(persistCtx, runID)
	if err != nil {
		if errors.Is(err, artifact.ErrRunNotFound) {
			return nil, model.WrapCLIError(model.ExitRunNotFound, fmt.Sprintf("run %s not found", runID), err)
		}
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	// Step 1: Only a partial failure may resume, and only into the
	// registry publish.
	if next, err := Next(report.State, EventStart); err != nil || next != model.StatePublishingRegistry {
		return report, model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("run %s is %s; only %s runs can retry the registry publish", runID, report.State, model.StatePartialFailure))
	}
	if report.Decision.NextVersion == nil {
		return report, model.NewCLIError(model.ExitGeneralError, fmt.Sprintf("run %s has no release version", runID))
	}

	// Step 2: Confirm the source-control release still exists.
	tag := o.TagPrefix + report.Decision.NextVersion.String()
	exists, err := o.VCS.Exists(ctx, tag)
	if err != nil {
		return report, model.WrapCLIError(model.ExitPublishFailed, fmt.Sprintf("could not look up release %s", tag), err)
	}
	if !exists {
		return report, model.NewCLIError(model.ExitPublishFailed,
			fmt.Sprintf("no source-control release for %s; refusing to publish to the registry", tag))
	}

	if err := ctx.Err(); err != nil {
		return report, model.WrapCLIError(model.ExitCancelled, "retry cancelled", err)
	}

	attempt := 1
	if last, ok := report.Latest(model.StagePublishRegistry); ok {
		attempt = last.Attempt + 1
	}

	r := &run{o: o, report: report, persistCtx: persistCtx}
	o.logf("run %s: retrying registry publish (attempt %d)", runID, attempt)
	cause := r.publishRegistry(ctx, attempt)
	return r.finish(span, cause)
}

// publishRegistry enters PublishingRegistry and runs the registry stage.
func (r *run) publishRegistry(ctx context.Context, attempt int) error {
	o := r.o
	r.transition(EventStart)
	_, err := r.exec(ctx, model.StagePublishRegistry, attempt, func(sctx context.Context) error {
		a, dir, err := r.checkout(sctx)
		if err != nil {
			return err
		}
		return o.Registry.Publish(sctx, dir, a)
	})
	if err != nil {
		r.transition(EventFailed)
		return err
	}
	r.transition(EventPassed)
	return nil
}

// buildArtifact writes v into the manifest text and stores the result as
// the run's one artifact. The work tree itself is not modified here.
func (r *run) buildArtifact(v model.SemVer) error {
	o := r.o
	text, err := o.Workspace.ReadFile(o.ManifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	updated, err := manifest.Apply(string(text), v)
	if err != nil {
		return err
	}
	a := model.NewReleaseArtifact(r.report.RunID, v, o.ManifestPath, []byte(updated), o.clock())
	if err := o.Store.PutArtifact(r.persistCtx, a); err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}
	r.report.ArtifactDigest = a.Digest
	o.logf("run %s: artifact %s built (%s, sha256 %s)", r.report.RunID, a.Path, v, a.Digest)
	return nil
}

// checkout fetches the run's artifact from the store and materializes it
// into the work tree.
func (r *run) checkout(ctx context.Context) (model.ReleaseArtifact, string, error) {
	a, err := r.o.Store.GetArtifact(r.persistCtx, r.report.RunID)
	if err != nil {
		return model.ReleaseArtifact{}, "", fmt.Errorf("fetch artifact: %w", err)
	}
	dir, err := r.o.Workspace.Materialize(ctx, a)
	if err != nil {
		return model.ReleaseArtifact{}, "", err
	}
	return a, dir, nil
}

// exec runs one stage under its timeout and records the result.
func (r *run) exec(ctx context.Context, stage model.Stage, attempt int, fn func(context.Context) error) (model.StageResult, error) {
	o := r.o
	if r.persistErr != nil {
		return model.StageResult{}, r.persistErr
	}

	timeout := o.Timeouts.For(stage)
	var (
		sctx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		sctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	sctx, span := o.tracer().Start(sctx, "release.stage."+string(stage), trace.WithAttributes(
		attribute.String("release.run_id", r.report.RunID),
		attribute.String("release.stage", string(stage)),
		attribute.Int("release.attempt", attempt),
	))
	defer span.End()

	o.logf("run %s: %s started", r.report.RunID, stage)
	res := model.StageResult{
		Stage:     stage,
		Outcome:   model.OutcomePassed,
		Attempt:   attempt,
		StartedAt: o.clock().UTC(),
	}
	err := fn(sctx)
	res.FinishedAt = o.clock().UTC()

	if err != nil {
		res.Outcome = model.OutcomeFailed
		res.TimedOut = isTimeout(ctx, sctx, err)
		res.Detail = truncate(err.Error())
		if res.TimedOut {
			res.Detail = truncate(fmt.Sprintf("timed out after %s: %v", timeout, err))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Detail)
	}
	span.SetAttributes(
		attribute.String("release.outcome", string(res.Outcome)),
		attribute.Bool("release.timed_out", res.TimedOut),
	)
	o.logf("run %s: %s %s %s", r.report.RunID, stage, res.Outcome, res.Detail)

	r.record(res)
	if r.persistErr != nil {
		return res, r.persistErr
	}
	return res, err
}

// transition applies event to the current state and persists the new
// state. When the new state is terminal, every stage without a result
// is recorded as skipped.
func (r *run) transition(event Event) {
	if r.persistErr != nil {
		return
	}
	next, err := Next(r.report.State, event)
	if err != nil {
		r.persistErr = err
		return
	}
	r.report.State = next
	r.report.UpdatedAt = r.o.clock().UTC()
	r.persist(r.o.Store.SetState(r.persistCtx, r.report.RunID, next, r.report.UpdatedAt))

	if next.IsTerminal() {
		r.skipRemaining(skipReason(next))
	}
}

// skipRemaining records a skipped result for every stage that has no
// result yet in this run.
func (r *run) skipRemaining(reason string) {
	for _, stage := range model.Stages {
		if _, ok := r.report.Latest(stage); ok {
			continue
		}
		r.record(model.StageResult{Stage: stage, Outcome: model.OutcomeSkipped, Detail: reason, Attempt: 1})
	}
}

func (r *run) record(res model.StageResult) {
	r.report.Results = append(r.report.Results, res)
	r.persist(r.o.Store.AppendResult(r.persistCtx, r.report.RunID, res))
}

func (r *run) persist(err error) {
	if err != nil && r.persistErr == nil {
		r.persistErr = fmt.Errorf("persist run %s: %w", r.report.RunID, err)
	}
}

// finish closes the run span and converts the final state to an error.
func (r *run) finish(span trace.Span, cause error) (*model.RunReport, error) {
	span.SetAttributes(attribute.String("release.state", string(r.report.State)))
	if r.persistErr != nil {
		span.SetStatus(codes.Error, r.persistErr.Error())
		return r.report, r.persistErr
	}
	r.o.logf("run %s: finished in state %s", r.report.RunID, r.report.State)

	err := StateError(r.report.RunID, r.report.State, cause)
	if err != nil && r.report.State != model.StateNoOp {
		span.SetStatus(codes.Error, err.Error())
	}
	return r.report, err
}

// isTimeout reports whether a stage error was caused by the stage's own
// deadline rather than by the run being cancelled.
func isTimeout(runCtx, stageCtx context.Context, err error) bool {
	if runCtx.Err() != nil {
		return false
	}
	if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return true
	}
	var verr *verify.Error
	return errors.As(err, &verr) && verr.TimedOut
}

// isCancellation reports whether a stage failed because the run context
// was cancelled.
func isCancellation(runCtx context.Context, err error) bool {
	if errors.Is(runCtx.Err(), context.Canceled) {
		return true
	}
	var verr *verify.Error
	return errors.As(err, &verr) && verr.Cancelled
}

func truncate(s string) string {
	if len(s) <= maxDetail {
		return s
	}
	return s[:maxDetail-3] + "..."
}

func (o *Orchestrator) clock() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) runID() string {
	if o.NewRunID != nil {
		return o.NewRunID()
	}
	return NewRunID()
}

func (o *Orchestrator) tracer() trace.Tracer {
	if o.Tracer != nil {
		return o.Tracer
	}
	return otel.Tracer(tracerName)
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.Logf != nil {
		o.Logf(format, args...)
	}
}
