// Package model defines the domain types for the release-pipeline CLI.
//
// The types in this file describe a single pipeline run: the version
// decision handed over by the commit analyzer, the version-bearing
// manifest artifact, and the per-stage results that make up the run log.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// SemVer is a three-component version identifier (major.minor.patch).
// Pre-release and build metadata are not part of a release version.
type SemVer struct {
	Major int
	Minor int
	Patch int
}

// ParseSemVer converts "1.2.3" (or "v1.2.3") into a SemVer.
//
// golang.org/x/mod/semver accepts shorthand forms like "v1.2" and
// pre-release suffixes, so the input must also equal its canonical form
// to be accepted as a release version.
func ParseSemVer(s string) (SemVer, error) {
	trimmed := strings.TrimSpace(s)
	v := trimmed
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) || semver.Canonical(v) != v || semver.Prerelease(v) != "" {
		return SemVer{}, fmt.Errorf("invalid version %q: expected MAJOR.MINOR.PATCH", s)
	}

	parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return SemVer{}, fmt.Errorf("invalid version %q: %w", s, err)
		}
		nums[i] = n
	}
	return SemVer{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// MustParseSemVer is like ParseSemVer but panics on error. Intended for
// constants and tests.
func MustParseSemVer(s string) SemVer {
	v, err := ParseSemVer(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the "major.minor.patch" form without a "v" prefix.
func (v SemVer) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Tag returns the source-control tag name for the version ("v1.2.3").
func (v SemVer) Tag() string {
	return "v" + v.String()
}

// IsZero reports whether v is the zero value (0.0.0).
func (v SemVer) IsZero() bool {
	return v == SemVer{}
}

// Compare returns -1, 0, or +1 depending on whether v is lower than,
// equal to, or greater than other.
func (v SemVer) Compare(other SemVer) int {
	return semver.Compare(v.Tag(), other.Tag())
}

// Less reports whether v sorts before other.
func (v SemVer) Less(other SemVer) bool {
	return v.Compare(other) < 0
}

// MarshalText encodes the version as "major.minor.patch" so that JSON and
// YAML output shows the familiar string form.
func (v SemVer) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText parses the "major.minor.patch" form.
func (v *SemVer) UnmarshalText(text []byte) error {
	parsed, err := ParseSemVer(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// VersionDecision is the commit analyzer's verdict for one pipeline run.
// It is produced once and never modified afterwards.
//
// When HasRelease is false, NextVersion and PreviousVersion are nil and no
// further stage runs.
type VersionDecision struct {
	HasRelease      bool    `json:"hasRelease"`
	NextVersion     *SemVer `json:"nextVersion,omitempty"`
	PreviousVersion *SemVer `json:"previousVersion,omitempty"`

	// Notes are the human-readable release notes generated by the analyzer.
	// Their grouping and formatting are owned by the analyzer.
	Notes string `json:"notes,omitempty"`
}

// NoRelease returns the decision for "nothing to release".
func NoRelease() VersionDecision {
	return VersionDecision{}
}

// Release returns a decision to release next, coming from previous.
// previous may be nil for the first release of a project.
func Release(next SemVer, previous *SemVer, notes string) VersionDecision {
	n := next
	d := VersionDecision{HasRelease: true, NextVersion: &n, Notes: notes}
	if previous != nil {
		p := *previous
		d.PreviousVersion = &p
	}
	return d
}

// Validate checks the structural consistency of a decision. Ordering of
// next and previous is the analyzer's responsibility and is not checked.
func (d VersionDecision) Validate() error {
	if !d.HasRelease {
		if d.NextVersion != nil {
			return fmt.Errorf("version decision: next version %s set without a release", d.NextVersion)
		}
		return nil
	}
	if d.NextVersion == nil {
		return fmt.Errorf("version decision: release requested without a next version")
	}
	return nil
}

// ReleaseArtifact is the manifest content after version substitution,
// tagged with the version it encodes. One artifact exists per run and
// every downstream stage receives exactly these bytes.
type ReleaseArtifact struct {
	// RunID identifies the pipeline run that produced the artifact.
	RunID string `json:"runId"`

	// Version is the version written into Content.
	Version SemVer `json:"version"`

	// Path is the manifest path relative to the repository root.
	Path string `json:"path"`

	// Content is the full manifest text.
	Content []byte `json:"-"`

	// Digest is the hex-encoded sha256 of Content.
	Digest string `json:"digest"`

	CreatedAt time.Time `json:"createdAt"`
}

// NewReleaseArtifact builds an artifact and computes its digest.
func NewReleaseArtifact(runID string, version SemVer, path string, content []byte, now time.Time) ReleaseArtifact {
	c := make([]byte, len(content))
	copy(c, content)
	return ReleaseArtifact{
		RunID:     runID,
		Version:   version,
		Path:      path,
		Content:   c,
		Digest:    ContentDigest(c),
		CreatedAt: now.UTC(),
	}
}

// ContentDigest returns the hex-encoded sha256 of content.
func ContentDigest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// VerifyDigest reports an error when Content no longer matches Digest.
func (a ReleaseArtifact) VerifyDigest() error {
	if got := ContentDigest(a.Content); got != a.Digest {
		return fmt.Errorf("artifact for run %s: digest mismatch (stored %s, computed %s)", a.RunID, a.Digest, got)
	}
	return nil
}

// Stage identifies one gated step of the release pipeline.
type Stage string

const (
	// StageDryRun asks the commit analyzer for a decision and writes the
	// resulting version into the manifest artifact.
	StageDryRun Stage = "dry-run"

	// StageVerify runs the project's test suite against the artifact.
	StageVerify Stage = "verify"

	// StagePublishVCS creates the tagged source-control release.
	StagePublishVCS Stage = "publish-vcs"

	// StagePublishRegistry uploads the package to the registry.
	StagePublishRegistry Stage = "publish-registry"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageDryRun, StageVerify, StagePublishVCS, StagePublishRegistry}

// String returns the string representation of Stage.
func (s Stage) String() string {
	return string(s)
}

// IsValid checks whether the Stage value is one of the defined stages.
func (s Stage) IsValid() bool {
	switch s {
	case StageDryRun, StageVerify, StagePublishVCS, StagePublishRegistry:
		return true
	default:
		return false
	}
}

// ParseStage converts a string to a Stage.
func ParseStage(s string) (Stage, error) {
	stage := Stage(strings.ToLower(s))
	if !stage.IsValid() {
		return "", fmt.Errorf("invalid stage: %q (valid: dry-run, verify, publish-vcs, publish-registry)", s)
	}
	return stage, nil
}

// Outcome is the result of a single stage.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// String returns the string representation of Outcome.
func (o Outcome) String() string {
	return string(o)
}

// IsValid checks whether the Outcome value is one of the defined outcomes.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomePassed, OutcomeFailed, OutcomeSkipped:
		return true
	default:
		return false
	}
}

// ParseOutcome converts a string to an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	outcome := Outcome(strings.ToLower(s))
	if !outcome.IsValid() {
		return "", fmt.Errorf("invalid outcome: %q (valid: passed, failed, skipped)", s)
	}
	return outcome, nil
}

// StageResult records what happened to one stage of a run.
type StageResult struct {
	Stage   Stage   `json:"stage"`
	Outcome Outcome `json:"outcome"`

	// TimedOut marks a failure caused by the stage exceeding its timeout.
	// It is always false for passed and skipped results.
	TimedOut bool `json:"timedOut,omitempty"`

	// Detail is a short human-readable explanation (failure message or
	// skip reason).
	Detail string `json:"detail,omitempty"`

	// Attempt is 1 for the pipeline's own execution and greater than 1 for
	// explicit retries of the registry publish.
	Attempt int `json:"attempt"`

	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// Duration returns how long the stage ran. Skipped stages report zero.
func (r StageResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunState is a state of the pipeline state machine.
//
// The transitions are:
//
//	Init → NoOp
//	Init → ArtifactBuilt → Verifying → Rejected
//	                                 → Verified → PublishingVCS → Failed
//	                                            → PublishedVCS → PublishingRegistry → PartialFailure
//	                                                                                → Complete
//
// Aborted and Cancelled cover failures that happen before verification
// (manifest shape, analyzer error, cancellation).
type RunState string

const (
	StateInit               RunState = "init"
	StateArtifactBuilt      RunState = "artifact-built"
	StateVerifying          RunState = "verifying"
	StateVerified           RunState = "verified"
	StatePublishingVCS      RunState = "publishing-vcs"
	StatePublishedVCS       RunState = "published-vcs"
	StatePublishingRegistry RunState = "publishing-registry"

	StateNoOp           RunState = "noop"
	StateRejected       RunState = "rejected"
	StateFailed         RunState = "failed"
	StatePartialFailure RunState = "partial-failure"
	StateComplete       RunState = "complete"
	StateAborted        RunState = "aborted"
	StateCancelled      RunState = "cancelled"
)

// String returns the string representation of RunState.
func (s RunState) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition leaves the state.
func (s RunState) IsTerminal() bool {
	switch s {
	case StateNoOp, StateRejected, StateFailed, StatePartialFailure,
		StateComplete, StateAborted, StateCancelled:
		return true
	default:
		return false
	}
}

// IsValid checks whether the RunState value is one of the defined states.
func (s RunState) IsValid() bool {
	switch s {
	case StateInit, StateArtifactBuilt, StateVerifying, StateVerified,
		StatePublishingVCS, StatePublishedVCS, StatePublishingRegistry:
		return true
	default:
		return s.IsTerminal()
	}
}

// ParseRunState converts a string to a RunState.
func ParseRunState(s string) (RunState, error) {
	state := RunState(strings.ToLower(s))
	if !state.IsValid() {
		return "", fmt.Errorf("invalid run state: %q", s)
	}
	return state, nil
}

// RunReport is the outcome of one pipeline run, as returned by the
// orchestrator and as reconstructed from the artifact store.
type RunReport struct {
	RunID    string          `json:"runId"`
	State    RunState        `json:"state"`
	Decision VersionDecision `json:"decision"`

	// ArtifactDigest is empty when no artifact was built.
	ArtifactDigest string `json:"artifactDigest,omitempty"`

	// Results holds one entry per stage in execution order, followed by
	// any retry attempts.
	Results []StageResult `json:"results"`

	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Overall returns the outcome of the last non-skipped stage. A run whose
// stages were all skipped reports OutcomeSkipped.
func (r *RunReport) Overall() Outcome {
	for i := len(r.Results) - 1; i >= 0; i-- {
		if r.Results[i].Outcome != OutcomeSkipped {
			return r.Results[i].Outcome
		}
	}
	return OutcomeSkipped
}

// Outcomes returns the outcome of each recorded result, in order.
func (r *RunReport) Outcomes() []Outcome {
	out := make([]Outcome, 0, len(r.Results))
	for _, res := range r.Results {
		out = append(out, res.Outcome)
	}
	return out
}

// Latest returns the most recent result recorded for stage.
func (r *RunReport) Latest(stage Stage) (StageResult, bool) {
	for i := len(r.Results) - 1; i >= 0; i-- {
		if r.Results[i].Stage == stage {
			return r.Results[i], true
		}
	}
	return StageResult{}, false
}

// ExitCode defines standard CLI exit codes. These codes allow CI systems
// to tell apart the different terminal states of a run.
type ExitCode int

const (
	// ExitSuccess indicates the run completed and both publishes succeeded.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitNoReleaseNeeded indicates the analyzer found nothing to release.
	// Not an error; use --allow-noop to map it to 0.
	ExitNoReleaseNeeded ExitCode = 2

	// ExitManifestShape indicates the manifest has zero or several
	// version declarations.
	ExitManifestShape ExitCode = 3

	// ExitVerificationFailed indicates the verification stage failed.
	ExitVerificationFailed ExitCode = 4

	// ExitPublishFailed indicates the source-control release failed and
	// the registry was never attempted.
	ExitPublishFailed ExitCode = 5

	// ExitPartialFailure indicates the source-control release exists but
	// the registry publish failed.
	ExitPartialFailure ExitCode = 6

	// ExitGitError indicates a Git operation failed.
	ExitGitError ExitCode = 7

	// ExitRunNotFound indicates the requested run id is unknown.
	ExitRunNotFound ExitCode = 8

	// ExitDockerNotRunning indicates the Docker daemon is not accessible.
	ExitDockerNotRunning ExitCode = 9

	// ExitCancelled indicates the run was cancelled before verification.
	ExitCancelled ExitCode = 10
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
