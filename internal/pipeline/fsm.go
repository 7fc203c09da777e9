package pipeline

import (
	"errors"
	"fmt"

	"github.com/shinji-kodama/release-pipeline/internal/manifest"
	"github.com/shinji-kodama/release-pipeline/internal/model"
)

// Event drives a run from one state to the next.
type Event string

const (
	// EventStart enters the stage that follows a waiting state.
	EventStart Event = "start"

	// EventPassed and EventFailed report the outcome of the running stage.
	EventPassed Event = "passed"
	EventFailed Event = "failed"

	// EventNoRelease reports an analyzer decision without a release.
	EventNoRelease Event = "no-release"

	// EventCancelled reports that the run's context was cancelled before
	// the next stage could be entered.
	EventCancelled Event = "cancelled"
)

// transitions is the complete state machine. A (state, event) pair that
// is absent is an invalid transition.
//
// PartialFailure accepts EventStart: it is the only terminal state that
// can be resumed, and only into the registry publish.
var transitions = map[model.RunState]map[Event]model.RunState{
	model.StateInit: {
		EventNoRelease: model.StateNoOp,
		EventPassed:    model.StateArtifactBuilt,
		EventFailed:    model.StateAborted,
		EventCancelled: model.StateCancelled,
	},
	model.StateArtifactBuilt: {
		EventStart:     model.StateVerifying,
		EventCancelled: model.StateCancelled,
	},
	model.StateVerifying: {
		EventPassed:    model.StateVerified,
		EventFailed:    model.StateRejected,
		EventCancelled: model.StateCancelled,
	},
	model.StateVerified: {
		EventStart:     model.StatePublishingVCS,
		EventCancelled: model.StateCancelled,
	},
	model.StatePublishingVCS: {
		EventPassed: model.StatePublishedVCS,
		EventFailed: model.StateFailed,
	},
	model.StatePublishedVCS: {
		EventStart:     model.StatePublishingRegistry,
		EventCancelled: model.StatePartialFailure,
	},
	model.StatePublishingRegistry: {
		EventPassed: model.StateComplete,
		EventFailed: model.StatePartialFailure,
	},
	model.StatePartialFailure: {
		EventStart: model.StatePublishingRegistry,
	},
}

// stageOf maps each running state to the stage it executes.
var stageOf = map[model.RunState]model.Stage{
	model.StateInit:               model.StageDryRun,
	model.StateVerifying:          model.StageVerify,
	model.StatePublishingVCS:      model.StagePublishVCS,
	model.StatePublishingRegistry: model.StagePublishRegistry,
}

// Next returns the state reached from state on event.
func Next(state model.RunState, event Event) (model.RunState, error) {
	if next, ok := transitions[state][event]; ok {
		return next, nil
	}
	return "", fmt.Errorf("invalid transition: %s on %s", state, event)
}

// StageOf returns the stage executed in a running state.
func StageOf(state model.RunState) (model.Stage, bool) {
	s, ok := stageOf[state]
	return s, ok
}

// skipReason explains why the stages after a terminal state did not run.
func skipReason(state model.RunState) string {
	switch state {
	case model.StateNoOp:
		return "no release needed"
	case model.StateAborted:
		return "dry run failed"
	case model.StateRejected:
		return "verification failed"
	case model.StateFailed:
		return "source-control publish failed"
	case model.StateCancelled, model.StatePartialFailure:
		return "cancelled"
	default:
		return string(state)
	}
}

// StateError maps a run's final state to the error returned to the
// caller. It returns nil only for StateComplete. cause is the error of the
// stage that decided the state, if any.
func StateError(runID string, state model.RunState, cause error) error {
	switch state {
	case model.StateComplete:
		return nil
	case model.StateNoOp:
		return model.NewCLIError(model.ExitNoReleaseNeeded, "no release needed")
	case model.StateAborted:
		if errors.Is(cause, manifest.ErrManifestShape) {
			return model.WrapCLIError(model.ExitManifestShape, "release aborted: manifest is not in the expected shape", cause)
		}
		var cliErr *model.CLIError
		if errors.As(cause, &cliErr) {
			return model.WrapCLIError(cliErr.Code, "release aborted", cause)
		}
		return model.WrapCLIError(model.ExitGeneralError, "release aborted", cause)
	case model.StateRejected:
		return model.WrapCLIError(model.ExitVerificationFailed, "verification failed", cause)
	case model.StateFailed:
		return model.WrapCLIError(model.ExitPublishFailed, "source-control publish failed", cause)
	case model.StatePartialFailure:
		return model.WrapCLIError(model.ExitPartialFailure,
			fmt.Sprintf("registry publish failed after the source-control release; resume with `retry-registry %s`", runID), cause)
	case model.StateCancelled:
		return model.WrapCLIError(model.ExitCancelled, "run cancelled", cause)
	default:
		return model.NewCLIError(model.ExitGeneralError, fmt.Sprintf("run %s stopped in non-terminal state %s", runID, state))
	}
}
