// Package statemachine holds the guarded transition tables for the task and
// step lifecycles. Modeled on the teacher orchestrator's StageStatus/
// StageMode constant-and-guard style, generalized from one linear stage list
// per job to the full task+step dual machine a DAG needs.
package statemachine

import (
	"time"

	"github.com/tasker-systems/tasker/internal/domain"
	taskerrors "github.com/tasker-systems/tasker/internal/pkg/errors"
)

// StepEvent names an event accepted by the step machine.
type StepEvent string

const (
	StepEventEnqueue        StepEvent = "enqueue"
	StepEventClaim          StepEvent = "claim"
	StepEventSuccess        StepEvent = "success"
	StepEventFailRetryable  StepEvent = "fail_retryable"
	StepEventFailPermanent  StepEvent = "fail_permanent"
	StepEventCheckpoint     StepEvent = "checkpoint"
	StepEventRetry          StepEvent = "retry"
	StepEventCancel         StepEvent = "cancel"
)

// StepGuardContext carries the facts a step transition's guard needs. The
// machine never reads the database itself; callers resolve these facts
// under the per-task advisory lock and pass them in.
type StepGuardContext struct {
	DependenciesSatisfied bool
	ClaimTokenValid       bool
	ResultsPresent        bool
	CheckpointPresent     bool
	Attempts              int
	MaxAttempts           int
	Now                   time.Time
	BackoffUntil          *time.Time
	TaskCancellable       bool
}

var stepTerminal = map[string]bool{
	domain.StepStateComplete:        true,
	domain.StepStateCompleteSkipped: true,
	domain.StepStateError:           true,
	domain.StepStateCancelled:       true,
}

func StepIsTerminal(state string) bool { return stepTerminal[state] }

// ApplyStep evaluates (from, event) against the step transition table and
// returns the target state. An unmatched (from, event) pair, or a guard
// failure, returns InvalidTransition and leaves the caller's state
// unchanged — the caller must not persist anything on error.
func ApplyStep(from string, event StepEvent, gc StepGuardContext) (string, *taskerrors.Error) {
	invalid := func() (string, *taskerrors.Error) {
		return "", taskerrors.InvalidTransition(from, "", string(event))
	}

	// cancel is accepted from any non-terminal state.
	if event == StepEventCancel {
		if stepTerminal[from] {
			return invalid()
		}
		if !gc.TaskCancellable {
			return invalid()
		}
		return domain.StepStateCancelled, nil
	}

	switch from {
	case domain.StepStatePending:
		if event == StepEventEnqueue {
			if !gc.DependenciesSatisfied {
				return invalid()
			}
			return domain.StepStateEnqueued, nil
		}
	case domain.StepStateEnqueued:
		if event == StepEventClaim {
			if !gc.ClaimTokenValid {
				return invalid()
			}
			return domain.StepStateInProgress, nil
		}
	case domain.StepStateInProgress:
		switch event {
		case StepEventSuccess:
			if !gc.ResultsPresent {
				return invalid()
			}
			return domain.StepStateComplete, nil
		case StepEventFailRetryable:
			if gc.Attempts < gc.MaxAttempts {
				return domain.StepStateBackoff, nil
			}
			return domain.StepStateError, nil
		case StepEventFailPermanent:
			return domain.StepStateError, nil
		case StepEventCheckpoint:
			if !gc.CheckpointPresent {
				return invalid()
			}
			return domain.StepStateInProgress, nil
		}
	case domain.StepStateBackoff:
		if event == StepEventRetry {
			if gc.BackoffUntil != nil && gc.Now.Before(*gc.BackoffUntil) {
				return invalid()
			}
			return domain.StepStateEnqueued, nil
		}
	}
	return invalid()
}
