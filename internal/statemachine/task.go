package statemachine

import (
	"github.com/tasker-systems/tasker/internal/domain"
	taskerrors "github.com/tasker-systems/tasker/internal/pkg/errors"
)

// TaskEvent names an event accepted by the task machine.
type TaskEvent string

const (
	// TaskEventMaterialize moves a freshly-submitted task out of pending
	// once TaskRequestActor has committed its steps and edges.
	TaskEventMaterialize TaskEvent = "materialize"
	// TaskEventBegin moves a materialized task into in_progress, just
	// before the first readiness evaluation runs.
	TaskEventBegin TaskEvent = "begin"
	TaskEventPause  TaskEvent = "pause"
	TaskEventResume TaskEvent = "resume"
	// TaskEventFinalizeStart marks the window between the last step
	// reaching a terminal state and TaskFinalizerActor committing the
	// task's own terminal transition.
	TaskEventFinalizeStart TaskEvent = "finalize_start"
	TaskEventFinalizeComplete  TaskEvent = "finalize_complete"
	TaskEventFinalizeError     TaskEvent = "finalize_error"
	TaskEventFinalizeCancelled TaskEvent = "finalize_cancelled"
	TaskEventCancel            TaskEvent = "cancel"
	TaskEventResolveManually   TaskEvent = "resolve_manually"
)

var taskTerminal = map[string]bool{
	domain.TaskStateComplete:         true,
	domain.TaskStateError:            true,
	domain.TaskStateCancelled:        true,
	domain.TaskStateResolvedManually: true,
}

func TaskIsTerminal(state string) bool { return taskTerminal[state] }

// TaskProgressPermitted reports whether the readiness evaluator may
// schedule work for a task in this state (spec §4.1 guard 5).
func TaskProgressPermitted(state string) bool {
	return state == domain.TaskStatePending || state == domain.TaskStateInProgress
}

// TaskGuardContext carries facts a task transition's guard needs.
type TaskGuardContext struct {
	// AllStepsTerminal / AnyStepError / AnyStepCancelled summarize the
	// multiset of step terminal states, computed by TaskFinalizerActor.
	AllStepsTerminal bool
	AnyStepError     bool
	AnyStepCancelled bool
}

// ApplyTask evaluates (from, event) against the task transition table.
func ApplyTask(from string, event TaskEvent, gc TaskGuardContext) (string, *taskerrors.Error) {
	invalid := func() (string, *taskerrors.Error) {
		return "", taskerrors.InvalidTransition(from, "", string(event))
	}

	if event == TaskEventCancel {
		if taskTerminal[from] {
			return invalid()
		}
		return domain.TaskStateCancelled, nil
	}

	switch from {
	case domain.TaskStatePending:
		if event == TaskEventMaterialize {
			return domain.TaskStateMaterializing, nil
		}
	case domain.TaskStateMaterializing:
		if event == TaskEventBegin {
			return domain.TaskStateInProgress, nil
		}
	case domain.TaskStateInProgress:
		switch event {
		case TaskEventPause:
			return domain.TaskStatePaused, nil
		case TaskEventFinalizeStart:
			if !gc.AllStepsTerminal {
				return invalid()
			}
			return domain.TaskStateFinalizing, nil
		}
	case domain.TaskStatePaused:
		if event == TaskEventResume {
			return domain.TaskStateInProgress, nil
		}
	case domain.TaskStateFinalizing:
		switch event {
		case TaskEventFinalizeComplete:
			if !gc.AllStepsTerminal || gc.AnyStepError || gc.AnyStepCancelled {
				return invalid()
			}
			return domain.TaskStateComplete, nil
		case TaskEventFinalizeError:
			if !gc.AllStepsTerminal || !gc.AnyStepError {
				return invalid()
			}
			return domain.TaskStateError, nil
		case TaskEventFinalizeCancelled:
			if !gc.AllStepsTerminal || gc.AnyStepError || !gc.AnyStepCancelled {
				return invalid()
			}
			return domain.TaskStateCancelled, nil
		}
	case domain.TaskStateError:
		if event == TaskEventResolveManually {
			return domain.TaskStateResolvedManually, nil
		}
	}
	return invalid()
}

// EvaluateFinalOutcome implements spec §4.7's evaluation of the multiset of
// step terminal states, returning the event TaskFinalizerActor should fire,
// or "" if no transition applies yet (some steps still running or ready).
func EvaluateFinalOutcome(gc TaskGuardContext) TaskEvent {
	if !gc.AllStepsTerminal {
		return ""
	}
	if gc.AnyStepError {
		return TaskEventFinalizeError
	}
	if gc.AnyStepCancelled {
		return TaskEventFinalizeCancelled
	}
	return TaskEventFinalizeComplete
}
