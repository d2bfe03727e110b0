package engine

import (
	"context"

	"github.com/tasker-systems/tasker/internal/domain"
	"github.com/tasker-systems/tasker/internal/pkg/dbctx"
	"github.com/tasker-systems/tasker/internal/pkg/logger"
	"github.com/tasker-systems/tasker/internal/repos"
	"github.com/tasker-systems/tasker/internal/statemachine"
)

// TaskFinalizerActor evaluates whether a task's steps have all reached a
// terminal state and, if so, drives the task to its own terminal
// transition (spec.md §4.7).
type TaskFinalizerActor struct {
	log  *logger.Logger
	task repos.TaskRepo
	step repos.StepRepo

	in chan finalizeRequest
}

func NewTaskFinalizerActor(baseLog *logger.Logger, task repos.TaskRepo, step repos.StepRepo, in chan finalizeRequest) *TaskFinalizerActor {
	return &TaskFinalizerActor{
		log:  baseLog.With("component", "TaskFinalizerActor"),
		task: task,
		step: step,
		in:   in,
	}
}

func (a *TaskFinalizerActor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-a.in:
			if !ok {
				return nil
			}
			a.handle(ctx, req)
		}
	}
}

func (a *TaskFinalizerActor) handle(ctx context.Context, req finalizeRequest) {
	dbc := dbctx.Context{Ctx: ctx}

	task, err := a.task.GetByID(dbc, req.TaskID)
	if err != nil || task == nil {
		if err != nil {
			a.log.Warn("failed loading task for finalization", "error", err, "task_uuid", req.TaskID)
		}
		return
	}
	if statemachine.TaskIsTerminal(task.CurrentState) {
		return
	}

	steps, err := a.step.GetByTaskID(dbc, req.TaskID)
	if err != nil {
		a.log.Warn("failed loading steps for finalization", "error", err, "task_uuid", req.TaskID)
		return
	}

	gc := statemachine.TaskGuardContext{AllStepsTerminal: true}
	var failing []string
	for _, s := range steps {
		switch s.CurrentState {
		case domain.StepStateComplete, domain.StepStateCompleteSkipped:
		case domain.StepStateError:
			gc.AnyStepError = true
			failing = append(failing, s.StepName)
		case domain.StepStateCancelled:
			gc.AnyStepCancelled = true
		default:
			gc.AllStepsTerminal = false
		}
	}

	event := statemachine.EvaluateFinalOutcome(gc)
	if event == "" {
		return
	}

	from := task.CurrentState
	if from == domain.TaskStateInProgress || from == domain.TaskStatePaused {
		applied, err := a.task.TransitionState(dbc, req.TaskID, from, domain.TaskStateFinalizing, string(statemachine.TaskEventFinalizeStart), task.CorrelationID)
		if err != nil || !applied {
			if err != nil {
				a.log.Warn("failed entering finalizing state", "error", err, "task_uuid", req.TaskID)
			}
			return
		}
		from = domain.TaskStateFinalizing
	}

	var to string
	switch event {
	case statemachine.TaskEventFinalizeComplete:
		to = domain.TaskStateComplete
	case statemachine.TaskEventFinalizeError:
		to = domain.TaskStateError
	case statemachine.TaskEventFinalizeCancelled:
		to = domain.TaskStateCancelled
	default:
		return
	}

	if gc.AnyStepError && len(failing) > 0 {
		if err := a.task.SetFailingSteps(dbc, req.TaskID, failing); err != nil {
			a.log.Warn("failed recording failing steps", "error", err, "task_uuid", req.TaskID)
		}
	}

	if _, err := a.task.TransitionState(dbc, req.TaskID, from, to, string(event), task.CorrelationID); err != nil {
		a.log.Warn("failed applying terminal task transition", "error", err, "task_uuid", req.TaskID, "to", to)
	}
}
