package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker/internal/domain"
	taskerrors "github.com/tasker-systems/tasker/internal/pkg/errors"
	"github.com/tasker-systems/tasker/internal/pkg/dbctx"
	"github.com/tasker-systems/tasker/internal/queue"
	"github.com/tasker-systems/tasker/internal/repos"
	"github.com/tasker-systems/tasker/internal/statemachine"
)

// Cancel implements spec.md §5's cancel_task(task_uuid): transitions the
// task to cancelled, cascades the same event to every non-terminal step,
// and tells the queue to stop redelivering their in-flight dispatch
// messages. Idempotent — cancelling an already-terminal task is a no-op,
// not an error.
func (e *Engine) Cancel(ctx context.Context, taskID uuid.UUID) error {
	return cancelTask(ctx, e.requestActor.taskRepo, e.requestActor.stepRepo, e.enqueuerActor.q, taskID)
}

func cancelTask(ctx context.Context, taskRepo repos.TaskRepo, stepRepo repos.StepRepo, q queue.Queue, taskID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}

	task, err := taskRepo.GetByID(dbc, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return taskerrors.Validation("task_not_found", nil)
	}
	queueName := "dispatch:" + task.Namespace
	if statemachine.TaskIsTerminal(task.CurrentState) {
		return nil
	}

	to, machineErr := statemachine.ApplyTask(task.CurrentState, statemachine.TaskEventCancel, statemachine.TaskGuardContext{})
	if machineErr != nil {
		return machineErr
	}
	applied, err := taskRepo.TransitionState(dbc, taskID, task.CurrentState, to, string(statemachine.TaskEventCancel), task.CorrelationID)
	if err != nil {
		return err
	}
	if !applied {
		// Lost a race with the finalizer or another cancel; the task is
		// already moving to some terminal state, which satisfies the caller.
		return nil
	}

	steps, err := stepRepo.GetByTaskID(dbc, taskID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if statemachine.StepIsTerminal(s.CurrentState) {
			continue
		}
		if _, err := stepRepo.TransitionState(dbc, s.ID, s.CurrentState, domain.StepStateCancelled, string(statemachine.StepEventCancel), "", task.CorrelationID); err != nil {
			return err
		}
		if q != nil {
			if err := q.CancelStep(ctx, queueName, s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
