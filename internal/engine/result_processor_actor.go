package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tasker-systems/tasker/internal/domain"
	"github.com/tasker-systems/tasker/internal/pkg/dbctx"
	taskdb "github.com/tasker-systems/tasker/internal/platform/db"
	"github.com/tasker-systems/tasker/internal/pkg/logger"
	"github.com/tasker-systems/tasker/internal/queue"
	"github.com/tasker-systems/tasker/internal/readiness"
	"github.com/tasker-systems/tasker/internal/repos"
	"github.com/tasker-systems/tasker/internal/statemachine"
)

// ResultProcessorActor polls the completion side of the queue and applies
// each outcome under the per-task advisory lock, per spec.md §4.5/§5: step
// transitions for the same task are totally ordered, across tasks they are
// not. Grounded on internal/jobs/worker.go's ticker-driven claim loop.
type ResultProcessorActor struct {
	gdb  *gorm.DB
	log  *logger.Logger
	q    queue.Queue
	task repos.TaskRepo
	step repos.StepRepo
	sql  *readiness.SQLEvaluator

	queueName     string
	pollInterval  time.Duration
	batchSize     int
	lockNamespace string

	toEnq       chan<- enqueueRequest
	toFinalizer chan<- finalizeRequest
}

func NewResultProcessorActor(
	gdb *gorm.DB,
	baseLog *logger.Logger,
	q queue.Queue,
	task repos.TaskRepo,
	step repos.StepRepo,
	queueName, lockNamespace string,
	pollInterval time.Duration,
	batchSize int,
	toEnq chan<- enqueueRequest,
	toFinalizer chan<- finalizeRequest,
) *ResultProcessorActor {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	return &ResultProcessorActor{
		gdb:           gdb,
		log:           baseLog.With("component", "ResultProcessorActor"),
		q:             q,
		task:          task,
		step:          step,
		sql:           readiness.NewSQLEvaluator(gdb),
		queueName:     queueName,
		lockNamespace: lockNamespace,
		pollInterval:  pollInterval,
		batchSize:     batchSize,
		toEnq:         toEnq,
		toFinalizer:   toFinalizer,
	}
}

func (a *ResultProcessorActor) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

func (a *ResultProcessorActor) poll(ctx context.Context) {
	claimed, err := a.q.ClaimCompletions(ctx, a.queueName, a.batchSize)
	if err != nil {
		a.log.Warn("ClaimCompletions failed", "error", err)
		return
	}
	for _, c := range claimed {
		a.process(ctx, c)
	}
}

func (a *ResultProcessorActor) process(ctx context.Context, c queue.ClaimedCompletion) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("panic processing completion", "panic", r, "step_uuid", c.Message.StepID)
		}
	}()

	msg := c.Message
	dbc := dbctx.Context{Ctx: ctx}

	task, err := a.task.GetByID(dbc, msg.TaskID)
	if err != nil || task == nil {
		a.log.Warn("completion for unknown task", "task_uuid", msg.TaskID, "error", err)
		return
	}

	var terminal bool
	var retryPolicy domain.RetryPolicy
	lockErr := taskdb.WithTaskLock(ctx, a.gdb, a.lockNamespace, task.ID.String(), func(tx *gorm.DB) error {
		t := dbctx.Context{Ctx: ctx, Tx: tx}
		step, err := a.step.GetByID(t, msg.StepID)
		if err != nil {
			return err
		}
		if step == nil {
			return nil
		}
		if msg.Attempt < step.Attempts {
			// Stale retry result from a superseded attempt; ignore.
			return nil
		}
		retryPolicy = step.RetryPolicy.Data()

		switch msg.Kind {
		case queue.OutcomeCheckpoint:
			return a.step.UpdateCheckpoint(t, step.ID, checkpointFromMessage(msg))
		case queue.OutcomeSuccess:
			if err := a.step.UpdateResults(t, step.ID, msg.Results); err != nil {
				return err
			}
			_, err = a.step.TransitionState(t, step.ID, step.CurrentState, domain.StepStateComplete, string(statemachine.StepEventSuccess), "", task.CorrelationID)
			terminal = terminal || err == nil
			return err
		case queue.OutcomeFailurePermanent:
			if err := a.step.SetLastError(t, step.ID, msg.ErrorKind, msg.Message); err != nil {
				return err
			}
			_, err = a.step.TransitionState(t, step.ID, step.CurrentState, domain.StepStateError, string(statemachine.StepEventFailPermanent), "", "")
			terminal = terminal || err == nil
			return err
		case queue.OutcomeFailureRetryable:
			if err := a.step.SetLastError(t, step.ID, msg.ErrorKind, msg.Message); err != nil {
				return err
			}
			if shouldRetry(retryPolicy, step.Attempts) {
				until := time.Now().Add(computeBackoff(retryPolicy, step.Attempts))
				if err := a.step.SetBackoffUntil(t, step.ID, until); err != nil {
					return err
				}
				_, err = a.step.TransitionState(t, step.ID, step.CurrentState, domain.StepStateBackoff, string(statemachine.StepEventFailRetryable), "", "")
				return err
			}
			_, err = a.step.TransitionState(t, step.ID, step.CurrentState, domain.StepStateError, string(statemachine.StepEventFailRetryable), "", "")
			terminal = terminal || err == nil
			return err
		}
		return nil
	})
	if lockErr != nil {
		a.log.Warn("completion processing failed, leaving message for redelivery", "error", lockErr, "step_uuid", msg.StepID)
		return
	}

	if msg.Kind == queue.OutcomeCheckpoint {
		if err := a.q.ExtendLease(ctx, c.Receipt, leaseExtension(retryPolicy)); err != nil {
			a.log.Warn("lease extension failed", "error", err, "receipt", c.Receipt)
		}
		return
	}
	if err := a.q.Ack(ctx, c.Receipt); err != nil {
		a.log.Warn("ack failed", "error", err, "receipt", c.Receipt)
	}

	if terminal {
		a.reevaluate(ctx, task.ID)
	}
}

func (a *ResultProcessorActor) reevaluate(ctx context.Context, taskID uuid.UUID) {
	ready, err := a.sql.Evaluate(taskID, time.Now())
	if err != nil {
		a.log.Warn("readiness re-evaluation failed", "error", err, "task_uuid", taskID)
		return
	}
	if len(ready) > 0 {
		select {
		case a.toEnq <- enqueueRequest{TaskID: taskID, Ready: ready}:
		case <-ctx.Done():
			return
		}
	}
	select {
	case a.toFinalizer <- finalizeRequest{TaskID: taskID}:
	case <-ctx.Done():
	}
}
