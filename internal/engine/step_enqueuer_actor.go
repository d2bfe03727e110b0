package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/tasker-systems/tasker/internal/domain"
	"github.com/tasker-systems/tasker/internal/pkg/dbctx"
	taskerrors "github.com/tasker-systems/tasker/internal/pkg/errors"
	"github.com/tasker-systems/tasker/internal/pkg/logger"
	"github.com/tasker-systems/tasker/internal/queue"
	"github.com/tasker-systems/tasker/internal/repos"
)

// StepEnqueuerActor drains ready-set notifications, builds one dispatch
// message per ready step, and transitions each pending|backoff step to
// enqueued. Grounded on spec.md §4.4's batching/backpressure contract: a
// bounded input channel, group-by-destination-queue batching, flush on
// batch-full or timer.
type StepEnqueuerActor struct {
	log      *logger.Logger
	taskRepo repos.TaskRepo
	stepRepo repos.StepRepo
	q        queue.Queue

	in          chan enqueueRequest
	toFinalizer chan<- finalizeRequest

	batchSize     int
	flushInterval time.Duration
}

func NewStepEnqueuerActor(
	baseLog *logger.Logger,
	taskRepo repos.TaskRepo,
	stepRepo repos.StepRepo,
	q queue.Queue,
	in chan enqueueRequest,
	toFinalizer chan<- finalizeRequest,
	batchSize int,
	flushInterval time.Duration,
) *StepEnqueuerActor {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	return &StepEnqueuerActor{
		log:           baseLog.With("component", "StepEnqueuerActor"),
		taskRepo:      taskRepo,
		stepRepo:      stepRepo,
		q:             q,
		in:            in,
		toFinalizer:   toFinalizer,
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

func (a *StepEnqueuerActor) Run(ctx context.Context) error {
	pending := make(map[string][]queue.DispatchMessage) // queueName -> batch
	flush := time.NewTicker(a.flushInterval)
	defer flush.Stop()

	flushAll := func() {
		for name, batch := range pending {
			if len(batch) == 0 {
				continue
			}
			a.dispatch(ctx, name, batch)
			delete(pending, name)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flushAll()
			return ctx.Err()
		case <-flush.C:
			flushAll()
		case req, ok := <-a.in:
			if !ok {
				flushAll()
				return nil
			}
			msgs, queueName, err := a.buildMessages(ctx, req)
			if err != nil {
				a.log.Warn("failed building dispatch messages", "error", err, "task_uuid", req.TaskID)
				continue
			}
			pending[queueName] = append(pending[queueName], msgs...)
			if len(pending[queueName]) >= a.batchSize {
				a.dispatch(ctx, queueName, pending[queueName])
				delete(pending, queueName)
			}
		}
	}
}

func (a *StepEnqueuerActor) buildMessages(ctx context.Context, req enqueueRequest) ([]queue.DispatchMessage, string, error) {
	dbc := dbctx.Context{Ctx: ctx}
	task, err := a.taskRepo.GetByID(dbc, req.TaskID)
	if err != nil {
		return nil, "", err
	}
	if task == nil {
		return nil, "", fmt.Errorf("task %s vanished before enqueue", req.TaskID)
	}
	snap, err := a.stepRepo.GetDAGSnapshot(dbc, req.TaskID)
	if err != nil {
		return nil, "", err
	}

	byID := make(map[uuid.UUID]*domain.Step, len(snap.Steps))
	for _, s := range snap.Steps {
		byID[s.ID] = s
	}
	parents := make(map[uuid.UUID][]uuid.UUID, len(snap.Edges))
	for _, e := range snap.Edges {
		parents[e.ChildStepID] = append(parents[e.ChildStepID], e.ParentStepID)
	}

	queueName := "dispatch:" + task.Namespace
	msgs := make([]queue.DispatchMessage, 0, len(req.Ready))
	for _, r := range req.Ready {
		step, ok := byID[r.StepID]
		if !ok {
			continue
		}
		var depResults map[string]datatypes.JSON
		if parentIDs := parents[step.ID]; len(parentIDs) > 0 {
			depResults = make(map[string]datatypes.JSON, len(parentIDs))
			for _, parentID := range parentIDs {
				if parent, ok := byID[parentID]; ok && len(parent.Results) > 0 {
					depResults[parent.StepName] = parent.Results
				}
			}
		}

		rp := step.RetryPolicy.Data()
		msgs = append(msgs, queue.DispatchMessage{
			EventID:       uuid.Must(uuid.NewV7()),
			TaskID:        task.ID,
			StepID:        step.ID,
			CorrelationID: task.CorrelationID,
			Attempt:       step.Attempts + 1,
			Task: queue.TaskSummary{
				Context:   task.Context,
				Namespace: task.Namespace,
				Name:      task.Name,
				Version:   task.Version,
				Priority:  task.Priority,
			},
			StepDefinition: queue.StepDefinition{
				HandlerCallable:       step.HandlerCallable,
				HandlerInitialization: step.HandlerInitialization,
				TimeoutSeconds:        step.TimeoutSeconds,
				Retry: queue.RetryPolicy{
					MaxAttempts: rp.MaxAttempts,
					BackoffKind: rp.BackoffKind,
					BaseMS:      rp.BaseMS,
					MaxMS:       rp.MaxMS,
				},
			},
			DependencyResults: depResults,
			Checkpoint:        resumeCheckpoint(step),
		})
	}
	return msgs, queueName, nil
}

func (a *StepEnqueuerActor) dispatch(ctx context.Context, queueName string, batch []queue.DispatchMessage) {
	if err := a.q.EnqueueDispatch(ctx, queueName, batch); err != nil {
		if qerr, ok := asQueuePermanent(err); ok {
			a.failPermanently(ctx, batch, qerr)
			return
		}
		a.log.Warn("transient enqueue failure, batch dropped for next readiness pass", "error", err, "queue", queueName)
		return
	}

	dbc := dbctx.Context{Ctx: ctx}
	for _, m := range batch {
		step, err := a.stepRepo.GetByID(dbc, m.StepID)
		if err != nil || step == nil {
			continue
		}
		_, _ = a.stepRepo.TransitionState(dbc, m.StepID, step.CurrentState, domain.StepStateEnqueued, "enqueue", "", "")
	}
}

func (a *StepEnqueuerActor) failPermanently(ctx context.Context, batch []queue.DispatchMessage, reason error) {
	dbc := dbctx.Context{Ctx: ctx}
	for _, m := range batch {
		step, err := a.stepRepo.GetByID(dbc, m.StepID)
		if err != nil || step == nil {
			continue
		}
		if _, err := a.stepRepo.TransitionState(dbc, m.StepID, step.CurrentState, domain.StepStateError, "enqueue_permanently_failed", "", ""); err != nil {
			a.log.Error("failed marking step error after permanent enqueue rejection", "error", err, "step_uuid", m.StepID)
			continue
		}
		_ = a.stepRepo.SetLastError(dbc, m.StepID, "queue_permanent", reason.Error())
		select {
		case a.toFinalizer <- finalizeRequest{TaskID: m.TaskID}:
		case <-ctx.Done():
			return
		}
	}
}

func asQueuePermanent(err error) (error, bool) {
	if qerr, ok := taskerrors.As(err); ok && qerr.Kind == taskerrors.KindQueuePermanent {
		return qerr, true
	}
	return err, false
}
