// Package engine implements the four coordinating actors that drive a
// task's DAG to completion: TaskRequestActor, StepEnqueuerActor,
// ResultProcessorActor, and TaskFinalizerActor. They are plain goroutines
// communicating over bounded channels, supervised by golang.org/x/sync/
// errgroup — not OS threads, per spec.md §5's scheduling model. Grounded on
// internal/jobs/worker.go's ticker-driven claim loop and
// internal/jobs/orchestrator/engine.go's retry/backoff helpers, generalized
// from one job-run's linear stage list to a full DAG's task+step machine.
package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tasker-systems/tasker/internal/pkg/logger"
	"github.com/tasker-systems/tasker/internal/queue"
	"github.com/tasker-systems/tasker/internal/readiness"
	"github.com/tasker-systems/tasker/internal/repos"
)

// Config bundles the channel capacities and batching knobs the four actors
// (plus the stale-claim reclaimer) need; sourced from platform/config.Config
// at startup.
type Config struct {
	ChannelCapacity          int
	StepEnqueueBatchSize     int
	StepEnqueueFlushInterval time.Duration
	ResultPollInterval       time.Duration
	ResultBatchSize          int
	DispatchQueueName        string
	CompletionQueueName      string
	AdvisoryLockNamespace    string

	// StaleClaimSweepInterval is how often the reclaimer sweeps the step
	// table; StaleClaimThreshold is how long a step may sit in_progress
	// with no activity before it's treated as abandoned and reclaimed.
	// Both derive from platform/config.Config's StaleClaimRecoverySeconds.
	StaleClaimSweepInterval time.Duration
	StaleClaimThreshold     time.Duration
}

// Engine owns the actor goroutines and the channels wiring them together.
type Engine struct {
	cfg Config

	submissions chan SubmissionRequest

	requestActor    *TaskRequestActor
	enqueuerActor   *StepEnqueuerActor
	processorActor  *ResultProcessorActor
	finalizerActor  *TaskFinalizerActor
	staleClaimActor *StaleClaimActor
}

// New wires the four actors' channels together per spec.md §4: the request
// actor's readiness output feeds the enqueuer, the processor's readiness
// and finalization output feeds the enqueuer and finalizer respectively. The
// stale-claim reclaimer runs alongside them, feeding the enqueuer whenever
// it frees up a step.
func New(
	gdb *gorm.DB,
	baseLog *logger.Logger,
	tmplRepo repos.TemplateRepo,
	taskRepo repos.TaskRepo,
	stepRepo repos.StepRepo,
	q queue.Queue,
	cfg Config,
) *Engine {
	submissions := make(chan SubmissionRequest, cfg.ChannelCapacity)
	toEnqueuer := make(chan enqueueRequest, cfg.ChannelCapacity)
	toFinalizer := make(chan finalizeRequest, cfg.ChannelCapacity)

	requestActor := NewTaskRequestActor(gdb, baseLog, tmplRepo, taskRepo, stepRepo, submissions, toEnqueuer)
	enqueuerActor := NewStepEnqueuerActor(baseLog, taskRepo, stepRepo, q, toEnqueuer, toFinalizer, cfg.StepEnqueueBatchSize, cfg.StepEnqueueFlushInterval)
	processorActor := NewResultProcessorActor(gdb, baseLog, q, taskRepo, stepRepo, cfg.CompletionQueueName, cfg.AdvisoryLockNamespace, cfg.ResultPollInterval, cfg.ResultBatchSize, toEnqueuer, toFinalizer)
	finalizerActor := NewTaskFinalizerActor(baseLog, taskRepo, stepRepo, toFinalizer)
	staleClaimActor := NewStaleClaimActor(baseLog, stepRepo, readiness.NewSQLEvaluator(gdb), cfg.StaleClaimSweepInterval, cfg.StaleClaimThreshold, toEnqueuer)

	return &Engine{
		cfg:             cfg,
		submissions:     submissions,
		requestActor:    requestActor,
		enqueuerActor:   enqueuerActor,
		processorActor:  processorActor,
		finalizerActor:  finalizerActor,
		staleClaimActor: staleClaimActor,
	}
}

// Submit hands a submission to TaskRequestActor and blocks for its result,
// respecting ctx cancellation on both the send and the receive side.
func (e *Engine) Submit(ctx context.Context, req SubmissionRequest) (SubmissionResult, error) {
	if req.Result == nil {
		req.Result = make(chan SubmissionResult, 1)
	}
	select {
	case e.submissions <- req:
	case <-ctx.Done():
		return SubmissionResult{}, ctx.Err()
	}
	select {
	case res := <-req.Result:
		return res, nil
	case <-ctx.Done():
		return SubmissionResult{}, ctx.Err()
	}
}

// Run starts the four actors plus StaleClaimActor and blocks until ctx is
// cancelled or one of them returns an unrecoverable error. On cancellation
// each actor returns promptly; messages still buffered in the actors' input
// channels are not drained or processed.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.requestActor.Run(gctx) })
	g.Go(func() error { return e.enqueuerActor.Run(gctx) })
	g.Go(func() error { return e.processorActor.Run(gctx) })
	g.Go(func() error { return e.finalizerActor.Run(gctx) })
	g.Go(func() error { return e.staleClaimActor.Run(gctx) })
	return g.Wait()
}
