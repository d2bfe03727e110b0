package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker/internal/domain"
	"github.com/tasker-systems/tasker/internal/pkg/dbctx"
	"github.com/tasker-systems/tasker/internal/pkg/logger"
	"github.com/tasker-systems/tasker/internal/readiness"
	"github.com/tasker-systems/tasker/internal/repos"
)

// StaleClaimActor is the engine-level safety net behind
// config.StaleClaimRecoverySeconds: a periodic sweep of steps that have
// sat in_progress for longer than the configured window and resets them to
// pending so they're picked up by the next readiness pass. This mirrors the
// teacher's ChildStaleRunning heartbeat check, generalized from one
// job-run's child-process liveness to a step's queue-claim liveness.
//
// It complements, rather than replaces, pgqueue's and redisqueue's own
// lease-expiry redelivery: a queue backend can only redeliver a message it
// still holds. A step whose dispatch message was lost outright (evicted,
// manually purged, a backend bug) would otherwise sit in_progress forever
// with nothing to redeliver it; this sweep catches that case directly
// against the step table.
type StaleClaimActor struct {
	log  *logger.Logger
	step repos.StepRepo
	sql  *readiness.SQLEvaluator

	interval  time.Duration
	threshold time.Duration

	toEnq chan<- enqueueRequest
}

func NewStaleClaimActor(
	baseLog *logger.Logger,
	step repos.StepRepo,
	sql *readiness.SQLEvaluator,
	interval, threshold time.Duration,
	toEnq chan<- enqueueRequest,
) *StaleClaimActor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if threshold <= 0 {
		threshold = 2 * time.Minute
	}
	return &StaleClaimActor{
		log:       baseLog.With("component", "StaleClaimActor"),
		step:      step,
		sql:       sql,
		interval:  interval,
		threshold: threshold,
		toEnq:     toEnq,
	}
}

func (a *StaleClaimActor) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *StaleClaimActor) sweep(ctx context.Context) {
	dbc := dbctx.Context{Ctx: ctx}
	cutoff := time.Now().Add(-a.threshold)

	stale, err := a.step.FindStaleInProgress(dbc, cutoff)
	if err != nil {
		a.log.Warn("stale-claim sweep failed to list candidates", "error", err)
		return
	}

	touched := make(map[uuid.UUID]struct{})
	for _, s := range stale {
		ok, err := a.step.TransitionState(dbc, s.ID, domain.StepStateInProgress, domain.StepStatePending, "stale_claim_reclaim", "", "")
		if err != nil {
			a.log.Warn("stale-claim reclaim transition failed", "error", err, "step_uuid", s.ID)
			continue
		}
		if !ok {
			continue
		}
		a.log.Info("reclaimed stale in_progress step", "step_uuid", s.ID, "task_uuid", s.TaskID, "stale_since", s.UpdatedAt)
		touched[s.TaskID] = struct{}{}
	}

	for taskID := range touched {
		a.notifyReady(ctx, taskID)
	}
}

func (a *StaleClaimActor) notifyReady(ctx context.Context, taskID uuid.UUID) {
	ready, err := a.sql.Evaluate(taskID, time.Now())
	if err != nil {
		a.log.Warn("readiness re-evaluation failed after stale-claim reclaim", "error", err, "task_uuid", taskID)
		return
	}
	if len(ready) == 0 {
		return
	}
	select {
	case a.toEnq <- enqueueRequest{TaskID: taskID, Ready: ready}:
	case <-ctx.Done():
	}
}
