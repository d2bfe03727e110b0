package readiness_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasker-systems/tasker/internal/domain"
	"github.com/tasker-systems/tasker/internal/pkg/dbctx"
	"github.com/tasker-systems/tasker/internal/readiness"
	"github.com/tasker-systems/tasker/internal/repos"
	"github.com/tasker-systems/tasker/internal/testutil"
)

// TestSQLAndSnapshotEvaluatorsAgree seeds an eight-step instance exercising
// every readiness predicate at once: "seed" is a pending root with no
// upstream (ready); "parent_done" is complete and feeds "after_done"
// (ready, since its only upstream is satisfied); "blocked" depends on
// "pending_sibling" (not ready), which is itself a pending root with no
// upstream (ready); "exhausted" is pending but has no
// attempts remaining (not ready); "cooling" is in backoff with a deadline
// in the future (not ready); "thawed" is in backoff with a deadline already
// past (ready).
func TestSQLAndSnapshotEvaluatorsAgree(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	stepRepo := repos.NewStepRepo(tx, testutil.Logger(t))

	tmpl := testutil.SeedTemplate(t, ctx, tx, "billing", "readiness_check", 1)
	task := testutil.SeedTask(t, ctx, tx, tmpl.ID, "billing", "readiness_check", domain.TaskStateInProgress)
	require.NoError(t, tx.WithContext(ctx).Model(&domain.Task{}).
		Where("task_uuid = ?", task.ID).Update("priority", 7).Error)
	task.Priority = 7

	testutil.SeedStep(t, ctx, tx, task.ID, "seed", domain.StepStatePending)

	parentDone := testutil.SeedStep(t, ctx, tx, task.ID, "parent_done", domain.StepStateComplete)
	afterDone := testutil.SeedStep(t, ctx, tx, task.ID, "after_done", domain.StepStatePending)
	testutil.SeedEdge(t, ctx, tx, task.ID, parentDone.ID, afterDone.ID)

	pendingSibling := testutil.SeedStep(t, ctx, tx, task.ID, "pending_sibling", domain.StepStatePending)
	blocked := testutil.SeedStep(t, ctx, tx, task.ID, "blocked", domain.StepStatePending)
	testutil.SeedEdge(t, ctx, tx, task.ID, pendingSibling.ID, blocked.ID)

	exhausted := testutil.SeedStep(t, ctx, tx, task.ID, "exhausted", domain.StepStatePending)
	require.NoError(t, tx.WithContext(ctx).Model(&domain.Step{}).
		Where("step_uuid = ?", exhausted.ID).Update("attempts", exhausted.MaxAttempts).Error)

	cooling := testutil.SeedStep(t, ctx, tx, task.ID, "cooling", domain.StepStateBackoff)
	future := time.Now().Add(time.Hour)
	require.NoError(t, tx.WithContext(ctx).Model(&domain.Step{}).
		Where("step_uuid = ?", cooling.ID).Update("backoff_until", future).Error)

	thawed := testutil.SeedStep(t, ctx, tx, task.ID, "thawed", domain.StepStateBackoff)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, tx.WithContext(ctx).Model(&domain.Step{}).
		Where("step_uuid = ?", thawed.ID).Update("backoff_until", past).Error)

	now := time.Now()

	sqlReady, err := readiness.NewSQLEvaluator(tx).Evaluate(task.ID, now)
	require.NoError(t, err)

	snap, err := stepRepo.GetDAGSnapshot(dbc, task.ID)
	require.NoError(t, err)
	snapReady := readiness.NewSnapshotEvaluator().Evaluate(snap, task.Priority, domain.TaskStateInProgress, now)

	wantNames := []string{"seed", "after_done", "pending_sibling", "thawed"}
	assert.ElementsMatch(t, wantNames, stepNames(sqlReady))
	assert.ElementsMatch(t, wantNames, stepNames(snapReady))

	require.Len(t, sqlReady, len(snapReady))
	for i := range sqlReady {
		assert.Equal(t, sqlReady[i].StepID, snapReady[i].StepID, "ordering must match at index %d", i)
		assert.Equal(t, sqlReady[i].TaskPriority, snapReady[i].TaskPriority)
	}
	for _, r := range sqlReady {
		assert.Equal(t, 7, r.TaskPriority)
	}
}

// TestSQLAndSnapshotEvaluatorsAgreeOnTaskState exercises the task-level gate
// (paused/finalizing/terminal tasks admit no new readiness regardless of
// individual step state) identically in both evaluators.
func TestSQLAndSnapshotEvaluatorsAgreeOnTaskState(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	stepRepo := repos.NewStepRepo(tx, testutil.Logger(t))

	for _, state := range []string{
		domain.TaskStatePaused,
		domain.TaskStateFinalizing,
		domain.TaskStateComplete,
		domain.TaskStateError,
		domain.TaskStateCancelled,
	} {
		tmpl := testutil.SeedTemplate(t, ctx, tx, "billing", "readiness_gate_"+state, 1)
		task := testutil.SeedTask(t, ctx, tx, tmpl.ID, "billing", "readiness_gate_"+state, state)
		testutil.SeedStep(t, ctx, tx, task.ID, "only", domain.StepStatePending)

		now := time.Now()
		sqlReady, err := readiness.NewSQLEvaluator(tx).Evaluate(task.ID, now)
		require.NoError(t, err)

		snap, err := stepRepo.GetDAGSnapshot(dbc, task.ID)
		require.NoError(t, err)
		snapReady := readiness.NewSnapshotEvaluator().Evaluate(snap, task.Priority, state, now)

		assert.Empty(t, sqlReady, "task state %q must admit no ready steps (sql)", state)
		assert.Empty(t, snapReady, "task state %q must admit no ready steps (snapshot)", state)
	}
}

func stepNames(rs []readiness.Ready) []string {
	names := make([]string, len(rs))
	for i, r := range rs {
		names[i] = r.StepName
	}
	sort.Strings(names)
	return names
}
