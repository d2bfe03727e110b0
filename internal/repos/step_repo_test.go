package repos_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasker-systems/tasker/internal/domain"
	"github.com/tasker-systems/tasker/internal/pkg/dbctx"
	"github.com/tasker-systems/tasker/internal/repos"
	"github.com/tasker-systems/tasker/internal/testutil"
)

func TestStepRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	tmpl := testutil.SeedTemplate(t, ctx, tx, "billing", "charge_customer", 1)
	task := testutil.SeedTask(t, ctx, tx, tmpl.ID, "billing", "charge_customer", domain.TaskStateInProgress)

	repo := repos.NewStepRepo(db, testutil.Logger(t))

	parent := testutil.SeedStep(t, ctx, tx, task.ID, "validate", domain.StepStatePending)
	child := testutil.SeedStep(t, ctx, tx, task.ID, "charge", domain.StepStatePending)
	testutil.SeedEdge(t, ctx, tx, task.ID, parent.ID, child.ID)

	snapshot, err := repo.GetDAGSnapshot(dbc, task.ID)
	require.NoError(t, err)
	assert.Len(t, snapshot.Steps, 2)
	assert.Len(t, snapshot.Edges, 1)

	applied, err := repo.TransitionState(dbc, parent.ID, domain.StepStatePending, domain.StepStateEnqueued, "enqueue", "", "corr-1")
	require.NoError(t, err)
	assert.True(t, applied)

	ok, err := repo.ClaimAndTransition(tx, parent.ID, "worker-1", "corr-1")
	require.NoError(t, err)
	assert.True(t, ok)

	claimed, err := repo.GetByID(dbc, parent.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, domain.StepStateInProgress, claimed.CurrentState)
	assert.Equal(t, 1, claimed.Attempts)

	// A second claim against the same in_progress step is treated as a
	// reclaim (the first claimant's lease expired without Ack/Nack), not a
	// lost race — it succeeds without re-incrementing Attempts.
	ok, err = repo.ClaimAndTransition(tx, parent.ID, "worker-2", "corr-1")
	require.NoError(t, err)
	assert.True(t, ok)

	reclaimed, err := repo.GetByID(dbc, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepStateInProgress, reclaimed.CurrentState)
	assert.Equal(t, 1, reclaimed.Attempts, "reclaim must not bump Attempts again")

	// Once the step has actually moved past in_progress, a stale claim
	// attempt genuinely loses the race.
	applied, err = repo.TransitionState(dbc, parent.ID, domain.StepStateInProgress, domain.StepStateComplete, "complete", "worker-2", "corr-1")
	require.NoError(t, err)
	assert.True(t, applied)

	ok, err = repo.ClaimAndTransition(tx, parent.ID, "worker-3", "corr-1")
	require.NoError(t, err)
	assert.False(t, ok)

	reopened, err := repo.TransitionState(dbc, parent.ID, domain.StepStateComplete, domain.StepStateInProgress, "reopen-for-test", "", "")
	require.NoError(t, err)
	require.True(t, reopened)
	require.NoError(t, repo.UpdateResults(dbc, parent.ID, []byte(`{"ok":true}`)))
	require.NoError(t, repo.UpdateCheckpoint(dbc, parent.ID, domain.Checkpoint{Cursor: "page-2", ItemsProcessed: 40}))

	until := time.Now().Add(30 * time.Second)
	require.NoError(t, repo.SetBackoffUntil(dbc, parent.ID, until))
	require.NoError(t, repo.SetLastError(dbc, parent.ID, "worker_retryable", "timed out"))

	updated, err := repo.GetByID(dbc, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker_retryable", updated.LastErrorKind)
	assert.Equal(t, "timed out", updated.LastErrorMessage)
	assert.NotNil(t, updated.LastErrorAt)
	assert.WithinDuration(t, until, *updated.BackoffUntil, time.Second)

	steps, err := repo.GetByTaskID(dbc, task.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}
