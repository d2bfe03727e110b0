package pgqueue_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasker-systems/tasker/internal/domain"
	"github.com/tasker-systems/tasker/internal/pkg/dbctx"
	taskerrors "github.com/tasker-systems/tasker/internal/pkg/errors"
	"github.com/tasker-systems/tasker/internal/queue"
	"github.com/tasker-systems/tasker/internal/queue/pgqueue"
	"github.com/tasker-systems/tasker/internal/repos"
	"github.com/tasker-systems/tasker/internal/testutil"
)

func TestPgQueueDispatchLifecycle(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()

	stepRepo := repos.NewStepRepo(db, testutil.Logger(t))
	tmpl := testutil.SeedTemplate(t, ctx, tx, "billing", "charge_customer", 1)
	task := testutil.SeedTask(t, ctx, tx, tmpl.ID, "billing", "charge_customer", domain.TaskStateInProgress)
	step := testutil.SeedStep(t, ctx, tx, task.ID, "charge", domain.StepStateEnqueued)

	q := pgqueue.New(tx, stepRepo, testutil.Logger(t), time.Minute)
	defer q.Close()

	const queueName = "dispatch:billing"
	msg := queue.DispatchMessage{
		EventID: uuid.Must(uuid.NewV7()),
		TaskID:  task.ID,
		StepID:  step.ID,
		Attempt: 1,
		Task:    queue.TaskSummary{Namespace: "billing", Name: "charge_customer", Version: 1},
		StepDefinition: queue.StepDefinition{
			HandlerCallable: "charge_handler",
			TimeoutSeconds:  60,
		},
	}
	require.NoError(t, q.EnqueueDispatch(ctx, queueName, []queue.DispatchMessage{msg}))

	claimed, err := q.ClaimDispatch(ctx, queueName, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, step.ID, claimed[0].Message.StepID)

	// The claim fired the step's enqueued->in_progress transition.
	updated, err := stepRepo.GetByID(dbctx.Context{Ctx: ctx, Tx: tx}, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepStateInProgress, updated.CurrentState)

	// Nothing left to claim a second time.
	second, err := q.ClaimDispatch(ctx, queueName, "worker-2", 10)
	require.NoError(t, err)
	assert.Len(t, second, 0)

	require.NoError(t, q.Ack(ctx, claimed[0].Receipt))
}

func TestPgQueueCompletionLifecycle(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()

	stepRepo := repos.NewStepRepo(db, testutil.Logger(t))
	tmpl := testutil.SeedTemplate(t, ctx, tx, "billing", "charge_customer", 1)
	task := testutil.SeedTask(t, ctx, tx, tmpl.ID, "billing", "charge_customer", domain.TaskStateInProgress)
	step := testutil.SeedStep(t, ctx, tx, task.ID, "charge", domain.StepStateInProgress)

	q := pgqueue.New(tx, stepRepo, testutil.Logger(t), time.Minute)
	defer q.Close()

	const queueName = "completion:billing"
	completion := queue.CompletionMessage{
		StepID:  step.ID,
		TaskID:  task.ID,
		Attempt: 1,
		Kind:    queue.OutcomeSuccess,
		Results: []byte(`{"charged":true}`),
	}
	require.NoError(t, q.SubmitCompletion(ctx, queueName, completion))

	claimed, err := q.ClaimCompletions(ctx, queueName, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, queue.OutcomeSuccess, claimed[0].Message.Kind)

	require.NoError(t, q.ExtendLease(ctx, claimed[0].Receipt, time.Minute))
	require.NoError(t, q.Nack(ctx, claimed[0].Receipt))

	redelivered, err := q.ClaimCompletions(ctx, queueName, 10)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	require.NoError(t, q.Ack(ctx, redelivered[0].Receipt))
}

// TestPgQueueDispatchLeaseExpiryRedelivery implements spec.md §5/§8 Scenario
// F: a worker claims a dispatch message and then vanishes without Ack/Nack.
// Once its lease's visible_at has passed, a second claimer must receive the
// same message rather than it sitting claimed forever.
func TestPgQueueDispatchLeaseExpiryRedelivery(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	stepRepo := repos.NewStepRepo(db, testutil.Logger(t))
	tmpl := testutil.SeedTemplate(t, ctx, tx, "billing", "charge_customer", 1)
	task := testutil.SeedTask(t, ctx, tx, tmpl.ID, "billing", "charge_customer", domain.TaskStateInProgress)
	step := testutil.SeedStep(t, ctx, tx, task.ID, "charge", domain.StepStateEnqueued)

	q := pgqueue.New(tx, stepRepo, testutil.Logger(t), time.Minute)
	defer q.Close()

	const queueName = "dispatch:billing"
	msg := queue.DispatchMessage{
		EventID: uuid.Must(uuid.NewV7()),
		TaskID:  task.ID,
		StepID:  step.ID,
		Attempt: 1,
	}
	require.NoError(t, q.EnqueueDispatch(ctx, queueName, []queue.DispatchMessage{msg}))

	first, err := q.ClaimDispatch(ctx, queueName, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	afterFirstClaim, err := stepRepo.GetByID(dbc, step.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StepStateInProgress, afterFirstClaim.CurrentState)
	require.Equal(t, 1, afterFirstClaim.Attempts)

	// worker-1 vanishes without Ack/Nack; force its lease into the past.
	require.NoError(t, tx.WithContext(ctx).Exec(
		"UPDATE queue_messages SET visible_at = ? WHERE queue_name = ? AND step_uuid = ?",
		time.Now().Add(-time.Second), queueName, step.ID,
	).Error)

	redelivered, err := q.ClaimDispatch(ctx, queueName, "worker-2", 10)
	require.NoError(t, err)
	require.Len(t, redelivered, 1, "expired lease must be redelivered rather than left claimed forever")
	assert.Equal(t, step.ID, redelivered[0].Message.StepID)

	// The reclaim did not touch Attempts or re-run the enqueued->in_progress
	// transition — it's the same attempt, just handed to a new worker.
	afterReclaim, err := stepRepo.GetByID(dbc, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepStateInProgress, afterReclaim.CurrentState)
	assert.Equal(t, 1, afterReclaim.Attempts)

	require.NoError(t, q.Ack(ctx, redelivered[0].Receipt))
}

// TestPgQueueEnqueueDispatch_RejectsOversizedPayload implements spec.md
// §4.4's "queue rejects permanently (size, acl)" case: a message whose
// marshaled size exceeds queue.MaxDispatchPayloadBytes is rejected with a
// classifiable permanent error rather than silently stored or retried.
func TestPgQueueEnqueueDispatch_RejectsOversizedPayload(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()

	stepRepo := repos.NewStepRepo(db, testutil.Logger(t))
	tmpl := testutil.SeedTemplate(t, ctx, tx, "billing", "charge_customer", 1)
	task := testutil.SeedTask(t, ctx, tx, tmpl.ID, "billing", "charge_customer", domain.TaskStateInProgress)
	step := testutil.SeedStep(t, ctx, tx, task.ID, "charge", domain.StepStateEnqueued)

	q := pgqueue.New(tx, stepRepo, testutil.Logger(t), time.Minute)
	defer q.Close()

	filler := bytes.Repeat([]byte("a"), queue.MaxDispatchPayloadBytes+1)
	msg := queue.DispatchMessage{
		EventID: uuid.Must(uuid.NewV7()),
		TaskID:  task.ID,
		StepID:  step.ID,
		Attempt: 1,
		StepDefinition: queue.StepDefinition{
			HandlerCallable:       "charge_handler",
			HandlerInitialization: append(append([]byte(`"`), filler...), '"'),
		},
	}
	err := q.EnqueueDispatch(ctx, "dispatch:billing", []queue.DispatchMessage{msg})
	require.Error(t, err)

	taskerr, ok := taskerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, taskerrors.KindQueuePermanent, taskerr.Kind)
}

func TestPgQueueCancelStep(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()

	stepRepo := repos.NewStepRepo(db, testutil.Logger(t))
	tmpl := testutil.SeedTemplate(t, ctx, tx, "billing", "charge_customer", 1)
	task := testutil.SeedTask(t, ctx, tx, tmpl.ID, "billing", "charge_customer", domain.TaskStateInProgress)
	pendingStep := testutil.SeedStep(t, ctx, tx, task.ID, "validate", domain.StepStateEnqueued)
	claimedStep := testutil.SeedStep(t, ctx, tx, task.ID, "charge", domain.StepStateEnqueued)

	q := pgqueue.New(tx, stepRepo, testutil.Logger(t), time.Minute)
	defer q.Close()

	const queueName = "dispatch:billing"
	require.NoError(t, q.EnqueueDispatch(ctx, queueName, []queue.DispatchMessage{
		{EventID: uuid.Must(uuid.NewV7()), TaskID: task.ID, StepID: claimedStep.ID, Attempt: 1},
	}))
	claimed, err := q.ClaimDispatch(ctx, queueName, "worker-1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, q.EnqueueDispatch(ctx, queueName, []queue.DispatchMessage{
		{EventID: uuid.Must(uuid.NewV7()), TaskID: task.ID, StepID: pendingStep.ID, Attempt: 1},
	}))

	require.NoError(t, q.CancelStep(ctx, queueName, pendingStep.ID))
	require.NoError(t, q.CancelStep(ctx, queueName, claimedStep.ID))

	// The pending copy is gone outright; nothing left for a fresh claim.
	remaining, err := q.ClaimDispatch(ctx, queueName, "worker-2", 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 0)
}
