package redisqueue_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasker-systems/tasker/internal/domain"
	taskerrors "github.com/tasker-systems/tasker/internal/pkg/errors"
	"github.com/tasker-systems/tasker/internal/queue"
	"github.com/tasker-systems/tasker/internal/queue/redisqueue"
	"github.com/tasker-systems/tasker/internal/repos"
	"github.com/tasker-systems/tasker/internal/testutil"
)

func TestRedisQueueDispatchLifecycle(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()

	stepRepo := repos.NewStepRepo(tx, testutil.Logger(t))
	tmpl := testutil.SeedTemplate(t, ctx, tx, "billing", "charge_customer", 1)
	task := testutil.SeedTask(t, ctx, tx, tmpl.ID, "billing", "charge_customer", domain.TaskStateInProgress)
	step := testutil.SeedStep(t, ctx, tx, task.ID, "charge", domain.StepStateEnqueued)

	addr := testutil.RedisAddr(t)
	q, err := redisqueue.New(addr, "tasker-test", stepRepo, testutil.Logger(t), time.Minute)
	require.NoError(t, err)
	defer q.Close()

	const queueName = "dispatch:billing"
	msg := queue.DispatchMessage{
		EventID: uuid.Must(uuid.NewV7()),
		TaskID:  task.ID,
		StepID:  step.ID,
		Attempt: 1,
	}
	require.NoError(t, q.EnqueueDispatch(ctx, queueName, []queue.DispatchMessage{msg}))

	claimed, err := q.ClaimDispatch(ctx, queueName, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, step.ID, claimed[0].Message.StepID)

	second, err := q.ClaimDispatch(ctx, queueName, "worker-2", 10)
	require.NoError(t, err)
	assert.Len(t, second, 0)

	require.NoError(t, q.Ack(ctx, claimed[0].Receipt))
}

// TestRedisQueueDispatchLeaseExpiryRedelivery implements spec.md §5/§8
// Scenario F for the Redis backend: a worker claims a message, parking it in
// the in-flight set, then vanishes without Ack/Nack. Once its lease expires,
// a second claimer must receive the same message via reclaimExpired rather
// than it sitting in the in-flight set forever.
func TestRedisQueueDispatchLeaseExpiryRedelivery(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()

	stepRepo := repos.NewStepRepo(tx, testutil.Logger(t))
	tmpl := testutil.SeedTemplate(t, ctx, tx, "billing", "charge_customer", 1)
	task := testutil.SeedTask(t, ctx, tx, tmpl.ID, "billing", "charge_customer", domain.TaskStateInProgress)
	step := testutil.SeedStep(t, ctx, tx, task.ID, "charge", domain.StepStateEnqueued)

	addr := testutil.RedisAddr(t)
	// A very short lease so the test doesn't need to sleep for a realistic
	// visibility timeout to observe the reclaim.
	q, err := redisqueue.New(addr, "tasker-test", stepRepo, testutil.Logger(t), 5*time.Millisecond)
	require.NoError(t, err)
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

	// worker-1 vanishes without Ack/Nack; wait out its lease.
	time.Sleep(20 * time.Millisecond)

	redelivered, err := q.ClaimDispatch(ctx, queueName, "worker-2", 10)
	require.NoError(t, err)
	require.Len(t, redelivered, 1, "expired lease must be redelivered rather than left in-flight forever")
	assert.Equal(t, step.ID, redelivered[0].Message.StepID)

	require.NoError(t, q.Ack(ctx, redelivered[0].Receipt))
}

// TestRedisQueueEnqueueDispatch_RejectsOversizedPayload mirrors the pgqueue
// backend's permanent-rejection behavior for the same spec.md §4.4 case.
func TestRedisQueueEnqueueDispatch_RejectsOversizedPayload(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()

	stepRepo := repos.NewStepRepo(tx, testutil.Logger(t))
	tmpl := testutil.SeedTemplate(t, ctx, tx, "billing", "charge_customer", 1)
	task := testutil.SeedTask(t, ctx, tx, tmpl.ID, "billing", "charge_customer", domain.TaskStateInProgress)
	step := testutil.SeedStep(t, ctx, tx, task.ID, "charge", domain.StepStateEnqueued)

	addr := testutil.RedisAddr(t)
	q, err := redisqueue.New(addr, "tasker-test", stepRepo, testutil.Logger(t), time.Minute)
	require.NoError(t, err)
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
	enqueueErr := q.EnqueueDispatch(ctx, "dispatch:billing", []queue.DispatchMessage{msg})
	require.Error(t, enqueueErr)

	taskerr, ok := taskerrors.As(enqueueErr)
	require.True(t, ok)
	assert.Equal(t, taskerrors.KindQueuePermanent, taskerr.Kind)
}

func TestRedisQueueCompletionAndNack(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()

	stepRepo := repos.NewStepRepo(tx, testutil.Logger(t))
	tmpl := testutil.SeedTemplate(t, ctx, tx, "billing", "charge_customer", 1)
	task := testutil.SeedTask(t, ctx, tx, tmpl.ID, "billing", "charge_customer", domain.TaskStateInProgress)
	step := testutil.SeedStep(t, ctx, tx, task.ID, "charge", domain.StepStateInProgress)

	addr := testutil.RedisAddr(t)
	q, err := redisqueue.New(addr, "tasker-test", stepRepo, testutil.Logger(t), time.Minute)
	require.NoError(t, err)
	defer q.Close()

	const queueName = "completion:billing"
	completion := queue.CompletionMessage{StepID: step.ID, TaskID: task.ID, Attempt: 1, Kind: queue.OutcomeSuccess}
	require.NoError(t, q.SubmitCompletion(ctx, queueName, completion))

	claimed, err := q.ClaimCompletions(ctx, queueName, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, q.ExtendLease(ctx, claimed[0].Receipt, time.Minute))
	require.NoError(t, q.Nack(ctx, claimed[0].Receipt))

	redelivered, err := q.ClaimCompletions(ctx, queueName, 10)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
}

func TestRedisQueueCancelStep(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()

	stepRepo := repos.NewStepRepo(tx, testutil.Logger(t))
	tmpl := testutil.SeedTemplate(t, ctx, tx, "billing", "charge_customer", 1)
	task := testutil.SeedTask(t, ctx, tx, tmpl.ID, "billing", "charge_customer", domain.TaskStateInProgress)
	pendingStep := testutil.SeedStep(t, ctx, tx, task.ID, "validate", domain.StepStateEnqueued)

	addr := testutil.RedisAddr(t)
	q, err := redisqueue.New(addr, "tasker-test", stepRepo, testutil.Logger(t), time.Minute)
	require.NoError(t, err)
	defer q.Close()

	const queueName = "dispatch:billing"
	require.NoError(t, q.EnqueueDispatch(ctx, queueName, []queue.DispatchMessage{
		{EventID: uuid.Must(uuid.NewV7()), TaskID: task.ID, StepID: pendingStep.ID, Attempt: 1},
	}))

	require.NoError(t, q.CancelStep(ctx, queueName, pendingStep.ID))

	remaining, err := q.ClaimDispatch(ctx, queueName, "worker-1", 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 0)
}
