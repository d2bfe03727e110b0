package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/tasker-systems/tasker/internal/domain"
	"github.com/tasker-systems/tasker/internal/engine"
	"github.com/tasker-systems/tasker/internal/pkg/dbctx"
	"github.com/tasker-systems/tasker/internal/queue"
	"github.com/tasker-systems/tasker/internal/queue/pgqueue"
	"github.com/tasker-systems/tasker/internal/repos"
	"github.com/tasker-systems/tasker/internal/testutil"
	"gorm.io/gorm"
)

// Scenario A of spec.md §8: a two-step linear DAG runs end to end — submit,
// first step dispatched and completed, second step becomes ready and is
// dispatched and completed, task finalizes complete. Runs against a real
// Postgres-backed pgqueue since the four actors coordinate across goroutines
// and a transaction-per-test rollback would race with their own nested
// transactions.
func TestEngineLinearDAGHappyPath(t *testing.T) {
	db := testutil.DB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tmplRepo := repos.NewTemplateRepo(db, testutil.Logger(t))
	taskRepo := repos.NewTaskRepo(db, testutil.Logger(t))
	stepRepo := repos.NewStepRepo(db, testutil.Logger(t))
	q := pgqueue.New(db, stepRepo, testutil.Logger(t), time.Minute)
	defer q.Close()

	tmpl := testutil.SeedTemplate(t, ctx, db, "billing", "charge_customer", 1)
	testutil.SeedNamedStep(t, ctx, db, tmpl.ID, "validate", nil)
	testutil.SeedNamedStep(t, ctx, db, tmpl.ID, "charge", []string{"validate"})
	t.Cleanup(func() { cleanupTemplate(t, db, tmpl.ID) })

	eng := engine.New(db, testutil.Logger(t), tmplRepo, taskRepo, stepRepo, q, engine.Config{
		ChannelCapacity:          16,
		StepEnqueueBatchSize:     50,
		StepEnqueueFlushInterval: 20 * time.Millisecond,
		ResultPollInterval:       20 * time.Millisecond,
		ResultBatchSize:          20,
		DispatchQueueName:        "dispatch",
		CompletionQueueName:      "completion:billing",
		AdvisoryLockNamespace:    "tasker-test",
	})

	engDone := make(chan error, 1)
	go func() { engDone <- eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-engDone
	})

	result, err := eng.Submit(ctx, engine.SubmissionRequest{
		Namespace: "billing",
		Name:      "charge_customer",
		Version:   1,
		Context:   datatypes.JSON([]byte(`{"amount": 100}`)),
	})
	require.NoError(t, err)
	require.Nil(t, result.Err)
	taskID := result.TaskID

	steps, err := stepRepo.GetByTaskID(dbctx.Context{Ctx: ctx}, taskID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	byName := make(map[string]uuid.UUID, 2)
	for _, s := range steps {
		byName[s.StepName] = s.ID
	}

	const queueName = "dispatch:billing"

	claimedValidate := pollClaimDispatch(t, ctx, q, queueName, byName["validate"])
	require.NoError(t, q.SubmitCompletion(ctx, "completion:billing", queue.CompletionMessage{
		StepID:  byName["validate"],
		TaskID:  taskID,
		Attempt: 1, // ClaimAndTransition bumps Attempts 0->1 on first claim
		Kind:    queue.OutcomeSuccess,
		Results: datatypes.JSON([]byte(`{"valid": true}`)),
	}))
	require.NoError(t, q.Ack(ctx, claimedValidate.Receipt))

	claimedCharge := pollClaimDispatch(t, ctx, q, queueName, byName["charge"])
	assert.Equal(t, datatypes.JSON([]byte(`{"valid": true}`)), claimedCharge.Message.DependencyResults["validate"])
	require.NoError(t, q.SubmitCompletion(ctx, "completion:billing", queue.CompletionMessage{
		StepID:  byName["charge"],
		TaskID:  taskID,
		Attempt: 1,
		Kind:    queue.OutcomeSuccess,
		Results: datatypes.JSON([]byte(`{"charged": true}`)),
	}))
	require.NoError(t, q.Ack(ctx, claimedCharge.Receipt))

	task := pollTaskState(t, ctx, taskRepo, taskID, domain.TaskStateComplete)
	assert.Equal(t, domain.TaskStateComplete, task.CurrentState)
}

// Scenario covering spec.md §5's cancel_task: a task cancelled before its
// only step completes ends cancelled, and the step itself is cancelled too.
func TestEngineCancelBeforeCompletion(t *testing.T) {
	db := testutil.DB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tmplRepo := repos.NewTemplateRepo(db, testutil.Logger(t))
	taskRepo := repos.NewTaskRepo(db, testutil.Logger(t))
	stepRepo := repos.NewStepRepo(db, testutil.Logger(t))
	q := pgqueue.New(db, stepRepo, testutil.Logger(t), time.Minute)
	defer q.Close()

	tmpl := testutil.SeedTemplate(t, ctx, db, "billing", "send_receipt", 1)
	testutil.SeedNamedStep(t, ctx, db, tmpl.ID, "send", nil)
	t.Cleanup(func() { cleanupTemplate(t, db, tmpl.ID) })

	eng := engine.New(db, testutil.Logger(t), tmplRepo, taskRepo, stepRepo, q, engine.Config{
		ChannelCapacity:          16,
		StepEnqueueBatchSize:     50,
		StepEnqueueFlushInterval: 20 * time.Millisecond,
		ResultPollInterval:       20 * time.Millisecond,
		ResultBatchSize:          20,
		DispatchQueueName:        "dispatch",
		CompletionQueueName:      "completion:billing",
		AdvisoryLockNamespace:    "tasker-test",
	})

	engDone := make(chan error, 1)
	go func() { engDone <- eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-engDone
	})

	result, err := eng.Submit(ctx, engine.SubmissionRequest{
		Namespace: "billing",
		Name:      "send_receipt",
		Version:   1,
		Context:   datatypes.JSON([]byte(`{}`)),
	})
	require.NoError(t, err)
	require.Nil(t, result.Err)

	require.NoError(t, eng.Cancel(ctx, result.TaskID))

	task, err := taskRepo.GetByID(dbctx.Context{Ctx: ctx}, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateCancelled, task.CurrentState)

	steps, err := stepRepo.GetByTaskID(dbctx.Context{Ctx: ctx}, result.TaskID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, domain.StepStateCancelled, steps[0].CurrentState)

	// Cancelling an already-terminal task is a no-op, not an error.
	require.NoError(t, eng.Cancel(ctx, result.TaskID))
}

// Scenario B of spec.md §8: a step's handler reports a permanent failure
// and the task finalizes to error with its failing step names recorded.
func TestEngineStepPermanentFailure(t *testing.T) {
	db := testutil.DB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tmplRepo := repos.NewTemplateRepo(db, testutil.Logger(t))
	taskRepo := repos.NewTaskRepo(db, testutil.Logger(t))
	stepRepo := repos.NewStepRepo(db, testutil.Logger(t))
	q := pgqueue.New(db, stepRepo, testutil.Logger(t), time.Minute)
	defer q.Close()

	tmpl := testutil.SeedTemplate(t, ctx, db, "billing", "charge_customer", 2)
	testutil.SeedNamedStep(t, ctx, db, tmpl.ID, "charge", nil)
	t.Cleanup(func() { cleanupTemplate(t, db, tmpl.ID) })

	eng := engine.New(db, testutil.Logger(t), tmplRepo, taskRepo, stepRepo, q, engine.Config{
		ChannelCapacity:          16,
		StepEnqueueBatchSize:     50,
		StepEnqueueFlushInterval: 20 * time.Millisecond,
		ResultPollInterval:       20 * time.Millisecond,
		ResultBatchSize:          20,
		DispatchQueueName:        "dispatch",
		CompletionQueueName:      "completion:billing",
		AdvisoryLockNamespace:    "tasker-test",
	})

	engDone := make(chan error, 1)
	go func() { engDone <- eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-engDone
	})

	result, err := eng.Submit(ctx, engine.SubmissionRequest{
		Namespace: "billing",
		Name:      "charge_customer",
		Version:   2,
		Context:   datatypes.JSON([]byte(`{}`)),
	})
	require.NoError(t, err)
	require.Nil(t, result.Err)

	steps, err := stepRepo.GetByTaskID(dbctx.Context{Ctx: ctx}, result.TaskID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	stepID := steps[0].ID

	claimed := pollClaimDispatch(t, ctx, q, "dispatch:billing", stepID)
	require.NoError(t, q.SubmitCompletion(ctx, "completion:billing", queue.CompletionMessage{
		StepID:    stepID,
		TaskID:    result.TaskID,
		Attempt:   1,
		Kind:      queue.OutcomeFailurePermanent,
		ErrorKind: "worker_permanent",
		Message:   "card declined",
	}))
	require.NoError(t, q.Ack(ctx, claimed.Receipt))

	task := pollTaskState(t, ctx, taskRepo, result.TaskID, domain.TaskStateError)
	assert.Equal(t, domain.TaskStateError, task.CurrentState)
	assert.Contains(t, []string(task.FailingSteps), "charge")
}

func pollClaimDispatch(t *testing.T, ctx context.Context, q queue.Queue, queueName string, stepID uuid.UUID) queue.ClaimedDispatch {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		claimed, err := q.ClaimDispatch(ctx, queueName, "test-worker", 10)
		require.NoError(t, err)
		for _, c := range claimed {
			if c.Message.StepID == stepID {
				return c
			}
		}
		time.Sleep(15 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for step %s to be dispatched", stepID)
	return queue.ClaimedDispatch{}
}

func pollTaskState(t *testing.T, ctx context.Context, taskRepo repos.TaskRepo, taskID uuid.UUID, want string) *domain.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := taskRepo.GetByID(dbctx.Context{Ctx: ctx}, taskID)
		require.NoError(t, err)
		require.NotNil(t, task)
		if task.CurrentState == want {
			return task
		}
		time.Sleep(15 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for task %s to reach state %q", taskID, want)
	return nil
}

// cleanupTemplate removes everything materialized from one seeded template
// (its tasks, their steps/edges/transitions, and the template's own named
// steps), since engine tests run against the shared process-wide connection
// rather than a rolled-back per-test transaction.
func cleanupTemplate(t *testing.T, db *gorm.DB, templateID uuid.UUID) {
	t.Helper()
	var taskIDs []uuid.UUID
	if err := db.Model(&domain.Task{}).Where("template_id = ?", templateID).Pluck("task_uuid", &taskIDs).Error; err != nil {
		t.Logf("cleanup: list tasks: %v", err)
		return
	}
	for _, taskID := range taskIDs {
		db.Where("task_uuid = ?", taskID).Delete(&domain.StepEdge{})
		db.Where("task_uuid = ?", taskID).Delete(&domain.StepTransition{})
		db.Where("task_uuid = ?", taskID).Delete(&domain.Step{})
		db.Where("task_uuid = ?", taskID).Delete(&domain.TaskTransition{})
	}
	db.Where("template_id = ?", templateID).Delete(&domain.Task{})
	db.Where("template_id = ?", templateID).Delete(&domain.NamedStep{})
	db.Where("id = ?", templateID).Delete(&domain.TaskTemplate{})
}
