package readiness

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tasker-systems/tasker/internal/domain"
	"github.com/tasker-systems/tasker/internal/repos"
)

func newDiamondStep(taskID uuid.UUID, name, state string) *domain.Step {
	return &domain.Step{
		ID:           uuid.Must(uuid.NewV7()),
		TaskID:       taskID,
		StepName:     name,
		CurrentState: state,
		Attempts:     0,
		MaxAttempts:  3,
		CreatedAt:    time.Now(),
	}
}

// TestSnapshotEvaluator_DiamondParallelism implements spec.md §8 Scenario B:
// a -> {b, c} -> d. After a completes, exactly {b, c} become ready; d only
// becomes ready once both b and c are complete.
func TestSnapshotEvaluator_DiamondParallelism(t *testing.T) {
	taskID := uuid.Must(uuid.NewV7())
	a := newDiamondStep(taskID, "a", domain.StepStateComplete)
	b := newDiamondStep(taskID, "b", domain.StepStatePending)
	c := newDiamondStep(taskID, "c", domain.StepStatePending)
	d := newDiamondStep(taskID, "d", domain.StepStatePending)

	snap := &repos.DAGSnapshot{
		Steps: []*domain.Step{a, b, c, d},
		Edges: []*domain.StepEdge{
			{ID: uuid.Must(uuid.NewV7()), TaskID: taskID, ParentStepID: a.ID, ChildStepID: b.ID},
			{ID: uuid.Must(uuid.NewV7()), TaskID: taskID, ParentStepID: a.ID, ChildStepID: c.ID},
			{ID: uuid.Must(uuid.NewV7()), TaskID: taskID, ParentStepID: b.ID, ChildStepID: d.ID},
			{ID: uuid.Must(uuid.NewV7()), TaskID: taskID, ParentStepID: c.ID, ChildStepID: d.ID},
		},
	}

	eval := NewSnapshotEvaluator()
	ready := eval.Evaluate(snap, 0, domain.TaskStateInProgress, time.Now())
	require.Len(t, ready, 2)
	names := []string{ready[0].StepName, ready[1].StepName}
	require.ElementsMatch(t, []string{"b", "c"}, names)

	b.CurrentState = domain.StepStateComplete
	ready = eval.Evaluate(snap, 0, domain.TaskStateInProgress, time.Now())
	require.Len(t, ready, 1)
	require.Equal(t, "c", ready[0].StepName)

	c.CurrentState = domain.StepStateComplete
	ready = eval.Evaluate(snap, 0, domain.TaskStateInProgress, time.Now())
	require.Len(t, ready, 1)
	require.Equal(t, "d", ready[0].StepName)
}

func TestSnapshotEvaluator_BackoffNotYetDue(t *testing.T) {
	taskID := uuid.Must(uuid.NewV7())
	future := time.Now().Add(time.Hour)
	s := newDiamondStep(taskID, "a", domain.StepStateBackoff)
	s.BackoffUntil = &future

	snap := &repos.DAGSnapshot{Steps: []*domain.Step{s}}
	eval := NewSnapshotEvaluator()
	require.Empty(t, eval.Evaluate(snap, 0, domain.TaskStateInProgress, time.Now()))
}

func TestSnapshotEvaluator_AttemptsExhausted(t *testing.T) {
	taskID := uuid.Must(uuid.NewV7())
	s := newDiamondStep(taskID, "a", domain.StepStatePending)
	s.Attempts = 3
	s.MaxAttempts = 3

	snap := &repos.DAGSnapshot{Steps: []*domain.Step{s}}
	eval := NewSnapshotEvaluator()
	require.Empty(t, eval.Evaluate(snap, 0, domain.TaskStateInProgress, time.Now()))
}

func TestSnapshotEvaluator_TaskNotInProgressBlocksAll(t *testing.T) {
	taskID := uuid.Must(uuid.NewV7())
	s := newDiamondStep(taskID, "a", domain.StepStatePending)
	snap := &repos.DAGSnapshot{Steps: []*domain.Step{s}}
	eval := NewSnapshotEvaluator()
	require.Empty(t, eval.Evaluate(snap, 0, domain.TaskStatePaused, time.Now()))
}

func TestSnapshotEvaluator_CreatedAtOrdering(t *testing.T) {
	taskID := uuid.Must(uuid.NewV7())
	older := newDiamondStep(taskID, "older", domain.StepStatePending)
	older.CreatedAt = time.Now().Add(-time.Minute)
	newer := newDiamondStep(taskID, "newer", domain.StepStatePending)

	snap := &repos.DAGSnapshot{Steps: []*domain.Step{newer, older}}
	eval := NewSnapshotEvaluator()
	ready := eval.Evaluate(snap, 0, domain.TaskStateInProgress, time.Now())
	require.Len(t, ready, 2)
	require.Equal(t, "older", ready[0].StepName)
	require.Equal(t, "newer", ready[1].StepName)
}
