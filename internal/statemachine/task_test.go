package statemachine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tasker-systems/tasker/internal/domain"
)

func TestApplyTask_HappyPath(t *testing.T) {
	s, e := ApplyTask(domain.TaskStatePending, TaskEventMaterialize, TaskGuardContext{})
	require.Nil(t, e)
	require.Equal(t, domain.TaskStateMaterializing, s)

	s, e = ApplyTask(s, TaskEventBegin, TaskGuardContext{})
	require.Nil(t, e)
	require.Equal(t, domain.TaskStateInProgress, s)

	s, e = ApplyTask(s, TaskEventFinalizeStart, TaskGuardContext{AllStepsTerminal: true})
	require.Nil(t, e)
	require.Equal(t, domain.TaskStateFinalizing, s)

	s, e = ApplyTask(s, TaskEventFinalizeComplete, TaskGuardContext{AllStepsTerminal: true})
	require.Nil(t, e)
	require.Equal(t, domain.TaskStateComplete, s)
}

func TestEvaluateFinalOutcome_ErrorWinsOverCancelled(t *testing.T) {
	gc := TaskGuardContext{AllStepsTerminal: true, AnyStepError: true, AnyStepCancelled: true}
	require.Equal(t, TaskEventFinalizeError, EvaluateFinalOutcome(gc))
}

func TestEvaluateFinalOutcome_CancelledWithNoError(t *testing.T) {
	gc := TaskGuardContext{AllStepsTerminal: true, AnyStepCancelled: true}
	require.Equal(t, TaskEventFinalizeCancelled, EvaluateFinalOutcome(gc))
}

func TestEvaluateFinalOutcome_NoTransitionWhileStepsOutstanding(t *testing.T) {
	gc := TaskGuardContext{AllStepsTerminal: false}
	require.Equal(t, TaskEvent(""), EvaluateFinalOutcome(gc))
}

func TestApplyTask_CancelFromInProgress(t *testing.T) {
	s, e := ApplyTask(domain.TaskStateInProgress, TaskEventCancel, TaskGuardContext{})
	require.Nil(t, e)
	require.Equal(t, domain.TaskStateCancelled, s)
}

func TestApplyTask_ResolveManually(t *testing.T) {
	s, e := ApplyTask(domain.TaskStateError, TaskEventResolveManually, TaskGuardContext{})
	require.Nil(t, e)
	require.Equal(t, domain.TaskStateResolvedManually, s)
}

func TestApplyTask_FinalizeCompleteGuardRejectsOutstandingErrors(t *testing.T) {
	_, e := ApplyTask(domain.TaskStateFinalizing, TaskEventFinalizeComplete, TaskGuardContext{
		AllStepsTerminal: true, AnyStepError: true,
	})
	require.NotNil(t, e)
}
