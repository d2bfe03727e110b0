// Package deadletter exposes the recovery-operator surface spec.md §9
// calls the dead-letter interface: a list of tasks stuck in terminal error
// awaiting investigation, and the resolve_manually operation that closes
// them out without requeuing any work. Grounded on
// internal/data/repos/jobs/saga_run.go's ListByStatusBefore/UpdateFields
// shape, generalized from saga compensation bookkeeping to task recovery.
package deadletter

import (
	"time"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker/internal/domain"
	taskerrors "github.com/tasker-systems/tasker/internal/pkg/errors"
	"github.com/tasker-systems/tasker/internal/pkg/dbctx"
	"github.com/tasker-systems/tasker/internal/pkg/logger"
	"github.com/tasker-systems/tasker/internal/repos"
	"github.com/tasker-systems/tasker/internal/statemachine"
)

// StepFailure is the user-visible failure detail for one errored step,
// per spec.md §9: name, latest error kind + message, attempt count.
type StepFailure struct {
	StepName     string     `json:"step_name"`
	ErrorKind    string     `json:"error_kind"`
	ErrorMessage string     `json:"error_message"`
	Attempts     int        `json:"attempts"`
	LastErrorAt  *time.Time `json:"last_error_at,omitempty"`
}

// Entry is one row of the dead-letter view.
type Entry struct {
	Task         *domain.Task  `json:"task"`
	FailingSteps []StepFailure `json:"failing_steps"`
}

// Service lists and resolves dead-lettered tasks.
type Service interface {
	// List returns tasks in terminal error, newest-updated first, with
	// their failing steps' error detail attached.
	List(dbc dbctx.Context, namespace string, limit, offset int) ([]Entry, error)

	// Resolve transitions a dead-lettered task to resolved_manually. It
	// does not touch step rows or requeue anything — it only records that
	// an operator has closed the case.
	Resolve(dbc dbctx.Context, taskID uuid.UUID, correlationID string) error
}

type service struct {
	log  *logger.Logger
	task repos.TaskRepo
	step repos.StepRepo
}

func NewService(baseLog *logger.Logger, task repos.TaskRepo, step repos.StepRepo) Service {
	return &service{log: baseLog.With("component", "deadletter.Service"), task: task, step: step}
}

func (s *service) List(dbc dbctx.Context, namespace string, limit, offset int) ([]Entry, error) {
	tasks, err := s.task.ListDeadLetter(dbc, namespace, limit, offset)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(tasks))
	for _, t := range tasks {
		failing, err := s.failingSteps(dbc, t)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Task: t, FailingSteps: failing})
	}
	return entries, nil
}

func (s *service) failingSteps(dbc dbctx.Context, t *domain.Task) ([]StepFailure, error) {
	if len(t.FailingSteps) == 0 {
		return nil, nil
	}
	steps, err := s.step.GetByTaskID(dbc, t.ID)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(t.FailingSteps))
	for _, name := range t.FailingSteps {
		want[name] = true
	}
	out := make([]StepFailure, 0, len(t.FailingSteps))
	for _, step := range steps {
		if !want[step.StepName] {
			continue
		}
		out = append(out, StepFailure{
			StepName:     step.StepName,
			ErrorKind:    step.LastErrorKind,
			ErrorMessage: step.LastErrorMessage,
			Attempts:     step.Attempts,
			LastErrorAt:  step.LastErrorAt,
		})
	}
	return out, nil
}

func (s *service) Resolve(dbc dbctx.Context, taskID uuid.UUID, correlationID string) error {
	task, err := s.task.GetByID(dbc, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return taskerrors.Validation("task_not_found", nil)
	}
	if task.CurrentState != domain.TaskStateError {
		return taskerrors.InvalidTransition(task.CurrentState, domain.TaskStateResolvedManually, string(statemachine.TaskEventResolveManually))
	}

	to, machineErr := statemachine.ApplyTask(task.CurrentState, statemachine.TaskEventResolveManually, statemachine.TaskGuardContext{})
	if machineErr != nil {
		return machineErr
	}

	applied, err := s.task.TransitionState(dbc, taskID, task.CurrentState, to, string(statemachine.TaskEventResolveManually), correlationID)
	if err != nil {
		return err
	}
	if !applied {
		return taskerrors.InvalidTransition(task.CurrentState, to, string(statemachine.TaskEventResolveManually))
	}
	return nil
}
