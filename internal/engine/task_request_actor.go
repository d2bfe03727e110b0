package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gorm.io/gorm"

	"github.com/tasker-systems/tasker/internal/domain"
	"github.com/tasker-systems/tasker/internal/pkg/dbctx"
	taskerrors "github.com/tasker-systems/tasker/internal/pkg/errors"
	"github.com/tasker-systems/tasker/internal/pkg/logger"
	"github.com/tasker-systems/tasker/internal/readiness"
	"github.com/tasker-systems/tasker/internal/repos"
	"github.com/tasker-systems/tasker/internal/statemachine"
)

// TaskRequestActor accepts submissions, materializes a task's step/edge rows
// in one transaction, and hands the initial ready set to StepEnqueuerActor.
// Grounded on internal/jobs/worker.go's ticker-driven-loop-plus-panic-
// recovery shape, adapted to a channel-driven actor (no polling needed:
// submissions are already pushed by the caller).
type TaskRequestActor struct {
	db       *gorm.DB
	log      *logger.Logger
	tmplRepo repos.TemplateRepo
	taskRepo repos.TaskRepo
	stepRepo repos.StepRepo
	sqlEval  *readiness.SQLEvaluator

	in     chan SubmissionRequest
	toEnq  chan<- enqueueRequest
}

func NewTaskRequestActor(
	db *gorm.DB,
	baseLog *logger.Logger,
	tmplRepo repos.TemplateRepo,
	taskRepo repos.TaskRepo,
	stepRepo repos.StepRepo,
	in chan SubmissionRequest,
	toEnq chan<- enqueueRequest,
) *TaskRequestActor {
	return &TaskRequestActor{
		db:       db,
		log:      baseLog.With("component", "TaskRequestActor"),
		tmplRepo: tmplRepo,
		taskRepo: taskRepo,
		stepRepo: stepRepo,
		sqlEval:  readiness.NewSQLEvaluator(db),
		in:       in,
		toEnq:    toEnq,
	}
}

func (a *TaskRequestActor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-a.in:
			if !ok {
				return nil
			}
			a.handle(ctx, req)
		}
	}
}

func (a *TaskRequestActor) handle(ctx context.Context, req SubmissionRequest) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("panic handling submission", "panic", r, "namespace", req.Namespace, "name", req.Name)
			req.Result <- SubmissionResult{Err: taskerrors.TransientStorage(fmt.Errorf("panic: %v", r))}
		}
	}()

	taskID, err := a.materialize(ctx, req)
	if err != nil {
		req.Result <- SubmissionResult{Err: err}
		return
	}
	req.Result <- SubmissionResult{TaskID: taskID}
}

func (a *TaskRequestActor) materialize(ctx context.Context, req SubmissionRequest) (uuid.UUID, *taskerrors.Error) {
	dbc := dbctx.Context{Ctx: ctx}
	tmpl, namedSteps, err := a.tmplRepo.GetByTriple(dbc, req.Namespace, req.Name, req.Version)
	if err != nil {
		return uuid.Nil, taskerrors.TransientStorage(err)
	}
	if tmpl == nil {
		return uuid.Nil, taskerrors.Validation("template_not_found",
			fmt.Errorf("no template %s/%s v%d", req.Namespace, req.Name, req.Version))
	}

	if err := validateContext(tmpl, req.Context); err != nil {
		return uuid.Nil, taskerrors.Validation("context_validation_failed", err)
	}

	if cyc := detectCycle(namedSteps); cyc != "" {
		return uuid.Nil, taskerrors.Validation("cycle_detected", fmt.Errorf("%w: at step %q", taskerrors.ErrCycleDetected, cyc))
	}

	taskID := uuid.Must(uuid.NewV7())
	now := time.Now()
	task := &domain.Task{
		ID:            taskID,
		TemplateID:    tmpl.ID,
		Namespace:     req.Namespace,
		Name:          req.Name,
		Version:       req.Version,
		Context:       req.Context,
		CorrelationID: req.CorrelationID,
		Priority:      req.Priority,
		Initiator:     req.Initiator,
		SourceSystem:  req.SourceSystem,
		Reason:        req.Reason,
		CurrentState:  domain.TaskStatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	byName := make(map[string]uuid.UUID, len(namedSteps))
	steps := make([]*domain.Step, 0, len(namedSteps))
	for _, ns := range namedSteps {
		id := uuid.Must(uuid.NewV7())
		byName[ns.StepName] = id
		rp := ns.RetryPolicy.Data()
		steps = append(steps, &domain.Step{
			ID:                    id,
			TaskID:                taskID,
			StepName:              ns.StepName,
			HandlerCallable:       ns.HandlerCallable,
			HandlerInitialization: ns.HandlerInitialization,
			Attempts:              0,
			MaxAttempts:           rp.MaxAttempts,
			RetryPolicy:           ns.RetryPolicy,
			TimeoutSeconds:        ns.TimeoutSeconds,
			CurrentState:          domain.StepStatePending,
			CreatedAt:             now,
			UpdatedAt:             now,
		})
	}

	var edges []*domain.StepEdge
	for _, ns := range namedSteps {
		childID := byName[ns.StepName]
		for _, upstream := range ns.Upstream {
			parentID, ok := byName[upstream]
			if !ok {
				return uuid.Nil, taskerrors.Validation("context_validation_failed",
					fmt.Errorf("step %q declares unknown upstream %q", ns.StepName, upstream))
			}
			edges = append(edges, &domain.StepEdge{
				ID: uuid.Must(uuid.NewV7()), TaskID: taskID,
				ParentStepID: parentID, ChildStepID: childID,
			})
		}
	}

	txErr := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tdbc := dbctx.Context{Ctx: ctx, Tx: tx}
		if err := a.taskRepo.Create(tdbc, task); err != nil {
			return err
		}
		return a.stepRepo.CreateMany(tdbc, steps, edges)
	})
	if txErr != nil {
		return uuid.Nil, taskerrors.TransientStorage(txErr)
	}

	if err := a.advance(ctx, taskID); err != nil {
		// The task row exists; a failed initial readiness pass just means
		// the next scheduled evaluation picks it up, so this is logged
		// rather than surfaced as submission failure.
		a.log.Warn("initial readiness evaluation failed", "error", err, "task_uuid", taskID)
		return taskID, nil
	}
	return taskID, nil
}

func (a *TaskRequestActor) advance(ctx context.Context, taskID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	applied, err := a.taskRepo.TransitionState(dbc, taskID, domain.TaskStatePending, domain.TaskStateMaterializing, string(statemachine.TaskEventMaterialize), "")
	if err != nil || !applied {
		return err
	}
	if _, err := a.taskRepo.TransitionState(dbc, taskID, domain.TaskStateMaterializing, domain.TaskStateInProgress, string(statemachine.TaskEventBegin), ""); err != nil {
		return err
	}

	ready, err := a.sqlEval.Evaluate(taskID, time.Now())
	if err != nil {
		return err
	}
	if len(ready) == 0 {
		return nil
	}

	select {
	case a.toEnq <- enqueueRequest{TaskID: taskID, Ready: ready}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func validateContext(tmpl *domain.TaskTemplate, payload []byte) error {
	if len(tmpl.ContextSchema) == 0 || bytes.Equal(tmpl.ContextSchema, []byte("null")) {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("context.json", bytes.NewReader(tmpl.ContextSchema)); err != nil {
		return err
	}
	schema, err := compiler.Compile("context.json")
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

// detectCycle runs a straightforward DFS over the upstream adjacency
// declared by each NamedStep, returning the first step name found on a
// cycle, or "" if the DAG is acyclic.
func detectCycle(steps []*domain.NamedStep) string {
	upstream := make(map[string][]string, len(steps))
	for _, s := range steps {
		upstream[s.StepName] = s.Upstream
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var visit func(name string) string
	visit = func(name string) string {
		color[name] = gray
		for _, parent := range upstream[name] {
			switch color[parent] {
			case gray:
				return name
			case white:
				if c := visit(parent); c != "" {
					return c
				}
			}
		}
		color[name] = black
		return ""
	}
	for _, s := range steps {
		if color[s.StepName] == white {
			if c := visit(s.StepName); c != "" {
				return c
			}
		}
	}
	return ""
}
