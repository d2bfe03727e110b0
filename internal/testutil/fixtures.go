package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tasker-systems/tasker/internal/domain"
)

// SeedTemplate creates a single-step-free TaskTemplate; callers add
// NamedStep rows with SeedNamedStep.
func SeedTemplate(tb testing.TB, ctx context.Context, tx *gorm.DB, namespace, name string, version int) *domain.TaskTemplate {
	tb.Helper()
	t := &domain.TaskTemplate{
		ID:                 uuid.Must(uuid.NewV7()),
		Namespace:          namespace,
		Name:               name,
		Version:            version,
		DefaultRetryPolicy: datatypes.NewJSONType(domain.RetryPolicy{MaxAttempts: 3, BackoffKind: "exponential", BaseMS: 100, MaxMS: 5000}),
	}
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
		tb.Fatalf("seed template: %v", err)
	}
	return t
}

// SeedNamedStep attaches a declarative step to a template.
func SeedNamedStep(tb testing.TB, ctx context.Context, tx *gorm.DB, templateID uuid.UUID, stepName string, upstream []string) *domain.NamedStep {
	tb.Helper()
	s := &domain.NamedStep{
		ID:              uuid.Must(uuid.NewV7()),
		TemplateID:      templateID,
		StepName:        stepName,
		Upstream:        upstream,
		HandlerCallable: "noop",
		RetryPolicy:     datatypes.NewJSONType(domain.RetryPolicy{MaxAttempts: 3, BackoffKind: "fixed", BaseMS: 50, MaxMS: 1000}),
		TimeoutSeconds:  60,
	}
	if err := tx.WithContext(ctx).Create(s).Error; err != nil {
		tb.Fatalf("seed named step: %v", err)
	}
	return s
}

// SeedTask creates a Task in the given state, bypassing the state machine —
// tests that exercise the machine itself should drive transitions through
// it instead of mutating CurrentState directly afterward.
func SeedTask(tb testing.TB, ctx context.Context, tx *gorm.DB, templateID uuid.UUID, namespace, name string, state string) *domain.Task {
	tb.Helper()
	t := &domain.Task{
		ID:           uuid.Must(uuid.NewV7()),
		TemplateID:   templateID,
		Namespace:    namespace,
		Name:         name,
		Version:      1,
		Context:      datatypes.JSON([]byte("{}")),
		CurrentState: state,
	}
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
		tb.Fatalf("seed task: %v", err)
	}
	return t
}

// SeedStep creates a Step row in the given state.
func SeedStep(tb testing.TB, ctx context.Context, tx *gorm.DB, taskID uuid.UUID, stepName, state string) *domain.Step {
	tb.Helper()
	s := &domain.Step{
		ID:           uuid.Must(uuid.NewV7()),
		TaskID:       taskID,
		StepName:     stepName,
		MaxAttempts:  3,
		RetryPolicy:  datatypes.NewJSONType(domain.RetryPolicy{MaxAttempts: 3, BackoffKind: "fixed", BaseMS: 50, MaxMS: 1000}),
		CurrentState: state,
	}
	if err := tx.WithContext(ctx).Create(s).Error; err != nil {
		tb.Fatalf("seed step: %v", err)
	}
	return s
}

// SeedEdge materializes a parent->child dependency between two steps.
func SeedEdge(tb testing.TB, ctx context.Context, tx *gorm.DB, taskID, parent, child uuid.UUID) *domain.StepEdge {
	tb.Helper()
	e := &domain.StepEdge{
		ID:           uuid.Must(uuid.NewV7()),
		TaskID:       taskID,
		ParentStepID: parent,
		ChildStepID:  child,
	}
	if err := tx.WithContext(ctx).Create(e).Error; err != nil {
		tb.Fatalf("seed edge: %v", err)
	}
	return e
}

func PtrUUID(v uuid.UUID) *uuid.UUID { return &v }
func PtrTime(v time.Time) *time.Time { return &v }
