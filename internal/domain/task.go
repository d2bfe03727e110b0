package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Task states. Terminal: Complete, Error, Cancelled, ResolvedManually.
// Materializing and Finalizing are intermediate bookkeeping stages bridging
// TaskRequestActor's insert and the first readiness pass, and the window
// between last-step-terminal and TaskFinalizerActor's transition.
const (
	TaskStatePending          = "pending"
	TaskStateMaterializing    = "materializing"
	TaskStateInProgress       = "in_progress"
	TaskStatePaused           = "paused"
	TaskStateFinalizing       = "finalizing"
	TaskStateComplete         = "complete"
	TaskStateError            = "error"
	TaskStateCancelled        = "cancelled"
	TaskStateResolvedManually = "resolved_manually"
)

// Task is a runtime instance of a TaskTemplate.
type Task struct {
	ID uuid.UUID `gorm:"column:task_uuid;type:uuid;primaryKey" json:"task_uuid"`

	TemplateID uuid.UUID `gorm:"type:uuid;not null;index" json:"template_id"`
	Namespace  string    `gorm:"column:namespace;not null;index:idx_task_namespace_name_version" json:"namespace"`
	Name       string    `gorm:"column:name;not null;index:idx_task_namespace_name_version" json:"name"`
	Version    int       `gorm:"column:version;not null;index:idx_task_namespace_name_version" json:"version"`

	// Context is the immutable submission payload; never mutated after
	// TaskRequestActor inserts the row.
	Context datatypes.JSON `gorm:"column:context;type:jsonb;not null" json:"context"`

	CorrelationID string `gorm:"column:correlation_id;index" json:"correlation_id,omitempty"`
	Priority      int    `gorm:"column:priority;not null;default:0;index" json:"priority"`
	Initiator     string `gorm:"column:initiator" json:"initiator,omitempty"`
	SourceSystem  string `gorm:"column:source_system" json:"source_system,omitempty"`
	Reason        string `gorm:"column:reason" json:"reason,omitempty"`
	Tags          datatypes.JSONSlice[string] `gorm:"column:tags;type:jsonb" json:"tags,omitempty"`

	CurrentState string `gorm:"column:current_state;not null;index" json:"current_state"`

	// FailingSteps caches the names of steps that drove a task to error, so
	// the dead-letter view doesn't need a join for the common case.
	FailingSteps datatypes.JSONSlice[string] `gorm:"column:failing_steps;type:jsonb" json:"failing_steps,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

// TaskTransition is an append-only audit row for a task state change.
type TaskTransition struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TaskID uuid.UUID `gorm:"type:uuid;not null;index" json:"task_uuid"`

	FromState string `gorm:"column:from_state;not null" json:"from_state"`
	ToState   string `gorm:"column:to_state;not null" json:"to_state"`
	Event     string `gorm:"column:event;not null" json:"event"`

	CorrelationID string    `gorm:"column:correlation_id" json:"correlation_id,omitempty"`
	RecordedAt    time.Time `gorm:"column:recorded_at;not null;default:now();index" json:"recorded_at"`
}

func (TaskTransition) TableName() string { return "task_transitions" }
