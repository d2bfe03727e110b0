package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Step states. Terminal: Complete, CompleteSkipped, Error, Cancelled.
const (
	StepStatePending         = "pending"
	StepStateEnqueued        = "enqueued"
	StepStateInProgress      = "in_progress"
	StepStateBackoff         = "backoff"
	StepStateComplete        = "complete"
	StepStateCompleteSkipped = "complete_skipped"
	StepStateError           = "error"
	StepStateCancelled       = "cancelled"
)

// Checkpoint is a mid-execution progress record for a batch step. It does
// not count as an attempt and is overwritten, never appended.
type Checkpoint struct {
	Cursor         string          `json:"cursor"`
	ItemsProcessed int64           `json:"items_processed"`
	Accumulated    datatypes.JSON  `json:"accumulated,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Step (workflow_step) is a runtime instance of a NamedStep within one Task.
type Step struct {
	ID     uuid.UUID `gorm:"column:step_uuid;type:uuid;primaryKey" json:"step_uuid"`
	TaskID uuid.UUID `gorm:"column:task_uuid;type:uuid;not null;index:idx_workflow_step_task_name,unique,priority:1" json:"task_uuid"`

	StepName string `gorm:"column:step_name;not null;index:idx_workflow_step_task_name,unique,priority:2" json:"step_name"`

	HandlerCallable        string         `gorm:"column:handler_callable;not null" json:"handler_callable"`
	HandlerInitialization  datatypes.JSON `gorm:"column:handler_initialization;type:jsonb" json:"handler_initialization,omitempty"`

	Attempts    int `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts int `gorm:"column:max_attempts;not null" json:"max_attempts"`

	RetryPolicy    datatypes.JSONType[RetryPolicy] `gorm:"column:retry_policy;type:jsonb;not null" json:"retry_policy"`
	TimeoutSeconds int                             `gorm:"column:timeout_seconds;not null;default:300" json:"timeout_seconds"`

	// Results is write-once per successful terminal completion.
	Results datatypes.JSON `gorm:"column:results;type:jsonb" json:"results,omitempty"`

	// Checkpoint is overwritten by every checkpoint outcome; distinct from
	// Results and never counts toward Attempts.
	Checkpoint *datatypes.JSONType[Checkpoint] `gorm:"column:checkpoint;type:jsonb" json:"checkpoint,omitempty"`

	BackoffUntil *time.Time `gorm:"column:backoff_until;index" json:"backoff_until,omitempty"`

	CurrentState string `gorm:"column:current_state;not null;index:idx_workflow_step_task_state" json:"current_state"`

	LastErrorKind    string     `gorm:"column:last_error_kind" json:"last_error_kind,omitempty"`
	LastErrorMessage string     `gorm:"column:last_error_message" json:"last_error_message,omitempty"`
	LastErrorAt      *time.Time `gorm:"column:last_error_at" json:"last_error_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Step) TableName() string { return "workflow_steps" }

// StepEdge records a materialized (parent_step_uuid, child_step_uuid) edge
// for one task's DAG instance, resolved from NamedStep.Upstream at
// materialization time.
type StepEdge struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TaskID        uuid.UUID `gorm:"column:task_uuid;type:uuid;not null;index" json:"task_uuid"`
	ParentStepID  uuid.UUID `gorm:"column:parent_step_uuid;type:uuid;not null;index" json:"parent_step_uuid"`
	ChildStepID   uuid.UUID `gorm:"column:child_step_uuid;type:uuid;not null;index" json:"child_step_uuid"`
}

func (StepEdge) TableName() string { return "workflow_step_edges" }

// StepTransition is an append-only audit row for a step state change.
type StepTransition struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	StepID uuid.UUID `gorm:"column:step_uuid;type:uuid;not null;index" json:"step_uuid"`
	TaskID uuid.UUID `gorm:"column:task_uuid;type:uuid;not null;index" json:"task_uuid"`

	FromState string `gorm:"column:from_state;not null" json:"from_state"`
	ToState   string `gorm:"column:to_state;not null" json:"to_state"`
	Event     string `gorm:"column:event;not null" json:"event"`

	WorkerID      string    `gorm:"column:worker_id" json:"worker_id,omitempty"`
	CorrelationID string    `gorm:"column:correlation_id" json:"correlation_id,omitempty"`
	RecordedAt    time.Time `gorm:"column:recorded_at;not null;default:now();index" json:"recorded_at"`
}

func (StepTransition) TableName() string { return "workflow_step_transitions" }
