package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RetryPolicy matches the shape named in the task-template spec:
// {max_attempts, backoff_kind, base_ms, max_ms}.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	BackoffKind string `json:"backoff_kind"` // fixed | linear | exponential
	BaseMS      int64  `json:"base_ms"`
	MaxMS       int64  `json:"max_ms"`
}

// BatchConfig describes cursor-based partitioning for a step that emits
// checkpoint outcomes.
type BatchConfig struct {
	CursorField string `json:"cursor_field,omitempty"`
	PageSize    int    `json:"page_size,omitempty"`
}

// TaskTemplate is an immutable, versioned declaration identified by
// (namespace, name, version). It owns an ordered set of NamedStep rows.
type TaskTemplate struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Namespace string    `gorm:"column:namespace;not null;uniqueIndex:idx_task_template_triple,priority:1" json:"namespace"`
	Name      string    `gorm:"column:name;not null;uniqueIndex:idx_task_template_triple,priority:2" json:"name"`
	Version   int       `gorm:"column:version;not null;uniqueIndex:idx_task_template_triple,priority:3" json:"version"`

	// ContextSchema is an optional JSON-Schema document validated against a
	// submission's context before materialization.
	ContextSchema datatypes.JSON `gorm:"column:context_schema;type:jsonb" json:"context_schema,omitempty"`

	DefaultRetryPolicy datatypes.JSONType[RetryPolicy] `gorm:"column:default_retry_policy;type:jsonb;not null" json:"default_retry_policy"`

	// RoutingDescriptor is an optional routing payload stored with the
	// template. The engine does not read it: the queue backend is chosen per
	// process and dispatches always go to "dispatch:"+namespace.
	RoutingDescriptor datatypes.JSON `gorm:"column:routing_descriptor;type:jsonb" json:"routing_descriptor,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (TaskTemplate) TableName() string { return "task_templates" }

// NamedStep is declarative metadata for one node in a template's DAG: a step
// name unique within the template, its upstream dependency names, a handler
// reference, a retry policy, a timeout, and optional batch configuration.
type NamedStep struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TemplateID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_named_step_template_name,priority:1;index" json:"template_id"`

	StepName string         `gorm:"column:step_name;not null;uniqueIndex:idx_named_step_template_name,priority:2" json:"step_name"`
	Upstream datatypes.JSONSlice[string] `gorm:"column:upstream;type:jsonb;not null" json:"upstream"`

	HandlerCallable      string         `gorm:"column:handler_callable;not null" json:"handler_callable"`
	HandlerInitialization datatypes.JSON `gorm:"column:handler_initialization;type:jsonb" json:"handler_initialization,omitempty"`

	RetryPolicy    datatypes.JSONType[RetryPolicy] `gorm:"column:retry_policy;type:jsonb;not null" json:"retry_policy"`
	TimeoutSeconds int                             `gorm:"column:timeout_seconds;not null;default:300" json:"timeout_seconds"`

	BatchConfig *datatypes.JSONType[BatchConfig] `gorm:"column:batch_config;type:jsonb" json:"batch_config,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (NamedStep) TableName() string { return "named_steps" }
