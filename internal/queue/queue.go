// Package queue defines the durable message-bus contract the engine
// dispatches step work through and receives completion outcomes over. Two
// backends implement it: pgqueue (Postgres SKIP LOCKED) and redisqueue
// (Redis sorted set + pub/sub). Both give at-least-once delivery with
// visibility timeouts, explicit ack, and explicit lease renewal. Neither
// backend deduplicates: every enqueue or submit stores a new message, even
// when one for the same (step_uuid, attempt) is already queued.
//
// The bus carries traffic in two directions: StepEnqueuerActor produces
// DispatchMessages that a worker claims (ClaimDispatch — this is also where
// the step's enqueued->in_progress transition fires, since the wire
// contract defines no separate inbound "claim" message); a worker later
// submits a CompletionMessage (SubmitCompletion) that ResultProcessorActor
// claims (ClaimCompletions).
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RetryPolicy mirrors domain.RetryPolicy; duplicated here so the queue
// package never imports domain — dispatch messages are a wire contract,
// not a persistence concern.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	BackoffKind string `json:"backoff_kind"`
	BaseMS      int64  `json:"base_ms"`
	MaxMS       int64  `json:"max_ms"`
}

// StepDefinition is the handler-binding slice of a step carried in a
// dispatch message, so a worker never needs to query Tasker for metadata.
type StepDefinition struct {
	HandlerCallable       string         `json:"handler_callable"`
	HandlerInitialization datatypes.JSON `json:"handler_initialization,omitempty"`
	TimeoutSeconds        int            `json:"timeout_seconds"`
	Retry                 RetryPolicy    `json:"retry"`
	Dependencies          []string       `json:"dependencies,omitempty"`
}

// TaskSummary is the slice of task state a worker needs alongside the step.
type TaskSummary struct {
	Context   datatypes.JSON `json:"context"`
	Namespace string         `json:"namespace"`
	Name      string         `json:"name"`
	Version   int            `json:"version"`
	Priority  int            `json:"priority"`
}

// Checkpoint is the opaque mid-run progress payload carried on redispatch.
type Checkpoint struct {
	Cursor         string         `json:"cursor"`
	ItemsProcessed int64          `json:"items_processed"`
	Accumulated    datatypes.JSON `json:"accumulated,omitempty"`
}

// DispatchMessage is the outbound step-dispatch wire shape (spec §6).
type DispatchMessage struct {
	EventID           uuid.UUID                 `json:"event_id"`
	TaskID            uuid.UUID                 `json:"task_uuid"`
	StepID            uuid.UUID                 `json:"step_uuid"`
	CorrelationID     string                    `json:"correlation_id,omitempty"`
	Attempt           int                       `json:"attempt"`
	Task              TaskSummary               `json:"task"`
	StepDefinition    StepDefinition            `json:"step_definition"`
	DependencyResults map[string]datatypes.JSON `json:"dependency_results,omitempty"`
	Checkpoint        *Checkpoint                `json:"checkpoint,omitempty"`
}

// MaxDispatchPayloadBytes bounds a single dispatch message's marshaled
// size. Both backends reject an oversized message with errors.QueuePermanent
// rather than enqueueing it, matching spec.md §4.4's "queue rejects
// permanently (size, acl)" case.
const MaxDispatchPayloadBytes = 256 * 1024

// OutcomeKind names which of the four completion shapes a CompletionMessage
// carries.
type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeFailureRetryable OutcomeKind = "failure_retryable"
	OutcomeFailurePermanent OutcomeKind = "failure_permanent"
	OutcomeCheckpoint       OutcomeKind = "checkpoint"
)

// CompletionMessage is the inbound completion wire shape (spec §4.5/§6).
// Exactly one of the outcome-specific field groups is populated, selected
// by Kind.
type CompletionMessage struct {
	StepID  uuid.UUID   `json:"step_uuid"`
	TaskID  uuid.UUID   `json:"task_uuid"`
	Attempt int         `json:"attempt"`
	Kind    OutcomeKind `json:"outcome_kind"`

	// success
	Results  datatypes.JSON `json:"results,omitempty"`
	Metadata datatypes.JSON `json:"metadata,omitempty"`

	// failure_retryable / failure_permanent
	ErrorKind    string `json:"error_kind,omitempty"`
	Message      string `json:"message,omitempty"`
	RetryAfterMS *int64 `json:"retry_after_ms,omitempty"`

	// checkpoint
	Cursor         string         `json:"cursor,omitempty"`
	ItemsProcessed int64          `json:"items_processed,omitempty"`
	Accumulated    datatypes.JSON `json:"accumulated,omitempty"`
}

// ClaimedDispatch wraps a dequeued dispatch message with the receipt handle
// a worker uses to ack, nack, or extend its lease.
type ClaimedDispatch struct {
	Message DispatchMessage
	Receipt string
}

// ClaimedCompletion wraps a dequeued completion message with its receipt.
type ClaimedCompletion struct {
	Message CompletionMessage
	Receipt string
}

// Queue is the durable message-bus contract both backends implement.
type Queue interface {
	// EnqueueDispatch publishes a batch of step-dispatch messages to a
	// namespace-scoped destination queue. Dedup key is msg.StepID; at-most-
	// once delivery per claim lease is the backend's responsibility.
	EnqueueDispatch(ctx context.Context, queueName string, msgs []DispatchMessage) error

	// ClaimDispatch is the operation a worker calls to pull pending
	// dispatch messages. It is also where the step's enqueued->in_progress
	// transition and attempt increment happen (see package doc).
	ClaimDispatch(ctx context.Context, queueName string, workerID string, max int) ([]ClaimedDispatch, error)

	// SubmitCompletion is the operation a worker calls to report an
	// outcome back to the engine.
	SubmitCompletion(ctx context.Context, queueName string, msg CompletionMessage) error

	// ClaimCompletions is the operation ResultProcessorActor calls to pull
	// pending completion messages for processing.
	ClaimCompletions(ctx context.Context, queueName string, max int) ([]ClaimedCompletion, error)

	// Ack acknowledges successful processing of a claimed message
	// (dispatch or completion), removing it from the queue permanently.
	Ack(ctx context.Context, receipt string) error

	// Nack returns a claimed message to the queue immediately, for when
	// processing fails transiently and should be retried without waiting
	// out the full visibility timeout.
	Nack(ctx context.Context, receipt string) error

	// ExtendLease pushes back a claimed message's visibility deadline,
	// implementing checkpoint lease renewal (spec §4.6).
	ExtendLease(ctx context.Context, receipt string, by time.Duration) error

	// CancelStep drops any not-yet-claimed dispatch messages for a step
	// and marks its currently-claimed one (if any) so the next redelivery
	// attempt is discarded instead of re-presented to a worker — spec.md
	// §5's "instructs the queue to stop redelivering in-flight messages
	// for those steps (drop on next delivery)".
	CancelStep(ctx context.Context, queueName string, stepID uuid.UUID) error

	Close() error
}
