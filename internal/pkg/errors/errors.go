// Package errors defines the engine's error kinds and how they classify for
// retry and HTTP surfacing. Every kind wraps an underlying cause the way
// apierr.Error does, but also carries a retry classification actors use to
// decide whether to back off, fail the work unit, or propagate immediately.
package errors

import (
	"errors"
	"fmt"
)

// Kind names the seven error categories the engine distinguishes. These are
// not Go type names; Kind is carried on a single Error struct so callers can
// switch on it without type assertions.
type Kind string

const (
	// KindValidation covers malformed submissions, cycles, unknown templates.
	// Permanent; surfaced to the caller.
	KindValidation Kind = "validation_error"
	// KindInvalidTransition is a state-machine guard violation. Permanent;
	// indicates an engine bug or concurrent actor misbehavior.
	KindInvalidTransition Kind = "invalid_transition"
	// KindTransientStorage covers connection loss and deadlocks. Retry with
	// backoff inside the actor.
	KindTransientStorage Kind = "transient_storage_error"
	// KindQueueTransient means the queue is temporarily unavailable.
	KindQueueTransient Kind = "queue_transient"
	// KindQueuePermanent means a message was rejected outright (too large,
	// unknown queue).
	KindQueuePermanent Kind = "queue_permanent"
	// KindWorkerRetryable is reported by a worker and feeds the step's retry
	// policy.
	KindWorkerRetryable Kind = "worker_retryable"
	// KindWorkerPermanent is reported by a worker and forces the step to
	// error regardless of attempt count.
	KindWorkerPermanent Kind = "worker_permanent"
)

// Error is the engine's structured error value: a classification, an HTTP
// status for the thin transport layer, and a wrapped cause.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the actor that produced this error should retry
// the work unit locally rather than failing it outright.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindTransientStorage, KindQueueTransient, KindWorkerRetryable:
		return true
	default:
		return false
	}
}

func newErr(kind Kind, status int, code string, err error) *Error {
	return &Error{Kind: kind, Status: status, Code: code, Err: err}
}

func Validation(code string, err error) *Error {
	return newErr(KindValidation, 400, code, err)
}

func InvalidTransition(from, to, event string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Status:  500,
		Code:    "invalid_transition",
		Message: fmt.Sprintf("cannot apply event %q from state %q to %q", event, from, to),
	}
}

func TransientStorage(err error) *Error {
	return newErr(KindTransientStorage, 503, "transient_storage_error", err)
}

func QueueTransient(err error) *Error {
	return newErr(KindQueueTransient, 503, "queue_transient", err)
}

func QueuePermanent(err error) *Error {
	return newErr(KindQueuePermanent, 422, "queue_permanent", err)
}

func WorkerRetryable(code string, err error) *Error {
	return newErr(KindWorkerRetryable, 0, code, err)
}

func WorkerPermanent(code string, err error) *Error {
	return newErr(KindWorkerPermanent, 0, code, err)
}

// Sentinel errors used for simple not-found / already-exists checks where a
// full Kind classification is unnecessary.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrCycleDetected = errors.New("cycle detected in step dependencies")
)

// As is a thin wrapper over errors.As for the common case of recovering an
// *Error from a wrapped chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
