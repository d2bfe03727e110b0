package engine

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"

	taskerrors "github.com/tasker-systems/tasker/internal/pkg/errors"
	"github.com/tasker-systems/tasker/internal/readiness"
)

// SubmissionRequest is TaskRequestActor's inbound message: a task submission
// (spec.md §6's inbound RPC), carrying a channel the caller blocks on for
// the result so HTTP/CLI handlers can await synchronously while the actor
// itself stays message-driven.
type SubmissionRequest struct {
	Namespace     string
	Name          string
	Version       int
	Context       datatypes.JSON
	CorrelationID string
	Priority      int
	Initiator     string
	SourceSystem  string
	Reason        string
	Tags          []string

	Result chan SubmissionResult
}

// SubmissionResult is sent back on SubmissionRequest.Result exactly once.
type SubmissionResult struct {
	TaskID uuid.UUID
	Err    *taskerrors.Error
}

// enqueueRequest is the unit StepEnqueuerActor batches: one task's freshly
// computed ready set.
type enqueueRequest struct {
	TaskID uuid.UUID
	Ready  []readiness.Ready
}

// finalizeRequest asks TaskFinalizerActor to re-evaluate one task's terminal
// status; sent whenever a step of that task reaches a terminal state.
type finalizeRequest struct {
	TaskID uuid.UUID
}
