package engine

import (
	"time"

	"github.com/tasker-systems/tasker/internal/domain"
	"github.com/tasker-systems/tasker/internal/queue"
)

// checkpointFromMessage converts an inbound checkpoint completion message
// into the row the step's checkpoint column stores. Generalizes
// internal/jobs/runtime/waitpoint.go's durable-pause envelope: a checkpoint
// is not a terminal outcome, just state a later attempt resumes from.
func checkpointFromMessage(msg queue.CompletionMessage) domain.Checkpoint {
	return domain.Checkpoint{
		Cursor:         msg.Cursor,
		ItemsProcessed: msg.ItemsProcessed,
		Accumulated:    msg.Accumulated,
		UpdatedAt:      time.Now(),
	}
}

// leaseExtension is how long a checkpoint renews a claimed message's
// visibility deadline by — the retry policy's max backoff, per spec.md
// §4.6 ("extends the queue message's visibility deadline by the retry
// policy's max_ms"). The orchestrator treats the payload itself as opaque.
func leaseExtension(rp domain.RetryPolicy) time.Duration {
	if rp.MaxMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(rp.MaxMS) * time.Millisecond
}

// resumeCheckpoint builds the dispatch-side checkpoint payload for a step
// being (re)dispatched with prior progress recorded, or nil if it has none.
// The worker receives this on redispatch and resumes from Cursor with
// Accumulated as starting state (spec.md §4.6); the engine never inspects
// Accumulated itself.
func resumeCheckpoint(step *domain.Step) *queue.Checkpoint {
	if step.Checkpoint == nil {
		return nil
	}
	cp := step.Checkpoint.Data()
	return &queue.Checkpoint{
		Cursor:         cp.Cursor,
		ItemsProcessed: cp.ItemsProcessed,
		Accumulated:    cp.Accumulated,
	}
}
