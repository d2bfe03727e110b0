// Package readiness computes the ready-step set for a task: steps whose
// dependencies are satisfied, whose retry budget isn't exhausted, and whose
// backoff window (if any) has elapsed. Two evaluators are provided — a
// set-oriented SQL query (this file) and an in-process DAG-snapshot walk
// (snapshot.go) — and must agree on every input; tests cross-check them.
package readiness

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Ready describes one step eligible for dispatch now, carrying just what
// the enqueuer needs to build a queue message.
type Ready struct {
	StepID       uuid.UUID `json:"step_uuid"`
	TaskID       uuid.UUID `json:"task_uuid"`
	StepName     string    `json:"step_name"`
	TaskPriority int       `json:"task_priority"`
}

// SQLEvaluator computes readiness with a single set-oriented query joining
// step state, edge relations, and each step's own upstream-satisfaction
// check. Grounded on the teacher's raw-SQL query-construction idiom in
// `ClaimNextRunnable` (a hand-written query over a status column, rather
// than letting GORM build the predicate).
type SQLEvaluator struct {
	db *gorm.DB
}

func NewSQLEvaluator(db *gorm.DB) *SQLEvaluator {
	return &SQLEvaluator{db: db}
}

// readinessQuery is spec.md §4.1's five-part readiness contract expressed directly:
// a step is ready iff it's in pending/backoff, every upstream step is
// complete/complete_skipped (or it has no upstream), attempts remain, its
// backoff deadline (if any) has passed, and its task still permits progress.
const readinessQuery = `
SELECT s.step_uuid, s.task_uuid, s.step_name, t.priority AS task_priority
FROM workflow_steps s
JOIN tasks t ON t.task_uuid = s.task_uuid
WHERE s.task_uuid = ?
  AND s.current_state IN ('pending', 'backoff')
  AND s.attempts < s.max_attempts
  AND (s.current_state != 'backoff' OR s.backoff_until IS NULL OR s.backoff_until <= ?)
  AND t.current_state IN ('pending', 'in_progress')
  AND NOT EXISTS (
    SELECT 1 FROM workflow_step_edges e
    JOIN workflow_steps u ON u.step_uuid = e.parent_step_uuid
    WHERE e.task_uuid = s.task_uuid
      AND e.child_step_uuid = s.step_uuid
      AND u.current_state NOT IN ('complete', 'complete_skipped')
  )
ORDER BY t.priority DESC, s.created_at ASC, s.step_uuid ASC
`

func (e *SQLEvaluator) Evaluate(taskID uuid.UUID, now time.Time) ([]Ready, error) {
	var rows []Ready
	if err := e.db.Raw(readinessQuery, taskID, now).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
