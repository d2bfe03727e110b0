package readiness

import (
	"sort"
	"time"

	"github.com/tasker-systems/tasker/internal/domain"
	"github.com/tasker-systems/tasker/internal/repos"
)

// SnapshotEvaluator computes the identical ready set as SQLEvaluator but
// from an already-loaded DAG snapshot, walking parent edges in memory
// instead of issuing a correlated subquery. Used to cross-check the SQL
// evaluator in tests; the engine's actors evaluate readiness with
// SQLEvaluator only.
type SnapshotEvaluator struct{}

func NewSnapshotEvaluator() *SnapshotEvaluator {
	return &SnapshotEvaluator{}
}

// taskPriority and taskState are passed in rather than re-derived from the
// snapshot because DAGSnapshot carries only steps and edges; the caller
// already has the owning task row in hand.
func (e *SnapshotEvaluator) Evaluate(snap *repos.DAGSnapshot, taskPriority int, taskState string, now time.Time) []Ready {
	if !progressPermitted(taskState) {
		return nil
	}

	byID := make(map[string]*domain.Step, len(snap.Steps))
	for _, s := range snap.Steps {
		byID[s.ID.String()] = s
	}

	parents := make(map[string][]string, len(snap.Edges))
	for _, edge := range snap.Edges {
		child := edge.ChildStepID.String()
		parents[child] = append(parents[child], edge.ParentStepID.String())
	}

	var ready []Ready
	for _, s := range snap.Steps {
		if !stepEligible(s, now) {
			continue
		}
		if !upstreamSatisfied(s, parents, byID) {
			continue
		}
		ready = append(ready, Ready{
			StepID:       s.ID,
			TaskID:       s.TaskID,
			StepName:     s.StepName,
			TaskPriority: taskPriority,
		})
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].TaskPriority != ready[j].TaskPriority {
			return ready[i].TaskPriority > ready[j].TaskPriority
		}
		si, sj := byID[ready[i].StepID.String()], byID[ready[j].StepID.String()]
		if !si.CreatedAt.Equal(sj.CreatedAt) {
			return si.CreatedAt.Before(sj.CreatedAt)
		}
		return ready[i].StepID.String() < ready[j].StepID.String()
	})

	return ready
}

func progressPermitted(state string) bool {
	return state == domain.TaskStatePending || state == domain.TaskStateInProgress
}

func stepEligible(s *domain.Step, now time.Time) bool {
	if s.CurrentState != domain.StepStatePending && s.CurrentState != domain.StepStateBackoff {
		return false
	}
	if s.Attempts >= s.MaxAttempts {
		return false
	}
	if s.CurrentState == domain.StepStateBackoff && s.BackoffUntil != nil && now.Before(*s.BackoffUntil) {
		return false
	}
	return true
}

func upstreamSatisfied(s *domain.Step, parents map[string][]string, byID map[string]*domain.Step) bool {
	for _, parentID := range parents[s.ID.String()] {
		parent, ok := byID[parentID]
		if !ok {
			// Edge points at a step outside this snapshot; treat as unsatisfied
			// rather than silently skip, since a missing parent can never
			// resolve to a terminal state the caller will see.
			return false
		}
		if parent.CurrentState != domain.StepStateComplete && parent.CurrentState != domain.StepStateCompleteSkipped {
			return false
		}
	}
	return true
}
