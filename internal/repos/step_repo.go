package repos

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tasker-systems/tasker/internal/domain"
	"github.com/tasker-systems/tasker/internal/pkg/dbctx"
	"github.com/tasker-systems/tasker/internal/pkg/logger"
)

// DAGSnapshot is one task's steps and edges loaded in memory. The snapshot
// readiness evaluator (readiness/snapshot.go) walks it, while the SQL
// evaluator queries the same tables directly; StepEnqueuerActor also uses it
// to collect dependency results.
type DAGSnapshot struct {
	Steps []*domain.Step
	Edges []*domain.StepEdge
}

type StepRepo interface {
	CreateMany(dbc dbctx.Context, steps []*domain.Step, edges []*domain.StepEdge) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Step, error)
	GetByTaskID(dbc dbctx.Context, taskID uuid.UUID) ([]*domain.Step, error)
	GetDAGSnapshot(dbc dbctx.Context, taskID uuid.UUID) (*DAGSnapshot, error)

	// TransitionState is the guarded write shared by every step-state
	// change: it only applies if current_state still equals `from`, and
	// appends the audit row in the same transaction.
	TransitionState(dbc dbctx.Context, id uuid.UUID, from, to, event, workerID, correlationID string) (bool, error)

	// ClaimAndTransition is called at claim time by both queue backends: it
	// performs the enqueued->in_progress transition and increments Attempts,
	// or records a reclaim of a step already in_progress without incrementing.
	// pgqueue passes its SKIP LOCKED transaction; redisqueue passes nil and
	// the repo's base connection is used.
	ClaimAndTransition(tx *gorm.DB, id uuid.UUID, workerID, correlationID string) (bool, error)

	UpdateResults(dbc dbctx.Context, id uuid.UUID, results []byte) error
	UpdateCheckpoint(dbc dbctx.Context, id uuid.UUID, cp domain.Checkpoint) error
	SetBackoffUntil(dbc dbctx.Context, id uuid.UUID, until time.Time) error
	SetLastError(dbc dbctx.Context, id uuid.UUID, kind, message string) error

	// FindStaleInProgress returns steps that have sat in_progress since
	// before cutoff — candidates for the stale-claim reclaim sweep. A step
	// can land here either because its queue-level lease already expired
	// and was redelivered to a worker that also died, or because its
	// dispatch message itself was lost (evicted, manually purged) and no
	// queue-level redelivery will ever happen for it at all.
	FindStaleInProgress(dbc dbctx.Context, cutoff time.Time) ([]*domain.Step, error)
}

type stepRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStepRepo(db *gorm.DB, baseLog *logger.Logger) StepRepo {
	return &stepRepo{db: db, log: baseLog.With("repo", "StepRepo")}
}

func (r *stepRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *stepRepo) CreateMany(dbc dbctx.Context, steps []*domain.Step, edges []*domain.StepEdge) error {
	return r.tx(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		for _, s := range steps {
			if s.ID == uuid.Nil {
				s.ID = uuid.Must(uuid.NewV7())
			}
		}
		if len(steps) > 0 {
			if err := tx.Create(&steps).Error; err != nil {
				return err
			}
		}
		for _, e := range edges {
			if e.ID == uuid.Nil {
				e.ID = uuid.Must(uuid.NewV7())
			}
		}
		if len(edges) > 0 {
			if err := tx.Create(&edges).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *stepRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Step, error) {
	var step domain.Step
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("step_uuid = ?", id).First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}

func (r *stepRepo) GetByTaskID(dbc dbctx.Context, taskID uuid.UUID) ([]*domain.Step, error) {
	var steps []*domain.Step
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("task_uuid = ?", taskID).Order("created_at ASC").Find(&steps).Error; err != nil {
		return nil, err
	}
	return steps, nil
}

func (r *stepRepo) GetDAGSnapshot(dbc dbctx.Context, taskID uuid.UUID) (*DAGSnapshot, error) {
	t := r.tx(dbc)
	var steps []*domain.Step
	if err := t.WithContext(dbc.Ctx).Where("task_uuid = ?", taskID).Find(&steps).Error; err != nil {
		return nil, err
	}
	var edges []*domain.StepEdge
	if err := t.WithContext(dbc.Ctx).Where("task_uuid = ?", taskID).Find(&edges).Error; err != nil {
		return nil, err
	}
	return &DAGSnapshot{Steps: steps, Edges: edges}, nil
}

func (r *stepRepo) TransitionState(dbc dbctx.Context, id uuid.UUID, from, to, event, workerID, correlationID string) (bool, error) {
	var applied bool
	err := r.tx(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		var ok bool
		var taskID uuid.UUID
		if err := tx.Model(&domain.Step{}).Select("task_uuid").Where("step_uuid = ?", id).Scan(&taskID).Error; err != nil {
			return err
		}
		res := tx.Model(&domain.Step{}).
			Where("step_uuid = ? AND current_state = ?", id, from).
			Updates(map[string]interface{}{
				"current_state": to,
				"updated_at":    time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		ok = res.RowsAffected > 0
		if !ok {
			return nil
		}
		applied = true
		return tx.Create(&domain.StepTransition{
			ID:            uuid.Must(uuid.NewV7()),
			StepID:        id,
			TaskID:        taskID,
			FromState:     from,
			ToState:       to,
			Event:         event,
			WorkerID:      workerID,
			CorrelationID: correlationID,
			RecordedAt:    time.Now(),
		}).Error
	})
	return applied, err
}

// ClaimAndTransition is called at claim time by both queue backends. A claim
// can observe a step in one of two legitimate states: Enqueued (the normal,
// first claim — transition to in_progress and bump Attempts) or InProgress
// (a redelivery of a message whose prior claimant's visibility lease expired
// before it acked or nacked — the step never left in_progress, so this is
// the same in-flight attempt resuming under a new worker, not a new one).
// Any other current state means the race was already lost to another
// claimer or finalizer; the caller drops its copy of the message.
func (r *stepRepo) ClaimAndTransition(tx *gorm.DB, id uuid.UUID, workerID, correlationID string) (bool, error) {
	if tx == nil {
		// redisqueue has no ambient transaction to join (its claim is a
		// Redis operation, not a Postgres one), so it calls this against
		// the repo's base connection instead.
		tx = r.db
	}
	var step domain.Step
	if err := tx.Where("step_uuid = ?", id).First(&step).Error; err != nil {
		return false, err
	}

	switch step.CurrentState {
	case domain.StepStateEnqueued:
		res := tx.Model(&domain.Step{}).
			Where("step_uuid = ? AND current_state = ?", id, domain.StepStateEnqueued).
			Updates(map[string]interface{}{
				"current_state": domain.StepStateInProgress,
				"attempts":      step.Attempts + 1,
				"updated_at":    time.Now(),
			})
		if res.Error != nil {
			return false, res.Error
		}
		if res.RowsAffected == 0 {
			return false, nil
		}
		if err := tx.Create(&domain.StepTransition{
			ID:            uuid.Must(uuid.NewV7()),
			StepID:        id,
			TaskID:        step.TaskID,
			FromState:     domain.StepStateEnqueued,
			ToState:       domain.StepStateInProgress,
			Event:         "claim",
			WorkerID:      workerID,
			CorrelationID: correlationID,
			RecordedAt:    time.Now(),
		}).Error; err != nil {
			return false, err
		}
		return true, nil

	case domain.StepStateInProgress:
		// A lease-expired redelivery: the step's state and Attempts count
		// are untouched (the DispatchMessage.Attempt a worker reports back
		// must keep matching the DB value), but the handoff is recorded for
		// the audit trail.
		if err := tx.Model(&domain.Step{}).
			Where("step_uuid = ?", id).
			Update("updated_at", time.Now()).Error; err != nil {
			return false, err
		}
		if err := tx.Create(&domain.StepTransition{
			ID:            uuid.Must(uuid.NewV7()),
			StepID:        id,
			TaskID:        step.TaskID,
			FromState:     domain.StepStateInProgress,
			ToState:       domain.StepStateInProgress,
			Event:         "reclaim",
			WorkerID:      workerID,
			CorrelationID: correlationID,
			RecordedAt:    time.Now(),
		}).Error; err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, nil
	}
}

func (r *stepRepo) UpdateResults(dbc dbctx.Context, id uuid.UUID, results []byte) error {
	return r.tx(dbc).WithContext(dbc.Ctx).Model(&domain.Step{}).
		Where("step_uuid = ?", id).
		Update("results", results).Error
}

func (r *stepRepo) UpdateCheckpoint(dbc dbctx.Context, id uuid.UUID, cp domain.Checkpoint) error {
	boxed := datatypes.NewJSONType(cp)
	return r.tx(dbc).WithContext(dbc.Ctx).Model(&domain.Step{}).
		Where("step_uuid = ?", id).
		Update("checkpoint", &boxed).Error
}

func (r *stepRepo) SetBackoffUntil(dbc dbctx.Context, id uuid.UUID, until time.Time) error {
	return r.tx(dbc).WithContext(dbc.Ctx).Model(&domain.Step{}).
		Where("step_uuid = ?", id).
		Update("backoff_until", until).Error
}

func (r *stepRepo) SetLastError(dbc dbctx.Context, id uuid.UUID, kind, message string) error {
	now := time.Now()
	return r.tx(dbc).WithContext(dbc.Ctx).Model(&domain.Step{}).
		Where("step_uuid = ?", id).
		Updates(map[string]interface{}{
			"last_error_kind":    kind,
			"last_error_message": message,
			"last_error_at":      now,
		}).Error
}

func (r *stepRepo) FindStaleInProgress(dbc dbctx.Context, cutoff time.Time) ([]*domain.Step, error) {
	var steps []*domain.Step
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("current_state = ? AND updated_at <= ?", domain.StepStateInProgress, cutoff).
		Find(&steps).Error
	if err != nil {
		return nil, err
	}
	return steps, nil
}
