package repos

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tasker-systems/tasker/internal/domain"
	"github.com/tasker-systems/tasker/internal/pkg/dbctx"
	"github.com/tasker-systems/tasker/internal/pkg/logger"
)

type TaskRepo interface {
	Create(dbc dbctx.Context, task *domain.Task) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error)
	List(dbc dbctx.Context, namespace string, limit, offset int) ([]*domain.Task, error)

	// TransitionState performs the guarded write: it only updates the row
	// if current_state still equals `from`, and appends the audit row in
	// the same transaction. The returned bool is false if the row had
	// already moved (a concurrent actor won the race).
	TransitionState(dbc dbctx.Context, id uuid.UUID, from, to, event, correlationID string) (bool, error)

	SetFailingSteps(dbc dbctx.Context, id uuid.UUID, stepNames []string) error

	// ListDeadLetter returns tasks in error that have not been resolved.
	ListDeadLetter(dbc dbctx.Context, namespace string, limit, offset int) ([]*domain.Task, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{db: db, log: baseLog.With("repo", "TaskRepo")}
}

func (r *taskRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *taskRepo) Create(dbc dbctx.Context, task *domain.Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.Must(uuid.NewV7())
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Create(task).Error
}

func (r *taskRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error) {
	var task domain.Task
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("task_uuid = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepo) List(dbc dbctx.Context, namespace string, limit, offset int) ([]*domain.Task, error) {
	q := r.tx(dbc).WithContext(dbc.Ctx).Model(&domain.Task{}).Order("created_at DESC")
	if namespace != "" {
		q = q.Where("namespace = ?", namespace)
	}
	var tasks []*domain.Task
	if err := q.Limit(limit).Offset(offset).Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepo) TransitionState(dbc dbctx.Context, id uuid.UUID, from, to, event, correlationID string) (bool, error) {
	t := r.tx(dbc)
	var applied bool
	err := t.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Task{}).
			Where("task_uuid = ? AND current_state = ?", id, from).
			Updates(map[string]interface{}{
				"current_state": to,
				"updated_at":    time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		return tx.Create(&domain.TaskTransition{
			ID:            uuid.Must(uuid.NewV7()),
			TaskID:        id,
			FromState:     from,
			ToState:       to,
			Event:         event,
			CorrelationID: correlationID,
			RecordedAt:    time.Now(),
		}).Error
	})
	return applied, err
}

func (r *taskRepo) SetFailingSteps(dbc dbctx.Context, id uuid.UUID, stepNames []string) error {
	return r.tx(dbc).WithContext(dbc.Ctx).Model(&domain.Task{}).
		Where("task_uuid = ?", id).
		Update("failing_steps", stepNames).Error
}

func (r *taskRepo) ListDeadLetter(dbc dbctx.Context, namespace string, limit, offset int) ([]*domain.Task, error) {
	q := r.tx(dbc).WithContext(dbc.Ctx).Model(&domain.Task{}).
		Where("current_state = ?", domain.TaskStateError).
		Order("updated_at DESC")
	if namespace != "" {
		q = q.Where("namespace = ?", namespace)
	}
	var tasks []*domain.Task
	if err := q.Limit(limit).Offset(offset).Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}
