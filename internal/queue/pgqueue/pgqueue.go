// Package pgqueue implements internal/queue.Queue over a single Postgres
// table using SELECT ... FOR UPDATE SKIP LOCKED, the same claim idiom the
// teacher uses in its job-run queue (ClaimNextRunnable).
package pgqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	taskerrors "github.com/tasker-systems/tasker/internal/pkg/errors"
	"github.com/tasker-systems/tasker/internal/pkg/logger"
	"github.com/tasker-systems/tasker/internal/queue"
	"github.com/tasker-systems/tasker/internal/repos"
)

const (
	kindDispatch   = "dispatch"
	kindCompletion = "completion"

	statusPending = "pending"
	statusClaimed = "claimed"
)

// message is the single-table row backing both directions of traffic; Kind
// and QueueName discriminate dispatch messages (engine -> worker) from
// completion messages (worker -> engine).
type message struct {
	ID        uuid.UUID      `gorm:"column:id;type:uuid;primaryKey"`
	QueueName string         `gorm:"column:queue_name;not null;index:idx_queue_claim"`
	Kind      string         `gorm:"column:kind;not null;index:idx_queue_claim"`
	StepID    uuid.UUID      `gorm:"column:step_uuid;type:uuid;not null;index"`
	Payload   datatypes.JSON `gorm:"column:payload;type:jsonb;not null"`
	Attempt   int            `gorm:"column:attempt;not null"`
	Status    string         `gorm:"column:status;not null;index:idx_queue_claim"`
	WorkerID  string         `gorm:"column:worker_id"`
	VisibleAt time.Time      `gorm:"column:visible_at;not null;index"`
	Cancelled bool           `gorm:"column:cancelled;not null;default:false"`
	CreatedAt time.Time      `gorm:"column:created_at;not null;default:now()"`
}

func (message) TableName() string { return "queue_messages" }

// AutoMigrate creates/updates the queue_messages table. Exposed so callers
// (cmd/tasker, internal/testutil) can migrate the queue schema alongside
// the engine's domain tables without reaching into this package's
// unexported row type.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&message{})
}

type pgQueue struct {
	db       *gorm.DB
	stepRepo repos.StepRepo
	log      *logger.Logger
	// leaseDuration is how long a claimed message stays invisible before
	// it is eligible for redelivery absent an ack, nack, or lease renewal.
	leaseDuration time.Duration
}

// New builds a pgqueue-backed Queue. stepRepo is used by ClaimDispatch to
// fire the step's enqueued->in_progress transition in the same transaction
// as the SKIP LOCKED dequeue.
func New(db *gorm.DB, stepRepo repos.StepRepo, baseLog *logger.Logger, leaseDuration time.Duration) queue.Queue {
	if leaseDuration <= 0 {
		leaseDuration = 30 * time.Second
	}
	return &pgQueue{db: db, stepRepo: stepRepo, log: baseLog.With("component", "pgqueue"), leaseDuration: leaseDuration}
}

func (q *pgQueue) EnqueueDispatch(ctx context.Context, queueName string, msgs []queue.DispatchMessage) error {
	rows := make([]message, 0, len(msgs))
	now := time.Now()
	for _, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if len(payload) > queue.MaxDispatchPayloadBytes {
			return taskerrors.QueuePermanent(fmt.Errorf("dispatch payload for step %s is %d bytes, exceeds %d byte limit", m.StepID, len(payload), queue.MaxDispatchPayloadBytes))
		}
		rows = append(rows, message{
			ID:        uuid.Must(uuid.NewV7()),
			QueueName: queueName,
			Kind:      kindDispatch,
			StepID:    m.StepID,
			Payload:   datatypes.JSON(payload),
			Attempt:   m.Attempt,
			Status:    statusPending,
			VisibleAt: now,
			CreatedAt: now,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return q.db.WithContext(ctx).Create(&rows).Error
}

func (q *pgQueue) ClaimDispatch(ctx context.Context, queueName string, workerID string, max int) ([]queue.ClaimedDispatch, error) {
	var claimed []queue.ClaimedDispatch
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		var rows []message
		// No status predicate here: a row sitting in statusClaimed past its
		// visible_at lease is exactly as claimable as one still pending —
		// its prior claimant's lease expired without an Ack/Nack, so this
		// is a redelivery, not a fresh dispatch. ClaimAndTransition treats
		// a step already in_progress as a legitimate reclaim.
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("queue_name = ? AND kind = ? AND visible_at <= ?", queueName, kindDispatch, now).
			Order("created_at ASC").
			Limit(max).
			Find(&rows).Error
		if err != nil {
			return err
		}
		for i := range rows {
			row := &rows[i]
			if row.Cancelled {
				if err := tx.Delete(&message{}, "id = ?", row.ID).Error; err != nil {
					return err
				}
				continue
			}
			var msg queue.DispatchMessage
			if err := json.Unmarshal(row.Payload, &msg); err != nil {
				return err
			}

			ok, err := q.stepRepo.ClaimAndTransition(tx, msg.StepID, workerID, msg.CorrelationID)
			if err != nil {
				return err
			}
			if !ok {
				// Step already moved (duplicate claim race lost); drop this
				// copy rather than hand the worker stale work.
				if err := tx.Delete(&message{}, "id = ?", row.ID).Error; err != nil {
					return err
				}
				continue
			}

			res := tx.Model(&message{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
				"status":     statusClaimed,
				"worker_id":  workerID,
				"visible_at": now.Add(q.leaseDuration),
			})
			if res.Error != nil {
				return res.Error
			}
			claimed = append(claimed, queue.ClaimedDispatch{Message: msg, Receipt: row.ID.String()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *pgQueue) SubmitCompletion(ctx context.Context, queueName string, msg queue.CompletionMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	now := time.Now()
	row := message{
		ID:        uuid.Must(uuid.NewV7()),
		QueueName: queueName,
		Kind:      kindCompletion,
		StepID:    msg.StepID,
		Payload:   datatypes.JSON(payload),
		Attempt:   msg.Attempt,
		Status:    statusPending,
		VisibleAt: now,
		CreatedAt: now,
	}
	return q.db.WithContext(ctx).Create(&row).Error
}

func (q *pgQueue) ClaimCompletions(ctx context.Context, queueName string, max int) ([]queue.ClaimedCompletion, error) {
	var claimed []queue.ClaimedCompletion
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		var rows []message
		// Same reclaim rationale as ClaimDispatch: expired-lease claimed
		// rows are redelivered alongside genuinely-pending ones.
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("queue_name = ? AND kind = ? AND visible_at <= ?", queueName, kindCompletion, now).
			Order("created_at ASC").
			Limit(max).
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		if err := tx.Model(&message{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"status":     statusClaimed,
			"visible_at": now.Add(q.leaseDuration),
		}).Error; err != nil {
			return err
		}
		for _, row := range rows {
			var msg queue.CompletionMessage
			if err := json.Unmarshal(row.Payload, &msg); err != nil {
				return err
			}
			claimed = append(claimed, queue.ClaimedCompletion{Message: msg, Receipt: row.ID.String()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *pgQueue) Ack(ctx context.Context, receipt string) error {
	id, err := uuid.Parse(receipt)
	if err != nil {
		return err
	}
	return q.db.WithContext(ctx).Delete(&message{}, "id = ?", id).Error
}

func (q *pgQueue) Nack(ctx context.Context, receipt string) error {
	id, err := uuid.Parse(receipt)
	if err != nil {
		return err
	}
	var row message
	if err := q.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if row.Cancelled {
		return q.db.WithContext(ctx).Delete(&message{}, "id = ?", id).Error
	}
	return q.db.WithContext(ctx).Model(&message{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     statusPending,
		"visible_at": time.Now(),
	}).Error
}

func (q *pgQueue) ExtendLease(ctx context.Context, receipt string, by time.Duration) error {
	id, err := uuid.Parse(receipt)
	if err != nil {
		return err
	}
	res := q.db.WithContext(ctx).Model(&message{}).
		Where("id = ? AND status = ?", id, statusClaimed).
		Update("visible_at", time.Now().Add(by))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("pgqueue: message not claimed, cannot extend lease")
	}
	return nil
}

// CancelStep removes pending dispatch rows outright and flags any claimed
// one so ClaimDispatch drops it on the lease's next expiry rather than
// handing it to a worker again.
func (q *pgQueue) CancelStep(ctx context.Context, queueName string, stepID uuid.UUID) error {
	if err := q.db.WithContext(ctx).
		Where("queue_name = ? AND kind = ? AND step_uuid = ? AND status = ?", queueName, kindDispatch, stepID, statusPending).
		Delete(&message{}).Error; err != nil {
		return err
	}
	return q.db.WithContext(ctx).Model(&message{}).
		Where("queue_name = ? AND kind = ? AND step_uuid = ? AND status = ?", queueName, kindDispatch, stepID, statusClaimed).
		Update("cancelled", true).Error
}

func (q *pgQueue) Close() error { return nil }
