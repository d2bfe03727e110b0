// Package redisqueue implements internal/queue.Queue over Redis sorted
// sets (for the claimable backlog, scored by visibility deadline) plus a
// pub/sub channel used only to wake idle claimers promptly — the sorted
// set remains the source of truth. Grounded on
// internal/realtime/bus/redis_bus.go's client setup and subscribe-loop
// shape.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	taskerrors "github.com/tasker-systems/tasker/internal/pkg/errors"
	"github.com/tasker-systems/tasker/internal/pkg/logger"
	"github.com/tasker-systems/tasker/internal/queue"
	"github.com/tasker-systems/tasker/internal/repos"
)

type envelope struct {
	Kind      string          `json:"kind"` // "dispatch" | "completion"
	Attempt   int             `json:"attempt"`
	StepID    uuid.UUID       `json:"step_uuid"`
	Payload   json.RawMessage `json:"payload"`
	Cancelled bool            `json:"cancelled,omitempty"`
}

type redisQueue struct {
	rdb           *goredis.Client
	stepRepo      repos.StepRepo
	log           *logger.Logger
	channel       string
	leaseDuration time.Duration
}

// New connects to Redis and returns a Queue. stepRepo is used by
// ClaimDispatch to perform the step's enqueued->in_progress transition as a
// second, non-atomic call after the sorted-set claim — acceptable per
// spec.md §5's "eventually consistent across tasks" allowance for this
// backend.
func New(addr, channel string, stepRepo repos.StepRepo, baseLog *logger.Logger, leaseDuration time.Duration) (queue.Queue, error) {
	if addr == "" {
		return nil, fmt.Errorf("redisqueue: missing addr")
	}
	if channel == "" {
		channel = "tasker"
	}
	if leaseDuration <= 0 {
		leaseDuration = 30 * time.Second
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisqueue: ping: %w", err)
	}

	return &redisQueue{
		rdb:           rdb,
		stepRepo:      stepRepo,
		log:           baseLog.With("component", "redisqueue"),
		channel:       channel,
		leaseDuration: leaseDuration,
	}, nil
}

func backlogKey(queueName, kind string) string { return "tasker:queue:" + kind + ":" + queueName }
func payloadKey(id string) string              { return "tasker:msg:" + id }

// stepIndexKey tracks, per queue+step, the message ids of not-yet-acked
// dispatch envelopes — the set CancelStep walks to drop or flag them. Only
// dispatch traffic needs this; completion messages are never cancelled.
func stepIndexKey(queueName string, stepID uuid.UUID) string {
	return "tasker:queue:dispatch:stepidx:" + queueName + ":" + stepID.String()
}

func (q *redisQueue) publish(ctx context.Context, queueName string) {
	if err := q.rdb.Publish(ctx, q.channel, queueName).Err(); err != nil {
		q.log.Warn("redisqueue publish wake failed", "error", err, "queue", queueName)
	}
}

func (q *redisQueue) enqueue(ctx context.Context, queueName, kind string, id uuid.UUID, stepID uuid.UUID, attempt int, payload interface{}, score float64) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if len(raw) > queue.MaxDispatchPayloadBytes {
		return taskerrors.QueuePermanent(fmt.Errorf("%s payload for step %s is %d bytes, exceeds %d byte limit", kind, stepID, len(raw), queue.MaxDispatchPayloadBytes))
	}
	env := envelope{Kind: kind, Attempt: attempt, StepID: stepID, Payload: raw}
	envRaw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, payloadKey(id.String()), envRaw, 24*time.Hour)
	pipe.ZAdd(ctx, backlogKey(queueName, kind), goredis.Z{Score: score, Member: id.String()})
	if kind == "dispatch" {
		pipe.SAdd(ctx, stepIndexKey(queueName, stepID), id.String())
		pipe.Expire(ctx, stepIndexKey(queueName, stepID), 24*time.Hour)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	q.publish(ctx, queueName)
	return nil
}

func (q *redisQueue) EnqueueDispatch(ctx context.Context, queueName string, msgs []queue.DispatchMessage) error {
	now := float64(time.Now().UnixNano())
	for _, m := range msgs {
		id := uuid.Must(uuid.NewV7())
		if err := q.enqueue(ctx, queueName, "dispatch", id, m.StepID, m.Attempt, m, now); err != nil {
			return err
		}
	}
	return nil
}

func (q *redisQueue) claim(ctx context.Context, queueName, kind string, max int) ([]string, []envelope, error) {
	now := float64(time.Now().UnixNano())
	if err := q.reclaimExpired(ctx, queueName, kind, now); err != nil {
		return nil, nil, err
	}
	ids, err := q.rdb.ZRangeByScore(ctx, backlogKey(queueName, kind), &goredis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now), Count: int64(max),
	}).Result()
	if err != nil {
		return nil, nil, err
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}

	var claimedIDs []string
	var envs []envelope
	for _, id := range ids {
		// ZREM racing against another claimer: only the winner proceeds.
		removed, err := q.rdb.ZRem(ctx, backlogKey(queueName, kind), id).Result()
		if err != nil {
			return nil, nil, err
		}
		if removed == 0 {
			continue
		}
		raw, err := q.rdb.Get(ctx, payloadKey(id)).Result()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, nil, err
		}
		claimedIDs = append(claimedIDs, id)
		envs = append(envs, env)
	}
	return claimedIDs, envs, nil
}

func (q *redisQueue) ClaimDispatch(ctx context.Context, queueName string, workerID string, max int) ([]queue.ClaimedDispatch, error) {
	ids, envs, err := q.claim(ctx, queueName, "dispatch", max)
	if err != nil {
		return nil, err
	}
	var out []queue.ClaimedDispatch
	for i, env := range envs {
		if env.Cancelled {
			_ = q.rdb.Del(ctx, payloadKey(ids[i])).Err()
			continue
		}
		var msg queue.DispatchMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, err
		}

		ok, err := q.stepRepo.ClaimAndTransition(nil, msg.StepID, workerID, msg.CorrelationID)
		if err != nil {
			q.log.Error("redisqueue: step claim transition failed", "error", err, "step_uuid", msg.StepID)
			continue
		}
		if !ok {
			continue
		}

		if err := q.parkClaimed(ctx, queueName, "dispatch", ids[i]); err != nil {
			return nil, err
		}
		out = append(out, queue.ClaimedDispatch{Message: msg, Receipt: receiptFor(queueName, "dispatch", ids[i])})
	}
	return out, nil
}

// parkClaimed moves a claimed message into an "in-flight" sorted set scored
// by visibility deadline. On its own this only records the deadline;
// reclaimExpired is what actually acts on it once the deadline passes.
func (q *redisQueue) parkClaimed(ctx context.Context, queueName, kind, id string) error {
	return q.rdb.ZAdd(ctx, backlogKey(queueName, kind+"-inflight"), goredis.Z{
		Score: float64(time.Now().Add(q.leaseDuration).UnixNano()), Member: id,
	}).Err()
}

// reclaimExpired sweeps the kind's in-flight set for entries whose
// visibility deadline has passed and moves them back onto the claimable
// backlog, scored so they are immediately eligible. Without this, a claimed
// message whose worker never Acks, Nacks, or extends its lease stays
// parked in the in-flight set forever — claim() otherwise never looks at
// that set again.
func (q *redisQueue) reclaimExpired(ctx context.Context, queueName, kind string, now float64) error {
	inflightKey := backlogKey(queueName, kind+"-inflight")
	expired, err := q.rdb.ZRangeByScore(ctx, inflightKey, &goredis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range expired {
		// ZREM racing against a concurrent Ack/Nack/ExtendLease on the same
		// id: only the winner moves it back onto the backlog.
		removed, err := q.rdb.ZRem(ctx, inflightKey, id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.ZAdd(ctx, backlogKey(queueName, kind), goredis.Z{Score: now, Member: id}).Err(); err != nil {
			return err
		}
	}
	return nil
}

func receiptFor(queueName, kind, id string) string { return queueName + "|" + kind + "|" + id }

func (q *redisQueue) SubmitCompletion(ctx context.Context, queueName string, msg queue.CompletionMessage) error {
	id := uuid.Must(uuid.NewV7())
	now := float64(time.Now().UnixNano())
	return q.enqueue(ctx, queueName, "completion", id, msg.StepID, msg.Attempt, msg, now)
}

func (q *redisQueue) ClaimCompletions(ctx context.Context, queueName string, max int) ([]queue.ClaimedCompletion, error) {
	ids, envs, err := q.claim(ctx, queueName, "completion", max)
	if err != nil {
		return nil, err
	}
	var out []queue.ClaimedCompletion
	for i, env := range envs {
		var msg queue.CompletionMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, err
		}
		if err := q.parkClaimed(ctx, queueName, "completion", ids[i]); err != nil {
			return nil, err
		}
		out = append(out, queue.ClaimedCompletion{Message: msg, Receipt: receiptFor(queueName, "completion", ids[i])})
	}
	return out, nil
}

func (q *redisQueue) parseReceipt(receipt string) (queueName, kind, id string, ok bool) {
	parts := splitReceipt(receipt)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func splitReceipt(receipt string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(receipt); i++ {
		if receipt[i] == '|' {
			parts = append(parts, receipt[start:i])
			start = i + 1
		}
	}
	parts = append(parts, receipt[start:])
	return parts
}

func (q *redisQueue) Ack(ctx context.Context, receipt string) error {
	queueName, kind, id, ok := q.parseReceipt(receipt)
	if !ok {
		return fmt.Errorf("redisqueue: malformed receipt %q", receipt)
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, backlogKey(queueName, kind+"-inflight"), id)
	if kind == "dispatch" {
		if raw, err := q.rdb.Get(ctx, payloadKey(id)).Result(); err == nil {
			var env envelope
			if json.Unmarshal([]byte(raw), &env) == nil {
				pipe.SRem(ctx, stepIndexKey(queueName, env.StepID), id)
			}
		}
	}
	pipe.Del(ctx, payloadKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (q *redisQueue) Nack(ctx context.Context, receipt string) error {
	queueName, kind, id, ok := q.parseReceipt(receipt)
	if !ok {
		return fmt.Errorf("redisqueue: malformed receipt %q", receipt)
	}
	if kind == "dispatch" {
		raw, err := q.rdb.Get(ctx, payloadKey(id)).Result()
		if err == nil {
			var env envelope
			if json.Unmarshal([]byte(raw), &env) == nil && env.Cancelled {
				pipe := q.rdb.TxPipeline()
				pipe.ZRem(ctx, backlogKey(queueName, kind+"-inflight"), id)
				pipe.Del(ctx, payloadKey(id))
				_, err := pipe.Exec(ctx)
				return err
			}
		} else if err != goredis.Nil {
			return err
		}
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, backlogKey(queueName, kind+"-inflight"), id)
	pipe.ZAdd(ctx, backlogKey(queueName, kind), goredis.Z{Score: float64(time.Now().UnixNano()), Member: id})
	_, err := pipe.Exec(ctx)
	if err == nil {
		q.publish(ctx, queueName)
	}
	return err
}

func (q *redisQueue) ExtendLease(ctx context.Context, receipt string, by time.Duration) error {
	queueName, kind, id, ok := q.parseReceipt(receipt)
	if !ok {
		return fmt.Errorf("redisqueue: malformed receipt %q", receipt)
	}
	return q.rdb.ZAdd(ctx, backlogKey(queueName, kind+"-inflight"), goredis.Z{
		Score: float64(time.Now().Add(by).UnixNano()), Member: id,
	}).Err()
}

// CancelStep drops a step's not-yet-claimed dispatch envelopes outright and
// flags any already-claimed (inflight) one as cancelled so Nack discards it
// on redelivery instead of putting it back on the backlog — there is no way
// to reach into a worker mid-flight, so an inflight message still completes
// its current attempt (spec.md §5 only promises no further delivery).
func (q *redisQueue) CancelStep(ctx context.Context, queueName string, stepID uuid.UUID) error {
	idxKey := stepIndexKey(queueName, stepID)
	ids, err := q.rdb.SMembers(ctx, idxKey).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, backlogKey(queueName, "dispatch"), id).Result()
		if err != nil {
			return err
		}
		if removed > 0 {
			pipe := q.rdb.TxPipeline()
			pipe.Del(ctx, payloadKey(id))
			pipe.SRem(ctx, idxKey, id)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			continue
		}
		// Already claimed: flag the payload so Nack drops it instead of
		// re-queuing, since it may still be redelivered on lease expiry.
		raw, err := q.rdb.Get(ctx, payloadKey(id)).Result()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return err
		}
		env.Cancelled = true
		envRaw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := q.rdb.Set(ctx, payloadKey(id), envRaw, 24*time.Hour).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *redisQueue) Close() error { return q.rdb.Close() }
