package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the durable queue contract over Redis using the
// reliable list pattern: deliveries are claimed by moving them from the
// pending list to a processing list, acked by removing them from processing,
// and nacked by moving them back to pending. A delivery whose consumer dies
// mid-handle remains in processing for the reaper to requeue, which is where
// at-least-once (and the engine's duplicate tolerance) comes from.
type RedisQueue struct {
	client     *redis.Client
	pending    string
	processing string
	claimWait  time.Duration
	logger     *slog.Logger
}

// NewRedisQueue creates a queue over the given Redis address. The name
// namespaces the underlying keys so multiple queues can share one instance.
func NewRedisQueue(addr, password string, db int, name string, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisQueue{
		client:     rdb,
		pending:    fmt.Sprintf("queue:%s:pending", name),
		processing: fmt.Sprintf("queue:%s:processing", name),
		claimWait:  time.Second,
		logger:     logger.With("component", "queue", "queue", name),
	}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, d Delivery) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("queue: marshal delivery: %w", err)
	}
	if err := q.client.LPush(ctx, q.pending, raw).Err(); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Consume implements Queue. Each claimed delivery is acked only after the
// handler returns nil; handler errors move it back to pending.
func (q *RedisQueue) Consume(ctx context.Context, h Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.claimWait).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			q.logger.Error("claim failed", "error", err)
			select {
			case <-time.After(q.claimWait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		var d Delivery
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			// Poison message: drop it from processing, nothing can handle it.
			q.logger.Error("dropping undecodable delivery", "error", err)
			q.client.LRem(ctx, q.processing, 1, raw)
			continue
		}

		if err := h(ctx, d); err != nil {
			pipe := q.client.TxPipeline()
			pipe.LRem(ctx, q.processing, 1, raw)
			pipe.LPush(ctx, q.pending, raw)
			if _, perr := pipe.Exec(ctx); perr != nil {
				q.logger.Error("nack failed, delivery stays in processing", "error", perr)
			}
			continue
		}
		if err := q.client.LRem(ctx, q.processing, 1, raw).Err(); err != nil {
			q.logger.Error("ack failed, delivery may be redelivered", "error", err)
		}
	}
}

// RequeueOrphans moves every delivery parked in the processing list back to
// pending. Run at startup to recover work abandoned by a crashed consumer.
func (q *RedisQueue) RequeueOrphans(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("queue: requeue orphans: %w", err)
		}
		moved++
	}
}

// Close implements Queue.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
