package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tick-ingestor/internal/models"
)

const (
	readyKey     = "ingest:queue:ready"
	scheduledKey = "ingest:queue:scheduled"
	inflightKey  = "ingest:queue:inflight"
	payloadKey   = "ingest:queue:payload:"
)

// RedisQueue coordinates ready, scheduled, and in-flight task deliveries.
// Tasks are stored as JSON payloads keyed by delivery id; the scheduled zset
// provides delayed delivery and the in-flight zset a visibility-timeout lease,
// which together give at-least-once semantics.
type RedisQueue struct {
	client        *redis.Client
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client over an existing Redis connection.
func NewRedisQueue(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		visibilityTTL: visibility,
	}
}

// Enqueue makes a task deliverable immediately.
func (q *RedisQueue) Enqueue(ctx context.Context, task models.Task) error {
	return q.put(ctx, task, time.Time{})
}

// EnqueueDelayed holds a task in the scheduled set until runAt.
func (q *RedisQueue) EnqueueDelayed(ctx context.Context, task models.Task, runAt time.Time) error {
	return q.put(ctx, task, runAt)
}

func (q *RedisQueue) put(ctx context.Context, task models.Task, runAt time.Time) error {
	if task.ID == "" {
		return fmt.Errorf("enqueue: task has no delivery id")
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, payloadKey+task.ID, body, 0)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: task.ID})
	} else {
		pipe.RPush(ctx, readyKey, task.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// PromoteScheduled moves due scheduled tasks into the ready queue. It returns
// how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Dequeue pops one task and places its delivery id into the in-flight set
// with a visibility timeout. It returns a zero-ID task when the queue is empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (models.Task, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{readyKey, inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return models.Task{}, nil
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("dequeue: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return models.Task{}, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	body, err := q.client.Get(ctx, payloadKey+id).Result()
	if err == redis.Nil {
		// Payload vanished (already acked elsewhere); drop the lease.
		_ = q.client.ZRem(ctx, inflightKey, id).Err()
		return models.Task{}, nil
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("read task payload %s: %w", id, err)
	}
	var task models.Task
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return task, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Ack removes a delivery from in-flight tracking and deletes its payload.
// Exactly one Ack per delivery; retries are new enqueues, never redeliveries.
func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, taskID)
	pipe.Del(ctx, payloadKey+taskID)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the deliveries.
// This is the redelivery path of at-least-once: a crashed worker's task comes
// back and the idempotent state machine absorbs the duplicate.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, inflightKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

// InflightDepth returns how many deliveries currently hold a lease.
func (q *RedisQueue) InflightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if id then
  redis.call('ZADD', KEYS[2], ARGV[1], id)
  return id
end
return nil
`)
