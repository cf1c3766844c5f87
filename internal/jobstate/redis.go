package jobstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tick-ingestor/internal/models"
)

// Store-level outcomes of the ownership protocol. A stale instance is normal
// control flow for a superseded worker, not a fault.
var (
	ErrNotFound      = errors.New("job state not found")
	ErrStaleInstance = errors.New("stale job instance")
)

const (
	fieldStatus         = "status"
	fieldInstanceID     = "instance_id"
	fieldCursor         = "cursor"
	fieldRangeEnd       = "range_end"
	fieldHeartbeatAt    = "heartbeat_at"
	fieldCriticalRanges = "critical_ranges"
	fieldLastError      = "last_error"
)

// Store persists per-job coordination state in Redis hashes. Every guarded
// mutation re-reads instance_id server-side and becomes a no-op when it does
// not match the caller's token (the zombie check).
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Seed writes the full state unconditionally. Concurrent triggers may race
// here; the last seed wins and the zombie check invalidates in-flight tasks
// carrying the earlier instance_id.
func (s *Store) Seed(ctx context.Context, jobKey string, state models.JobState) error {
	fields, err := stateFields(state)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, jobKey, fields...).Err(); err != nil {
		return fmt.Errorf("seed job state: %w", err)
	}
	return nil
}

// Get reads the current state for a job key.
func (s *Store) Get(ctx context.Context, jobKey string) (models.JobState, error) {
	vals, err := s.client.HMGet(ctx, jobKey,
		fieldStatus, fieldInstanceID, fieldCursor, fieldRangeEnd,
		fieldHeartbeatAt, fieldCriticalRanges, fieldLastError).Result()
	if err != nil {
		return models.JobState{}, fmt.Errorf("read job state: %w", err)
	}
	if vals[0] == nil || vals[1] == nil {
		return models.JobState{}, ErrNotFound
	}

	var state models.JobState
	state.Status = asString(vals[0])
	state.InstanceID = asString(vals[1])
	if state.Cursor, err = asInt64(vals[2]); err != nil {
		return models.JobState{}, fmt.Errorf("parse cursor: %w", err)
	}
	if state.RangeEnd, err = asInt64(vals[3]); err != nil {
		return models.JobState{}, fmt.Errorf("parse range_end: %w", err)
	}
	if state.HeartbeatAt, err = asInt64(vals[4]); err != nil {
		return models.JobState{}, fmt.Errorf("parse heartbeat_at: %w", err)
	}
	if raw := asString(vals[5]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &state.CriticalRanges); err != nil {
			return models.JobState{}, fmt.Errorf("parse critical_ranges: %w", err)
		}
	}
	state.LastError = asString(vals[6])
	return state, nil
}

// Heartbeat refreshes liveness for the owning instance.
func (s *Store) Heartbeat(ctx context.Context, jobKey, instanceID string, at time.Time) error {
	return s.checkAndSet(ctx, jobKey, instanceID,
		fieldHeartbeatAt, strconv64(at.UnixMilli()))
}

// Mark transitions the job status, guarded by instance ownership.
func (s *Store) Mark(ctx context.Context, jobKey, instanceID, status string) error {
	return s.checkAndSet(ctx, jobKey, instanceID, fieldStatus, status)
}

// SaveError records the most recent failure for operators.
func (s *Store) SaveError(ctx context.Context, jobKey, instanceID, message string) error {
	return s.checkAndSet(ctx, jobKey, instanceID, fieldLastError, message)
}

// AdvanceCursor moves the contiguous high-water mark forward. The script
// enforces monotonicity: a cursor at or behind the stored one is left alone.
// Backfill completions must never call this.
func (s *Store) AdvanceCursor(ctx context.Context, jobKey, instanceID string, newCursor int64) error {
	res, err := advanceCursorScript.Run(ctx, s.client,
		[]string{jobKey}, instanceID, newCursor).Int()
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return scriptOutcome(res, jobKey)
}

// Keys lists all job keys known to the store, for the supervisor's scans.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, "ingest:job:*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan job keys: %w", err)
	}
	return keys, nil
}

func (s *Store) checkAndSet(ctx context.Context, jobKey, instanceID string, pairs ...interface{}) error {
	args := append([]interface{}{instanceID}, pairs...)
	res, err := checkAndSetScript.Run(ctx, s.client, []string{jobKey}, args...).Int()
	if err != nil {
		return fmt.Errorf("guarded job state write: %w", err)
	}
	return scriptOutcome(res, jobKey)
}

func scriptOutcome(res int, jobKey string) error {
	switch res {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("%w for %s", ErrStaleInstance, jobKey)
	case -1:
		return fmt.Errorf("%w: %s", ErrNotFound, jobKey)
	default:
		return fmt.Errorf("unexpected job state script result %d for %s", res, jobKey)
	}
}

func stateFields(state models.JobState) ([]interface{}, error) {
	ranges, err := json.Marshal(state.CriticalRanges)
	if err != nil {
		return nil, fmt.Errorf("marshal critical_ranges: %w", err)
	}
	return []interface{}{
		fieldStatus, state.Status,
		fieldInstanceID, state.InstanceID,
		fieldCursor, strconv64(state.Cursor),
		fieldRangeEnd, strconv64(state.RangeEnd),
		fieldHeartbeatAt, strconv64(state.HeartbeatAt),
		fieldCriticalRanges, string(ranges),
		fieldLastError, state.LastError,
	}, nil
}

func strconv64(v int64) string {
	return strconv.FormatInt(v, 10)
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asInt64(v interface{}) (int64, error) {
	s := asString(v)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// checkAndSetScript applies field writes only while the caller still owns the
// job: -1 no such job, 0 superseded instance, 1 applied.
var checkAndSetScript = redis.NewScript(`
local expected = ARGV[1]
local current = redis.call('HGET', KEYS[1], 'instance_id')
if not current then
  return -1
end
if current ~= expected then
  return 0
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

// advanceCursorScript additionally enforces cursor monotonicity in the same
// atomic step as the ownership check.
var advanceCursorScript = redis.NewScript(`
local expected = ARGV[1]
local cursor = tonumber(ARGV[2])
local current = redis.call('HGET', KEYS[1], 'instance_id')
if not current then
  return -1
end
if current ~= expected then
  return 0
end
local stored = tonumber(redis.call('HGET', KEYS[1], 'cursor'))
if stored and cursor <= stored then
  return 1
end
redis.call('HSET', KEYS[1], 'cursor', cursor)
return 1
`)
