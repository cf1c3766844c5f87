package models

import (
	"fmt"
	"strings"
	"time"
)

// Job lifecycle states persisted in the coordination store.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusStalled   = "STALLED"
)

// DateLayout is the canonical trading-day format used in job keys and paths.
const DateLayout = "2006-01-02"

const jobKeyPrefix = "ingest:job:"

// JobKey builds the coordination-store key for one (symbol, date) job.
func JobKey(symbol string, date time.Time) string {
	return fmt.Sprintf("%s%s:%s", jobKeyPrefix, symbol, date.Format(DateLayout))
}

// ParseJobKey splits a job key back into symbol and trading day.
func ParseJobKey(key string) (string, time.Time, error) {
	rest, ok := strings.CutPrefix(key, jobKeyPrefix)
	if !ok {
		return "", time.Time{}, fmt.Errorf("not a job key: %q", key)
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		return "", time.Time{}, fmt.Errorf("malformed job key: %q", key)
	}
	symbol := rest[:idx]
	date, err := time.Parse(DateLayout, rest[idx+1:])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed job key date: %w", err)
	}
	return symbol, date.UTC(), nil
}

// Range is a closed [Start, End] interval in epoch milliseconds.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Contains reports whether ts falls inside the interval.
func (r Range) Contains(ts int64) bool {
	return ts >= r.Start && ts <= r.End
}

// JobState is the per-job coordination record. It is owned exclusively by the
// shared store; processes re-read it on every decision instead of caching it.
type JobState struct {
	Status         string  `json:"status"`
	InstanceID     string  `json:"instance_id"`
	Cursor         int64   `json:"cursor"`
	RangeEnd       int64   `json:"range_end"`
	HeartbeatAt    int64   `json:"heartbeat_at"`
	CriticalRanges []Range `json:"critical_ranges,omitempty"`
	LastError      string  `json:"last_error,omitempty"`
}

// Task is one unit of enqueued segment work. Immutable once enqueued and
// delivered at least once; consumers must tolerate redelivery.
type Task struct {
	ID         string `json:"id"`
	JobKey     string `json:"job_key"`
	Symbol     string `json:"symbol"`
	Date       string `json:"date"`
	InstanceID string `json:"instance_id"`
	StartTS    int64  `json:"start_ts"`
	EndTS      int64  `json:"end_ts"`
	RetryCount int    `json:"retry_count"`
	Backfill   bool   `json:"backfill"`
}
