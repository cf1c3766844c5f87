package coordinator

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tick-ingestor/internal/jobstate"
	"tick-ingestor/internal/models"
	"tick-ingestor/internal/queue"
)

type stubSource struct {
	sessions []models.Range
}

func (s *stubSource) FetchTicks(context.Context, string, int64, int64) ([]models.Tick, error) {
	return nil, nil
}

func (s *stubSource) SessionHours(context.Context, string, time.Time) ([]models.Range, error) {
	return s.sessions, nil
}

func newCoordinator(t *testing.T, source *stubSource) (*Coordinator, *jobstate.Store, *queue.RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	jobs := jobstate.New(client)
	q := queue.NewRedisQueue(client, time.Minute)
	return New(jobs, q, source), jobs, q
}

func TestTriggerSeedsJobAndFirstTask(t *testing.T) {
	ctx := context.Background()
	date := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	sessions := []models.Range{
		{Start: date.UnixMilli() + 3_600_000, End: date.UnixMilli() + 7_200_000},
		{Start: date.UnixMilli() + 10_800_000, End: date.UnixMilli() + 14_400_000},
	}
	coord, jobs, q := newCoordinator(t, &stubSource{sessions: sessions})

	jobKey, instanceID, err := coord.Trigger(ctx, "ES", date)
	require.NoError(t, err)
	assert.Equal(t, "ingest:job:ES:2025-03-14", jobKey)
	require.NotEmpty(t, instanceID)

	state, err := jobs.Get(ctx, jobKey)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, state.Status)
	assert.Equal(t, instanceID, state.InstanceID)
	assert.EqualValues(t, sessions[0].Start-1, state.Cursor, "cursor starts one unit before the range")
	assert.EqualValues(t, sessions[1].End, state.RangeEnd)
	assert.Equal(t, sessions, state.CriticalRanges)

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)
	assert.Equal(t, jobKey, task.JobKey)
	assert.Equal(t, instanceID, task.InstanceID)
	assert.EqualValues(t, sessions[0].Start, task.StartTS)
	assert.EqualValues(t, sessions[1].End, task.EndTS)
	assert.False(t, task.Backfill)
}

func TestTriggerWithoutSessionsCoversWholeDay(t *testing.T) {
	ctx := context.Background()
	date := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	coord, jobs, _ := newCoordinator(t, &stubSource{})

	jobKey, _, err := coord.Trigger(ctx, "NQ", date)
	require.NoError(t, err)

	state, err := jobs.Get(ctx, jobKey)
	require.NoError(t, err)
	assert.EqualValues(t, date.UnixMilli()-1, state.Cursor)
	assert.EqualValues(t, date.Add(24*time.Hour).UnixMilli()-1, state.RangeEnd)
	assert.Empty(t, state.CriticalRanges)
}

// Re-triggering supersedes the live instance; its queued tasks become zombies.
func TestRetriggerSupersedesRunningInstance(t *testing.T) {
	ctx := context.Background()
	date := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	coord, jobs, _ := newCoordinator(t, &stubSource{})

	jobKey, first, err := coord.Trigger(ctx, "ES", date)
	require.NoError(t, err)
	_, second, err := coord.Trigger(ctx, "ES", date)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	state, err := jobs.Get(ctx, jobKey)
	require.NoError(t, err)
	assert.Equal(t, second, state.InstanceID)

	err = jobs.Heartbeat(ctx, jobKey, first, time.Now())
	assert.ErrorIs(t, err, jobstate.ErrStaleInstance)
}
