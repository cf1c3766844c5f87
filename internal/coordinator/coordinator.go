package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"tick-ingestor/internal/jobstate"
	"tick-ingestor/internal/models"
	"tick-ingestor/internal/queue"
	"tick-ingestor/internal/telemetry"
	"tick-ingestor/internal/upstream"
)

// Coordinator mints new authoritative job executions. Triggering an already
// running job is legal: the fresh seed supersedes the previous instance and
// the zombie check invalidates its in-flight tasks.
type Coordinator struct {
	jobs   *jobstate.Store
	queue  *queue.RedisQueue
	source upstream.Source
}

func New(jobs *jobstate.Store, q *queue.RedisQueue, source upstream.Source) *Coordinator {
	return &Coordinator{jobs: jobs, queue: q, source: source}
}

// Trigger seeds coordination state for one (symbol, date) job and enqueues
// its first segment task. It returns as soon as the seed is durable, never
// waiting on segment completion.
func (c *Coordinator) Trigger(ctx context.Context, symbol string, date time.Time) (jobKey, instanceID string, err error) {
	date = date.UTC().Truncate(24 * time.Hour)
	jobKey = models.JobKey(symbol, date)
	instanceID = uuid.NewString()

	sessions, err := c.source.SessionHours(ctx, symbol, date)
	if err != nil {
		return "", "", fmt.Errorf("fetch session hours: %w", err)
	}

	start := date.UnixMilli()
	end := date.Add(24*time.Hour).UnixMilli() - 1
	if len(sessions) > 0 {
		start = sessions[0].Start
		end = sessions[len(sessions)-1].End
	}

	state := models.JobState{
		Status:         models.StatusRunning,
		InstanceID:     instanceID,
		Cursor:         start - 1,
		RangeEnd:       end,
		HeartbeatAt:    time.Now().UnixMilli(),
		CriticalRanges: sessions,
	}
	if err := c.jobs.Seed(ctx, jobKey, state); err != nil {
		return "", "", fmt.Errorf("seed job: %w", err)
	}

	first := models.Task{
		ID:         uuid.NewString(),
		JobKey:     jobKey,
		Symbol:     symbol,
		Date:       date.Format(models.DateLayout),
		InstanceID: instanceID,
		StartTS:    start,
		EndTS:      end,
	}
	if err := c.queue.Enqueue(ctx, first); err != nil {
		return "", "", fmt.Errorf("enqueue first task: %w", err)
	}

	telemetry.JobsTriggered.Inc()
	log.WithFields(log.Fields{
		"job":      jobKey,
		"instance": instanceID,
		"start":    start,
		"end":      end,
	}).Info("job triggered")
	return jobKey, instanceID, nil
}
