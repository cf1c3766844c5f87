package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"tick-ingestor/internal/config"
	"tick-ingestor/internal/jobstate"
	"tick-ingestor/internal/models"
	"tick-ingestor/internal/queue"
	"tick-ingestor/internal/segment"
	"tick-ingestor/internal/telemetry"
)

// Supervisor watches running jobs out-of-band. It has two independent duties:
// marking jobs whose workers stopped heartbeating and superseding them, and
// rebuilding coordination state from on-disk segment evidence after state
// loss.
type Supervisor struct {
	cfg      config.Config
	jobs     *jobstate.Store
	queue    *queue.RedisQueue
	segments *segment.LocalStore
}

func New(cfg config.Config, jobs *jobstate.Store, q *queue.RedisQueue, segments *segment.LocalStore) *Supervisor {
	return &Supervisor{cfg: cfg, jobs: jobs, queue: q, segments: segments}
}

// Run executes both duties on the configured interval until cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SupervisorInterval)
	defer ticker.Stop()

	for {
		if err := s.ScanStalled(ctx, time.Now()); err != nil {
			log.Errorf("stall scan: %v", err)
		}
		if err := s.Bootstrap(ctx); err != nil {
			log.Errorf("bootstrap scan: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ScanStalled marks running jobs whose heartbeat aged past the threshold and
// resumes each with a brand-new instance. This is the only sanctioned way to
// forcibly supersede a wedged worker.
func (s *Supervisor) ScanStalled(ctx context.Context, now time.Time) error {
	keys, err := s.jobs.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		state, err := s.jobs.Get(ctx, key)
		if err != nil {
			log.WithField("job", key).Warnf("read job state: %v", err)
			continue
		}
		if state.Status != models.StatusRunning {
			continue
		}
		age := now.Sub(time.UnixMilli(state.HeartbeatAt))
		if age <= s.cfg.HeartbeatTimeout {
			continue
		}

		if err := s.jobs.Mark(ctx, key, state.InstanceID, models.StatusStalled); err != nil {
			// A concurrent supersession beat us; the job is alive again.
			if errors.Is(err, jobstate.ErrStaleInstance) {
				continue
			}
			log.WithField("job", key).Warnf("mark stalled: %v", err)
			continue
		}
		telemetry.JobsStalled.Inc()
		log.WithFields(log.Fields{"job": key, "heartbeat_age": age}).
			Warn("job stalled, superseding")

		if err := s.resume(ctx, key, state); err != nil {
			log.WithField("job", key).Errorf("resume stalled job: %v", err)
		}
	}
	return nil
}

// resume seeds a fresh authoritative instance continuing from the last known
// cursor. Any zombie worker of the old instance self-discards on its next
// ownership check.
func (s *Supervisor) resume(ctx context.Context, jobKey string, prev models.JobState) error {
	symbol, date, err := models.ParseJobKey(jobKey)
	if err != nil {
		return err
	}

	if prev.Cursor >= prev.RangeEnd {
		// Nothing left of the main-line range; the worker died between
		// its last advance and the completion mark.
		return s.jobs.Seed(ctx, jobKey, models.JobState{
			Status:         models.StatusCompleted,
			InstanceID:     uuid.NewString(),
			Cursor:         prev.Cursor,
			RangeEnd:       prev.RangeEnd,
			HeartbeatAt:    time.Now().UnixMilli(),
			CriticalRanges: prev.CriticalRanges,
		})
	}

	instanceID := uuid.NewString()
	state := models.JobState{
		Status:         models.StatusRunning,
		InstanceID:     instanceID,
		Cursor:         prev.Cursor,
		RangeEnd:       prev.RangeEnd,
		HeartbeatAt:    time.Now().UnixMilli(),
		CriticalRanges: prev.CriticalRanges,
	}
	if err := s.jobs.Seed(ctx, jobKey, state); err != nil {
		return err
	}
	task := models.Task{
		ID:         uuid.NewString(),
		JobKey:     jobKey,
		Symbol:     symbol,
		Date:       date.Format(models.DateLayout),
		InstanceID: instanceID,
		StartTS:    prev.Cursor + 1,
		EndTS:      prev.RangeEnd,
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue resume task: %w", err)
	}
	log.WithFields(log.Fields{"job": jobKey, "instance": instanceID, "cursor": prev.Cursor}).
		Info("stalled job superseded")
	return nil
}
