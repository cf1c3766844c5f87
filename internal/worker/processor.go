package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"tick-ingestor/internal/catalog"
	"tick-ingestor/internal/config"
	"tick-ingestor/internal/jobstate"
	"tick-ingestor/internal/models"
	"tick-ingestor/internal/queue"
	"tick-ingestor/internal/ratelimit"
	"tick-ingestor/internal/segment"
	"tick-ingestor/internal/telemetry"
	"tick-ingestor/internal/upstream"
)

// Outcome is the terminal disposition of one task delivery. Every delivery is
// acknowledged exactly once regardless of outcome; retries are fresh enqueues.
type Outcome string

const (
	// AckDiscarded: the task carried a superseded instance id (or the job
	// vanished) and was dropped without side effects.
	AckDiscarded Outcome = "discarded"
	// AckCompleted: the segment is durable and state advanced; the job
	// either chained its successor or finished.
	AckCompleted Outcome = "completed"
	// AckRetryScheduled: a delayed copy with retry_count+1 was enqueued.
	AckRetryScheduled Outcome = "retry_scheduled"
	// AckFailed: retries exhausted; last_error recorded and the job marked
	// failed for the supervisor or an operator.
	AckFailed Outcome = "failed"
)

// Processor executes the segment state machine:
// validate ownership, check the rate budget, check idempotency, fetch, commit,
// advance state, chain or retry, acknowledge.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	jobs     *jobstate.Store
	limiter  *ratelimit.SlidingWindow
	segments *segment.LocalStore
	source   upstream.Source
	mirror   *segment.Mirror
	catalog  *catalog.Store
	workerID string
}

func NewProcessor(
	cfg config.Config,
	q *queue.RedisQueue,
	jobs *jobstate.Store,
	limiter *ratelimit.SlidingWindow,
	segments *segment.LocalStore,
	source upstream.Source,
	workerID string,
) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		jobs:     jobs,
		limiter:  limiter,
		segments: segments,
		source:   source,
		workerID: workerID,
	}
}

// WithMirror attaches an optional S3 mirror for committed segments.
func (p *Processor) WithMirror(m *segment.Mirror) *Processor {
	p.mirror = m
	return p
}

// WithCatalog attaches an optional Postgres segment catalog.
func (p *Processor) WithCatalog(c *catalog.Store) *Processor {
	p.catalog = c
	return p
}

// Run drives the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			log.WithField("count", len(reclaimed)).Info("reclaimed expired task leases")
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		if inflight, err := p.queue.InflightDepth(ctx); err == nil {
			telemetry.InFlightGauge.Set(float64(inflight))
		}

		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			log.Warnf("dequeue: %v", err)
		}
		if err != nil || task.ID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		outcome, err := p.Process(ctx, task)
		if err != nil {
			log.WithFields(log.Fields{"task": task.ID, "job": task.JobKey}).
				Errorf("task processing: %v", err)
		}
		// One ack per delivery, no matter the outcome. Retries were
		// re-enqueued explicitly above; redelivery is never relied upon.
		if err := p.queue.Ack(ctx, task.ID); err != nil {
			log.WithField("task", task.ID).Errorf("ack: %v", err)
		}
		log.WithFields(log.Fields{
			"task":    task.ID,
			"job":     task.JobKey,
			"start":   task.StartTS,
			"outcome": outcome,
		}).Debug("task processed")
	}
}

// Process runs one task delivery through the state machine and reports its
// terminal outcome. The caller acknowledges the delivery afterwards.
func (p *Processor) Process(ctx context.Context, task models.Task) (Outcome, error) {
	// ValidateOwnership: only the authoritative instance may proceed. A
	// mismatch means this delivery belongs to a superseded execution.
	state, err := p.jobs.Get(ctx, task.JobKey)
	if errors.Is(err, jobstate.ErrNotFound) {
		telemetry.ZombieDiscards.Inc()
		return AckDiscarded, nil
	}
	if err != nil {
		return p.scheduleRetry(ctx, task, err)
	}
	if state.InstanceID != task.InstanceID {
		telemetry.ZombieDiscards.Inc()
		log.WithFields(log.Fields{"job": task.JobKey, "task_instance": task.InstanceID}).
			Debug("discarding superseded task")
		return AckDiscarded, nil
	}
	if err := p.jobs.Heartbeat(ctx, task.JobKey, task.InstanceID, time.Now()); err != nil {
		if errors.Is(err, jobstate.ErrStaleInstance) || errors.Is(err, jobstate.ErrNotFound) {
			telemetry.ZombieDiscards.Inc()
			return AckDiscarded, nil
		}
		return p.scheduleRetry(ctx, task, err)
	}

	// RateLimitCheck: one admission per fetch attempt, shared across all
	// workers. Denial is expected load shedding, not a failure.
	admitted, err := p.limiter.Admit(ctx, p.cfg.RateAccountKey,
		fmt.Sprintf("%s:%s", p.workerID, uuid.NewString()))
	if err != nil {
		return p.scheduleRetry(ctx, task, err)
	}
	if !admitted {
		telemetry.RateLimitDenials.Inc()
		return p.scheduleRetry(ctx, task, nil)
	}

	segEnd := p.segmentEnd(task)

	// IdempotencyCheck: a sane same-instance file means a previous attempt
	// crashed after commit but before acknowledgement.
	lastTick, skip, err := p.checkExisting(task)
	if err != nil {
		return p.scheduleRetry(ctx, task, err)
	}

	if !skip {
		ticks, err := p.source.FetchTicks(ctx, task.Symbol, task.StartTS, segEnd)
		if err != nil {
			telemetry.FetchFailures.Inc()
			return p.scheduleRetry(ctx, task, err)
		}

		if len(ticks) == 0 {
			// No ticks in range is a completed-empty segment; nothing
			// to commit, the cursor simply moves past it.
			lastTick = segEnd
		} else {
			path, err := p.segments.Commit(task.Symbol, task.Date, task.StartTS, task.InstanceID, ticks)
			if err != nil {
				return p.scheduleRetry(ctx, task, err)
			}
			lastTick = ticks[len(ticks)-1].TS
			telemetry.SegmentsCommitted.Inc()
			p.afterCommit(ctx, task, path, len(ticks), lastTick)
		}
	}

	// AdvanceState: the guarded writes re-validate ownership atomically, so
	// a supersession that happened mid-fetch is caught here.
	if !task.Backfill {
		if err := p.jobs.AdvanceCursor(ctx, task.JobKey, task.InstanceID, lastTick); err != nil {
			if errors.Is(err, jobstate.ErrStaleInstance) || errors.Is(err, jobstate.ErrNotFound) {
				telemetry.ZombieDiscards.Inc()
				return AckDiscarded, nil
			}
			return p.scheduleRetry(ctx, task, err)
		}
	}
	if err := p.jobs.Heartbeat(ctx, task.JobKey, task.InstanceID, time.Now()); err != nil &&
		(errors.Is(err, jobstate.ErrStaleInstance) || errors.Is(err, jobstate.ErrNotFound)) {
		telemetry.ZombieDiscards.Inc()
		return AckDiscarded, nil
	}

	// Chain/Retry: enqueue the successor segment or finish the job.
	if lastTick < task.EndTS {
		next := models.Task{
			ID:         uuid.NewString(),
			JobKey:     task.JobKey,
			Symbol:     task.Symbol,
			Date:       task.Date,
			InstanceID: task.InstanceID,
			StartTS:    lastTick + 1,
			EndTS:      task.EndTS,
			RetryCount: 0,
			Backfill:   task.Backfill,
		}
		if err := p.queue.Enqueue(ctx, next); err != nil {
			return p.scheduleRetry(ctx, task, err)
		}
		return AckCompleted, nil
	}

	if !task.Backfill {
		if err := p.jobs.Mark(ctx, task.JobKey, task.InstanceID, models.StatusCompleted); err != nil {
			if errors.Is(err, jobstate.ErrStaleInstance) || errors.Is(err, jobstate.ErrNotFound) {
				telemetry.ZombieDiscards.Inc()
				return AckDiscarded, nil
			}
			return p.scheduleRetry(ctx, task, err)
		}
		telemetry.JobsCompleted.Inc()
		log.WithField("job", task.JobKey).Info("job completed")
	}
	return AckCompleted, nil
}

// segmentEnd caps one fetch at the configured span so a day never becomes a
// single giant upstream request.
func (p *Processor) segmentEnd(task models.Task) int64 {
	end := task.StartTS + p.cfg.SegmentSpan.Milliseconds() - 1
	if end > task.EndTS {
		end = task.EndTS
	}
	return end
}

// checkExisting inspects previously committed files for this start timestamp.
// A sane file written by the same instance short-circuits fetch and commit; a
// corrupt or foreign-instance file is ignored and overwritten.
func (p *Processor) checkExisting(task models.Task) (lastTick int64, skip bool, err error) {
	files, err := p.segments.FindStart(task.Symbol, task.Date, task.StartTS)
	if err != nil {
		return 0, false, err
	}
	for _, path := range files {
		_, instance, perr := segment.ParseName(filepath.Base(path))
		if perr != nil || instance != task.InstanceID {
			continue
		}
		rows, last, ierr := p.segments.Inspect(path)
		if ierr != nil {
			log.WithField("path", path).Warnf("existing segment unusable, refetching: %v", ierr)
			return 0, false, nil
		}
		log.WithFields(log.Fields{"path": path, "rows": rows}).
			Info("segment already committed, skipping fetch")
		telemetry.SegmentsSkipped.Inc()
		return last, true, nil
	}
	return 0, false, nil
}

// afterCommit handles the best-effort bookkeeping around a durable segment:
// drop artifacts from superseded instances, mirror to S3, record in the
// catalog. None of these can fail the commit.
func (p *Processor) afterCommit(ctx context.Context, task models.Task, path string, rows int, lastTick int64) {
	if files, err := p.segments.FindStart(task.Symbol, task.Date, task.StartTS); err == nil {
		for _, f := range files {
			if _, instance, err := segment.ParseName(filepath.Base(f)); err == nil && instance != task.InstanceID {
				if err := os.Remove(f); err != nil {
					log.WithField("path", f).Warnf("remove superseded segment: %v", err)
				}
			}
		}
	}
	if p.mirror != nil {
		if err := p.mirror.Upload(ctx, task.Symbol, task.Date, path); err != nil {
			log.WithField("path", path).Warnf("mirror upload: %v", err)
		}
	}
	if p.catalog != nil {
		err := p.catalog.RecordSegment(ctx, catalog.SegmentRow{
			JobKey:     task.JobKey,
			Symbol:     task.Symbol,
			Date:       task.Date,
			StartTS:    task.StartTS,
			EndTS:      lastTick,
			InstanceID: task.InstanceID,
			Rows:       rows,
			Path:       path,
		})
		if err != nil {
			log.WithField("job", task.JobKey).Warnf("catalog record: %v", err)
		}
	}
}

// scheduleRetry enqueues a delayed copy of the task with backoff and jitter,
// or fails the job once attempts are exhausted. cause == nil means a rate
// limit denial, which never counts against the job's error budget as a
// failure but still backs off.
func (p *Processor) scheduleRetry(ctx context.Context, task models.Task, cause error) (Outcome, error) {
	attempts := task.RetryCount + 1
	if cause != nil && attempts >= p.cfg.MaxAttempts {
		msg := cause.Error()
		if err := p.jobs.SaveError(ctx, task.JobKey, task.InstanceID, msg); err == nil {
			_ = p.jobs.Mark(ctx, task.JobKey, task.InstanceID, models.StatusFailed)
		}
		if p.catalog != nil {
			if err := p.catalog.AppendAudit(ctx, task.JobKey, "failed", msg); err != nil {
				log.WithField("job", task.JobKey).Warnf("audit append: %v", err)
			}
		}
		log.WithFields(log.Fields{"job": task.JobKey, "attempts": attempts}).
			Errorf("retries exhausted: %v", cause)
		return AckFailed, cause
	}

	delay := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	retryTask := task
	retryTask.ID = uuid.NewString()
	retryTask.RetryCount = attempts
	if err := p.queue.EnqueueDelayed(ctx, retryTask, time.Now().Add(delay)); err != nil {
		return AckFailed, fmt.Errorf("schedule retry: %w", err)
	}
	telemetry.RetriesScheduled.Inc()
	log.WithFields(log.Fields{"job": task.JobKey, "delay": delay, "attempt": attempts}).
		Debug("retry scheduled")
	return AckRetryScheduled, nil
}

// backoffWithJitter computes an exponential delay with random jitter so
// workers denied by a shared budget do not retry in lockstep. Rate-limit
// denials grow attempt without bound, so the clamp happens in float space
// before the duration conversion can overflow.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	wait := max
	if exp := float64(base) * math.Pow(2, float64(attempt-1)); exp < float64(max) {
		wait = time.Duration(exp)
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
