package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"tick-ingestor/internal/jobstate"
	"tick-ingestor/internal/models"
	"tick-ingestor/internal/segment"
	"tick-ingestor/internal/telemetry"
)

// Bootstrap rebuilds coordination state for every (symbol, date) that has
// committed segments on disk but no job record in the store. The filename
// codec plus each file's last tick is the only evidence needed: the cursor is
// the high-water mark of the contiguous prefix, every hole becomes a backfill
// task, and the instance that wrote the end of the prefix stays authoritative.
func (s *Supervisor) Bootstrap(ctx context.Context) error {
	diskJobs, err := s.segments.Jobs()
	if err != nil {
		return err
	}
	for _, job := range diskJobs {
		symbol, dateStr := job[0], job[1]
		date, err := time.Parse(models.DateLayout, dateStr)
		if err != nil {
			continue
		}
		jobKey := models.JobKey(symbol, date)

		_, err = s.jobs.Get(ctx, jobKey)
		if err == nil {
			continue
		}
		if !errors.Is(err, jobstate.ErrNotFound) {
			log.WithField("job", jobKey).Warnf("read job state: %v", err)
			continue
		}

		if err := s.bootstrapJob(ctx, jobKey, symbol, date); err != nil {
			log.WithField("job", jobKey).Errorf("bootstrap: %v", err)
		}
	}
	return nil
}

type coverage struct {
	file   segment.File
	lastTS int64
}

func (s *Supervisor) bootstrapJob(ctx context.Context, jobKey, symbol string, date time.Time) error {
	dateStr := date.Format(models.DateLayout)
	files, err := s.segments.List(symbol, dateStr)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	// Temp files never made it into List; everything here is a committed,
	// renamed artifact. Corrupt files terminate contiguity like a gap.
	var covered []coverage
	for _, f := range files {
		_, last, err := s.segments.Inspect(f.Path)
		if err != nil {
			log.WithField("path", f.Path).Warnf("skipping unreadable segment: %v", err)
			continue
		}
		covered = append(covered, coverage{file: f, lastTS: last})
	}
	if len(covered) == 0 {
		return nil
	}

	// The contiguous prefix fixes the cursor; its final writer remains the
	// authoritative instance. Gaps anywhere become backfill work.
	cursor := covered[0].lastTS
	instanceID := covered[0].file.InstanceID
	prefixIntact := true
	var gaps []models.Range
	for i := 1; i < len(covered); i++ {
		prev, cur := covered[i-1], covered[i]
		if cur.file.StartTS > prev.lastTS+1 {
			gaps = append(gaps, models.Range{Start: prev.lastTS + 1, End: cur.file.StartTS - 1})
			prefixIntact = false
		}
		if prefixIntact {
			cursor = cur.lastTS
			instanceID = cur.file.InstanceID
		}
	}

	rangeEnd := date.Add(24*time.Hour).UnixMilli() - 1
	state := models.JobState{
		Status:      models.StatusRunning,
		InstanceID:  instanceID,
		Cursor:      cursor,
		RangeEnd:    rangeEnd,
		HeartbeatAt: time.Now().UnixMilli(),
	}
	if err := s.jobs.Seed(ctx, jobKey, state); err != nil {
		return err
	}

	if cursor < rangeEnd {
		// The resume range spans the gaps too: queued backfill tasks are
		// bound to this instance and are lost on supersession, the cursor
		// is not. A gap fetched twice is wasted work, a gap never fetched
		// is missing data.
		task := models.Task{
			ID:         uuid.NewString(),
			JobKey:     jobKey,
			Symbol:     symbol,
			Date:       dateStr,
			InstanceID: instanceID,
			StartTS:    cursor + 1,
			EndTS:      rangeEnd,
		}
		if err := s.queue.Enqueue(ctx, task); err != nil {
			return fmt.Errorf("enqueue resume task: %w", err)
		}
	}
	for _, gap := range gaps {
		task := models.Task{
			ID:         uuid.NewString(),
			JobKey:     jobKey,
			Symbol:     symbol,
			Date:       dateStr,
			InstanceID: instanceID,
			StartTS:    gap.Start,
			EndTS:      gap.End,
			Backfill:   true,
		}
		if err := s.queue.Enqueue(ctx, task); err != nil {
			return fmt.Errorf("enqueue backfill task: %w", err)
		}
		telemetry.BackfillsScheduled.Inc()
	}

	telemetry.JobsBootstrapped.Inc()
	log.WithFields(log.Fields{
		"job":      jobKey,
		"instance": instanceID,
		"cursor":   cursor,
		"gaps":     len(gaps),
	}).Info("job state reconstructed from disk")
	return nil
}
