package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SegmentsCommitted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_segments_committed_total", Help: "Segment files committed to durable storage"})
	SegmentsSkipped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_segments_skipped_total", Help: "Segments skipped because a sane file already existed"})
	ZombieDiscards     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_zombie_discards_total", Help: "Tasks discarded because their instance was superseded"})
	RateLimitDenials   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_rate_limit_denials_total", Help: "Admissions denied by the sliding-window limiter"})
	FetchFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_fetch_failures_total", Help: "Upstream fetch attempts that failed"})
	RetriesScheduled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_retries_scheduled_total", Help: "Delayed retry tasks enqueued"})
	JobsTriggered      = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_triggered_total", Help: "Jobs seeded by the coordinator"})
	JobsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_completed_total", Help: "Jobs whose main-line range completed"})
	JobsStalled        = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_stalled_total", Help: "Jobs marked stalled by the supervisor"})
	BackfillsScheduled = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_backfills_scheduled_total", Help: "Backfill tasks scheduled for discovered gaps"})
	JobsBootstrapped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_bootstrapped_total", Help: "Jobs reconstructed from on-disk evidence"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_queue_depth", Help: "Ready queue depth"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_inflight", Help: "Task deliveries currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SegmentsCommitted,
			SegmentsSkipped,
			ZombieDiscards,
			RateLimitDenials,
			FetchFailures,
			RetriesScheduled,
			JobsTriggered,
			JobsCompleted,
			JobsStalled,
			BackfillsScheduled,
			JobsBootstrapped,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
