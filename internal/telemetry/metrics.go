package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Total enqueued jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_succeeded_total", Help: "Jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Failed executions scheduled for retry"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that reached the failed state"})
	JobsTimedOut     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_timed_out_total", Help: "Executions abandoned after the job timeout"})
	JobsRecovered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_stale_recovered_total", Help: "Stale running jobs recovered from crashed workers"})
	JobsArchived     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_archived_total", Help: "Finished jobs removed by the retention sweep"})
	ClaimErrors      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_claim_errors_total", Help: "Transient store errors while claiming"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently executing in this process"})
	JobsByStatus     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_by_status", Help: "Stored jobs per status"}, []string{"status"})
	HandlerDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobs_handler_duration_seconds",
		Help:    "Handler execution time by job type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			RateLimitRejects,
			JobsSucceeded,
			JobsRetried,
			JobsFailed,
			JobsTimedOut,
			JobsRecovered,
			JobsArchived,
			ClaimErrors,
			InFlightGauge,
			JobsByStatus,
			HandlerDuration,
		)
	})
	return promhttp.Handler()
}
