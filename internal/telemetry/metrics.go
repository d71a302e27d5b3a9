package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_enqueued_total", Help: "Total enqueued jobs"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_failed_total", Help: "Job attempts that failed"})
	JobsDead         = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_dead_total", Help: "Jobs that exhausted retries"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	ClaimsGraded     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_claims_graded_total", Help: "Claim grades recorded by the auto grader"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Jobs waiting in queued status"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_jobs_inflight", Help: "Jobs currently running"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsSucceeded,
			JobsFailed,
			JobsDead,
			RateLimitRejects,
			ClaimsGraded,
			QueueDepthGauge,
			JobsInFlight,
		)
	})
	return promhttp.Handler()
}
