package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_enqueued_total", Help: "Messages accepted by the queue transport"})
	EnqueueFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_enqueue_failures_total", Help: "Messages the transport refused"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_completed_total", Help: "Jobs finished successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_retried_total", Help: "Transient failures scheduled for retry"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_failed_total", Help: "Jobs that reached terminal failure"})
	DueJobsGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_due_jobs", Help: "Jobs currently eligible for pickup"})
	ActiveStreams    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_active_streams", Help: "Open event stream subscribers"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			EnqueueFailures,
			RateLimitRejects,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			DueJobsGauge,
			ActiveStreams,
		)
	})
	return promhttp.Handler()
}
