// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsEnqueuedTotal counts jobs enqueued by queue name.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue"},
	)
	// JobsProcessing is a gauge of the number of currently processing jobs by queue.
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"queue"},
	)
	// JobsCompletedTotal counts jobs completed by queue.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"queue"},
	)
	// JobsFailedTotal counts jobs failed by queue.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"queue"},
	)

	// PoolWorkerCount is a gauge of the feature-extraction pool's current worker count.
	PoolWorkerCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pool_worker_count",
			Help: "Current number of feature-extraction pool workers",
		},
	)
	// PoolCrashesTotal counts detected pool crashes.
	PoolCrashesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pool_crashes_total",
			Help: "Total number of detected worker pool crashes",
		},
	)
	// BatchDuration records wall-clock duration of feature-extraction batches.
	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_duration_seconds",
			Help:    "Duration of feature-extraction batches",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
	)

	// ProxyBytesTotal counts bytes streamed through the byte-range proxy.
	ProxyBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_bytes_total",
			Help: "Total bytes streamed through the byte-range proxy",
		},
	)
	// ProxyRefreshTotal counts 401/403-triggered URL refresh-and-retry cycles.
	ProxyRefreshTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_refresh_total",
			Help: "Total URL refresh-and-retry cycles triggered by upstream 401/403",
		},
	)

	// BreakerStateGauge exposes each circuit breaker's current state
	// (0=closed, 1=open, 2=half-open).
	BreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)
	// BreakerOpenTotal counts closed/half-open -> open transitions.
	BreakerOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_open_total",
			Help: "Total number of circuit breaker open transitions",
		},
		[]string{"name"},
	)

	// URLCacheHitsTotal / URLCacheMissesTotal track the URL-extraction cache.
	URLCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "url_cache_hits_total", Help: "URL cache hits"},
	)
	URLCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "url_cache_misses_total", Help: "URL cache misses"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(PoolWorkerCount)
	prometheus.MustRegister(PoolCrashesTotal)
	prometheus.MustRegister(BatchDuration)
	prometheus.MustRegister(BreakerStateGauge)
	prometheus.MustRegister(BreakerOpenTotal)
	prometheus.MustRegister(ProxyBytesTotal)
	prometheus.MustRegister(ProxyRefreshTotal)
	prometheus.MustRegister(URLCacheHitsTotal)
	prometheus.MustRegister(URLCacheMissesTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveBreakerState records a breaker's state on the state gauge.
func ObserveBreakerState(name string, state BreakerState) {
	BreakerStateGauge.WithLabelValues(name).Set(float64(state))
}

// EnqueueJob increments the enqueued jobs counter for the given queue.
func EnqueueJob(queue string) {
	JobsEnqueuedTotal.WithLabelValues(queue).Inc()
}

// StartProcessingJob increments the processing gauge for the given queue.
func StartProcessingJob(queue string) {
	JobsProcessing.WithLabelValues(queue).Inc()
}

// CompleteJob marks a job complete by decrementing processing gauge and incrementing completed counter.
func CompleteJob(queue string) {
	JobsProcessing.WithLabelValues(queue).Dec()
	JobsCompletedTotal.WithLabelValues(queue).Inc()
}

// FailJob marks a job failed by decrementing processing gauge and incrementing failed counter.
func FailJob(queue string) {
	JobsProcessing.WithLabelValues(queue).Dec()
	JobsFailedTotal.WithLabelValues(queue).Inc()
}
