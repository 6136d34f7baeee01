package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loader_executions_total",
			Help: "Total loader executions by outcome",
		},
		[]string{"loader", "outcome"},
	)
	ExecutionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loader_execution_failures_total",
			Help: "Execution failures by classified error kind",
		},
		[]string{"kind"},
	)
	ExecutionsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loader_executions_running",
			Help: "Executions currently running on this replica",
		},
	)
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loader_execution_duration_seconds",
			Help:    "End-to-end execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"loader"},
	)
	RecordsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loader_records_ingested_total",
			Help: "Signal rows persisted per loader",
		},
		[]string{"loader"},
	)
	LockAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loader_lock_acquire_total",
			Help: "Lock acquisition attempts by result",
		},
		[]string{"result"},
	)
	StaleLocksReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loader_stale_locks_reclaimed_total",
			Help: "Leases reclaimed after exceeding the max age",
		},
	)
	LoadersRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loader_recoveries_total",
			Help: "Loaders reset by the recovery tick",
		},
		[]string{"kind"},
	)
	SourceQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loader_source_query_duration_seconds",
			Help:    "Source query duration in seconds",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 120},
		},
		[]string{"db_code"},
	)
	DispatchTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loader_dispatch_tick_duration_seconds",
			Help:    "Dispatch tick duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 10},
		},
	)
)

var metricsOnce sync.Once

// InitMetrics registers all collectors exactly once.
func InitMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(ExecutionsTotal)
		prometheus.MustRegister(ExecutionFailuresTotal)
		prometheus.MustRegister(ExecutionsRunning)
		prometheus.MustRegister(ExecutionDuration)
		prometheus.MustRegister(RecordsIngestedTotal)
		prometheus.MustRegister(LockAcquireTotal)
		prometheus.MustRegister(StaleLocksReclaimed)
		prometheus.MustRegister(LoadersRecovered)
		prometheus.MustRegister(SourceQueryDuration)
		prometheus.MustRegister(DispatchTickDuration)
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
