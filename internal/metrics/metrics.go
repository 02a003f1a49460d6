// Package metrics holds the Prometheus instrumentation for the sync engine.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sync outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeExpired = "expired"
	OutcomeError   = "error"
)

var (
	syncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_sync_runs_total",
		Help: "Connection sync invocations by provider and outcome.",
	}, []string{"provider", "outcome"})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_sync_duration_seconds",
		Help:    "Duration of connection syncs that reached the provider.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"provider"})

	eventsMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_events_merged_total",
		Help: "Local event writes performed by the merge engine.",
	}, []string{"op"})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_jobs_total",
		Help: "Jobs processed by kind and outcome.",
	}, []string{"kind", "outcome"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// ObserveSync records one sync invocation.
func ObserveSync(provider, outcome string, start time.Time) {
	syncRuns.WithLabelValues(provider, outcome).Inc()
	if outcome != OutcomeSkipped {
		syncDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}
}

// AddMerged counts merge writes; op is "created", "updated" or "deleted".
func AddMerged(op string, n int) {
	if n > 0 {
		eventsMerged.WithLabelValues(op).Add(float64(n))
	}
}

// ObserveJob records a processed job.
func ObserveJob(kind, outcome string) {
	jobsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveDBLatency records database latency for a given operation.
func ObserveDBLatency(operation string, start time.Time) {
	dbLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Middleware records request counts labelled by route pattern.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			httpRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(ww.Status())).Inc()
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern must run after routing so chi has filled in the pattern.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
