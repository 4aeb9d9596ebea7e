// Package metrics exposes Prometheus collectors for the citation crawler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	issuesTotal                *prometheus.CounterVec
	cyclesTotal                *prometheus.CounterVec
	recoveriesTotal            prometheus.Counter
	mergeDurationSeconds       *prometheus.HistogramVec
	catalogRowsTotal           *prometheus.CounterVec
	rateLimitDelaySeconds      prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		issuesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "citecrawl_issues_total",
				Help: "Issues processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "citecrawl_cycles_total",
				Help: "Crawl cycles run, labeled by final status.",
			},
			[]string{"status"},
		)

		recoveriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "citecrawl_recoveries_total",
				Help: "Browser sessions torn down and reopened after recoverable failures.",
			},
		)

		mergeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "citecrawl_merge_duration_seconds",
				Help:    "Duration of per-issue merge transactions, labeled by status.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"status"},
		)

		catalogRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "citecrawl_catalog_rows_total",
				Help: "Catalog rows seen during sync, labeled by action.",
			},
			[]string{"action"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "citecrawl_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the politeness limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveIssue counts an issue by outcome (ingested, skipped, failed).
func ObserveIssue(outcome string) {
	Init()
	issuesTotal.WithLabelValues(outcome).Inc()
}

// ObserveCycle counts a finished crawl cycle.
func ObserveCycle(status string) {
	Init()
	cyclesTotal.WithLabelValues(status).Inc()
}

// ObserveRecovery counts a session restart.
func ObserveRecovery() {
	Init()
	recoveriesTotal.Inc()
}

// ObserveMerge records a merge transaction.
func ObserveMerge(status string, d time.Duration) {
	Init()
	mergeDurationSeconds.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveCatalogRows adds n rows under action (parsed, updated, inserted, dropped).
func ObserveCatalogRows(action string, n int) {
	Init()
	if n > 0 {
		catalogRowsTotal.WithLabelValues(action).Add(float64(n))
	}
}

// ObserveRateLimitDelay records the duration of a limiter wait.
func ObserveRateLimitDelay(d time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware records request counts and latencies per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
