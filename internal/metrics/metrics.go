// Package metrics provides Prometheus instrumentation for the decision engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DecisionsTotal counts decision requests by final outcome (complete, cache_hit, or an error code).
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decisiond_decisions_total",
		Help: "Decision requests by outcome",
	}, []string{"outcome"})

	// CacheLookups counts cache lookups by result: hit, miss, coalesced, backend_hit.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decisiond_cache_lookups_total",
		Help: "Decision cache lookups by result",
	}, []string{"result"})

	// LLMRequests counts provider attempts by model and outcome.
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decisiond_llm_requests_total",
		Help: "LLM provider attempts by model and outcome",
	}, []string{"model", "outcome"})

	// LLMLatency tracks provider attempt latency.
	LLMLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "decisiond_llm_latency_seconds",
		Help:    "LLM provider attempt latency in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
	}, []string{"model"})

	// BreakerState reports the circuit state per model: 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "decisiond_llm_breaker_state",
		Help: "Circuit breaker state per model (0 closed, 1 half-open, 2 open)",
	}, []string{"model"})

	// RateLimitRejections counts requests rejected by the rate limiter.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decisiond_rate_limit_rejections_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"scope"})

	// ValidationViolations counts validation errors by rule id.
	ValidationViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decisiond_validation_violations_total",
		Help: "Validation errors by rule",
	}, []string{"rule"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decisiond_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "decisiond_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps account ids out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
