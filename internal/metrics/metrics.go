// Package metrics holds the Prometheus collectors for runs, the catalog API
// and the reference engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stepflow_build_info",
			Help: "Build information of stepflow",
		},
		[]string{"version", "commit", "date"},
	)

	// Run metrics
	RunsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stepflow_runs_started_total",
			Help: "Total number of workflow runs started",
		},
	)

	RunsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepflow_runs_finished_total",
			Help: "Total number of workflow runs that reached a terminal state",
		},
		[]string{"outcome"}, // "completed", "errored"
	)

	RunStepResultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stepflow_run_step_results_total",
			Help: "Total number of step results received from engines",
		},
	)

	RunCommandsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepflow_run_commands_sent_total",
			Help: "Total number of commands sent to engines",
		},
		[]string{"type", "status"},
	)

	RunChainingViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stepflow_run_chaining_violations_total",
			Help: "Total number of nextStep requests received before any result",
		},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stepflow_run_duration_seconds",
			Help:    "Duration of workflow runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~410s
		},
		[]string{"outcome"},
	)

	// Event bus metrics
	EventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stepflow_event_subscribers",
			Help: "Number of open event subscriptions",
		},
	)

	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepflow_events_dropped_total",
			Help: "Total number of events not delivered because a subscriber buffer was full",
		},
		[]string{"type"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stepflow_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stepflow_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Engine metrics
	EngineSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stepflow_engine_sessions_active",
			Help: "Number of engine sessions currently streaming",
		},
	)

	ExecutorCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepflow_executor_calls_total",
			Help: "Total number of step executions",
		},
		[]string{"executor", "status"},
	)

	ExecutorCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stepflow_executor_call_duration_seconds",
			Help:    "Duration of step executions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~164s
		},
		[]string{"executor"},
	)

	AnthropicTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepflow_anthropic_tokens_total",
			Help: "Total number of Anthropic API tokens used",
		},
		[]string{"type"}, // "input", "output"
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordRunFinished records the outcome and duration of a finished run.
func RecordRunFinished(outcome string, duration time.Duration) {
	RunsFinishedTotal.WithLabelValues(outcome).Inc()
	RunDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordCommand records an outbound command and whether it was queued.
func RecordCommand(cmdType string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	RunCommandsSentTotal.WithLabelValues(cmdType, status).Inc()
}

// RecordExecutorCall records metrics for one step execution.
func RecordExecutorCall(executor string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ExecutorCallsTotal.WithLabelValues(executor, status).Inc()
	ExecutorCallDuration.WithLabelValues(executor).Observe(duration.Seconds())
}
