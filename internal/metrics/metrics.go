package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portcullis_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ExecutionsTotal counts command executions by terminal status
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_executions_total",
			Help: "Total number of executor command executions",
		},
		[]string{"command", "status"},
	)

	// ExecutionDuration tracks how long executor commands run
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portcullis_execution_duration_seconds",
			Help:    "Executor command duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"command"},
	)

	// ExecutorPolls counts polls against the executor adapter
	ExecutorPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_executor_polls_total",
			Help: "Total number of executor message polls",
		},
		[]string{"outcome"},
	)

	// ActivitiesParsed counts parsed activity events by type
	ActivitiesParsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_activities_parsed_total",
			Help: "Total number of activity events parsed from executor output",
		},
		[]string{"type"},
	)

	// StreamSubscribers tracks currently connected stream subscribers
	StreamSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portcullis_stream_subscribers",
			Help: "Number of connected activity stream subscribers",
		},
		[]string{"project_id"},
	)

	// HeartbeatsTotal counts heartbeat events sent to subscribers
	HeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portcullis_stream_heartbeats_total",
			Help: "Total number of heartbeat events sent to subscribers",
		},
	)

	// GatesExpired counts approval gates expired by the sweeper
	GatesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portcullis_gates_expired_total",
			Help: "Total number of approval gates expired by the sweeper",
		},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch {
	case path == "/health" || path == "/ready" || path == "/metrics":
		return path
	case strings.HasPrefix(path, "/sse/"):
		return "/sse"
	case strings.HasPrefix(path, "/api/"):
		return "/api"
	case path == "/mcp" || strings.HasPrefix(path, "/mcp/"):
		return "/mcp"
	default:
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordExecution records an executor command reaching a terminal state
func RecordExecution(command, status string, durationSeconds float64) {
	ExecutionsTotal.WithLabelValues(command, status).Inc()
	ExecutionDuration.WithLabelValues(command).Observe(durationSeconds)
}

// RecordPoll records the outcome of a single executor poll
func RecordPoll(outcome string) {
	ExecutorPolls.WithLabelValues(outcome).Inc()
}

// RecordActivity records a parsed activity event
func RecordActivity(activityType string) {
	ActivitiesParsed.WithLabelValues(activityType).Inc()
}

// RecordSubscriberConnect increments the subscriber gauge
func RecordSubscriberConnect(projectID string) {
	StreamSubscribers.WithLabelValues(projectID).Inc()
}

// RecordSubscriberDisconnect decrements the subscriber gauge
func RecordSubscriberDisconnect(projectID string) {
	StreamSubscribers.WithLabelValues(projectID).Dec()
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}
