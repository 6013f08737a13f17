package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for Umba.
// Uses a custom registry, no global state. All recorder methods are
// nil-safe so call sites never need an enabled check.
type Metrics struct {
	Registry *prometheus.Registry

	// Job metrics.
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// Attempt metrics.
	AttemptsTotal *prometheus.CounterVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// LLM metrics.
	LLMTokensUsed *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetrics creates a Metrics with all collectors registered on a custom
// prometheus.Registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "umba",
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Total jobs by terminal outcome.",
		}, []string{"outcome", "format"}),

		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "umba",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "End-to-end job duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),

		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "umba",
			Subsystem: "attempts",
			Name:      "total",
			Help:      "Total generation attempts by outcome.",
		}, []string{"outcome"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "umba",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions.",
		}, []string{"status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "umba",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"status"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "umba",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"direction"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "umba",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "umba",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "umba",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.JobDuration,
		m.AttemptsTotal,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.LLMTokensUsed,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ObserveJob records a job's terminal outcome and duration.
func (m *Metrics) ObserveJob(outcome, format string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(outcome, format).Inc()
	m.JobDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveAttempt records one generation attempt by outcome.
func (m *Metrics) ObserveAttempt(outcome string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSandbox records one sandbox execution.
func (m *Metrics) ObserveSandbox(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SandboxExecutionsTotal.WithLabelValues(status).Inc()
	m.SandboxExecutionDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveLLMUsage records token consumption for one pipeline run.
func (m *Metrics) ObserveLLMUsage(input, output int) {
	if m == nil {
		return
	}
	m.LLMTokensUsed.WithLabelValues("input").Add(float64(input))
	m.LLMTokensUsed.WithLabelValues("output").Add(float64(output))
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
