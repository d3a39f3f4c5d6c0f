package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the runtime. Construct once
// with NewMetrics and share; collectors are registered on the supplied
// registry (or the default one when nil).
type Metrics struct {
	registry *prometheus.Registry

	// LLM requests
	llmRequests        *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokens          *prometheus.CounterVec
	llmRetries         *prometheus.CounterVec

	// Tool execution
	toolExecutions   *prometheus.CounterVec
	toolExecDuration *prometheus.HistogramVec
	toolTruncations  *prometheus.CounterVec

	// Runs
	runsTotal  *prometheus.CounterVec
	activeRuns prometheus.Gauge
	runSteps   prometheus.Histogram

	// Streaming
	streamEvents    *prometheus.CounterVec
	keepalivesSent  prometheus.Counter
	busAppends      *prometheus.CounterVec
	telemetryDrops  prometheus.Counter

	// Hooks
	hookInvocations *prometheus.CounterVec

	// Errors by component
	errorsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors under the strand
// namespace.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	var factory promauto.Factory
	if reg != nil {
		factory = promauto.With(reg)
	} else {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &Metrics{
		registry: reg,

		llmRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strand",
			Name:      "llm_requests_total",
			Help:      "LLM requests by provider, model, and outcome.",
		}, []string{"provider", "model", "status"}),

		llmRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "strand",
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),

		llmTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strand",
			Name:      "llm_tokens_total",
			Help:      "Token usage by provider, model, and direction.",
		}, []string{"provider", "model", "direction"}),

		llmRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strand",
			Name:      "llm_retries_total",
			Help:      "LLM request retries by provider and reason.",
		}, []string{"provider", "reason"}),

		toolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strand",
			Name:      "tool_executions_total",
			Help:      "Tool executions by tool name and outcome.",
		}, []string{"tool", "status"}),

		toolExecDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "strand",
			Name:      "tool_execution_duration_seconds",
			Help:      "Tool execution latency by tool name.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"tool"}),

		toolTruncations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strand",
			Name:      "tool_truncations_total",
			Help:      "Tool returns truncated to the per-tool ceiling.",
		}, []string{"tool"}),

		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strand",
			Name:      "runs_total",
			Help:      "Runs by terminal status and stop reason.",
		}, []string{"status", "stop_reason"}),

		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "strand",
			Name:      "active_runs",
			Help:      "Runs currently in the running state.",
		}),

		runSteps: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "strand",
			Name:      "run_steps",
			Help:      "Steps taken per run.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
		}),

		streamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strand",
			Name:      "stream_events_total",
			Help:      "SSE frames emitted by event name.",
		}, []string{"event"}),

		keepalivesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "strand",
			Name:      "stream_keepalives_total",
			Help:      "Keepalive comment frames injected.",
		}),

		busAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strand",
			Name:      "bus_appends_total",
			Help:      "Event bus appends by backend and outcome.",
		}, []string{"backend", "status"}),

		telemetryDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "strand",
			Name:      "telemetry_dropped_total",
			Help:      "Provider-trace records dropped because the buffer was full.",
		}),

		hookInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strand",
			Name:      "hook_invocations_total",
			Help:      "Hook invocations by event and outcome.",
		}, []string{"event", "outcome"}),

		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strand",
			Name:      "errors_total",
			Help:      "Errors by component and type.",
		}, []string{"component", "type"}),
	}
}

// Handler returns the scrape handler for whichever registry the collectors
// were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordLLMRequest records one LLM round trip.
func (m *Metrics) RecordLLMRequest(provider, model, status string, seconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(provider, model, status).Inc()
	m.llmRequestDuration.WithLabelValues(provider, model).Observe(seconds)
	if promptTokens > 0 {
		m.llmTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.llmTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordLLMRetry records one retry attempt.
func (m *Metrics) RecordLLMRetry(provider, reason string) {
	if m == nil {
		return
	}
	m.llmRetries.WithLabelValues(provider, reason).Inc()
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	if m == nil {
		return
	}
	m.toolExecutions.WithLabelValues(tool, status).Inc()
	m.toolExecDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordToolTruncation records a return truncated to its ceiling.
func (m *Metrics) RecordToolTruncation(tool string) {
	if m == nil {
		return
	}
	m.toolTruncations.WithLabelValues(tool).Inc()
}

// RunStarted moves the active-run gauge up.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunFinished records a terminal run and moves the gauge down.
func (m *Metrics) RunFinished(status, stopReason string, steps int) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(status, stopReason).Inc()
	if steps > 0 {
		m.runSteps.Observe(float64(steps))
	}
}

// RecordStreamEvent counts one emitted SSE frame.
func (m *Metrics) RecordStreamEvent(event string) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(event).Inc()
}

// RecordKeepalive counts one injected keepalive frame.
func (m *Metrics) RecordKeepalive() {
	if m == nil {
		return
	}
	m.keepalivesSent.Inc()
}

// RecordBusAppend counts one event-bus append.
func (m *Metrics) RecordBusAppend(backend, status string) {
	if m == nil {
		return
	}
	m.busAppends.WithLabelValues(backend, status).Inc()
}

// RecordTelemetryDrop counts a dropped provider-trace record.
func (m *Metrics) RecordTelemetryDrop() {
	if m == nil {
		return
	}
	m.telemetryDrops.Inc()
}

// RecordHookInvocation counts a hook call with its outcome (ok, block,
// error, timeout).
func (m *Metrics) RecordHookInvocation(event, outcome string) {
	if m == nil {
		return
	}
	m.hookInvocations.WithLabelValues(event, outcome).Inc()
}

// RecordError counts an error by component and type.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(component, errorType).Inc()
}
