package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects runtime counters and latency histograms. Registration
// uses the default Prometheus registry; NewMetrics must be called at most
// once per process.
type Metrics struct {
	// TurnIterations counts orchestrator loop iterations.
	// Labels: outcome (final|tools|interrupted|bound).
	TurnIterations *prometheus.CounterVec

	// LLMRequestDuration measures provider call latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider calls by status.
	// Labels: provider, model, status (success|error|rate_limited).
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion).
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, operation, status (success|error).
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// BrokerRequests counts broker round-trips by op and outcome.
	BrokerRequests *prometheus.CounterVec

	// LockContention counts denied lock requests by kind.
	LockContention *prometheus.CounterVec

	// Compactions counts history compactions.
	Compactions prometheus.Counter

	// Interrupts counts user interrupts observed by the loop.
	Interrupts prometheus.Counter

	// StoredResults gauges blobs currently held by the result store.
	StoredResults prometheus.Gauge

	// ActiveSubagents gauges currently running sub-agent processes.
	ActiveSubagents prometheus.Gauge
}

// NewMetrics creates and registers all runtime metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnIterations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anvil_turn_iterations_total",
				Help: "Orchestrator loop iterations by outcome",
			},
			[]string{"outcome"},
		),
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anvil_llm_request_duration_seconds",
				Help:    "Duration of LLM provider calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anvil_llm_requests_total",
				Help: "LLM provider calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anvil_llm_tokens_total",
				Help: "Tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anvil_tool_executions_total",
				Help: "Tool executions by tool, operation, and status",
			},
			[]string{"tool", "operation", "status"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anvil_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		BrokerRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anvil_broker_requests_total",
				Help: "Broker requests by op and outcome",
			},
			[]string{"op", "outcome"},
		),
		LockContention: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anvil_lock_contention_total",
				Help: "Denied broker lock requests by kind",
			},
			[]string{"kind"},
		),
		Compactions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "anvil_history_compactions_total",
			Help: "History compactions performed",
		}),
		Interrupts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "anvil_interrupts_total",
			Help: "User interrupts observed by the turn loop",
		}),
		StoredResults: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "anvil_stored_tool_results",
			Help: "Tool result blobs currently on disk",
		}),
		ActiveSubagents: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "anvil_active_subagents",
			Help: "Sub-agent processes currently running",
		}),
	}
}

// RecordLLMRequest records one provider call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, elapsed time.Duration, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(elapsed.Seconds())
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool dispatch.
func (m *Metrics) RecordToolExecution(tool, operation, status string, elapsed time.Duration) {
	m.ToolExecutionCounter.WithLabelValues(tool, operation, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// RecordBrokerRequest records one broker round-trip.
func (m *Metrics) RecordBrokerRequest(op string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.BrokerRequests.WithLabelValues(op, outcome).Inc()
}

// ServeMetrics exposes /metrics on addr until the server fails. Intended to
// run in its own goroutine when metrics.listen_addr is configured.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}
