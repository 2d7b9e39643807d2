// Package telemetry wires Prometheus metrics and OpenTelemetry tracing for
// the orchestration core.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "medmesh"

// Metrics holds the Prometheus collectors of the orchestration core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	CardFetches        *prometheus.CounterVec
	CircuitOpen        *prometheus.GaugeVec
	Delegations        *prometheus.CounterVec
	DelegationDuration *prometheus.HistogramVec
	ToolExecutions     *prometheus.CounterVec
	ToolDuration       *prometheus.HistogramVec
	ReasoningTurns     prometheus.Histogram
	Tasks              *prometheus.CounterVec
	ActiveTasks        prometheus.Gauge
	LLMRequests        *prometheus.CounterVec
	LLMLatency         *prometheus.HistogramVec
}

// NewMetrics registers all collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CardFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "card_fetches_total",
			Help:      "Agent card fetches by agent and outcome (ok, stale, error, circuit_open).",
		}, []string{"agent", "outcome"}),

		CircuitOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_circuit_open",
			Help:      "1 while an agent's circuit breaker is open.",
		}, []string{"agent"}),

		Delegations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegations_total",
			Help:      "Remote agent tasks by agent and terminal state.",
		}, []string{"agent", "state"}),

		DelegationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delegation_duration_seconds",
			Help:      "Remote agent task duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"agent"}),

		ToolExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool executions by tool name and status.",
		}, []string{"tool", "status"}),

		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),

		ReasoningTurns: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reasoning_turns",
			Help:      "Reasoning turns used per task.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10, 15},
		}),

		Tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Coordinator tasks by terminal state.",
		}, []string{"state"}),

		ActiveTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Coordinator tasks currently in progress.",
		}),

		LLMRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Reasoning backend requests by provider, model and status.",
		}, []string{"provider", "model", "status"}),

		LLMLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_latency_seconds",
			Help:      "Reasoning backend latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"provider", "model"}),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveCardFetch counts a registry resolution outcome.
func (m *Metrics) ObserveCardFetch(agent, outcome string) {
	if m == nil {
		return
	}
	m.CardFetches.WithLabelValues(agent, outcome).Inc()
}

// SetCircuitOpen records the breaker state of an agent.
func (m *Metrics) SetCircuitOpen(agent string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitOpen.WithLabelValues(agent).Set(v)
}

// ObserveDelegation records a finished remote task.
func (m *Metrics) ObserveDelegation(agent, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.Delegations.WithLabelValues(agent, state).Inc()
	m.DelegationDuration.WithLabelValues(agent).Observe(d.Seconds())
}

// ObserveTool records a tool execution.
func (m *Metrics) ObserveTool(tool string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status(err)).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveLLM records a reasoning backend call.
func (m *Metrics) ObserveLLM(provider, model string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(provider, model, status(err)).Inc()
	m.LLMLatency.WithLabelValues(provider, model).Observe(d.Seconds())
}

// TaskStarted increments the active task gauge.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.ActiveTasks.Inc()
}

// TaskFinished records a coordinator task's terminal state and turn count.
func (m *Metrics) TaskFinished(state string, turns int) {
	if m == nil {
		return
	}
	m.ActiveTasks.Dec()
	m.Tasks.WithLabelValues(state).Inc()
	if turns > 0 {
		m.ReasoningTurns.Observe(float64(turns))
	}
}
