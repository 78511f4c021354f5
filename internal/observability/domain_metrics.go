package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_turns_total",
			Help: "Total number of conversation turns by outcome.",
		},
		[]string{"outcome"},
	)
	turnDurationMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlagent_turn_duration_ms",
			Help:    "End-to-end turn latency in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
		},
	)
	turnSteps = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlagent_turn_steps",
			Help:    "Number of model calls per turn.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_tool_calls_total",
			Help: "Total number of tool invocations by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)
	llmRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_llm_requests_total",
			Help: "Total number of language model requests by outcome.",
		},
		[]string{"outcome"},
	)
	llmLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlagent_llm_latency_ms",
			Help:    "Language model request latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
	)
	connectorLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_connector_lookups_total",
			Help: "Connector cache lookups by result (hit, miss, not_bound, unavailable).",
		},
		[]string{"result"},
	)
	connectorConstructionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlagent_connector_constructions_total",
			Help: "Total number of connectors built from durable descriptors.",
		},
	)
	activeConnectors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlagent_active_connectors",
			Help: "Current count of in-process connectors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		turnsTotal,
		turnDurationMs,
		turnSteps,
		toolCallsTotal,
		llmRequestsTotal,
		llmLatencyMs,
		connectorLookupsTotal,
		connectorConstructionsTotal,
		activeConnectors,
	)
}

func ObserveTurn(outcome string, steps int, elapsed time.Duration) {
	turnsTotal.WithLabelValues(outcome).Inc()
	if steps > 0 {
		turnSteps.Observe(float64(steps))
	}
	turnDurationMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveToolCall(tool, outcome string) {
	toolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

func ObserveLLMRequest(outcome string, elapsed time.Duration) {
	llmRequestsTotal.WithLabelValues(outcome).Inc()
	llmLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveConnectorLookup(result string) {
	connectorLookupsTotal.WithLabelValues(result).Inc()
}

func ObserveConnectorConstructed() {
	connectorConstructionsTotal.Inc()
}

func SetActiveConnectors(n int) {
	if n < 0 {
		n = 0
	}
	activeConnectors.Set(float64(n))
}
