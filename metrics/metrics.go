// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TurnsTotal counts completed turns by ending condition.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kimi_turns_total",
			Help: "Total number of completed turns",
		},
		[]string{"condition"},
	)

	// StepsTotal counts completion steps.
	StepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kimi_steps_total",
			Help: "Total number of completion steps",
		},
	)

	// ToolExecutions counts tool invocations by tool name and outcome.
	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kimi_tool_executions_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "outcome"},
	)

	// Approvals counts approval resolutions by decision.
	Approvals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kimi_approvals_total",
			Help: "Total number of approval request resolutions",
		},
		[]string{"decision"},
	)

	// ProviderRetries counts retried completion attempts.
	ProviderRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kimi_provider_retries_total",
			Help: "Total number of retried completion provider calls",
		},
	)

	// Compactions counts history compaction passes that replaced a prefix.
	Compactions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kimi_compactions_total",
			Help: "Total number of history compactions",
		},
	)

	// WireDropped counts messages dropped from connection queues.
	WireDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kimi_wire_dropped_total",
			Help: "Total number of wire messages dropped by slow connections",
		},
	)

	// ActiveSubagents tracks currently running subagents.
	ActiveSubagents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kimi_active_subagents",
			Help: "Number of currently running subagents",
		},
	)
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
