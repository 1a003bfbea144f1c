// Package metrics holds the Prometheus collectors for ticket resolution.
// Collectors are auto-registered with the default registry via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "triage"

var (
	// RunsTotal counts finished resolution runs.
	//
	// Labels:
	//   - status: "success" or "error"
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Total number of ticket resolution runs.",
		},
		[]string{"status"},
	)

	// RunDuration measures wall-clock time of a resolution run.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "run_duration_seconds",
			Help:      "Duration of ticket resolution runs in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	// RouterDecisions counts router outcomes.
	//
	// Labels:
	//   - decision: "dispatch_tools", "handoff" or "stop"
	//   - reason: why the run stopped, empty otherwise
	RouterDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "router_decisions_total",
			Help:      "Total router decisions by kind.",
		},
		[]string{"decision", "reason"},
	)

	// ToolCalls counts tool executions.
	//
	// Labels:
	//   - tool: tool name
	//   - status: "success", "error" or "unknown"
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total tool calls by tool and status.",
		},
		[]string{"tool", "status"},
	)

	// ToolDuration measures tool execution time.
	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "call_duration_seconds",
			Help:      "Duration of tool calls in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"tool"},
	)

	// ModelCalls counts language model invocations per agent.
	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Total language model calls by agent and status.",
		},
		[]string{"agent", "status"},
	)

	// ModelTokens counts tokens consumed per agent.
	//
	// Labels:
	//   - direction: "input" or "output"
	ModelTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Total tokens consumed by language model calls.",
		},
		[]string{"agent", "direction"},
	)

	// LogStoreQueries counts log store queries made by the correlation resolver.
	//
	// Labels:
	//   - stage: "initial" or "cascade"
	//   - status: "success", "empty" or "error"
	LogStoreQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logstore",
			Name:      "queries_total",
			Help:      "Total log store queries by stage and status.",
		},
		[]string{"stage", "status"},
	)

	// IntakeRequests counts tickets pushed by external sources.
	//
	// Labels:
	//   - source: configured source name
	//   - status: "sync", "accepted", "invalid" or "unauthorized"
	IntakeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "requests_total",
			Help:      "Total intake requests by source and status.",
		},
		[]string{"source", "status"},
	)

	// CallbackDeliveries counts outcome callbacks sent to sources.
	CallbackDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "callbacks_total",
			Help:      "Total outcome callbacks by source and status.",
		},
		[]string{"source", "status"},
	)

	// RetentionPruned counts stored runs removed by the retention job.
	RetentionPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "pruned_runs_total",
			Help:      "Total stored runs deleted by retention.",
		},
	)
)
