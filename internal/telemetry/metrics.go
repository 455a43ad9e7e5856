package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the counters/histograms the gateway's hot path
// exercises: dispatches, turn iterations, tool calls, compaction runs,
// and IPC connections. Grounded on the teacher's observability.Metrics
// struct-of-CounterVec/HistogramVec shape and promauto registration
// idiom, narrowed to this gateway's own components rather than the
// teacher's channel/HTTP/database surface.
type Metrics struct {
	DispatchTotal      *prometheus.CounterVec
	TurnIterations     *prometheus.CounterVec
	TurnDuration       *prometheus.HistogramVec
	ToolExecutions     *prometheus.CounterVec
	ToolDuration       *prometheus.HistogramVec
	CompactionRuns     *prometheus.CounterVec
	IPCConnections     prometheus.Gauge
	ProviderTokensUsed *prometheus.CounterVec
	CronRunsTotal      *prometheus.CounterVec
}

// NewMetrics registers and returns the metric set against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		DispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_dispatch_total",
				Help: "Total number of router dispatches by channel, trust, and outcome.",
			},
			[]string{"channel", "trust", "outcome"},
		),
		TurnIterations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_turn_iterations_total",
				Help: "Total number of turn-executor iterations by outcome.",
			},
			[]string{"outcome"},
		),
		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_turn_duration_seconds",
				Help:    "Duration of a complete turn (all iterations) in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"session_kind"},
		),
		ToolExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_executions_total",
				Help: "Total number of tool executions by tool name and status.",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_tool_duration_seconds",
				Help:    "Duration of a tool execution in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),
		CompactionRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_compaction_runs_total",
				Help: "Total number of compaction runs by outcome.",
			},
			[]string{"outcome"},
		),
		IPCConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_ipc_connections",
				Help: "Current number of open IPC client connections.",
			},
		),
		ProviderTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_provider_tokens_total",
				Help: "Total provider tokens used by model and direction (input|output).",
			},
			[]string{"model", "direction"},
		),
		CronRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_cron_runs_total",
				Help: "Total number of cron job runs by job name and outcome.",
			},
			[]string{"job", "outcome"},
		),
	}
}
