package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ProcessesStarted counts vendor CLI processes spawned
	ProcessesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdeck_processes_started_total",
			Help: "Total number of vendor CLI processes spawned",
		},
		[]string{"agent"},
	)

	// ProcessExits counts vendor CLI exits by outcome
	ProcessExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdeck_process_exits_total",
			Help: "Total number of vendor CLI process exits",
		},
		[]string{"agent", "outcome", "code"},
	)

	// SpawnFailures counts vendor binaries that could not be started
	SpawnFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdeck_spawn_failures_total",
			Help: "Total number of vendor CLI spawn failures",
		},
		[]string{"agent"},
	)

	// PromptDuration tracks how long one prompt keeps a vendor process alive
	PromptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentdeck_prompt_duration_seconds",
			Help:    "Prompt duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"agent", "outcome"},
	)

	// DroppedLines counts stdout lines that produced no message
	DroppedLines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdeck_dropped_lines_total",
			Help: "Total number of vendor output lines ignored by the parser",
		},
		[]string{"agent", "reason"},
	)

	// ActiveSessions tracks live orchestrated sessions
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentdeck_active_sessions",
			Help: "Number of active sessions",
		},
		[]string{"agent"},
	)

	// Tokens tracks tokens consumed by finished sessions
	Tokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdeck_tokens_total",
			Help: "Total number of tokens consumed",
		},
		[]string{"agent", "direction"},
	)

	// CostUSD tracks spend reported by vendors
	CostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdeck_cost_usd_total",
			Help: "Total reported cost in USD",
		},
		[]string{"agent"},
	)

	// PermissionDecisions counts permission outcomes
	PermissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdeck_permission_decisions_total",
			Help: "Total number of permission decisions",
		},
		[]string{"agent", "decision", "source"},
	)

	// OutboxDrops counts relay events dropped while the peer was offline
	OutboxDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentdeck_outbox_drops_total",
			Help: "Total number of relay events dropped due to outbox overflow",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordProcessStart counts one spawned vendor process
func RecordProcessStart(agent string) {
	ProcessesStarted.WithLabelValues(agent).Inc()
}

// RecordSpawnFailure counts a binary that could not be started
func RecordSpawnFailure(agent string) {
	SpawnFailures.WithLabelValues(agent).Inc()
}

// RecordProcessExit records the outcome of one prompt
func RecordProcessExit(agent, outcome string, code int, durationSeconds float64) {
	ProcessExits.WithLabelValues(agent, outcome, strconv.Itoa(code)).Inc()
	PromptDuration.WithLabelValues(agent, outcome).Observe(durationSeconds)
}

// RecordDroppedLine counts an ignored vendor line
func RecordDroppedLine(agent, reason string) {
	DroppedLines.WithLabelValues(agent, reason).Inc()
}

// RecordSessionStart increments the active session gauge
func RecordSessionStart(agent string) {
	ActiveSessions.WithLabelValues(agent).Inc()
}

// RecordSessionEnd decrements the gauge and adds the session's usage
func RecordSessionEnd(agent string, inputTokens, outputTokens int64, costUSD float64) {
	ActiveSessions.WithLabelValues(agent).Dec()
	if inputTokens > 0 {
		Tokens.WithLabelValues(agent, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		Tokens.WithLabelValues(agent, "output").Add(float64(outputTokens))
	}
	if costUSD > 0 {
		CostUSD.WithLabelValues(agent).Add(costUSD)
	}
}

// RecordPermissionDecision counts one approval outcome
func RecordPermissionDecision(agent string, approved bool, source string) {
	decision := "denied"
	if approved {
		decision = "approved"
	}
	PermissionDecisions.WithLabelValues(agent, decision, source).Inc()
}

// RecordOutboxDrop counts one relay event lost to overflow
func RecordOutboxDrop() {
	OutboxDrops.Inc()
}
