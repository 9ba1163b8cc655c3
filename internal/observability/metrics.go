package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects engine metrics for the post-ingest pipeline.
//
// All metrics are registered on the registry passed to NewMetrics so
// tests can use isolated registries.
type Metrics struct {
	// BrokerDeliveries counts consumed broker messages.
	// Labels: queue, outcome (ack|retry|dlx)
	BrokerDeliveries *prometheus.CounterVec

	// AgentIterations counts tool-calling loop iterations.
	// Labels: agent (task|skill-learner)
	AgentIterations *prometheus.CounterVec

	// AgentRuns counts completed agent runs.
	// Labels: agent, outcome (success|error)
	AgentRuns *prometheus.CounterVec

	// LLMRequestDuration measures completion call latency in seconds.
	// Labels: provider
	LLMRequestDuration *prometheus.HistogramVec

	// SandboxAliveSeconds accumulates keep-alive budget deltas. Kill
	// emits a negative-to-zero correction, so this is a gauge.
	// Labels: backend
	SandboxAliveSeconds *prometheus.GaugeVec

	// SkillLearnRuns counts skill-learn pipeline outcomes.
	// Labels: outcome (success|distill_error|learn_error|stale|lock_busy)
	SkillLearnRuns *prometheus.CounterVec

	// MessagesReaped counts running messages returned to pending.
	MessagesReaped prometheus.Counter
}

// NewMetrics creates and registers all engine metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BrokerDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acontext_broker_deliveries_total",
				Help: "Broker messages consumed by queue and outcome.",
			},
			[]string{"queue", "outcome"},
		),
		AgentIterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acontext_agent_iterations_total",
				Help: "Tool-calling loop iterations by agent.",
			},
			[]string{"agent"},
		),
		AgentRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acontext_agent_runs_total",
				Help: "Completed agent runs by agent and outcome.",
			},
			[]string{"agent", "outcome"},
		),
		LLMRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "acontext_llm_request_duration_seconds",
				Help:    "LLM completion latency.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),
		SandboxAliveSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "acontext_sandbox_alive_seconds",
				Help: "Accumulated sandbox keep-alive budget deltas.",
			},
			[]string{"backend"},
		),
		SkillLearnRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acontext_skill_learn_runs_total",
				Help: "Skill-learn pipeline runs by outcome.",
			},
			[]string{"outcome"},
		),
		MessagesReaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "acontext_messages_reaped_total",
				Help: "Running messages returned to pending by the reaper.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.BrokerDeliveries,
			m.AgentIterations,
			m.AgentRuns,
			m.LLMRequestDuration,
			m.SandboxAliveSeconds,
			m.SkillLearnRuns,
			m.MessagesReaped,
		)
	}
	return m
}
