// Package metrics provides Prometheus metrics for the session orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the orchestrator.
type Metrics struct {
	SessionsTotal      *prometheus.CounterVec
	EventsAppended     *prometheus.CounterVec
	PromptsTotal       *prometheus.CounterVec
	SpawnDecisions     *prometheus.CounterVec
	SandboxTransitions *prometheus.CounterVec
	CallbacksTotal     *prometheus.CounterVec
	WSClientsConnected prometheus.Gauge
	ReplayBatchSize    prometheus.Histogram

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_sessions_total",
				Help: "Total sessions created by spawn source.",
			},
			[]string{"source"},
		),
		EventsAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_events_appended_total",
				Help: "Total events appended to session logs by type.",
			},
			[]string{"type"},
		),
		PromptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_prompts_total",
				Help: "Total prompts submitted by origin channel.",
			},
			[]string{"source"},
		),
		SpawnDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_spawn_decisions_total",
				Help: "Child spawn admission decisions by outcome.",
			},
			[]string{"outcome"},
		),
		SandboxTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_sandbox_transitions_total",
				Help: "Sandbox lifecycle transitions by target status.",
			},
			[]string{"status"},
		),
		CallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_callbacks_total",
				Help: "Signed callback deliveries by result.",
			},
			[]string{"result"},
		),
		WSClientsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_ws_clients_connected",
				Help: "Currently subscribed WebSocket clients across all sessions.",
			},
		),
		ReplayBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchestrator_replay_batch_size",
				Help:    "Number of events returned per replay batch.",
				Buckets: []float64{0, 1, 10, 50, 100, 250, 500},
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.SessionsTotal)
	reg.MustRegister(m.EventsAppended)
	reg.MustRegister(m.PromptsTotal)
	reg.MustRegister(m.SpawnDecisions)
	reg.MustRegister(m.SandboxTransitions)
	reg.MustRegister(m.CallbacksTotal)
	reg.MustRegister(m.WSClientsConnected)
	reg.MustRegister(m.ReplayBatchSize)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSession increments the session counter.
func (m *Metrics) RecordSession(source string) {
	m.SessionsTotal.WithLabelValues(source).Inc()
}

// RecordEvent increments the appended-event counter.
func (m *Metrics) RecordEvent(eventType string) {
	m.EventsAppended.WithLabelValues(eventType).Inc()
}

// RecordPrompt increments the prompt counter.
func (m *Metrics) RecordPrompt(source string) {
	m.PromptsTotal.WithLabelValues(source).Inc()
}

// RecordSpawnDecision increments the admission decision counter.
func (m *Metrics) RecordSpawnDecision(outcome string) {
	m.SpawnDecisions.WithLabelValues(outcome).Inc()
}

// RecordSandboxTransition increments the sandbox transition counter.
func (m *Metrics) RecordSandboxTransition(status string) {
	m.SandboxTransitions.WithLabelValues(status).Inc()
}

// RecordCallback increments the callback delivery counter.
func (m *Metrics) RecordCallback(result string) {
	m.CallbacksTotal.WithLabelValues(result).Inc()
}

// ClientConnected adjusts the connected-clients gauge.
func (m *Metrics) ClientConnected(delta float64) {
	m.WSClientsConnected.Add(delta)
}

// ObserveReplayBatch records the size of a replay batch.
func (m *Metrics) ObserveReplayBatch(n int) {
	m.ReplayBatchSize.Observe(float64(n))
}
