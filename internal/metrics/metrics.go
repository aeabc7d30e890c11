package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the agent. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	DecisionsTotal    *prometheus.CounterVec
	VerdictCacheHits  prometheus.Counter
	OutboxDelivered   *prometheus.CounterVec
	OutboxFailures    *prometheus.CounterVec
	HeartbeatsTotal   prometheus.Counter
	CommandsTotal     *prometheus.CounterVec
	UpdatesRejected   prometheus.Counter
	ProcessEventsSeen *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_guard_decisions_total",
			Help: "Execution decisions by verdict and source",
		}, []string{"verdict", "source"}),
		VerdictCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "exec_guard_verdict_cache_hits_total",
			Help: "Decisions answered from the in-memory verdict cache",
		}),
		OutboxDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_guard_outbox_delivered_total",
			Help: "Outbox rows acknowledged by the management service",
		}, []string{"kind"}),
		OutboxFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_guard_outbox_failures_total",
			Help: "Outbox deliveries that failed and will be retried",
		}, []string{"kind"}),
		HeartbeatsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "exec_guard_heartbeats_total",
			Help: "Heartbeats sent to the management service",
		}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_guard_commands_total",
			Help: "Server commands dispatched by name and result",
		}, []string{"command", "result"}),
		UpdatesRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "exec_guard_updates_rejected_total",
			Help: "Update artifacts rejected by signature or signer pin checks",
		}),
		ProcessEventsSeen: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_guard_process_events_total",
			Help: "Process events recorded by state",
		}, []string{"state"}),
	}
}

// RecordDecision counts a decision; source is cache, store, rules or fail_open
func (m *Metrics) RecordDecision(verdict, source string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(verdict, source).Inc()
	if source == "cache" {
		m.VerdictCacheHits.Inc()
	}
}

// RecordDelivery counts an outbox delivery attempt
func (m *Metrics) RecordDelivery(kind string, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.OutboxDelivered.WithLabelValues(kind).Inc()
	} else {
		m.OutboxFailures.WithLabelValues(kind).Inc()
	}
}

// IncrementHeartbeats increments the heartbeat counter
func (m *Metrics) IncrementHeartbeats() {
	if m == nil {
		return
	}
	m.HeartbeatsTotal.Inc()
}

// RecordCommand counts a dispatched command
func (m *Metrics) RecordCommand(command, result string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(command, result).Inc()
}

// IncrementUpdatesRejected increments the rejected update counter
func (m *Metrics) IncrementUpdatesRejected() {
	if m == nil {
		return
	}
	m.UpdatesRejected.Inc()
}

// RecordProcessEvent counts a logged process event
func (m *Metrics) RecordProcessEvent(state string) {
	if m == nil {
		return
	}
	m.ProcessEventsSeen.WithLabelValues(state).Inc()
}
