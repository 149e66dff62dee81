// Package observability holds the Prometheus metrics of the pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "causeway"

// Metrics groups every pipeline collector. A nil *Metrics is valid and
// records nothing, which keeps components usable without a registry.
type Metrics struct {
	eventsAppended    *prometheus.CounterVec
	relayFailures     *prometheus.CounterVec
	outboxRelayed     prometheus.Counter
	outboxStuck       prometheus.Counter
	outboxMarkers     *prometheus.GaugeVec
	stageResent       *prometheus.CounterVec
	stageTransitions  *prometheus.CounterVec
	projectionApplied *prometheus.CounterVec
	projectionLatency prometheus.Histogram
	fanoutDelivered   prometheus.Counter
	fanoutDropped     *prometheus.CounterVec
	fanoutSessions    prometheus.Gauge
	ledgerAppended    prometheus.Counter
	ledgerBroken      prometheus.Counter
}

// NewMetrics registers the pipeline collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		eventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Events durably appended to the event log, by stage.",
		}, []string{"stage"}),
		relayFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_failures_total",
			Help:      "Failed channel sends after a successful append, by path.",
		}, []string{"path"}),
		outboxRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "relayed_total",
			Help:      "Events relayed by the outbox sweeper.",
		}),
		outboxStuck: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "stuck_total",
			Help:      "Outbox markers that exhausted their relay attempts.",
		}),
		outboxMarkers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "markers",
			Help:      "Outbox markers by status at the last sweep.",
		}, []string{"status"}),
		stageResent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "resent_total",
			Help:      "Stage events re-sent because no follow-up was recorded, by stage.",
		}, []string{"stage"}),
		stageTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "transitions_total",
			Help:      "Stage events published by the stage machine.",
		}, []string{"command", "stage"}),
		projectionApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "events_total",
			Help:      "Completed events offered to the projection engine, by outcome.",
		}, []string{"outcome"}),
		projectionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "apply_seconds",
			Help:      "Projection apply latency in seconds.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		fanoutDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "delivered_total",
			Help:      "Notifications queued to live sessions.",
		}),
		fanoutDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "dropped_total",
			Help:      "Notifications dropped, by reason.",
		}, []string{"reason"}),
		fanoutSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "sessions",
			Help:      "Live fan-out sessions.",
		}),
		ledgerAppended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "records_appended_total",
			Help:      "Ledger records appended.",
		}),
		ledgerBroken: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "verify_broken_total",
			Help:      "Ledger verifications that found a broken chain.",
		}),
	}
}

func (m *Metrics) EventAppended(stage string) {
	if m == nil {
		return
	}
	m.eventsAppended.WithLabelValues(stage).Inc()
}

// RelayFailed counts a failed send; path is "publish" or "sweep".
func (m *Metrics) RelayFailed(path string) {
	if m == nil {
		return
	}
	m.relayFailures.WithLabelValues(path).Inc()
}

func (m *Metrics) OutboxRelayed() {
	if m == nil {
		return
	}
	m.outboxRelayed.Inc()
}

func (m *Metrics) OutboxStuck() {
	if m == nil {
		return
	}
	m.outboxStuck.Inc()
}

// OutboxMarkers records the marker counts of the latest summary.
func (m *Metrics) OutboxMarkers(pending, processing, stuck int) {
	if m == nil {
		return
	}
	m.outboxMarkers.WithLabelValues("pending").Set(float64(pending))
	m.outboxMarkers.WithLabelValues("processing").Set(float64(processing))
	m.outboxMarkers.WithLabelValues("stuck").Set(float64(stuck))
}

func (m *Metrics) StageResent(stage string) {
	if m == nil {
		return
	}
	m.stageResent.WithLabelValues(stage).Inc()
}

func (m *Metrics) StageTransition(command, stage string) {
	if m == nil {
		return
	}
	m.stageTransitions.WithLabelValues(command, stage).Inc()
}

// ProjectionApplied records one apply outcome: applied, skipped or error.
func (m *Metrics) ProjectionApplied(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.projectionApplied.WithLabelValues(outcome).Inc()
	m.projectionLatency.Observe(seconds)
}

func (m *Metrics) FanoutDelivered() {
	if m == nil {
		return
	}
	m.fanoutDelivered.Inc()
}

func (m *Metrics) FanoutDropped(reason string) {
	if m == nil {
		return
	}
	m.fanoutDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) FanoutSessions(delta int) {
	if m == nil {
		return
	}
	m.fanoutSessions.Add(float64(delta))
}

func (m *Metrics) LedgerAppended() {
	if m == nil {
		return
	}
	m.ledgerAppended.Inc()
}

func (m *Metrics) LedgerBroken() {
	if m == nil {
		return
	}
	m.ledgerBroken.Inc()
}
