package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := true
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					matched = false
				}
			}
			if !matched {
				continue
			}
			if metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
			if metric.GetGauge() != nil {
				return metric.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.EventAppended("requested")
	m.EventAppended("requested")
	m.RelayFailed("publish")
	m.OutboxStuck()
	m.OutboxMarkers(3, 1, 2)
	m.StageTransition("task.create", "validated")
	m.ProjectionApplied("applied", 0.002)
	m.FanoutDropped("queue_full")
	m.FanoutSessions(2)
	m.FanoutSessions(-1)
	m.LedgerAppended()

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"causeway_events_appended_total", map[string]string{"stage": "requested"}, 2},
		{"causeway_relay_failures_total", map[string]string{"path": "publish"}, 1},
		{"causeway_outbox_stuck_total", nil, 1},
		{"causeway_outbox_markers", map[string]string{"status": "stuck"}, 2},
		{"causeway_stage_transitions_total", map[string]string{"command": "task.create", "stage": "validated"}, 1},
		{"causeway_projection_events_total", map[string]string{"outcome": "applied"}, 1},
		{"causeway_fanout_dropped_total", map[string]string{"reason": "queue_full"}, 1},
		{"causeway_fanout_sessions", nil, 1},
		{"causeway_ledger_records_appended_total", nil, 1},
	}
	for _, check := range checks {
		if got := counterValue(t, reg, check.name, check.labels); got != check.want {
			t.Fatalf("%s%v = %v, want %v", check.name, check.labels, got, check.want)
		}
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.EventAppended("requested")
	m.RelayFailed("sweep")
	m.OutboxRelayed()
	m.OutboxStuck()
	m.OutboxMarkers(1, 1, 1)
	m.StageTransition("task.create", "failed")
	m.ProjectionApplied("error", 0)
	m.FanoutDelivered()
	m.FanoutDropped("closed")
	m.FanoutSessions(1)
	m.LedgerAppended()
	m.LedgerBroken()
}
