package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/registry"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name, kind string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if matchLabel(m, "kind", kind) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabel(m *dto.Metric, name, value string) bool {
	for _, l := range m.GetLabel() {
		if l.GetName() == name && l.GetValue() == value {
			return true
		}
	}
	return false
}

func TestCollectorCountsBusEvents(t *testing.T) {
	b := bus.New()
	c := New(registry.New(), b)
	defer c.Stop()

	b.Publish(bus.Event{Kind: bus.KindDeliverySent, Timestamp: time.Now()})
	b.Publish(bus.Event{Kind: bus.KindDeliverySent, Timestamp: time.Now()})
	b.Publish(bus.Event{Kind: bus.KindReceiptRead, Timestamp: time.Now()})

	// The consumer runs on its own goroutine; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if counterValue(t, c.Registry(), "parley_events_total", bus.KindDeliverySent) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := counterValue(t, c.Registry(), "parley_events_total", bus.KindDeliverySent); got != 2 {
		t.Errorf("delivery.sent count = %v, want 2", got)
	}
	if got := counterValue(t, c.Registry(), "parley_events_total", bus.KindReceiptRead); got != 1 {
		t.Errorf("receipt.read count = %v, want 1", got)
	}
}

func TestCollectorLiveSessionsGauge(t *testing.T) {
	reg := registry.New()
	c := New(reg, bus.New())
	defer c.Stop()

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, fam := range families {
		if fam.GetName() == "parley_live_sessions" {
			found = true
			if got := fam.GetMetric()[0].GetGauge().GetValue(); got != 0 {
				t.Errorf("live sessions = %v, want 0", got)
			}
		}
	}
	if !found {
		t.Fatal("parley_live_sessions not registered")
	}
}
