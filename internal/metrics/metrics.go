// Package metrics exposes Prometheus metrics derived from the bus event
// stream and the session registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/registry"
)

const subscriberBuffer = 512

// Collector turns bus events into counters and exposes a live-session gauge.
// It owns its own Prometheus registry so the HTTP handler serves exactly the
// daemon's metrics and nothing ambient.
type Collector struct {
	promReg *prometheus.Registry
	events  *prometheus.CounterVec
	unsub   func()
	quit    chan struct{}
	done    chan struct{}
}

// New creates the collector and registers its metrics. Call Start to begin
// consuming bus events.
func New(reg *registry.Registry, b *bus.Bus) *Collector {
	c := &Collector{
		promReg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "events_total",
			Help:      "Domain events by kind (session, presence, delivery, receipt, typing, offline, push).",
		}, []string{"kind"}),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	c.promReg.MustRegister(c.events)
	c.promReg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "parley",
		Name:      "live_sessions",
		Help:      "Number of currently connected sessions.",
	}, func() float64 { return float64(reg.Len()) }))

	ch, unsub := b.Subscribe("", subscriberBuffer)
	c.unsub = unsub
	go c.consume(ch)
	return c
}

// Registry returns the Prometheus registry backing the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.promReg
}

// Stop unsubscribes from the bus and stops the consumer goroutine.
func (c *Collector) Stop() {
	c.unsub()
	close(c.quit)
	<-c.done
}

func (c *Collector) consume(ch <-chan bus.Event) {
	defer close(c.done)
	for {
		select {
		case evt := <-ch:
			c.events.WithLabelValues(evt.Kind).Inc()
		case <-c.quit:
			return
		}
	}
}
