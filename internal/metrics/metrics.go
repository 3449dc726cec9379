// Package metrics exposes fleet state and pipeline activity to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HerbHall/miningops/internal/recon"
	"github.com/HerbHall/miningops/pkg/models"
	"github.com/HerbHall/miningops/pkg/plugin"
)

const namespace = "miningops"

// Metrics owns a private Prometheus registry with the miningops metrics.
type Metrics struct {
	registry *prometheus.Registry

	events       *prometheus.CounterVec
	scanDuration prometheus.Histogram
	scanFound    prometheus.Gauge
}

// New creates a registry holding the event and scan metrics plus the
// standard Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Domain events emitted, by kind.",
		}, []string{"kind"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "scan_duration_seconds",
			Help:      "Duration of completed discovery scans.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
		}),
		scanFound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "last_scan_found",
			Help:      "Verified miners found by the most recent discovery scan.",
		}),
	}
	m.registry.MustRegister(
		m.events,
		m.scanDuration,
		m.scanFound,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	// Every kind is exported from the start, even before its first event.
	for _, k := range []models.EventKind{models.EventBlockFound, models.EventMinerDiscovered, models.EventMinerLost} {
		m.events.WithLabelValues(string(k))
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Subscribe counts domain events and completed scans published on bus.
func (m *Metrics) Subscribe(bus plugin.EventBus) (unsubscribe func()) {
	return bus.SubscribeAll(m.observe)
}

func (m *Metrics) observe(_ context.Context, ev plugin.Event) {
	switch p := ev.Payload.(type) {
	case models.DomainEvent:
		m.events.WithLabelValues(string(p.Kind)).Inc()
	case models.ScanSummary:
		if ev.Topic == recon.TopicScanCompleted {
			m.scanDuration.Observe(p.Duration.Seconds())
			m.scanFound.Set(float64(p.Found))
		}
	}
}

// AddFleet exports the devices returned by src, which is read on every
// scrape.
func (m *Metrics) AddFleet(src SnapshotSource) error {
	return m.registry.Register(newFleetCollector(src))
}

// AddDatagramStats exports the datagram counters of the push listener.
func (m *Metrics) AddDatagramStats(stats func() (received, dropped uint64)) error {
	received := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "beacon",
		Name:      "datagrams_received_total",
		Help:      "Datagrams received by the push listener.",
	}, func() float64 {
		r, _ := stats()
		return float64(r)
	})
	dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "beacon",
		Name:      "datagrams_dropped_total",
		Help:      "Datagrams dropped because they could not be decoded.",
	}, func() float64 {
		_, d := stats()
		return float64(d)
	})
	if err := m.registry.Register(received); err != nil {
		return err
	}
	return m.registry.Register(dropped)
}
