// Package metrics declares the prometheus gauges/counters exposing the
// directory's and quota accountant's state to operators, registered
// explicitly against a dedicated registry the way the node's diagnostics
// service does (no promauto — every registration error is checked).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every peerdir-facing collector.
type Metrics struct {
	Registry *prometheus.Registry

	DirectorySize       *prometheus.GaugeVec
	ActiveOutAttempts   prometheus.Gauge
	ActiveOutConnections prometheus.Gauge
	ActiveInConnections prometheus.Gauge
	AvailableOutAttempts prometheus.Gauge

	PersistWritesTotal   prometheus.Counter
	PersistFailuresTotal prometheus.Counter
	CleanupRunsTotal     prometheus.Counter
}

// New builds and registers every collector against a fresh registry.
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		DirectorySize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "peerdir",
			Name:      "directory_size",
			Help:      "Number of peer records currently held, by class.",
		}, []string{"class"}),
		ActiveOutAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerdir", Name: "active_out_attempts",
			Help: "In-flight outbound connection attempts.",
		}),
		ActiveOutConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerdir", Name: "active_out_connections",
			Help: "Established outbound connections.",
		}),
		ActiveInConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerdir", Name: "active_in_connections",
			Help: "Established inbound connections.",
		}),
		AvailableOutAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerdir", Name: "available_out_attempts",
			Help: "Remaining outbound dial budget.",
		}),
		PersistWritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerdir", Name: "persist_writes_total",
			Help: "Successful persistence writes.",
		}),
		PersistFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerdir", Name: "persist_failures_total",
			Help: "Persistence writes that failed (worker writes and the final dump).",
		}),
		CleanupRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerdir", Name: "cleanup_runs_total",
			Help: "CleanupPolicy invocations.",
		}),
	}

	collectors := []prometheus.Collector{
		m.DirectorySize, m.ActiveOutAttempts, m.ActiveOutConnections,
		m.ActiveInConnections, m.AvailableOutAttempts,
		m.PersistWritesTotal, m.PersistFailuresTotal, m.CleanupRunsTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
