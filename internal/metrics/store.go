package metrics

import (
	"context"

	"github.com/slopesweb/peerdir/internal/peerdir"
)

// InstrumentedStore wraps a peerdir.Store, counting successful and failed
// writes so PersistWritesTotal/PersistFailuresTotal stay accurate without
// the core itself depending on this package.
type InstrumentedStore struct {
	inner peerdir.Store
	m     *Metrics
}

// WrapStore returns a Store decorator that reports to m.
func WrapStore(inner peerdir.Store, m *Metrics) *InstrumentedStore {
	return &InstrumentedStore{inner: inner, m: m}
}

func (s *InstrumentedStore) Load(ctx context.Context) ([]byte, error) {
	return s.inner.Load(ctx)
}

func (s *InstrumentedStore) Save(ctx context.Context, data []byte) error {
	err := s.inner.Save(ctx, data)
	if err != nil {
		s.m.PersistFailuresTotal.Inc()
	} else {
		s.m.PersistWritesTotal.Inc()
	}
	return err
}

func (s *InstrumentedStore) Close() error { return s.inner.Close() }

// ObserveCleanup is passed to Core.SetCleanupObserver to keep
// CleanupRunsTotal accurate.
func (m *Metrics) ObserveCleanup() { m.CleanupRunsTotal.Inc() }

// Refresh samples a QuotaView snapshot into the gauges. Call it
// periodically (a small ticker in cmd/peerdir-node/serve.go does this every
// few seconds) — it does not itself hold a reference to Core to keep this
// package decoupled from the core's mutex discipline.
func (s *InstrumentedStore) Refresh(q peerdir.QuotaView) {
	s.m.ActiveOutAttempts.Set(float64(q.ActiveOutAttempts))
	s.m.ActiveOutConnections.Set(float64(q.ActiveOutConnections))
	s.m.ActiveInConnections.Set(float64(q.ActiveInConnections))
	s.m.AvailableOutAttempts.Set(float64(q.AvailableOutAttempts))

	// Reset first: a class that drops to zero members between samples
	// must read back as 0, not keep reporting its last nonzero value.
	s.m.DirectorySize.Reset()
	for class, n := range q.DirectoryByClass {
		s.m.DirectorySize.WithLabelValues(class).Set(float64(n))
	}
}
