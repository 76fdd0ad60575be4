// Package peerdir implements the peer directory and connection accounting
// core: a bounded, IP-keyed directory of remote peers, quota accounting over
// in-flight attempts and established connections, a cleanup policy that
// partitions the directory into bounded classes, and a debounced persistence
// pipeline.
package peerdir

import (
	"net/netip"
	"time"
)

// PeerRecord is the per-peer state held by the directory. It is a small
// value type; copy it freely.
type PeerRecord struct {
	IP netip.Addr

	Banned    bool
	Bootstrap bool

	// LastAlive and LastFailure are zero-valued when unset.
	LastAlive   time.Time
	LastFailure time.Time

	Advertised bool

	ActiveOutAttempts    uint32
	ActiveOutConnections uint32
	ActiveInConnections  uint32
}

// IsActive reports whether the record has any in-flight attempt or
// established connection in either direction.
func (r PeerRecord) IsActive() bool {
	return r.ActiveOutAttempts > 0 || r.ActiveOutConnections > 0 || r.ActiveInConnections > 0
}

// HasLastAlive reports whether LastAlive carries a value.
func (r PeerRecord) HasLastAlive() bool { return !r.LastAlive.IsZero() }

// HasLastFailure reports whether LastFailure carries a value.
func (r PeerRecord) HasLastFailure() bool { return !r.LastFailure.IsZero() }

// dialEligible implements the wakeup-interval back-off predicate from the
// public API's dial candidate selection.
func dialEligible(now time.Time, r PeerRecord, wakeupInterval time.Duration) bool {
	if !r.HasLastFailure() {
		return true
	}
	if r.HasLastAlive() && r.LastAlive.After(r.LastFailure) {
		return true
	}
	elapsed := now.Sub(r.LastFailure)
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed > wakeupInterval
}
