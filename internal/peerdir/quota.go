package peerdir

import (
	pdconfig "github.com/slopesweb/peerdir/internal/config/peerdir"
)

// quotaAccountant holds the aggregate counters that must, at every
// observable point, equal the sum of the corresponding per-record counters
// in the directory (invariant I1). It never reads the directory itself;
// every operation in api.go updates both the record and the accountant in
// the same critical section.
type quotaAccountant struct {
	activeOutAttempts    uint32
	activeOutConnections uint32
	activeInConnections  uint32
}

func (q *quotaAccountant) incOutAttempts()    { q.activeOutAttempts++ }
func (q *quotaAccountant) decOutAttempts()    { q.activeOutAttempts-- }
func (q *quotaAccountant) incOutConnections() { q.activeOutConnections++ }
func (q *quotaAccountant) decOutConnections() { q.activeOutConnections-- }
func (q *quotaAccountant) incInConnections()  { q.activeInConnections++ }
func (q *quotaAccountant) decInConnections()  { q.activeInConnections-- }

// availableOutAttempts implements §4.2's derived view with saturating
// subtraction so the result never goes negative.
func (q *quotaAccountant) availableOutAttempts(cfg pdconfig.Config) int {
	byTarget := satSub(cfg.TargetOutConnections, int(q.activeOutAttempts)+int(q.activeOutConnections))
	byCap := satSub(cfg.MaxOutConnectionAttempts, int(q.activeOutAttempts))
	if byTarget < byCap {
		return byTarget
	}
	return byCap
}

// inConnectionAcceptable implements §4.2's second derived view.
func (q *quotaAccountant) inConnectionAcceptable(cfg pdconfig.Config, rec PeerRecord) bool {
	if cfg.MaxInConnectionsPerIP <= 0 {
		return false
	}
	if int(q.activeInConnections) >= cfg.MaxInConnections {
		return false
	}
	return int(rec.ActiveInConnections) < cfg.MaxInConnectionsPerIP
}

func satSub(a, b int) int {
	d := a - b
	if d < 0 {
		return 0
	}
	return d
}
