package peerdir

import (
	"net/netip"
	"sort"

	pdconfig "github.com/slopesweb/peerdir/internal/config/peerdir"
)

// runCleanup is the pure transformation described in §4.1: it partitions
// the existing directory into keep/banned_idle/idle buckets, folds in any
// freshly merged candidate IPs, truncates each bucket to its configured
// cap, and rebuilds the directory as their union. It never suspends and
// never performs I/O.
func runCleanup(cfg pdconfig.Config, dir *directory, newIPs []netip.Addr) {
	fresh := materializeCandidates(cfg, dir, newIPs)

	keep := make([]PeerRecord, 0, dir.len())
	bannedIdle := make([]PeerRecord, 0)
	idle := make([]PeerRecord, 0, len(fresh))

	for _, r := range dir.records {
		if !IsGlobal(r.IP) {
			continue
		}
		if cfg.HasRoutableIP && r.IP == cfg.RoutableIP {
			continue
		}
		switch {
		case r.Bootstrap || r.IsActive():
			keep = append(keep, *r)
		case r.Banned:
			bannedIdle = append(bannedIdle, *r)
		case r.Advertised:
			idle = append(idle, *r)
		}
	}

	idle = append(idle, fresh...)

	// Stable sort: pre-existing records (appended before fresh ones above)
	// precede freshly-merged records on equal keys.
	sort.SliceStable(idle, func(i, j int) bool {
		return idleLess(idle[i], idle[j])
	})
	if len(idle) > cfg.MaxIdlePeers {
		idle = idle[:cfg.MaxIdlePeers]
	}

	sort.Slice(bannedIdle, func(i, j int) bool {
		return bannedLess(bannedIdle[i], bannedIdle[j])
	})
	if len(bannedIdle) > cfg.MaxBannedPeers {
		bannedIdle = bannedIdle[:cfg.MaxBannedPeers]
	}

	total := make([]PeerRecord, 0, len(keep)+len(bannedIdle)+len(idle))
	total = append(total, keep...)
	total = append(total, bannedIdle...)
	total = append(total, idle...)
	dir.replaceAll(total)
}

// materializeCandidates implements step 1 of §4.1: dedupe, mark existing
// records advertised, drop non-global/self IPs, truncate to
// max_advertise_length, and materialize the survivors as fresh advertised
// records.
func materializeCandidates(cfg pdconfig.Config, dir *directory, newIPs []netip.Addr) []PeerRecord {
	if len(newIPs) == 0 {
		return nil
	}

	seen := make(map[netip.Addr]bool, len(newIPs))
	survivors := make([]netip.Addr, 0, len(newIPs))
	for _, ip := range newIPs {
		if seen[ip] {
			continue
		}
		seen[ip] = true

		if existing, ok := dir.get(ip); ok {
			existing.Advertised = true
			continue
		}
		if !IsGlobal(ip) {
			continue
		}
		if cfg.HasRoutableIP && ip == cfg.RoutableIP {
			continue
		}
		survivors = append(survivors, ip)
	}

	if len(survivors) > cfg.MaxAdvertiseLength {
		survivors = survivors[:cfg.MaxAdvertiseLength]
	}

	fresh := make([]PeerRecord, 0, len(survivors))
	for _, ip := range survivors {
		fresh = append(fresh, PeerRecord{IP: ip, Advertised: true})
	}
	return fresh
}

// idleLess orders idle candidates by (last_alive desc, last_failure asc).
func idleLess(a, b PeerRecord) bool {
	if !a.LastAlive.Equal(b.LastAlive) {
		return a.LastAlive.After(b.LastAlive)
	}
	return a.LastFailure.Before(b.LastFailure)
}

// bannedLess orders banned-idle candidates by (last_failure desc, last_alive asc).
func bannedLess(a, b PeerRecord) bool {
	if !a.LastFailure.Equal(b.LastFailure) {
		return a.LastFailure.After(b.LastFailure)
	}
	return a.LastAlive.Before(b.LastAlive)
}
