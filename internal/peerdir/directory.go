package peerdir

import "net/netip"

// directory is the in-memory IP→PeerRecord mapping. It is the single
// source of truth for peer state; it is never accessed concurrently with
// itself — every caller holds the owning Core's mutex first.
type directory struct {
	records map[netip.Addr]*PeerRecord
}

func newDirectory() *directory {
	return &directory{records: make(map[netip.Addr]*PeerRecord)}
}

func (d *directory) get(ip netip.Addr) (*PeerRecord, bool) {
	r, ok := d.records[ip]
	return r, ok
}

func (d *directory) put(r PeerRecord) {
	cp := r
	d.records[r.IP] = &cp
}

func (d *directory) delete(ip netip.Addr) {
	delete(d.records, ip)
}

func (d *directory) len() int { return len(d.records) }

// snapshot returns a deep copy of every record, safe to hand to the
// persistence worker without any shared mutable state with the directory.
func (d *directory) snapshot() []PeerRecord {
	out := make([]PeerRecord, 0, len(d.records))
	for _, r := range d.records {
		out = append(out, *r)
	}
	return out
}

// replaceAll swaps the directory's contents for the given records, used by
// CleanupPolicy to rebuild the map from its keep/banned_idle/idle buckets.
func (d *directory) replaceAll(records []PeerRecord) {
	m := make(map[netip.Addr]*PeerRecord, len(records))
	for i := range records {
		cp := records[i]
		m[cp.IP] = &cp
	}
	d.records = m
}
