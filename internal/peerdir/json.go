package peerdir

import (
	"encoding/json"
	"net/netip"
	"time"
)

// persistedRecord is the on-disk shape described in SPEC_FULL.md §6:
// counters are runtime-only and never serialized; timestamps are
// milliseconds since the Unix epoch, or null when unset.
type persistedRecord struct {
	IP          string `json:"ip"`
	Banned      bool   `json:"banned"`
	Bootstrap   bool   `json:"bootstrap"`
	LastAlive   *int64 `json:"last_alive"`
	LastFailure *int64 `json:"last_failure"`
	Advertised  bool   `json:"advertised"`
}

func toMillis(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms *int64) time.Time {
	if ms == nil {
		return time.Time{}
	}
	return time.UnixMilli(*ms).UTC()
}

// encodeDumpSubset serializes the persisted subset (banned ∨ advertised ∨
// bootstrap) of records into the peers-file JSON array.
func encodeDumpSubset(records []PeerRecord) ([]byte, error) {
	out := make([]persistedRecord, 0, len(records))
	for _, r := range records {
		if !(r.Banned || r.Advertised || r.Bootstrap) {
			continue
		}
		out = append(out, persistedRecord{
			IP:          r.IP.String(),
			Banned:      r.Banned,
			Bootstrap:   r.Bootstrap,
			LastAlive:   toMillis(r.LastAlive),
			LastFailure: toMillis(r.LastFailure),
			Advertised:  r.Advertised,
		})
	}
	return json.MarshalIndent(out, "", "  ")
}

// decodeDump parses the peers-file JSON array back into records. Missing
// counter fields default to zero (there is nothing to default from: the
// wire format never carries them).
func decodeDump(data []byte) ([]PeerRecord, error) {
	var raw []persistedRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]PeerRecord, 0, len(raw))
	for _, p := range raw {
		ip, err := netip.ParseAddr(p.IP)
		if err != nil {
			continue // tolerate a single corrupt record rather than failing the whole load
		}
		out = append(out, PeerRecord{
			IP:          ip,
			Banned:      p.Banned,
			Bootstrap:   p.Bootstrap,
			LastAlive:   fromMillis(p.LastAlive),
			LastFailure: fromMillis(p.LastFailure),
			Advertised:  p.Advertised,
		})
	}
	return out, nil
}
