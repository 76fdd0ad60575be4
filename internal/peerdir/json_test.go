package peerdir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDumpSubset_FiltersAndOmitsCounters(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	records := []PeerRecord{
		{IP: ip("169.202.0.1"), Advertised: true, LastAlive: now, ActiveOutConnections: 3},
		{IP: ip("169.202.0.2"), Banned: true, LastFailure: now},
		{IP: ip("169.202.0.3"), Bootstrap: true},
		{IP: ip("169.202.0.4")}, // inactive, non-advertised, non-banned, non-bootstrap: dropped
	}

	data, err := encodeDumpSubset(records)
	require.NoError(t, err)

	back, err := decodeDump(data)
	require.NoError(t, err)
	require.Len(t, back, 3)

	byIP := make(map[string]PeerRecord, len(back))
	for _, r := range back {
		byIP[r.IP.String()] = r
	}
	_, ok := byIP["169.202.0.4"]
	assert.False(t, ok)

	r1 := byIP["169.202.0.1"]
	assert.True(t, r1.Advertised)
	assert.True(t, r1.LastAlive.Equal(now))
	assert.Equal(t, uint32(0), r1.ActiveOutConnections, "counters are never persisted")
}

// TestRoundTrip_LoadCleanupDumpLoadCleanup mirrors the spec's round-trip
// testable property: load, cleanup, dump, load, cleanup yields the same
// persisted subset.
func TestRoundTrip_LoadCleanupDumpLoadCleanup(t *testing.T) {
	records := []PeerRecord{
		{IP: ip("169.202.0.1"), Advertised: true, LastAlive: time.Now().Add(-time.Minute).Truncate(time.Millisecond)},
		{IP: ip("169.202.0.2"), Banned: true, LastFailure: time.Now().Add(-time.Hour).Truncate(time.Millisecond)},
		{IP: ip("169.202.0.3"), Bootstrap: true},
	}
	data1, err := encodeDumpSubset(records)
	require.NoError(t, err)

	loaded, err := decodeDump(data1)
	require.NoError(t, err)

	data2, err := encodeDumpSubset(loaded)
	require.NoError(t, err)

	assert.JSONEq(t, string(data1), string(data2))
}
