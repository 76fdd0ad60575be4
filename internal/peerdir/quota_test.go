package peerdir

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	pdconfig "github.com/slopesweb/peerdir/internal/config/peerdir"
)

func testConfig(t *testing.T) pdconfig.Config {
	t.Helper()
	cfg, err := pdconfig.NewConfig(pdconfig.Options{
		RoutableIP:               "127.0.0.1",
		TargetOutConnections:     10,
		MaxOutConnectionAttempts: 15,
		MaxInConnections:         5,
		MaxInConnectionsPerIP:    2,
		MaxIdlePeers:             3,
		MaxBannedPeers:           3,
		MaxAdvertiseLength:       5,
		WakeupInterval:           0, // zero selects the default; the quota tests do not depend on it
		PeersFile:                "unused.json",
	})
	if err != nil {
		t.Fatalf("build config: %v", err)
	}
	return cfg
}

func TestQuota_AvailableOutAttempts_Saturates(t *testing.T) {
	cfg := testConfig(t)
	q := quotaAccountant{activeOutAttempts: 20} // beyond the target, saturating subtraction must not go negative
	assert.Equal(t, 0, q.availableOutAttempts(cfg))
}

func TestQuota_AvailableOutAttempts_MinOfTwoCaps(t *testing.T) {
	cfg := testConfig(t)
	q := quotaAccountant{activeOutAttempts: 0, activeOutConnections: 8}
	// target(10) - 0 - 8 = 2; maxAttempts(15) - 0 = 15; min is 2.
	assert.Equal(t, 2, q.availableOutAttempts(cfg))
}

func TestQuota_InConnectionAcceptable(t *testing.T) {
	cfg := testConfig(t)
	rec := PeerRecord{IP: netip.MustParseAddr("169.202.0.11")}

	q := quotaAccountant{}
	assert.True(t, q.inConnectionAcceptable(cfg, rec))

	q.activeInConnections = uint32(cfg.MaxInConnections)
	assert.False(t, q.inConnectionAcceptable(cfg, rec))

	q.activeInConnections = 0
	rec.ActiveInConnections = uint32(cfg.MaxInConnectionsPerIP)
	assert.False(t, q.inConnectionAcceptable(cfg, rec))
}

func TestQuota_MaxInConnectionsPerIPZero_RejectsAll(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxInConnectionsPerIP = 0
	q := quotaAccountant{}
	rec := PeerRecord{IP: netip.MustParseAddr("169.202.0.11")}
	assert.False(t, q.inConnectionAcceptable(cfg, rec))
}
