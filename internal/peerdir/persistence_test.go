package peerdir

import (
	"context"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	saves int32
	last  []byte
}

func (s *countingStore) Load(context.Context) ([]byte, error) { return nil, nil }
func (s *countingStore) Save(_ context.Context, data []byte) error {
	atomic.AddInt32(&s.saves, 1)
	s.last = data
	return nil
}
func (s *countingStore) Close() error { return nil }

// TestPersistenceWorker_Coalesces verifies that a burst of snapshot signals
// within one debounce window results in exactly one write, carrying the
// latest snapshot.
func TestPersistenceWorker_Coalesces(t *testing.T) {
	store := &countingStore{}
	snapshots := make(chan []PeerRecord, 1)
	worker := newPersistenceWorker(snapshots, store, 50*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		worker.run(ctx)
		close(done)
	}()

	send := func(ip string) {
		snap := []PeerRecord{{IP: ip_(ip), Advertised: true}}
		select {
		case <-snapshots:
		default:
		}
		snapshots <- snap
	}

	send("169.202.0.1")
	time.Sleep(5 * time.Millisecond)
	send("169.202.0.2")
	time.Sleep(5 * time.Millisecond)
	send("169.202.0.3")

	time.Sleep(120 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&store.saves), "coalesced bursts should produce exactly one write")

	close(snapshots)
	<-done
	assert.Contains(t, string(store.last), "169.202.0.3", "the single write should carry the latest snapshot")
}

func TestPersistenceWorker_RetriesOnFailure(t *testing.T) {
	store := &failingThenOKStore{failUntil: 1}
	snapshots := make(chan []PeerRecord, 1)
	worker := newPersistenceWorker(snapshots, store, 20*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		worker.run(ctx)
		close(done)
	}()

	snapshots <- []PeerRecord{{IP: ip_("169.202.0.1"), Advertised: true}}
	time.Sleep(150 * time.Millisecond)

	require.GreaterOrEqual(t, atomic.LoadInt32(&store.attempts), int32(2))
	assert.Equal(t, int32(1), atomic.LoadInt32(&store.successes))

	close(snapshots)
	<-done
}

type failingThenOKStore struct {
	attempts  int32
	successes int32
	failUntil int32
}

func (s *failingThenOKStore) Load(context.Context) ([]byte, error) { return nil, nil }
func (s *failingThenOKStore) Save(_ context.Context, _ []byte) error {
	n := atomic.AddInt32(&s.attempts, 1)
	if n <= s.failUntil {
		return assertError{}
	}
	atomic.AddInt32(&s.successes, 1)
	return nil
}
func (s *failingThenOKStore) Close() error { return nil }

type assertError struct{}

func (assertError) Error() string { return "simulated write failure" }

func ip_(s string) netip.Addr { return ip(s) }
