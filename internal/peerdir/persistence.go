package peerdir

import (
	"context"
	"time"
)

// Store is the persistence sink consumed by the worker. Implementations
// live outside this package (see internal/infra/store); the core only
// needs Save to round-trip encodeDumpSubset's bytes and Load to read them
// back at startup.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Close() error
}

// Logger is the narrow logging surface the worker needs. internal/infra/log
// satisfies it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// persistenceWorker is the single cooperative task described in §4.3. It
// consumes a single-slot, overwriting snapshot channel whose writer end
// lives in Core, debounces bursts of changes behind peers_file_dump_interval,
// and writes the filtered, serialized directory to Store on expiry.
type persistenceWorker struct {
	snapshots <-chan []PeerRecord
	store     Store
	interval  time.Duration
	logger    Logger
}

func newPersistenceWorker(snapshots <-chan []PeerRecord, store Store, interval time.Duration, logger Logger) *persistenceWorker {
	return &persistenceWorker{snapshots: snapshots, store: store, interval: interval, logger: logger}
}

// run blocks until the snapshot channel is closed (the sole cancellation
// mechanism per §5) or ctx is done. On channel closure it returns normally;
// the caller is then responsible for the final synchronous dump.
func (w *persistenceWorker) run(ctx context.Context) {
	var (
		armed   bool
		timer   *time.Timer
		pending []PeerRecord
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	timerC := func() <-chan time.Time {
		if timer == nil {
			return nil
		}
		return timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case snap, ok := <-w.snapshots:
			if !ok {
				return
			}
			pending = snap
			if !armed {
				timer = time.NewTimer(w.interval)
				armed = true
			}
			// Coalescing: further signals while armed do not re-arm.

		case <-timerC():
			armed = false
			timer = nil
			if err := w.writeOnce(ctx, pending); err != nil {
				if w.logger != nil {
					w.logger.Warnf("peerdir persistence write failed, retrying in %s: %v", w.interval, err)
				}
				timer = time.NewTimer(w.interval)
				armed = true
			}
		}
	}
}

func (w *persistenceWorker) writeOnce(ctx context.Context, records []PeerRecord) error {
	data, err := encodeDumpSubset(records)
	if err != nil {
		return err
	}
	return w.store.Save(ctx, data)
}

// finalDump performs the synchronous dump on shutdown required by §2/§4.3.
// Failures are logged and swallowed, never propagated, matching §7's
// error-handling design for persistence failures.
func finalDump(ctx context.Context, store Store, records []PeerRecord, logger Logger) {
	data, err := encodeDumpSubset(records)
	if err != nil {
		if logger != nil {
			logger.Warnf("peerdir final dump encode failed: %v", err)
		}
		return
	}
	if err := store.Save(ctx, data); err != nil {
		if logger != nil {
			logger.Warnf("peerdir final dump write failed: %v", err)
		}
	}
}
