package peerdir

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	pdconfig "github.com/slopesweb/peerdir/internal/config/peerdir"
)

// Core is the public façade (§4.4): the thin, synchronous API the
// connection layer drives. Every mutating method runs to completion under
// Core's mutex — by the time a call returns, invariants I1-I8 hold. The
// persistence worker is the only concurrent task and never observes a
// partially-mutated directory (see persistence.go).
type Core struct {
	mu    sync.Mutex
	cfg   pdconfig.Config
	dir   *directory
	quota quotaAccountant

	store  Store
	logger Logger
	now    func() time.Time

	snapshots chan []PeerRecord
	workerDone chan struct{}
	started   bool

	// onCleanup, when set, is invoked after every CleanupPolicy run, for
	// metrics wiring. It is called with c.mu held; it must not call back
	// into Core.
	onCleanup func()

	// banSync, when set and cfg.BanSync is true, is the distributed
	// ban-list side channel (§11.1): PeerBanned publishes to it and New
	// seeds from it before the first CleanupPolicy pass.
	banSync BanSyncer
}

// BanSyncer is the optional distributed ban-list sync side channel
// (§11.1): a shared store that PeerBanned publishes newly banned IPs to,
// and that New seeds already-banned IPs from at startup. Implemented by
// internal/infra/store/redisban.Sync; nil means the feature is disabled.
type BanSyncer interface {
	PublishBan(ctx context.Context, ip netip.Addr) error
	LoadBans(ctx context.Context) ([]netip.Addr, error)
}

// SetCleanupObserver registers fn to be called after every CleanupPolicy
// run. Intended for metrics instrumentation (see internal/metrics).
func (c *Core) SetCleanupObserver(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCleanup = fn
}

// New constructs a Core from a frozen Config and a Store, loading any
// previously persisted peers file, seeding bans from the optional
// BanSyncer (if cfg.BanSync and banSync are both set), and running one
// cleanup pass over the result (with no new candidate IPs) as described in
// §2's startup sequence. It does not start the persistence worker; call
// Start for that. banSync is variadic so existing two-backend callers
// that never configure ban-sync are unaffected; at most the first value is
// used.
func New(cfg pdconfig.Config, store Store, logger Logger, banSync ...BanSyncer) (*Core, error) {
	c := &Core{
		cfg:    cfg,
		dir:    newDirectory(),
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	if len(banSync) > 0 {
		c.banSync = banSync[0]
	}

	data, err := store.Load(context.Background())
	if err == nil && len(data) > 0 {
		records, decErr := decodeDump(data)
		if decErr == nil {
			for _, r := range records {
				c.dir.put(r)
			}
		} else if logger != nil {
			logger.Warnf("peerdir: discarding corrupt peers file: %v", decErr)
		}
	}

	if cfg.BanSync && c.banSync != nil {
		bans, loadErr := c.banSync.LoadBans(context.Background())
		if loadErr != nil {
			if logger != nil {
				logger.Warnf("peerdir: seed bans from sync channel failed: %v", loadErr)
			}
		} else {
			for _, ip := range bans {
				rec, ok := c.dir.get(ip)
				if !ok {
					c.dir.put(PeerRecord{IP: ip})
					rec, _ = c.dir.get(ip)
				}
				rec.Banned = true
			}
		}
	}

	c.runCleanup(nil)
	return c, nil
}

// runCleanup runs CleanupPolicy and notifies the cleanup observer, if any.
// Must be called with c.mu held (or, during New, before any other goroutine
// can observe c).
func (c *Core) runCleanup(newIPs []netip.Addr) {
	runCleanup(c.cfg, c.dir, newIPs)
	if c.onCleanup != nil {
		c.onCleanup()
	}
}

// Start spawns the persistence worker. It must be called at most once.
func (c *Core) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.snapshots = make(chan []PeerRecord, 1)
	c.workerDone = make(chan struct{})
	c.mu.Unlock()

	worker := newPersistenceWorker(c.snapshots, c.store, c.cfg.PeersFileDumpInterval, c.logger)
	go func() {
		defer close(c.workerDone)
		worker.run(ctx)
	}()
}

// Stop closes the snapshot channel (the sole cancellation mechanism, §5),
// waits for the worker to exit, and performs the final synchronous dump.
func (c *Core) Stop(ctx context.Context) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	close(c.snapshots)
	snap := c.dir.snapshot()
	c.mu.Unlock()

	<-c.workerDone
	finalDump(ctx, c.store, snap, c.logger)
}

// Dump performs one synchronous, unconditional write of the current
// directory through the configured Store, independent of the persistence
// worker's lifecycle. Intended for one-shot callers (CLI utilities) that
// never call Start.
func (c *Core) Dump(ctx context.Context) {
	c.mu.Lock()
	snap := c.dir.snapshot()
	c.mu.Unlock()
	finalDump(ctx, c.store, snap, c.logger)
}

// signal delivers a fresh snapshot to the worker, coalescing with any
// unread prior snapshot. Must be called with c.mu held.
func (c *Core) signal() {
	if c.snapshots == nil {
		return
	}
	snap := c.dir.snapshot()
	select {
	case <-c.snapshots: // drop stale, unread snapshot
	default:
	}
	select {
	case c.snapshots <- snap:
	default:
	}
}

// cleanupIfInactive runs CleanupPolicy when rec has just become inactive
// and is not a bootstrap peer, matching the "if record becomes inactive
// and non-bootstrap, run cleanup" clause repeated across §4.4.
func (c *Core) cleanupIfInactive(rec *PeerRecord) {
	if !rec.IsActive() && !rec.Bootstrap {
		c.runCleanup(nil)
	}
}

// NewOutConnectionAttempt implements new_out_connection_attempt(ip).
func (c *Core) NewOutConnectionAttempt(ip netip.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !IsGlobal(ip) {
		return newIPErr(ErrInvalidIP, ip)
	}
	if c.quota.availableOutAttempts(c.cfg) == 0 {
		return newIPErr(ErrTooManyAttempts, ip)
	}
	rec, ok := c.dir.get(ip)
	if !ok {
		return newIPErr(ErrUnknownPeer, ip)
	}
	rec.ActiveOutAttempts++
	c.quota.incOutAttempts()
	return nil
}

// TryOutConnectionAttemptSuccess implements try_out_connection_attempt_success(ip).
func (c *Core) TryOutConnectionAttemptSuccess(ip netip.Addr) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quota.activeOutAttempts == 0 {
		return false, newIPErr(ErrTooManyAttempts, ip)
	}
	if int(c.quota.activeOutConnections) >= c.cfg.TargetOutConnections {
		return false, nil
	}
	rec, ok := c.dir.get(ip)
	if !ok {
		return false, newIPErr(ErrUnknownPeer, ip)
	}
	if rec.ActiveOutAttempts == 0 {
		return false, newIPErr(ErrTooManyAttempts, ip)
	}

	rec.ActiveOutAttempts--
	c.quota.decOutAttempts()
	rec.Advertised = true

	if rec.Banned {
		rec.LastFailure = c.now()
		c.cleanupIfInactive(rec)
		c.signal()
		return false, nil
	}

	rec.ActiveOutConnections++
	c.quota.incOutConnections()
	c.signal()
	return true, nil
}

// OutConnectionAttemptFailed implements out_connection_attempt_failed(ip).
func (c *Core) OutConnectionAttemptFailed(ip netip.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quota.activeOutAttempts == 0 {
		return newIPErr(ErrTooManyFailures, ip)
	}
	rec, ok := c.dir.get(ip)
	if !ok {
		return newIPErr(ErrUnknownPeer, ip)
	}
	if rec.ActiveOutAttempts == 0 {
		return newIPErr(ErrTooManyFailures, ip)
	}

	rec.ActiveOutAttempts--
	c.quota.decOutAttempts()
	rec.LastFailure = c.now()
	c.cleanupIfInactive(rec)
	c.signal()
	return nil
}

// OutConnectionClosed implements out_connection_closed(ip).
func (c *Core) OutConnectionClosed(ip netip.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quota.activeOutConnections == 0 {
		return newIPErr(ErrCloseWithNoConnection, ip)
	}
	rec, ok := c.dir.get(ip)
	if !ok {
		return newIPErr(ErrUnknownPeer, ip)
	}
	if rec.ActiveOutConnections == 0 {
		return newIPErr(ErrCloseWithNoConnection, ip)
	}

	rec.ActiveOutConnections--
	c.quota.decOutConnections()
	if !rec.IsActive() && !rec.Bootstrap {
		c.runCleanup(nil)
		c.signal()
	}
	return nil
}

// InConnectionClosed implements in_connection_closed(ip).
func (c *Core) InConnectionClosed(ip netip.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quota.activeInConnections == 0 {
		return newIPErr(ErrCloseWithNoConnection, ip)
	}
	rec, ok := c.dir.get(ip)
	if !ok {
		return newIPErr(ErrUnknownPeer, ip)
	}
	if rec.ActiveInConnections == 0 {
		return newIPErr(ErrCloseWithNoConnection, ip)
	}

	rec.ActiveInConnections--
	c.quota.decInConnections()
	if !rec.IsActive() && !rec.Bootstrap {
		c.runCleanup(nil)
		c.signal()
	}
	return nil
}

// TryNewInConnection implements try_new_in_connection(ip). It never
// returns an error: every rejection in §4.4 is a soft refusal.
func (c *Core) TryNewInConnection(ip netip.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !IsGlobal(ip) {
		return false
	}
	if int(c.quota.activeInConnections) >= c.cfg.MaxInConnections {
		return false
	}
	if c.cfg.MaxInConnectionsPerIP == 0 {
		return false
	}
	if c.cfg.HasRoutableIP && ip == c.cfg.RoutableIP {
		return false
	}

	rec, ok := c.dir.get(ip)
	if !ok {
		c.dir.put(PeerRecord{IP: ip})
		rec, _ = c.dir.get(ip)
	}

	if rec.Banned {
		rec.LastFailure = c.now()
		c.signal()
		return false
	}
	if int(rec.ActiveInConnections) >= c.cfg.MaxInConnectionsPerIP {
		c.signal()
		return false
	}

	rec.ActiveInConnections++
	c.quota.incInConnections()
	c.signal()
	return true
}

// PeerAlive implements peer_alive(ip).
func (c *Core) PeerAlive(ip netip.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.dir.get(ip)
	if !ok {
		return newIPErr(ErrUnknownPeer, ip)
	}
	rec.LastAlive = c.now()
	c.signal()
	return nil
}

// PeerFailed implements peer_failed(ip).
func (c *Core) PeerFailed(ip netip.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.dir.get(ip)
	if !ok {
		return newIPErr(ErrUnknownPeer, ip)
	}
	rec.LastFailure = c.now()
	c.signal()
	return nil
}

// PeerBanned implements peer_banned(ip).
func (c *Core) PeerBanned(ip netip.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.dir.get(ip)
	if !ok {
		return newIPErr(ErrUnknownPeer, ip)
	}

	rec.LastFailure = c.now()
	if !rec.Banned {
		rec.Banned = true
		c.cleanupIfInactive(rec)
	}
	c.signal()

	if c.cfg.BanSync && c.banSync != nil {
		if pubErr := c.banSync.PublishBan(context.Background(), ip); pubErr != nil && c.logger != nil {
			c.logger.Warnf("peerdir: publish ban to sync channel failed: %v", pubErr)
		}
	}
	return nil
}

// MergeCandidatePeers implements merge_candidate_peers(new_ips).
func (c *Core) MergeCandidatePeers(newIPs []netip.Addr) {
	if len(newIPs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.runCleanup(newIPs)
	c.signal()
}

// GetOutConnectionCandidateIPs implements get_out_connection_candidate_ips().
func (c *Core) GetOutConnectionCandidateIPs() []netip.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()

	budget := c.quota.availableOutAttempts(c.cfg)
	if budget == 0 {
		return nil
	}

	now := c.now()
	candidates := make([]PeerRecord, 0)
	for _, r := range c.dir.records {
		if !r.Advertised || r.Banned || r.IsActive() {
			continue
		}
		if !dialEligible(now, *r, c.cfg.WakeupInterval) {
			continue
		}
		candidates = append(candidates, *r)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastFailure.Equal(b.LastFailure) {
			return a.LastFailure.Before(b.LastFailure)
		}
		return a.LastAlive.After(b.LastAlive)
	})

	if len(candidates) < budget && c.logger != nil {
		c.logger.Debugf("peerdir: %d dial candidates eligible for %d available attempts", len(candidates), budget)
	}
	if len(candidates) > budget {
		candidates = candidates[:budget]
	}
	out := make([]netip.Addr, len(candidates))
	for i, r := range candidates {
		out[i] = r.IP
	}
	return out
}

// GetAdvertisablePeerIPs implements get_advertisable_peer_ips().
func (c *Core) GetAdvertisablePeerIPs() []netip.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := make([]PeerRecord, 0)
	for _, r := range c.dir.records {
		if r.Advertised && !r.Banned {
			candidates = append(candidates, *r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return idleLess(candidates[i], candidates[j])
	})

	max := c.cfg.MaxAdvertiseLength
	if len(candidates) > max {
		candidates = candidates[:max]
	}

	out := make([]netip.Addr, 0, max)
	if c.cfg.HasRoutableIP {
		out = append(out, c.cfg.RoutableIP)
	}
	for _, r := range candidates {
		out = append(out, r.IP)
	}
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// Snapshot returns a deep copy of every record currently in the directory,
// for admin/introspection surfaces.
func (c *Core) Snapshot() []PeerRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dir.snapshot()
}

// QuotaView is a read-only aggregate view for admin/metrics surfaces.
type QuotaView struct {
	ActiveOutAttempts     uint32
	ActiveOutConnections  uint32
	ActiveInConnections   uint32
	AvailableOutAttempts int
	DirectorySize         int

	// DirectoryByClass classifies every record into exactly one of
	// "bootstrap", "active", "banned", "idle" (bootstrap and active
	// checked in that priority order, matching runCleanup's own keep/
	// banned_idle/idle partition), for the directory_size{class=...}
	// gauge in §11.2.
	DirectoryByClass map[string]int
}

// Quota returns the current aggregate counters and derived views.
func (c *Core) Quota() QuotaView {
	c.mu.Lock()
	defer c.mu.Unlock()

	byClass := map[string]int{"bootstrap": 0, "active": 0, "banned": 0, "idle": 0}
	for _, r := range c.dir.records {
		switch {
		case r.Bootstrap:
			byClass["bootstrap"]++
		case r.IsActive():
			byClass["active"]++
		case r.Banned:
			byClass["banned"]++
		default:
			byClass["idle"]++
		}
	}

	return QuotaView{
		ActiveOutAttempts:    c.quota.activeOutAttempts,
		ActiveOutConnections: c.quota.activeOutConnections,
		ActiveInConnections:  c.quota.activeInConnections,
		AvailableOutAttempts: c.quota.availableOutAttempts(c.cfg),
		DirectorySize:        c.dir.len(),
		DirectoryByClass:     byClass,
	}
}
