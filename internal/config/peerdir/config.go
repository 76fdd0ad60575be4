// Package peerdir holds the frozen configuration struct consumed by the
// peer directory core, following the applyDefaults pattern used by the
// node's p2p configuration layer: callers build an Options value (zero
// values meaning "use the default"), call NewConfig, and receive an
// immutable Config they pass to the core's constructor once.
package peerdir

import (
	"fmt"
	"net/netip"
	"time"
)

// Options is the mutable builder a caller fills in before freezing it into
// a Config. Any zero-valued field is replaced by its default in NewConfig.
type Options struct {
	RoutableIP string // optional self-IP, textual form; empty means unset

	TargetOutConnections    int
	MaxOutConnectionAttempts int
	MaxInConnections        int
	MaxInConnectionsPerIP   int
	MaxIdlePeers            int
	MaxBannedPeers          int
	MaxAdvertiseLength      int

	WakeupInterval time.Duration

	PeersFile              string
	PeersFileDumpInterval time.Duration

	// BanSync gates the optional distributed ban-list side channel
	// (§11.1): when true and a BanSyncer is wired into the core, bans are
	// published to it and seeded from it at startup. When false the core
	// behaves exactly as if no BanSyncer existed.
	BanSync bool
}

// Config is the immutable configuration consumed by the core. Construct it
// once via NewConfig; nothing in this package mutates it afterward.
type Config struct {
	RoutableIP    netip.Addr
	HasRoutableIP bool

	TargetOutConnections     int
	MaxOutConnectionAttempts int
	MaxInConnections         int
	MaxInConnectionsPerIP    int
	MaxIdlePeers             int
	MaxBannedPeers           int
	MaxAdvertiseLength       int

	WakeupInterval time.Duration

	PeersFile             string
	PeersFileDumpInterval time.Duration

	BanSync bool
}

// Defaults mirror the reference values used throughout the node's own test
// fixtures and are conservative enough for a freshly bootstrapped node.
const (
	DefaultTargetOutConnections     = 10
	DefaultMaxOutConnectionAttempts = 15
	DefaultMaxInConnections         = 50
	DefaultMaxInConnectionsPerIP    = 2
	DefaultMaxIdlePeers             = 100
	DefaultMaxBannedPeers           = 100
	DefaultMaxAdvertiseLength       = 50
	DefaultWakeupInterval           = 10 * time.Second
	DefaultPeersFileDumpInterval    = 10 * time.Second
	DefaultPeersFile                = "peers.json"
)

func applyDefaults(o *Options) {
	if o.TargetOutConnections == 0 {
		o.TargetOutConnections = DefaultTargetOutConnections
	}
	if o.MaxOutConnectionAttempts == 0 {
		o.MaxOutConnectionAttempts = DefaultMaxOutConnectionAttempts
	}
	if o.MaxInConnections == 0 {
		o.MaxInConnections = DefaultMaxInConnections
	}
	if o.MaxInConnectionsPerIP == 0 {
		o.MaxInConnectionsPerIP = DefaultMaxInConnectionsPerIP
	}
	if o.MaxIdlePeers == 0 {
		o.MaxIdlePeers = DefaultMaxIdlePeers
	}
	if o.MaxBannedPeers == 0 {
		o.MaxBannedPeers = DefaultMaxBannedPeers
	}
	if o.MaxAdvertiseLength == 0 {
		o.MaxAdvertiseLength = DefaultMaxAdvertiseLength
	}
	if o.WakeupInterval == 0 {
		o.WakeupInterval = DefaultWakeupInterval
	}
	if o.PeersFileDumpInterval == 0 {
		o.PeersFileDumpInterval = DefaultPeersFileDumpInterval
	}
	if o.PeersFile == "" {
		o.PeersFile = DefaultPeersFile
	}
}

// NewConfig freezes o into a Config, filling in defaults for zero-valued
// fields and validating the result once, fail-fast, the way the node's own
// connectivity-readiness check does at construction rather than on every
// mutation.
func NewConfig(o Options) (Config, error) {
	applyDefaults(&o)

	cfg := Config{
		TargetOutConnections:     o.TargetOutConnections,
		MaxOutConnectionAttempts: o.MaxOutConnectionAttempts,
		MaxInConnections:         o.MaxInConnections,
		MaxInConnectionsPerIP:    o.MaxInConnectionsPerIP,
		MaxIdlePeers:             o.MaxIdlePeers,
		MaxBannedPeers:           o.MaxBannedPeers,
		MaxAdvertiseLength:       o.MaxAdvertiseLength,
		WakeupInterval:           o.WakeupInterval,
		PeersFile:                o.PeersFile,
		PeersFileDumpInterval:    o.PeersFileDumpInterval,
		BanSync:                  o.BanSync,
	}

	if o.RoutableIP != "" {
		addr, err := netip.ParseAddr(o.RoutableIP)
		if err != nil {
			return Config{}, fmt.Errorf("parse routable_ip %q: %w", o.RoutableIP, err)
		}
		cfg.RoutableIP = addr
		cfg.HasRoutableIP = true
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks internal consistency of an already-defaulted Config.
func (c Config) Validate() error {
	if c.MaxOutConnectionAttempts <= 0 {
		return fmt.Errorf("max_out_connection_attempts must be positive, got %d", c.MaxOutConnectionAttempts)
	}
	if c.MaxInConnections < 0 {
		return fmt.Errorf("max_in_connections must be non-negative, got %d", c.MaxInConnections)
	}
	if c.MaxInConnectionsPerIP < 0 {
		return fmt.Errorf("max_in_connections_per_ip must be non-negative, got %d", c.MaxInConnectionsPerIP)
	}
	if c.WakeupInterval < 0 {
		return fmt.Errorf("wakeup_interval must be non-negative, got %s", c.WakeupInterval)
	}
	if c.PeersFileDumpInterval <= 0 {
		return fmt.Errorf("peers_file_dump_interval must be positive, got %s", c.PeersFileDumpInterval)
	}
	if c.PeersFile == "" {
		return fmt.Errorf("peers_file must not be empty")
	}
	return nil
}
