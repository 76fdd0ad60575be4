// Package redisban is an optional distributed ban-list sync side channel:
// when multiple node processes share one Redis instance, a freshly banned
// IP is published to a shared set immediately, instead of waiting for each
// process's own peers_file_dump_interval to elapse and for gossip to
// re-propagate it. It is not a replacement for the peers-file dump (see
// SPEC_FULL.md §11.1); it only narrows the window in which one node has
// banned an IP the others haven't learned about yet.
//
// Grounded on the node's draftstore/redis.go: a minimal private interface
// wrapping go-redis so the sync can be exercised without binding callers to
// the concrete client.
package redisban

import (
	"context"
	"net/netip"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisClient interface {
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Config mirrors the node's redis draftstore Config shape.
type Config struct {
	Addr       string
	Password   string
	DB         int
	KeyPrefix  string
	SetTTL     time.Duration
}

func applyDefaults(c *Config) {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "peerdir:"
	}
	if c.SetTTL == 0 {
		c.SetTTL = 24 * time.Hour
	}
}

// Sync publishes bans to, and seeds bans from, a shared Redis set.
type Sync struct {
	client redisClient
	key    string
	ttl    time.Duration
}

// New connects to Redis and verifies reachability with Ping, the way the
// node's redis store does at construction.
func New(cfg Config) (*Sync, error) {
	applyDefaults(&cfg)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Sync{client: rdb, key: cfg.KeyPrefix + "banned", ttl: cfg.SetTTL}, nil
}

// PublishBan adds ip to the shared banned set and refreshes its TTL.
func (s *Sync) PublishBan(ctx context.Context, ip netip.Addr) error {
	if err := s.client.SAdd(ctx, s.key, ip.String()).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, s.key, s.ttl).Err()
}

// LoadBans returns every IP currently in the shared banned set, tolerating
// (and skipping) any malformed entries.
func (s *Sync) LoadBans(ctx context.Context) ([]netip.Addr, error) {
	members, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(members))
	for _, m := range members {
		if addr, perr := netip.ParseAddr(m); perr == nil {
			out = append(out, addr)
		}
	}
	return out, nil
}

func (s *Sync) Close() error { return s.client.Close() }
