package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// globalFlags holds the node-wide options every subcommand can see,
// following the node's own cobra root command shape (a package-level
// flags struct registered as persistent flags on the root command).
type globalFlagsT struct {
	PeersFile         string
	LogLevel          string
	LogFile           string
	AdminAddr         string
	RoutableIP        string
	WakeupIntervalSec int
	DumpIntervalSec   int

	BanSync              bool
	BanSyncRedisAddr     string
	BanSyncRedisPassword string
	BanSyncRedisDB       int
	BanSyncKeyPrefix     string
	BanSyncTTLSec        int
}

var globalFlags globalFlagsT

var rootCmd = &cobra.Command{
	Use:   "peerdir-node",
	Short: "Peer directory and connection accounting node",
	Long: `peerdir-node runs the peer directory and connection accounting core
as a standalone process: it loads a peers file, enforces connection quotas
and ban state, serves an admin HTTP API for introspection, and debounces
writes back to the peers file on a coalescing timer.`,
}

// Execute runs the root command, printing any error to stderr and exiting
// non-zero, following the node's own cmd/cli entrypoint.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.PeersFile, "peers-file", "peers.json", "path to the peers JSON file (or badger://<dir>)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "info", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogFile, "log-file", "", "rotating log file path (empty: console only)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.RoutableIP, "routable-ip", "", "this node's own globally-routable IP, if any")
	rootCmd.PersistentFlags().StringVar(&globalFlags.AdminAddr, "admin-addr", "127.0.0.1:8088", "listen address for the admin HTTP API")
	rootCmd.PersistentFlags().IntVar(&globalFlags.WakeupIntervalSec, "wakeup-interval-sec", 10, "back-off seconds between a failure and the next dial eligibility")
	rootCmd.PersistentFlags().IntVar(&globalFlags.DumpIntervalSec, "dump-interval-sec", 10, "debounce seconds for the persistence worker")

	rootCmd.PersistentFlags().BoolVar(&globalFlags.BanSync, "ban-sync", false, "publish/seed bans through a shared Redis set (§11.1)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.BanSyncRedisAddr, "ban-sync-redis-addr", "", "redis address for --ban-sync (e.g. 127.0.0.1:6379)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.BanSyncRedisPassword, "ban-sync-redis-password", "", "redis password for --ban-sync")
	rootCmd.PersistentFlags().IntVar(&globalFlags.BanSyncRedisDB, "ban-sync-redis-db", 0, "redis DB index for --ban-sync")
	rootCmd.PersistentFlags().StringVar(&globalFlags.BanSyncKeyPrefix, "ban-sync-key-prefix", "peerdir:", "key prefix for the shared banned set")
	rootCmd.PersistentFlags().IntVar(&globalFlags.BanSyncTTLSec, "ban-sync-ttl-sec", 86400, "TTL seconds refreshed on the shared banned set on every publish")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(peersCmd)
}
