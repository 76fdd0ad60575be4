package main

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	pdconfig "github.com/slopesweb/peerdir/internal/config/peerdir"
	infralog "github.com/slopesweb/peerdir/internal/infra/log"
	"github.com/slopesweb/peerdir/internal/infra/store/jsonfile"
	"github.com/slopesweb/peerdir/internal/peerdir"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "One-shot peer directory operations",
}

var peersListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every persisted peer record in a table",
	RunE:  runPeersList,
}

var peersBanCmd = &cobra.Command{
	Use:   "ban <ip>",
	Short: "Ban a peer and dump once",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeersBan,
}

var peersMergeCmd = &cobra.Command{
	Use:   "merge <ip...>",
	Short: "Merge candidate peer IPs and dump once",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPeersMerge,
}

func init() {
	peersCmd.AddCommand(peersListCmd, peersBanCmd, peersMergeCmd)
}

// openOneShotCore wires the same store and ban-sync backends the serve
// command uses, so `peers ban`/`peers merge` participate in the shared
// banned set too. The redis connection, if any, is left open: the process
// exits right after the single mutation and dump this command performs.
func openOneShotCore() (*peerdir.Core, error) {
	banSync, err := buildBanSync()
	if err != nil {
		return nil, err
	}

	cfg, err := pdconfig.NewConfig(pdconfig.Options{
		RoutableIP:            globalFlags.RoutableIP,
		PeersFile:             globalFlags.PeersFile,
		WakeupInterval:        time.Duration(globalFlags.WakeupIntervalSec) * time.Second,
		PeersFileDumpInterval: time.Duration(globalFlags.DumpIntervalSec) * time.Second,
		BanSync:               banSync != nil,
	})
	if err != nil {
		return nil, err
	}
	store, err := buildStore(cfg.PeersFile)
	if err != nil {
		return nil, err
	}
	if banSync != nil {
		return peerdir.New(cfg, store, infralog.NewNop(), banSync)
	}
	return peerdir.New(cfg, store, infralog.NewNop())
}

func runPeersList(cmd *cobra.Command, _ []string) error {
	core, err := openOneShotCore()
	if err != nil {
		return err
	}
	records := core.Snapshot()

	rows := [][]string{{"IP", "Banned", "Bootstrap", "Advertised", "LastAlive", "LastFailure"}}
	for _, r := range records {
		rows = append(rows, []string{
			r.IP.String(),
			fmt.Sprintf("%v", r.Banned),
			fmt.Sprintf("%v", r.Bootstrap),
			fmt.Sprintf("%v", r.Advertised),
			formatTime(r.LastAlive),
			formatTime(r.LastFailure),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func runPeersBan(cmd *cobra.Command, args []string) error {
	ip, err := netip.ParseAddr(args[0])
	if err != nil {
		return fmt.Errorf("parse ip: %w", err)
	}
	core, err := openOneShotCore()
	if err != nil {
		return err
	}
	if err := core.PeerBanned(ip); err != nil {
		return err
	}
	core.Dump(context.Background())
	pterm.Success.Printfln("banned %s", ip)
	return nil
}

func runPeersMerge(cmd *cobra.Command, args []string) error {
	ips := make([]netip.Addr, 0, len(args))
	for _, a := range args {
		ip, err := netip.ParseAddr(a)
		if err != nil {
			return fmt.Errorf("parse ip %q: %w", a, err)
		}
		ips = append(ips, ip)
	}
	core, err := openOneShotCore()
	if err != nil {
		return err
	}
	core.MergeCandidatePeers(ips)
	core.Dump(context.Background())
	pterm.Success.Printfln("merged %d candidate ips", len(ips))
	return nil
}
