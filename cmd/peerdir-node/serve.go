package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/slopesweb/peerdir/internal/adminapi"
	pdconfig "github.com/slopesweb/peerdir/internal/config/peerdir"
	infralog "github.com/slopesweb/peerdir/internal/infra/log"
	"github.com/slopesweb/peerdir/internal/infra/store/badgerstore"
	"github.com/slopesweb/peerdir/internal/infra/store/jsonfile"
	"github.com/slopesweb/peerdir/internal/infra/store/redisban"
	"github.com/slopesweb/peerdir/internal/metrics"
	"github.com/slopesweb/peerdir/internal/peerdir"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the peer directory node",
	RunE:  runServe,
}

func buildStore(peersFile string) (peerdir.Store, error) {
	if dir, ok := strings.CutPrefix(peersFile, "badger://"); ok {
		return badgerstore.Open(badgerstore.Config{Dir: dir})
	}
	return jsonfile.New(peersFile, 0), nil
}

// buildBanSync constructs the optional redisban.Sync side channel when
// --ban-sync is set and a redis address was given, following §11.1. It
// returns a nil *redisban.Sync (and nil error) when ban-sync isn't
// configured, so callers can pass the result straight to peerdir.New.
func buildBanSync() (*redisban.Sync, error) {
	if !globalFlags.BanSync || globalFlags.BanSyncRedisAddr == "" {
		return nil, nil
	}
	return redisban.New(redisban.Config{
		Addr:      globalFlags.BanSyncRedisAddr,
		Password:  globalFlags.BanSyncRedisPassword,
		DB:        globalFlags.BanSyncRedisDB,
		KeyPrefix: globalFlags.BanSyncKeyPrefix,
		SetTTL:    time.Duration(globalFlags.BanSyncTTLSec) * time.Second,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := infralog.New(infralog.Config{
		Level:    globalFlags.LogLevel,
		FilePath: globalFlags.LogFile,
		Console:  true,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	banSync, err := buildBanSync()
	if err != nil {
		return fmt.Errorf("build ban sync: %w", err)
	}
	if banSync != nil {
		defer banSync.Close()
	}

	cfg, err := pdconfig.NewConfig(pdconfig.Options{
		RoutableIP:            globalFlags.RoutableIP,
		PeersFile:             globalFlags.PeersFile,
		WakeupInterval:        time.Duration(globalFlags.WakeupIntervalSec) * time.Second,
		PeersFileDumpInterval: time.Duration(globalFlags.DumpIntervalSec) * time.Second,
		BanSync:               banSync != nil,
	})
	if err != nil {
		return fmt.Errorf("build config: %w", err)
	}

	store, err := buildStore(cfg.PeersFile)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("build metrics: %w", err)
	}
	instrumented := metrics.WrapStore(store, m)

	var core *peerdir.Core
	if banSync != nil {
		core, err = peerdir.New(cfg, instrumented, logger, banSync)
	} else {
		core, err = peerdir.New(cfg, instrumented, logger)
	}
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}
	core.SetCleanupObserver(m.ObserveCleanup)

	ctx, cancel := context.WithCancel(context.Background())
	core.Start(ctx)

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				instrumented.Refresh(core.Quota())
			}
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), adminapi.NewRequestID().Middleware())
	adminapi.NewHandler(logger.GetZapLogger(), core).RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))

	addr := globalFlags.AdminAddr
	if addr == "" {
		addr = "127.0.0.1:8088"
	}
	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("admin http server: %v", err)
		}
	}()
	logger.Infof("peerdir-node listening on %s", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Infof("peerdir-node shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	cancel()
	core.Stop(context.Background())
	return nil
}
