package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"fleetgate/internal/auditlog"
	"fleetgate/internal/config"
	"fleetgate/internal/fleet"
	"fleetgate/internal/governor"
	"fleetgate/internal/gps51"
	"fleetgate/internal/observability"
	"fleetgate/internal/poller"
	"fleetgate/internal/proxy"
	"fleetgate/internal/store"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger()
	logger.Info("Starting fleetgate...", "port", cfg.HTTPPort, "upstream", cfg.GPS51BaseURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis backs the shared cache and session persistence. Optional: with
	// the memory backend the gateway runs standalone.
	var (
		st    *store.Store
		cache fleet.Cache = fleet.NewMemoryCache()
	)
	if cfg.CacheBackend == "redis" {
		var err error
		st, err = store.New(cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			logger.Error("Redis init failed", "error", err)
			return
		}
		defer st.Close()
		cache = fleet.NewRedisCache(st)
	}

	var audit *auditlog.Writer
	if cfg.AuditDSN != "" {
		var err error
		audit, err = auditlog.New(cfg.AuditDSN, logger)
		if err != nil {
			logger.Error("Audit db init failed", "error", err)
			return
		}
		audit.Start(ctx)
	}

	gov := governor.New(governor.Config{
		MinSpacing:  cfg.MinSpacing,
		DedupWindow: cfg.DedupWindow,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		MaxQueue:    cfg.MaxQueue,
		Classify:    fleet.ClassifyRateLimit,
	}, logger)
	gov.Start(ctx)

	api := gps51.NewClient(cfg.GPS51BaseURL, cfg.RequestTimeout, logger)
	session := fleet.NewSession(st)
	if session.Restore(ctx) {
		logger.Info("session restored", "username", session.Current().Username)
	}
	fc := fleet.NewClient(api, gov, cache, session, logger)

	pl := poller.New(fc, func() string { return session.Current().Username }, logger)
	go pl.Run(ctx)

	go observability.StartMetricsServer(cfg.MetricsPort)

	server := proxy.NewServer(":"+cfg.HTTPPort, proxy.NewHandlers(fc, gov, pl, audit, logger))
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}
	logger.Info("Shutting down...")
	cancel()
}
