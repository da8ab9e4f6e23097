// Second-factor enforcement daemon.
// Serves the loopback enforcement API backed by the Duo Auth API v2.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TroyNeubauer/duo-enforcer/internal/cache"
	"github.com/TroyNeubauer/duo-enforcer/internal/enforce"
	"github.com/TroyNeubauer/duo-enforcer/internal/lockout"
	"github.com/TroyNeubauer/duo-enforcer/internal/policy"
	"github.com/TroyNeubauer/duo-enforcer/internal/version"
	"github.com/TroyNeubauer/duo-enforcer/pkg/audit"
	"github.com/TroyNeubauer/duo-enforcer/pkg/duoapi"
)

var (
	configPath = flag.String("config", "", "Config file path (YAML)")
	listenAddr = flag.String("listen", "", "HTTP listen address (overrides config)")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.CommandLine.SetOutput(os.Stdout)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("duo-enforcerd starting", "version", version.String())

	cfg, err := policy.Load(*configPath)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *policy.Config, logger *slog.Logger) error {
	store, err := lockout.OpenSQLite(cfg.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	tracker := lockout.NewTracker(lockout.Config{
		Threshold: cfg.Lockout.Threshold,
		Window:    cfg.Lockout.Window,
		Duration:  cfg.Lockout.Duration,
	}, store, lockout.WithLogger(logger))

	vc := cache.New(
		cache.WithTTLs(cache.TTLs{
			Allow:   cfg.Cache.AllowTTL,
			Deny:    cfg.Cache.DenyTTL,
			Pending: cfg.Challenge.Timeout,
		}),
		cache.WithMaxEntries(cfg.Cache.MaxEntries),
		cache.WithLogger(logger),
	)
	defer vc.Close()

	client, err := duoapi.NewClient(duoapi.Credentials{
		IntegrationKey: cfg.Upstream.IntegrationKey,
		SecretKey:      cfg.Upstream.SecretKey,
		APIHost:        cfg.Upstream.APIHost,
	}, duoapi.WithSkewWindow(cfg.Upstream.SkewWindow), duoapi.WithLogger(logger))
	if err != nil {
		return err
	}

	// Startup probe. Failure is logged, not fatal: enforcement still runs
	// and resolves upstream outages through the configured fail mode.
	probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if _, err := client.Check(probeCtx); err != nil {
		logger.Warn("upstream probe failed at startup", "host", cfg.Upstream.APIHost, "error", err)
	} else {
		logger.Info("upstream reachable", "host", cfg.Upstream.APIHost)
	}
	cancel()

	authz, err := policy.NewAuthorizer(cfg, logger)
	if err != nil {
		return err
	}

	emitter := audit.NewSlogEmitter(logger)
	engine := policy.NewEngine(cfg, authz, client, vc, tracker,
		policy.WithAuditEmitter(emitter),
		policy.WithEngineLogger(logger))
	adapter := enforce.NewAdapter(engine, logger)
	api := enforce.NewServer(adapter, tracker, vc, client, emitter, logger)

	// Evaluate calls can legitimately hold a connection for the whole
	// challenge window; keep the server timeout above it.
	api.EvaluateTimeout = cfg.Challenge.Timeout + 30*time.Second

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("enforcement API listening", "addr", cfg.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	// In-flight challenges get a grace period to resolve.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown", "error", err)
	}

	logger.Info("duo-enforcerd stopped")
	return nil
}
