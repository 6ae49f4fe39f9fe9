// anchorsd is the PROVENIQ anchors ingress service: it accepts signed
// lifecycle events from anchor hardware, commits them durably, and forwards
// them to the external ledger.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/proveniq/anchors/pkg/api"
	"github.com/proveniq/anchors/pkg/config"
	"github.com/proveniq/anchors/pkg/forwarder"
	"github.com/proveniq/anchors/pkg/ingest"
	"github.com/proveniq/anchors/pkg/ledger"
	"github.com/proveniq/anchors/pkg/observability"
	"github.com/proveniq/anchors/pkg/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observability.Init(ctx, &observability.Config{
		ServiceName:    "proveniq-anchors",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.OTelEnabled,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	var st store.EventStore
	switch cfg.DatabaseDriver {
	case "postgres":
		st, err = store.OpenPostgres(cfg.DatabaseDSN)
	default:
		st, err = store.OpenSQLite(cfg.DatabaseDSN)
	}
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	client := ledger.NewClient(cfg.LedgerURL, cfg.LedgerAPIKey,
		ledger.WithHTTPClient(&http.Client{Timeout: cfg.LedgerTimeout}))

	fwdCfg := forwarder.DefaultConfig()
	fwdCfg.Workers = cfg.ForwardWorkers
	fwdCfg.PollInterval = cfg.ForwardPollInterval
	fwdCfg.MaxBackoff = cfg.ForwardMaxBackoff
	fwd := forwarder.New(st, client, fwdCfg, log, metrics)

	var limiter ingest.RateLimiter
	if cfg.RedisAddr != "" {
		rl := ingest.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
			cfg.AnchorEventsPerSec, cfg.AnchorBurst, log)
		defer func() { _ = rl.Close() }()
		limiter = rl
	} else if cfg.AnchorEventsPerSec > 0 {
		limiter = ingest.NewLocalLimiter(cfg.AnchorEventsPerSec, cfg.AnchorBurst)
	}

	coordinator := ingest.New(st, limiter, fwd, ingest.Config{
		MaxUnforwardedBacklog: cfg.MaxUnforwardedBacklog,
	}, log, metrics)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServer(coordinator, st, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	forwarderDone := make(chan struct{})
	go func() {
		defer close(forwarderDone)
		fwd.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr, "driver", cfg.DatabaseDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	// Abandoning in-flight forwards is safe: unacked events stay in the
	// durable queue and resume after restart.
	<-forwarderDone
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
