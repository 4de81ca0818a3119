// Watchtower — monitoring daemon for blockchain infrastructure and APIs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/marcus-qen/watchtower/internal/clock"
	"github.com/marcus-qen/watchtower/internal/config"
	"github.com/marcus-qen/watchtower/internal/engine"
	"github.com/marcus-qen/watchtower/internal/notify"
	"github.com/marcus-qen/watchtower/internal/platform"
	"github.com/marcus-qen/watchtower/internal/platform/evm"
	"github.com/marcus-qen/watchtower/internal/platform/httpapi"
	"github.com/marcus-qen/watchtower/internal/platform/market"
	"github.com/marcus-qen/watchtower/internal/telemetry"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("watchtower %s (commit: %s)\n", version, commit)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.Tracing.Endpoint, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	channels := notify.NewSet(logger.Named("notify"))
	for i, ch := range cfg.Alerting.Channels {
		built, err := buildChannel(ch)
		if err != nil {
			return fmt.Errorf("channels[%d]: %w", i, err)
		}
		channels.Add(built)
	}

	clk := clock.System()
	registry := platform.NewRegistry(logger.Named("platform"))
	for _, p := range []platform.Platform{
		evm.New(clk, logger),
		httpapi.New(clk, logger),
		market.New(clk, logger),
	} {
		if err := registry.Register(p); err != nil {
			return err
		}
	}

	eng, err := engine.New(engine.Options{
		Config:   cfg,
		Registry: registry,
		Channels: channels,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listener started", zap.String("addr", cfg.ListenAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics listener shutdown failed", zap.Error(err))
	}
	eng.Stop(shutdownCtx)
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}

func buildChannel(ch config.ChannelConfig) (notify.Channel, error) {
	switch ch.Type {
	case "telegram":
		return notify.NewTelegramChannel(ch.BotToken, ch.ChatID), nil
	case "slack":
		return notify.NewSlackChannel(ch.URL), nil
	case "webhook":
		return notify.NewWebhookChannel(ch.URL, ch.Headers), nil
	default:
		return nil, fmt.Errorf("unknown channel type %q", ch.Type)
	}
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
