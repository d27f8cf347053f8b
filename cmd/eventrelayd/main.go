// Copyright 2025 James Ross
// eventrelayd runs the HTTP API server: event ingestion, subscription
// management, inbox, DLQ, streaming, and health endpoints. Wiring
// order: config, logger, tracing, Redis client, metrics server, then
// signal-based graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/eventrelay/internal/api"
	"github.com/flyingrobots/eventrelay/internal/auth"
	"github.com/flyingrobots/eventrelay/internal/config"
	"github.com/flyingrobots/eventrelay/internal/dlq"
	"github.com/flyingrobots/eventrelay/internal/durablestore"
	"github.com/flyingrobots/eventrelay/internal/faststore"
	"github.com/flyingrobots/eventrelay/internal/health"
	"github.com/flyingrobots/eventrelay/internal/inbox"
	"github.com/flyingrobots/eventrelay/internal/ingestion"
	"github.com/flyingrobots/eventrelay/internal/obs"
	"github.com/flyingrobots/eventrelay/internal/ratelimit"
	"github.com/flyingrobots/eventrelay/internal/redisclient"
	"github.com/flyingrobots/eventrelay/internal/streaming"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()
	fast := faststore.New(rdb)

	durable, err := durablestore.New(cfg.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("failed to connect durable store", obs.Err(err))
	}
	defer durable.Close()
	if err := durable.Migrate(); err != nil {
		logger.Fatal("failed to bootstrap schema", obs.Err(err))
	}

	metricsSrv := obs.StartMetricsServer(cfg)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	ingestionSvc := ingestion.New(durable, fast, cfg.Ingestion, logger)
	inboxSvc := inbox.New(durable, fast, cfg.Inbox, logger)
	dlqSvc := dlq.New(durable, fast, logger)
	streamingSvc := streaming.New(fast, cfg.Streaming, logger)
	healthSvc := health.New(durable, fast)
	validator := auth.NewValidator(durable, fast, cfg.HTTP.ServerSecret)
	limiter := ratelimit.New(fast, cfg.RateLimiter)

	server := api.NewServer(api.Deps{
		Cfg: cfg, Durable: durable, Fast: fast,
		Ingestion: ingestionSvc, Inbox: inboxSvc, DLQ: dlqSvc,
		Streaming: streamingSvc, Health: healthSvc, Validator: validator,
		RateLimit: limiter, Log: logger,
	})

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("graceful shutdown error", obs.Err(err))
		}
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	logger.Info("eventrelayd starting", obs.String("addr", cfg.HTTP.Addr), obs.String("version", version))
	if err := server.Start(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("api server error", obs.Err(err))
	}
}
