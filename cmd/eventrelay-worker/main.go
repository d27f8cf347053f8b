// Copyright 2025 James Ross
// eventrelay-worker runs the event processor (fan-out to per-subscription
// deliveries) and the delivery worker (sign, POST, retry, dead-letter)
// side by side in one binary, kept separate from eventrelayd since
// neither touches HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/flyingrobots/eventrelay/internal/config"
	"github.com/flyingrobots/eventrelay/internal/delivery"
	"github.com/flyingrobots/eventrelay/internal/durablestore"
	"github.com/flyingrobots/eventrelay/internal/faststore"
	"github.com/flyingrobots/eventrelay/internal/obs"
	"github.com/flyingrobots/eventrelay/internal/processor"
	"github.com/flyingrobots/eventrelay/internal/redisclient"
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

	proc := processor.New(durable, cfg.Processor, logger)
	worker := delivery.New(durable, fast, cfg.DeliveryWorker, cfg.HTTP.ServiceVersion, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(cfg.DeliveryWorker.ShutdownDrain + 5*time.Second):
		}
	}()

	logger.Info("eventrelay-worker starting", obs.String("version", version))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := proc.Run(ctx); err != nil {
			logger.Error("processor error", obs.Err(err))
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := worker.Run(ctx); err != nil {
			logger.Error("delivery worker error", obs.Err(err))
			cancel()
		}
	}()
	wg.Wait()
}
