// Copyright 2025 James Ross
package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DeliveryWorker.Concurrency != 10 {
		t.Fatalf("expected default delivery_worker concurrency 10, got %d", cfg.DeliveryWorker.Concurrency)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.Postgres.DSN == "" {
		t.Fatalf("expected default postgres dsn")
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.DeliveryWorker.Concurrency = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for delivery_worker.concurrency < 1")
	}

	cfg = defaultConfig()
	cfg.Processor.BatchSize = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for processor.batch_size < 1")
	}

	cfg = defaultConfig()
	cfg.Ingestion.MaxBatchItems = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for ingestion.max_batch_items out of range")
	}
	cfg.Ingestion.MaxBatchItems = 101
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for ingestion.max_batch_items > 100")
	}

	cfg = defaultConfig()
	cfg.Inbox.MinVisibilityTimeout = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for inbox.min_visibility_timeout <= 0")
	}

	cfg = defaultConfig()
	cfg.Inbox.MaxVisibilityTimeout = cfg.Inbox.MinVisibilityTimeout - 1
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for max_visibility_timeout < min_visibility_timeout")
	}

	cfg = defaultConfig()
	cfg.Observability.MetricsPort = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for observability.metrics_port out of range")
	}

	cfg = defaultConfig()
	cfg.RateLimiter.DefaultRatePerSec = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for rate_limiter.default_rate_per_sec <= 0")
	}
}

func TestValidatePasses(t *testing.T) {
	if err := Validate(defaultConfig()); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}
