// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Redis configures the fast store connection pool.
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Postgres configures the durable store connection.
type Postgres struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// HTTP configures the API server (internal/api).
type HTTP struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ServiceVersion  string        `mapstructure:"service_version"`
	ServerSecret    string        `mapstructure:"server_secret"`
}

// Ingestion bounds batch admission.
type Ingestion struct {
	MaxBatchItems  int           `mapstructure:"max_batch_items"`
	MaxBatchBytes  int64         `mapstructure:"max_batch_bytes"`
	MaxEventBytes  int64         `mapstructure:"max_event_bytes"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

// Processor configures the event processor loop.
type Processor struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	CatchUpCron     string        `mapstructure:"catch_up_cron"`
	CatchUpStaleAge time.Duration `mapstructure:"catch_up_stale_age"`
}

// DeliveryWorker configures the delivery worker pool.
type DeliveryWorker struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	Concurrency    int           `mapstructure:"concurrency"`
	ShutdownDrain  time.Duration `mapstructure:"shutdown_drain"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// RetryScheduler configures default policy bounds.
type RetryScheduler struct {
	JitterFraction float64 `mapstructure:"jitter_fraction"`
}

// Inbox configures the pull-mode consumer.
type Inbox struct {
	DefaultVisibilityTimeout time.Duration `mapstructure:"default_visibility_timeout"`
	MaxVisibilityTimeout     time.Duration `mapstructure:"max_visibility_timeout"`
	MinVisibilityTimeout     time.Duration `mapstructure:"min_visibility_timeout"`
	HandleGrace              time.Duration `mapstructure:"handle_grace"`
}

// RateLimiter configures the token bucket.
type RateLimiter struct {
	DefaultRatePerSec float64       `mapstructure:"default_rate_per_sec"`
	DefaultCapacity   float64       `mapstructure:"default_capacity"`
	StateTTL          time.Duration `mapstructure:"state_ttl"`
}

// Streaming configures the SSE fan-out service.
type Streaming struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	Environment  string  `mapstructure:"environment"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// Config is the top-level typed configuration, loaded via viper.
type Config struct {
	HTTP           HTTP                `mapstructure:"http"`
	Redis          Redis               `mapstructure:"redis"`
	Postgres       Postgres            `mapstructure:"postgres"`
	Ingestion      Ingestion           `mapstructure:"ingestion"`
	Processor      Processor           `mapstructure:"processor"`
	DeliveryWorker DeliveryWorker      `mapstructure:"delivery_worker"`
	RetryScheduler RetryScheduler      `mapstructure:"retry_scheduler"`
	Inbox          Inbox               `mapstructure:"inbox"`
	RateLimiter    RateLimiter         `mapstructure:"rate_limiter"`
	Streaming      Streaming           `mapstructure:"streaming"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		HTTP: HTTP{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			ServiceVersion:  "1.0",
		},
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Postgres: Postgres{
			DSN:             "sqlite3://file::memory:?cache=shared",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Ingestion: Ingestion{
			MaxBatchItems:  100,
			MaxBatchBytes:  10 * 1024 * 1024,
			MaxEventBytes:  1024 * 1024,
			IdempotencyTTL: 24 * time.Hour,
		},
		Processor: Processor{
			PollInterval:    500 * time.Millisecond,
			BatchSize:       100,
			CatchUpCron:     "@every 10s",
			CatchUpStaleAge: 30 * time.Second,
		},
		DeliveryWorker: DeliveryWorker{
			PollInterval:   1 * time.Second,
			BatchSize:      100,
			Concurrency:    10,
			ShutdownDrain:  30 * time.Second,
			DefaultTimeout: 10 * time.Second,
		},
		RetryScheduler: RetryScheduler{JitterFraction: 0},
		Inbox: Inbox{
			DefaultVisibilityTimeout: 30 * time.Second,
			MaxVisibilityTimeout:     12 * time.Hour,
			MinVisibilityTimeout:     1 * time.Second,
			HandleGrace:              60 * time.Second,
		},
		RateLimiter: RateLimiter{
			DefaultRatePerSec: 10,
			DefaultCapacity:   20,
			StateTTL:          time.Hour,
		},
		Streaming: Streaming{HeartbeatInterval: 15 * time.Second},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false},
		},
	}
}

// Load reads configuration from a YAML file plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("http.addr", def.HTTP.Addr)
	v.SetDefault("http.read_timeout", def.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", def.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", def.HTTP.ShutdownTimeout)
	v.SetDefault("http.service_version", def.HTTP.ServiceVersion)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("postgres.dsn", def.Postgres.DSN)
	v.SetDefault("postgres.max_open_conns", def.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", def.Postgres.MaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", def.Postgres.ConnMaxLifetime)

	v.SetDefault("ingestion.max_batch_items", def.Ingestion.MaxBatchItems)
	v.SetDefault("ingestion.max_batch_bytes", def.Ingestion.MaxBatchBytes)
	v.SetDefault("ingestion.max_event_bytes", def.Ingestion.MaxEventBytes)
	v.SetDefault("ingestion.idempotency_ttl", def.Ingestion.IdempotencyTTL)

	v.SetDefault("processor.poll_interval", def.Processor.PollInterval)
	v.SetDefault("processor.batch_size", def.Processor.BatchSize)
	v.SetDefault("processor.catch_up_cron", def.Processor.CatchUpCron)
	v.SetDefault("processor.catch_up_stale_age", def.Processor.CatchUpStaleAge)

	v.SetDefault("delivery_worker.poll_interval", def.DeliveryWorker.PollInterval)
	v.SetDefault("delivery_worker.batch_size", def.DeliveryWorker.BatchSize)
	v.SetDefault("delivery_worker.concurrency", def.DeliveryWorker.Concurrency)
	v.SetDefault("delivery_worker.shutdown_drain", def.DeliveryWorker.ShutdownDrain)
	v.SetDefault("delivery_worker.default_timeout", def.DeliveryWorker.DefaultTimeout)

	v.SetDefault("retry_scheduler.jitter_fraction", def.RetryScheduler.JitterFraction)

	v.SetDefault("inbox.default_visibility_timeout", def.Inbox.DefaultVisibilityTimeout)
	v.SetDefault("inbox.max_visibility_timeout", def.Inbox.MaxVisibilityTimeout)
	v.SetDefault("inbox.min_visibility_timeout", def.Inbox.MinVisibilityTimeout)
	v.SetDefault("inbox.handle_grace", def.Inbox.HandleGrace)

	v.SetDefault("rate_limiter.default_rate_per_sec", def.RateLimiter.DefaultRatePerSec)
	v.SetDefault("rate_limiter.default_capacity", def.RateLimiter.DefaultCapacity)
	v.SetDefault("rate_limiter.state_ttl", def.RateLimiter.StateTTL)

	v.SetDefault("streaming.heartbeat_interval", def.Streaming.HeartbeatInterval)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
}

// Validate checks config constraints and returns an error on invalid
// settings.
func Validate(cfg *Config) error {
	if cfg.DeliveryWorker.Concurrency < 1 {
		return fmt.Errorf("delivery_worker.concurrency must be >= 1")
	}
	if cfg.Processor.BatchSize < 1 {
		return fmt.Errorf("processor.batch_size must be >= 1")
	}
	if cfg.Ingestion.MaxBatchItems < 1 || cfg.Ingestion.MaxBatchItems > 100 {
		return fmt.Errorf("ingestion.max_batch_items must be 1..100")
	}
	if cfg.Inbox.MinVisibilityTimeout <= 0 {
		return fmt.Errorf("inbox.min_visibility_timeout must be > 0")
	}
	if cfg.Inbox.MaxVisibilityTimeout < cfg.Inbox.MinVisibilityTimeout {
		return fmt.Errorf("inbox.max_visibility_timeout must be >= min_visibility_timeout")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.RateLimiter.DefaultRatePerSec <= 0 {
		return fmt.Errorf("rate_limiter.default_rate_per_sec must be > 0")
	}
	return nil
}
