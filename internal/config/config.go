package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the telemetry pipeline binaries. The
// ingest API and the projection worker read the same struct; each binary
// simply ignores the knobs it does not use.
type Config struct {
	// Service identity
	ServiceName string `envconfig:"SERVICE_NAME" default:"agent-telemetry"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// HTTP server
	HTTPPort int `envconfig:"HTTP_PORT" default:"8086"`

	// Worker health/metrics listener
	WorkerHTTPPort int `envconfig:"WORKER_HTTP_PORT" default:"8087"`

	// Database
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// Redis (optional; pipeline freshness indicators degrade without it)
	RedisURL string `envconfig:"REDIS_URL"`

	// Projection worker
	WorkerPollIntervalMS int  `envconfig:"WORKER_POLL_INTERVAL_MS" default:"2000"`
	WorkerBatchSize      int  `envconfig:"WORKER_BATCH_SIZE" default:"100"`
	UseBatchProcessor    bool `envconfig:"WORKER_USE_BATCH_PROCESSOR" default:"true"`
	WorkerGroupWorkers   int  `envconfig:"WORKER_GROUP_CONCURRENCY" default:"4"`

	// Kafka firehose (optional; empty broker list disables publishing)
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"telemetry.events.v1"`

	// S3-compatible object storage for CSV exports
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"telemetry-exports"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`

	// Export worker
	ExportWorkerInterval    time.Duration `envconfig:"EXPORT_WORKER_INTERVAL" default:"30s"`
	ExportWorkerConcurrency int           `envconfig:"EXPORT_WORKER_CONCURRENCY" default:"2"`
	ExportSignedURLTTL      time.Duration `envconfig:"EXPORT_SIGNED_URL_TTL" default:"24h"`

	// Freshness
	FreshnessCacheTTL time.Duration `envconfig:"FRESHNESS_CACHE_TTL" default:"5m"`

	// Observability
	TelemetryEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TelemetryProtocol string `envconfig:"OTEL_EXPORTER_OTLP_PROTOCOL" default:"grpc"`
	TelemetryInsecure bool   `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
	LogLevel          string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad loads configuration and panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.WorkerHTTPPort <= 0 || c.WorkerHTTPPort > 65535 {
		return fmt.Errorf("WORKER_HTTP_PORT must be between 1 and 65535, got %d", c.WorkerHTTPPort)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.WorkerPollIntervalMS <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL_MS must be positive, got %d", c.WorkerPollIntervalMS)
	}
	if c.WorkerBatchSize <= 0 {
		return fmt.Errorf("WORKER_BATCH_SIZE must be positive, got %d", c.WorkerBatchSize)
	}
	if c.WorkerGroupWorkers <= 0 {
		return fmt.Errorf("WORKER_GROUP_CONCURRENCY must be positive, got %d", c.WorkerGroupWorkers)
	}
	if c.ExportWorkerConcurrency <= 0 {
		return fmt.Errorf("EXPORT_WORKER_CONCURRENCY must be positive, got %d", c.ExportWorkerConcurrency)
	}
	return nil
}

// PollInterval returns the worker poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.WorkerPollIntervalMS) * time.Millisecond
}
