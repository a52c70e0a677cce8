// Command projection-worker drains the telemetry event queue into the read
// models.
//
// Purpose:
//   This binary claims pending events from the Postgres queue, projects them
//   into the daily, session, and run read models, refreshes the pipeline
//   status cache, and runs CSV export jobs. It exposes a small HTTP listener
//   for health, readiness, and Prometheus metrics.
//
// Dependencies:
//   - internal/config: Configuration loading and validation
//   - internal/projection: Claim loop, event grouping, and projectors
//   - internal/freshness: Redis-backed pipeline status cache
//   - internal/exports: CSV export generation and S3 delivery
//   - internal/api: Health/readiness/metrics listener
//
// Key Responsibilities:
//   - Load configuration and initialize runtime dependencies
//   - Poll the event queue and project claimed batches
//   - Refresh per-org pipeline freshness indicators after each cycle
//   - Run pending export jobs when S3 delivery is configured
//   - Serve health/readiness/metrics on the worker HTTP port
//   - Handle graceful shutdown (SIGINT/SIGTERM)
//
// Debugging Notes:
//   - Health listener starts on configured worker port (default 8087)
//   - Run with -rebuild to truncate the read models, replay the full event
//     log, and exit
//   - Claimed-but-unprocessed rows from a crashed worker are picked up again
//     by the next claim cycle
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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/agent-telemetry/internal/api"
	"github.com/otherjamesbrown/agent-telemetry/internal/config"
	"github.com/otherjamesbrown/agent-telemetry/internal/exports"
	"github.com/otherjamesbrown/agent-telemetry/internal/freshness"
	"github.com/otherjamesbrown/agent-telemetry/internal/observability"
	"github.com/otherjamesbrown/agent-telemetry/internal/projection"
	"github.com/otherjamesbrown/agent-telemetry/internal/storage/postgres"
)

func main() {
	rebuild := flag.Bool("rebuild", false, "truncate the read models, replay the event log, then exit")
	flag.Parse()

	ctx := context.Background()

	// Load configuration
	_ = godotenv.Load()
	cfg := config.MustLoad()

	// Initialize observability
	obsCfg := observability.Config{
		ServiceName: cfg.ServiceName + "-worker",
		Environment: cfg.Environment,
		Endpoint:    cfg.TelemetryEndpoint,
		Protocol:    cfg.TelemetryProtocol,
		Headers:     map[string]string{},
		Insecure:    cfg.TelemetryInsecure,
		LogLevel:    cfg.LogLevel,
	}

	obs := observability.MustInit(ctx, obsCfg)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			obs.Logger.Error("failed to shutdown observability", zap.Error(err))
		}
	}()

	logger := obs.Logger

	// Initialize database store
	store, err := postgres.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// One-shot rebuild mode: replay the raw event log into fresh read models.
	if *rebuild {
		logger.Info("rebuilding read models from the event log")
		start := time.Now()
		if err := store.RebuildReadModels(ctx); err != nil {
			logger.Fatal("read model rebuild failed", zap.Error(err))
		}
		logger.Info("read model rebuild complete", zap.Duration("duration", time.Since(start)))
		return
	}

	// Initialize Redis client for the pipeline status cache (optional)
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("failed to parse Redis URL", zap.Error(err))
		}
		redisClient = redis.NewClient(redisOpts)
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("failed to connect to Redis, continuing without freshness cache", zap.Error(err))
			redisClient = nil
		}
		cancel()
	} else {
		logger.Info("Redis not configured, pipeline freshness indicators not cached")
	}

	var freshnessCache *freshness.Cache
	if redisClient != nil {
		freshnessCache = freshness.NewCache(freshness.Config{
			Client: redisClient,
			Logger: logger,
			TTL:    cfg.FreshnessCacheTTL,
		})
	}

	// Health/readiness/metrics listener. No API routes are registered, so
	// the listener serves exactly /healthz, /readyz, and /metrics.
	healthServer := api.NewServer(api.Config{
		Port:         cfg.WorkerHTTPPort,
		Logger:       logger,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		Store:        store,
		RedisClient:  redisClient,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.WorkerHTTPPort),
		Handler:      healthServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("starting projection worker",
			zap.String("service", cfg.ServiceName),
			zap.String("environment", cfg.Environment),
			zap.Int("health_port", cfg.WorkerHTTPPort),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	// Start projection worker
	projector := projection.NewProjector(logger)
	dispatcher := projection.NewDispatcher(store, projector, logger, cfg.WorkerGroupWorkers)
	worker := projection.NewWorker(projection.WorkerConfig{
		Store:             store,
		Dispatcher:        dispatcher,
		Cache:             freshnessCache,
		Logger:            logger,
		PollInterval:      cfg.PollInterval(),
		BatchSize:         cfg.WorkerBatchSize,
		UseBatchProcessor: cfg.UseBatchProcessor,
	})

	go func() {
		if err := worker.Start(ctx); err != nil {
			logger.Error("projection worker failed", zap.Error(err))
		}
	}()
	defer worker.Stop()

	// Initialize S3 delivery adapter and export worker (if configured)
	if cfg.S3Endpoint != "" && cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		s3Delivery, err := exports.NewS3Delivery(
			cfg.S3Endpoint,
			cfg.S3AccessKey,
			cfg.S3SecretKey,
			cfg.S3Bucket,
			cfg.S3Region,
			cfg.ExportSignedURLTTL,
			logger,
		)
		if err != nil {
			logger.Fatal("failed to initialize S3 delivery adapter", zap.Error(err))
		}
		logger.Info("initialized S3 delivery adapter",
			zap.String("endpoint", cfg.S3Endpoint),
			zap.String("bucket", cfg.S3Bucket),
		)

		exportWorker := exports.NewJobRunner(exports.RunnerConfig{
			Pool:     store.Pool(),
			Uploader: s3Delivery,
			Logger:   logger,
			Interval: cfg.ExportWorkerInterval,
			Workers:  cfg.ExportWorkerConcurrency,
		})

		go func() {
			if err := exportWorker.Start(ctx); err != nil {
				logger.Error("export worker failed", zap.Error(err))
			}
		}()
		defer exportWorker.Stop()
	} else {
		logger.Warn("export worker not started - S3 delivery adapter not configured")
	}

	// Wait for interrupt or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatal("health listener error", zap.Error(err))

	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
			if err := srv.Close(); err != nil {
				logger.Error("force close failed", zap.Error(err))
			}
		}

		logger.Info("shutdown complete")
	}
}
