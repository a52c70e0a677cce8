// Command ingest-api is the HTTP edge of the telemetry pipeline.
//
// Purpose:
//   This binary accepts agent-execution event batches, appends them to the
//   Postgres event queue, and serves the read-model API (daily stats,
//   sessions, runs, pipeline status, exports). It initializes core
//   dependencies (Postgres, Redis, Kafka) and serves HTTP requests with
//   graceful shutdown handling.
//
// Dependencies:
//   - internal/config: Configuration loading and validation
//   - internal/api: HTTP server with health/readiness endpoints
//   - internal/firehose: Kafka publisher for accepted events
//   - internal/freshness: Redis-backed pipeline status cache
//   - internal/exports: Export job repository (job creation only; the
//     projection-worker runs the jobs)
//
// Key Responsibilities:
//   - Load configuration and initialize runtime dependencies
//   - Register the ingest endpoint (POST /events)
//   - Register the read API (/telemetry/v1/orgs/{orgID}/*)
//   - Register health/readiness/metrics endpoints
//   - Serve HTTP requests on configured port
//   - Handle graceful shutdown (SIGINT/SIGTERM)
//
// Debugging Notes:
//   - Server starts on configured HTTP port (default 8086)
//   - Readiness probe checks Postgres and, when configured, Redis
//   - Kafka and Redis are optional; the service logs what it disabled
//   - Graceful shutdown allows in-flight requests to complete (10s timeout)
package main

import (
	"context"
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
	"github.com/otherjamesbrown/agent-telemetry/internal/firehose"
	"github.com/otherjamesbrown/agent-telemetry/internal/freshness"
	"github.com/otherjamesbrown/agent-telemetry/internal/observability"
	"github.com/otherjamesbrown/agent-telemetry/internal/storage/postgres"
)

func main() {
	ctx := context.Background()

	// Load configuration
	_ = godotenv.Load()
	cfg := config.MustLoad()

	// Initialize observability
	obsCfg := observability.Config{
		ServiceName: cfg.ServiceName,
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
			// Pipeline status falls back to direct queue reads without Redis.
			logger.Warn("failed to connect to Redis, continuing without freshness cache", zap.Error(err))
			redisClient = nil
		}
		cancel()
	} else {
		logger.Info("Redis not configured, pipeline status served from Postgres")
	}

	// Initialize Kafka firehose publisher (optional)
	var firehosePub *firehose.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		firehosePub = firehose.NewPublisher(firehose.Config{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.KafkaTopic,
			ClientID: cfg.ServiceName,
		}, logger)
		defer func() {
			if err := firehosePub.Close(); err != nil {
				logger.Error("failed to close firehose publisher", zap.Error(err))
			}
		}()
		logger.Info("firehose publishing enabled",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic),
		)
	} else {
		logger.Info("firehose publishing disabled - no Kafka brokers configured")
	}

	// Create HTTP server
	apiServer := api.NewServer(api.Config{
		Port:         cfg.HTTPPort,
		Logger:       logger,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		Store:        store,
		RedisClient:  redisClient,
	})

	// Initialize freshness cache (only with Redis available)
	var freshnessCache *freshness.Cache
	if redisClient != nil {
		freshnessCache = freshness.NewCache(freshness.Config{
			Client: redisClient,
			Logger: logger,
			TTL:    cfg.FreshnessCacheTTL,
		})
	}

	// Register ingest route
	ingestHandler := api.NewIngestHandler(store, firehosePub, logger)
	apiServer.RegisterIngestRoutes(ingestHandler)

	// Register read API routes
	statsHandler := api.NewStatsHandler(store, logger)
	pipelineHandler := api.NewPipelineHandler(store, freshnessCache, logger)
	exportsHandler := api.NewExportsHandler(exports.NewExportJobRepository(store.Pool()), logger)
	apiServer.RegisterReadRoutes(statsHandler, pipelineHandler, exportsHandler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      apiServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("starting ingest API",
			zap.String("service", cfg.ServiceName),
			zap.String("environment", cfg.Environment),
			zap.Int("port", cfg.HTTPPort),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	// Wait for interrupt or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatal("server error", zap.Error(err))

	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Graceful shutdown
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
