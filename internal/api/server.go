// Package api provides HTTP server setup and routing for the telemetry
// service.
//
// Purpose:
//
//	This package sets up the chi router with middleware, health/readiness
//	probes, and API route registration. It provides a clean separation
//	between server configuration and handler implementation.
//
// Dependencies:
//   - github.com/go-chi/chi/v5: HTTP router
//   - github.com/prometheus/client_golang: Prometheus metrics
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/agent-telemetry/internal/storage/postgres"
)

// Server wraps the HTTP server and router.
type Server struct {
	router      *chi.Mux
	logger      *zap.Logger
	port        int
	store       *postgres.Store
	redisClient *redis.Client
}

// Config holds server configuration.
type Config struct {
	Port         int
	Logger       *zap.Logger
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// Dependencies for readiness checks
	Store       *postgres.Store
	RedisClient *redis.Client
}

// NewServer creates a new HTTP server with configured middleware and routes.
func NewServer(cfg Config) *Server {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	s := &Server{
		router:      r,
		logger:      cfg.Logger,
		port:        cfg.Port,
		store:       cfg.Store,
		redisClient: cfg.RedisClient,
	}

	// Health and readiness endpoints
	r.Get("/healthz", healthzHandler)
	r.Get("/readyz", s.readyzHandler)

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes are registered via the Register* methods so main can wire
	// handlers to their dependencies first.

	return s
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// RegisterIngestRoutes registers the event ingest endpoint.
func (s *Server) RegisterIngestRoutes(handler *IngestHandler) {
	s.router.Post("/events", handler.PostEvents)
}

// RegisterReadRoutes registers the read-model, pipeline, and export API
// under one versioned prefix.
func (s *Server) RegisterReadRoutes(stats *StatsHandler, pipeline *PipelineHandler, exports *ExportsHandler) {
	s.router.Route("/telemetry/v1/orgs/{orgID}", func(r chi.Router) {
		r.Get("/stats/daily", stats.GetOrgDaily)
		r.Get("/users/{userID}/stats/daily", stats.GetUserDaily)
		r.Get("/sessions/{sessionID}", stats.GetSession)
		r.Get("/runs/{runID}", stats.GetRun)
		r.Get("/pipeline", pipeline.GetPipeline)
		r.Route("/exports", func(r chi.Router) {
			r.Post("/", exports.CreateExportJob)
			r.Get("/", exports.ListExportJobs)
			r.Get("/{jobID}", exports.GetExportJob)
			r.Get("/{jobID}/download", exports.GetExportDownloadURL)
		})
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// healthzHandler returns a simple health check.
func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyzHandler checks readiness of dependencies.
func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	components := make(map[string]string)
	allHealthy := true

	if s.store != nil && s.store.Pool() != nil {
		pgCtx, pgCancel := context.WithTimeout(ctx, 1*time.Second)
		if err := s.store.Pool().Ping(pgCtx); err != nil {
			components["postgres"] = "unhealthy"
			allHealthy = false
			s.logger.Debug("Postgres health check failed", zap.Error(err))
		} else {
			components["postgres"] = "healthy"
		}
		pgCancel()
	} else {
		components["postgres"] = "unhealthy"
		allHealthy = false
	}

	if s.redisClient != nil {
		redisCtx, redisCancel := context.WithTimeout(ctx, 1*time.Second)
		if err := s.redisClient.Ping(redisCtx).Err(); err != nil {
			components["redis"] = "unhealthy"
			allHealthy = false
			s.logger.Debug("Redis health check failed", zap.Error(err))
		} else {
			components["redis"] = "healthy"
		}
		redisCancel()
	} else {
		// Redis is optional, the freshness cache degrades to DB reads
		components["redis"] = "not_configured"
	}

	response := map[string]interface{}{
		"status":     "ready",
		"components": components,
		"timestamp":  time.Now().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if !allHealthy {
		response["status"] = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}
