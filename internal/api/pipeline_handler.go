package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/agent-telemetry/internal/freshness"
	"github.com/otherjamesbrown/agent-telemetry/internal/storage/postgres"
)

// PipelineHandler serves per-org pipeline status.
type PipelineHandler struct {
	store  *postgres.Store
	cache  *freshness.Cache
	logger *zap.Logger
}

// NewPipelineHandler creates a new pipeline handler. The cache may be nil
// when Redis is not configured; reads then always hit the database.
func NewPipelineHandler(store *postgres.Store, cache *freshness.Cache, logger *zap.Logger) *PipelineHandler {
	return &PipelineHandler{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// GetPipeline handles GET /telemetry/v1/orgs/{orgID}/pipeline
func (h *PipelineHandler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgID")

	if h.cache != nil {
		cached, err := h.cache.Get(ctx, orgID)
		if err != nil {
			h.logger.Warn("freshness cache read failed", zap.Error(err))
		}
		if cached != nil {
			respondJSON(h.logger, w, http.StatusOK, cached)
			return
		}
	}

	ind, err := h.store.PipelineIndicator(ctx, orgID)
	if err != nil {
		h.logger.Error("failed to derive pipeline indicator", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "failed to retrieve pipeline status", err)
		return
	}

	// Cache it for next time
	if h.cache != nil {
		if err := h.cache.Set(ctx, ind); err != nil {
			h.logger.Warn("freshness cache write failed", zap.Error(err))
		}
	}

	respondJSON(h.logger, w, http.StatusOK, ind)
}
