package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/agent-telemetry/internal/exports"
)

// maxExportRangeDays caps the widest date range one job may cover.
const maxExportRangeDays = 366

// ExportsHandler handles export job management API requests.
type ExportsHandler struct {
	repo   *exports.ExportJobRepository
	logger *zap.Logger
}

// NewExportsHandler creates a new exports handler.
func NewExportsHandler(repo *exports.ExportJobRepository, logger *zap.Logger) *ExportsHandler {
	return &ExportsHandler{
		repo:   repo,
		logger: logger,
	}
}

// CreateExportJob handles POST /telemetry/v1/orgs/{orgID}/exports
func (h *ExportsHandler) CreateExportJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgID")

	var req CreateExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(h.logger, w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if !exports.ValidScope(req.Scope) {
		respondError(h.logger, w, http.StatusBadRequest,
			fmt.Sprintf("scope must be %q or %q", exports.ScopeOrgDaily, exports.ScopeUserDaily), nil)
		return
	}

	from, err := time.Parse(dayLayout, req.From)
	if err != nil {
		respondError(h.logger, w, http.StatusBadRequest, "invalid from, expected YYYY-MM-DD", err)
		return
	}
	to, err := time.Parse(dayLayout, req.To)
	if err != nil {
		respondError(h.logger, w, http.StatusBadRequest, "invalid to, expected YYYY-MM-DD", err)
		return
	}
	if to.Before(from) {
		respondError(h.logger, w, http.StatusBadRequest, "to must not be before from", nil)
		return
	}
	if to.Sub(from) > maxExportRangeDays*24*time.Hour {
		respondError(h.logger, w, http.StatusBadRequest,
			fmt.Sprintf("date range cannot exceed %d days", maxExportRangeDays), nil)
		return
	}

	jobID, err := h.repo.CreateExportJob(ctx, exports.CreateExportJobRequest{
		OrgID:       orgID,
		RequestedBy: req.RequestedBy,
		Scope:       req.Scope,
		RangeStart:  from,
		RangeEnd:    to,
	})
	if err != nil {
		h.logger.Error("failed to create export job", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "failed to create export job", err)
		return
	}

	job, err := h.repo.GetExportJob(ctx, orgID, jobID)
	if err != nil {
		h.logger.Error("failed to get created export job", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "failed to retrieve export job", err)
		return
	}

	respondJSON(h.logger, w, http.StatusAccepted, convertExportJob(job))
}

// ListExportJobs handles GET /telemetry/v1/orgs/{orgID}/exports
func (h *ExportsHandler) ListExportJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgID")

	var statusPtr *string
	if status := r.URL.Query().Get("status"); status != "" {
		switch status {
		case exports.StatusPending, exports.StatusRunning, exports.StatusCompleted, exports.StatusFailed:
			statusPtr = &status
		default:
			respondError(h.logger, w, http.StatusBadRequest, "invalid status filter", nil)
			return
		}
	}

	jobs, err := h.repo.ListExportJobs(ctx, orgID, statusPtr)
	if err != nil {
		h.logger.Error("failed to list export jobs", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "failed to list export jobs", err)
		return
	}

	items := make([]ExportJobResponse, len(jobs))
	for i, job := range jobs {
		items[i] = convertExportJob(job)
	}

	respondJSON(h.logger, w, http.StatusOK, ListExportJobsResponse{Items: items})
}

// GetExportJob handles GET /telemetry/v1/orgs/{orgID}/exports/{jobID}
func (h *ExportsHandler) GetExportJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgID")

	job, ok := h.fetchJob(ctx, w, r, orgID)
	if !ok {
		return
	}

	respondJSON(h.logger, w, http.StatusOK, convertExportJob(job))
}

// GetExportDownloadURL handles GET /telemetry/v1/orgs/{orgID}/exports/{jobID}/download
func (h *ExportsHandler) GetExportDownloadURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgID")

	job, ok := h.fetchJob(ctx, w, r, orgID)
	if !ok {
		return
	}

	if job.Status != exports.StatusCompleted || job.OutputURI == nil {
		respondError(h.logger, w, http.StatusConflict, "export job is not ready for download", nil)
		return
	}

	w.Header().Set("Location", *job.OutputURI)
	w.WriteHeader(http.StatusFound)
}

func (h *ExportsHandler) fetchJob(ctx context.Context, w http.ResponseWriter, r *http.Request, orgID string) (*exports.ExportJob, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(h.logger, w, http.StatusBadRequest, "invalid job_id", err)
		return nil, false
	}

	job, err := h.repo.GetExportJob(ctx, orgID, jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		respondError(h.logger, w, http.StatusNotFound, "export job not found", nil)
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to get export job", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "failed to retrieve export job", err)
		return nil, false
	}
	return job, true
}

// Request/response types

type CreateExportRequest struct {
	Scope       string  `json:"scope"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	RequestedBy *string `json:"requested_by,omitempty"`
}

type ExportJobResponse struct {
	JobID       string  `json:"job_id"`
	OrgID       string  `json:"org_id"`
	Scope       string  `json:"scope"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	Status      string  `json:"status"`
	OutputURI   *string `json:"output_uri,omitempty"`
	Checksum    *string `json:"checksum,omitempty"`
	RowCount    *int64  `json:"row_count,omitempty"`
	RequestedBy *string `json:"requested_by,omitempty"`
	Error       *string `json:"error,omitempty"`
	InitiatedAt string  `json:"initiated_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type ListExportJobsResponse struct {
	Items []ExportJobResponse `json:"items"`
}

func convertExportJob(job *exports.ExportJob) ExportJobResponse {
	resp := ExportJobResponse{
		JobID:       job.JobID.String(),
		OrgID:       job.OrgID,
		Scope:       job.Scope,
		From:        job.RangeStart.Format(dayLayout),
		To:          job.RangeEnd.Format(dayLayout),
		Status:      job.Status,
		OutputURI:   job.OutputURI,
		Checksum:    job.Checksum,
		RowCount:    job.RowCount,
		RequestedBy: job.RequestedBy,
		Error:       job.ErrorMessage,
		InitiatedAt: job.InitiatedAt.UTC().Format(time.RFC3339),
	}
	if job.CompletedAt != nil {
		completedAt := job.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &completedAt
	}
	return resp
}
