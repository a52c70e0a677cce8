package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/agent-telemetry/internal/storage/postgres"
)

// StatsHandler serves the dashboard read models.
type StatsHandler struct {
	store  *postgres.Store
	logger *zap.Logger
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(store *postgres.Store, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{
		store:  store,
		logger: logger,
	}
}

const dayLayout = "2006-01-02"

// GetOrgDaily handles GET /telemetry/v1/orgs/{orgID}/stats/daily?from&to
func (h *StatsHandler) GetOrgDaily(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgID")

	from, to, ok := h.parseRange(w, r)
	if !ok {
		return
	}

	rows, err := h.store.ListOrgDaily(ctx, orgID, from, to)
	if err != nil {
		h.logger.Error("failed to list org daily stats", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "failed to retrieve daily stats", err)
		return
	}

	respondJSON(h.logger, w, http.StatusOK, DailyStatsListResponse{
		OrgID: orgID,
		From:  from.Format(dayLayout),
		To:    to.Format(dayLayout),
		Days:  convertDailyRows(rows),
	})
}

// GetUserDaily handles GET /telemetry/v1/orgs/{orgID}/users/{userID}/stats/daily?from&to
func (h *StatsHandler) GetUserDaily(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgID")
	userID := chi.URLParam(r, "userID")

	from, to, ok := h.parseRange(w, r)
	if !ok {
		return
	}

	rows, err := h.store.ListUserDaily(ctx, orgID, userID, from, to)
	if err != nil {
		h.logger.Error("failed to list user daily stats", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "failed to retrieve daily stats", err)
		return
	}

	respondJSON(h.logger, w, http.StatusOK, DailyStatsListResponse{
		OrgID:  orgID,
		UserID: userID,
		From:   from.Format(dayLayout),
		To:     to.Format(dayLayout),
		Days:   convertDailyRows(rows),
	})
}

// GetSession handles GET /telemetry/v1/orgs/{orgID}/sessions/{sessionID}
func (h *StatsHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgID")
	sessionID := chi.URLParam(r, "sessionID")

	st, err := h.store.GetSessionStats(ctx, orgID, sessionID)
	if errors.Is(err, postgres.ErrNotFound) {
		respondError(h.logger, w, http.StatusNotFound, "session not found", nil)
		return
	}
	if err != nil {
		h.logger.Error("failed to get session stats", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "failed to retrieve session", err)
		return
	}

	respondJSON(h.logger, w, http.StatusOK, SessionResponse{
		OrgID:                   st.OrgID,
		SessionID:               st.SessionID,
		UserID:                  st.UserID,
		FirstMessageAt:          formatTime(st.FirstMessageAt),
		LastEventAt:             formatTime(st.LastEventAt),
		LastHandoffAt:           formatTime(st.LastHandoffAt),
		RunsCount:               st.RunsCount,
		ActiveAgentTimeMS:       st.ActiveAgentTimeMS,
		HandoffsCount:           st.HandoffsCount,
		HasPostHandoffIteration: st.HasPostHandoffIteration,
		SuccessRuns:             st.SuccessRuns,
		FailedRuns:              st.FailedRuns,
		CostTotal:               st.CostTotal,
		InputTokensTotal:        st.InputTokensTotal,
		OutputTokensTotal:       st.OutputTokensTotal,
	})
}

// GetRun handles GET /telemetry/v1/orgs/{orgID}/runs/{runID}
func (h *StatsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgID")
	runID := chi.URLParam(r, "runID")

	rf, err := h.store.GetRunFacts(ctx, orgID, runID)
	if errors.Is(err, postgres.ErrNotFound) {
		respondError(h.logger, w, http.StatusNotFound, "run not found", nil)
		return
	}
	if err != nil {
		h.logger.Error("failed to get run facts", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "failed to retrieve run", err)
		return
	}

	respondJSON(h.logger, w, http.StatusOK, RunResponse{
		OrgID:        rf.OrgID,
		RunID:        rf.RunID,
		SessionID:    rf.SessionID,
		UserID:       rf.UserID,
		StartedAt:    formatTime(rf.StartedAt),
		CompletedAt:  formatTime(rf.CompletedAt),
		Status:       rf.Status,
		DurationMS:   rf.DurationMS,
		Cost:         rf.Cost,
		InputTokens:  rf.InputTokens,
		OutputTokens: rf.OutputTokens,
		ErrorType:    rf.ErrorType,
	})
}

// parseRange reads the required from/to day parameters. It writes the error
// response itself and reports success through ok.
func (h *StatsHandler) parseRange(w http.ResponseWriter, r *http.Request) (from, to time.Time, ok bool) {
	from, err := time.Parse(dayLayout, r.URL.Query().Get("from"))
	if err != nil {
		respondError(h.logger, w, http.StatusBadRequest, "invalid from parameter, expected YYYY-MM-DD", err)
		return time.Time{}, time.Time{}, false
	}
	to, err = time.Parse(dayLayout, r.URL.Query().Get("to"))
	if err != nil {
		respondError(h.logger, w, http.StatusBadRequest, "invalid to parameter, expected YYYY-MM-DD", err)
		return time.Time{}, time.Time{}, false
	}
	if to.Before(from) {
		respondError(h.logger, w, http.StatusBadRequest, "to must not be before from", nil)
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

// Response types mirroring the read-model rows. Money stays a decimal
// string.

type DailyStatsResponse struct {
	Day                     string `json:"day"`
	SessionsCount           int64  `json:"sessions_count"`
	SessionsWithHandoff     int64  `json:"sessions_with_handoff"`
	SessionsWithPostHandoff int64  `json:"sessions_with_post_handoff"`
	RunsCount               int64  `json:"runs_count"`
	SuccessRuns             int64  `json:"success_runs"`
	FailedRuns              int64  `json:"failed_runs"`
	ErrorsTool              int64  `json:"errors_tool"`
	ErrorsModel             int64  `json:"errors_model"`
	ErrorsTimeout           int64  `json:"errors_timeout"`
	ErrorsOther             int64  `json:"errors_other"`
	TotalDurationMS         int64  `json:"total_duration_ms"`
	TotalCost               string `json:"total_cost"`
	TotalInputTokens        int64  `json:"total_input_tokens"`
	TotalOutputTokens       int64  `json:"total_output_tokens"`
}

type DailyStatsListResponse struct {
	OrgID  string               `json:"org_id"`
	UserID string               `json:"user_id,omitempty"`
	From   string               `json:"from"`
	To     string               `json:"to"`
	Days   []DailyStatsResponse `json:"days"`
}

type SessionResponse struct {
	OrgID                   string  `json:"org_id"`
	SessionID               string  `json:"session_id"`
	UserID                  *string `json:"user_id,omitempty"`
	FirstMessageAt          *string `json:"first_message_at,omitempty"`
	LastEventAt             *string `json:"last_event_at,omitempty"`
	LastHandoffAt           *string `json:"last_handoff_at,omitempty"`
	RunsCount               int64   `json:"runs_count"`
	ActiveAgentTimeMS       int64   `json:"active_agent_time_ms"`
	HandoffsCount           int64   `json:"handoffs_count"`
	HasPostHandoffIteration bool    `json:"has_post_handoff_iteration"`
	SuccessRuns             int64   `json:"success_runs"`
	FailedRuns              int64   `json:"failed_runs"`
	CostTotal               string  `json:"cost_total"`
	InputTokensTotal        int64   `json:"input_tokens_total"`
	OutputTokensTotal       int64   `json:"output_tokens_total"`
}

type RunResponse struct {
	OrgID        string  `json:"org_id"`
	RunID        string  `json:"run_id"`
	SessionID    string  `json:"session_id"`
	UserID       *string `json:"user_id,omitempty"`
	StartedAt    *string `json:"started_at,omitempty"`
	CompletedAt  *string `json:"completed_at,omitempty"`
	Status       *string `json:"status,omitempty"`
	DurationMS   *int64  `json:"duration_ms,omitempty"`
	Cost         string  `json:"cost"`
	InputTokens  *int64  `json:"input_tokens,omitempty"`
	OutputTokens *int64  `json:"output_tokens,omitempty"`
	ErrorType    *string `json:"error_type,omitempty"`
}

func convertDailyRows(rows []postgres.DailyStats) []DailyStatsResponse {
	out := make([]DailyStatsResponse, len(rows))
	for i, d := range rows {
		out[i] = DailyStatsResponse{
			Day:                     d.Day.Format(dayLayout),
			SessionsCount:           d.SessionsCount,
			SessionsWithHandoff:     d.SessionsWithHandoff,
			SessionsWithPostHandoff: d.SessionsWithPostHandoff,
			RunsCount:               d.RunsCount,
			SuccessRuns:             d.SuccessRuns,
			FailedRuns:              d.FailedRuns,
			ErrorsTool:              d.ErrorsTool,
			ErrorsModel:             d.ErrorsModel,
			ErrorsTimeout:           d.ErrorsTimeout,
			ErrorsOther:             d.ErrorsOther,
			TotalDurationMS:         d.TotalDurationMS,
			TotalCost:               d.TotalCost,
			TotalInputTokens:        d.TotalInputTokens,
			TotalOutputTokens:       d.TotalOutputTokens,
		}
	}
	return out
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
