package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestServer builds a server with no backing dependencies. Handlers under
// test here must reject requests before ever touching a store; a nil store
// panicking is part of the assertion.
func newTestServer() *Server {
	logger := zap.NewNop()
	srv := NewServer(Config{
		Port:   0,
		Logger: logger,
	})
	srv.RegisterIngestRoutes(NewIngestHandler(nil, nil, logger))
	srv.RegisterReadRoutes(
		NewStatsHandler(nil, logger),
		NewPipelineHandler(nil, nil, logger),
		NewExportsHandler(nil, logger),
	)
	return srv
}

func doJSON(t *testing.T, srv *Server, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && strings.Contains(rec.Header().Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealthz(t *testing.T) {
	srv := newTestServer()

	rec, _ := doJSON(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReadyzDegradedWithoutPostgres(t *testing.T) {
	srv := newTestServer()

	rec, body := doJSON(t, srv, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])

	components, ok := body["components"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "unhealthy", components["postgres"])
	assert.Equal(t, "not_configured", components["redis"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer()

	rec, _ := doJSON(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}

func TestPostEventsRejectsMalformedBody(t *testing.T) {
	srv := newTestServer()

	rec, body := doJSON(t, srv, http.MethodPost, "/events", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, float64(0), body["accepted"])

	errs, ok := body["errors"].([]any)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].(map[string]any)["message"], "invalid request body")
}

func TestPostEventsRejectsEmptyBatch(t *testing.T) {
	srv := newTestServer()

	rec, body := doJSON(t, srv, http.MethodPost, "/events", `{"events":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, float64(0), body["accepted"])

	errs := body["errors"].([]any)
	assert.Contains(t, errs[0].(map[string]any)["message"], "between 1 and 100")
}

func TestPostEventsRejectsOversizedBatch(t *testing.T) {
	srv := newTestServer()

	entries := make([]string, 101)
	for i := range entries {
		entries[i] = "{}"
	}
	payload := fmt.Sprintf(`{"events":[%s]}`, strings.Join(entries, ","))

	rec, body := doJSON(t, srv, http.MethodPost, "/events", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	errs := body["errors"].([]any)
	assert.Contains(t, errs[0].(map[string]any)["message"], "between 1 and 100")
}

func TestPostEventsReportsPerIndexValidationErrors(t *testing.T) {
	srv := newTestServer()

	valid := `{"event_id":"e-1","org_id":"org-1","occurred_at":"2025-03-10T14:30:00Z","event_type":"message_created","session_id":"sess-1"}`
	malformed := `"just a string"`
	missingOrg := `{"event_id":"e-3","occurred_at":"2025-03-10T14:30:00Z","event_type":"message_created","session_id":"sess-1"}`
	payload := fmt.Sprintf(`{"events":[%s,%s,%s]}`, valid, malformed, missingOrg)

	rec, body := doJSON(t, srv, http.MethodPost, "/events", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, float64(0), body["accepted"])

	errs, ok := body["errors"].([]any)
	require.True(t, ok)
	require.Len(t, errs, 2)

	first := errs[0].(map[string]any)
	assert.Equal(t, float64(1), first["index"])
	assert.Contains(t, first["message"], "malformed event")

	second := errs[1].(map[string]any)
	assert.Equal(t, float64(2), second["index"])
	assert.Equal(t, "e-3", second["event_id"])
	assert.Contains(t, second["message"], "org_id")
}

func TestStatsDailyRejectsBadRange(t *testing.T) {
	srv := newTestServer()

	tests := []struct {
		name   string
		target string
	}{
		{"missing from", "/telemetry/v1/orgs/org-1/stats/daily?to=2024-01-31"},
		{"malformed from", "/telemetry/v1/orgs/org-1/stats/daily?from=Jan-1&to=2024-01-31"},
		{"malformed to", "/telemetry/v1/orgs/org-1/stats/daily?from=2024-01-01&to=31/01/2024"},
		{"to before from", "/telemetry/v1/orgs/org-1/stats/daily?from=2024-01-31&to=2024-01-01"},
		{"user daily bad range", "/telemetry/v1/orgs/org-1/users/u-1/stats/daily?from=2024-02-01&to=2024-01-01"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := doJSON(t, srv, http.MethodGet, tc.target, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			assert.NotEmpty(t, body["detail"])
		})
	}
}

func TestCreateExportJobValidation(t *testing.T) {
	srv := newTestServer()

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{
			"unknown scope",
			`{"scope":"everything","from":"2024-01-01","to":"2024-01-31"}`,
			"scope must be",
		},
		{
			"malformed from",
			`{"scope":"org_daily","from":"January","to":"2024-01-31"}`,
			"invalid from",
		},
		{
			"to before from",
			`{"scope":"org_daily","from":"2024-01-31","to":"2024-01-01"}`,
			"to must not be before from",
		},
		{
			"range too wide",
			`{"scope":"org_daily","from":"2020-01-01","to":"2024-01-01"}`,
			"date range cannot exceed",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := doJSON(t, srv, http.MethodPost, "/telemetry/v1/orgs/org-1/exports/", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, body["detail"], tc.wantMsg)
		})
	}
}

func TestListExportJobsRejectsUnknownStatus(t *testing.T) {
	srv := newTestServer()

	rec, body := doJSON(t, srv, http.MethodGet, "/telemetry/v1/orgs/org-1/exports/?status=paused", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "invalid status filter")
}

func TestGetExportJobRejectsMalformedID(t *testing.T) {
	srv := newTestServer()

	rec, body := doJSON(t, srv, http.MethodGet, "/telemetry/v1/orgs/org-1/exports/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "invalid job_id")
}
