package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// RunFacts is one row of the run_facts read model. Cost is the canonical
// decimal text of the NUMERIC column.
type RunFacts struct {
	OrgID        string
	RunID        string
	SessionID    string
	UserID       *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Status       *string
	DurationMS   *int64
	Cost         string
	InputTokens  *int64
	OutputTokens *int64
	ErrorType    *string
}

// SessionStats is one row of the session_stats read model.
type SessionStats struct {
	OrgID                   string
	SessionID               string
	UserID                  *string
	FirstMessageAt          *time.Time
	LastEventAt             *time.Time
	LastHandoffAt           *time.Time
	RunsCount               int64
	ActiveAgentTimeMS       int64
	HandoffsCount           int64
	HasPostHandoffIteration bool
	SuccessRuns             int64
	FailedRuns              int64
	CostTotal               string
	InputTokensTotal        int64
	OutputTokensTotal       int64
}

// DailyStats is one row of a daily aggregate. UserID is empty for org-level
// rows.
type DailyStats struct {
	OrgID                   string
	UserID                  string
	Day                     time.Time
	SessionsCount           int64
	SessionsWithHandoff     int64
	SessionsWithPostHandoff int64
	RunsCount               int64
	SuccessRuns             int64
	FailedRuns              int64
	ErrorsTool              int64
	ErrorsModel             int64
	ErrorsTimeout           int64
	ErrorsOther             int64
	TotalDurationMS         int64
	TotalCost               string
	TotalInputTokens        int64
	TotalOutputTokens       int64
}

// GetRunFacts fetches one run. Returns ErrNotFound when the run is unknown.
func (s *Store) GetRunFacts(ctx context.Context, orgID, runID string) (RunFacts, error) {
	var rf RunFacts
	err := s.pool.QueryRow(ctx, `
		SELECT org_id, run_id, session_id, user_id, started_at, completed_at,
		       status, duration_ms, cost::text, input_tokens, output_tokens, error_type
		FROM run_facts
		WHERE org_id = $1 AND run_id = $2
	`, orgID, runID).Scan(
		&rf.OrgID, &rf.RunID, &rf.SessionID, &rf.UserID, &rf.StartedAt, &rf.CompletedAt,
		&rf.Status, &rf.DurationMS, &rf.Cost, &rf.InputTokens, &rf.OutputTokens, &rf.ErrorType,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return RunFacts{}, ErrNotFound
	}
	if err != nil {
		return RunFacts{}, fmt.Errorf("get run facts: %w", err)
	}
	return rf, nil
}

// GetSessionStats fetches one session. Returns ErrNotFound when the session
// is unknown.
func (s *Store) GetSessionStats(ctx context.Context, orgID, sessionID string) (SessionStats, error) {
	var st SessionStats
	err := s.pool.QueryRow(ctx, `
		SELECT org_id, session_id, user_id, first_message_at, last_event_at, last_handoff_at,
		       runs_count, active_agent_time_ms, handoffs_count, has_post_handoff_iteration,
		       success_runs, failed_runs, cost_total::text, input_tokens_total, output_tokens_total
		FROM session_stats
		WHERE org_id = $1 AND session_id = $2
	`, orgID, sessionID).Scan(
		&st.OrgID, &st.SessionID, &st.UserID, &st.FirstMessageAt, &st.LastEventAt, &st.LastHandoffAt,
		&st.RunsCount, &st.ActiveAgentTimeMS, &st.HandoffsCount, &st.HasPostHandoffIteration,
		&st.SuccessRuns, &st.FailedRuns, &st.CostTotal, &st.InputTokensTotal, &st.OutputTokensTotal,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionStats{}, ErrNotFound
	}
	if err != nil {
		return SessionStats{}, fmt.Errorf("get session stats: %w", err)
	}
	return st, nil
}

const orgDailyColumns = `
	org_id, day, sessions_count, sessions_with_handoff, sessions_with_post_handoff,
	runs_count, success_runs, failed_runs,
	errors_tool, errors_model, errors_timeout, errors_other,
	total_duration_ms, total_cost::text, total_input_tokens, total_output_tokens`

// GetOrgDaily fetches one org day row. Returns ErrNotFound when the day has
// no row.
func (s *Store) GetOrgDaily(ctx context.Context, orgID string, day time.Time) (DailyStats, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orgDailyColumns+` FROM org_stats_daily WHERE org_id = $1 AND day = $2`,
		orgID, day)
	d, err := scanOrgDaily(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return DailyStats{}, ErrNotFound
	}
	if err != nil {
		return DailyStats{}, fmt.Errorf("get org daily: %w", err)
	}
	return d, nil
}

// ListOrgDaily returns the org's daily rows for days in [from, to], ordered
// by day.
func (s *Store) ListOrgDaily(ctx context.Context, orgID string, from, to time.Time) ([]DailyStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orgDailyColumns+`
		 FROM org_stats_daily
		 WHERE org_id = $1 AND day BETWEEN $2 AND $3
		 ORDER BY day`,
		orgID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list org daily: %w", err)
	}
	defer rows.Close()

	var out []DailyStats
	for rows.Next() {
		d, err := scanOrgDaily(rows)
		if err != nil {
			return nil, fmt.Errorf("scan org daily: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate org daily: %w", err)
	}
	return out, nil
}

func scanOrgDaily(row pgx.Row) (DailyStats, error) {
	var d DailyStats
	err := row.Scan(
		&d.OrgID, &d.Day, &d.SessionsCount, &d.SessionsWithHandoff, &d.SessionsWithPostHandoff,
		&d.RunsCount, &d.SuccessRuns, &d.FailedRuns,
		&d.ErrorsTool, &d.ErrorsModel, &d.ErrorsTimeout, &d.ErrorsOther,
		&d.TotalDurationMS, &d.TotalCost, &d.TotalInputTokens, &d.TotalOutputTokens,
	)
	return d, err
}

const userDailyColumns = `
	org_id, user_id, day, sessions_count, sessions_with_handoff, sessions_with_post_handoff,
	runs_count, success_runs, failed_runs,
	errors_tool, errors_model, errors_timeout, errors_other,
	total_duration_ms, total_cost::text, total_input_tokens, total_output_tokens`

// GetUserDaily fetches one user day row. Returns ErrNotFound when the day
// has no row.
func (s *Store) GetUserDaily(ctx context.Context, orgID, userID string, day time.Time) (DailyStats, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userDailyColumns+` FROM user_stats_daily WHERE org_id = $1 AND user_id = $2 AND day = $3`,
		orgID, userID, day)
	d, err := scanUserDaily(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return DailyStats{}, ErrNotFound
	}
	if err != nil {
		return DailyStats{}, fmt.Errorf("get user daily: %w", err)
	}
	return d, nil
}

// ListUserDaily returns the user's daily rows for days in [from, to], ordered
// by day.
func (s *Store) ListUserDaily(ctx context.Context, orgID, userID string, from, to time.Time) ([]DailyStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userDailyColumns+`
		 FROM user_stats_daily
		 WHERE org_id = $1 AND user_id = $2 AND day BETWEEN $3 AND $4
		 ORDER BY day`,
		orgID, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list user daily: %w", err)
	}
	defer rows.Close()

	var out []DailyStats
	for rows.Next() {
		d, err := scanUserDaily(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user daily: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user daily: %w", err)
	}
	return out, nil
}

func scanUserDaily(row pgx.Row) (DailyStats, error) {
	var d DailyStats
	err := row.Scan(
		&d.OrgID, &d.UserID, &d.Day, &d.SessionsCount, &d.SessionsWithHandoff, &d.SessionsWithPostHandoff,
		&d.RunsCount, &d.SuccessRuns, &d.FailedRuns,
		&d.ErrorsTool, &d.ErrorsModel, &d.ErrorsTimeout, &d.ErrorsOther,
		&d.TotalDurationMS, &d.TotalCost, &d.TotalInputTokens, &d.TotalOutputTokens,
	)
	return d, err
}

// PipelineStatus summarises one org's queue position.
type PipelineStatus struct {
	OrgID           string
	QueueDepth      int64
	OldestPendingAt *time.Time
	LastInsertedAt  *time.Time
	LastProcessedAt *time.Time
}

// PipelineStatuses reports per-org queue depth and watermarks in one round
// trip. Orgs whose queue entries were all projected still appear, with a
// zero depth.
func (s *Store) PipelineStatuses(ctx context.Context) ([]PipelineStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT org_id,
		       count(*) FILTER (WHERE processed_at IS NULL) AS queue_depth,
		       MIN(inserted_at) FILTER (WHERE processed_at IS NULL) AS oldest_pending_at,
		       MAX(inserted_at) AS last_inserted_at,
		       MAX(processed_at) AS last_processed_at
		FROM events_queue
		GROUP BY org_id
		ORDER BY org_id
	`)
	if err != nil {
		return nil, fmt.Errorf("pipeline statuses: %w", err)
	}
	defer rows.Close()

	var out []PipelineStatus
	for rows.Next() {
		var p PipelineStatus
		if err := rows.Scan(&p.OrgID, &p.QueueDepth, &p.OldestPendingAt, &p.LastInsertedAt, &p.LastProcessedAt); err != nil {
			return nil, fmt.Errorf("scan pipeline status: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipeline statuses: %w", err)
	}
	return out, nil
}

// RebuildReadModels clears every derived table and re-enqueues the whole raw
// log in its original insertion order. The projection worker then rebuilds
// the read models by replaying the queue.
func (s *Store) RebuildReadModels(ctx context.Context) error {
	return s.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, table := range []string{"run_facts", "session_stats", "org_stats_daily", "user_stats_daily", "events_queue"} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		// Fabricate strictly increasing inserted_at values so replay claims
		// events in the raw log's original order even when the original
		// queue timestamps collided.
		_, err := tx.Exec(ctx, `
			INSERT INTO events_queue (org_id, event_id, inserted_at)
			SELECT org_id, event_id,
			       now() + (row_number() OVER (ORDER BY inserted_at, event_id)) * interval '1 microsecond'
			FROM events_raw
		`)
		if err != nil {
			return fmt.Errorf("re-enqueue raw events: %w", err)
		}
		return nil
	})
}
