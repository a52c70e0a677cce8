// Package projection turns queued telemetry events into read-model rows.
//
// Purpose:
//
//	This package holds the four event-type projectors, the dispatcher that
//	feeds them inside per-group transactions, and the polling worker loop.
//	Projection writes are idempotent upserts: additive for counters,
//	min/max for timestamps, once-set for flags. Re-applying an event to a
//	fresh database therefore reproduces the same totals, which is what makes
//	replaying the raw log a safe recovery path.
package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/agent-telemetry/internal/event"
)

// Projector applies one event's read-model writes on the supplied
// transaction handle. In batch mode the handle is a per-event savepoint
// inside the group transaction; in eventwise mode it is the event's own
// transaction.
type Projector struct {
	logger *zap.Logger
}

// NewProjector creates a projector.
func NewProjector(logger *zap.Logger) *Projector {
	return &Projector{logger: logger}
}

// Apply routes ev to its projector. A nil return means the event may be
// marked processed; unknown event types return nil after a warning so a
// newer producer cannot wedge the queue.
func (p *Projector) Apply(ctx context.Context, tx pgx.Tx, ev event.Envelope) error {
	switch ev.Type {
	case event.TypeMessageCreated:
		return p.applyMessageCreated(ctx, tx, ev)
	case event.TypeRunStarted:
		return p.applyRunStarted(ctx, tx, ev)
	case event.TypeRunCompleted:
		return p.applyRunCompleted(ctx, tx, ev)
	case event.TypeLocalHandoff:
		return p.applyLocalHandoff(ctx, tx, ev)
	default:
		p.logger.Warn("skipping unknown event type",
			zap.String("org_id", ev.OrgID),
			zap.String("event_id", ev.EventID),
			zap.String("event_type", string(ev.Type)),
		)
		return nil
	}
}

// sessionRow is the pre-write state of a session_stats row. A row whose
// last_event_at is null has never been projected into; rows materialised by
// the lock phase look exactly like absent rows here.
type sessionRow struct {
	exists         bool
	userID         *string
	firstMessageAt *time.Time
	lastEventAt    *time.Time
	lastHandoffAt  *time.Time
	handoffsCount  int64
	hasPostHandoff bool
}

// untouched reports whether no event has ever been projected into the row.
func (r sessionRow) untouched() bool {
	return !r.exists || r.lastEventAt == nil
}

func readSessionRow(ctx context.Context, tx pgx.Tx, orgID, sessionID string) (sessionRow, error) {
	var row sessionRow
	err := tx.QueryRow(ctx, `
		SELECT user_id, first_message_at, last_event_at, last_handoff_at,
		       handoffs_count, has_post_handoff_iteration
		FROM session_stats
		WHERE org_id = $1 AND session_id = $2
		FOR UPDATE
	`, orgID, sessionID).Scan(
		&row.userID, &row.firstMessageAt, &row.lastEventAt, &row.lastHandoffAt,
		&row.handoffsCount, &row.hasPostHandoff,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return sessionRow{}, nil
	}
	if err != nil {
		return sessionRow{}, fmt.Errorf("read session row: %w", err)
	}
	row.exists = true
	return row, nil
}

func (p *Projector) applyMessageCreated(ctx context.Context, tx pgx.Tx, ev event.Envelope) error {
	row, err := readSessionRow(ctx, tx, ev.OrgID, ev.SessionID)
	if err != nil {
		return err
	}
	isNew := row.untouched()

	_, err = tx.Exec(ctx, `
		INSERT INTO session_stats (org_id, session_id, user_id, first_message_at, last_event_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (org_id, session_id) DO UPDATE SET
			user_id = COALESCE(session_stats.user_id, EXCLUDED.user_id),
			first_message_at = LEAST(session_stats.first_message_at, EXCLUDED.first_message_at),
			last_event_at = GREATEST(session_stats.last_event_at, EXCLUDED.last_event_at)
	`, ev.OrgID, ev.SessionID, ev.UserID, ev.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if !isNew {
		return nil
	}

	// Day attribution for a new session follows the first observed message
	// and never moves, even if an earlier message arrives later.
	sessionUser := row.userID
	if sessionUser == nil {
		sessionUser = ev.UserID
	}
	delta := dailyDelta{Sessions: 1}
	if err := applyOrgDaily(ctx, tx, ev.OrgID, ev.Day(), delta); err != nil {
		return err
	}
	if sessionUser != nil {
		if err := applyUserDaily(ctx, tx, ev.OrgID, *sessionUser, ev.Day(), delta); err != nil {
			return err
		}
	}
	return nil
}

func (p *Projector) applyRunStarted(ctx context.Context, tx pgx.Tx, ev event.Envelope) error {
	if ev.RunID == nil {
		p.logger.Warn("run_started event missing run_id",
			zap.String("org_id", ev.OrgID),
			zap.String("event_id", ev.EventID),
		)
		return nil
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO run_facts (org_id, run_id, session_id, user_id, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (org_id, run_id) DO UPDATE SET
			session_id = COALESCE(run_facts.session_id, EXCLUDED.session_id),
			user_id = COALESCE(run_facts.user_id, EXCLUDED.user_id),
			started_at = LEAST(run_facts.started_at, EXCLUDED.started_at)
	`, ev.OrgID, *ev.RunID, ev.SessionID, ev.UserID, ev.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO session_stats (org_id, session_id, last_event_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, session_id) DO UPDATE SET
			last_event_at = GREATEST(session_stats.last_event_at, EXCLUDED.last_event_at)
	`, ev.OrgID, ev.SessionID, ev.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (p *Projector) applyRunCompleted(ctx context.Context, tx pgx.Tx, ev event.Envelope) error {
	if ev.RunID == nil {
		p.logger.Warn("run_completed event missing run_id",
			zap.String("org_id", ev.OrgID),
			zap.String("event_id", ev.EventID),
		)
		return nil
	}
	payload, err := event.ParseRunCompleted(ev.Payload)
	if err != nil {
		return fmt.Errorf("run_completed payload: %w", err)
	}

	row, err := readSessionRow(ctx, tx, ev.OrgID, ev.SessionID)
	if err != nil {
		return err
	}

	occurredAt := ev.OccurredAt.UTC()
	isSuccess := payload.Success()

	// error_type persists as the payload value, normalised to "unknown" on a
	// non-success without one; successes store no error type.
	var errorType *string
	if !isSuccess {
		bucket := string(payload.Bucket())
		errorType = &bucket
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO run_facts (org_id, run_id, session_id, user_id, completed_at,
		                       status, duration_ms, cost, input_tokens, output_tokens, error_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11)
		ON CONFLICT (org_id, run_id) DO UPDATE SET
			session_id = COALESCE(run_facts.session_id, EXCLUDED.session_id),
			user_id = COALESCE(run_facts.user_id, EXCLUDED.user_id),
			completed_at = GREATEST(run_facts.completed_at, EXCLUDED.completed_at),
			status = EXCLUDED.status,
			duration_ms = EXCLUDED.duration_ms,
			cost = EXCLUDED.cost,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			error_type = EXCLUDED.error_type
	`, ev.OrgID, *ev.RunID, ev.SessionID, ev.UserID, occurredAt,
		string(payload.Status), payload.DurationMS, payload.Cost.String(),
		payload.InputTokens, payload.OutputTokens, errorType)
	if err != nil {
		return fmt.Errorf("upsert run completion: %w", err)
	}

	successInc, failedInc := int64(0), int64(1)
	if isSuccess {
		successInc, failedInc = 1, 0
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO session_stats (org_id, session_id, last_event_at, runs_count, active_agent_time_ms,
		                           success_runs, failed_runs, cost_total, input_tokens_total, output_tokens_total)
		VALUES ($1, $2, $3, 1, $4, $5, $6, $7::numeric, $8, $9)
		ON CONFLICT (org_id, session_id) DO UPDATE SET
			last_event_at = GREATEST(session_stats.last_event_at, EXCLUDED.last_event_at),
			runs_count = session_stats.runs_count + 1,
			active_agent_time_ms = session_stats.active_agent_time_ms + EXCLUDED.active_agent_time_ms,
			success_runs = session_stats.success_runs + EXCLUDED.success_runs,
			failed_runs = session_stats.failed_runs + EXCLUDED.failed_runs,
			cost_total = session_stats.cost_total + EXCLUDED.cost_total,
			input_tokens_total = session_stats.input_tokens_total + EXCLUDED.input_tokens_total,
			output_tokens_total = session_stats.output_tokens_total + EXCLUDED.output_tokens_total
	`, ev.OrgID, ev.SessionID, occurredAt, payload.DurationMS,
		successInc, failedInc, payload.Cost.String(), payload.InputTokens, payload.OutputTokens)
	if err != nil {
		return fmt.Errorf("accumulate session run: %w", err)
	}

	if row.lastHandoffAt != nil && !row.hasPostHandoff &&
		event.InPostHandoffWindow(*row.lastHandoffAt, occurredAt) {
		if err := p.markPostHandoff(ctx, tx, ev, row); err != nil {
			return err
		}
	}

	delta := dailyDelta{
		Runs:         1,
		SuccessRuns:  successInc,
		FailedRuns:   failedInc,
		DurationMS:   payload.DurationMS,
		Cost:         payload.Cost.String(),
		InputTokens:  payload.InputTokens,
		OutputTokens: payload.OutputTokens,
	}
	if !isSuccess {
		switch payload.Bucket() {
		case event.ErrorTool:
			delta.ErrorsTool = 1
		case event.ErrorModel:
			delta.ErrorsModel = 1
		case event.ErrorTimeout:
			delta.ErrorsTimeout = 1
		default:
			delta.ErrorsOther = 1
		}
	}
	if err := applyOrgDaily(ctx, tx, ev.OrgID, ev.Day(), delta); err != nil {
		return err
	}
	if ev.UserID != nil {
		if err := applyUserDaily(ctx, tx, ev.OrgID, *ev.UserID, ev.Day(), delta); err != nil {
			return err
		}
	}
	return nil
}

func (p *Projector) applyLocalHandoff(ctx context.Context, tx pgx.Tx, ev event.Envelope) error {
	payload, err := event.ParseLocalHandoff(ev.Payload)
	if err != nil {
		return fmt.Errorf("local_handoff payload: %w", err)
	}

	row, err := readSessionRow(ctx, tx, ev.OrgID, ev.SessionID)
	if err != nil {
		return err
	}

	occurredAt := ev.OccurredAt.UTC()

	// The returned post-increment count makes first-handoff detection
	// atomic: this event is the first exactly when the counter lands on 1.
	var handoffsCount int64
	err = tx.QueryRow(ctx, `
		INSERT INTO session_stats (org_id, session_id, handoffs_count, last_handoff_at, last_event_at)
		VALUES ($1, $2, 1, $3, $3)
		ON CONFLICT (org_id, session_id) DO UPDATE SET
			handoffs_count = session_stats.handoffs_count + 1,
			last_handoff_at = GREATEST(session_stats.last_handoff_at, EXCLUDED.last_handoff_at),
			last_event_at = GREATEST(session_stats.last_event_at, EXCLUDED.last_event_at)
		RETURNING handoffs_count
	`, ev.OrgID, ev.SessionID, occurredAt).Scan(&handoffsCount)
	if err != nil {
		return fmt.Errorf("upsert handoff: %w", err)
	}
	isFirst := handoffsCount == 1

	p.logger.Debug("handoff recorded",
		zap.String("org_id", ev.OrgID),
		zap.String("session_id", ev.SessionID),
		zap.String("method", string(payload.Method)),
		zap.Bool("first", isFirst),
	)

	// A run that already completed inside the window flips the flag
	// retroactively; handoff events can arrive after their runs.
	if !row.hasPostHandoff {
		var completedInWindow bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM run_facts
				WHERE org_id = $1 AND session_id = $2
				  AND completed_at > $3 AND completed_at <= $4
			)
		`, ev.OrgID, ev.SessionID, occurredAt, occurredAt.Add(event.PostHandoffWindow)).Scan(&completedInWindow)
		if err != nil {
			return fmt.Errorf("scan completed runs in window: %w", err)
		}
		if completedInWindow {
			if err := p.markPostHandoff(ctx, tx, ev, row); err != nil {
				return err
			}
		}
	}

	if isFirst {
		delta := dailyDelta{SessionsWithHandoff: 1}
		day := attributionDay(row, ev)
		if err := applyOrgDaily(ctx, tx, ev.OrgID, day, delta); err != nil {
			return err
		}
		if row.userID != nil {
			if err := applyUserDaily(ctx, tx, ev.OrgID, *row.userID, day, delta); err != nil {
				return err
			}
		}
	}
	return nil
}

// markPostHandoff flips the session's post-handoff flag and, when this call
// is the one that flipped it, applies the daily increment. The guarded
// update makes the increment at-most-once per session even across
// concurrent appliers.
func (p *Projector) markPostHandoff(ctx context.Context, tx pgx.Tx, ev event.Envelope, row sessionRow) error {
	ct, err := tx.Exec(ctx, `
		UPDATE session_stats
		SET has_post_handoff_iteration = TRUE
		WHERE org_id = $1 AND session_id = $2 AND NOT has_post_handoff_iteration
	`, ev.OrgID, ev.SessionID)
	if err != nil {
		return fmt.Errorf("set post-handoff flag: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return nil
	}

	delta := dailyDelta{SessionsWithPost: 1}
	day := attributionDay(row, ev)
	if err := applyOrgDaily(ctx, tx, ev.OrgID, day, delta); err != nil {
		return err
	}
	if row.userID != nil {
		if err := applyUserDaily(ctx, tx, ev.OrgID, *row.userID, day, delta); err != nil {
			return err
		}
	}
	return nil
}

// attributionDay is the day session-scoped counters are booked under: the
// session's first-message day when known, the event's own day otherwise.
func attributionDay(row sessionRow, ev event.Envelope) time.Time {
	if row.firstMessageAt != nil {
		return event.DayOf(*row.firstMessageAt)
	}
	return ev.Day()
}

// dailyDelta is one additive contribution to a daily aggregate row. Cost is
// decimal text; the empty string contributes zero.
type dailyDelta struct {
	Sessions            int64
	SessionsWithHandoff int64
	SessionsWithPost    int64
	Runs                int64
	SuccessRuns         int64
	FailedRuns          int64
	ErrorsTool          int64
	ErrorsModel         int64
	ErrorsTimeout       int64
	ErrorsOther         int64
	DurationMS          int64
	Cost                string
	InputTokens         int64
	OutputTokens        int64
}

func (d dailyDelta) cost() string {
	if d.Cost == "" {
		return "0"
	}
	return d.Cost
}

func applyOrgDaily(ctx context.Context, tx pgx.Tx, orgID string, day time.Time, d dailyDelta) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO org_stats_daily (org_id, day,
			sessions_count, sessions_with_handoff, sessions_with_post_handoff,
			runs_count, success_runs, failed_runs,
			errors_tool, errors_model, errors_timeout, errors_other,
			total_duration_ms, total_cost, total_input_tokens, total_output_tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::numeric, $15, $16)
		ON CONFLICT (org_id, day) DO UPDATE SET
			sessions_count = org_stats_daily.sessions_count + EXCLUDED.sessions_count,
			sessions_with_handoff = org_stats_daily.sessions_with_handoff + EXCLUDED.sessions_with_handoff,
			sessions_with_post_handoff = org_stats_daily.sessions_with_post_handoff + EXCLUDED.sessions_with_post_handoff,
			runs_count = org_stats_daily.runs_count + EXCLUDED.runs_count,
			success_runs = org_stats_daily.success_runs + EXCLUDED.success_runs,
			failed_runs = org_stats_daily.failed_runs + EXCLUDED.failed_runs,
			errors_tool = org_stats_daily.errors_tool + EXCLUDED.errors_tool,
			errors_model = org_stats_daily.errors_model + EXCLUDED.errors_model,
			errors_timeout = org_stats_daily.errors_timeout + EXCLUDED.errors_timeout,
			errors_other = org_stats_daily.errors_other + EXCLUDED.errors_other,
			total_duration_ms = org_stats_daily.total_duration_ms + EXCLUDED.total_duration_ms,
			total_cost = org_stats_daily.total_cost + EXCLUDED.total_cost,
			total_input_tokens = org_stats_daily.total_input_tokens + EXCLUDED.total_input_tokens,
			total_output_tokens = org_stats_daily.total_output_tokens + EXCLUDED.total_output_tokens
	`, orgID, day,
		d.Sessions, d.SessionsWithHandoff, d.SessionsWithPost,
		d.Runs, d.SuccessRuns, d.FailedRuns,
		d.ErrorsTool, d.ErrorsModel, d.ErrorsTimeout, d.ErrorsOther,
		d.DurationMS, d.cost(), d.InputTokens, d.OutputTokens)
	if err != nil {
		return fmt.Errorf("upsert org daily: %w", err)
	}
	return nil
}

func applyUserDaily(ctx context.Context, tx pgx.Tx, orgID, userID string, day time.Time, d dailyDelta) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO user_stats_daily (org_id, user_id, day,
			sessions_count, sessions_with_handoff, sessions_with_post_handoff,
			runs_count, success_runs, failed_runs,
			errors_tool, errors_model, errors_timeout, errors_other,
			total_duration_ms, total_cost, total_input_tokens, total_output_tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15::numeric, $16, $17)
		ON CONFLICT (org_id, user_id, day) DO UPDATE SET
			sessions_count = user_stats_daily.sessions_count + EXCLUDED.sessions_count,
			sessions_with_handoff = user_stats_daily.sessions_with_handoff + EXCLUDED.sessions_with_handoff,
			sessions_with_post_handoff = user_stats_daily.sessions_with_post_handoff + EXCLUDED.sessions_with_post_handoff,
			runs_count = user_stats_daily.runs_count + EXCLUDED.runs_count,
			success_runs = user_stats_daily.success_runs + EXCLUDED.success_runs,
			failed_runs = user_stats_daily.failed_runs + EXCLUDED.failed_runs,
			errors_tool = user_stats_daily.errors_tool + EXCLUDED.errors_tool,
			errors_model = user_stats_daily.errors_model + EXCLUDED.errors_model,
			errors_timeout = user_stats_daily.errors_timeout + EXCLUDED.errors_timeout,
			errors_other = user_stats_daily.errors_other + EXCLUDED.errors_other,
			total_duration_ms = user_stats_daily.total_duration_ms + EXCLUDED.total_duration_ms,
			total_cost = user_stats_daily.total_cost + EXCLUDED.total_cost,
			total_input_tokens = user_stats_daily.total_input_tokens + EXCLUDED.total_input_tokens,
			total_output_tokens = user_stats_daily.total_output_tokens + EXCLUDED.total_output_tokens
	`, orgID, userID, day,
		d.Sessions, d.SessionsWithHandoff, d.SessionsWithPost,
		d.Runs, d.SuccessRuns, d.FailedRuns,
		d.ErrorsTool, d.ErrorsModel, d.ErrorsTimeout, d.ErrorsOther,
		d.DurationMS, d.cost(), d.InputTokens, d.OutputTokens)
	if err != nil {
		return fmt.Errorf("upsert user daily: %w", err)
	}
	return nil
}
