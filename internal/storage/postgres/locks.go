package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// OrgDayKey identifies one org_stats_daily row.
type OrgDayKey struct {
	OrgID string
	Day   time.Time
}

// UserDayKey identifies one user_stats_daily row.
type UserDayKey struct {
	OrgID  string
	UserID string
	Day    time.Time
}

// SessionKey identifies one session_stats row.
type SessionKey struct {
	OrgID     string
	SessionID string
}

// RunKey identifies one run_facts row. SessionID rides along because the
// table requires it when the row is first materialised.
type RunKey struct {
	OrgID     string
	RunID     string
	SessionID string
}

// LockSet collects the read-model keys a projection group will touch so they
// can be materialised and locked up front in one canonical order:
// org_stats_daily, then user_stats_daily, then session_stats, then run_facts,
// keys sorted lexicographically within each table. Every group acquires its
// locks in this order, so overlapping groups serialise instead of
// deadlocking.
type LockSet struct {
	orgDays  map[OrgDayKey]struct{}
	userDays map[UserDayKey]struct{}
	sessions map[SessionKey]struct{}
	runs     map[RunKey]struct{}
}

// NewLockSet returns an empty lock set.
func NewLockSet() *LockSet {
	return &LockSet{
		orgDays:  make(map[OrgDayKey]struct{}),
		userDays: make(map[UserDayKey]struct{}),
		sessions: make(map[SessionKey]struct{}),
		runs:     make(map[RunKey]struct{}),
	}
}

// AddOrgDay records an org_stats_daily key.
func (l *LockSet) AddOrgDay(orgID string, day time.Time) {
	l.orgDays[OrgDayKey{OrgID: orgID, Day: day}] = struct{}{}
}

// AddUserDay records a user_stats_daily key.
func (l *LockSet) AddUserDay(orgID, userID string, day time.Time) {
	l.userDays[UserDayKey{OrgID: orgID, UserID: userID, Day: day}] = struct{}{}
}

// AddSession records a session_stats key.
func (l *LockSet) AddSession(orgID, sessionID string) {
	l.sessions[SessionKey{OrgID: orgID, SessionID: sessionID}] = struct{}{}
}

// AddRun records a run_facts key. The first session seen for a run wins.
func (l *LockSet) AddRun(orgID, runID, sessionID string) {
	k := RunKey{OrgID: orgID, RunID: runID, SessionID: sessionID}
	for existing := range l.runs {
		if existing.OrgID == orgID && existing.RunID == runID {
			return
		}
	}
	l.runs[k] = struct{}{}
}

// OrgDays returns the collected org day keys in lock order.
func (l *LockSet) OrgDays() []OrgDayKey {
	keys := make([]OrgDayKey, 0, len(l.orgDays))
	for k := range l.orgDays {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].OrgID != keys[j].OrgID {
			return keys[i].OrgID < keys[j].OrgID
		}
		return keys[i].Day.Before(keys[j].Day)
	})
	return keys
}

// UserDays returns the collected user day keys in lock order.
func (l *LockSet) UserDays() []UserDayKey {
	keys := make([]UserDayKey, 0, len(l.userDays))
	for k := range l.userDays {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].OrgID != keys[j].OrgID {
			return keys[i].OrgID < keys[j].OrgID
		}
		if keys[i].UserID != keys[j].UserID {
			return keys[i].UserID < keys[j].UserID
		}
		return keys[i].Day.Before(keys[j].Day)
	})
	return keys
}

// Sessions returns the collected session keys in lock order.
func (l *LockSet) Sessions() []SessionKey {
	keys := make([]SessionKey, 0, len(l.sessions))
	for k := range l.sessions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].OrgID != keys[j].OrgID {
			return keys[i].OrgID < keys[j].OrgID
		}
		return keys[i].SessionID < keys[j].SessionID
	})
	return keys
}

// Runs returns the collected run keys in lock order.
func (l *LockSet) Runs() []RunKey {
	keys := make([]RunKey, 0, len(l.runs))
	for k := range l.runs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].OrgID != keys[j].OrgID {
			return keys[i].OrgID < keys[j].OrgID
		}
		return keys[i].RunID < keys[j].RunID
	})
	return keys
}

// Execer is the slice of pgx.Tx the lock phase needs. Narrowing it keeps the
// acquisition order unit-testable against a recording fake.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

const (
	ensureOrgDaysSQL = `
		INSERT INTO org_stats_daily (org_id, day)
		SELECT k.org_id, k.day
		FROM unnest($1::text[], $2::date[]) AS k(org_id, day)
		ON CONFLICT (org_id, day) DO NOTHING`

	lockOrgDaysSQL = `
		SELECT 1
		FROM org_stats_daily o
		JOIN unnest($1::text[], $2::date[]) AS k(org_id, day)
		  ON o.org_id = k.org_id AND o.day = k.day
		ORDER BY o.org_id, o.day
		FOR UPDATE OF o`

	ensureUserDaysSQL = `
		INSERT INTO user_stats_daily (org_id, user_id, day)
		SELECT k.org_id, k.user_id, k.day
		FROM unnest($1::text[], $2::text[], $3::date[]) AS k(org_id, user_id, day)
		ON CONFLICT (org_id, user_id, day) DO NOTHING`

	lockUserDaysSQL = `
		SELECT 1
		FROM user_stats_daily u
		JOIN unnest($1::text[], $2::text[], $3::date[]) AS k(org_id, user_id, day)
		  ON u.org_id = k.org_id AND u.user_id = k.user_id AND u.day = k.day
		ORDER BY u.org_id, u.user_id, u.day
		FOR UPDATE OF u`

	ensureSessionsSQL = `
		INSERT INTO session_stats (org_id, session_id)
		SELECT k.org_id, k.session_id
		FROM unnest($1::text[], $2::text[]) AS k(org_id, session_id)
		ON CONFLICT (org_id, session_id) DO NOTHING`

	lockSessionsSQL = `
		SELECT 1
		FROM session_stats s
		JOIN unnest($1::text[], $2::text[]) AS k(org_id, session_id)
		  ON s.org_id = k.org_id AND s.session_id = k.session_id
		ORDER BY s.org_id, s.session_id
		FOR UPDATE OF s`

	ensureRunsSQL = `
		INSERT INTO run_facts (org_id, run_id, session_id)
		SELECT k.org_id, k.run_id, k.session_id
		FROM unnest($1::text[], $2::text[], $3::text[]) AS k(org_id, run_id, session_id)
		ON CONFLICT (org_id, run_id) DO NOTHING`

	lockRunsSQL = `
		SELECT 1
		FROM run_facts r
		JOIN unnest($1::text[], $2::text[]) AS k(org_id, run_id)
		  ON r.org_id = k.org_id AND r.run_id = k.run_id
		ORDER BY r.org_id, r.run_id
		FOR UPDATE OF r`
)

// LockStatRows materialises and locks every read-model row in the set, table
// by table in the canonical order. Rows that do not exist yet are inserted
// empty first; ON CONFLICT DO NOTHING does not lock a pre-existing row, so a
// blocking select follows each insert. Inserted-but-never-projected rows are
// indistinguishable from untouched days and sessions, which the projectors
// detect through content, never through bare row existence.
func LockStatRows(ctx context.Context, tx Execer, set *LockSet) error {
	if orgDays := set.OrgDays(); len(orgDays) > 0 {
		orgs := make([]string, len(orgDays))
		days := make([]time.Time, len(orgDays))
		for i, k := range orgDays {
			orgs[i] = k.OrgID
			days[i] = k.Day
		}
		if _, err := tx.Exec(ctx, ensureOrgDaysSQL, orgs, days); err != nil {
			return fmt.Errorf("ensure org day rows: %w", err)
		}
		if _, err := tx.Exec(ctx, lockOrgDaysSQL, orgs, days); err != nil {
			return fmt.Errorf("lock org day rows: %w", err)
		}
	}

	if userDays := set.UserDays(); len(userDays) > 0 {
		orgs := make([]string, len(userDays))
		users := make([]string, len(userDays))
		days := make([]time.Time, len(userDays))
		for i, k := range userDays {
			orgs[i] = k.OrgID
			users[i] = k.UserID
			days[i] = k.Day
		}
		if _, err := tx.Exec(ctx, ensureUserDaysSQL, orgs, users, days); err != nil {
			return fmt.Errorf("ensure user day rows: %w", err)
		}
		if _, err := tx.Exec(ctx, lockUserDaysSQL, orgs, users, days); err != nil {
			return fmt.Errorf("lock user day rows: %w", err)
		}
	}

	if sessions := set.Sessions(); len(sessions) > 0 {
		orgs := make([]string, len(sessions))
		ids := make([]string, len(sessions))
		for i, k := range sessions {
			orgs[i] = k.OrgID
			ids[i] = k.SessionID
		}
		if _, err := tx.Exec(ctx, ensureSessionsSQL, orgs, ids); err != nil {
			return fmt.Errorf("ensure session rows: %w", err)
		}
		if _, err := tx.Exec(ctx, lockSessionsSQL, orgs, ids); err != nil {
			return fmt.Errorf("lock session rows: %w", err)
		}
	}

	if runs := set.Runs(); len(runs) > 0 {
		orgs := make([]string, len(runs))
		ids := make([]string, len(runs))
		sessions := make([]string, len(runs))
		for i, k := range runs {
			orgs[i] = k.OrgID
			ids[i] = k.RunID
			sessions[i] = k.SessionID
		}
		if _, err := tx.Exec(ctx, ensureRunsSQL, orgs, ids, sessions); err != nil {
			return fmt.Errorf("ensure run rows: %w", err)
		}
		if _, err := tx.Exec(ctx, lockRunsSQL, orgs, ids); err != nil {
			return fmt.Errorf("lock run rows: %w", err)
		}
	}

	return nil
}

// SessionHint carries the per-session fields that decide which daily rows a
// group may touch beyond its events' own days.
type SessionHint struct {
	SessionID      string
	UserID         *string
	FirstMessageAt *time.Time
	LastHandoffAt  *time.Time
}

// SessionHints reads attribution fields for the given sessions without
// locking. The dispatcher folds the hinted first-message days into the
// group's lock set so flag increments attributed to those days are covered
// by the same up-front locks as event-day writes.
func (s *Store) SessionHints(ctx context.Context, orgID string, sessionIDs []string) ([]SessionHint, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, user_id, first_message_at, last_handoff_at
		FROM session_stats
		WHERE org_id = $1 AND session_id = ANY($2)
	`, orgID, sessionIDs)
	if err != nil {
		return nil, fmt.Errorf("read session hints: %w", err)
	}
	defer rows.Close()

	var hints []SessionHint
	for rows.Next() {
		var h SessionHint
		if err := rows.Scan(&h.SessionID, &h.UserID, &h.FirstMessageAt, &h.LastHandoffAt); err != nil {
			return nil, fmt.Errorf("scan session hint: %w", err)
		}
		hints = append(hints, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session hints: %w", err)
	}
	return hints, nil
}
