package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/otherjamesbrown/agent-telemetry/internal/event"
	"github.com/otherjamesbrown/agent-telemetry/internal/freshness"
)

func setupStore(t *testing.T) (*Store, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.RunContainer(ctx,
		tcpostgres.WithDatabase("agent_telemetry"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	require.NoError(t, err)

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connString)
	require.NoError(t, err)

	_, filename, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(filename), "..", "..", "..")
	migrationsDir := filepath.Join(projectRoot, "migrations", "sql")

	require.NoError(t, goose.SetDialect("postgres"))
	require.NoError(t, goose.Up(db, migrationsDir))

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)

	store := NewStoreFromPool(pool)

	cleanup := func() {
		pool.Close()
		_ = db.Close()
		require.NoError(t, container.Terminate(ctx))
	}

	return store, cleanup
}

func testEnvelope(orgID, eventID string, typ event.Type, occurredAt time.Time) event.Envelope {
	return event.Envelope{
		EventID:    eventID,
		OrgID:      orgID,
		OccurredAt: occurredAt,
		Type:       typ,
		SessionID:  "sess-1",
	}
}

func TestStoreInsertEventBatchIdempotent(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

	runID := "run-1"
	batch := []event.Envelope{
		testEnvelope("org-1", "evt-001", event.TypeMessageCreated, base),
		testEnvelope("org-1", "evt-002", event.TypeRunStarted, base.Add(time.Second)),
		testEnvelope("org-1", "evt-003", event.TypeRunCompleted, base.Add(2*time.Second)),
	}
	batch[1].RunID = &runID
	batch[2].RunID = &runID
	batch[2].Payload = json.RawMessage(`{"status":"success","duration_ms":1200,"cost":"0.02","input_tokens":100,"output_tokens":50}`)

	res, err := store.InsertEventBatch(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 3, res.Accepted)
	require.Empty(t, res.Errors)
	require.Equal(t, []string{"evt-001", "evt-002", "evt-003"}, res.EventIDs)

	// Retrying the identical batch accepts every event again without
	// duplicating rows.
	res, err = store.InsertEventBatch(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 3, res.Accepted)
	require.Empty(t, res.Errors)

	var rawCount, queueCount int64
	require.NoError(t, store.Pool().QueryRow(ctx, `SELECT count(*) FROM events_raw`).Scan(&rawCount))
	require.NoError(t, store.Pool().QueryRow(ctx, `SELECT count(*) FROM events_queue`).Scan(&queueCount))
	require.Equal(t, int64(3), rawCount)
	require.Equal(t, int64(3), queueCount)
}

func TestStoreInsertEventBatchIsolatesDriverFailures(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

	bad := testEnvelope("org-1", "evt-bad", event.TypeMessageCreated, base.Add(time.Second))
	bad.Payload = json.RawMessage(`{broken`) // fails the jsonb cast

	batch := []event.Envelope{
		testEnvelope("org-1", "evt-ok-1", event.TypeMessageCreated, base),
		bad,
		testEnvelope("org-1", "evt-ok-2", event.TypeMessageCreated, base.Add(2*time.Second)),
	}

	res, err := store.InsertEventBatch(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 2, res.Accepted)
	require.Equal(t, []string{"evt-ok-1", "evt-ok-2"}, res.EventIDs)
	require.Len(t, res.Errors, 1)
	require.Equal(t, 1, res.Errors[0].Index)
	require.Equal(t, "evt-bad", res.Errors[0].EventID)
	require.NotEmpty(t, res.Errors[0].Message)

	var rawCount int64
	require.NoError(t, store.Pool().QueryRow(ctx, `SELECT count(*) FROM events_raw`).Scan(&rawCount))
	require.Equal(t, int64(2), rawCount)

	var exists bool
	require.NoError(t, store.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM events_queue WHERE event_id = 'evt-bad')`,
	).Scan(&exists))
	require.False(t, exists)
}

func TestStoreInsertEventBatchNormalisesPayload(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

	absent := testEnvelope("org-1", "evt-absent", event.TypeMessageCreated, base)
	null := testEnvelope("org-1", "evt-null", event.TypeMessageCreated, base)
	null.Payload = json.RawMessage("null")

	_, err := store.InsertEventBatch(ctx, []event.Envelope{absent, null})
	require.NoError(t, err)

	for _, id := range []string{"evt-absent", "evt-null"} {
		var payload string
		require.NoError(t, store.Pool().QueryRow(ctx,
			`SELECT payload::text FROM events_raw WHERE org_id = 'org-1' AND event_id = $1`, id,
		).Scan(&payload))
		require.Equal(t, "{}", payload)
	}
}

func TestStoreClaimBatchOrderingAndAttempts(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

	userID := "user-1"
	first := testEnvelope("org-1", "evt-001", event.TypeMessageCreated, base)
	first.UserID = &userID

	_, err := store.InsertEventBatch(ctx, []event.Envelope{
		first,
		testEnvelope("org-1", "evt-002", event.TypeMessageCreated, base.Add(time.Second)),
		testEnvelope("org-1", "evt-003", event.TypeMessageCreated, base.Add(2*time.Second)),
	})
	require.NoError(t, err)

	claimed, err := store.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, "evt-001", claimed[0].EventID)
	require.Equal(t, "evt-002", claimed[1].EventID)
	require.Equal(t, 1, claimed[0].Attempts)
	require.Equal(t, 1, claimed[1].Attempts)

	require.NotNil(t, claimed[0].Event)
	require.Equal(t, event.TypeMessageCreated, claimed[0].Event.Type)
	require.Equal(t, "sess-1", claimed[0].Event.SessionID)
	require.NotNil(t, claimed[0].Event.UserID)
	require.Equal(t, "user-1", *claimed[0].Event.UserID)
	require.WithinDuration(t, base, claimed[0].Event.OccurredAt, time.Microsecond)

	// The claim commits its attempt increments immediately, so unprocessed
	// rows stay claimable and each re-claim bumps the counter again.
	err = store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		ok, err := MarkProcessedTx(ctx, tx, QueueKey{OrgID: "org-1", EventID: "evt-001"})
		require.True(t, ok)
		return err
	})
	require.NoError(t, err)

	claimed, err = store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, "evt-002", claimed[0].EventID)
	require.Equal(t, "evt-003", claimed[1].EventID)
	require.Equal(t, 2, claimed[0].Attempts)
	require.Equal(t, 1, claimed[1].Attempts)
}

func TestStoreClaimBatchSkipsLockedRows(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

	_, err := store.InsertEventBatch(ctx, []event.Envelope{
		testEnvelope("org-1", "evt-001", event.TypeMessageCreated, base),
		testEnvelope("org-1", "evt-002", event.TypeMessageCreated, base.Add(time.Second)),
	})
	require.NoError(t, err)

	// Hold a row lock in an open transaction to stand in for a concurrent
	// claimer.
	tx, err := store.Pool().Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, `SELECT 1 FROM events_queue WHERE event_id = 'evt-001' FOR UPDATE`)
	require.NoError(t, err)

	claimed, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "evt-002", claimed[0].EventID)

	require.NoError(t, tx.Rollback(ctx))

	claimed, err = store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, "evt-001", claimed[0].EventID)
}

func TestStoreClaimBatchHydratesOrphans(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()

	_, err := store.Pool().Exec(ctx,
		`INSERT INTO events_queue (org_id, event_id) VALUES ('org-1', 'evt-ghost')`)
	require.NoError(t, err)

	claimed, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "org-1", claimed[0].OrgID)
	require.Equal(t, "evt-ghost", claimed[0].EventID)
	require.Equal(t, 1, claimed[0].Attempts)
	require.Nil(t, claimed[0].Event)
}

func TestStoreMarkProcessedGuardsDoubleProcessing(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

	_, err := store.InsertEventBatch(ctx, []event.Envelope{
		testEnvelope("org-1", "evt-001", event.TypeMessageCreated, base),
	})
	require.NoError(t, err)

	key := QueueKey{OrgID: "org-1", EventID: "evt-001"}

	err = store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return MarkFailedTx(ctx, tx, key, "projector exploded")
	})
	require.NoError(t, err)

	var lastError *string
	require.NoError(t, store.Pool().QueryRow(ctx,
		`SELECT last_error FROM events_queue WHERE event_id = 'evt-001'`,
	).Scan(&lastError))
	require.NotNil(t, lastError)
	require.Equal(t, "projector exploded", *lastError)

	n, err := store.UnprocessedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	err = store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		ok, err := MarkProcessedTx(ctx, tx, key)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	var processedAt *time.Time
	require.NoError(t, store.Pool().QueryRow(ctx,
		`SELECT processed_at FROM events_queue WHERE event_id = 'evt-001'`,
	).Scan(&processedAt))
	require.NotNil(t, processedAt)

	require.NoError(t, store.Pool().QueryRow(ctx,
		`SELECT last_error FROM events_queue WHERE event_id = 'evt-001'`,
	).Scan(&lastError))
	require.Nil(t, lastError)

	n, err = store.UnprocessedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	// A second worker racing on the same entry sees zero rows updated and
	// must discard its projection writes.
	err = store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		ok, err := MarkProcessedTx(ctx, tx, key)
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestStoreRecordFailures(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

	_, err := store.InsertEventBatch(ctx, []event.Envelope{
		testEnvelope("org-1", "evt-001", event.TypeMessageCreated, base),
		testEnvelope("org-1", "evt-002", event.TypeMessageCreated, base.Add(time.Second)),
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := MarkProcessedTx(ctx, tx, QueueKey{OrgID: "org-1", EventID: "evt-002"})
		return err
	})
	require.NoError(t, err)

	require.NoError(t, store.RecordFailures(ctx, nil, "ignored"))

	longMsg := strings.Repeat("x", 2000)
	err = store.RecordFailures(ctx, []QueueKey{
		{OrgID: "org-1", EventID: "evt-001"},
		{OrgID: "org-1", EventID: "evt-002"},
	}, longMsg)
	require.NoError(t, err)

	var lastError *string
	require.NoError(t, store.Pool().QueryRow(ctx,
		`SELECT last_error FROM events_queue WHERE event_id = 'evt-001'`,
	).Scan(&lastError))
	require.NotNil(t, lastError)
	require.Len(t, *lastError, maxErrorLen)

	// Processed entries keep their clean state.
	require.NoError(t, store.Pool().QueryRow(ctx,
		`SELECT last_error FROM events_queue WHERE event_id = 'evt-002'`,
	).Scan(&lastError))
	require.Nil(t, lastError)
}

func TestStoreReadModelsNotFound(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	_, err := store.GetRunFacts(ctx, "org-1", "run-404")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetSessionStats(ctx, "org-1", "sess-404")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetOrgDaily(ctx, "org-1", day)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetUserDaily(ctx, "org-1", "user-404", day)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStorePipelineStatuses(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

	_, err := store.InsertEventBatch(ctx, []event.Envelope{
		testEnvelope("org-a", "evt-001", event.TypeMessageCreated, base),
		testEnvelope("org-a", "evt-002", event.TypeMessageCreated, base.Add(time.Second)),
		testEnvelope("org-b", "evt-003", event.TypeMessageCreated, base.Add(2*time.Second)),
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := MarkProcessedTx(ctx, tx, QueueKey{OrgID: "org-a", EventID: "evt-001"}); err != nil {
			return err
		}
		_, err := MarkProcessedTx(ctx, tx, QueueKey{OrgID: "org-b", EventID: "evt-003"})
		return err
	})
	require.NoError(t, err)

	statuses, err := store.PipelineStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	require.Equal(t, "org-a", statuses[0].OrgID)
	require.Equal(t, int64(1), statuses[0].QueueDepth)
	require.NotNil(t, statuses[0].OldestPendingAt)
	require.NotNil(t, statuses[0].LastInsertedAt)
	require.NotNil(t, statuses[0].LastProcessedAt)

	// Fully drained orgs still report, with an empty backlog.
	require.Equal(t, "org-b", statuses[1].OrgID)
	require.Equal(t, int64(0), statuses[1].QueueDepth)
	require.Nil(t, statuses[1].OldestPendingAt)
	require.NotNil(t, statuses[1].LastProcessedAt)
}

func TestStorePipelineIndicator(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()

	// Unknown orgs derive a zero-depth fresh indicator rather than an error.
	ind, err := store.PipelineIndicator(ctx, "org-unknown")
	require.NoError(t, err)
	require.Equal(t, "org-unknown", ind.OrgID)
	require.Equal(t, int64(0), ind.QueueDepth)
	require.Equal(t, freshness.StatusFresh, ind.Status)

	old := time.Now().UTC().Add(-15 * time.Minute)
	_, err = store.Pool().Exec(ctx,
		`INSERT INTO events_queue (org_id, event_id, inserted_at) VALUES ('org-1', 'evt-old', $1)`, old)
	require.NoError(t, err)

	ind, err = store.PipelineIndicator(ctx, "org-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), ind.QueueDepth)
	require.NotNil(t, ind.OldestPendingAt)
	require.GreaterOrEqual(t, ind.LagSeconds, 600)
	require.Equal(t, freshness.StatusDelayed, ind.Status)

	indicators, err := store.PipelineIndicators(ctx)
	require.NoError(t, err)
	require.Len(t, indicators, 1)
	require.Equal(t, "org-1", indicators[0].OrgID)
	require.Equal(t, freshness.StatusDelayed, indicators[0].Status)
}

func TestStoreSessionHints(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()

	hints, err := store.SessionHints(ctx, "org-1", nil)
	require.NoError(t, err)
	require.Nil(t, hints)

	firstMsg := time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)
	handoff := time.Date(2025, 3, 9, 11, 0, 0, 0, time.UTC)
	_, err = store.Pool().Exec(ctx, `
		INSERT INTO session_stats (org_id, session_id, user_id, first_message_at, last_handoff_at)
		VALUES ('org-1', 'sess-a', 'user-1', $1, $2)
	`, firstMsg, handoff)
	require.NoError(t, err)
	_, err = store.Pool().Exec(ctx,
		`INSERT INTO session_stats (org_id, session_id) VALUES ('org-1', 'sess-b')`)
	require.NoError(t, err)

	hints, err = store.SessionHints(ctx, "org-1", []string{"sess-a", "sess-b", "sess-missing"})
	require.NoError(t, err)
	require.Len(t, hints, 2)

	byID := make(map[string]SessionHint, len(hints))
	for _, h := range hints {
		byID[h.SessionID] = h
	}

	a := byID["sess-a"]
	require.NotNil(t, a.UserID)
	require.Equal(t, "user-1", *a.UserID)
	require.NotNil(t, a.FirstMessageAt)
	require.WithinDuration(t, firstMsg, *a.FirstMessageAt, time.Microsecond)
	require.NotNil(t, a.LastHandoffAt)
	require.WithinDuration(t, handoff, *a.LastHandoffAt, time.Microsecond)

	b := byID["sess-b"]
	require.Nil(t, b.UserID)
	require.Nil(t, b.FirstMessageAt)
	require.Nil(t, b.LastHandoffAt)
}

func TestStoreRebuildReadModels(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

	_, err := store.InsertEventBatch(ctx, []event.Envelope{
		testEnvelope("org-1", "evt-001", event.TypeMessageCreated, base),
		testEnvelope("org-1", "evt-002", event.TypeMessageCreated, base.Add(time.Second)),
		testEnvelope("org-1", "evt-003", event.TypeMessageCreated, base.Add(2*time.Second)),
	})
	require.NoError(t, err)

	// Drain the queue and seed derived rows so the rebuild has state to clear.
	_, err = store.Pool().Exec(ctx, `UPDATE events_queue SET processed_at = now(), attempts = 3`)
	require.NoError(t, err)
	_, err = store.Pool().Exec(ctx,
		`INSERT INTO run_facts (org_id, run_id, session_id) VALUES ('org-1', 'run-x', 'sess-x')`)
	require.NoError(t, err)
	_, err = store.Pool().Exec(ctx,
		`INSERT INTO session_stats (org_id, session_id) VALUES ('org-1', 'sess-x')`)
	require.NoError(t, err)
	_, err = store.Pool().Exec(ctx,
		`INSERT INTO org_stats_daily (org_id, day, sessions_count) VALUES ('org-1', '2025-03-10', 5)`)
	require.NoError(t, err)
	_, err = store.Pool().Exec(ctx,
		`INSERT INTO user_stats_daily (org_id, user_id, day, sessions_count) VALUES ('org-1', 'user-1', '2025-03-10', 5)`)
	require.NoError(t, err)

	require.NoError(t, store.RebuildReadModels(ctx))

	for _, table := range []string{"run_facts", "session_stats", "org_stats_daily", "user_stats_daily"} {
		var n int64
		require.NoError(t, store.Pool().QueryRow(ctx, `SELECT count(*) FROM `+table).Scan(&n))
		require.Equal(t, int64(0), n, "table %s should be empty after rebuild", table)
	}

	n, err := store.UnprocessedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	// Replay claims the raw log in its original order, starting from clean
	// attempt counters.
	claimed, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	require.Equal(t, "evt-001", claimed[0].EventID)
	require.Equal(t, "evt-002", claimed[1].EventID)
	require.Equal(t, "evt-003", claimed[2].EventID)
	for _, c := range claimed {
		require.Equal(t, 1, c.Attempts)
		require.NotNil(t, c.Event)
	}
}

func TestStoreWithTxRollsBackOnError(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()

	errBoom := errors.New("boom")
	err := store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO events_queue (org_id, event_id) VALUES ('org-1', 'evt-rollback')`)
		require.NoError(t, err)
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	var exists bool
	require.NoError(t, store.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM events_queue WHERE event_id = 'evt-rollback')`,
	).Scan(&exists))
	require.False(t, exists)
}
