package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/otherjamesbrown/agent-telemetry/internal/event"
)

// QueueKey identifies one queue entry.
type QueueKey struct {
	OrgID   string
	EventID string
}

// ClaimedEvent is one queue entry claimed for projection. Event is nil when
// the queue row has no matching events_raw row; such orphans must be failed
// permanently rather than silently skipped.
type ClaimedEvent struct {
	OrgID      string
	EventID    string
	InsertedAt time.Time
	Attempts   int
	Event      *event.Envelope
}

// Key returns the entry's queue key.
func (c ClaimedEvent) Key() QueueKey {
	return QueueKey{OrgID: c.OrgID, EventID: c.EventID}
}

// claimSQL picks the oldest unprocessed queue rows while skipping rows locked
// by another claimer, bumps their attempt counters, and hydrates them from
// events_raw in the same statement. Running it outside an explicit
// transaction commits the attempt increments immediately and releases the
// row locks so the dispatcher can re-lock per group.
const claimSQL = `
	WITH picked AS (
		SELECT org_id, event_id
		FROM events_queue
		WHERE processed_at IS NULL
		ORDER BY inserted_at, event_id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	), claimed AS (
		UPDATE events_queue q
		SET attempts = q.attempts + 1
		FROM picked p
		WHERE q.org_id = p.org_id AND q.event_id = p.event_id
		RETURNING q.org_id, q.event_id, q.inserted_at, q.attempts
	)
	SELECT c.org_id, c.event_id, c.inserted_at, c.attempts,
	       r.occurred_at, r.event_type, r.session_id, r.user_id, r.run_id, r.payload
	FROM claimed c
	LEFT JOIN events_raw r ON r.org_id = c.org_id AND r.event_id = c.event_id
	ORDER BY c.inserted_at, c.event_id
`

// ClaimBatch claims at most limit unprocessed queue entries in insertion
// order, incrementing each entry's attempt counter.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]ClaimedEvent, error) {
	rows, err := s.pool.Query(ctx, claimSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("claim queue batch: %w", err)
	}
	defer rows.Close()

	var claimed []ClaimedEvent
	for rows.Next() {
		var (
			ce         ClaimedEvent
			occurredAt *time.Time
			eventType  *string
			sessionID  *string
			userID     *string
			runID      *string
			payload    []byte
		)
		if err := rows.Scan(
			&ce.OrgID, &ce.EventID, &ce.InsertedAt, &ce.Attempts,
			&occurredAt, &eventType, &sessionID, &userID, &runID, &payload,
		); err != nil {
			return nil, fmt.Errorf("scan claimed event: %w", err)
		}
		if eventType != nil {
			ce.Event = &event.Envelope{
				EventID:    ce.EventID,
				OrgID:      ce.OrgID,
				OccurredAt: occurredAt.UTC(),
				Type:       event.Type(*eventType),
				SessionID:  *sessionID,
				UserID:     userID,
				RunID:      runID,
				Payload:    json.RawMessage(payload),
			}
		}
		claimed = append(claimed, ce)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed events: %w", err)
	}
	return claimed, nil
}

// MarkProcessedTx marks one queue entry processed inside the projection
// transaction, so the status flip commits or reverts together with the
// projection writes. It reports false when another worker processed the row
// first; the caller must then discard its own writes for the event.
func MarkProcessedTx(ctx context.Context, tx pgx.Tx, key QueueKey) (bool, error) {
	ct, err := tx.Exec(ctx, `
		UPDATE events_queue
		SET processed_at = now(), last_error = NULL
		WHERE org_id = $1 AND event_id = $2 AND processed_at IS NULL
	`, key.OrgID, key.EventID)
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkFailedTx records a projection failure on the queue entry, leaving it
// claimable.
func MarkFailedTx(ctx context.Context, tx pgx.Tx, key QueueKey, msg string) error {
	_, err := tx.Exec(ctx, `
		UPDATE events_queue
		SET last_error = $3
		WHERE org_id = $1 AND event_id = $2 AND processed_at IS NULL
	`, key.OrgID, key.EventID, truncateError(msg))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// RecordFailures stamps last_error on the given queue entries outside any
// transaction. Used when a whole group transaction fails, and for orphaned
// queue rows. Entries already processed are left untouched.
func (s *Store) RecordFailures(ctx context.Context, keys []QueueKey, msg string) error {
	if len(keys) == 0 {
		return nil
	}
	orgs := make([]string, len(keys))
	ids := make([]string, len(keys))
	for i, k := range keys {
		orgs[i] = k.OrgID
		ids[i] = k.EventID
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE events_queue q
		SET last_error = $3
		FROM unnest($1::text[], $2::text[]) AS k(org_id, event_id)
		WHERE q.org_id = k.org_id AND q.event_id = k.event_id AND q.processed_at IS NULL
	`, orgs, ids, truncateError(msg))
	if err != nil {
		return fmt.Errorf("record queue failures: %w", err)
	}
	return nil
}

// UnprocessedCount reports how many queue entries still await projection.
func (s *Store) UnprocessedCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM events_queue WHERE processed_at IS NULL`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unprocessed: %w", err)
	}
	return n, nil
}

// maxErrorLen matches the width of events_queue.last_error.
const maxErrorLen = 1024

func truncateError(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxErrorLen {
		return msg
	}
	return string(runes[:maxErrorLen])
}
