package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/otherjamesbrown/agent-telemetry/internal/event"
)

// IngestResult reports the outcome of one batch insert.
type IngestResult struct {
	Accepted int
	EventIDs []string
	Errors   []event.BatchError
}

const insertRawSQL = `
	INSERT INTO events_raw (org_id, event_id, occurred_at, event_type, session_id, user_id, run_id, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
	ON CONFLICT (org_id, event_id) DO NOTHING
`

const insertQueueSQL = `
	INSERT INTO events_queue (org_id, event_id)
	VALUES ($1, $2)
	ON CONFLICT (org_id, event_id) DO NOTHING
`

// InsertEventBatch persists a validated batch in one transaction. An event
// whose primary key already exists is accepted silently. A driver error on
// one event rolls back only that event's savepoint and is reported in the
// result; the rest of the batch still commits. The returned error is non-nil
// only when the transaction itself cannot begin or commit.
func (s *Store) InsertEventBatch(ctx context.Context, events []event.Envelope) (IngestResult, error) {
	res := IngestResult{EventIDs: make([]string, 0, len(events))}
	err := s.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for i, e := range events {
			if err := insertEvent(ctx, tx, e); err != nil {
				res.Errors = append(res.Errors, event.BatchError{
					Index:   i,
					EventID: e.EventID,
					Message: err.Error(),
				})
				continue
			}
			res.Accepted++
			res.EventIDs = append(res.EventIDs, e.EventID)
		}
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}
	return res, nil
}

// insertEvent writes one event under a savepoint so a driver error poisons
// neither the surrounding transaction nor the batch's other events.
func insertEvent(ctx context.Context, tx pgx.Tx, e event.Envelope) error {
	sub, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}

	if _, err := sub.Exec(ctx, insertRawSQL,
		e.OrgID, e.EventID, e.OccurredAt.UTC(), string(e.Type),
		e.SessionID, e.UserID, e.RunID, payloadOrEmpty(e.Payload),
	); err != nil {
		_ = sub.Rollback(ctx)
		return err
	}

	if _, err := sub.Exec(ctx, insertQueueSQL, e.OrgID, e.EventID); err != nil {
		_ = sub.Rollback(ctx)
		return err
	}

	return sub.Commit(ctx)
}

// payloadOrEmpty normalises an absent or null payload to the empty object so
// the raw log's payload column stays non-null and queryable.
func payloadOrEmpty(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "{}"
	}
	return string(trimmed)
}
