// Package event defines the telemetry event envelope, the typed payload
// variants behind it, and the validation applied at the ingest boundary.
//
// Purpose:
//
//	Payloads travel and persist as opaque JSON; this package is the single
//	place that knows their per-type shapes. Validation runs once at ingest,
//	and the projection worker re-parses through the same functions so that
//	replayed or backfilled rows face identical rules.
package event

import (
	"encoding/json"
	"time"
)

// Type discriminates the payload shape carried by an envelope.
type Type string

const (
	TypeMessageCreated Type = "message_created"
	TypeRunStarted     Type = "run_started"
	TypeRunCompleted   Type = "run_completed"
	TypeLocalHandoff   Type = "local_handoff"
)

// Known reports whether t is one of the event types this pipeline projects.
func (t Type) Known() bool {
	switch t {
	case TypeMessageCreated, TypeRunStarted, TypeRunCompleted, TypeLocalHandoff:
		return true
	}
	return false
}

// RunRequired reports whether envelopes of this type must carry a run_id.
func (t Type) RunRequired() bool {
	return t == TypeRunStarted || t == TypeRunCompleted
}

// Envelope is one telemetry event as submitted to the ingest endpoint and as
// stored in events_raw. Identifier fields are opaque strings owned by the
// producing client; the pipeline never interprets them beyond equality.
type Envelope struct {
	EventID    string          `json:"event_id"`
	OrgID      string          `json:"org_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Type       Type            `json:"event_type"`
	SessionID  string          `json:"session_id"`
	UserID     *string         `json:"user_id,omitempty"`
	RunID      *string         `json:"run_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Day returns the UTC calendar day the event occurred on.
func (e Envelope) Day() time.Time {
	return DayOf(e.OccurredAt)
}

// DayOf truncates t to its UTC calendar day. All daily attribution in the
// read models uses UTC boundaries, never local time.
func DayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
