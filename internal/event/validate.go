package event

import (
	"errors"
	"fmt"
)

// MaxBatchSize is the largest number of events one ingest request may carry.
const MaxBatchSize = 100

// BatchError reports one invalid or failed event by its position in the
// submitted batch.
type BatchError struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Message string `json:"message"`
}

// Validate checks the envelope and its payload shape, returning the first
// violation found. A nil result means the event is safe to persist.
func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return errors.New("event_id is required")
	case e.OrgID == "":
		return errors.New("org_id is required")
	case e.OccurredAt.IsZero():
		return errors.New("occurred_at is required")
	case !e.Type.Known():
		return fmt.Errorf("unknown event_type %q", e.Type)
	case e.SessionID == "":
		return errors.New("session_id is required")
	}
	if e.UserID != nil && *e.UserID == "" {
		return errors.New("user_id must be null or non-empty")
	}
	if e.RunID != nil && *e.RunID == "" {
		return errors.New("run_id must be null or non-empty")
	}
	if e.Type.RunRequired() && e.RunID == nil {
		return fmt.Errorf("run_id is required for %s", e.Type)
	}
	return e.validatePayload()
}

func (e Envelope) validatePayload() error {
	switch e.Type {
	case TypeRunCompleted:
		if _, err := ParseRunCompleted(e.Payload); err != nil {
			return fmt.Errorf("run_completed payload: %w", err)
		}
	case TypeLocalHandoff:
		if _, err := ParseLocalHandoff(e.Payload); err != nil {
			return fmt.Errorf("local_handoff payload: %w", err)
		}
	default:
		// message_created and run_started carry opaque payloads; a present
		// payload still has to be an object so events_raw stays queryable.
		if !isNullOrObject(e.Payload) {
			return errors.New("payload must be a JSON object")
		}
	}
	return nil
}

// ValidateBatch applies Validate to every event and returns one entry per
// invalid event. An empty result means the whole batch may be persisted.
func ValidateBatch(events []Envelope) []BatchError {
	var errs []BatchError
	for i, e := range events {
		if err := e.Validate(); err != nil {
			errs = append(errs, BatchError{Index: i, EventID: e.EventID, Message: err.Error()})
		}
	}
	return errs
}
