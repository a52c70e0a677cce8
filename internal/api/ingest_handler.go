package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/otherjamesbrown/agent-telemetry/internal/event"
	"github.com/otherjamesbrown/agent-telemetry/internal/firehose"
	"github.com/otherjamesbrown/agent-telemetry/internal/metrics"
	"github.com/otherjamesbrown/agent-telemetry/internal/storage/postgres"
)

// IngestHandler handles POST /events.
type IngestHandler struct {
	store    *postgres.Store
	firehose *firehose.Publisher
	logger   *zap.Logger
}

// NewIngestHandler creates the ingest handler. The firehose publisher may be
// nil when no brokers are configured.
func NewIngestHandler(store *postgres.Store, pub *firehose.Publisher, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{
		store:    store,
		firehose: pub,
		logger:   logger,
	}
}

type ingestRequest struct {
	Events []json.RawMessage `json:"events"`
}

type ingestResponse struct {
	Accepted int                `json:"accepted"`
	EventIDs []string           `json:"event_ids"`
	Errors   []event.BatchError `json:"errors,omitempty"`
}

// PostEvents validates a batch of 1..100 events and persists the valid
// batch in one transaction. Any invalid event rejects the whole batch with
// 400 and per-index errors; duplicate event IDs are accepted silently.
func (h *IngestHandler) PostEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RecordBatch("rejected")
		h.reject(w, []event.BatchError{{Index: 0, Message: "invalid request body: " + err.Error()}})
		return
	}
	if len(req.Events) == 0 || len(req.Events) > event.MaxBatchSize {
		metrics.RecordBatch("rejected")
		h.reject(w, []event.BatchError{{
			Index:   0,
			Message: fmt.Sprintf("events must contain between 1 and %d entries", event.MaxBatchSize),
		}})
		return
	}

	// Each event is unmarshalled individually so a malformed entry reports
	// its index instead of failing the body decode.
	envelopes := make([]event.Envelope, 0, len(req.Events))
	var verrs []event.BatchError
	for i, raw := range req.Events {
		var e event.Envelope
		if err := json.Unmarshal(raw, &e); err != nil {
			verrs = append(verrs, event.BatchError{Index: i, Message: "malformed event: " + err.Error()})
			continue
		}
		if err := e.Validate(); err != nil {
			verrs = append(verrs, event.BatchError{Index: i, EventID: e.EventID, Message: err.Error()})
			continue
		}
		envelopes = append(envelopes, e)
	}
	if len(verrs) > 0 {
		metrics.RecordBatch("rejected")
		metrics.RecordIngested("invalid", len(verrs))
		h.reject(w, verrs)
		return
	}

	res, err := h.store.InsertEventBatch(ctx, envelopes)
	if err != nil {
		h.logger.Error("event batch transaction failed",
			zap.Int("events", len(envelopes)),
			zap.Error(err),
		)
		metrics.RecordBatch("error")
		respondJSON(h.logger, w, http.StatusInternalServerError, ingestResponse{
			Accepted: 0,
			EventIDs: []string{},
			Errors:   []event.BatchError{{Index: 0, Message: "failed to persist batch"}},
		})
		return
	}

	metrics.RecordBatch("accepted")
	metrics.RecordIngested("accepted", res.Accepted)
	metrics.RecordIngested("failed", len(res.Errors))

	if h.firehose != nil && res.Accepted > 0 {
		h.firehose.Publish(ctx, acceptedEnvelopes(envelopes, res.Errors))
	}

	respondJSON(h.logger, w, http.StatusOK, ingestResponse{
		Accepted: res.Accepted,
		EventIDs: res.EventIDs,
		Errors:   res.Errors,
	})
}

func (h *IngestHandler) reject(w http.ResponseWriter, errs []event.BatchError) {
	respondJSON(h.logger, w, http.StatusBadRequest, ingestResponse{
		Accepted: 0,
		EventIDs: []string{},
		Errors:   errs,
	})
}

// acceptedEnvelopes filters out the events whose insert failed.
func acceptedEnvelopes(envelopes []event.Envelope, errs []event.BatchError) []*event.Envelope {
	failed := make(map[int]bool, len(errs))
	for _, be := range errs {
		failed[be.Index] = true
	}
	out := make([]*event.Envelope, 0, len(envelopes)-len(errs))
	for i := range envelopes {
		if !failed[i] {
			out = append(out, &envelopes[i])
		}
	}
	return out
}
