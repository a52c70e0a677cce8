package firehose

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/agent-telemetry/internal/event"
)

// fakeWriter records messages and fails on demand.
type fakeWriter struct {
	messages []kafka.Message
	calls    int
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func newTestPublisher(w messageWriter) *Publisher {
	logger := zap.NewNop()
	return &Publisher{
		writer:  w,
		breaker: newBreaker(logger),
		logger:  logger,
		topic:   "telemetry.events.v1",
	}
}

func testEnvelope(orgID, eventID string) *event.Envelope {
	return &event.Envelope{
		EventID:    eventID,
		OrgID:      orgID,
		OccurredAt: time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC),
		Type:       event.TypeMessageCreated,
		SessionID:  "s-1",
	}
}

func TestPublish_MessageShape(t *testing.T) {
	w := &fakeWriter{}
	p := newTestPublisher(w)

	ev := testEnvelope("org-1", "e-1")
	p.Publish(context.Background(), []*event.Envelope{ev})

	require.Len(t, w.messages, 1)
	msg := w.messages[0]

	// Keying on org and event id keeps redeliveries of one event on one
	// partition so downstream consumers can dedupe.
	assert.Equal(t, "org-1:e-1", string(msg.Key))
	assert.True(t, msg.Time.Equal(ev.OccurredAt))

	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "org_id", msg.Headers[0].Key)
	assert.Equal(t, "org-1", string(msg.Headers[0].Value))
	assert.Equal(t, "event_type", msg.Headers[1].Key)
	assert.Equal(t, "message_created", string(msg.Headers[1].Value))

	var decoded event.Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, ev.EventID, decoded.EventID)
	assert.Equal(t, ev.OrgID, decoded.OrgID)
}

func TestPublish_BatchesAllEnvelopes(t *testing.T) {
	w := &fakeWriter{}
	p := newTestPublisher(w)

	batch := []*event.Envelope{
		testEnvelope("org-1", "e-1"),
		testEnvelope("org-1", "e-2"),
		testEnvelope("org-2", "e-3"),
	}
	p.Publish(context.Background(), batch)

	assert.Equal(t, 1, w.calls, "one write per batch")
	assert.Len(t, w.messages, 3)
}

func TestPublish_EmptyBatchWritesNothing(t *testing.T) {
	w := &fakeWriter{}
	p := newTestPublisher(w)

	p.Publish(context.Background(), nil)
	p.Publish(context.Background(), []*event.Envelope{})

	assert.Zero(t, w.calls)
}

func TestPublish_WriteFailureDoesNotPropagate(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unreachable")}
	p := newTestPublisher(w)

	// Publish swallows the error; ingest must not fail because the firehose
	// is down.
	p.Publish(context.Background(), []*event.Envelope{testEnvelope("org-1", "e-1")})
	assert.Equal(t, 1, w.calls)
}

func TestPublish_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unreachable")}
	p := newTestPublisher(w)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p.Publish(ctx, []*event.Envelope{testEnvelope("org-1", "e-1")})
	}
	assert.Equal(t, 5, w.calls)

	// The breaker is open now: further publishes are dropped without
	// touching the writer.
	p.Publish(ctx, []*event.Envelope{testEnvelope("org-1", "e-2")})
	p.Publish(ctx, []*event.Envelope{testEnvelope("org-1", "e-3")})
	assert.Equal(t, 5, w.calls)
}

func TestPublish_BreakerStaysClosedOnSuccess(t *testing.T) {
	w := &fakeWriter{}
	p := newTestPublisher(w)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		p.Publish(ctx, []*event.Envelope{testEnvelope("org-1", "e-1")})
	}
	assert.Equal(t, 20, w.calls)
}

func TestClose(t *testing.T) {
	w := &fakeWriter{}
	p := newTestPublisher(w)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestNewPublisher_Defaults(t *testing.T) {
	p := NewPublisher(Config{
		Brokers: []string{"localhost:9092"},
		Topic:   "telemetry.events.v1",
	}, nil)
	defer p.Close()

	require.NotNil(t, p)
	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "telemetry.events.v1", w.Topic)
	assert.Equal(t, 50*time.Millisecond, w.BatchTimeout)
	assert.Equal(t, 5*time.Second, w.WriteTimeout)
	assert.False(t, w.Async)
}
