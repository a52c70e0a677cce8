// Package firehose mirrors accepted events to a Kafka topic.
//
// Purpose:
//   This package publishes every accepted envelope to a Kafka firehose for
//   downstream consumers. The database remains the system of record: publish
//   failures are counted and dropped, never surfaced to the ingest caller. A
//   circuit breaker keeps a dead broker from slowing ingestion down.
//
// Key Responsibilities:
//   - Publish accepted envelopes to the firehose topic
//   - Trip open after consecutive broker failures, probing periodically
//   - Handle connection failures gracefully
//
package firehose

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/agent-telemetry/internal/event"
	"github.com/otherjamesbrown/agent-telemetry/internal/metrics"
)

// messageWriter is the subset of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes accepted envelopes to Kafka.
type Publisher struct {
	writer  messageWriter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	topic   string
}

// Config configures the firehose publisher.
type Config struct {
	Brokers      []string
	Topic        string
	ClientID     string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// NewPublisher creates a firehose publisher.
func NewPublisher(cfg Config, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        false, // synchronous writes so the breaker sees failures
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  5 * time.Second,
	}
	if cfg.ClientID != "" {
		writer.Transport = &kafka.Transport{
			ClientID: cfg.ClientID,
		}
	}

	log := logger.With(zap.String("component", "firehose"))
	return &Publisher{
		writer:  writer,
		breaker: newBreaker(log),
		logger:  log,
		topic:   cfg.Topic,
	}
}

func newBreaker(logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "firehose",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// Publish mirrors envelopes to the firehose topic. It never returns an
// error: failed or rejected publishes are logged and counted as dropped.
func (p *Publisher) Publish(ctx context.Context, events []*event.Envelope) {
	if len(events) == 0 {
		return
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			p.logger.Error("failed to serialize envelope",
				zap.String("event_id", ev.EventID),
				zap.Error(err),
			)
			metrics.RecordFirehoseDropped(1)
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.OrgID + ":" + ev.EventID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "org_id", Value: []byte(ev.OrgID)},
				{Key: "event_type", Value: []byte(string(ev.Type))},
			},
			Time: ev.OccurredAt,
		})
	}
	if len(msgs) == 0 {
		return
	}

	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.writer.WriteMessages(ctx, msgs...)
	})
	if err != nil {
		p.logger.Warn("firehose publish dropped",
			zap.Int("events", len(msgs)),
			zap.Error(err),
		)
		metrics.RecordFirehoseDropped(len(msgs))
		return
	}

	metrics.RecordFirehosePublished(len(msgs))
	p.logger.Debug("envelopes published",
		zap.Int("events", len(msgs)),
		zap.String("topic", p.topic),
	)
}

// Close closes the Kafka writer connection.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	err := p.writer.Close()
	p.logger.Info("firehose publisher closed")
	return err
}
