package projection

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/agent-telemetry/internal/freshness"
	"github.com/otherjamesbrown/agent-telemetry/internal/metrics"
	"github.com/otherjamesbrown/agent-telemetry/internal/storage/postgres"
)

// Worker drives the claim-dispatch cycle for the projection queue.
type Worker struct {
	store        *postgres.Store
	dispatcher   *Dispatcher
	cache        *freshness.Cache
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
	useBatch     bool
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// WorkerConfig holds worker configuration. Cache is optional.
type WorkerConfig struct {
	Store             *postgres.Store
	Dispatcher        *Dispatcher
	Cache             *freshness.Cache
	Logger            *zap.Logger
	PollInterval      time.Duration
	BatchSize         int
	UseBatchProcessor bool
}

// NewWorker creates a projection worker.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Worker{
		store:        cfg.Store,
		dispatcher:   cfg.Dispatcher,
		cache:        cfg.Cache,
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		useBatch:     cfg.UseBatchProcessor,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start runs the polling loop until the context is cancelled or Stop is
// called. A cycle that moved nothing sleeps one poll interval; anything else
// polls again immediately to drain the backlog.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("starting projection worker",
		zap.Duration("poll_interval", w.pollInterval),
		zap.Int("batch_size", w.batchSize),
		zap.Bool("batch_processor", w.useBatch),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("projection worker stopping due to context cancellation")
			close(w.doneCh)
			return nil
		case <-w.stopCh:
			w.logger.Info("projection worker stopping")
			close(w.doneCh)
			return nil
		default:
		}

		if w.runCycle(ctx) {
			continue
		}
		if !w.idle(ctx) {
			w.logger.Info("projection worker stopping")
			close(w.doneCh)
			return nil
		}
	}
}

// Stop gracefully stops the worker, letting an in-flight batch finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// runCycle claims and dispatches one batch. It reports whether the loop
// should poll again without idling first.
func (w *Worker) runCycle(ctx context.Context) bool {
	start := time.Now()

	batch, err := w.store.ClaimBatch(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("claim batch failed", zap.Error(err))
		return false
	}
	if len(batch) == 0 {
		return false
	}

	batchID := uuid.New()
	for _, ce := range batch {
		metrics.RecordClaimAttempts(ce.Attempts)
	}

	var processed, failed int
	if w.useBatch {
		processed, failed = w.dispatcher.Dispatch(ctx, batch)
	} else {
		processed, failed = w.dispatcher.DispatchEventwise(ctx, batch)
	}

	remaining, err := w.store.UnprocessedCount(ctx)
	if err != nil {
		w.logger.Warn("count unprocessed failed", zap.Error(err))
		remaining = -1
	}

	w.logger.Info("projection batch complete",
		zap.String("batch_id", batchID.String()),
		zap.Int("claimed", len(batch)),
		zap.Int("processed", processed),
		zap.Int("failed", failed),
		zap.Int64("remaining", remaining),
		zap.Duration("duration", time.Since(start)),
	)
	metrics.RecordProjectionCycle(time.Since(start).Seconds(), remaining)

	if w.cache != nil {
		if err := w.cache.SyncFromDB(ctx, w.store); err != nil {
			w.logger.Warn("freshness sync failed", zap.Error(err))
		}
	}

	return processed+failed > 0
}

// idle waits one poll interval; false means shutdown was requested.
func (w *Worker) idle(ctx context.Context) bool {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
