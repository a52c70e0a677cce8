package projection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/otherjamesbrown/agent-telemetry/internal/event"
	"github.com/otherjamesbrown/agent-telemetry/internal/metrics"
	"github.com/otherjamesbrown/agent-telemetry/internal/storage/postgres"
)

// orphanMessage is recorded on queue rows that have no raw event behind them.
const orphanMessage = "event missing from events_raw"

var errSuperseded = errors.New("queue entry already processed")

// groupKey is the dispatch partition key. Events without a user form their
// own group per org.
type groupKey struct {
	orgID   string
	userID  string
	hasUser bool
}

func keyFor(ev *event.Envelope) groupKey {
	k := groupKey{orgID: ev.OrgID}
	if ev.UserID != nil {
		k.userID = *ev.UserID
		k.hasUser = true
	}
	return k
}

// Dispatcher projects claimed batches group by group: one transaction per
// partition key, row locks taken up front in the canonical order, one
// savepoint per event.
type Dispatcher struct {
	store       *postgres.Store
	projector   *Projector
	logger      *zap.Logger
	concurrency int
}

// NewDispatcher creates a dispatcher running at most concurrency group
// transactions at once.
func NewDispatcher(store *postgres.Store, projector *Projector, logger *zap.Logger, concurrency int) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{
		store:       store,
		projector:   projector,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Dispatch projects one claimed batch and reports how many events were
// processed and how many failed. Events another worker finished in the
// meantime count as neither.
func (d *Dispatcher) Dispatch(ctx context.Context, batch []postgres.ClaimedEvent) (int, int) {
	var processed, failed atomic.Int64

	live, orphans := d.failOrphans(ctx, batch)
	failed.Add(int64(orphans))

	groups := make(map[groupKey][]postgres.ClaimedEvent)
	var order []groupKey
	for _, ce := range live {
		k := keyFor(ce.Event)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], ce)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].orgID != order[j].orgID {
			return order[i].orgID < order[j].orgID
		}
		if order[i].hasUser != order[j].hasUser {
			return !order[i].hasUser
		}
		return order[i].userID < order[j].userID
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, k := range order {
		events := groups[k]
		g.Go(func() error {
			d.processGroup(gctx, events, &processed, &failed)
			return nil
		})
	}
	_ = g.Wait()

	return int(processed.Load()), int(failed.Load())
}

// DispatchEventwise projects each event in its own transaction without the
// up-front lock phase. Kept as an operational fallback behind configuration;
// the batch path is the default.
func (d *Dispatcher) DispatchEventwise(ctx context.Context, batch []postgres.ClaimedEvent) (int, int) {
	live, orphans := d.failOrphans(ctx, batch)
	processed, failed := 0, orphans

	for _, ce := range live {
		err := d.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
			if err := d.projector.Apply(ctx, tx, *ce.Event); err != nil {
				return err
			}
			ok, err := postgres.MarkProcessedTx(ctx, tx, ce.Key())
			if err != nil {
				return err
			}
			if !ok {
				return errSuperseded
			}
			return nil
		})
		switch {
		case err == nil:
			processed++
			metrics.RecordProjected(string(ce.Event.Type), "processed")
		case errors.Is(err, errSuperseded):
			// Another worker finished this event between our claim and now.
		default:
			if recErr := d.store.RecordFailures(context.WithoutCancel(ctx), []postgres.QueueKey{ce.Key()}, err.Error()); recErr != nil {
				d.logger.Error("failed to record event failure", zap.Error(recErr))
			}
			d.logger.Warn("projection failed for event",
				zap.String("org_id", ce.OrgID),
				zap.String("event_id", ce.EventID),
				zap.String("event_type", string(ce.Event.Type)),
				zap.Int("attempts", ce.Attempts),
				zap.Error(err),
			)
			failed++
			metrics.RecordProjected(string(ce.Event.Type), "failed")
		}
	}
	return processed, failed
}

// failOrphans records a permanent error on queue rows whose raw event is
// missing and filters them out of the batch. They deliberately stay
// unprocessed: marking them done would hide data loss from an incorrect
// enqueue.
func (d *Dispatcher) failOrphans(ctx context.Context, batch []postgres.ClaimedEvent) ([]postgres.ClaimedEvent, int) {
	live := make([]postgres.ClaimedEvent, 0, len(batch))
	var keys []postgres.QueueKey
	for _, ce := range batch {
		if ce.Event == nil {
			keys = append(keys, ce.Key())
			continue
		}
		live = append(live, ce)
	}
	if len(keys) == 0 {
		return live, 0
	}

	if err := d.store.RecordFailures(ctx, keys, orphanMessage); err != nil {
		d.logger.Error("failed to record orphaned queue rows", zap.Error(err))
	}
	for _, k := range keys {
		d.logger.Error("queue row has no raw event",
			zap.String("org_id", k.OrgID),
			zap.String("event_id", k.EventID),
		)
		metrics.RecordProjected("missing", "failed")
	}
	return live, len(keys)
}

type eventOutcome struct {
	eventType string
	result    string
}

// processGroup runs one partition's transaction end to end. Counters are
// only published after the transaction commits, so a late commit failure
// cannot overreport progress.
func (d *Dispatcher) processGroup(ctx context.Context, events []postgres.ClaimedEvent, processed, failed *atomic.Int64) {
	var outcomes []eventOutcome
	localProcessed, localFailed := 0, 0

	// The hint read runs on its own pool connection, so it must happen before
	// the transaction starts: a group holding its transaction connection while
	// waiting for a second one can exhaust the pool under load.
	set, err := d.buildLockSet(ctx, events)
	if err != nil {
		d.failGroup(ctx, events, err, failed)
		return
	}

	err = d.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := postgres.LockStatRows(ctx, tx, set); err != nil {
			return err
		}

		for _, ce := range events {
			status, evErr, txErr := d.applyOne(ctx, tx, ce)
			if txErr != nil {
				return txErr
			}
			switch status {
			case eventApplied:
				localProcessed++
				outcomes = append(outcomes, eventOutcome{string(ce.Event.Type), "processed"})
			case eventSuperseded:
				d.logger.Debug("event already processed elsewhere",
					zap.String("org_id", ce.OrgID),
					zap.String("event_id", ce.EventID),
				)
			case eventFailed:
				d.logger.Warn("projection failed for event",
					zap.String("org_id", ce.OrgID),
					zap.String("event_id", ce.EventID),
					zap.String("event_type", string(ce.Event.Type)),
					zap.Int("attempts", ce.Attempts),
					zap.Error(evErr),
				)
				localFailed++
				outcomes = append(outcomes, eventOutcome{string(ce.Event.Type), "failed"})
			}
		}
		return nil
	})
	if err != nil {
		d.failGroup(ctx, events, err, failed)
		return
	}

	processed.Add(int64(localProcessed))
	failed.Add(int64(localFailed))
	for _, o := range outcomes {
		metrics.RecordProjected(o.eventType, o.result)
	}
}

// failGroup handles a whole-group failure: everything reverted with the
// transaction, so the failure is stamped where the next claim can see it.
func (d *Dispatcher) failGroup(ctx context.Context, events []postgres.ClaimedEvent, err error, failed *atomic.Int64) {
	keys := make([]postgres.QueueKey, len(events))
	for i, ce := range events {
		keys[i] = ce.Key()
	}
	if recErr := d.store.RecordFailures(context.WithoutCancel(ctx), keys, err.Error()); recErr != nil {
		d.logger.Error("failed to record group failure", zap.Error(recErr))
	}
	d.logger.Error("projection group failed",
		zap.Int("events", len(events)),
		zap.Error(err),
	)
	failed.Add(int64(len(events)))
	for _, ce := range events {
		metrics.RecordProjected(string(ce.Event.Type), "failed")
	}
}

type eventStatus int

const (
	eventApplied eventStatus = iota
	eventSuperseded
	eventFailed
)

// applyOne projects one event under its own savepoint. evErr carries the
// projector failure recorded on the queue row; a non-nil txErr means the
// surrounding transaction is no longer usable and the group must abort.
func (d *Dispatcher) applyOne(ctx context.Context, tx pgx.Tx, ce postgres.ClaimedEvent) (status eventStatus, evErr error, txErr error) {
	sub, err := tx.Begin(ctx)
	if err != nil {
		return eventFailed, nil, fmt.Errorf("begin savepoint: %w", err)
	}

	evErr = d.projector.Apply(ctx, sub, *ce.Event)
	if evErr == nil {
		ok, markErr := postgres.MarkProcessedTx(ctx, sub, ce.Key())
		switch {
		case markErr != nil:
			evErr = markErr
		case !ok:
			if err := sub.Rollback(ctx); err != nil {
				return eventFailed, nil, fmt.Errorf("rollback superseded event: %w", err)
			}
			return eventSuperseded, nil, nil
		default:
			if err := sub.Commit(ctx); err != nil {
				return eventFailed, nil, fmt.Errorf("release savepoint: %w", err)
			}
			return eventApplied, nil, nil
		}
	}

	// Rolling back to the savepoint discards the event's writes and clears
	// the aborted state, so last_error can still be written in this
	// transaction.
	if err := sub.Rollback(ctx); err != nil {
		return eventFailed, evErr, fmt.Errorf("rollback savepoint: %w", err)
	}
	if err := postgres.MarkFailedTx(ctx, tx, ce.Key(), evErr.Error()); err != nil {
		return eventFailed, evErr, err
	}
	return eventFailed, evErr, nil
}

// buildLockSet folds in every read-model key the group's events will write,
// plus the hinted attribution days for sessions whose flag increments may
// land on their first-message day rather than the event's own day.
func (d *Dispatcher) buildLockSet(ctx context.Context, events []postgres.ClaimedEvent) (*postgres.LockSet, error) {
	set := postgres.NewLockSet()
	orgID := events[0].OrgID

	seen := make(map[string]struct{})
	sessionIDs := make([]string, 0, len(events))
	for _, ce := range events {
		lockKeysFor(set, *ce.Event)
		if _, ok := seen[ce.Event.SessionID]; !ok {
			seen[ce.Event.SessionID] = struct{}{}
			sessionIDs = append(sessionIDs, ce.Event.SessionID)
		}
	}

	hints, err := d.store.SessionHints(ctx, orgID, sessionIDs)
	if err != nil {
		return nil, err
	}
	hintBySession := make(map[string]postgres.SessionHint, len(hints))
	for _, h := range hints {
		hintBySession[h.SessionID] = h
		if h.FirstMessageAt != nil {
			day := event.DayOf(*h.FirstMessageAt)
			set.AddOrgDay(orgID, day)
			if h.UserID != nil {
				set.AddUserDay(orgID, *h.UserID, day)
			}
		}
	}
	// Flag increments fall back to the event's own day when the session has
	// no first message; cover the session user's row for that day too.
	for _, ce := range events {
		ev := ce.Event
		if ev.Type != event.TypeRunCompleted && ev.Type != event.TypeLocalHandoff {
			continue
		}
		if h, ok := hintBySession[ev.SessionID]; ok && h.UserID != nil {
			set.AddUserDay(orgID, *h.UserID, ev.Day())
		}
	}
	return set, nil
}

// lockKeysFor adds the statically known keys for one event.
func lockKeysFor(set *postgres.LockSet, ev event.Envelope) {
	day := ev.Day()
	switch ev.Type {
	case event.TypeMessageCreated:
		set.AddSession(ev.OrgID, ev.SessionID)
		set.AddOrgDay(ev.OrgID, day)
		if ev.UserID != nil {
			set.AddUserDay(ev.OrgID, *ev.UserID, day)
		}
	case event.TypeRunStarted:
		set.AddSession(ev.OrgID, ev.SessionID)
		if ev.RunID != nil {
			set.AddRun(ev.OrgID, *ev.RunID, ev.SessionID)
		}
	case event.TypeRunCompleted:
		set.AddSession(ev.OrgID, ev.SessionID)
		set.AddOrgDay(ev.OrgID, day)
		if ev.RunID != nil {
			set.AddRun(ev.OrgID, *ev.RunID, ev.SessionID)
		}
		if ev.UserID != nil {
			set.AddUserDay(ev.OrgID, *ev.UserID, day)
		}
	case event.TypeLocalHandoff:
		set.AddSession(ev.OrgID, ev.SessionID)
		set.AddOrgDay(ev.OrgID, day)
	}
}
