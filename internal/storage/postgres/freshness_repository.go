package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/otherjamesbrown/agent-telemetry/internal/freshness"
)

// PipelineIndicators derives freshness indicators for every org present in
// the queue.
func (s *Store) PipelineIndicators(ctx context.Context) ([]*freshness.Indicator, error) {
	statuses, err := s.PipelineStatuses(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	indicators := make([]*freshness.Indicator, 0, len(statuses))
	for _, st := range statuses {
		ind := &freshness.Indicator{
			OrgID:           st.OrgID,
			QueueDepth:      st.QueueDepth,
			OldestPendingAt: st.OldestPendingAt,
			LastInsertedAt:  st.LastInsertedAt,
			LastProcessedAt: st.LastProcessedAt,
		}
		ind.Derive(now)
		indicators = append(indicators, ind)
	}
	return indicators, nil
}

// PipelineIndicator derives the freshness indicator for a single org. Orgs
// with no queue history get a zero-depth, fresh indicator.
func (s *Store) PipelineIndicator(ctx context.Context, orgID string) (*freshness.Indicator, error) {
	ind := &freshness.Indicator{OrgID: orgID}
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE processed_at IS NULL) AS queue_depth,
		       MIN(inserted_at) FILTER (WHERE processed_at IS NULL) AS oldest_pending_at,
		       MAX(inserted_at) AS last_inserted_at,
		       MAX(processed_at) AS last_processed_at
		FROM events_queue
		WHERE org_id = $1
	`, orgID).Scan(&ind.QueueDepth, &ind.OldestPendingAt, &ind.LastInsertedAt, &ind.LastProcessedAt)
	if err != nil {
		return nil, fmt.Errorf("pipeline indicator: %w", err)
	}

	ind.Derive(time.Now().UTC())
	return ind, nil
}
