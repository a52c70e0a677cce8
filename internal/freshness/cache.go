// Package freshness provides Redis-backed caching for pipeline freshness
// indicators.
//
// Purpose:
//   This package caches per-org pipeline status derived from the projection
//   queue in Redis for fast lookups by the API. The projection worker syncs
//   it after every batch and entries expire on a TTL so a stalled worker
//   cannot serve stale indicators forever.
//
package freshness

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Freshness status buckets, derived from how long the oldest unprocessed
// event has been waiting.
const (
	StatusFresh   = "fresh"
	StatusStale   = "stale"
	StatusDelayed = "delayed"
)

// Cache provides Redis-backed freshness caching.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// Config holds cache configuration.
type Config struct {
	Client *redis.Client
	Logger *zap.Logger
	TTL    time.Duration
}

// NewCache creates a new freshness cache.
func NewCache(cfg Config) *Cache {
	return &Cache{
		client: cfg.Client,
		logger: cfg.Logger,
		ttl:    cfg.TTL,
	}
}

// Indicator represents pipeline freshness for one org.
type Indicator struct {
	OrgID           string     `json:"org_id"`
	QueueDepth      int64      `json:"queue_depth"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
	LastInsertedAt  *time.Time `json:"last_inserted_at,omitempty"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
	LagSeconds      int        `json:"lag_seconds"`
	Status          string     `json:"status"`
}

// Derive fills LagSeconds and Status from the pending backlog as of now.
// An empty backlog is always fresh.
func (i *Indicator) Derive(now time.Time) {
	lag := 0
	if i.OldestPendingAt != nil {
		lag = int(now.Sub(*i.OldestPendingAt).Seconds())
		if lag < 0 {
			lag = 0
		}
	}
	i.LagSeconds = lag
	i.Status = StatusFor(lag)
}

// StatusFor buckets a projection lag in seconds.
func StatusFor(lagSeconds int) string {
	switch {
	case lagSeconds < 300:
		return StatusFresh
	case lagSeconds < 600:
		return StatusStale
	default:
		return StatusDelayed
	}
}

// Get retrieves a freshness indicator from cache. A cache miss returns
// (nil, nil).
func (c *Cache) Get(ctx context.Context, orgID string) (*Indicator, error) {
	data, err := c.client.Get(ctx, c.key(orgID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var indicator Indicator
	if err := json.Unmarshal([]byte(data), &indicator); err != nil {
		return nil, fmt.Errorf("unmarshal indicator: %w", err)
	}

	return &indicator, nil
}

// Set stores a freshness indicator in cache.
func (c *Cache) Set(ctx context.Context, indicator *Indicator) error {
	data, err := json.Marshal(indicator)
	if err != nil {
		return fmt.Errorf("marshal indicator: %w", err)
	}

	if err := c.client.Set(ctx, c.key(indicator.OrgID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// SyncFromDB refreshes cached indicators from the queue tables.
func (c *Cache) SyncFromDB(ctx context.Context, store PipelineRepository) error {
	indicators, err := store.PipelineIndicators(ctx)
	if err != nil {
		return fmt.Errorf("pipeline indicators: %w", err)
	}

	for _, indicator := range indicators {
		if err := c.Set(ctx, indicator); err != nil {
			c.logger.Warn("failed to cache freshness indicator",
				zap.String("org_id", indicator.OrgID),
				zap.Error(err),
			)
			// Continue syncing other indicators
		}
	}

	c.logger.Debug("synced freshness cache",
		zap.Int("count", len(indicators)),
	)

	return nil
}

// key generates the Redis key for an org.
func (c *Cache) key(orgID string) string {
	return fmt.Sprintf("telemetry:pipeline:%s", orgID)
}

// PipelineRepository defines methods for deriving indicators from the
// database.
type PipelineRepository interface {
	PipelineIndicators(ctx context.Context) ([]*Indicator, error)
}
