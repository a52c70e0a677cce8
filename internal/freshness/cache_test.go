package freshness

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cache := NewCache(Config{
		Client: client,
		Logger: zap.NewNop(),
		TTL:    time.Minute,
	})
	return cache, mr
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		lag  int
		want string
	}{
		{0, StatusFresh},
		{299, StatusFresh},
		{300, StatusStale},
		{599, StatusStale},
		{600, StatusDelayed},
		{86400, StatusDelayed},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.lag), "lag %d", tt.lag)
	}
}

func TestIndicator_Derive(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("empty backlog is fresh", func(t *testing.T) {
		ind := &Indicator{OrgID: "org-1"}
		ind.Derive(now)
		assert.Equal(t, 0, ind.LagSeconds)
		assert.Equal(t, StatusFresh, ind.Status)
	})

	t.Run("lag measured from oldest pending event", func(t *testing.T) {
		oldest := now.Add(-450 * time.Second)
		ind := &Indicator{OrgID: "org-1", QueueDepth: 12, OldestPendingAt: &oldest}
		ind.Derive(now)
		assert.Equal(t, 450, ind.LagSeconds)
		assert.Equal(t, StatusStale, ind.Status)
	})

	t.Run("future pending timestamp clamps to zero", func(t *testing.T) {
		future := now.Add(30 * time.Second)
		ind := &Indicator{OrgID: "org-1", OldestPendingAt: &future}
		ind.Derive(now)
		assert.Equal(t, 0, ind.LagSeconds)
		assert.Equal(t, StatusFresh, ind.Status)
	})

	t.Run("long backlog is delayed", func(t *testing.T) {
		oldest := now.Add(-2 * time.Hour)
		ind := &Indicator{OrgID: "org-1", OldestPendingAt: &oldest}
		ind.Derive(now)
		assert.Equal(t, 7200, ind.LagSeconds)
		assert.Equal(t, StatusDelayed, ind.Status)
	})
}

func TestCache_SetGet(t *testing.T) {
	cache, mr := setupCache(t)
	ctx := context.Background()

	oldest := time.Date(2025, 3, 10, 11, 55, 0, 0, time.UTC)
	ind := &Indicator{
		OrgID:           "org-1",
		QueueDepth:      7,
		OldestPendingAt: &oldest,
		LagSeconds:      310,
		Status:          StatusStale,
	}
	require.NoError(t, cache.Set(ctx, ind))

	got, err := cache.Get(ctx, "org-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "org-1", got.OrgID)
	assert.Equal(t, int64(7), got.QueueDepth)
	assert.Equal(t, 310, got.LagSeconds)
	assert.Equal(t, StatusStale, got.Status)
	require.NotNil(t, got.OldestPendingAt)
	assert.True(t, got.OldestPendingAt.Equal(oldest))

	// Keys are namespaced per org.
	assert.True(t, mr.Exists("telemetry:pipeline:org-1"))
}

func TestCache_GetMissReturnsNil(t *testing.T) {
	cache, _ := setupCache(t)

	got, err := cache.Get(context.Background(), "org-unknown")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCache_EntriesExpire(t *testing.T) {
	cache, mr := setupCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, &Indicator{OrgID: "org-1", Status: StatusFresh}))

	ttl := mr.TTL("telemetry:pipeline:org-1")
	assert.Equal(t, time.Minute, ttl)

	mr.FastForward(2 * time.Minute)

	got, err := cache.Get(ctx, "org-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// fakeRepository returns a fixed indicator set.
type fakeRepository struct {
	indicators []*Indicator
	err        error
}

func (f *fakeRepository) PipelineIndicators(ctx context.Context) ([]*Indicator, error) {
	return f.indicators, f.err
}

func TestCache_SyncFromDB(t *testing.T) {
	cache, _ := setupCache(t)
	ctx := context.Background()

	repo := &fakeRepository{indicators: []*Indicator{
		{OrgID: "org-1", QueueDepth: 3, Status: StatusFresh},
		{OrgID: "org-2", QueueDepth: 0, Status: StatusFresh},
	}}
	require.NoError(t, cache.SyncFromDB(ctx, repo))

	for _, orgID := range []string{"org-1", "org-2"} {
		got, err := cache.Get(ctx, orgID)
		require.NoError(t, err)
		require.NotNil(t, got, "expected %s cached", orgID)
	}
}

func TestCache_SyncFromDBPropagatesRepositoryError(t *testing.T) {
	cache, _ := setupCache(t)

	repo := &fakeRepository{err: assert.AnError}
	err := cache.SyncFromDB(context.Background(), repo)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}
