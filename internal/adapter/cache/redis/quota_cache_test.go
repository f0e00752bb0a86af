package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

func newTestCache(t *testing.T, ttl time.Duration) (*QuotaCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewQuotaCache(rdb, ttl), mr
}

func TestQuotaCache_RoundTrip(t *testing.T) {
	t.Parallel()
	c, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	snap := domain.QuotaSnapshot{
		UserID:       "u-1",
		Limit:        100,
		Used:         7,
		LastSyncedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, c.Set(ctx, snap))

	got, ok, err := c.Get(ctx, "u-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.Limit, got.Limit)
	assert.Equal(t, snap.Used, got.Used)
	assert.True(t, snap.LastSyncedAt.Equal(got.LastSyncedAt))

	// Entries carry the configured TTL.
	assert.Equal(t, time.Minute, mr.TTL("quota:u-1"))
}

func TestQuotaCache_Miss(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, time.Minute)

	_, ok, err := c.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuotaCache_Expiry(t *testing.T) {
	t.Parallel()
	c, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, domain.QuotaSnapshot{UserID: "u-1", Limit: 10}))
	mr.FastForward(time.Minute + time.Second)

	_, ok, err := c.Get(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuotaCache_CorruptEntryIsAMiss(t *testing.T) {
	t.Parallel()
	c, mr := newTestCache(t, time.Minute)
	require.NoError(t, mr.Set("quota:u-1", "not json"))

	_, ok, err := c.Get(context.Background(), "u-1")
	require.NoError(t, err)
	assert.False(t, ok)
	// The bad entry is dropped so the next write starts clean.
	assert.False(t, mr.Exists("quota:u-1"))
}

func TestQuotaCache_Invalidate(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, domain.QuotaSnapshot{UserID: "u-1", Limit: 10}))
	require.NoError(t, c.Invalidate(ctx, "u-1"))

	_, ok, err := c.Get(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
