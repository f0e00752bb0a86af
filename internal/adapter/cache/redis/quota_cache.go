// Package redis provides the cache-side mirror of the quota ledger.
//
// The cache is write-through and never authoritative for admission decisions
// that would commit quota: entries are written only after the durable
// transaction commits, and a stale or missing entry falls back to Postgres.
package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// QuotaCache mirrors QuotaSnapshot rows with a TTL.
type QuotaCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewQuotaCache constructs a QuotaCache over an existing client.
func NewQuotaCache(rdb *redis.Client, ttl time.Duration) *QuotaCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &QuotaCache{rdb: rdb, ttl: ttl}
}

func quotaKey(userID string) string { return "quota:" + userID }

// Get returns the cached snapshot and whether it was present.
func (c *QuotaCache) Get(ctx domain.Context, userID string) (domain.QuotaSnapshot, bool, error) {
	b, err := c.rdb.Get(ctx, quotaKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.QuotaSnapshot{}, false, nil
		}
		return domain.QuotaSnapshot{}, false, fmt.Errorf("op=quotacache.get: %w", err)
	}
	var q domain.QuotaSnapshot
	if err := json.Unmarshal(b, &q); err != nil {
		// Corrupt entries are treated as misses; the durable store wins.
		_ = c.rdb.Del(ctx, quotaKey(userID)).Err()
		return domain.QuotaSnapshot{}, false, nil
	}
	return q, true, nil
}

// Set writes a snapshot after the durable transaction committed.
func (c *QuotaCache) Set(ctx domain.Context, q domain.QuotaSnapshot) error {
	b, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("op=quotacache.set: %w", err)
	}
	if err := c.rdb.Set(ctx, quotaKey(q.UserID), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("op=quotacache.set: %w", err)
	}
	return nil
}

// Invalidate drops a user's entry, forcing the next read to Postgres.
func (c *QuotaCache) Invalidate(ctx domain.Context, userID string) error {
	if err := c.rdb.Del(ctx, quotaKey(userID)).Err(); err != nil {
		return fmt.Errorf("op=quotacache.invalidate: %w", err)
	}
	return nil
}
