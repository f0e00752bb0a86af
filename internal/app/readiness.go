package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface{ Ping(ctx context.Context) RedisPingResult }

// BusPinger is the minimal interface for a broker client capable of Ping.
type BusPinger interface{ Ping(ctx context.Context) error }

type goRedisAdapter struct{ c *redis.Client }

func (a goRedisAdapter) Ping(ctx context.Context) RedisPingResult { return a.c.Ping(ctx) }

// WrapRedis adapts a go-redis client to the RedisClient interface; the
// concrete Ping return type keeps the client from satisfying it directly.
func WrapRedis(c *redis.Client) RedisClient {
	if c == nil {
		return nil
	}
	return goRedisAdapter{c: c}
}

// BuildReadinessChecks returns three readiness checks: db, redis, and bus.
func BuildReadinessChecks(pool Pinger, rdb RedisClient, bus BusPinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	busCheck := func(ctx context.Context) error {
		if bus == nil {
			return fmt.Errorf("bus not configured")
		}
		return bus.Ping(ctx)
	}
	return dbCheck, redisCheck, busCheck
}
