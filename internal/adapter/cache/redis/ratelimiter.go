package redis

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SubmitLimiter is a per-user token bucket shared across API instances.
// State lives in Redis so a user cannot multiply their budget by spreading
// submissions over replicas. Redis errors fail open; quota enforcement in
// Postgres is the hard backstop.
type SubmitLimiter struct {
	rdb        *redis.Client
	capacity   int64
	refillRate float64
	script     *redis.Script
}

const luaTokenBucket = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)
last_refill = now

local allowed = 0
local retry_after = 0

if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
elseif refill_rate > 0 then
  retry_after = (1 - tokens) / refill_rate
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 3600)

return { allowed, retry_after }
`

// NewSubmitLimiter constructs a limiter allowing perMinute submissions per
// user with burst capacity equal to one minute's budget. A non-positive
// perMinute disables limiting.
func NewSubmitLimiter(rdb *redis.Client, perMinute int) *SubmitLimiter {
	if rdb == nil || perMinute <= 0 {
		return nil
	}
	return &SubmitLimiter{
		rdb:        rdb,
		capacity:   int64(perMinute),
		refillRate: float64(perMinute) / 60.0,
		script:     redis.NewScript(luaTokenBucket),
	}
}

// Allow consumes one token for the user. When denied, retryAfter tells the
// caller how long until the next token accrues.
func (l *SubmitLimiter) Allow(ctx context.Context, userID string) (allowed bool, retryAfter time.Duration, err error) {
	if l == nil || l.rdb == nil {
		return true, 0, nil
	}

	nowSec := float64(time.Now().UnixNano()) / 1e9
	res, err := l.script.Run(ctx, l.rdb, []string{"rate:submit:" + userID},
		l.capacity, l.refillRate, nowSec).Result()
	if err != nil {
		slog.Error("submit limiter script error", slog.String("user_id", userID), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("submit limiter unexpected script result", slog.Any("result", res))
		return true, 0, nil
	}

	allowed = asInt64(vals[0]) == 1
	retryAfter = time.Duration(asFloat64(vals[1]) * float64(time.Second))
	return allowed, retryAfter, nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func asFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		// Lua floats come back as strings in some reply modes.
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}
