// Package ratelimit provides a broker-backed token-bucket limiter shared by
// every worker process, used to pace outbound LLM requests.
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter gates an action under a named bucket. Cost is in requests.
type Limiter interface {
	Allow(ctx context.Context, bucket string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// Bucket holds the capacity and refill rate of one token bucket.
type Bucket struct {
	Capacity   int64
	RefillRate float64 // tokens per second
}

// PerMinute builds a bucket that admits n requests per minute.
func PerMinute(n int) Bucket {
	if n <= 0 {
		return Bucket{}
	}
	return Bucket{Capacity: int64(n), RefillRate: float64(n) / 60.0}
}

// tokenBucketScript refills lazily on each call, so idle buckets cost nothing.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

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

local allowed = 0
local retry_after = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
elseif refill_rate > 0 then
  retry_after = (cost - tokens) / refill_rate
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", now)
redis.call("EXPIRE", key, 3600)

return { allowed, tostring(retry_after) }
`

// RedisLimiter is a Lua token bucket on Redis. A nil limiter allows everything.
type RedisLimiter struct {
	rdb     redis.UniversalClient
	buckets map[string]Bucket
	script  *redis.Script
}

// New constructs a limiter with a fixed bucket table.
func New(rdb redis.UniversalClient, buckets map[string]Bucket) *RedisLimiter {
	if rdb == nil {
		return nil
	}
	if buckets == nil {
		buckets = map[string]Bucket{}
	}
	return &RedisLimiter{rdb: rdb, buckets: buckets, script: redis.NewScript(tokenBucketScript)}
}

// Allow consumes cost tokens from the named bucket. Unknown buckets and
// broker errors fail open so a limiter outage never halts the pipeline.
func (l *RedisLimiter) Allow(ctx context.Context, bucket string, cost int64) (bool, time.Duration, error) {
	if l == nil || l.rdb == nil {
		return true, 0, nil
	}
	cfg, ok := l.buckets[bucket]
	if !ok || cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}

	nowSec := float64(time.Now().UnixNano()) / 1e9
	res, err := l.script.Run(ctx, l.rdb, []string{"ratelimit:" + bucket},
		cfg.Capacity, cfg.RefillRate, nowSec, cost).Result()
	if err != nil {
		slog.Error("rate limiter script error", slog.String("bucket", bucket), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("rate limiter unexpected script result", slog.String("bucket", bucket), slog.Any("result", res))
		return true, 0, nil
	}
	allowed := asInt64(vals[0]) == 1
	retryAfter := time.Duration(asFloat64(vals[1]) * float64(time.Second))
	return allowed, retryAfter, nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		return 0
	default:
		return 0
	}
}

func asFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case int64:
		return float64(t)
	case float64:
		return t
	default:
		return 0
	}
}
