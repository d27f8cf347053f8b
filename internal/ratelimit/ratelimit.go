// Copyright 2025 James Ross
// Package ratelimit implements the atomic token-bucket rate limiter
// keyed by credential id or client address. The
// refill-and-consume sequence runs as a single Lua script so
// concurrent replicas never race on the read-modify-write.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flyingrobots/eventrelay/internal/config"
	"github.com/flyingrobots/eventrelay/internal/faststore"
)

// tokenBucketScript atomically loads (tokens, last_ts), refills, and
// consumes one token if available. KEYS[1]=tokens key, KEYS[2]=ts key.
// ARGV: rate, capacity, now, ttl_seconds.
var tokenBucketScript = redis.NewScript(`
local tokens_key = KEYS[1]
local ts_key = KEYS[2]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = tonumber(redis.call("GET", tokens_key))
local last_ts = tonumber(redis.call("GET", ts_key))
if tokens == nil or last_ts == nil then
	tokens = capacity
	last_ts = now
end

local elapsed = now - last_ts
if elapsed < 0 then elapsed = 0 end
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call("SET", tokens_key, tostring(tokens), "EX", ttl)
redis.call("SET", ts_key, tostring(now), "EX", ttl)

return {allowed, tostring(tokens)}
`)

// Result carries the decision plus the response headers the HTTP
// layer must always attach.
type Result struct {
	Allowed   bool
	Limit     float64
	Remaining float64
	ResetAt   time.Time
}

// Limiter implements the atomic token bucket over the fast store.
type Limiter struct {
	rdb *redis.Client
	cfg config.RateLimiter
}

func New(fast *faststore.Store, cfg config.RateLimiter) *Limiter {
	return &Limiter{rdb: fast.Raw(), cfg: cfg}
}

// Allow atomically checks and consumes one token for key (credential
// id or client address), using rate/capacity overrides when > 0.
func (l *Limiter) Allow(ctx context.Context, key string, rateOverride, capacityOverride float64) (Result, error) {
	rate := l.cfg.DefaultRatePerSec
	if rateOverride > 0 {
		rate = rateOverride
	}
	capacity := l.cfg.DefaultCapacity
	if capacityOverride > 0 {
		capacity = capacityOverride
	}

	tokensKey := faststore.KeyRateLimitTokensPrefix + key
	tsKey := faststore.KeyRateLimitTSPrefix + key
	now := float64(time.Now().UnixNano()) / 1e9
	ttl := int(l.cfg.StateTTL.Seconds())
	if ttl <= 0 {
		ttl = 3600
	}

	res, err := tokenBucketScript.Run(ctx, l.rdb, []string{tokensKey, tsKey}, rate, capacity, now, ttl).Result()
	if err != nil {
		return Result{}, fmt.Errorf("run token bucket script: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Result{}, fmt.Errorf("unexpected token bucket script result")
	}
	allowed := fmt.Sprintf("%v", vals[0]) == "1"
	var remaining float64
	fmt.Sscanf(fmt.Sprintf("%v", vals[1]), "%f", &remaining)

	deficit := capacity - remaining
	var resetSeconds float64
	if rate > 0 {
		resetSeconds = deficit / rate
	}
	resetAt := time.Now().Add(time.Duration(resetSeconds * float64(time.Second)))

	return Result{
		Allowed:   allowed,
		Limit:     capacity,
		Remaining: math.Floor(remaining),
		ResetAt:   resetAt,
	}, nil
}
