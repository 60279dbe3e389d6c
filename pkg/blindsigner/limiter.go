package blindsigner

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateLimitScript implements a token bucket atomically in Redis so
// concurrent signer instances share one rate limit per caller rather than
// each enforcing its own in-process bucket.
//
// KEYS[1] = bucket key ("blindsigner:<callerId>")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (burst size)
// ARGV[3] = cost (tokens to consume, normally 1)
// ARGV[4] = current unix time in seconds, fractional
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RateLimiter enforces the per-caller token bucket described in spec §4.2:
// default 50/s sustained, 200 burst.
type RateLimiter struct {
	client    *redis.Client
	sustained float64
	burst     float64
}

// NewRateLimiter builds a limiter against an already-configured Redis
// client. sustained is tokens/sec, burst is bucket capacity.
func NewRateLimiter(client *redis.Client, sustained, burst float64) *RateLimiter {
	return &RateLimiter{client: client, sustained: sustained, burst: burst}
}

// Allow consumes one token from callerID's bucket, returning false once the
// bucket is exhausted (the caller should return rate_limited, not retry
// with backoff).
func (l *RateLimiter) Allow(ctx context.Context, callerID string) (bool, error) {
	key := fmt.Sprintf("blindsigner:%s", callerID)
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := rateLimitScript.Run(ctx, l.client, []string{key}, l.sustained, l.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("blindsigner: rate limit script: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("blindsigner: unexpected rate limit script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
