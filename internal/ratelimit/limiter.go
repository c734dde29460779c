// Package ratelimit provides a Redis-backed token bucket used by the central
// collector to bound collection cycles per startup_id.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Policy is a simple token-bucket rate: RPM tokens refill per minute, up to
// Burst tokens banked.
type Policy struct {
	RPM   int
	Burst int
}

// tokenBucketScript atomically refills and consumes from a per-key bucket.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens/sec)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, float)
var tokenBucketScript = redis.NewScript(`
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
redis.call("EXPIRE", key, 120)

return {allowed, tokens}
`)

// Limiter enforces per-actor token-bucket limits backed by Redis.
type Limiter struct {
	client *redis.Client
}

// New creates a Limiter against the given Redis address.
func New(addr, password string, db int) *Limiter {
	return &Limiter{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewFromClient wraps an existing redis.Client, useful for tests with
// miniredis or a shared pool.
func NewFromClient(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow consumes one token from actorID's bucket under policy, returning
// false once the bucket is exhausted.
func (l *Limiter) Allow(ctx context.Context, actorID string, policy Policy) (bool, error) {
	key := fmt.Sprintf("vc:ratelimit:%s", actorID)

	rate := float64(policy.RPM) / 60.0
	if rate <= 0 {
		rate = 1.0
	}
	capacity := policy.Burst
	if capacity <= 0 {
		capacity = policy.RPM
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client, []string{key}, rate, capacity, 1, now).Result()
	if err != nil {
		// Fail open: a limiter outage must not block collection
		// cycles.
		return true, fmt.Errorf("ratelimit: redis error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return true, fmt.Errorf("ratelimit: unexpected script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
