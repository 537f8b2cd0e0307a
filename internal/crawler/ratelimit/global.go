// Package ratelimit implements the two layers of request throttling shared
// across cooperating crawler processes: a Redis-backed global token bucket
// (GlobalRateLimiter) and a per-process adaptive delay controller
// (AdaptiveDelayer).
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript is byte-identical to the Lua script used by cooperating
// workers in other languages sharing the same Redis key — any
// reimplementation must match it exactly so every process observes the same
// refill and spend semantics.
const tokenBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])

if rate <= 0 or burst <= 0 then
    return 1
end

local bucket = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])

if tokens == nil then
    tokens = burst
    ts = now_ms
end

local elapsed = now_ms - ts
if elapsed > 0 then
    local refill = elapsed * rate / 1000
    if refill > 0 then
        tokens = math.min(burst, tokens + refill)
        ts = now_ms
    end
end

if tokens < requested then
    redis.call('HMSET', key, 'tokens', tokens, 'ts', ts)
    redis.call('PEXPIRE', key, math.ceil(burst / rate * 2000))
    return 0
end

tokens = tokens - requested
redis.call('HMSET', key, 'tokens', tokens, 'ts', ts)
redis.call('PEXPIRE', key, math.ceil(burst / rate * 2000))
return 1
`

// GlobalRateLimiter acquires tokens from a Redis hash shared by every
// cooperating crawler process, regardless of implementation language.
type GlobalRateLimiter struct {
	client    *redis.Client
	script    *redis.Script
	key       string
	rate      float64
	burst     float64
}

// NewGlobalRateLimiter builds a limiter against the given Redis client and
// namespace. rate is tokens per second; burst is bucket capacity. A rate or
// burst of zero disables throttling entirely (every acquire succeeds).
func NewGlobalRateLimiter(client *redis.Client, namespace string, rate, burst float64) *GlobalRateLimiter {
	return &GlobalRateLimiter{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		key:    fmt.Sprintf("%s:ratelimit:global", namespace),
		rate:   rate,
		burst:  burst,
	}
}

// Acquire attempts to take n tokens from the bucket, returning whether the
// acquisition succeeded.
func (l *GlobalRateLimiter) Acquire(ctx context.Context, n float64) (bool, error) {
	nowMS := time.Now().UnixMilli()
	result, err := l.script.Run(ctx, l.client, []string{l.key}, l.rate, l.burst, n, nowMS).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: acquire: %w", err)
	}
	return result == 1, nil
}

// ErrRateLimitTimeout is returned by WaitForToken when the timeout elapses
// without acquiring a token.
var ErrRateLimitTimeout = fmt.Errorf("ratelimit: timeout waiting for token")

// WaitForToken polls Acquire with capped exponential backoff between
// attempts until a token is granted or timeout elapses.
func (l *GlobalRateLimiter) WaitForToken(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	attempt := 0
	for {
		ok, err := l.Acquire(ctx, 1)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrRateLimitTimeout
		}

		backoff := time.Duration(math.Min(0.1*math.Pow(1.5, float64(attempt)), 1.0) * float64(time.Second))
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		attempt++
	}
}

// BucketStatus is a point-in-time read of the shared bucket, for
// diagnostics only — it does not consume a token.
type BucketStatus struct {
	Tokens float64
	Rate   float64
	Burst  float64
}

// GetBucketStatus reads the current token count without consuming one.
func (l *GlobalRateLimiter) GetBucketStatus(ctx context.Context) (BucketStatus, error) {
	vals, err := l.client.HMGet(ctx, l.key, "tokens", "ts").Result()
	if err != nil {
		return BucketStatus{}, fmt.Errorf("ratelimit: get bucket status: %w", err)
	}
	tokens := l.burst
	if vals[0] != nil {
		if s, ok := vals[0].(string); ok {
			fmt.Sscanf(s, "%g", &tokens)
		}
	}
	return BucketStatus{Tokens: tokens, Rate: l.rate, Burst: l.burst}, nil
}
