// Package ratelimit throttles enqueue requests per caller using a
// Redis-backed token bucket, so a burst of submissions from one client
// cannot flood the job queue.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a distributed token bucket keyed per caller.
type Limiter struct {
	client  *redis.Client
	prefix  string
	burst   int
	refill  float64 // tokens per second
	ttl     time.Duration
	nowFunc func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the wall clock, used in tests to exercise refill.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.nowFunc = now }
}

// New constructs a limiter allowing burst requests immediately and
// refilling at refillPerSecond. Idle buckets expire after ttl.
func New(client *redis.Client, burst int, refillPerSecond float64, ttl time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		client:  client,
		prefix:  "ratelimit:",
		burst:   burst,
		refill:  refillPerSecond,
		ttl:     ttl,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one token for the caller if available and reports the
// remaining token count.
func (l *Limiter) Allow(ctx context.Context, caller string) (bool, float64, error) {
	now := l.nowFunc().UnixMilli()
	res, err := takeScript.Run(ctx, l.client, []string{l.prefix + caller},
		l.burst, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("rate limit check: unexpected reply %v", res)
	}
	allowed := false
	if v, ok := arr[0].(int64); ok {
		allowed = v == 1
	}
	var remaining float64
	switch v := arr[1].(type) {
	case int64:
		remaining = float64(v)
	case float64:
		remaining = v
	case string:
		fmt.Sscanf(v, "%f", &remaining)
	}
	return allowed, remaining, nil
}

// The token count and last-refill timestamp live in one hash so the
// refill-and-take step is atomic across API replicas.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local burst = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'refilled_ms')
local tokens = tonumber(state[1])
local refilled = tonumber(state[2])
if tokens == nil then tokens = burst end
if refilled == nil then refilled = now end

local elapsed = math.max(0, now - refilled)
tokens = math.min(burst, tokens + elapsed / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'refilled_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
