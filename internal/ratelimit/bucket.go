// Package ratelimit implements per-user admission control as a leaky bucket
// held in Redis. The bucket drains continuously at a fixed rate; each accepted
// request adds one token. State is a small hash of token level and last-update
// time, mutated atomically by a single Lua script so concurrent submissions
// from the same user cannot race.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule describes one bucket: its capacity and how fast it leaks.
type Rule struct {
	Capacity       int
	LeakRatePerSec float64
}

// allowScript drains elapsed*rate tokens, floored at zero, then admits the
// request only when one more token still fits under capacity. The drained
// level is persisted on rejection too, so the bucket keeps leaking while a
// user is being throttled.
var allowScript = redis.NewScript(`
local data = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(data[1]) or 0
local ts = tonumber(data[2]) or tonumber(ARGV[3])
local elapsed = tonumber(ARGV[3]) - ts
if elapsed < 0 then elapsed = 0 end
tokens = tokens - elapsed * tonumber(ARGV[2])
if tokens < 0 then tokens = 0 end
local allowed = 0
if tokens + 1 <= tonumber(ARGV[1]) then
  tokens = tokens + 1
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return allowed
`)

// Limiter gatekeeps job creation. Buckets are created on first use and expire
// after an inactivity TTL.
type Limiter struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Tests use it to advance time without
// sleeping.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter builds a limiter on top of the shared Redis client.
func NewLimiter(rdb *redis.Client, opts ...Option) *Limiter {
	l := &Limiter{
		rdb:    rdb,
		prefix: "rl",
		ttl:    time.Hour,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether one more request fits in the caller's bucket. When the
// backing store is unavailable it fails closed: the request is rejected rather
// than admitted unbounded.
func (l *Limiter) Allow(ctx context.Context, key string, rule Rule) (bool, error) {
	if rule.Capacity <= 0 {
		return false, nil
	}
	now := float64(l.now().UnixMicro()) / 1e6
	ttlSec := int(l.ttl / time.Second)

	res, err := allowScript.Run(ctx, l.rdb,
		[]string{fmt.Sprintf("%s:%s", l.prefix, key)},
		rule.Capacity,
		rule.LeakRatePerSec,
		fmt.Sprintf("%.6f", now),
		ttlSec,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("ratelimit: %w", err)
	}
	return res == 1, nil
}
