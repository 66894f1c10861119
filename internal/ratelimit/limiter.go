package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Limiter is a Redis token bucket keyed per subject, shared by every API
// replica. It bounds how often one owner may request document protection.
type Limiter struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	now      func() time.Time
}

// NewLimiter constructs a limiter with the provided capacity and refill rate.
func NewLimiter(client *redis.Client, prefix string, capacity int, refillPerSecond float64) *Limiter {
	return &Limiter{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		now:      time.Now,
	}
}

// ttl keeps an idle bucket around until it would be full again.
func (l *Limiter) ttl() time.Duration {
	if l.refill <= 0 {
		return time.Hour
	}
	return time.Duration(float64(l.capacity)/l.refill*float64(time.Second)) + time.Second
}

// Allow consumes a single token for subject if one is available.
func (l *Limiter) Allow(ctx context.Context, subject string) (Decision, error) {
	key := l.prefix + ":" + subject
	res, err := bucketScript.Run(ctx, l.client, []string{key},
		l.capacity, l.refill, l.now().UnixMilli(), l.ttl().Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", subject, err)
	}
	if len(res) < 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", subject, res)
	}
	allowed, _ := res[0].(int64)
	// Lua numbers come back truncated to integers; milli-tokens keep precision.
	milli, _ := res[1].(int64)
	d := Decision{Allowed: allowed == 1, Remaining: float64(milli) / 1000}
	if !d.Allowed && l.refill > 0 {
		missing := 1 - d.Remaining
		d.RetryAfter = time.Duration(math.Ceil(missing/l.refill*1000)) * time.Millisecond
	}
	return d, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens * 1000)}
`)
