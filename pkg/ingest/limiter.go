package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter throttles event submissions per anchor before any work is
// done on them. A denied submission is rejected with OVERLOADED, which
// hardware treats as retry-later.
type RateLimiter interface {
	Allow(ctx context.Context, anchorID string) bool
}

// LocalLimiter is an in-process token bucket per anchor, for single-node
// deployments.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rate    rate.Limit
	burst   int
}

// NewLocalLimiter allows eventsPerSec sustained with the given burst,
// independently per anchor.
func NewLocalLimiter(eventsPerSec float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		buckets: make(map[string]*rate.Limiter),
		rate:    rate.Limit(eventsPerSec),
		burst:   burst,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, anchorID string) bool {
	l.mu.Lock()
	b, ok := l.buckets[anchorID]
	if !ok {
		b = rate.NewLimiter(l.rate, l.burst)
		l.buckets[anchorID] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// redisTokenBucketScript runs the token bucket atomically in Redis so the
// limit holds across service instances.
// KEYS[1] = bucket key, ARGV = rate, capacity, cost, now (unix seconds).
var redisTokenBucketScript = redis.NewScript(`
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
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter is a Redis-backed distributed token bucket for multi-instance
// deployments. Fails open when Redis is unreachable: rate limiting is load
// protection, not a correctness gate.
type RedisLimiter struct {
	client   *redis.Client
	rate     float64
	capacity float64
	log      *slog.Logger
}

// NewRedisLimiter connects to addr and allows eventsPerSec sustained with
// the given burst capacity per anchor.
func NewRedisLimiter(addr, password string, db int, eventsPerSec float64, burst int, log *slog.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		rate:     eventsPerSec,
		capacity: float64(burst),
		log:      log,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, anchorID string) bool {
	key := "anchors:rate:" + anchorID
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(ctx, l.client,
		[]string{key}, l.rate, l.capacity, 1, now).Int()
	if err != nil {
		l.log.Warn("redis rate limiter unavailable, failing open", "error", err)
		return true
	}
	return res == 1
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error { return l.client.Close() }
