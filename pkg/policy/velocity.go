package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limit is a token bucket: Rate tokens per second up to Burst.
type Limit struct {
	Rate  float64 `yaml:"rate" json:"rate"`
	Burst int     `yaml:"burst" json:"burst"`
}

// LimiterStore holds token buckets keyed by actor.
type LimiterStore interface {
	// Allow reports whether key may spend cost tokens at now.
	Allow(ctx context.Context, key string, limit Limit, cost int, now time.Time) (bool, error)
}

// Velocity limits how often a payer may commit operations.
type Velocity struct {
	Store LimiterStore
	Limit Limit
}

func (v Velocity) Evaluate(ctx context.Context, in Context) (Decision, error) {
	if v.Store == nil {
		return Decision{}, fmt.Errorf("velocity: no limiter store configured")
	}
	ok, err := v.Store.Allow(ctx, in.Payer, v.Limit, 1, in.At)
	if err != nil {
		return Decision{}, fmt.Errorf("velocity check: %w", err)
	}
	if !ok {
		return Deny("velocity limit exceeded for " + in.Payer), nil
	}
	return Allowed, nil
}

// MemoryLimiterStore keeps one rate.Limiter per key in process.
type MemoryLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{limiters: make(map[string]*rate.Limiter)}
}

func (s *MemoryLimiterStore) Allow(_ context.Context, key string, limit Limit, cost int, now time.Time) (bool, error) {
	s.mu.Lock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst)
		s.limiters[key] = l
	}
	s.mu.Unlock()
	return l.AllowN(now, cost), nil
}

// redisTokenBucket refills and consumes a bucket atomically.
// KEYS[1] bucket key; ARGV rate, capacity, cost, now (seconds).
var redisTokenBucket = redis.NewScript(`
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

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, math.ceil(capacity / rate) + 60)
return allowed
`)

// RedisLimiterStore shares buckets between nodes through Redis.
type RedisLimiterStore struct {
	client redis.Scripter
	prefix string
}

// NewRedisLimiterStore wraps a client. Keys are stored as prefix + key.
func NewRedisLimiterStore(client redis.Scripter, prefix string) *RedisLimiterStore {
	if prefix == "" {
		prefix = "openibank:velocity:"
	}
	return &RedisLimiterStore{client: client, prefix: prefix}
}

func (s *RedisLimiterStore) Allow(ctx context.Context, key string, limit Limit, cost int, now time.Time) (bool, error) {
	r := limit.Rate
	if r <= 0 {
		r = 1
	}
	ts := float64(now.UnixMicro()) / 1e6
	n, err := redisTokenBucket.Run(ctx, s.client, []string{s.prefix + key}, r, limit.Burst, cost, ts).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return n == 1, nil
}
