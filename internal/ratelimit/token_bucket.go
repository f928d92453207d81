package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix = "tidyimg:ratelimit"
	anonymousSubject = "anonymous"
)

// Decision is the outcome of charging one request against a subject's bucket.
type Decision struct {
	Cost       int
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// The bucket lives in one hash per subject: "tokens" (fractional) and "ts"
// (last refill, unix ms). Returns {allowed, floor(tokens), retry_after_ms}.
var takeTokens = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - ts) * rate)

local allowed = 0
local wait = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  wait = math.ceil((cost - tokens) / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, math.floor(tokens), wait}
`)

// RedisTokenBucket is a weighted token bucket shared by every API replica.
// A full bucket holds capacity tokens and refills completely over one window.
type RedisTokenBucket struct {
	client    redis.UniversalClient
	capacity  int64
	perMilli  float64
	ttl       time.Duration
	keyPrefix string
	now       func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*RedisTokenBucket, error) {
	switch {
	case client == nil:
		return nil, errors.New("redis client is required")
	case capacity <= 0:
		return nil, errors.New("capacity must be positive")
	case window <= 0:
		return nil, errors.New("window must be positive")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = DefaultKeyPrefix
	}

	return &RedisTokenBucket{
		client:    client,
		capacity:  int64(capacity),
		perMilli:  float64(capacity) / float64(max(window.Milliseconds(), 1)),
		ttl:       2 * window,
		keyPrefix: strings.TrimSuffix(keyPrefix, ":"),
		now:       time.Now,
	}, nil
}

// AllowN charges cost tokens. Costs are clamped to [1, capacity] so that an
// expensive operation can still pass on a full bucket.
func (l *RedisTokenBucket) AllowN(ctx context.Context, subject string, cost int) (Decision, error) {
	cost = l.clampCost(cost)

	values, err := takeTokens.Run(ctx, l.client,
		[]string{l.key(subject)},
		l.capacity,
		l.perMilli,
		l.now().UTC().UnixMilli(),
		cost,
		l.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("take %d tokens: %w", cost, err)
	}
	if len(values) != 3 {
		return Decision{}, fmt.Errorf("token bucket returned %d values, want 3", len(values))
	}

	return Decision{
		Cost:       cost,
		Allowed:    values[0] == 1,
		Remaining:  values[1],
		RetryAfter: time.Duration(values[2]) * time.Millisecond,
	}, nil
}

func (l *RedisTokenBucket) clampCost(cost int) int {
	return int(min(max(int64(cost), 1), l.capacity))
}

func (l *RedisTokenBucket) key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = anonymousSubject
	}
	return l.keyPrefix + ":" + subject
}
