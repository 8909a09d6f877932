package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// slidingLogScript trims, counts, appends and sets the key TTL in one atomic step.
//
// KEYS[1] sorted set of request timestamps (ms)
// ARGV[1] now (ms), ARGV[2] window (ms), ARGV[3] limit, ARGV[4] unique member
// Returns {allowed, remaining, retry_after_ms}.
const slidingLogScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	return {1, limit - count - 1, 0}
end

local retry = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
	retry = tonumber(oldest[2]) + window - now
end
redis.call('PEXPIRE', key, window)
return {0, 0, retry}
`

// RedisStore is the distributed sliding-log store.
type RedisStore struct {
	client redis.UniversalClient
	script *redis.Script
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, script: redis.NewScript(slidingLogScript)}
}

func (store *RedisStore) Hit(ctx context.Context, key string, limit Limit, now time.Time) (Decision, error) {
	nowMillis := now.UnixMilli()
	windowMillis := limit.Window.Milliseconds()
	if windowMillis <= 0 {
		windowMillis = 1
	}
	member := strconv.FormatInt(nowMillis, 10) + "-" + uuid.NewString()
	result, err := store.script.Run(ctx, store.client, []string{key}, nowMillis, windowMillis, limit.Requests, member).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %T", result)
	}
	allowed, okAllowed := values[0].(int64)
	remaining, okRemaining := values[1].(int64)
	retryMillis, okRetry := values[2].(int64)
	if !okAllowed || !okRemaining || !okRetry {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script values %v", values)
	}
	decision := Decision{Allowed: allowed == 1, Remaining: int(remaining)}
	if !decision.Allowed {
		decision.RetryAfter = time.Duration(retryMillis) * time.Millisecond
	}
	return decision, nil
}

// Ping verifies connectivity.
func (store *RedisStore) Ping(ctx context.Context) error {
	return store.client.Ping(ctx).Err()
}

// Close releases the client.
func (store *RedisStore) Close() error {
	return store.client.Close()
}
