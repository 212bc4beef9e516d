package kernel

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript handles the token bucket algorithm atomically in Redis.
// KEYS[1] = bucket key (e.g. "limiter:user-123")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
// ARGV[5] = key ttl in seconds
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

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
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`)

// RedisLimiterStore implements LimiterStore using Redis so limits hold across replicas.
type RedisLimiterStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLimiterStore creates a store on a shared client.
func NewRedisLimiterStore(client redis.UniversalClient) *RedisLimiterStore {
	return &RedisLimiterStore{client: client, prefix: "limiter:"}
}

// Allow executes the Lua script to check and update the token bucket.
func (s *RedisLimiterStore) Allow(ctx context.Context, actorID string, policy BackpressurePolicy, cost int) (LimitDecision, error) {
	rate := policy.RatePerSecond()
	capacity := policy.Capacity()
	now := float64(time.Now().UnixMicro()) / 1e6
	// Keep the key until a drained bucket would have refilled.
	ttl := int(float64(capacity)/rate) + 1

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{s.prefix + actorID}, rate, capacity, cost, now, ttl).Result()
	if err != nil {
		return LimitDecision{}, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return LimitDecision{}, fmt.Errorf("invalid response from lua script")
	}
	allowedVal, _ := results[0].(int64)
	tokensStr, _ := results[1].(string)
	tokens, _ := strconv.ParseFloat(tokensStr, 64)

	if allowedVal == 1 {
		return LimitDecision{Allowed: true, Remaining: tokens}, nil
	}
	return LimitDecision{Remaining: tokens, RetryAfter: retryAfter(tokens, cost, rate)}, nil
}
