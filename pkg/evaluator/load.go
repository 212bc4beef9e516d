package evaluator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
)

// LoadState counts in-flight executions per engine. Decrement never takes a
// counter below zero.
type LoadState interface {
	Increment(ctx context.Context, engine contracts.EngineID) (int64, error)
	Decrement(ctx context.Context, engine contracts.EngineID) (int64, error)
	Active(ctx context.Context, engine contracts.EngineID) (int64, error)
	Ping(ctx context.Context) error
}

// MemoryLoadState keeps counters in process.
type MemoryLoadState struct {
	counters sync.Map // contracts.EngineID -> *atomic.Int64
}

func NewMemoryLoadState() *MemoryLoadState {
	return &MemoryLoadState{}
}

func (s *MemoryLoadState) counter(engine contracts.EngineID) *atomic.Int64 {
	if c, ok := s.counters.Load(engine); ok {
		return c.(*atomic.Int64)
	}
	c, _ := s.counters.LoadOrStore(engine, new(atomic.Int64))
	return c.(*atomic.Int64)
}

func (s *MemoryLoadState) Increment(_ context.Context, engine contracts.EngineID) (int64, error) {
	return s.counter(engine).Add(1), nil
}

func (s *MemoryLoadState) Decrement(_ context.Context, engine contracts.EngineID) (int64, error) {
	c := s.counter(engine)
	for {
		cur := c.Load()
		if cur <= 0 {
			return 0, nil
		}
		if c.CompareAndSwap(cur, cur-1) {
			return cur - 1, nil
		}
	}
}

func (s *MemoryLoadState) Active(_ context.Context, engine contracts.EngineID) (int64, error) {
	return s.counter(engine).Load(), nil
}

func (s *MemoryLoadState) Ping(context.Context) error { return nil }

// decrementFloorScript decrements KEYS[1] but never below zero.
var decrementFloorScript = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v <= 0 then
    redis.call("SET", KEYS[1], 0)
    return 0
end
return redis.call("DECR", KEYS[1])
`)

// RedisLoadState shares counters between replicas.
type RedisLoadState struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLoadState(client redis.UniversalClient) *RedisLoadState {
	return &RedisLoadState{client: client, prefix: "load:"}
}

func (s *RedisLoadState) key(engine contracts.EngineID) string {
	return s.prefix + string(engine)
}

func (s *RedisLoadState) Increment(ctx context.Context, engine contracts.EngineID) (int64, error) {
	n, err := s.client.Incr(ctx, s.key(engine)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis load increment: %w", err)
	}
	return n, nil
}

func (s *RedisLoadState) Decrement(ctx context.Context, engine contracts.EngineID) (int64, error) {
	n, err := decrementFloorScript.Run(ctx, s.client, []string{s.key(engine)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis load decrement: %w", err)
	}
	return n, nil
}

func (s *RedisLoadState) Active(ctx context.Context, engine contracts.EngineID) (int64, error) {
	n, err := s.client.Get(ctx, s.key(engine)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis load read: %w", err)
	}
	return n, nil
}

func (s *RedisLoadState) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
