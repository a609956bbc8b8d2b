package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sokohub/sentinel/internal/circuitbreaker"
)

// incrScript increments the key and sets its expiry in the same round trip,
// so the increment-and-expire pair is atomic on the server. PTTL can report
// -1 if a previous PEXPIRE was lost; the script repairs that case instead of
// leaving an immortal counter.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

const breakerKey = "redis_counter"

// RedisStore is a Store backed by a shared Redis instance, for deployments
// where rate and velocity counters must be coherent across replicas. A
// circuit breaker trips after consecutive failures so a dead Redis costs an
// in-memory check instead of a network timeout per request.
type RedisStore struct {
	client  redis.UniversalClient
	breaker *circuitbreaker.Breaker
}

// NewRedisStore creates a Redis-backed window counter store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client:  client,
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// IncrementAndGet implements Store.
func (s *RedisStore) IncrementAndGet(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if !s.breaker.Allow(breakerKey) {
		return 0, 0, fmt.Errorf("counter backend unavailable (circuit open)")
	}

	res, err := incrScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Slice()
	if err != nil {
		s.breaker.RecordFailure(breakerKey)
		return 0, 0, fmt.Errorf("counter increment failed: %w", err)
	}
	s.breaker.RecordSuccess(breakerKey)

	if len(res) != 2 {
		return 0, 0, fmt.Errorf("counter script returned %d values, want 2", len(res))
	}
	count, ok := res[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("counter script returned non-integer count %T", res[0])
	}
	ttlMs, ok := res[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("counter script returned non-integer ttl %T", res[1])
	}

	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

// Ping reports backend reachability for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
