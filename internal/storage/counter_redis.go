package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-gateway/internal/throttle"
	"github.com/redis/go-redis/v9"
)

// Counters are hashes {count, updated}. The window is created on the first
// increment and its expiry never moves afterwards. Returns {count, pttl}.
var incrementScript = redis.NewScript(`
local count = redis.call('HINCRBY', KEYS[1], 'count', ARGV[1])
redis.call('HSET', KEYS[1], 'updated', ARGV[3])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
return {count, ttl}
`)

// Refunds against a live window only; the key is dropped once it reaches zero.
var decrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local count = redis.call('HINCRBY', KEYS[1], 'count', -tonumber(ARGV[1]))
if count <= 0 then
  redis.call('DEL', KEYS[1])
  return 0
end
return count
`)

const invalidateBatch = 500

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// RedisCounterStore implements throttle.CounterStore on Redis.
// Every mutation is a single Lua script so concurrent gateways share one counter.
type RedisCounterStore struct {
	redis   *RedisClient
	breaker *circuitbreaker.CircuitBreaker
	now     func() time.Time
}

func NewRedisCounterStore(redis *RedisClient, breaker *circuitbreaker.CircuitBreaker) *RedisCounterStore {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.Config{})
	}
	return &RedisCounterStore{
		redis:   redis,
		breaker: breaker,
		now:     time.Now,
	}
}

func (s *RedisCounterStore) IncrementAndGet(ctx context.Context, key string, amount int64, window time.Duration) (throttle.WindowCounter, error) {
	var counter throttle.WindowCounter

	err := s.call(func() error {
		now := s.now()
		res, err := incrementScript.Run(ctx, s.redis.Client, []string{key}, amount, windowMillis(window), now.UnixMilli()).Int64Slice()
		if err != nil {
			return err
		}
		if len(res) != 2 {
			return fmt.Errorf("unexpected increment result: %v", res)
		}

		counter = throttle.WindowCounter{
			Key:       key,
			Count:     res[0],
			Expiry:    now.Add(time.Duration(res[1]) * time.Millisecond),
			UpdatedAt: now.Truncate(time.Millisecond),
		}
		return nil
	})
	if err != nil {
		return throttle.WindowCounter{}, unavailable("increment", err)
	}

	return counter, nil
}

func (s *RedisCounterStore) Decrement(ctx context.Context, key string, amount int64) error {
	err := s.call(func() error {
		return decrementScript.Run(ctx, s.redis.Client, []string{key}, amount).Err()
	})
	if err != nil {
		return unavailable("decrement", err)
	}
	return nil
}

func (s *RedisCounterStore) Peek(ctx context.Context, key string) (throttle.WindowCounter, bool, error) {
	var (
		counter throttle.WindowCounter
		live    bool
	)

	err := s.call(func() error {
		pipe := s.redis.Pipeline()
		fieldsCmd := pipe.HMGet(ctx, key, "count", "updated")
		ttlCmd := pipe.PTTL(ctx, key)

		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}

		fields := fieldsCmd.Val()
		if len(fields) != 2 || fields[0] == nil {
			return nil
		}

		count, err := parseField(fields[0])
		if err != nil {
			return err
		}

		ttl := ttlCmd.Val()
		if ttl < 0 {
			// No expiry or already gone
			return nil
		}

		counter = throttle.WindowCounter{
			Key:    key,
			Count:  count,
			Expiry: s.now().Add(ttl),
		}
		if fields[1] != nil {
			updated, err := parseField(fields[1])
			if err != nil {
				return err
			}
			counter.UpdatedAt = time.UnixMilli(updated)
		}
		live = true
		return nil
	})
	if err != nil {
		return throttle.WindowCounter{}, false, unavailable("peek", err)
	}

	return counter, live, nil
}

func (s *RedisCounterStore) Invalidate(ctx context.Context, prefix string) (int, error) {
	removed := 0

	err := s.call(func() error {
		iter := s.redis.Client.Scan(ctx, 0, globEscaper.Replace(prefix)+"*", invalidateBatch).Iterator()
		batch := make([]string, 0, invalidateBatch)

		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) >= invalidateBatch {
				n, err := s.redis.Client.Unlink(ctx, batch...).Result()
				if err != nil {
					return err
				}
				removed += int(n)
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}

		if len(batch) > 0 {
			n, err := s.redis.Client.Unlink(ctx, batch...).Result()
			if err != nil {
				return err
			}
			removed += int(n)
		}
		return nil
	})
	if err != nil {
		return removed, unavailable("invalidate", err)
	}

	return removed, nil
}

// Breaker exposes the store's circuit breaker for status endpoints
func (s *RedisCounterStore) Breaker() *circuitbreaker.CircuitBreaker {
	return s.breaker
}

// call runs fn behind the breaker. Cancellations by the caller do not count as store failures.
func (s *RedisCounterStore) call(fn func() error) error {
	var callerErr error

	err := s.breaker.Call(func() error {
		err := fn()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			callerErr = err
			return nil
		}
		return err
	})
	if callerErr != nil {
		return callerErr
	}
	return err
}

// windowMillis rounds up so a sub-millisecond window never becomes PEXPIRE 0
func windowMillis(window time.Duration) int64 {
	ms := window.Milliseconds()
	if time.Duration(ms)*time.Millisecond < window {
		ms++
	}
	return ms
}

func parseField(v interface{}) (int64, error) {
	str, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected counter field %T", v)
	}
	return strconv.ParseInt(str, 10, 64)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", throttle.ErrStoreUnavailable, op, err)
}
