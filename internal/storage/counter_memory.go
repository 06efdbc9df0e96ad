package storage

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/throttle"
)

type memoryCounter struct {
	count   int64
	expiry  time.Time
	updated time.Time
}

// MemoryCounterStore implements throttle.CounterStore in process memory.
// It is only consistent within one process; use it for tests and local runs.
type MemoryCounterStore struct {
	mu       sync.Mutex
	now      func() time.Time
	counters map[string]*memoryCounter
	healthy  atomic.Bool
}

func NewMemoryCounterStore(now func() time.Time) *MemoryCounterStore {
	if now == nil {
		now = time.Now
	}
	s := &MemoryCounterStore{
		now:      now,
		counters: make(map[string]*memoryCounter),
	}
	s.healthy.Store(true)
	return s
}

// SetHealthy simulates an outage when false
func (s *MemoryCounterStore) SetHealthy(v bool) {
	s.healthy.Store(v)
}

func (s *MemoryCounterStore) IncrementAndGet(ctx context.Context, key string, amount int64, window time.Duration) (throttle.WindowCounter, error) {
	if err := s.check(ctx); err != nil {
		return throttle.WindowCounter{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expiry) {
		c = &memoryCounter{expiry: now.Add(window)}
		s.counters[key] = c
	}
	c.count += amount
	c.updated = now

	return c.snapshot(key), nil
}

func (s *MemoryCounterStore) Decrement(ctx context.Context, key string, amount int64) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.live(key)
	if !ok {
		return nil
	}

	c.count -= amount
	if c.count <= 0 {
		delete(s.counters, key)
	}
	return nil
}

func (s *MemoryCounterStore) Peek(ctx context.Context, key string) (throttle.WindowCounter, bool, error) {
	if err := s.check(ctx); err != nil {
		return throttle.WindowCounter{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.live(key)
	if !ok {
		return throttle.WindowCounter{}, false, nil
	}
	return c.snapshot(key), true, nil
}

func (s *MemoryCounterStore) Invalidate(ctx context.Context, prefix string) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.counters {
		if strings.HasPrefix(key, prefix) {
			delete(s.counters, key)
			removed++
		}
	}
	return removed, nil
}

func (c *memoryCounter) snapshot(key string) throttle.WindowCounter {
	return throttle.WindowCounter{Key: key, Count: c.count, Expiry: c.expiry, UpdatedAt: c.updated}
}

// live returns an unexpired counter, dropping it if its window has passed. Caller holds mu.
func (s *MemoryCounterStore) live(key string) (*memoryCounter, bool) {
	c, ok := s.counters[key]
	if !ok {
		return nil, false
	}
	if !s.now().Before(c.expiry) {
		delete(s.counters, key)
		return nil, false
	}
	return c, true
}

func (s *MemoryCounterStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.healthy.Load() {
		return throttle.ErrStoreUnavailable
	}
	return nil
}
