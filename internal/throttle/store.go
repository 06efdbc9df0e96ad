package throttle

import (
	"context"
	"time"
)

// WindowCounter is the live quota usage of one key
type WindowCounter struct {
	Key    string
	Count  int64
	Expiry time.Time
	// Time of the most recent increment; decrements leave it unchanged
	UpdatedAt time.Time
}

// CounterStore is an atomic increment-with-expiry primitive over a shared cache.
// Implementations must wrap backend failures with ErrStoreUnavailable.
type CounterStore interface {
	// IncrementAndGet creates the counter with count = amount and expiry = now + window
	// when no live record exists, otherwise adds amount without touching the expiry.
	// Every increment stamps UpdatedAt with the store's current time.
	// Concurrent callers for the same key must observe a single counter.
	IncrementAndGet(ctx context.Context, key string, amount int64, window time.Duration) (WindowCounter, error)

	// Decrement subtracts amount from a live counter. Missing keys are a no-op.
	Decrement(ctx context.Context, key string, amount int64) error

	// Peek reads a counter without mutating it
	Peek(ctx context.Context, key string) (WindowCounter, bool, error)

	// Invalidate removes every counter whose key starts with prefix
	Invalidate(ctx context.Context, prefix string) (int, error)
}
