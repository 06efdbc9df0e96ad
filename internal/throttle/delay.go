package throttle

import (
	"context"
	"time"
)

// Level is the escalation state of a key
type Level int

const (
	// LevelClean - no recent violations
	LevelClean Level = iota

	// LevelWarned - some consecutive violations, below the escalation threshold
	LevelWarned

	// LevelEscalated - threshold reached, backoff keeps growing
	LevelEscalated
)

func (l Level) String() string {
	switch l {
	case LevelClean:
		return "clean"
	case LevelWarned:
		return "warned"
	case LevelEscalated:
		return "escalated"
	default:
		return "unknown"
	}
}

// ViolationState is the escalation record of one counter key
type ViolationState struct {
	Key             string
	Consecutive     int64
	LastViolationAt time.Time
	Delay           time.Duration
	Level           Level
}

// DelayTracker keeps consecutive-violation counts in the counter store.
// The violation record's UpdatedAt doubles as the last violation time.
type DelayTracker struct {
	store    CounterStore
	maxDelay time.Duration
}

// NewDelayTracker creates a tracker. maxDelay caps every computed delay when non-zero.
func NewDelayTracker(store CounterStore, maxDelay time.Duration) *DelayTracker {
	return &DelayTracker{
		store:    store,
		maxDelay: maxDelay,
	}
}

// RecordViolation registers one denied attempt and returns the delay the caller owes.
// The violation record lives for one policy window.
func (t *DelayTracker) RecordViolation(ctx context.Context, key string, spec DelaySpec, window time.Duration) (ViolationState, error) {
	counter, err := t.store.IncrementAndGet(ctx, ViolationKey(key), 1, window)
	if err != nil {
		return ViolationState{}, err
	}

	return t.state(key, counter.Count, spec, counter.UpdatedAt), nil
}

// State returns the current escalation record without changing it
func (t *DelayTracker) State(ctx context.Context, key string, spec DelaySpec) (ViolationState, error) {
	counter, ok, err := t.store.Peek(ctx, ViolationKey(key))
	if err != nil {
		return ViolationState{}, err
	}
	if !ok {
		return ViolationState{Key: key, Level: LevelClean}, nil
	}

	return t.state(key, counter.Count, spec, counter.UpdatedAt), nil
}

// Reset returns a key to clean after a success or a fresh window
func (t *DelayTracker) Reset(ctx context.Context, state ViolationState) error {
	if state.Consecutive <= 0 {
		return nil
	}
	return t.store.Decrement(ctx, ViolationKey(state.Key), state.Consecutive)
}

func (t *DelayTracker) state(key string, n int64, spec DelaySpec, at time.Time) ViolationState {
	delay := spec.DelayFor(n)
	if t.maxDelay > 0 && delay > t.maxDelay {
		delay = t.maxDelay
	}

	level := LevelClean
	switch {
	case n >= spec.escalateAfter():
		level = LevelEscalated
	case n > 0:
		level = LevelWarned
	}

	return ViolationState{
		Key:             key,
		Consecutive:     n,
		LastViolationAt: at,
		Delay:           delay,
		Level:           level,
	}
}
