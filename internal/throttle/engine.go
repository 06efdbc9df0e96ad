// Package throttle decides whether an operation may run for a caller right now.
//
// The engine holds no mutable state of its own: every counter lives in a
// CounterStore whose atomic increment-with-expiry serializes concurrent
// callers, so several gateway processes can share one quota view.
package throttle

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Identity is a normalized caller identity plus the tier used for policy selection
type Identity struct {
	Key  string
	Tier Tier
}

// Decision is the answer to a single Check call
type Decision struct {
	Scope      string
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration // zero when allowed
	Violations int64
}

// Usage is a read-only view of a key's quota state
type Usage struct {
	Policy     Policy
	Key        string
	Counter    WindowCounter
	Live       bool
	Violations ViolationState
}

// Engine resolves policies and accounts quota against the counter store
type Engine struct {
	registry *Registry
	store    CounterStore
	delays   *DelayTracker
	now      func() time.Time
	logger   *zap.Logger
	metrics  *Metrics
	maxDelay time.Duration
}

type Option func(*Engine)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithMaxDelay caps escalating backoff for every scope. Zero leaves growth unbounded.
func WithMaxDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.maxDelay = d
	}
}

func New(registry *Registry, store CounterStore, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		store:    store,
		now:      time.Now,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.delays = NewDelayTracker(store, e.maxDelay)

	return e
}

// Registry returns the policy table the engine was built with
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Check decides admission for one call of scope by id
func (e *Engine) Check(ctx context.Context, scope string, id Identity) (Decision, error) {
	start := time.Now()
	scope = scopeName(scope)

	policy, err := e.registry.Resolve(scope, id.Tier)
	if err != nil {
		return Decision{}, err
	}

	key := DeriveKey(scope, id.Key)

	var d Decision
	if policy.ChargeOnSuccess {
		d, err = e.reserve(ctx, scope, key, policy)
	} else {
		d, err = e.charge(ctx, scope, key, policy)
	}
	if err != nil {
		e.metrics.observeDecision(scope, "error", time.Since(start))
		return Decision{}, err
	}

	now := e.now()
	if d.Allowed {
		if policy.Delay != nil {
			if err := e.clearViolations(ctx, key, *policy.Delay); err != nil {
				e.degrade("reset_violations", scope, err)
			}
		}
		e.metrics.observeDecision(scope, "allowed", time.Since(start))
		return d, nil
	}

	retryAfter := d.ResetAt.Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}

	if policy.Delay != nil {
		// Best effort; the charge above stands either way
		state, err := e.delays.RecordViolation(ctx, key, *policy.Delay, policy.Window)
		if err != nil {
			e.degrade("record_violation", scope, err)
		} else {
			d.Violations = state.Consecutive
			if state.Delay > retryAfter {
				retryAfter = state.Delay
			}
		}
		if err == nil && state.Level == LevelEscalated {
			e.logger.Info("Throttle escalated",
				zap.String("scope", scope),
				zap.Int64("violations", state.Consecutive),
				zap.Duration("delay", state.Delay),
			)
		}
	}
	d.RetryAfter = retryAfter

	e.logger.Debug("Throttle denied",
		zap.String("scope", scope),
		zap.Int64("limit", d.Limit),
		zap.Duration("retry_after", d.RetryAfter),
	)
	e.metrics.observeDecision(scope, "denied", time.Since(start))

	return d, nil
}

// charge consumes quota immediately. Denied attempts keep their charge so
// hammering past the limit keeps the window full.
func (e *Engine) charge(ctx context.Context, scope, key string, p Policy) (Decision, error) {
	counter, err := e.store.IncrementAndGet(ctx, key, p.Cost, p.Window)
	if err != nil {
		return Decision{}, e.fail("increment", scope, err)
	}

	return Decision{
		Scope:     scope,
		Allowed:   counter.Count <= p.Limit,
		Limit:     p.Limit,
		Remaining: remaining(p.Limit, counter.Count),
		ResetAt:   counter.Expiry,
	}, nil
}

// reserve registers a pending charge that Settle later keeps or refunds
func (e *Engine) reserve(ctx context.Context, scope, key string, p Policy) (Decision, error) {
	current, live, err := e.store.Peek(ctx, key)
	if err != nil {
		return Decision{}, e.fail("peek", scope, err)
	}

	if live && current.Count+p.Cost > p.Limit {
		return Decision{
			Scope:     scope,
			Limit:     p.Limit,
			Remaining: remaining(p.Limit, current.Count),
			ResetAt:   current.Expiry,
		}, nil
	}

	counter, err := e.store.IncrementAndGet(ctx, key, p.Cost, p.Window)
	if err != nil {
		return Decision{}, e.fail("increment", scope, err)
	}

	// Concurrent reservations passed the peek together; give this one back.
	if counter.Count > p.Limit {
		if err := e.store.Decrement(ctx, key, p.Cost); err != nil {
			e.logger.Warn("Failed to release pending charge",
				zap.String("scope", scope),
				zap.Error(err),
			)
		}
		return Decision{
			Scope:     scope,
			Limit:     p.Limit,
			Remaining: remaining(p.Limit, counter.Count-p.Cost),
			ResetAt:   counter.Expiry,
		}, nil
	}

	return Decision{
		Scope:     scope,
		Allowed:   true,
		Limit:     p.Limit,
		Remaining: remaining(p.Limit, counter.Count),
		ResetAt:   counter.Expiry,
	}, nil
}

func (e *Engine) clearViolations(ctx context.Context, key string, spec DelaySpec) error {
	state, err := e.delays.State(ctx, key, spec)
	if err != nil {
		return err
	}
	if state.Level == LevelClean {
		return nil
	}
	return e.delays.Reset(ctx, state)
}

// Settle finalizes a charge-on-success admission. A failed operation gets its
// cost refunded; callers settle each admitted operation exactly once.
func (e *Engine) Settle(ctx context.Context, scope string, id Identity, success bool) error {
	scope = scopeName(scope)

	policy, err := e.registry.Resolve(scope, id.Tier)
	if err != nil {
		return err
	}

	if !policy.ChargeOnSuccess {
		return nil
	}

	if success {
		e.metrics.observeSettlement(scope, "kept")
		return nil
	}

	if err := e.store.Decrement(ctx, DeriveKey(scope, id.Key), policy.Cost); err != nil {
		e.metrics.observeSettlement(scope, "error")
		return e.fail("refund", scope, err)
	}

	e.metrics.observeSettlement(scope, "refunded")
	return nil
}

// Inspect reports the live counter and escalation state for a caller without charging
func (e *Engine) Inspect(ctx context.Context, scope string, id Identity) (Usage, error) {
	scope = scopeName(scope)

	policy, err := e.registry.Resolve(scope, id.Tier)
	if err != nil {
		return Usage{}, err
	}

	key := DeriveKey(scope, id.Key)
	usage := Usage{Policy: policy, Key: key}

	usage.Counter, usage.Live, err = e.store.Peek(ctx, key)
	if err != nil {
		return Usage{}, e.fail("peek", scope, err)
	}

	if policy.Delay != nil {
		usage.Violations, err = e.delays.State(ctx, key, *policy.Delay)
		if err != nil {
			return Usage{}, e.fail("peek_violations", scope, err)
		}
	}

	return usage, nil
}

// Invalidate clears every counter and escalation record of a scope
func (e *Engine) Invalidate(ctx context.Context, scope string) (int, error) {
	scope = scopeName(scope)

	n, err := e.store.Invalidate(ctx, ScopePrefix(scope))
	if err != nil {
		return 0, e.fail("invalidate", scope, err)
	}

	e.logger.Info("Throttle scope invalidated", zap.String("scope", scope), zap.Int("keys", n))
	return n, nil
}

func (e *Engine) fail(op, scope string, err error) error {
	e.metrics.observeStoreError(op)
	e.logger.Warn("Counter store failure",
		zap.String("operation", op),
		zap.String("scope", scope),
		zap.Error(err),
	)
	return unavailable(op, err)
}

// degrade records a store failure that does not change the decision
func (e *Engine) degrade(op, scope string, err error) {
	e.metrics.observeStoreError(op)
	e.logger.Warn("Violation tracking skipped",
		zap.String("operation", op),
		zap.String("scope", scope),
		zap.Error(err),
	)
}

func scopeName(scope string) string {
	if scope == "" {
		return DefaultScope
	}
	return scope
}

func remaining(limit, count int64) int64 {
	if count >= limit {
		return 0
	}
	return limit - count
}
