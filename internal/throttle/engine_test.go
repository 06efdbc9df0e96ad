package throttle_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"github.com/aman-churiwal/admission-gateway/internal/throttle"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var anonymous = throttle.Identity{Key: "ip:203.0.113.7", Tier: throttle.TierAnonymous}

func newEngine(t *testing.T, policies ...throttle.Policy) (*throttle.Engine, *storage.MemoryCounterStore, *testClock) {
	t.Helper()

	reg, err := throttle.NewRegistry(throttle.Policy{Limit: 1000, Window: time.Minute}, policies...)
	require.NoError(t, err)

	clock := newTestClock()
	store := storage.NewMemoryCounterStore(clock.Now)
	return throttle.New(reg, store, throttle.WithClock(clock.Now)), store, clock
}

func checkN(t *testing.T, e *throttle.Engine, scope string, id throttle.Identity, n int) []throttle.Decision {
	t.Helper()

	out := make([]throttle.Decision, 0, n)
	for i := 0; i < n; i++ {
		d, err := e.Check(context.Background(), scope, id)
		require.NoError(t, err)
		out = append(out, d)
	}
	return out
}

func allowed(ds []throttle.Decision) []bool {
	out := make([]bool, len(ds))
	for i, d := range ds {
		out[i] = d.Allowed
	}
	return out
}

func TestCheckShortenPublicScenario(t *testing.T) {
	e, _, clock := newEngine(t, throttle.Policy{
		Scope:  "shorten-public",
		Tier:   throttle.TierAnonymous,
		Limit:  5,
		Window: 24 * time.Hour,
	})

	first, err := e.Check(context.Background(), "shorten-public", anonymous)
	require.NoError(t, err)
	require.True(t, first.Allowed)
	assert.Equal(t, int64(4), first.Remaining)

	clock.Advance(time.Hour)
	rest := checkN(t, e, "shorten-public", anonymous, 5)

	assert.Equal(t, []bool{true, true, true, true, false}, allowed(rest))

	sixth := rest[4]
	assert.Equal(t, int64(0), sixth.Remaining)
	assert.Equal(t, first.ResetAt, sixth.ResetAt)
	assert.Equal(t, 23*time.Hour, sixth.RetryAfter)
}

func TestCheckLimitBoundary(t *testing.T) {
	e, _, _ := newEngine(t, throttle.Policy{Scope: "login", Limit: 3, Window: time.Minute})

	ds := checkN(t, e, "login", anonymous, 4)
	assert.Equal(t, []bool{true, true, true, false}, allowed(ds))
	assert.Equal(t, int64(2), ds[0].Remaining)
	assert.Equal(t, int64(0), ds[2].Remaining)
	assert.Zero(t, ds[0].RetryAfter)
	assert.Equal(t, time.Minute, ds[3].RetryAfter)
}

func TestCheckDeniedAttemptsStillConsumeQuota(t *testing.T) {
	e, store, _ := newEngine(t, throttle.Policy{Scope: "login", Limit: 2, Window: time.Minute})

	checkN(t, e, "login", anonymous, 5)

	counter, ok, err := store.Peek(context.Background(), throttle.DeriveKey("login", anonymous.Key))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), counter.Count)
}

func TestCheckWindowExpiryResetsQuota(t *testing.T) {
	e, _, clock := newEngine(t, throttle.Policy{Scope: "login", Limit: 2, Window: time.Minute})

	ds := checkN(t, e, "login", anonymous, 4)
	assert.Equal(t, []bool{true, true, false, false}, allowed(ds))

	clock.Advance(time.Minute)

	d, err := e.Check(context.Background(), "login", anonymous)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)
}

func TestCheckIdentitiesAreIndependent(t *testing.T) {
	e, _, _ := newEngine(t, throttle.Policy{Scope: "login", Limit: 1, Window: time.Minute})

	other := throttle.Identity{Key: "user:42", Tier: throttle.TierAuthenticated}

	ds := checkN(t, e, "login", anonymous, 2)
	assert.Equal(t, []bool{true, false}, allowed(ds))

	d, err := e.Check(context.Background(), "login", other)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckCostWeighting(t *testing.T) {
	e, _, _ := newEngine(t, throttle.Policy{Scope: "export", Limit: 10, Cost: 3, Window: time.Minute})

	ds := checkN(t, e, "export", anonymous, 4)
	assert.Equal(t, []bool{true, true, true, false}, allowed(ds))
	assert.Equal(t, int64(7), ds[0].Remaining)
	assert.Equal(t, int64(1), ds[2].Remaining)
}

func TestCheckChargeOnSuccessDeniesWithoutCharging(t *testing.T) {
	e, store, _ := newEngine(t, throttle.Policy{
		Scope:           "generate",
		Limit:           10,
		Cost:            4,
		Window:          time.Minute,
		ChargeOnSuccess: true,
	})

	// A third admission would bring usage to 12 of 10
	ds := checkN(t, e, "generate", anonymous, 3)
	assert.Equal(t, []bool{true, true, false}, allowed(ds))
	assert.Equal(t, int64(2), ds[2].Remaining)

	counter, ok, err := store.Peek(context.Background(), throttle.DeriveKey("generate", anonymous.Key))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(8), counter.Count)
}

func TestSettleRefundsFailedOperations(t *testing.T) {
	e, store, _ := newEngine(t, throttle.Policy{
		Scope:           "generate",
		Limit:           6,
		Cost:            2,
		Window:          time.Minute,
		ChargeOnSuccess: true,
	})
	ctx := context.Background()
	key := throttle.DeriveKey("generate", anonymous.Key)

	ds := checkN(t, e, "generate", anonymous, 3)
	require.Equal(t, []bool{true, true, true}, allowed(ds))

	require.NoError(t, e.Settle(ctx, "generate", anonymous, true))
	require.NoError(t, e.Settle(ctx, "generate", anonymous, false))

	counter, _, err := store.Peek(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counter.Count)

	require.NoError(t, e.Settle(ctx, "generate", anonymous, false))

	counter, _, err = store.Peek(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counter.Count)

	d, err := e.Check(ctx, "generate", anonymous)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(2), d.Remaining)
}

func TestSettleIsNoOpForImmediateCharge(t *testing.T) {
	e, store, _ := newEngine(t, throttle.Policy{Scope: "login", Limit: 5, Window: time.Minute})
	ctx := context.Background()

	checkN(t, e, "login", anonymous, 2)
	require.NoError(t, e.Settle(ctx, "login", anonymous, false))

	counter, _, err := store.Peek(ctx, throttle.DeriveKey("login", anonymous.Key))
	require.NoError(t, err)
	assert.Equal(t, int64(2), counter.Count)
}

func TestSettleAfterWindowExpiryIsNoOp(t *testing.T) {
	e, store, clock := newEngine(t, throttle.Policy{
		Scope:           "generate",
		Limit:           2,
		Window:          time.Minute,
		ChargeOnSuccess: true,
	})
	ctx := context.Background()

	checkN(t, e, "generate", anonymous, 1)
	clock.Advance(2 * time.Minute)

	require.NoError(t, e.Settle(ctx, "generate", anonymous, false))

	_, ok, err := store.Peek(ctx, throttle.DeriveKey("generate", anonymous.Key))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckForgotPasswordEscalation(t *testing.T) {
	e, _, _ := newEngine(t, throttle.Policy{
		Scope:  "forgot-password",
		Limit:  3,
		Window: 5 * time.Minute,
		Delay:  &throttle.DelaySpec{Base: 90 * time.Second, Increment: 60 * time.Second},
	})

	ds := checkN(t, e, "forgot-password", anonymous, 6)
	assert.Equal(t, []bool{true, true, true, false, false, false}, allowed(ds))

	assert.GreaterOrEqual(t, ds[3].RetryAfter, 90*time.Second)
	assert.GreaterOrEqual(t, ds[4].RetryAfter, 150*time.Second)
	assert.GreaterOrEqual(t, ds[5].RetryAfter, 210*time.Second)

	// Window remainder (5m) dominates early, then escalation overtakes it
	assert.Equal(t, 5*time.Minute, ds[3].RetryAfter)
	assert.Equal(t, int64(1), ds[3].Violations)
	assert.Equal(t, int64(3), ds[5].Violations)
}

func TestCheckEscalationResetsAfterWindow(t *testing.T) {
	e, _, clock := newEngine(t, throttle.Policy{
		Scope:  "resend-email",
		Limit:  1,
		Window: time.Minute,
		Delay:  &throttle.DelaySpec{Base: 2 * time.Minute, Increment: time.Minute},
	})
	ctx := context.Background()

	checkN(t, e, "resend-email", anonymous, 1)
	clock.Advance(30 * time.Second)

	ds := checkN(t, e, "resend-email", anonymous, 3)
	require.Equal(t, []bool{false, false, false}, allowed(ds))
	assert.Equal(t, 2*time.Minute, ds[0].RetryAfter)
	assert.Equal(t, 4*time.Minute, ds[2].RetryAfter)

	usage, err := e.Inspect(ctx, "resend-email", anonymous)
	require.NoError(t, err)
	assert.Equal(t, throttle.LevelEscalated, usage.Violations.Level)
	assert.Equal(t, int64(3), usage.Violations.Consecutive)

	// The counter window ends before the violation record does
	clock.Advance(30 * time.Second)

	d, err := e.Check(ctx, "resend-email", anonymous)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	usage, err = e.Inspect(ctx, "resend-email", anonymous)
	require.NoError(t, err)
	assert.Equal(t, throttle.LevelClean, usage.Violations.Level)

	d, err = e.Check(ctx, "resend-email", anonymous)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, int64(1), d.Violations)
	assert.Equal(t, 2*time.Minute, d.RetryAfter)
}

func TestInspectReportsLastViolationTime(t *testing.T) {
	e, _, clock := newEngine(t, throttle.Policy{
		Scope:  "resend-email",
		Limit:  1,
		Window: 10 * time.Minute,
		Delay:  &throttle.DelaySpec{Base: time.Minute},
	})
	ctx := context.Background()

	checkN(t, e, "resend-email", anonymous, 2)
	clock.Advance(20 * time.Second)
	lastDenial := clock.Now()
	checkN(t, e, "resend-email", anonymous, 1)
	clock.Advance(20 * time.Second)

	usage, err := e.Inspect(ctx, "resend-email", anonymous)
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage.Violations.Consecutive)
	assert.Equal(t, lastDenial, usage.Violations.LastViolationAt)
}

// violationFailingStore loses every escalation record write and read
type violationFailingStore struct {
	*storage.MemoryCounterStore
}

func (s violationFailingStore) IncrementAndGet(ctx context.Context, key string, amount int64, window time.Duration) (throttle.WindowCounter, error) {
	if strings.HasSuffix(key, "#violations") {
		return throttle.WindowCounter{}, throttle.ErrStoreUnavailable
	}
	return s.MemoryCounterStore.IncrementAndGet(ctx, key, amount, window)
}

func (s violationFailingStore) Peek(ctx context.Context, key string) (throttle.WindowCounter, bool, error) {
	if strings.HasSuffix(key, "#violations") {
		return throttle.WindowCounter{}, false, throttle.ErrStoreUnavailable
	}
	return s.MemoryCounterStore.Peek(ctx, key)
}

func (s violationFailingStore) Decrement(ctx context.Context, key string, amount int64) error {
	if strings.HasSuffix(key, "#violations") {
		return throttle.ErrStoreUnavailable
	}
	return s.MemoryCounterStore.Decrement(ctx, key, amount)
}

func TestCheckViolationTrackingFailureKeepsDecision(t *testing.T) {
	for _, chargeOnSuccess := range []bool{false, true} {
		name := "immediate"
		if chargeOnSuccess {
			name = "charge on success"
		}

		t.Run(name, func(t *testing.T) {
			reg, err := throttle.NewRegistry(
				throttle.Policy{Limit: 1000, Window: time.Minute},
				throttle.Policy{
					Scope:           "login",
					Limit:           2,
					Window:          time.Minute,
					ChargeOnSuccess: chargeOnSuccess,
					Delay:           &throttle.DelaySpec{Base: 5 * time.Minute},
				},
			)
			require.NoError(t, err)

			clock := newTestClock()
			mem := storage.NewMemoryCounterStore(clock.Now)
			promReg := prometheus.NewRegistry()
			e := throttle.New(reg, violationFailingStore{mem},
				throttle.WithClock(clock.Now),
				throttle.WithMetrics(throttle.NewMetrics(promReg)),
			)
			ctx := context.Background()
			key := throttle.DeriveKey("login", anonymous.Key)

			ds := checkN(t, e, "login", anonymous, 3)
			assert.Equal(t, []bool{true, true, false}, allowed(ds))

			// Denial falls back to the window remainder
			assert.Equal(t, int64(0), ds[2].Violations)
			assert.Equal(t, time.Minute, ds[2].RetryAfter)

			counter, ok, err := mem.Peek(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			if chargeOnSuccess {
				assert.Equal(t, int64(2), counter.Count)

				require.NoError(t, e.Settle(ctx, "login", anonymous, false))
				counter, _, err = mem.Peek(ctx, key)
				require.NoError(t, err)
				assert.Equal(t, int64(1), counter.Count)
			} else {
				assert.Equal(t, int64(3), counter.Count)
			}

			count, err := testutil.GatherAndCount(promReg, "gateway_throttle_store_errors_total")
			require.NoError(t, err)
			assert.Equal(t, 2, count) // reset_violations and record_violation
		})
	}
}

func TestCheckMaxDelayCapsEscalation(t *testing.T) {
	reg, err := throttle.NewRegistry(throttle.Policy{Limit: 10, Window: time.Minute},
		throttle.Policy{
			Scope:  "login",
			Limit:  1,
			Window: time.Second,
			Delay:  &throttle.DelaySpec{Base: time.Minute, Increment: time.Hour},
		})
	require.NoError(t, err)

	clock := newTestClock()
	e := throttle.New(reg, storage.NewMemoryCounterStore(clock.Now),
		throttle.WithClock(clock.Now),
		throttle.WithMaxDelay(10*time.Minute),
	)

	ds := checkN(t, e, "login", anonymous, 4)
	assert.Equal(t, time.Minute, ds[1].RetryAfter)
	assert.Equal(t, 10*time.Minute, ds[3].RetryAfter)
}

func TestCheckConcurrentFirstRequests(t *testing.T) {
	for _, chargeOnSuccess := range []bool{false, true} {
		e, _, _ := newEngine(t, throttle.Policy{
			Scope:           "burst",
			Limit:           10,
			Window:          time.Minute,
			ChargeOnSuccess: chargeOnSuccess,
		})

		const callers = 50
		var admitted, denied atomic.Int64
		var wg sync.WaitGroup

		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				d, err := e.Check(context.Background(), "burst", anonymous)
				if err != nil {
					t.Error(err)
					return
				}
				if d.Allowed {
					admitted.Add(1)
				} else {
					denied.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int64(10), admitted.Load(), "charge_on_success=%v", chargeOnSuccess)
		assert.Equal(t, int64(callers-10), denied.Load(), "charge_on_success=%v", chargeOnSuccess)
	}
}

func TestCheckDefaultScope(t *testing.T) {
	reg, err := throttle.NewRegistry(throttle.Policy{Limit: 2, Window: time.Minute})
	require.NoError(t, err)

	clock := newTestClock()
	e := throttle.New(reg, storage.NewMemoryCounterStore(clock.Now), throttle.WithClock(clock.Now))

	ds := checkN(t, e, "", anonymous, 3)
	assert.Equal(t, []bool{true, true, false}, allowed(ds))
	assert.Equal(t, throttle.DefaultScope, ds[0].Scope)
}

func TestCheckStoreUnavailable(t *testing.T) {
	e, store, _ := newEngine(t, throttle.Policy{Scope: "login", Limit: 2, Window: time.Minute})
	store.SetHealthy(false)

	_, err := e.Check(context.Background(), "login", anonymous)
	require.Error(t, err)
	assert.ErrorIs(t, err, throttle.ErrThrottleUnavailable)
	assert.ErrorIs(t, err, throttle.ErrStoreUnavailable)

	_, err = e.Invalidate(context.Background(), "login")
	assert.ErrorIs(t, err, throttle.ErrThrottleUnavailable)
}

func TestInvalidateClearsScope(t *testing.T) {
	e, _, _ := newEngine(t,
		throttle.Policy{Scope: "login", Limit: 1, Window: time.Minute,
			Delay: &throttle.DelaySpec{Base: time.Minute}},
		throttle.Policy{Scope: "signup", Limit: 1, Window: time.Minute},
	)
	ctx := context.Background()

	checkN(t, e, "login", anonymous, 2)
	checkN(t, e, "signup", anonymous, 2)

	n, err := e.Invalidate(ctx, "login")
	require.NoError(t, err)
	assert.Equal(t, 2, n) // counter and violation record

	d, err := e.Check(ctx, "login", anonymous)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = e.Check(ctx, "signup", anonymous)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCheckRecordsMetrics(t *testing.T) {
	reg, err := throttle.NewRegistry(throttle.Policy{Limit: 1, Window: time.Minute})
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	metrics := throttle.NewMetrics(promReg)
	clock := newTestClock()
	e := throttle.New(reg, storage.NewMemoryCounterStore(clock.Now),
		throttle.WithClock(clock.Now),
		throttle.WithMetrics(metrics),
	)

	checkN(t, e, "", anonymous, 3)

	count, err := testutil.GatherAndCount(promReg, "gateway_throttle_decisions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count) // allowed and denied series
}
