package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDefault = Policy{Limit: 100, Window: time.Minute}

func TestNewRegistryRequiresDefault(t *testing.T) {
	_, err := NewRegistry(Policy{})
	require.ErrorIs(t, err, ErrPolicyNotFound)
}

func TestNewRegistryValidatesPolicies(t *testing.T) {
	cases := map[string]Policy{
		"missing scope":   {Limit: 1, Window: time.Second},
		"zero limit":      {Scope: "login", Window: time.Second},
		"negative cost":   {Scope: "login", Limit: 5, Cost: -1, Window: time.Second},
		"cost over limit": {Scope: "login", Limit: 2, Cost: 3, Window: time.Second},
		"zero window":     {Scope: "login", Limit: 5},
		"sub-ms window":   {Scope: "login", Limit: 5, Window: 500 * time.Microsecond},
		"zero delay base": {Scope: "login", Limit: 5, Window: time.Second, Delay: &DelaySpec{Increment: time.Second}},
		"max below base":  {Scope: "login", Limit: 5, Window: time.Second, Delay: &DelaySpec{Base: time.Minute, Max: time.Second}},
	}

	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRegistry(testDefault, p)
			require.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	p := Policy{Scope: "login", Limit: 5, Window: time.Minute}
	_, err := NewRegistry(testDefault, p, p)
	require.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestRegistryResolve(t *testing.T) {
	reg, err := NewRegistry(testDefault,
		Policy{Scope: "shorten", Tier: TierAnonymous, Limit: 5, Window: 24 * time.Hour},
		Policy{Scope: "shorten", Tier: TierAuthenticated, Limit: 50, Window: 24 * time.Hour},
		Policy{Scope: "login", Limit: 10, Window: time.Minute, Cost: 2},
	)
	require.NoError(t, err)

	p, err := reg.Resolve("", TierAnonymous)
	require.NoError(t, err)
	assert.Equal(t, DefaultScope, p.Scope)
	assert.Equal(t, int64(1), p.Cost)

	p, err = reg.Resolve("shorten", TierAuthenticated)
	require.NoError(t, err)
	assert.Equal(t, int64(50), p.Limit)

	// Unknown tier falls back to the first declared entry of the scope
	p, err = reg.Resolve("shorten", Tier("Enterprise"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.Limit)

	p, err = reg.Resolve("login", TierAuthenticated)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Cost)

	p, err = reg.Resolve("unknown", TierAnonymous)
	require.NoError(t, err)
	assert.Equal(t, DefaultScope, p.Scope)

	assert.True(t, reg.Has("login"))
	assert.False(t, reg.Has("unknown"))
}

func TestRegistryPoliciesListsEveryEntry(t *testing.T) {
	reg, err := NewRegistry(testDefault,
		Policy{Scope: "b", Limit: 1, Window: time.Second},
		Policy{Scope: "a", Tier: TierAuthenticated, Limit: 2, Window: time.Second},
		Policy{Scope: "a", Tier: TierAnonymous, Limit: 1, Window: time.Second},
	)
	require.NoError(t, err)

	policies := reg.Policies()
	require.Len(t, policies, 4)
	assert.Equal(t, DefaultScope, policies[0].Scope)
	assert.Equal(t, "a", policies[1].Scope)
	assert.Equal(t, TierAnonymous, policies[1].Tier)
	assert.Equal(t, TierAuthenticated, policies[2].Tier)
	assert.Equal(t, "b", policies[3].Scope)
}

func TestDelayFor(t *testing.T) {
	d := DelaySpec{Base: 90 * time.Second, Increment: time.Minute}
	assert.Equal(t, time.Duration(0), d.DelayFor(0))
	assert.Equal(t, 90*time.Second, d.DelayFor(1))
	assert.Equal(t, 150*time.Second, d.DelayFor(2))
	assert.Equal(t, 390*time.Second, d.DelayFor(6))

	d.Max = 2 * time.Minute
	assert.Equal(t, 2*time.Minute, d.DelayFor(6))
}
