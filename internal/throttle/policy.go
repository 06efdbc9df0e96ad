package throttle

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Tier is the class of caller a policy nominally targets
type Tier string

const (
	TierAnonymous     Tier = "Anonymous"
	TierAuthenticated Tier = "Authenticated"
)

// DefaultScope names the fallback policy applied to operations without a scope
const DefaultScope = "default"

// defaultEscalateAfter is the number of consecutive violations after which a key is escalated
const defaultEscalateAfter = 3

// DelaySpec configures escalating backoff for repeat offenders.
// The delay after the n-th consecutive violation is Base + Increment*(n-1),
// capped at Max when Max is non-zero.
type DelaySpec struct {
	Base          time.Duration `mapstructure:"base" json:"base" yaml:"base"`
	Increment     time.Duration `mapstructure:"increment" json:"increment" yaml:"increment"`
	Max           time.Duration `mapstructure:"max" json:"max,omitempty" yaml:"max,omitempty"`
	EscalateAfter int           `mapstructure:"escalate_after" json:"escalate_after,omitempty" yaml:"escalate_after,omitempty"`
}

// DelayFor returns the backoff owed after the given number of consecutive violations
func (d DelaySpec) DelayFor(violations int64) time.Duration {
	if violations < 1 {
		return 0
	}

	delay := d.Base + d.Increment*time.Duration(violations-1)
	if d.Max > 0 && delay > d.Max {
		delay = d.Max
	}

	return delay
}

func (d DelaySpec) escalateAfter() int64 {
	if d.EscalateAfter <= 0 {
		return defaultEscalateAfter
	}
	return int64(d.EscalateAfter)
}

// Policy is the quota rule for one scope
type Policy struct {
	Scope           string        `mapstructure:"scope" json:"scope" yaml:"scope"`
	Tier            Tier          `mapstructure:"tier" json:"tier,omitempty" yaml:"tier,omitempty"`
	Limit           int64         `mapstructure:"limit" json:"limit" yaml:"limit"`
	Window          time.Duration `mapstructure:"window" json:"window" yaml:"window"`
	Cost            int64         `mapstructure:"cost" json:"cost" yaml:"cost"`
	ChargeOnSuccess bool          `mapstructure:"charge_on_success" json:"charge_on_success" yaml:"charge_on_success"`
	Delay           *DelaySpec    `mapstructure:"delay" json:"delay,omitempty" yaml:"delay,omitempty"`
}

// withDefaults fills optional fields
func (p Policy) withDefaults() Policy {
	if p.Cost == 0 {
		p.Cost = 1
	}
	return p
}

// Validate checks the policy invariants
func (p Policy) Validate() error {
	if strings.TrimSpace(p.Scope) == "" {
		return fmt.Errorf("%w: scope is required", ErrInvalidPolicy)
	}
	if p.Limit < 1 {
		return fmt.Errorf("%w: %s: limit must be at least 1", ErrInvalidPolicy, p.Scope)
	}
	if p.Cost < 1 {
		return fmt.Errorf("%w: %s: cost must be at least 1", ErrInvalidPolicy, p.Scope)
	}
	if p.Cost > p.Limit {
		return fmt.Errorf("%w: %s: cost %d exceeds limit %d", ErrInvalidPolicy, p.Scope, p.Cost, p.Limit)
	}
	if p.Window < time.Millisecond {
		return fmt.Errorf("%w: %s: window must be at least 1ms", ErrInvalidPolicy, p.Scope)
	}
	if p.Delay != nil {
		if p.Delay.Base <= 0 {
			return fmt.Errorf("%w: %s: delay base must be positive", ErrInvalidPolicy, p.Scope)
		}
		if p.Delay.Increment < 0 {
			return fmt.Errorf("%w: %s: delay increment must not be negative", ErrInvalidPolicy, p.Scope)
		}
		if p.Delay.Max < 0 || (p.Delay.Max > 0 && p.Delay.Max < p.Delay.Base) {
			return fmt.Errorf("%w: %s: delay max must be zero or at least base", ErrInvalidPolicy, p.Scope)
		}
	}
	return nil
}

type tierKey struct {
	scope string
	tier  Tier
}

// Registry is an immutable scope -> policy table. Entries with a tier are
// overrides for that (scope, tier) pair; lookups fall back from
// (scope, tier) to the scope baseline and finally to the default policy.
type Registry struct {
	def       Policy
	baselines map[string]Policy
	overrides map[tierKey]Policy
}

// NewRegistry validates and indexes the policy table
func NewRegistry(def Policy, policies ...Policy) (*Registry, error) {
	if def.Scope == "" {
		def.Scope = DefaultScope
	}
	def = def.withDefaults()
	if def.Limit == 0 && def.Window == 0 {
		return nil, fmt.Errorf("%w: no default policy configured", ErrPolicyNotFound)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		def:       def,
		baselines: make(map[string]Policy),
		overrides: make(map[tierKey]Policy),
	}

	for _, p := range policies {
		p = p.withDefaults()
		if err := p.Validate(); err != nil {
			return nil, err
		}

		if p.Tier == "" {
			if _, dup := r.baselines[p.Scope]; dup {
				return nil, fmt.Errorf("%w: duplicate scope %q", ErrInvalidPolicy, p.Scope)
			}
			r.baselines[p.Scope] = p
			continue
		}

		k := tierKey{scope: p.Scope, tier: p.Tier}
		if _, dup := r.overrides[k]; dup {
			return nil, fmt.Errorf("%w: duplicate scope %q for tier %s", ErrInvalidPolicy, p.Scope, p.Tier)
		}
		r.overrides[k] = p
	}

	// A scope declared only with a nominal tier still applies to every caller
	for _, p := range policies {
		p = p.withDefaults()
		if _, ok := r.baselines[p.Scope]; !ok && p.Tier != "" {
			r.baselines[p.Scope] = p
		}
	}

	return r, nil
}

// Resolve returns the effective policy for a scope and caller tier
func (r *Registry) Resolve(scope string, tier Tier) (Policy, error) {
	if r == nil {
		return Policy{}, ErrPolicyNotFound
	}

	if scope == "" || scope == r.def.Scope {
		return r.def, nil
	}

	if tier != "" {
		if p, ok := r.overrides[tierKey{scope: scope, tier: tier}]; ok {
			return p, nil
		}
	}

	if p, ok := r.baselines[scope]; ok {
		return p, nil
	}

	return r.def, nil
}

// Has reports whether the scope is declared explicitly
func (r *Registry) Has(scope string) bool {
	if r == nil {
		return false
	}
	_, ok := r.baselines[scope]
	return ok || scope == r.def.Scope
}

// Default returns the fallback policy
func (r *Registry) Default() Policy {
	return r.def
}

// Policies returns every entry in the table, default first, then by scope and tier
func (r *Registry) Policies() []Policy {
	out := make([]Policy, 0, 1+len(r.baselines)+len(r.overrides))
	seen := make(map[tierKey]bool)

	for _, p := range r.baselines {
		k := tierKey{scope: p.Scope, tier: p.Tier}
		if !seen[k] {
			seen[k] = true
			out = append(out, p)
		}
	}
	for k, p := range r.overrides {
		if !seen[k] {
			seen[k] = true
			out = append(out, p)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Tier < out[j].Tier
	})

	return append([]Policy{r.def}, out...)
}
