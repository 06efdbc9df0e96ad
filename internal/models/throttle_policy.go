package models

import (
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/throttle"
)

// ThrottlePolicy is an operator-managed policy row. Enabled rows override the
// file configuration for the same (scope, tier) when the gateway starts.
type ThrottlePolicy struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Scope            string    `gorm:"uniqueIndex:idx_scope_tier;not null" json:"scope"`
	Tier             string    `gorm:"uniqueIndex:idx_scope_tier;not null;default:''" json:"tier"`
	Limit            int64     `gorm:"column:quota_limit;not null" json:"limit"`
	WindowSeconds    int64     `gorm:"not null" json:"window_seconds"`
	Cost             int64     `gorm:"not null;default:1" json:"cost"`
	ChargeOnSuccess  bool      `gorm:"not null;default:false" json:"charge_on_success"`
	DelayBaseMs      int64     `json:"delay_base_ms"`
	DelayIncrementMs int64     `json:"delay_increment_ms"`
	DelayMaxMs       int64     `json:"delay_max_ms"`
	EscalateAfter    int       `json:"escalate_after"`
	Enabled          bool      `gorm:"not null;index" json:"enabled"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (ThrottlePolicy) TableName() string {
	return "throttle_policies"
}

// ToPolicy converts the row into an engine policy
func (p ThrottlePolicy) ToPolicy() throttle.Policy {
	policy := throttle.Policy{
		Scope:           p.Scope,
		Tier:            throttle.Tier(p.Tier),
		Limit:           p.Limit,
		Window:          time.Duration(p.WindowSeconds) * time.Second,
		Cost:            p.Cost,
		ChargeOnSuccess: p.ChargeOnSuccess,
	}

	if p.DelayBaseMs > 0 {
		policy.Delay = &throttle.DelaySpec{
			Base:          time.Duration(p.DelayBaseMs) * time.Millisecond,
			Increment:     time.Duration(p.DelayIncrementMs) * time.Millisecond,
			Max:           time.Duration(p.DelayMaxMs) * time.Millisecond,
			EscalateAfter: p.EscalateAfter,
		}
	}

	return policy
}
