package models

import (
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/throttle"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// APIKey is a stored caller credential. Only the hash of the plain key is kept.
type APIKey struct {
	ID         uuid.UUID     `gorm:"type:uuid;primary_key" json:"id"`
	KeyHash    string        `gorm:"uniqueIndex;not null" json:"-"`
	Name       string        `gorm:"not null" json:"name"`
	CreatedBy  string        `json:"created_by"`
	Tier       throttle.Tier `gorm:"type:varchar(32);default:'Authenticated'" json:"tier"`
	IsActive   bool          `gorm:"default:true" json:"is_active"`
	CreatedAt  time.Time     `json:"created_at"`
	LastUsedAt *time.Time    `json:"last_used_at,omitempty"`
}

func (a *APIKey) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Tier == "" {
		a.Tier = throttle.TierAuthenticated
	}
	return nil
}

// Identity is the throttle identity requests made with this key are counted under
func (a *APIKey) Identity() throttle.Identity {
	tier := a.Tier
	if tier == "" {
		tier = throttle.TierAuthenticated
	}
	return throttle.Identity{Key: "key:" + a.ID.String(), Tier: tier}
}

func (APIKey) TableName() string {
	return "api_keys"
}
