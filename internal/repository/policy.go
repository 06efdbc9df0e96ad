package repository

import (
	"context"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"github.com/aman-churiwal/admission-gateway/internal/throttle"
	"gorm.io/gorm/clause"
)

// PolicyRepository reads operator-managed throttle policies
type PolicyRepository struct {
	db *storage.Database
}

func NewPolicyRepository(db *storage.Database) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// ListEnabled returns enabled rows ordered by scope and tier
func (r *PolicyRepository) ListEnabled(ctx context.Context) ([]models.ThrottlePolicy, error) {
	var rows []models.ThrottlePolicy
	err := r.db.DB.WithContext(ctx).
		Where("enabled = ?", true).
		Order("scope ASC, tier ASC").
		Find(&rows).Error

	return rows, err
}

// Save inserts or replaces the row for (scope, tier)
func (r *PolicyRepository) Save(ctx context.Context, row *models.ThrottlePolicy) error {
	return r.db.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}, {Name: "tier"}},
			UpdateAll: true,
		}).
		Create(row).Error
}

// Merge overlays enabled database policies onto the file policies.
// A row replaces the file entry with the same scope and tier.
func (r *PolicyRepository) Merge(ctx context.Context, base []throttle.Policy) ([]throttle.Policy, error) {
	rows, err := r.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}

	return MergePolicies(base, rows), nil
}

// MergePolicies keeps base order and appends scopes only present in rows
func MergePolicies(base []throttle.Policy, rows []models.ThrottlePolicy) []throttle.Policy {
	type key struct {
		scope string
		tier  throttle.Tier
	}

	overrides := make(map[key]throttle.Policy, len(rows))
	order := make([]key, 0, len(rows))
	for _, row := range rows {
		p := row.ToPolicy()
		k := key{scope: p.Scope, tier: p.Tier}
		if _, dup := overrides[k]; !dup {
			order = append(order, k)
		}
		overrides[k] = p
	}

	out := make([]throttle.Policy, 0, len(base)+len(rows))
	for _, p := range base {
		k := key{scope: p.Scope, tier: p.Tier}
		if o, ok := overrides[k]; ok {
			out = append(out, o)
			delete(overrides, k)
			continue
		}
		out = append(out, p)
	}

	for _, k := range order {
		if p, ok := overrides[k]; ok {
			out = append(out, p)
		}
	}

	return out
}
