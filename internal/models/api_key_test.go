package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/aman-churiwal/admission-gateway/internal/throttle"
)

func TestAPIKeyIdentity(t *testing.T) {
	id := uuid.MustParse("6f1c2a4e-0000-4000-8000-000000000001")

	key := APIKey{ID: id, Tier: "Partner"}
	assert.Equal(t, throttle.Identity{Key: "key:" + id.String(), Tier: "Partner"}, key.Identity())

	untiered := APIKey{ID: id}
	assert.Equal(t, throttle.TierAuthenticated, untiered.Identity().Tier)
}
