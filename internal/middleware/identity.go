package middleware

import (
	"errors"
	"net/http"

	"github.com/aman-churiwal/admission-gateway/internal/identity"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const identityKey = "identity"

// Identify resolves the caller once per request. Presented but invalid
// credentials are rejected with 401; requests without any fall back to the client address.
func Identify(resolver *identity.Resolver, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		resolved, err := resolver.Resolve(c.Request, c.ClientIP())
		if err != nil {
			if errors.Is(err, identity.ErrInvalidToken) || errors.Is(err, identity.ErrInvalidAPIKey) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": err.Error(),
				})
				return
			}

			logger.Error("Identity resolution failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to resolve caller identity",
			})
			return
		}

		c.Set(identityKey, resolved)
		if resolved.APIKey != nil {
			c.Set("api_key_id", resolved.APIKey.ID)
		}

		c.Next()
	}
}

// IdentityFrom returns the identity set by Identify, or the client address identity
func IdentityFrom(c *gin.Context) identity.Resolved {
	if v, ok := c.Get(identityKey); ok {
		if resolved, ok := v.(identity.Resolved); ok {
			return resolved
		}
	}
	return identity.FromAddress(c.ClientIP())
}
