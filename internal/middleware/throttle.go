package middleware

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/throttle"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const scopeKey = "throttle_scope"

// Throttle admits the request under scope or rejects it with 429.
// When the counter store is down the request is rejected with 503, or let
// through unthrottled if failOpen is set. Charge-on-success scopes are
// settled once the handler chain has produced a status.
func Throttle(engine *throttle.Engine, scope string, failOpen bool, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := IdentityFrom(c)
		ctx := c.Request.Context()

		c.Set(scopeKey, scope)
		c.Header("X-RateLimit-Scope", scope)
		c.Header("X-RateLimit-Tier", string(id.Tier))

		decision, err := engine.Check(ctx, scope, id.Identity)
		if err != nil {
			if failOpen && errors.Is(err, throttle.ErrThrottleUnavailable) {
				logger.Warn("Throttle unavailable, admitting request",
					zap.String("scope", scope),
					zap.Error(err),
				)
				c.Next()
				return
			}

			logger.Error("Throttle check failed", zap.String("scope", scope), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "Throttle temporarily unavailable",
				"scope": scope,
			})
			return
		}

		SetDecisionHeaders(c, decision)

		if !decision.Allowed {
			retryAfter := RetryAfterSeconds(decision.RetryAfter)
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"scope":       decision.Scope,
				"tier":        id.Tier,
				"limit":       decision.Limit,
				"remaining":   decision.Remaining,
				"retry_after": retryAfter,
				"violations":  decision.Violations,
			})
			return
		}

		settle := func(success bool) {
			if err := engine.Settle(context.WithoutCancel(ctx), scope, id.Identity, success); err != nil {
				logger.Warn("Throttle settle failed",
					zap.String("scope", scope),
					zap.Bool("success", success),
					zap.Error(err),
				)
			}
		}

		// A panicking handler counts as a failed operation; the panic keeps
		// unwinding to Recovery.
		completed := false
		defer func() {
			if !completed {
				settle(false)
			}
		}()

		c.Next()
		completed = true

		settle(c.Writer.Status() < http.StatusBadRequest)
	}
}

func SetDecisionHeaders(c *gin.Context, d throttle.Decision) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// RetryAfterSeconds rounds up so clients never retry early
func RetryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
