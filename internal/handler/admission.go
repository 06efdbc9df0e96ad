package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/identity"
	"github.com/aman-churiwal/admission-gateway/internal/middleware"
	"github.com/aman-churiwal/admission-gateway/internal/throttle"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdmissionHandler exposes the engine to processes that do not sit behind the gateway
type AdmissionHandler struct {
	engine *throttle.Engine
	logger *zap.Logger
}

func NewAdmissionHandler(engine *throttle.Engine, logger *zap.Logger) *AdmissionHandler {
	return &AdmissionHandler{engine: engine, logger: logger}
}

// The subject is, in order: an explicit identity key, a raw client address,
// or the caller of this endpoint.
type admissionRequest struct {
	Scope    string `json:"scope"`
	Identity string `json:"identity"`
	Address  string `json:"address"`
	Tier     string `json:"tier"`
}

type settleRequest struct {
	admissionRequest
	Success *bool `json:"success" binding:"required"`
}

type decisionResponse struct {
	Scope             string    `json:"scope"`
	Allowed           bool      `json:"allowed"`
	Limit             int64     `json:"limit"`
	Remaining         int64     `json:"remaining"`
	ResetAt           time.Time `json:"reset_at"`
	RetryAfterSeconds int64     `json:"retry_after_seconds"`
	Violations        int64     `json:"violations"`
}

func (h *AdmissionHandler) Check(c *gin.Context) {
	var req admissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision, err := h.engine.Check(c.Request.Context(), req.Scope, subject(c, req))
	if err != nil {
		h.engineError(c, err)
		return
	}

	middleware.SetDecisionHeaders(c, decision)
	c.JSON(http.StatusOK, decisionResponse{
		Scope:             decision.Scope,
		Allowed:           decision.Allowed,
		Limit:             decision.Limit,
		Remaining:         decision.Remaining,
		ResetAt:           decision.ResetAt,
		RetryAfterSeconds: middleware.RetryAfterSeconds(decision.RetryAfter),
		Violations:        decision.Violations,
	})
}

func (h *AdmissionHandler) Settle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.engine.Settle(c.Request.Context(), req.Scope, subject(c, req.admissionRequest), *req.Success); err != nil {
		h.engineError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *AdmissionHandler) engineError(c *gin.Context, err error) {
	if errors.Is(err, throttle.ErrThrottleUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Throttle temporarily unavailable"})
		return
	}

	h.logger.Error("Admission request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func subject(c *gin.Context, req admissionRequest) throttle.Identity {
	tier := throttle.Tier(req.Tier)

	switch {
	case req.Identity != "":
		if tier == "" {
			tier = throttle.TierAnonymous
		}
		return throttle.Identity{Key: req.Identity, Tier: tier}
	case req.Address != "":
		id := identity.FromAddress(req.Address).Identity
		if tier != "" {
			id.Tier = tier
		}
		return id
	default:
		return middleware.IdentityFrom(c).Identity
	}
}
