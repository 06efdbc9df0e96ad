package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/throttle"
	"github.com/gin-gonic/gin"
)

// AdminHandler serves policy and quota administration
type AdminHandler struct {
	engine *throttle.Engine
}

func NewAdminHandler(engine *throttle.Engine) *AdminHandler {
	return &AdminHandler{engine: engine}
}

type usageResponse struct {
	Scope      string            `json:"scope"`
	Key        string            `json:"key"`
	Policy     throttle.Policy   `json:"policy"`
	Live       bool              `json:"live"`
	Count      int64             `json:"count"`
	Remaining  int64             `json:"remaining"`
	ResetAt    *time.Time        `json:"reset_at,omitempty"`
	Violations violationResponse `json:"violations"`
}

type violationResponse struct {
	Consecutive     int64      `json:"consecutive"`
	Level           string     `json:"level"`
	DelaySeconds    float64    `json:"delay_seconds"`
	LastViolationAt *time.Time `json:"last_violation_at,omitempty"`
}

func (h *AdminHandler) Policies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"policies": h.engine.Registry().Policies(),
	})
}

// Usage reports the quota state of one identity. Query: identity or address, optional tier.
func (h *AdminHandler) Usage(c *gin.Context) {
	req := admissionRequest{
		Scope:    c.Param("scope"),
		Identity: c.Query("identity"),
		Address:  c.Query("address"),
		Tier:     c.Query("tier"),
	}
	if req.Identity == "" && req.Address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identity or address query parameter required"})
		return
	}

	usage, err := h.engine.Inspect(c.Request.Context(), req.Scope, subject(c, req))
	if err != nil {
		adminError(c, err)
		return
	}

	resp := usageResponse{
		Scope:     usage.Policy.Scope,
		Key:       usage.Key,
		Policy:    usage.Policy,
		Live:      usage.Live,
		Remaining: usage.Policy.Limit,
		Violations: violationResponse{
			Consecutive:  usage.Violations.Consecutive,
			Level:        usage.Violations.Level.String(),
			DelaySeconds: usage.Violations.Delay.Seconds(),
		},
	}
	if usage.Live {
		resp.Count = usage.Counter.Count
		resp.Remaining = max(usage.Policy.Limit-usage.Counter.Count, 0)
		resetAt := usage.Counter.Expiry
		resp.ResetAt = &resetAt
	}
	if !usage.Violations.LastViolationAt.IsZero() {
		last := usage.Violations.LastViolationAt
		resp.Violations.LastViolationAt = &last
	}

	c.JSON(http.StatusOK, resp)
}

func (h *AdminHandler) Invalidate(c *gin.Context) {
	scope := c.Param("scope")

	removed, err := h.engine.Invalidate(c.Request.Context(), scope)
	if err != nil {
		adminError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scope":   scope,
		"removed": removed,
	})
}

func adminError(c *gin.Context, err error) {
	if errors.Is(err, throttle.ErrThrottleUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
