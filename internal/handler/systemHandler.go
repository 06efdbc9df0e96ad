package handler

import (
	"net/http"
	"sort"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/gin-gonic/gin"
)

// Handles gateway status and circuit breaker endpoints
type SystemHandler struct {
	breakers  map[string]*circuitbreaker.CircuitBreaker
	store     string
	failOpen  bool
	policies  func() int
	startTime time.Time
}

// breakers maps a name ("store", or a route path) to its breaker
func NewSystemHandler(breakers map[string]*circuitbreaker.CircuitBreaker, store string, failOpen bool, policies func() int) *SystemHandler {
	return &SystemHandler{
		breakers:  breakers,
		store:     store,
		failOpen:  failOpen,
		policies:  policies,
		startTime: time.Now(),
	}
}

func (h *SystemHandler) Status(c *gin.Context) {
	open := make([]string, 0)
	for name, cb := range h.breakers {
		if cb.State() == circuitbreaker.StateOpen {
			open = append(open, name)
		}
	}
	sort.Strings(open)

	c.JSON(http.StatusOK, gin.H{
		"gateway":       "running",
		"counter_store": h.store,
		"fail_open":     h.failOpen,
		"policies":      h.policies(),
		"open_circuits": open,
		"uptime":        time.Since(h.startTime).Seconds(),
		"timestamp":     time.Now().Unix(),
	})
}

// Returns the status of all circuit breakers
func (h *SystemHandler) CircuitBreakerStatus(c *gin.Context) {
	statuses := make(map[string]interface{}, len(h.breakers))

	for name, cb := range h.breakers {
		metrics := cb.Metrics()

		statuses[name] = gin.H{
			"state":             metrics.State.String(),
			"failure_count":     metrics.FailureCount,
			"success_count":     metrics.SuccessCount,
			"last_failure_time": metrics.LastFailureTime,
			"last_state_change": metrics.LastStateChange,
		}
	}

	c.JSON(http.StatusOK, statuses)
}

// Manually resets a circuit breaker
func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	name := c.Query("name")

	cb, exists := h.breakers[name]
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Circuit breaker not found",
		})
		return
	}

	cb.Reset()

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"name":    name,
	})
}
