package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wgfleet/wgfleet/internal/store"
)

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	store *store.Store
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(s *store.Store) *HealthHandler {
	return &HealthHandler{store: s}
}

// Healthz pings the binding store and reports the cached gateway health counts.
func (h *HealthHandler) Healthz(c *gin.Context) {
	sqlDB, err := h.store.DB().DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	if errPing := sqlDB.PingContext(c.Request.Context()); errPing != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	gateways, errList := h.store.ListGateways(c.Request.Context())
	if errList != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	healthy := 0
	for _, gw := range gateways {
		if gw.LastStatusOK {
			healthy++
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "gateways": len(gateways), "gateways_healthy": healthy})
}
