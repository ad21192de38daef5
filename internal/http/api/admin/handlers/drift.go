package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wgfleet/wgfleet/internal/store"
)

// DriftHandler lists and resolves drift records.
type DriftHandler struct {
	store *store.Store
}

// NewDriftHandler constructs a DriftHandler.
func NewDriftHandler(s *store.Store) *DriftHandler {
	return &DriftHandler{store: s}
}

// List returns open drift records, or all of them with ?all=true.
func (h *DriftHandler) List(c *gin.Context) {
	rows, errList := h.store.ListDrift(c.Request.Context(), c.Query("all") == "true")
	if errList != nil {
		writeError(c, "drift record", errList)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, driftRow(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"drift": out})
}

// Resolve marks a drift record as handled.
func (h *DriftHandler) Resolve(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	row, errResolve := h.store.ResolveDrift(c.Request.Context(), id, time.Now().UTC())
	if errResolve != nil {
		writeError(c, "drift record", errResolve)
		return
	}
	c.JSON(http.StatusOK, driftRow(&row))
}
