package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wgfleet/wgfleet/internal/artifacts"
	"github.com/wgfleet/wgfleet/internal/massop"
	"github.com/wgfleet/wgfleet/internal/models"
	"github.com/wgfleet/wgfleet/internal/store"
)

// BindingHandler manages single bindings and their artifacts.
type BindingHandler struct {
	store     *store.Store
	executor  *massop.Executor
	artifacts *artifacts.Service
}

// NewBindingHandler constructs a BindingHandler.
func NewBindingHandler(s *store.Store, executor *massop.Executor, arts *artifacts.Service) *BindingHandler {
	return &BindingHandler{store: s, executor: executor, artifacts: arts}
}

type batchDeleteRequest struct {
	IDs []uint64 `json:"ids"`
}

// List returns every binding, optionally restricted to one gateway.
func (h *BindingHandler) List(c *gin.Context) {
	var (
		bindings []models.Binding
		errList  error
	)
	if raw := strings.TrimSpace(c.Query("gateway_id")); raw != "" {
		gatewayID, errID := strconv.ParseUint(raw, 10, 64)
		if errID != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid gateway_id"})
			return
		}
		bindings, errList = h.store.ListBindingsByGateway(c.Request.Context(), gatewayID)
	} else {
		bindings, errList = h.store.ListBindings(c.Request.Context())
	}
	if errList != nil {
		writeError(c, "binding", errList)
		return
	}
	out := make([]gin.H, 0, len(bindings))
	for i := range bindings {
		out = append(out, bindingRow(&bindings[i]))
	}
	c.JSON(http.StatusOK, gin.H{"bindings": out})
}

// Get returns one binding.
func (h *BindingHandler) Get(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	b, errGet := h.store.GetBinding(c.Request.Context(), id)
	if errGet != nil {
		writeError(c, "binding", errGet)
		return
	}
	c.JSON(http.StatusOK, bindingRow(&b))
}

// Enable enables the remote peer of one binding.
func (h *BindingHandler) Enable(c *gin.Context) { h.setEnabled(c, true) }

// Disable disables the remote peer of one binding.
func (h *BindingHandler) Disable(c *gin.Context) { h.setEnabled(c, false) }

func (h *BindingHandler) setEnabled(c *gin.Context, enabled bool) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	b, errSet := h.executor.SetBindingEnabled(c.Request.Context(), id, enabled)
	if errSet != nil {
		writeError(c, "binding", errSet)
		return
	}
	c.JSON(http.StatusOK, bindingRow(&b))
}

// SetExpiry sets or clears the peer expiry.
func (h *BindingHandler) SetExpiry(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var body expiryRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	expiresAt, errExpiry := body.parse()
	if errExpiry != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errExpiry.Error()})
		return
	}
	b, errSet := h.executor.SetBindingExpiry(c.Request.Context(), id, expiresAt)
	if errSet != nil {
		writeError(c, "binding", errSet)
		return
	}
	c.JSON(http.StatusOK, bindingRow(&b))
}

// Delete removes one binding and attempts to delete its remote peer.
func (h *BindingHandler) Delete(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	outcome, errDelete := h.executor.DeleteBinding(c.Request.Context(), id)
	if errDelete != nil {
		writeError(c, "binding", errDelete)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// BatchDelete removes several bindings; each remote deletion is reported separately.
func (h *BindingHandler) BatchDelete(c *gin.Context) {
	var body batchDeleteRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(body.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids are required"})
		return
	}
	report, errDelete := h.executor.DeleteBindings(c.Request.Context(), body.IDs)
	if errDelete != nil {
		writeError(c, "binding", errDelete)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Configuration downloads the peer configuration file.
func (h *BindingHandler) Configuration(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	a, errFetch := h.artifacts.Configuration(c.Request.Context(), id)
	if errFetch != nil {
		writeError(c, "binding", errFetch)
		return
	}
	sendArtifact(c, a)
}

// QRCode serves the gateway-rendered QR code image.
func (h *BindingHandler) QRCode(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	a, errFetch := h.artifacts.QRCode(c.Request.Context(), id)
	if errFetch != nil {
		writeError(c, "binding", errFetch)
		return
	}
	c.Data(http.StatusOK, a.ContentType, a.Data)
}
