package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wgfleet/wgfleet/internal/artifacts"
	"github.com/wgfleet/wgfleet/internal/dashboard"
	"github.com/wgfleet/wgfleet/internal/fanout"
	"github.com/wgfleet/wgfleet/internal/massop"
	"github.com/wgfleet/wgfleet/internal/models"
	"github.com/wgfleet/wgfleet/internal/reconcile"
	"github.com/wgfleet/wgfleet/internal/store"
	"github.com/wgfleet/wgfleet/internal/traffic"
)

// UserHandler manages logical users and their per-gateway peers.
type UserHandler struct {
	store     *store.Store
	engine    *reconcile.Engine
	executor  *massop.Executor
	dashboard *dashboard.Service
	artifacts *artifacts.Service
	traffic   *traffic.Aggregator
}

// NewUserHandler constructs a UserHandler.
func NewUserHandler(s *store.Store, engine *reconcile.Engine, executor *massop.Executor, dash *dashboard.Service, arts *artifacts.Service, agg *traffic.Aggregator) *UserHandler {
	return &UserHandler{store: s, engine: engine, executor: executor, dashboard: dash, artifacts: arts, traffic: agg}
}

type createUserRequest struct {
	Name string `json:"name"`
	Note string `json:"note"`
}

type updateUserRequest struct {
	Name *string `json:"name"`
	Note *string `json:"note"`
}

type createBindingRequest struct {
	GatewayID uint64  `json:"gateway_id"`
	ExpiresAt *string `json:"expires_at"`
}

type attachBindingRequest struct {
	GatewayID    uint64 `json:"gateway_id"`
	RemotePeerID string `json:"remote_peer_id"`
}

// List returns logical users, optionally filtered by a name substring.
func (h *UserHandler) List(c *gin.Context) {
	rows, errList := h.store.ListUsers(c.Request.Context(), strings.TrimSpace(c.Query("q")))
	if errList != nil {
		writeError(c, "user", errList)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, userRow(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

// Get returns a user with its bindings.
func (h *UserHandler) Get(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	user, errGet := h.store.GetUser(c.Request.Context(), id)
	if errGet != nil {
		writeError(c, "user", errGet)
		return
	}
	bindings, errList := h.store.ListBindingsByUser(c.Request.Context(), id)
	if errList != nil {
		writeError(c, "user", errList)
		return
	}
	row := userRow(&user)
	out := make([]gin.H, 0, len(bindings))
	for i := range bindings {
		out = append(out, bindingRow(&bindings[i]))
	}
	row["bindings"] = out
	c.JSON(http.StatusOK, row)
}

// Create adds a logical user with no bindings.
func (h *UserHandler) Create(c *gin.Context) {
	var body createUserRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	user := models.LogicalUser{Name: body.Name, Note: body.Note}
	if errCreate := h.store.CreateUser(c.Request.Context(), &user); errCreate != nil {
		writeError(c, "user", errCreate)
		return
	}
	c.JSON(http.StatusCreated, userRow(&user))
}

// Update renames a user or edits its note. Remote peer names are left unchanged.
func (h *UserHandler) Update(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var body updateUserRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.Name != nil && strings.TrimSpace(*body.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name must not be empty"})
		return
	}
	user, errUpdate := h.store.UpdateUser(c.Request.Context(), id, body.Name, body.Note)
	if errUpdate != nil {
		writeError(c, "user", errUpdate)
		return
	}
	c.JSON(http.StatusOK, userRow(&user))
}

// Delete removes the user locally and attempts to delete each remote peer.
func (h *UserHandler) Delete(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	report, errDelete := h.executor.DeleteUser(c.Request.Context(), id)
	if errDelete != nil {
		writeError(c, "user", errDelete)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Bindings lists the user's bindings with cached flags.
func (h *UserHandler) Bindings(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if _, errGet := h.store.GetUser(c.Request.Context(), id); errGet != nil {
		writeError(c, "user", errGet)
		return
	}
	bindings, errList := h.store.ListBindingsByUser(c.Request.Context(), id)
	if errList != nil {
		writeError(c, "user", errList)
		return
	}
	out := make([]gin.H, 0, len(bindings))
	for i := range bindings {
		out = append(out, bindingRow(&bindings[i]))
	}
	c.JSON(http.StatusOK, gin.H{"bindings": out})
}

// BindingsStatus lists the user's bindings with the live enabled flag from each gateway.
func (h *UserHandler) BindingsStatus(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	rows, errStatus := h.dashboard.UserBindingsStatus(c.Request.Context(), id)
	if errStatus != nil {
		writeError(c, "user", errStatus)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		row := bindingRow(&rows[i].Binding)
		row["gateway_name"] = rows[i].GatewayName
		row["live_enabled"] = rows[i].LiveEnabled
		if rows[i].Error != "" {
			row["error"] = rows[i].Error
			row["error_kind"] = rows[i].ErrorKind
		}
		out = append(out, row)
	}
	c.JSON(http.StatusOK, gin.H{"bindings": out})
}

// CreateBinding creates a peer for the user on one gateway.
func (h *UserHandler) CreateBinding(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var body createBindingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.GatewayID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "gateway_id is required"})
		return
	}
	expiresAt, errExpiry := expiryRequest{ExpiresAt: body.ExpiresAt}.parse()
	if errExpiry != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errExpiry.Error()})
		return
	}
	b, errCreate := h.engine.CreateBinding(c.Request.Context(), id, body.GatewayID, expiresAt)
	if errCreate != nil {
		writeError(c, "user or gateway", errCreate)
		return
	}
	c.JSON(http.StatusCreated, bindingRow(&b))
}

// CreateForAllGateways creates a peer on every gateway where the user has none.
func (h *UserHandler) CreateForAllGateways(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var body expiryRequest
	if c.Request.ContentLength != 0 {
		if errBind := c.ShouldBindJSON(&body); errBind != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	expiresAt, errExpiry := body.parse()
	if errExpiry != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errExpiry.Error()})
		return
	}
	report, errCreate := h.engine.CreateForAllGateways(c.Request.Context(), id, expiresAt)
	if errCreate != nil {
		writeError(c, "user", errCreate)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Attach binds an existing remote peer to the user.
func (h *UserHandler) Attach(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var body attachBindingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.GatewayID == 0 || strings.TrimSpace(body.RemotePeerID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "gateway_id and remote_peer_id are required"})
		return
	}
	b, errAttach := h.engine.BindExisting(c.Request.Context(), id, body.GatewayID, body.RemotePeerID)
	if errAttach != nil {
		writeError(c, "user or gateway", errAttach)
		return
	}
	c.JSON(http.StatusCreated, bindingRow(&b))
}

// Enable enables every peer of the user.
func (h *UserHandler) Enable(c *gin.Context) { h.setEnabled(c, true) }

// Disable disables every peer of the user.
func (h *UserHandler) Disable(c *gin.Context) { h.setEnabled(c, false) }

func (h *UserHandler) setEnabled(c *gin.Context, enabled bool) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	report, errSet := h.executor.SetUserEnabled(c.Request.Context(), id, enabled)
	if errSet != nil {
		writeError(c, "user", errSet)
		return
	}
	c.JSON(http.StatusOK, report)
}

// QRCodes lists QR code links for every binding of the user.
func (h *UserHandler) QRCodes(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	user, links, errList := h.artifacts.UserQRCodes(c.Request.Context(), id, func(bindingID uint64) string {
		return "/v0/admin/bindings/" + strconv.FormatUint(bindingID, 10) + "/qrcode"
	})
	if errList != nil {
		writeError(c, "user", errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user.ID, "user_name": user.Name, "qrcodes": links})
}

// Configurations downloads a zip of every configuration of the user.
func (h *UserHandler) Configurations(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	archive, errArchive := h.artifacts.UserArchive(c.Request.Context(), id)
	if errArchive != nil {
		writeError(c, "user", errArchive)
		return
	}
	c.Header("X-Skipped-Bindings", strconv.Itoa(len(archive.Skipped)))
	sendArtifact(c, archive.Artifact)
}

// Traffic reports the user's cumulative and per-period traffic.
func (h *UserHandler) Traffic(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if _, _, errPeriod := traffic.ParsePeriod(c.Query("period")); errPeriod != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errPeriod.Error()})
		return
	}
	var resp userTrafficResponse
	if c.Query("refresh") == "true" {
		failures, errRefresh := h.traffic.RefreshUser(c.Request.Context(), id)
		if errRefresh != nil {
			writeError(c, "user", errRefresh)
			return
		}
		resp.RefreshErrors = failures
	}
	rollup, errRollup := h.traffic.UserRollup(c.Request.Context(), id, c.Query("period"))
	if errRollup != nil {
		writeError(c, "user", errRollup)
		return
	}
	resp.UserTraffic = rollup
	c.JSON(http.StatusOK, resp)
}

type userTrafficResponse struct {
	traffic.UserTraffic
	RefreshErrors []fanout.ItemError `json:"refresh_errors,omitempty"`
}
