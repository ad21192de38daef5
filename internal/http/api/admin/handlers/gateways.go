package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wgfleet/wgfleet/internal/dashboard"
	"github.com/wgfleet/wgfleet/internal/health"
	"github.com/wgfleet/wgfleet/internal/massop"
	"github.com/wgfleet/wgfleet/internal/models"
	"github.com/wgfleet/wgfleet/internal/reconcile"
	"github.com/wgfleet/wgfleet/internal/store"
)

// GatewayHandler manages gateway CRUD, health checks and imports.
type GatewayHandler struct {
	store     *store.Store
	poller    *health.Poller
	engine    *reconcile.Engine
	executor  *massop.Executor
	dashboard *dashboard.Service
}

// NewGatewayHandler constructs a GatewayHandler.
func NewGatewayHandler(s *store.Store, poller *health.Poller, engine *reconcile.Engine, executor *massop.Executor, dash *dashboard.Service) *GatewayHandler {
	return &GatewayHandler{store: s, poller: poller, engine: engine, executor: executor, dashboard: dash}
}

type createGatewayRequest struct {
	Name     string `json:"name"`
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type updateGatewayRequest struct {
	Name     *string `json:"name"`
	BaseURL  *string `json:"base_url"`
	Username *string `json:"username"`
	Password *string `json:"password"`
}

func validBaseURL(raw string) bool {
	parsed, errParse := url.Parse(strings.TrimSpace(raw))
	if errParse != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

// List returns all gateways with masked passwords.
func (h *GatewayHandler) List(c *gin.Context) {
	rows, errList := h.store.ListGateways(c.Request.Context())
	if errList != nil {
		writeError(c, "gateway", errList)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, gatewayRow(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"gateways": out})
}

// Get returns one gateway.
func (h *GatewayHandler) Get(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	gw, errGet := h.store.GetGateway(c.Request.Context(), id)
	if errGet != nil {
		writeError(c, "gateway", errGet)
		return
	}
	c.JSON(http.StatusOK, gatewayRow(&gw))
}

// Create registers a gateway.
func (h *GatewayHandler) Create(c *gin.Context) {
	var body createGatewayRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" || strings.TrimSpace(body.Username) == "" || body.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, username and password are required"})
		return
	}
	if !validBaseURL(body.BaseURL) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid base_url"})
		return
	}
	gw := models.Gateway{
		Name:     name,
		BaseURL:  strings.TrimSpace(body.BaseURL),
		Username: strings.TrimSpace(body.Username),
		Password: body.Password,
	}
	if errCreate := h.store.CreateGateway(c.Request.Context(), &gw); errCreate != nil {
		writeError(c, "gateway", errCreate)
		return
	}
	c.JSON(http.StatusCreated, gatewayRow(&gw))
}

// Update changes gateway fields. A blank password keeps the stored one.
func (h *GatewayHandler) Update(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var body updateGatewayRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.Name != nil && strings.TrimSpace(*body.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name must not be empty"})
		return
	}
	if body.BaseURL != nil && !validBaseURL(*body.BaseURL) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid base_url"})
		return
	}
	gw, errUpdate := h.store.UpdateGateway(c.Request.Context(), id, store.GatewayUpdate{
		Name:     body.Name,
		BaseURL:  body.BaseURL,
		Username: body.Username,
		Password: body.Password,
	})
	if errUpdate != nil {
		writeError(c, "gateway", errUpdate)
		return
	}
	c.JSON(http.StatusOK, gatewayRow(&gw))
}

// Delete removes a gateway and its bindings. The remote gateway is not contacted.
func (h *GatewayHandler) Delete(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	removed, errDelete := h.executor.DeleteGateway(c.Request.Context(), id)
	if errDelete != nil {
		writeError(c, "gateway", errDelete)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "bindings_removed": removed})
}

// Check authenticates against the gateway and lists its peers.
func (h *GatewayHandler) Check(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	res, errCheck := h.poller.CheckGateway(c.Request.Context(), id)
	if errCheck != nil {
		writeError(c, "gateway", errCheck)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CheckAll checks every gateway concurrently.
func (h *GatewayHandler) CheckAll(c *gin.Context) {
	results, errCheck := h.poller.CheckAll(c.Request.Context())
	if errCheck != nil {
		writeError(c, "gateway", errCheck)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// Import binds every unbound peer of the gateway to a logical user.
func (h *GatewayHandler) Import(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	report, errImport := h.engine.ImportFromGateway(c.Request.Context(), id)
	if errImport != nil {
		writeError(c, "gateway", errImport)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ImportAll imports peers from every gateway.
func (h *GatewayHandler) ImportAll(c *gin.Context) {
	report, errImport := h.engine.ImportAll(c.Request.Context())
	if errImport != nil {
		writeError(c, "gateway", errImport)
		return
	}
	c.JSON(http.StatusOK, report)
}

// PeerSummary reports client counts and transfer totals of one gateway.
func (h *GatewayHandler) PeerSummary(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	summary, errSummary := h.dashboard.GatewayPeerSummary(c.Request.Context(), id)
	if errSummary != nil {
		writeError(c, "gateway", errSummary)
		return
	}
	c.JSON(http.StatusOK, summary)
}
