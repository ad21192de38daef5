package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wgfleet/wgfleet/internal/dashboard"
	"github.com/wgfleet/wgfleet/internal/traffic"
)

// DashboardHandler serves fleet overview endpoints.
type DashboardHandler struct {
	dashboard *dashboard.Service
	traffic   *traffic.Aggregator
}

// NewDashboardHandler constructs a DashboardHandler.
func NewDashboardHandler(dash *dashboard.Service, agg *traffic.Aggregator) *DashboardHandler {
	return &DashboardHandler{dashboard: dash, traffic: agg}
}

// Overview lists every gateway with live counts and period traffic.
func (h *DashboardHandler) Overview(c *gin.Context) {
	if _, _, errPeriod := traffic.ParsePeriod(c.Query("period")); errPeriod != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errPeriod.Error()})
		return
	}
	out, errOverview := h.dashboard.Overview(c.Request.Context(), c.Query("period"))
	if errOverview != nil {
		writeError(c, "gateway", errOverview)
		return
	}
	c.JSON(http.StatusOK, out)
}

// GatewayTraffic returns the recorded samples and period delta of one gateway.
func (h *DashboardHandler) GatewayTraffic(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	name, period, errPeriod := traffic.ParsePeriod(c.Query("period"))
	if errPeriod != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errPeriod.Error()})
		return
	}
	series, errSeries := h.traffic.GatewaySeries(c.Request.Context(), id, period)
	if errSeries != nil {
		writeError(c, "gateway", errSeries)
		return
	}
	delta := traffic.Delta(series)
	c.JSON(http.StatusOK, gin.H{
		"gateway_id": id,
		"period":     name,
		"period_rx":  delta.Rx,
		"period_tx":  delta.Tx,
		"history":    series,
	})
}

// Sample records a traffic sample from every gateway immediately.
func (h *DashboardHandler) Sample(c *gin.Context) {
	report, errSample := h.traffic.SampleAll(c.Request.Context())
	if errSample != nil {
		writeError(c, "gateway", errSample)
		return
	}
	c.JSON(http.StatusOK, report)
}
