package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/wgfleet/wgfleet/internal/artifacts"
	"github.com/wgfleet/wgfleet/internal/fanout"
	"github.com/wgfleet/wgfleet/internal/gateway"
	"github.com/wgfleet/wgfleet/internal/models"
	"github.com/wgfleet/wgfleet/internal/reconcile"
	"github.com/wgfleet/wgfleet/internal/store"
	"github.com/wgfleet/wgfleet/internal/util"
)

// parseIDParam reads a positive numeric path parameter.
func parseIDParam(c *gin.Context, name string) (uint64, bool) {
	id, errID := strconv.ParseUint(strings.TrimSpace(c.Param(name)), 10, 64)
	if errID != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// writeError maps domain errors onto HTTP statuses. what names the resource for not-found messages.
func writeError(c *gin.Context, what string, err error) {
	var orphan *reconcile.OrphanError
	var partial *fanout.PartialFailure
	switch {
	case errors.As(err, &orphan):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":          err.Error(),
			"kind":           "orphaned_peer",
			"gateway_id":     orphan.GatewayID,
			"remote_peer_id": orphan.RemotePeerID,
			"drift_id":       orphan.DriftID,
		})
	case errors.As(err, &partial):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "kind": "partial_failure", "errors": partial.Failures})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
	case errors.Is(err, artifacts.ErrNoBindings):
		c.JSON(http.StatusNotFound, gin.H{"error": "no peers found for this user"})
	case errors.Is(err, store.ErrDuplicateBinding):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "kind": "duplicate_binding"})
	case errors.Is(err, gateway.ErrBindingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "kind": gateway.Kind(err)})
	case errors.Is(err, gateway.ErrGatewayRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "kind": gateway.Kind(err)})
	case errors.Is(err, gateway.ErrAuthFailure), errors.Is(err, gateway.ErrGatewayUnreachable):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "kind": gateway.Kind(err)})
	default:
		log.WithError(err).Errorf("admin api: %s %s failed", c.Request.Method, c.FullPath())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// expiryRequest carries an optional expiry. An explicit null or empty string clears it.
type expiryRequest struct {
	ExpiresAt *string `json:"expires_at"`
}

func (r expiryRequest) parse() (*time.Time, error) {
	if r.ExpiresAt == nil || strings.TrimSpace(*r.ExpiresAt) == "" {
		return nil, nil
	}
	raw := strings.TrimSpace(*r.ExpiresAt)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if parsed, errParse := time.Parse(layout, raw); errParse == nil {
			utc := parsed.UTC()
			return &utc, nil
		}
	}
	return nil, errors.New("invalid expires_at")
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func gatewayRow(gw *models.Gateway) gin.H {
	return gin.H{
		"id":              gw.ID,
		"name":            gw.Name,
		"base_url":        util.RedactURL(gw.BaseURL),
		"username":        gw.Username,
		"password":        util.HideSecret(gw.Password),
		"last_status_ok":  gw.LastStatusOK,
		"last_checked_at": formatTime(gw.LastCheckedAt),
		"last_error":      gw.LastError,
		"created_at":      gw.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":      gw.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func userRow(u *models.LogicalUser) gin.H {
	return gin.H{
		"id":         u.ID,
		"name":       u.Name,
		"note":       u.Note,
		"created_at": u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func bindingRow(b *models.Binding) gin.H {
	return gin.H{
		"id":               b.ID,
		"logical_user_id":  b.LogicalUserID,
		"gateway_id":       b.GatewayID,
		"remote_peer_id":   b.RemotePeerID,
		"remote_peer_name": b.RemotePeerName,
		"expires_at":       formatTime(b.ExpiresAt),
		"enabled":          b.Enabled,
		"remote_missing":   b.RemoteMissing,
		"last_synced_at":   formatTime(b.LastSyncedAt),
		"created_at":       b.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func driftRow(d *models.DriftRecord) gin.H {
	var details any
	if len(d.Details) > 0 {
		details = d.Details
	}
	return gin.H{
		"id":             d.ID,
		"kind":           d.Kind,
		"gateway_id":     d.GatewayID,
		"remote_peer_id": d.RemotePeerID,
		"message":        d.Message,
		"details":        details,
		"resolved_at":    formatTime(d.ResolvedAt),
		"created_at":     d.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// sendArtifact writes a downloadable payload with an attachment disposition.
func sendArtifact(c *gin.Context, a artifacts.Artifact) {
	c.Header("Content-Disposition", `attachment; filename="`+a.AttachmentName+`"`)
	c.Data(http.StatusOK, a.ContentType, a.Data)
}
