package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	internalsettings "github.com/wgfleet/wgfleet/internal/settings"
)

// SettingsHandler reads and writes runtime settings.
type SettingsHandler struct {
	db *gorm.DB
}

// NewSettingsHandler constructs a SettingsHandler.
func NewSettingsHandler(db *gorm.DB) *SettingsHandler {
	return &SettingsHandler{db: db}
}

// List returns the current value of every known setting; unset keys are null.
func (h *SettingsHandler) List(c *gin.Context) {
	out := make(gin.H, len(internalsettings.KnownKeys))
	for _, key := range internalsettings.KnownKeys {
		if raw, ok := internalsettings.DBConfigValue(key); ok {
			out[key] = raw
			continue
		}
		out[key] = nil
	}
	c.JSON(http.StatusOK, gin.H{"settings": out, "updated_at": internalsettings.DBConfigUpdatedAt()})
}

type putSettingRequest struct {
	Value json.RawMessage `json:"value"`
}

// Put stores one setting and refreshes the in-memory snapshot.
func (h *SettingsHandler) Put(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if !internalsettings.IsKnownKey(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown setting"})
		return
	}
	var body putSettingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || len(body.Value) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if _, ok := internalsettings.ParseInt(body.Value); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value must be an integer"})
		return
	}
	if errSave := internalsettings.Save(c.Request.Context(), h.db, key, body.Value); errSave != nil {
		if errors.Is(errSave, internalsettings.ErrUnknownKey) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown setting"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save setting failed"})
		return
	}
	raw, _ := internalsettings.DBConfigValue(key)
	c.JSON(http.StatusOK, gin.H{"key": key, "value": raw})
}
