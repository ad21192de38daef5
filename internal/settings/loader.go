package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wgfleet/wgfleet/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrUnknownKey is returned by Save for keys outside KnownKeys.
var ErrUnknownKey = errors.New("settings: unknown key")

// RefreshDBConfigSnapshot reloads all settings from the database and updates the in-memory snapshot.
//
// Called at startup and after every write through Save.
func RefreshDBConfigSnapshot(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var rows []models.Setting
	if errFind := db.WithContext(ctx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		return errFind
	}

	values := make(map[string]json.RawMessage, len(rows))
	maxUpdatedAt := time.Time{}
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		values[key] = unwrapValue(json.RawMessage(row.Value))
		if rowUpdatedAt := row.UpdatedAt.UTC(); rowUpdatedAt.After(maxUpdatedAt) {
			maxUpdatedAt = rowUpdatedAt
		}
	}

	StoreDBConfig(maxUpdatedAt, values)
	return nil
}

// Save upserts one setting and refreshes the snapshot.
func Save(ctx context.Context, db *gorm.DB, key string, value json.RawMessage) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	key = strings.TrimSpace(key)
	if !IsKnownKey(key) {
		return fmt.Errorf("%w %s", ErrUnknownKey, key)
	}
	if !json.Valid(value) {
		return errors.New("settings: value must be valid json")
	}
	wrapped, errWrap := json.Marshal(storedValue{Value: value})
	if errWrap != nil {
		return fmt.Errorf("settings: encode %s: %w", key, errWrap)
	}
	row := models.Setting{Key: key, Value: datatypes.JSON(wrapped), UpdatedAt: time.Now().UTC()}
	if errSave := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error; errSave != nil {
		return errSave
	}
	return RefreshDBConfigSnapshot(ctx, db)
}

// storedValue is the column encoding. Values are always wrapped in an object:
// SQLite stores a bare scalar in a jsonb column as INTEGER, which datatypes.JSON cannot scan.
type storedValue struct {
	Value json.RawMessage `json:"value"`
}

func unwrapValue(raw json.RawMessage) json.RawMessage {
	var stored storedValue
	if errUnmarshal := json.Unmarshal(raw, &stored); errUnmarshal == nil && len(stored.Value) > 0 {
		return stored.Value
	}
	return raw
}
