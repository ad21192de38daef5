package models

import (
	"time"

	"gorm.io/datatypes"
)

// Setting stores a key/value runtime setting in the database.
type Setting struct {
	Key       string         `gorm:"type:varchar(255);primaryKey"`                      // Setting key.
	Value     datatypes.JSON `gorm:"type:jsonb"`                                        // JSON-encoded value.
	UpdatedAt time.Time      `gorm:"not null;autoUpdateTime;default:CURRENT_TIMESTAMP"` // Last update timestamp.
}
