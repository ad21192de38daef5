package models

import "time"

// LogicalUser is a person that may own peers on several gateways.
type LogicalUser struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.
	Name string `gorm:"type:text;not null;index"` // Display name, also used as remote peer name.
	Note string `gorm:"type:text"`                // Optional free-text note.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
