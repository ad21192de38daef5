package models

import "time"

// Gateway represents an independently administered wg-easy endpoint.
type Gateway struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.
	Name    string `gorm:"type:text;not null"`       // Display name.
	BaseURL string `gorm:"type:text;not null"`       // Base address, e.g. http://10.0.0.1:51821.

	Username string `gorm:"type:text;not null"` // Gateway API username.
	Password string `gorm:"type:text;not null"` // Gateway API password; never echoed back.

	LastStatusOK  bool       `gorm:"type:boolean;not null;default:false"` // Result of the last health check.
	LastCheckedAt *time.Time `gorm:"index"`                               // Timestamp of the last health check.
	LastError     string     `gorm:"type:text"`                           // Error message of the last failed check.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
