package db

import (
	"fmt"

	"github.com/wgfleet/wgfleet/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates every table used by the service.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.Admin{},
		&models.Setting{},
		&models.Gateway{},
		&models.LogicalUser{},
		&models.Binding{},
		&models.DriftRecord{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
