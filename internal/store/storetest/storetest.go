// Package storetest opens migrated SQLite stores for tests.
package storetest

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wgfleet/wgfleet/internal/db"
	"github.com/wgfleet/wgfleet/internal/models"
	"github.com/wgfleet/wgfleet/internal/store"
)

var seq atomic.Int64

// Open returns a store over a fresh shared-cache in-memory SQLite database.
func Open(t testing.TB) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:wgfleet_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), seq.Add(1))
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return store.New(conn)
}

// OpenFile returns a store over a file-backed database opened through db.Open,
// with a multi-connection pool so concurrent writers really contend.
func OpenFile(t testing.TB) *store.Store {
	t.Helper()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "wgfleet.db")
	conn, errOpen := db.Open(dsn, db.Options{MaxOpenConns: 8, MaxIdleConns: 8})
	if errOpen != nil {
		t.Fatalf("open sqlite file: %v", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return store.New(conn)
}

// Gateway inserts a gateway row.
func Gateway(t testing.TB, s *store.Store, name string) models.Gateway {
	t.Helper()
	gw := models.Gateway{Name: name, BaseURL: "http://" + name + ".invalid", Username: "admin", Password: "secret"}
	if errCreate := s.CreateGateway(t.Context(), &gw); errCreate != nil {
		t.Fatalf("create gateway: %v", errCreate)
	}
	return gw
}

// User inserts a logical user.
func User(t testing.TB, s *store.Store, name string) models.LogicalUser {
	t.Helper()
	user := models.LogicalUser{Name: name}
	if errCreate := s.CreateUser(t.Context(), &user); errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}
	return user
}

// Binding inserts a binding.
func Binding(t testing.TB, s *store.Store, userID, gatewayID uint64, remoteID, remoteName string) models.Binding {
	t.Helper()
	b := models.Binding{LogicalUserID: userID, GatewayID: gatewayID, RemotePeerID: remoteID, RemotePeerName: remoteName}
	if errCreate := s.CreateBinding(t.Context(), &b); errCreate != nil {
		t.Fatalf("create binding: %v", errCreate)
	}
	return b
}
