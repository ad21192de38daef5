package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/wgfleet/wgfleet/internal/models"
	"gorm.io/gorm"
)

func TestMigrateSQLiteCreatesTables(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}

	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	for _, table := range []string{"admins", "settings", "gateways", "logical_users", "bindings", "drift_records"} {
		if !conn.Migrator().HasTable(table) {
			t.Fatalf("missing table %s", table)
		}
	}
	for _, column := range []string{"last_status_ok", "last_checked_at", "last_error"} {
		if !conn.Migrator().HasColumn("gateways", column) {
			t.Fatalf("gateways missing column %s", column)
		}
	}
	if !conn.Migrator().HasIndex(&models.Binding{}, "idx_bindings_gateway_remote_peer") {
		t.Fatalf("bindings missing unique index")
	}
}

func TestMigrateSQLiteRejectsDuplicateRemotePeer(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	first := models.Binding{LogicalUserID: 1, GatewayID: 7, RemotePeerID: "42", RemotePeerName: "alice"}
	if errCreate := conn.Create(&first).Error; errCreate != nil {
		t.Fatalf("create first binding: %v", errCreate)
	}
	second := models.Binding{LogicalUserID: 2, GatewayID: 7, RemotePeerID: "42", RemotePeerName: "bob"}
	errCreate := conn.Create(&second).Error
	if !IsUniqueViolation(errCreate) {
		t.Fatalf("expected unique violation, got %v", errCreate)
	}
}

func TestDetectDialectFromDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":     DialectPostgres,
		"host=localhost user=u dbname=db": DialectPostgres,
		"file:data/wgfleet.db":            DialectSQLite,
		"sqlite:///var/lib/wgfleet.db":    DialectSQLite,
		"wgfleet.db":                      DialectSQLite,
	}
	for dsn, want := range cases {
		got, errDetect := detectDialectFromDSN(dsn)
		if errDetect != nil {
			t.Fatalf("detect %q: %v", dsn, errDetect)
		}
		if got != want {
			t.Fatalf("detect %q: expected %s, got %s", dsn, want, got)
		}
	}
	if _, errDetect := detectDialectFromDSN("mysql://u:p@host/db"); errDetect == nil {
		t.Fatalf("expected error for unsupported dsn")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if IsUniqueViolation(nil) {
		t.Fatalf("nil is not a unique violation")
	}
	if !IsUniqueViolation(gorm.ErrDuplicatedKey) {
		t.Fatalf("expected gorm.ErrDuplicatedKey to match")
	}
	if IsUniqueViolation(errors.New("connection refused")) {
		t.Fatalf("unexpected match")
	}
}

func TestEnsureSQLiteParamsUsesDriverPragmas(t *testing.T) {
	got := ensureSQLiteParams("file:data/wgfleet.db")
	for _, want := range []string{
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=foreign_keys(1)",
		"_txlock=immediate",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in %q", want, got)
		}
	}
	if strings.Contains(got, "_busy_timeout") || strings.Contains(got, "_journal_mode") {
		t.Fatalf("unsupported parameter names in %q", got)
	}

	custom := ensureSQLiteParams("file:x.db?_pragma=busy_timeout(100)&_txlock=deferred")
	if strings.Count(custom, "busy_timeout") != 1 || strings.Contains(custom, "_txlock=immediate") {
		t.Fatalf("explicit parameters must be kept: %q", custom)
	}
}

func TestOpenSQLiteAppliesPragmasOnEveryConnection(t *testing.T) {
	conn, errOpen := Open("sqlite://"+filepath.Join(t.TempDir(), "pragmas.db"), Options{MaxOpenConns: 4, MaxIdleConns: 4})
	if errOpen != nil {
		t.Fatalf("open: %v", errOpen)
	}
	sqlDB, _ := conn.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	ctx := context.Background()
	held := make([]*sql.Conn, 0, 3)
	for i := 0; i < 3; i++ {
		c, errConn := sqlDB.Conn(ctx)
		if errConn != nil {
			t.Fatalf("conn %d: %v", i, errConn)
		}
		held = append(held, c)
	}
	for i, c := range held {
		var timeout int
		if errQuery := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); errQuery != nil {
			t.Fatalf("conn %d busy_timeout: %v", i, errQuery)
		}
		var fk int
		if errQuery := c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); errQuery != nil {
			t.Fatalf("conn %d foreign_keys: %v", i, errQuery)
		}
		if timeout != 5000 || fk != 1 {
			t.Fatalf("conn %d: busy_timeout=%d foreign_keys=%d", i, timeout, fk)
		}
		_ = c.Close()
	}
}

func TestIsBusy(t *testing.T) {
	if !IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Fatalf("expected busy error to be recognised")
	}
	if IsBusy(errors.New("UNIQUE constraint failed")) || IsBusy(nil) {
		t.Fatalf("unexpected busy classification")
	}
}
