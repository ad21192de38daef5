package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/wgfleet/wgfleet/internal/models"
	"gorm.io/gorm"
)

func TestParseInt(t *testing.T) {
	cases := map[string]int{
		`5`:             5,
		`7.6`:           8,
		`"12"`:          12,
		`{"value": 30}`: 30,
	}
	for raw, want := range cases {
		got, ok := ParseInt(json.RawMessage(raw))
		if !ok || got != want {
			t.Fatalf("ParseInt(%s) = %d,%v want %d", raw, got, ok, want)
		}
	}
	for _, raw := range []string{``, `null`, `"abc"`, `[1]`} {
		if _, ok := ParseInt(json.RawMessage(raw)); ok {
			t.Fatalf("ParseInt(%s) should fail", raw)
		}
	}
}

func TestGatewayConcurrencyClamps(t *testing.T) {
	StoreDBConfig(time.Now(), map[string]json.RawMessage{GatewayMaxConcurrencyKey: json.RawMessage(`500`)})
	defer StoreDBConfig(time.Now(), nil)

	if got := GatewayConcurrency(5); got != MaxGatewayConcurrency {
		t.Fatalf("expected clamp to %d, got %d", MaxGatewayConcurrency, got)
	}
	StoreDBConfig(time.Now(), nil)
	if got := GatewayConcurrency(5); got != 5 {
		t.Fatalf("expected fallback 5, got %d", got)
	}
}

func TestSaveRefreshesSnapshot(t *testing.T) {
	dsn := fmt.Sprintf("file:settings_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.AutoMigrate(&models.Setting{}); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	defer StoreDBConfig(time.Now(), nil)

	ctx := context.Background()
	if errSave := Save(ctx, db, HealthPollIntervalSecondsKey, json.RawMessage(`90`)); errSave != nil {
		t.Fatalf("save: %v", errSave)
	}
	if got := SecondsValue(HealthPollIntervalSecondsKey, time.Minute); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	if errSave := Save(ctx, db, HealthPollIntervalSecondsKey, json.RawMessage(`30`)); errSave != nil {
		t.Fatalf("save update: %v", errSave)
	}
	if got := SecondsValue(HealthPollIntervalSecondsKey, time.Minute); got != 30*time.Second {
		t.Fatalf("expected 30s after update, got %s", got)
	}
	var row models.Setting
	if errFind := db.First(&row, "key = ?", HealthPollIntervalSecondsKey).Error; errFind != nil {
		t.Fatalf("read back setting row: %v", errFind)
	}
	if raw, _ := DBConfigValue(HealthPollIntervalSecondsKey); string(raw) != "30" {
		t.Fatalf("expected snapshot to hold the bare value, got %s", raw)
	}
	if errRefresh := RefreshDBConfigSnapshot(ctx, db); errRefresh != nil {
		t.Fatalf("refresh: %v", errRefresh)
	}
	if errSave := Save(ctx, db, "UNKNOWN_KEY", json.RawMessage(`1`)); errSave == nil {
		t.Fatalf("expected unknown key error")
	}
}
