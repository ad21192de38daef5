package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if errWrite := os.WriteFile(path, []byte(body), 0o600); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}
	return path
}

func TestLoadParsesDurationsAndDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
database:
  dsn: "file:test.db"
jwt:
  secret: "0123456789abcdef0123"
gateway:
  request-timeout: 3s
  max-concurrency: 8
health:
  interval: 120
traffic:
  sample-interval: 1m
`)

	cfg, errLoad := Load(path)
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Listen != ":9090" {
		t.Fatalf("expected listen :9090, got %s", cfg.Listen)
	}
	if cfg.Gateway.RequestTimeout.Std() != 3*time.Second {
		t.Fatalf("expected request timeout 3s, got %s", cfg.Gateway.RequestTimeout.Std())
	}
	if cfg.Gateway.MaxConcurrency != 8 {
		t.Fatalf("expected max concurrency 8, got %d", cfg.Gateway.MaxConcurrency)
	}
	if cfg.Health.Interval.Std() != 2*time.Minute {
		t.Fatalf("expected health interval 120s, got %s", cfg.Health.Interval.Std())
	}
	if cfg.Traffic.Retention.Std() != 7*24*time.Hour {
		t.Fatalf("expected default retention, got %s", cfg.Traffic.Retention.Std())
	}
	if cfg.Gateway.SessionLifetime.Std() != time.Hour {
		t.Fatalf("expected default session lifetime, got %s", cfg.Gateway.SessionLifetime.Std())
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "file:test.db"
jwt:
  secret: "0123456789abcdef0123"
`)
	t.Setenv(EnvPrefix+"DATABASE_DSN", "postgres://u:p@db/wgfleet")
	t.Setenv(EnvPrefix+"GATEWAY_REQUEST_TIMEOUT", "4s")

	cfg, errLoad := Load(path)
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Database.DSN != "postgres://u:p@db/wgfleet" {
		t.Fatalf("expected env dsn, got %s", cfg.Database.DSN)
	}
	if cfg.Gateway.RequestTimeout.Std() != 4*time.Second {
		t.Fatalf("expected env timeout, got %s", cfg.Gateway.RequestTimeout.Std())
	}
}

func TestLoadRejectsShortSecret(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "file:test.db"
jwt:
  secret: "short"
`)
	if _, errLoad := Load(path); errLoad == nil {
		t.Fatalf("expected validation error for short secret")
	}
}

func TestLoadMissingFileUsesEnvironment(t *testing.T) {
	t.Setenv(EnvPrefix+"JWT_SECRET", "0123456789abcdef0123")
	cfg, errLoad := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Database.DSN != Default().Database.DSN {
		t.Fatalf("expected default dsn, got %s", cfg.Database.DSN)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(EnvPrefix+"CONFIG", "")
	if got := ResolveConfigPath(""); got != DefaultConfigFile {
		t.Fatalf("expected default path, got %s", got)
	}
	t.Setenv(EnvPrefix+"CONFIG", "/etc/wgfleet/config.yaml")
	if got := ResolveConfigPath(""); got != "/etc/wgfleet/config.yaml" {
		t.Fatalf("expected env path, got %s", got)
	}
	if got := ResolveConfigPath(" ./custom.yaml "); got != "custom.yaml" {
		t.Fatalf("expected explicit path, got %s", got)
	}
}
