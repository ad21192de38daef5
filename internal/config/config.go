package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the config file looked up when no path is given.
const DefaultConfigFile = "config.yaml"

// AppConfig carries process-level options supplied on the command line.
type AppConfig struct {
	ConfigPath string
}

// Duration is a time.Duration that decodes from YAML strings such as "90s".
type Duration time.Duration

// UnmarshalYAML accepts either a Go duration string or an integer number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if parsed, errParse := time.ParseDuration(raw); errParse == nil {
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if errDecode := value.Decode(&seconds); errDecode != nil {
		return fmt.Errorf("config: invalid duration %q", raw)
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full service configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	Database DatabaseConfig `yaml:"database"`
	JWT      JWTConfig      `yaml:"jwt"`
	Admin    AdminConfig    `yaml:"admin"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Health   HealthConfig   `yaml:"health"`
	Traffic  TrafficConfig  `yaml:"traffic"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig selects the binding store backend.
type DatabaseConfig struct {
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max-open-conns"`
	ConnMaxLifetime Duration `yaml:"conn-max-lifetime"`
}

// JWTConfig holds admin token signing options.
type JWTConfig struct {
	Secret string   `yaml:"secret"`
	Expiry Duration `yaml:"expiry"`
}

// AdminConfig seeds the first administrator account.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// GatewayConfig tunes outbound calls to gateways.
type GatewayConfig struct {
	RequestTimeout  Duration `yaml:"request-timeout"`
	MaxConcurrency  int      `yaml:"max-concurrency"`
	SessionLifetime Duration `yaml:"session-lifetime"`
	ReadRetries     int      `yaml:"read-retries"`
}

// HealthConfig configures the background health poller. A zero interval disables it.
type HealthConfig struct {
	Interval Duration `yaml:"interval"`
}

// TrafficConfig configures counter sampling.
type TrafficConfig struct {
	SampleInterval Duration `yaml:"sample-interval"`
	Retention      Duration `yaml:"retention"`
	RedisURL       string   `yaml:"redis-url"`
}

// LoggingConfig configures logrus output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
}

// Default returns a configuration with every optional field populated.
func Default() Config {
	return Config{
		Listen: ":8080",
		Database: DatabaseConfig{
			DSN:             "file:data/wgfleet.db",
			MaxOpenConns:    25,
			ConnMaxLifetime: Duration(30 * time.Minute),
		},
		JWT: JWTConfig{Expiry: Duration(12 * time.Hour)},
		Gateway: GatewayConfig{
			RequestTimeout:  Duration(10 * time.Second),
			MaxConcurrency:  5,
			SessionLifetime: Duration(time.Hour),
			ReadRetries:     2,
		},
		Health: HealthConfig{Interval: Duration(5 * time.Minute)},
		Traffic: TrafficConfig{
			SampleInterval: Duration(5 * time.Minute),
			Retention:      Duration(7 * 24 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// ResolveConfigPath returns the config path to use, falling back to WGFLEET_CONFIG and the default file.
func ResolveConfigPath(path string) string {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return filepath.Clean(trimmed)
	}
	if fromEnv := strings.TrimSpace(os.Getenv(EnvPrefix + "CONFIG")); fromEnv != "" {
		return filepath.Clean(fromEnv)
	}
	return DefaultConfigFile
}

// ConfigExists reports whether a config file exists at path.
func ConfigExists(path string) bool {
	info, errStat := os.Stat(path)
	return errStat == nil && !info.IsDir()
}

// Load reads the YAML file at path (if present), applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, errRead := os.ReadFile(path)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
		// Environment-only deployments are allowed.
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	applyEnvOverrides(&cfg)
	cfg.normalize()
	if errValidate := cfg.Validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

// LoadDatabaseDSN loads only the database DSN; used by the migrate command.
func LoadDatabaseDSN(path string) (string, error) {
	cfg, errLoad := Load(path)
	if errLoad != nil {
		return "", errLoad
	}
	return cfg.Database.DSN, nil
}

func (c *Config) normalize() {
	defaults := Default()
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = defaults.Listen
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = defaults.Database.MaxOpenConns
	}
	if c.JWT.Expiry <= 0 {
		c.JWT.Expiry = defaults.JWT.Expiry
	}
	if c.Gateway.RequestTimeout <= 0 {
		c.Gateway.RequestTimeout = defaults.Gateway.RequestTimeout
	}
	if c.Gateway.MaxConcurrency <= 0 {
		c.Gateway.MaxConcurrency = defaults.Gateway.MaxConcurrency
	}
	if c.Gateway.SessionLifetime <= 0 {
		c.Gateway.SessionLifetime = defaults.Gateway.SessionLifetime
	}
	if c.Gateway.ReadRetries < 0 {
		c.Gateway.ReadRetries = 0
	}
	if c.Traffic.Retention <= 0 {
		c.Traffic.Retention = defaults.Traffic.Retention
	}
}

// Validate reports configuration errors that would prevent startup.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("config: database.dsn is required")
	}
	if strings.TrimSpace(c.JWT.Secret) == "" {
		return errors.New("config: jwt.secret is required")
	}
	if len(c.JWT.Secret) < 16 {
		return errors.New("config: jwt.secret must be at least 16 characters")
	}
	if (c.Admin.Username == "") != (c.Admin.Password == "") {
		return errors.New("config: admin.username and admin.password must be set together")
	}
	return nil
}
