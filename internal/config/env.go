package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WGFLEET_"

// LoadEnvFiles loads .env files from the working directory when they exist.
func LoadEnvFiles() {
	files := []string{".env", ".env.local"}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, errStat := os.Stat(file); errStat != nil {
			continue
		}
		if errLoad := godotenv.Overload(file); errLoad != nil {
			log.WithError(errLoad).Warnf("config: failed to load %s", file)
			continue
		}
		loaded = append(loaded, file)
	}
	if len(loaded) > 0 {
		log.Debugf("config: loaded env files: %s", strings.Join(loaded, ", "))
	}
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Listen, "LISTEN")
	setString(&cfg.Database.DSN, "DATABASE_DSN")
	setString(&cfg.JWT.Secret, "JWT_SECRET")
	setString(&cfg.Admin.Username, "ADMIN_USERNAME")
	setString(&cfg.Admin.Password, "ADMIN_PASSWORD")
	setString(&cfg.Traffic.RedisURL, "REDIS_URL")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.File, "LOG_FILE")
	setInt(&cfg.Gateway.MaxConcurrency, "GATEWAY_MAX_CONCURRENCY")
	setDuration(&cfg.Gateway.RequestTimeout, "GATEWAY_REQUEST_TIMEOUT")
	setDuration(&cfg.Health.Interval, "HEALTH_INTERVAL")
	setDuration(&cfg.Traffic.SampleInterval, "TRAFFIC_SAMPLE_INTERVAL")
}

func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func setString(dst *string, key string) {
	if value, ok := lookup(key); ok {
		*dst = value
	}
}

func setInt(dst *int, key string) {
	value, ok := lookup(key)
	if !ok {
		return
	}
	parsed, errParse := strconv.Atoi(value)
	if errParse != nil {
		log.Warnf("config: ignoring %s%s=%q: not an integer", EnvPrefix, key, value)
		return
	}
	*dst = parsed
}

func setDuration(dst *Duration, key string) {
	value, ok := lookup(key)
	if !ok {
		return
	}
	parsed, errParse := time.ParseDuration(value)
	if errParse != nil {
		log.Warnf("config: ignoring %s%s=%q: not a duration", EnvPrefix, key, value)
		return
	}
	*dst = Duration(parsed)
}
