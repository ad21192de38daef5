package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/wgfleet/wgfleet/internal/artifacts"
	"github.com/wgfleet/wgfleet/internal/config"
	"github.com/wgfleet/wgfleet/internal/dashboard"
	"github.com/wgfleet/wgfleet/internal/db"
	"github.com/wgfleet/wgfleet/internal/gateway"
	"github.com/wgfleet/wgfleet/internal/health"
	admin "github.com/wgfleet/wgfleet/internal/http/api/admin"
	"github.com/wgfleet/wgfleet/internal/logging"
	"github.com/wgfleet/wgfleet/internal/massop"
	"github.com/wgfleet/wgfleet/internal/models"
	"github.com/wgfleet/wgfleet/internal/reconcile"
	"github.com/wgfleet/wgfleet/internal/security"
	internalsettings "github.com/wgfleet/wgfleet/internal/settings"
	"github.com/wgfleet/wgfleet/internal/store"
	"github.com/wgfleet/wgfleet/internal/traffic"
)

const shutdownTimeout = 15 * time.Second

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn, db.DefaultOptions())
	if err != nil {
		return err
	}
	return db.Migrate(conn.WithContext(ctx))
}

// CheckAll runs one health check against every registered gateway and returns the results.
func CheckAll(ctx context.Context, cfg config.AppConfig) ([]health.Result, error) {
	fullCfg, err := config.Load(config.ResolveConfigPath(cfg.ConfigPath))
	if err != nil {
		return nil, err
	}
	conn, err := openDatabase(fullCfg)
	if err != nil {
		return nil, err
	}
	s := store.New(conn)
	registry := newRegistry(fullCfg.Gateway)
	poller := health.NewPoller(s, registry, health.Options{
		RequestTimeout: fullCfg.Gateway.RequestTimeout.Std(),
		MaxConcurrency: fullCfg.Gateway.MaxConcurrency,
	})
	return poller.CheckAll(ctx)
}

// Services wires every fleet component on top of an opened database.
func Services(conn *gorm.DB, cfg config.Config) (admin.Services, error) {
	s := store.New(conn)
	registry := newRegistry(cfg.Gateway)

	samples, errSamples := newSampleStore(cfg.Traffic)
	if errSamples != nil {
		return admin.Services{}, errSamples
	}

	timeout := cfg.Gateway.RequestTimeout.Std()
	limit := cfg.Gateway.MaxConcurrency
	agg := traffic.NewAggregator(s, registry, samples, traffic.Options{
		SampleInterval: cfg.Traffic.SampleInterval.Std(),
		Retention:      cfg.Traffic.Retention.Std(),
		RequestTimeout: timeout,
		MaxConcurrency: limit,
	})
	return admin.Services{
		Store: s,
		Poller: health.NewPoller(s, registry, health.Options{
			Interval:       cfg.Health.Interval.Std(),
			RequestTimeout: timeout,
			MaxConcurrency: limit,
		}),
		Engine:    reconcile.NewEngine(s, registry, reconcile.Options{MaxConcurrency: limit, RequestTimeout: timeout}),
		Executor:  massop.NewExecutor(s, registry, massop.Options{MaxConcurrency: limit, RequestTimeout: timeout}),
		Dashboard: dashboard.NewService(s, registry, agg, dashboard.Options{RequestTimeout: timeout, MaxConcurrency: limit}),
		Artifacts: artifacts.NewService(s, registry, artifacts.Options{RequestTimeout: timeout, MaxConcurrency: limit}),
		Traffic:   agg,
	}, nil
}

// NewRouter builds the gin engine serving the admin API.
func NewRouter(svc admin.Services, jwtCfg config.JWTConfig) *gin.Engine {
	engine := gin.New()
	engine.Use(logging.GinRecovery(), logging.GinLogger())
	admin.RegisterAdminRoutes(engine, svc, jwtCfg)
	return engine
}

// RunServer boots the admin API together with the background poller and sampler.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	fullCfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logCloser, err := logging.Setup(fullCfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	conn, err := openDatabase(fullCfg)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errRefresh := internalsettings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		log.WithError(errRefresh).Warn("app: load runtime settings")
	}
	if errBootstrap := EnsureAdmin(ctx, conn, fullCfg.Admin); errBootstrap != nil {
		return errBootstrap
	}

	svc, err := Services(conn, fullCfg)
	if err != nil {
		return err
	}
	if fullCfg.Health.Interval.Std() > 0 {
		svc.Poller.Start(ctx)
	}
	svc.Traffic.Start(ctx)

	if !log.IsLevelEnabled(log.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr:              fullCfg.Listen,
		Handler:           NewRouter(svc, fullCfg.JWT),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("app: listening on %s (config=%s)", fullCfg.Listen, configPath)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case errServe := <-serveErr:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	case <-ctx.Done():
	}

	log.Info("app: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("app: shutdown: %w", errShutdown)
	}
	return nil
}

// EnsureAdmin creates the configured administrator when no account with that name exists.
func EnsureAdmin(ctx context.Context, conn *gorm.DB, cfg config.AdminConfig) error {
	username := strings.TrimSpace(cfg.Username)
	if username == "" || cfg.Password == "" {
		return nil
	}
	var existing models.Admin
	errFind := conn.WithContext(ctx).Where("username = ?", username).First(&existing).Error
	if errFind == nil {
		return nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("app: lookup admin: %w", errFind)
	}
	hash, errHash := security.HashPassword(cfg.Password)
	if errHash != nil {
		return fmt.Errorf("app: hash admin password: %w", errHash)
	}
	row := models.Admin{Username: username, Password: hash, Active: true}
	if errCreate := conn.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("app: create admin: %w", errCreate)
	}
	log.Infof("app: bootstrapped admin %q", username)
	return nil
}

func openDatabase(cfg config.Config) (*gorm.DB, error) {
	opts := db.DefaultOptions()
	if cfg.Database.MaxOpenConns > 0 {
		opts.MaxOpenConns = cfg.Database.MaxOpenConns
		opts.MaxIdleConns = cfg.Database.MaxOpenConns
	}
	if lifetime := cfg.Database.ConnMaxLifetime.Std(); lifetime > 0 {
		opts.ConnMaxLifetime = lifetime
	}
	return db.Open(cfg.Database.DSN, opts)
}

func newRegistry(cfg config.GatewayConfig) *gateway.Registry {
	return gateway.NewRegistry(gateway.ClientOptions{
		Timeout:     cfg.RequestTimeout.Std(),
		ReadRetries: cfg.ReadRetries,
	}, cfg.SessionLifetime.Std())
}

func newSampleStore(cfg config.TrafficConfig) (traffic.SampleStore, error) {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return traffic.NewMemoryStore(), nil
	}
	client, errClient := traffic.NewRedisClient(redisURL)
	if errClient != nil {
		return nil, errClient
	}
	return traffic.NewRedisStore(client, "wgfleet"), nil
}
