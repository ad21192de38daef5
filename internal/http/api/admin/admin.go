// Package admin wires the administration API routes.
package admin

import (
	"github.com/gin-gonic/gin"

	"github.com/wgfleet/wgfleet/internal/artifacts"
	"github.com/wgfleet/wgfleet/internal/config"
	"github.com/wgfleet/wgfleet/internal/dashboard"
	"github.com/wgfleet/wgfleet/internal/health"
	"github.com/wgfleet/wgfleet/internal/http/api/admin/handlers"
	"github.com/wgfleet/wgfleet/internal/massop"
	"github.com/wgfleet/wgfleet/internal/metrics"
	"github.com/wgfleet/wgfleet/internal/reconcile"
	"github.com/wgfleet/wgfleet/internal/store"
	"github.com/wgfleet/wgfleet/internal/traffic"
)

// Services groups the components served by the admin API.
type Services struct {
	Store     *store.Store
	Poller    *health.Poller
	Engine    *reconcile.Engine
	Executor  *massop.Executor
	Dashboard *dashboard.Service
	Artifacts *artifacts.Service
	Traffic   *traffic.Aggregator
}

// RegisterAdminRoutes registers the health, metrics and authenticated admin routes.
func RegisterAdminRoutes(r *gin.Engine, svc Services, jwtCfg config.JWTConfig) {
	if r == nil || svc.Store == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(svc.Store)
	r.GET("/healthz", healthHandler.Healthz)
	r.GET("/metrics", metrics.Handler())

	admin := r.Group("/v0/admin")

	authHandler := handlers.NewAuthHandler(svc.Store.DB(), jwtCfg)
	admin.POST("/login", authHandler.Login)

	authed := admin.Group("")
	authed.Use(adminAuthMiddleware(svc.Store.DB(), jwtCfg))
	authed.GET("/me", authHandler.Me)
	authed.GET("/version", handlers.NewVersionHandler().GetVersion)

	adminHandler := handlers.NewAdminHandler(svc.Store.DB())
	authed.GET("/admins", adminHandler.List)
	authed.POST("/admins", adminHandler.Create)
	authed.DELETE("/admins/:id", adminHandler.Delete)
	authed.POST("/admins/:id/enable", adminHandler.Enable)
	authed.POST("/admins/:id/disable", adminHandler.Disable)
	authed.PUT("/admins/:id/password", adminHandler.ChangePassword)

	gatewayHandler := handlers.NewGatewayHandler(svc.Store, svc.Poller, svc.Engine, svc.Executor, svc.Dashboard)
	authed.GET("/gateways", gatewayHandler.List)
	authed.POST("/gateways", gatewayHandler.Create)
	authed.POST("/gateways/check", gatewayHandler.CheckAll)
	authed.POST("/gateways/import", gatewayHandler.ImportAll)
	authed.GET("/gateways/:id", gatewayHandler.Get)
	authed.PUT("/gateways/:id", gatewayHandler.Update)
	authed.DELETE("/gateways/:id", gatewayHandler.Delete)
	authed.POST("/gateways/:id/check", gatewayHandler.Check)
	authed.POST("/gateways/:id/import", gatewayHandler.Import)
	authed.GET("/gateways/:id/peers/summary", gatewayHandler.PeerSummary)

	userHandler := handlers.NewUserHandler(svc.Store, svc.Engine, svc.Executor, svc.Dashboard, svc.Artifacts, svc.Traffic)
	authed.GET("/users", userHandler.List)
	authed.POST("/users", userHandler.Create)
	authed.GET("/users/:id", userHandler.Get)
	authed.PUT("/users/:id", userHandler.Update)
	authed.DELETE("/users/:id", userHandler.Delete)
	authed.GET("/users/:id/bindings", userHandler.Bindings)
	authed.POST("/users/:id/bindings", userHandler.CreateBinding)
	authed.POST("/users/:id/bindings/all", userHandler.CreateForAllGateways)
	authed.POST("/users/:id/bindings/attach", userHandler.Attach)
	authed.GET("/users/:id/bindings/status", userHandler.BindingsStatus)
	authed.POST("/users/:id/enable", userHandler.Enable)
	authed.POST("/users/:id/disable", userHandler.Disable)
	authed.GET("/users/:id/qrcodes", userHandler.QRCodes)
	authed.GET("/users/:id/configurations", userHandler.Configurations)
	authed.GET("/users/:id/traffic", userHandler.Traffic)

	bindingHandler := handlers.NewBindingHandler(svc.Store, svc.Executor, svc.Artifacts)
	authed.GET("/bindings", bindingHandler.List)
	authed.POST("/bindings/delete", bindingHandler.BatchDelete)
	authed.GET("/bindings/:id", bindingHandler.Get)
	authed.DELETE("/bindings/:id", bindingHandler.Delete)
	authed.POST("/bindings/:id/enable", bindingHandler.Enable)
	authed.POST("/bindings/:id/disable", bindingHandler.Disable)
	authed.PUT("/bindings/:id/expiry", bindingHandler.SetExpiry)
	authed.GET("/bindings/:id/configuration", bindingHandler.Configuration)
	authed.GET("/bindings/:id/qrcode", bindingHandler.QRCode)

	dashboardHandler := handlers.NewDashboardHandler(svc.Dashboard, svc.Traffic)
	authed.GET("/dashboard/overview", dashboardHandler.Overview)
	authed.GET("/dashboard/gateways/:id/traffic", dashboardHandler.GatewayTraffic)
	authed.POST("/dashboard/traffic/sample", dashboardHandler.Sample)

	driftHandler := handlers.NewDriftHandler(svc.Store)
	authed.GET("/drift", driftHandler.List)
	authed.POST("/drift/:id/resolve", driftHandler.Resolve)

	settingsHandler := handlers.NewSettingsHandler(svc.Store.DB())
	authed.GET("/settings", settingsHandler.List)
	authed.PUT("/settings/:key", settingsHandler.Put)
}
