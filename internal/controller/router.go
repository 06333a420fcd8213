package controller

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"payout-security-api/internal/config"
	"payout-security-api/internal/middleware"
)

type RouterDeps struct {
	Withdrawals *WithdrawalController
	Admin       *AdminController
	Health      *HealthController
	Security    middleware.SecurityMiddleware
	Auth        *middleware.AuthMiddleware
	Logging     *middleware.LoggingMiddleware
	RateLimit   *middleware.RateLimitMiddleware
	Gatherer    prometheus.Gatherer
}

func NewRouter(cfg *config.Config, deps RouterDeps) *gin.Engine {
	router := gin.New()

	router.Use(requestid.New())
	router.Use(deps.Logging.Recovery())
	router.Use(deps.Logging.RequestLogger())
	router.Use(cors.New(corsConfig(cfg.Server.AllowedOrigins)))
	router.Use(deps.Security.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(cfg.Server.MaxRequestSize))
	router.Use(deps.RateLimit.GlobalRateLimit())

	router.GET("/health", deps.Health.Health)
	router.GET("/ready", deps.Health.Ready)
	router.GET("/version", deps.Health.Version)
	if cfg.Monitoring.EnableMetrics {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	api.Use(deps.Auth.JWTAuth())

	drivers := api.Group("/drivers/:driverId")
	{
		drivers.POST("/withdrawals",
			deps.RateLimit.RouteRateLimit("withdrawal", cfg.RateLimit.WithdrawalPerMinute),
			deps.Withdrawals.SubmitWithdrawal)
		drivers.GET("/security-report",
			deps.RateLimit.RouteRateLimit("security_report", cfg.RateLimit.ReportPerMinute),
			deps.Withdrawals.GetSecurityReport)
		drivers.POST("/keys/rotate",
			deps.RateLimit.RouteRateLimit("key_rotation", cfg.RateLimit.KeyRotationPerMinute),
			deps.Withdrawals.RotateKey)
		drivers.DELETE("/keys", deps.Auth.RequireAdmin(), deps.Admin.DeleteKeys)
	}

	admin := api.Group("/admin", deps.Auth.RequireAdmin())
	{
		admin.POST("/keys/purge", deps.Admin.PurgeRetiredKeys)
		admin.POST("/audit/replay", deps.Admin.ReplayAudit)
		admin.GET("/audit/status", deps.Admin.GetAuditStatus)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "route not found", RequestID: requestid.Get(c)})
	})
	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key"},
		ExposeHeaders:    []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After", "Idempotent-Replayed"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOrigins = []string{"http://localhost:3000"}
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}
