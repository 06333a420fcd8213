package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"payout-security-api/internal/config"
	"payout-security-api/internal/controller"
	"payout-security-api/internal/database"
	"payout-security-api/internal/engine"
	"payout-security-api/internal/external"
	"payout-security-api/internal/middleware"
	"payout-security-api/internal/monitoring"
	"payout-security-api/internal/service"
	"payout-security-api/pkg/logger"
)

const (
	slowRequestThreshold = 2 * time.Second
	memoryAlertBytes     = 1 << 30
)

// Options carries the process-level pieces the caller owns.
type Options struct {
	Build       controller.BuildInfo
	AuditLogger *logrus.Logger
	Registry    *prometheus.Registry
}

// Application holds all application dependencies
type Application struct {
	Config   *config.Config
	Database *database.Database
	Router   *gin.Engine
	Auth     *middleware.AuthMiddleware
	Health   monitoring.HealthChecker

	audit     service.AuditService
	sink      external.AlertSink
	ipCloser  io.Closer
	scheduler *engine.MaintenanceScheduler
	logger    *logrus.Entry
}

// New wires every component against the configured backends. The returned
// application owns db and closes it on Shutdown.
func New(ctx context.Context, cfg *config.Config, db *database.Database, opts Options) (*Application, error) {
	log := logger.Component("app")
	repos := db.Repositories

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	metrics := monitoring.NewPrometheusMetrics(registry)

	fallback := opts.AuditLogger
	if fallback == nil {
		fallback = logger.AuditLogger(cfg.Logging)
	}

	limits, err := cfg.Regulatory.Limits()
	if err != nil {
		return nil, fmt.Errorf("failed to parse regulatory limits: %w", err)
	}

	a := &Application{Config: cfg, Database: db, logger: log}

	a.sink, err = newAlertSink(cfg.Messaging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize alert sink: %w", err)
	}

	ipIntel, ipCloser, err := newIPIntelligence(cfg.GeoIP)
	if err != nil {
		a.closeExternal()
		return nil, fmt.Errorf("failed to initialize IP intelligence: %w", err)
	}
	a.ipCloser = ipCloser

	a.audit = service.NewAuditService(repos.Audit, a.sink, fallback, metrics, cfg.Audit)
	encryptor := service.NewEncryptionService(repos.KeyStore, repos.KeyLocker, a.audit, metrics, cfg.Encryption)

	near := limits.AMLThreshold.Mul(decimal.NewFromFloat(cfg.Regulatory.StructuringRatio))
	history := service.NewHistoryLoader(repos.Withdrawals, ipIntel, limits.Location, cfg.Fraud.AttemptWindow, near)
	compliance := service.NewComplianceService(history, nil, limits, cfg.Regulatory, metrics)
	fraud, err := service.NewFraudService(history, cfg.Fraud, limits.Location, metrics)
	if err != nil {
		a.closeExternal()
		return nil, fmt.Errorf("failed to initialize fraud service: %w", err)
	}

	pipeline := engine.NewWithdrawalPipeline(engine.PipelineDeps{
		Encryptor:   encryptor,
		Compliance:  compliance,
		Fraud:       fraud,
		Audit:       a.audit,
		History:     history,
		Withdrawals: repos.Withdrawals,
		Metrics:     metrics,
	}, cfg.Audit, cfg.Pipeline)
	idempotency := engine.NewIdempotencyManager(repos.Idempotency, cfg.Pipeline.IdempotencyTTL)

	a.scheduler, err = engine.NewMaintenanceScheduler(a.audit, encryptor, metrics, cfg.Audit, cfg.Encryption)
	if err != nil {
		a.closeExternal()
		return nil, fmt.Errorf("failed to initialize maintenance scheduler: %w", err)
	}

	a.Health = monitoring.NewHealthChecker(opts.Build.Version)
	for _, checker := range db.HealthCheckers() {
		a.Health.RegisterCheck(checker)
	}
	a.Health.RegisterCheck(monitoring.NewMemoryChecker(memoryAlertBytes))
	a.Health.RegisterCheck(monitoring.NewFuncChecker("audit_fallback", time.Second, func(context.Context) error {
		if depth := a.audit.FallbackDepth(); depth > 0 {
			return fmt.Errorf("%d audit records awaiting replay", depth)
		}
		return nil
	}))

	security := middleware.NewSecurityMiddleware(repos.Sessions, repos.Windows, a.audit, metrics, cfg.RateLimit)
	a.Auth = middleware.NewAuthMiddleware(cfg.Auth, a.audit)

	a.Router = controller.NewRouter(cfg, controller.RouterDeps{
		Withdrawals: controller.NewWithdrawalController(pipeline, security, idempotency, a.audit, encryptor, cfg.RateLimit),
		Admin:       controller.NewAdminController(security, encryptor, a.audit, a.scheduler),
		Health:      controller.NewHealthController(a.Health, opts.Build),
		Security:    security,
		Auth:        a.Auth,
		Logging:     middleware.NewLoggingMiddleware(logrus.StandardLogger(), metrics, slowRequestThreshold),
		RateLimit:   middleware.NewRateLimitMiddleware(repos.Windows, metrics, a.audit, cfg.RateLimit),
		Gatherer:    registry,
	})
	if err := a.Router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		a.closeExternal()
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	log.WithFields(logrus.Fields{
		"database":   cfg.Database.Driver,
		"key_store":  cfg.Encryption.KeyStore,
		"rate_store": cfg.RateLimit.Store,
		"alert_sink": cfg.Messaging.Sink,
		"ip_intel":   ipIntel != nil,
	}).Info("Application initialization completed")
	return a, nil
}

// Start launches the background workers.
func (a *Application) Start() {
	a.scheduler.Start()
	if interval := a.Config.Monitoring.HealthCheckInterval; interval > 0 {
		a.Health.StartPeriodicChecks(interval)
	}
}

// HTTPServer returns a server bound to the configured address and timeouts.
func (a *Application) HTTPServer() *http.Server {
	cfg := a.Config.Server
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      a.Router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// Shutdown stops background work, drains pending audit forwards and closes
// every backend. It is safe to call after a partial Start.
func (a *Application) Shutdown(ctx context.Context) error {
	a.logger.Info("Cleaning up application resources...")
	a.Health.StopPeriodicChecks()
	a.scheduler.Stop(ctx)

	var errs []error
	if _, err := a.audit.FlushFallback(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush audit fallback: %w", err))
	}
	if err := a.audit.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit service: %w", err))
	}
	if err := a.closeExternal(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Database.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *Application) closeExternal() error {
	var errs []error
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close alert sink: %w", err))
		}
	}
	if a.ipCloser != nil {
		if err := a.ipCloser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close GeoIP databases: %w", err))
		}
	}
	return errors.Join(errs...)
}

func newAlertSink(cfg config.MessagingConfig) (external.AlertSink, error) {
	switch cfg.Sink {
	case "rabbitmq":
		return external.NewRabbitMQSink(cfg.RabbitMQ, logrus.StandardLogger())
	case "kafka":
		return external.NewKafkaSink(cfg.Kafka)
	case "log", "":
		return external.NewLogSink(logrus.StandardLogger()), nil
	default:
		return nil, fmt.Errorf("unsupported messaging sink: %s", cfg.Sink)
	}
}

// newIPIntelligence chains the GeoIP databases and the static denylist. It
// returns a nil source when neither is configured.
func newIPIntelligence(cfg config.GeoIPConfig) (external.IPIntelligence, io.Closer, error) {
	var (
		sources []external.IPIntelligence
		closer  io.Closer
	)
	if cfg.CountryDBPath != "" || cfg.AnonymousDBPath != "" {
		geo, err := external.NewGeoIPIntelligence(cfg.CountryDBPath, cfg.AnonymousDBPath)
		if err != nil {
			return nil, nil, err
		}
		sources = append(sources, geo)
		closer = geo
	}
	if len(cfg.DenylistCIDRs) > 0 {
		deny, err := external.NewDenylist(cfg.DenylistCIDRs)
		if err != nil {
			if closer != nil {
				_ = closer.Close()
			}
			return nil, nil, err
		}
		sources = append(sources, deny)
	}

	switch len(sources) {
	case 0:
		return nil, nil, nil
	case 1:
		return sources[0], closer, nil
	default:
		return external.Chain(sources...), closer, nil
	}
}
