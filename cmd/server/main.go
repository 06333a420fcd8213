package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"payout-security-api/internal/app"
	"payout-security-api/internal/config"
	"payout-security-api/internal/controller"
	"payout-security-api/internal/database"
	"payout-security-api/pkg/logger"
)

// @title Payout Security API
// @version 1.0
// @description Driver withdrawal security and compliance pipeline
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (defaults to ./config.yaml when present)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger.Init(cfg.Logging)

	logrus.WithFields(logrus.Fields{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
		"port":       cfg.Server.Port,
	}).Info("Starting Payout Security API")

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	initCtx, initCancel := context.WithTimeout(context.Background(), time.Minute)
	db, err := database.Initialize(initCtx, cfg)
	initCancel()
	if err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}

	application, err := app.New(context.Background(), cfg, db, app.Options{
		Build: controller.BuildInfo{
			Version:   version,
			Commit:    gitCommit,
			BuildTime: buildTime,
		},
		AuditLogger: logger.AuditLogger(cfg.Logging),
	})
	if err != nil {
		_ = db.Close(context.Background())
		logrus.Fatalf("Failed to initialize application: %v", err)
	}
	application.Start()

	server := application.HTTPServer()
	go func() {
		logrus.WithField("address", server.Addr).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Application shutdown incomplete")
	}

	logrus.Info("Server exited")
}
