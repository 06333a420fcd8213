package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"payout-security-api/internal/config"
	"payout-security-api/internal/monitoring"
	"payout-security-api/internal/service"
)

const (
	defaultReplaySchedule = "@every 1m"
	defaultPurgeSchedule  = "0 3 * * *"
	maintenanceJobTimeout = 5 * time.Minute
)

// MaintenanceScheduler runs the periodic jobs: replaying audit records from
// the fallback queue and erasing retired key versions past retention.
type MaintenanceScheduler struct {
	cron      *cron.Cron
	audit     service.AuditService
	encryptor service.EncryptionService
	metrics   monitoring.MetricsService
	logger    *logrus.Entry
}

func NewMaintenanceScheduler(
	audit service.AuditService,
	encryptor service.EncryptionService,
	metrics monitoring.MetricsService,
	auditCfg config.AuditConfig,
	encCfg config.EncryptionConfig,
) (*MaintenanceScheduler, error) {
	logger := logrus.WithField("component", "maintenance")
	cronLogger := cron.PrintfLogger(logger)

	s := &MaintenanceScheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		audit:     audit,
		encryptor: encryptor,
		metrics:   metrics,
		logger:    logger,
	}

	replay := auditCfg.ReplaySchedule
	if replay == "" {
		replay = defaultReplaySchedule
	}
	if _, err := s.cron.AddFunc(replay, s.job("audit_replay", s.ReplayAudit)); err != nil {
		return nil, fmt.Errorf("invalid audit replay schedule %q: %w", replay, err)
	}

	purge := encCfg.PurgeSchedule
	if purge == "" {
		purge = defaultPurgeSchedule
	}
	if _, err := s.cron.AddFunc(purge, s.job("key_purge", s.PurgeKeys)); err != nil {
		return nil, fmt.Errorf("invalid key purge schedule %q: %w", purge, err)
	}
	return s, nil
}

func (s *MaintenanceScheduler) Start() {
	s.cron.Start()
	s.logger.WithField("jobs", len(s.cron.Entries())).Info("Maintenance scheduler started")
}

// Stop waits for running jobs or until ctx is done.
func (s *MaintenanceScheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Maintenance jobs still running at shutdown")
	}
}

func (s *MaintenanceScheduler) job(name string, fn func(ctx context.Context) (int, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), maintenanceJobTimeout)
		defer cancel()

		started := time.Now()
		n, err := fn(ctx)
		s.metrics.RecordStage("maintenance_"+name, time.Since(started))
		entry := s.logger.WithFields(logrus.Fields{"job": name, "processed": n})
		if err != nil {
			entry.WithError(err).Error("Maintenance job failed")
			return
		}
		if n > 0 {
			entry.Info("Maintenance job completed")
		}
	}
}

// ReplayAudit moves queued fallback records back into the audit store.
func (s *MaintenanceScheduler) ReplayAudit(ctx context.Context) (int, error) {
	n, err := s.audit.FlushFallback(ctx)
	s.metrics.SetAuditFallbackDepth(s.audit.FallbackDepth())
	return n, err
}

// PurgeKeys erases retired key versions older than the retention window for
// every driver.
func (s *MaintenanceScheduler) PurgeKeys(ctx context.Context) (int, error) {
	return s.encryptor.PurgeAll(ctx)
}
