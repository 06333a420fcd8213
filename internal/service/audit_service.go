package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"payout-security-api/internal/config"
	"payout-security-api/internal/external"
	"payout-security-api/internal/models"
	"payout-security-api/internal/monitoring"
	"payout-security-api/internal/repository"
	apperrors "payout-security-api/pkg/errors"
)

// AuditService is the append-only audit trail. Record never fails silently:
// when the store is down the record goes to the fallback file and queue and
// ErrAuditDegraded is returned.
type AuditService interface {
	Record(ctx context.Context, rec *models.AuditRecord) error
	GenerateReport(ctx context.Context, driverID string, from, to time.Time, eventTypes ...string) (*models.SecurityReport, error)
	FlushFallback(ctx context.Context) (int, error)
	FallbackDepth() int
	Close(ctx context.Context) error
}

const (
	maskChar     = '*'
	maskKeep     = 4
	redactedText = "[REDACTED]"
)

// MaskSensitive keeps at most the last four characters of value. Values of
// four characters or fewer are masked entirely.
func MaskSensitive(value string) string {
	runes := []rune(value)
	if len(runes) == 0 {
		return ""
	}
	keep := maskKeep
	if len(runes) <= maskKeep {
		keep = 0
	}
	out := make([]rune, len(runes))
	for i := range runes {
		if i < len(runes)-keep {
			out[i] = maskChar
		} else {
			out[i] = runes[i]
		}
	}
	return string(out)
}

// maskedKeys hold identifiers that may appear in masked form.
var maskedKeys = map[string]struct{}{
	"account_number":      {},
	"account_holder_name": {},
	"wallet_id":           {},
}

// redactedKeys never appear in audit data in any form.
var redactedKeys = map[string]struct{}{
	"ciphertext":        {},
	"encrypted_payload": {},
	"key_material":      {},
	"plaintext":         {},
	"bank_details":      {},
	"password":          {},
	"token":             {},
	"authorization":     {},
}

// scrubEventData returns a copy of data with sensitive values masked or
// redacted, recursing into nested maps and slices.
func scrubEventData(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		key := strings.ToLower(k)
		if _, ok := redactedKeys[key]; ok {
			out[k] = redactedText
			continue
		}
		if _, ok := maskedKeys[key]; ok {
			if s, isString := v.(string); isString {
				out[k] = MaskSensitive(s)
				continue
			}
			out[k] = redactedText
			continue
		}
		out[k] = scrubValue(v)
	}
	return out
}

func scrubValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return scrubEventData(val)
	case map[string]string:
		m := make(map[string]interface{}, len(val))
		for k, s := range val {
			m[k] = s
		}
		return scrubEventData(m)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = scrubValue(item)
		}
		return out
	default:
		return v
	}
}

type auditService struct {
	repo     repository.AuditRepository
	sink     external.AlertSink
	fallback *logrus.Logger
	metrics  monitoring.MetricsService
	config   config.AuditConfig
	logger   *logrus.Entry
	now      func() time.Time

	queueMu sync.Mutex
	queue   []*models.AuditRecord

	forwards sync.WaitGroup
}

func NewAuditService(
	repo repository.AuditRepository,
	sink external.AlertSink,
	fallback *logrus.Logger,
	metrics monitoring.MetricsService,
	cfg config.AuditConfig,
) AuditService {
	if cfg.FallbackQueueSize <= 0 {
		cfg.FallbackQueueSize = 1000
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 5 * time.Second
	}
	if cfg.ReportLimit <= 0 {
		cfg.ReportLimit = 500
	}
	return &auditService{
		repo:     repo,
		sink:     sink,
		fallback: fallback,
		metrics:  metrics,
		config:   cfg,
		logger:   logrus.WithField("component", "audit_service"),
		now:      time.Now,
	}
}

func (s *auditService) Record(ctx context.Context, rec *models.AuditRecord) error {
	if rec == nil || rec.EventType == "" {
		return apperrors.NewValidationError("audit record requires an event type")
	}
	if rec.Subject.ID == "" {
		return apperrors.NewValidationError("audit record requires a subject")
	}

	stored := *rec
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	if stored.Severity == "" {
		stored.Severity = models.AuditInfo
	}
	if stored.ComplianceFlags == nil {
		stored.ComplianceFlags = []string{}
	}
	stored.EventData = scrubEventData(rec.EventData)

	if err := s.repo.Insert(ctx, &stored); err != nil {
		s.writeFallback(&stored, err)
		s.forwardCritical(&stored)
		return apperrors.ErrAuditDegraded.Wrap(err)
	}

	s.metrics.RecordAuditWrite("stored")
	s.forwardCritical(&stored)
	return nil
}

func (s *auditService) writeFallback(rec *models.AuditRecord, cause error) {
	s.metrics.RecordAuditWrite("fallback")
	if s.fallback != nil {
		s.fallback.WithFields(logrus.Fields{
			"audit_id":              rec.ID,
			"event_type":            rec.EventType,
			"subject":               rec.Subject.String(),
			"withdrawal_request_id": rec.WithdrawalRequestID,
			"event_data":            rec.EventData,
			"severity":              rec.Severity,
			"compliance_flags":      rec.ComplianceFlags,
			"created_at":            rec.CreatedAt,
			"store_error":           cause.Error(),
		}).Error("audit record written to fallback")
	}

	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) >= s.config.FallbackQueueSize {
		s.logger.WithField("audit_id", rec.ID).Error("Audit fallback queue full, record kept in fallback file only")
		return
	}
	s.queue = append(s.queue, rec)
	s.metrics.SetAuditFallbackDepth(len(s.queue))
}

// forwardCritical hands critical records to the alert sink without blocking
// the caller.
func (s *auditService) forwardCritical(rec *models.AuditRecord) {
	if s.sink == nil || rec.Severity != models.AuditCritical {
		return
	}
	alert := external.NewComplianceAlert(rec)

	s.forwards.Add(1)
	go func() {
		defer s.forwards.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ForwardTimeout)
		defer cancel()
		if err := s.sink.Publish(ctx, alert); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"audit_id":   alert.AlertID,
				"event_type": alert.EventType,
			}).Warn("Failed to forward critical audit record")
		}
	}()
}

// FlushFallback replays queued records into the store. Records that fail
// again stay queued in their original order.
func (s *auditService) FlushFallback(ctx context.Context) (int, error) {
	s.queueMu.Lock()
	pending := s.queue
	s.queue = nil
	s.queueMu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}

	replayed := 0
	var lastErr error
	var remaining []*models.AuditRecord
	for i, rec := range pending {
		if ctx.Err() != nil {
			remaining = append(remaining, pending[i:]...)
			lastErr = ctx.Err()
			break
		}
		if err := s.repo.Insert(ctx, rec); err != nil {
			remaining = append(remaining, rec)
			lastErr = err
			s.metrics.RecordAuditWrite("failed")
			continue
		}
		replayed++
		s.metrics.RecordAuditWrite("replayed")
	}

	s.queueMu.Lock()
	s.queue = append(remaining, s.queue...)
	depth := len(s.queue)
	s.queueMu.Unlock()
	s.metrics.SetAuditFallbackDepth(depth)

	if lastErr != nil {
		return replayed, fmt.Errorf("failed to replay %d audit records: %w", len(remaining), lastErr)
	}
	return replayed, nil
}

func (s *auditService) FallbackDepth() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queue)
}

func (s *auditService) GenerateReport(ctx context.Context, driverID string, from, to time.Time, eventTypes ...string) (*models.SecurityReport, error) {
	if driverID == "" {
		return nil, apperrors.NewValidationError("driver id is required")
	}
	if !from.Before(to) {
		return nil, apperrors.NewValidationError("report window start must be before its end")
	}

	query := models.AuditQuery{
		Subject:    models.DriverScoped(driverID),
		EventTypes: eventTypes,
		From:       from,
		To:         to,
	}
	counts, err := s.repo.Count(ctx, query)
	if err != nil {
		return nil, apperrors.NewSystemError("failed to aggregate audit records", err)
	}

	query.Limit = s.config.ReportLimit
	query.NewestFirst = true
	records, err := s.repo.Find(ctx, query)
	if err != nil {
		return nil, apperrors.NewSystemError("failed to query audit records", err)
	}

	summary := summarize(counts, from, to)
	return &models.SecurityReport{
		DriverID:    driverID,
		Summary:     summary,
		Records:     records,
		Truncated:   len(records) < summary.TotalEvents,
		GeneratedAt: s.now().UTC(),
	}, nil
}

func summarize(counts *models.AuditCounts, from, to time.Time) models.ReportSummary {
	summary := models.ReportSummary{
		ByEventType:     counts.ByEventType,
		BySeverity:      counts.BySeverity,
		ComplianceFlags: counts.ComplianceFlags,
		Violations:      counts.ByEventType[models.EventComplianceViolation],
		From:            from,
		To:              to,
	}
	for _, n := range counts.ByEventType {
		summary.TotalEvents += n
	}
	return summary
}

// Close waits for in-flight alert forwards, bounded by ctx.
func (s *auditService) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.forwards.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit forwards still in flight: %w", ctx.Err())
	}
}
