package external

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"payout-security-api/internal/models"
)

// AlertSink receives critical audit records for out-of-band monitoring.
type AlertSink interface {
	Publish(ctx context.Context, alert *ComplianceAlert) error
	Close() error
}

// ComplianceAlert is the wire form of a forwarded audit record. Event data is
// already scrubbed by the audit service.
type ComplianceAlert struct {
	AlertID             string                 `json:"alert_id"`
	EventType           string                 `json:"event_type"`
	Severity            string                 `json:"severity"`
	Subject             string                 `json:"subject"`
	WithdrawalRequestID string                 `json:"withdrawal_request_id,omitempty"`
	ComplianceFlags     []string               `json:"compliance_flags,omitempty"`
	Evidence            map[string]interface{} `json:"evidence,omitempty"`
	OccurredAt          time.Time              `json:"occurred_at"`
	PublishedAt         time.Time              `json:"published_at"`
}

func NewComplianceAlert(rec *models.AuditRecord) *ComplianceAlert {
	return &ComplianceAlert{
		AlertID:             rec.ID,
		EventType:           rec.EventType,
		Severity:            string(rec.Severity),
		Subject:             rec.Subject.String(),
		WithdrawalRequestID: rec.WithdrawalRequestID,
		ComplianceFlags:     rec.ComplianceFlags,
		Evidence:            rec.EventData,
		OccurredAt:          rec.CreatedAt,
		PublishedAt:         time.Now().UTC(),
	}
}

// RoutingKey is "<event_type>.<severity>", used as the AMQP routing key suffix
// and the Kafka message key.
func (a *ComplianceAlert) RoutingKey() string {
	return a.EventType + "." + a.Severity
}

type logSink struct {
	logger *logrus.Entry
}

// NewLogSink writes alerts to the application log only.
func NewLogSink(logger *logrus.Logger) AlertSink {
	return &logSink{logger: logger.WithField("component", "alert_sink")}
}

func (s *logSink) Publish(_ context.Context, alert *ComplianceAlert) error {
	s.logger.WithFields(logrus.Fields{
		"alert_id":   alert.AlertID,
		"event_type": alert.EventType,
		"severity":   alert.Severity,
		"subject":    alert.Subject,
		"flags":      alert.ComplianceFlags,
	}).Warn("Critical compliance alert")
	return nil
}

func (s *logSink) Close() error { return nil }
