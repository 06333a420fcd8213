package models

import (
	"fmt"
	"strings"
	"time"
)

type EntityScope string

const (
	ScopeDriver EntityScope = "driver"
	ScopeSystem EntityScope = "system"
)

// EntityRef names the subject of an audit record: a driver, or a system
// component when no driver is involved.
type EntityRef struct {
	Scope EntityScope `json:"scope" bson:"scope"`
	ID    string      `json:"id" bson:"id"`
}

func DriverScoped(driverID string) EntityRef {
	return EntityRef{Scope: ScopeDriver, ID: driverID}
}

func SystemScoped(kind string) EntityRef {
	return EntityRef{Scope: ScopeSystem, ID: kind}
}

func (e EntityRef) IsDriver() bool { return e.Scope == ScopeDriver }

// DriverID returns the driver id, or "" for system-scoped records.
func (e EntityRef) DriverID() string {
	if e.Scope != ScopeDriver {
		return ""
	}
	return e.ID
}

func (e EntityRef) String() string {
	return fmt.Sprintf("%s:%s", e.Scope, e.ID)
}

// ParseEntityRef parses the "scope:id" form produced by String.
func ParseEntityRef(s string) (EntityRef, error) {
	scope, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return EntityRef{}, fmt.Errorf("invalid entity reference %q", s)
	}
	switch EntityScope(scope) {
	case ScopeDriver, ScopeSystem:
		return EntityRef{Scope: EntityScope(scope), ID: id}, nil
	}
	return EntityRef{}, fmt.Errorf("unknown entity scope %q", scope)
}

type AuditSeverity string

const (
	AuditInfo     AuditSeverity = "info"
	AuditLow      AuditSeverity = "low"
	AuditMedium   AuditSeverity = "medium"
	AuditHigh     AuditSeverity = "high"
	AuditCritical AuditSeverity = "critical"
)

// AuditSeverityFor lifts a violation severity onto the audit scale.
func AuditSeverityFor(s Severity) AuditSeverity {
	switch s {
	case SeverityHigh:
		return AuditHigh
	case SeverityMedium:
		return AuditMedium
	default:
		return AuditLow
	}
}

const (
	EventWithdrawalCreated     = "withdrawal_request_created"
	EventComplianceValidation  = "compliance_validation"
	EventComplianceViolation   = "compliance_violation"
	EventFraudAssessment       = "fraud_assessment"
	EventWithdrawalEncryption  = "withdrawal_payload_encrypted"
	EventWithdrawalDecision    = "withdrawal_decision"
	EventWithdrawalFailed      = "withdrawal_failed"
	EventEncryption            = "bank_data_encryption"
	EventDecryption            = "bank_data_decryption"
	EventKeyCreated            = "encryption_key_created"
	EventKeyRotated            = "encryption_key_rotated"
	EventKeyDeleted            = "encryption_key_deleted"
	EventKeyPurged             = "encryption_key_purged"
	EventSecureOperation       = "secure_operation"
	EventSuspiciousButAllowed  = "suspicious_but_allowed"
	EventRateLimitExceeded     = "rate_limit_exceeded"
	EventSecurityViolation     = "security_violation"
	EventSecurityReportRequest = "security_report_generated"
)

// AuditRecord is append-only once written.
type AuditRecord struct {
	ID                  string                 `json:"id" bson:"_id"`
	EventType           string                 `json:"event_type" bson:"event_type"`
	Subject             EntityRef              `json:"subject" bson:"subject"`
	WithdrawalRequestID string                 `json:"withdrawal_request_id,omitempty" bson:"withdrawal_request_id,omitempty"`
	EventData           map[string]interface{} `json:"event_data" bson:"event_data"`
	Severity            AuditSeverity          `json:"severity" bson:"severity"`
	ComplianceFlags     []string               `json:"compliance_flags" bson:"compliance_flags"`
	CreatedAt           time.Time              `json:"created_at" bson:"created_at"`
}

type AuditQuery struct {
	Subject     EntityRef
	EventTypes  []string
	From        time.Time
	To          time.Time
	Limit       int
	NewestFirst bool
}

// AuditCounts are totals over every record matching an AuditQuery, ignoring
// its Limit.
type AuditCounts struct {
	ByEventType     map[string]int
	BySeverity      map[AuditSeverity]int
	ComplianceFlags map[string]int
}

func NewAuditCounts() *AuditCounts {
	return &AuditCounts{
		ByEventType:     make(map[string]int),
		BySeverity:      make(map[AuditSeverity]int),
		ComplianceFlags: make(map[string]int),
	}
}

type ReportSummary struct {
	TotalEvents     int                   `json:"total_events"`
	ByEventType     map[string]int        `json:"by_event_type"`
	BySeverity      map[AuditSeverity]int `json:"by_severity"`
	ComplianceFlags map[string]int        `json:"compliance_flags"`
	Violations      int                   `json:"violations"`
	From            time.Time             `json:"from"`
	To              time.Time             `json:"to"`
}

// SecurityReport summarizes the whole window. Records holds the newest
// entries up to the report limit; Truncated is set when older ones were left out.
type SecurityReport struct {
	DriverID    string         `json:"driver_id"`
	Summary     ReportSummary  `json:"summary"`
	Records     []*AuditRecord `json:"records"`
	Truncated   bool           `json:"truncated"`
	GeneratedAt time.Time      `json:"generated_at"`
}
