package repository

import (
	"context"
	"time"

	"payout-security-api/internal/models"
)

// AuditRepository is append-only: there is no update or delete.
type AuditRepository interface {
	Insert(ctx context.Context, record *models.AuditRecord) error
	Find(ctx context.Context, query models.AuditQuery) ([]*models.AuditRecord, error)
	// Count aggregates every record matching query in the store. Limit and
	// ordering are ignored.
	Count(ctx context.Context, query models.AuditQuery) (*models.AuditCounts, error)
}

// WithdrawalRepository persists processed requests and serves the history
// aggregates used by compliance and fraud evaluation.
type WithdrawalRepository interface {
	Create(ctx context.Context, record *models.WithdrawalRecord) error
	// ListSince returns every record for the driver created at or after since,
	// oldest first, regardless of status.
	ListSince(ctx context.Context, driverID string, since time.Time) ([]*models.WithdrawalRecord, error)
	KnownDevices(ctx context.Context, driverID string) ([]string, error)
}

const (
	AuditCollection      = "financial_audit_log"
	WithdrawalCollection = "withdrawal_requests"

	defaultQueryLimit = 1000
)

func queryLimit(limit int) int {
	if limit <= 0 || limit > defaultQueryLimit {
		return defaultQueryLimit
	}
	return limit
}
