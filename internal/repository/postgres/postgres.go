// Package postgres implements the audit and withdrawal repositories on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"payout-security-api/internal/models"
	"payout-security-api/internal/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS financial_audit_log (
	id                    TEXT PRIMARY KEY,
	event_type            TEXT NOT NULL,
	subject_scope         TEXT NOT NULL,
	subject_id            TEXT NOT NULL,
	withdrawal_request_id TEXT,
	event_data            JSONB NOT NULL DEFAULT '{}'::jsonb,
	severity              TEXT NOT NULL,
	compliance_flags      TEXT[] NOT NULL DEFAULT '{}',
	created_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_subject_created ON financial_audit_log (subject_scope, subject_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_event_created ON financial_audit_log (event_type, created_at);

CREATE TABLE IF NOT EXISTS withdrawal_requests (
	id                    TEXT PRIMARY KEY,
	driver_id             TEXT NOT NULL,
	amount                NUMERIC(18,2) NOT NULL,
	currency              TEXT NOT NULL,
	method                TEXT NOT NULL,
	status                TEXT NOT NULL,
	device_id             TEXT,
	ip_address            TEXT,
	masked_account_number TEXT,
	ciphertext            TEXT,
	algorithm_id          TEXT,
	key_version           INTEGER,
	created_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_withdrawal_driver_created ON withdrawal_requests (driver_id, created_at DESC);
`

// Connect opens a pool and applies the schema.
func Connect(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return pool, nil
}

type AuditRepository struct {
	db *pgxpool.Pool
}

func NewAuditRepository(db *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{db: db}
}

var _ repository.AuditRepository = (*AuditRepository)(nil)

func (r *AuditRepository) Insert(ctx context.Context, rec *models.AuditRecord) error {
	data, err := json.Marshal(rec.EventData)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	flags := rec.ComplianceFlags
	if flags == nil {
		flags = []string{}
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO financial_audit_log (
			id, event_type, subject_scope, subject_id, withdrawal_request_id,
			event_data, severity, compliance_flags, created_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6::jsonb, $7, $8, $9)`,
		rec.ID,
		rec.EventType,
		string(rec.Subject.Scope),
		rec.Subject.ID,
		rec.WithdrawalRequestID,
		string(data),
		string(rec.Severity),
		flags,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (r *AuditRepository) Find(ctx context.Context, q models.AuditQuery) ([]*models.AuditRecord, error) {
	where, args := auditWhere(q)
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	order := "ASC"
	if q.NewestFirst {
		order = "DESC"
	}
	args = append(args, limit)
	sqlQuery := `
		SELECT id, event_type, subject_scope, subject_id, COALESCE(withdrawal_request_id, ''),
		       event_data, severity, compliance_flags, created_at
		FROM financial_audit_log
		WHERE ` + where + fmt.Sprintf(" ORDER BY created_at %s LIMIT $%d", order, len(args))

	rows, err := r.db.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditRecord
	for rows.Next() {
		var (
			rec      models.AuditRecord
			scope    string
			severity string
			data     []byte
		)
		if err := rows.Scan(&rec.ID, &rec.EventType, &scope, &rec.Subject.ID, &rec.WithdrawalRequestID,
			&data, &severity, &rec.ComplianceFlags, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.Subject.Scope = models.EntityScope(scope)
		rec.Severity = models.AuditSeverity(severity)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &rec.EventData); err != nil {
				return nil, fmt.Errorf("failed to decode event data for %s: %w", rec.ID, err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Count groups by event type, severity and compliance flag in one round trip.
func (r *AuditRepository) Count(ctx context.Context, q models.AuditQuery) (*models.AuditCounts, error) {
	where, args := auditWhere(q)
	sqlQuery := `
		SELECT 'event_type', event_type, COUNT(*) FROM financial_audit_log WHERE ` + where + ` GROUP BY event_type
		UNION ALL
		SELECT 'severity', severity, COUNT(*) FROM financial_audit_log WHERE ` + where + ` GROUP BY severity
		UNION ALL
		SELECT 'flag', f.flag, COUNT(*) FROM financial_audit_log CROSS JOIN LATERAL unnest(compliance_flags) AS f(flag)
		WHERE ` + where + ` GROUP BY f.flag`

	rows, err := r.db.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit records: %w", err)
	}
	defer rows.Close()

	counts := models.NewAuditCounts()
	for rows.Next() {
		var (
			dimension, key string
			n              int64
		)
		if err := rows.Scan(&dimension, &key, &n); err != nil {
			return nil, fmt.Errorf("failed to scan audit count: %w", err)
		}
		switch dimension {
		case "event_type":
			counts.ByEventType[key] = int(n)
		case "severity":
			counts.BySeverity[models.AuditSeverity(key)] = int(n)
		case "flag":
			counts.ComplianceFlags[key] = int(n)
		}
	}
	return counts, rows.Err()
}

// auditWhere renders the query filters as a boolean expression over
// positional arguments. Each placeholder may be referenced more than once.
func auditWhere(q models.AuditQuery) (string, []interface{}) {
	clauses := []string{"TRUE"}
	var args []interface{}
	next := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Subject.ID != "" {
		clauses = append(clauses, "subject_scope = "+next(string(q.Subject.Scope)), "subject_id = "+next(q.Subject.ID))
	}
	if len(q.EventTypes) > 0 {
		clauses = append(clauses, "event_type = ANY("+next(q.EventTypes)+")")
	}
	if !q.From.IsZero() {
		clauses = append(clauses, "created_at >= "+next(q.From))
	}
	if !q.To.IsZero() {
		clauses = append(clauses, "created_at <= "+next(q.To))
	}
	return strings.Join(clauses, " AND "), args
}

type WithdrawalRepository struct {
	db *pgxpool.Pool
}

func NewWithdrawalRepository(db *pgxpool.Pool) *WithdrawalRepository {
	return &WithdrawalRepository{db: db}
}

var _ repository.WithdrawalRepository = (*WithdrawalRepository)(nil)

func (r *WithdrawalRepository) Create(ctx context.Context, rec *models.WithdrawalRecord) error {
	var (
		ciphertext, algorithm *string
		keyVersion            *int
	)
	if p := rec.EncryptedPayload; p != nil {
		ciphertext, algorithm, keyVersion = &p.Ciphertext, &p.AlgorithmID, &p.KeyVersion
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO withdrawal_requests (
			id, driver_id, amount, currency, method, status, device_id, ip_address,
			masked_account_number, ciphertext, algorithm_id, key_version, created_at
		) VALUES ($1, $2, $3::numeric, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12, $13)`,
		rec.ID,
		rec.DriverID,
		rec.Amount.StringFixed(2),
		rec.Currency,
		string(rec.Method),
		string(rec.Status),
		rec.DeviceID,
		rec.IPAddress,
		rec.MaskedAccountNumber,
		ciphertext,
		algorithm,
		keyVersion,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create withdrawal record: %w", err)
	}
	return nil
}

func (r *WithdrawalRepository) ListSince(ctx context.Context, driverID string, since time.Time) ([]*models.WithdrawalRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, driver_id, amount::text, currency, method, status,
		       COALESCE(device_id, ''), COALESCE(ip_address, ''), COALESCE(masked_account_number, ''), created_at
		FROM withdrawal_requests
		WHERE driver_id = $1 AND created_at >= $2
		ORDER BY created_at ASC`, driverID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawal history: %w", err)
	}
	defer rows.Close()

	var out []*models.WithdrawalRecord
	for rows.Next() {
		var (
			rec            models.WithdrawalRecord
			amount         string
			method, status string
		)
		if err := rows.Scan(&rec.ID, &rec.DriverID, &amount, &rec.Currency, &method, &status,
			&rec.DeviceID, &rec.IPAddress, &rec.MaskedAccountNumber, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal record: %w", err)
		}
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("failed to parse amount for %s: %w", rec.ID, err)
		}
		rec.Method = models.WithdrawalMethod(method)
		rec.Status = models.WithdrawalStatus(status)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (r *WithdrawalRepository) KnownDevices(ctx context.Context, driverID string) ([]string, error) {
	statuses := make([]string, len(models.CommittedStatuses))
	for i, s := range models.CommittedStatuses {
		statuses[i] = string(s)
	}

	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT device_id FROM withdrawal_requests
		WHERE driver_id = $1 AND device_id IS NOT NULL AND status = ANY($2)`, driverID, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to query known devices: %w", err)
	}
	devices, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan known devices: %w", err)
	}
	return devices, nil
}
