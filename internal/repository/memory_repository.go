package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"payout-security-api/internal/models"
)

// MemoryAuditRepository keeps audit records in process. Used by tests and the
// memory database driver.
type MemoryAuditRepository struct {
	mu      sync.RWMutex
	records []*models.AuditRecord
	ids     map[string]struct{}
	// FailWith, when set, is returned by Insert.
	FailWith error
}

func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{ids: make(map[string]struct{})}
}

func (r *MemoryAuditRepository) Insert(_ context.Context, record *models.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailWith != nil {
		return r.FailWith
	}
	if _, exists := r.ids[record.ID]; exists {
		return fmt.Errorf("audit record %s already exists", record.ID)
	}
	cp := *record
	r.records = append(r.records, &cp)
	r.ids[record.ID] = struct{}{}
	return nil
}

func (r *MemoryAuditRepository) Find(_ context.Context, query models.AuditQuery) ([]*models.AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	match := auditMatcher(query)
	var out []*models.AuditRecord
	for _, rec := range r.records {
		if !match(rec) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if query.NewestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit := queryLimit(query.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryAuditRepository) Count(_ context.Context, query models.AuditQuery) (*models.AuditCounts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	match := auditMatcher(query)
	counts := models.NewAuditCounts()
	for _, rec := range r.records {
		if !match(rec) {
			continue
		}
		counts.ByEventType[rec.EventType]++
		counts.BySeverity[rec.Severity]++
		for _, flag := range rec.ComplianceFlags {
			counts.ComplianceFlags[flag]++
		}
	}
	return counts, nil
}

func auditMatcher(query models.AuditQuery) func(*models.AuditRecord) bool {
	types := make(map[string]struct{}, len(query.EventTypes))
	for _, t := range query.EventTypes {
		types[t] = struct{}{}
	}
	return func(rec *models.AuditRecord) bool {
		if query.Subject.ID != "" && rec.Subject != query.Subject {
			return false
		}
		if len(types) > 0 {
			if _, ok := types[rec.EventType]; !ok {
				return false
			}
		}
		if !query.From.IsZero() && rec.CreatedAt.Before(query.From) {
			return false
		}
		if !query.To.IsZero() && rec.CreatedAt.After(query.To) {
			return false
		}
		return true
	}
}

// All returns a snapshot of every stored record in insertion order.
func (r *MemoryAuditRepository) All() []*models.AuditRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.AuditRecord, len(r.records))
	copy(out, r.records)
	return out
}

func (r *MemoryAuditRepository) SetFailure(err error) {
	r.mu.Lock()
	r.FailWith = err
	r.mu.Unlock()
}

type MemoryWithdrawalRepository struct {
	mu       sync.RWMutex
	records  []*models.WithdrawalRecord
	FailWith error
}

func NewMemoryWithdrawalRepository() *MemoryWithdrawalRepository {
	return &MemoryWithdrawalRepository{}
}

func (r *MemoryWithdrawalRepository) Create(_ context.Context, record *models.WithdrawalRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailWith != nil {
		return r.FailWith
	}
	for _, existing := range r.records {
		if existing.ID == record.ID {
			return fmt.Errorf("withdrawal request %s already exists", record.ID)
		}
	}
	cp := *record
	r.records = append(r.records, &cp)
	return nil
}

func (r *MemoryWithdrawalRepository) ListSince(_ context.Context, driverID string, since time.Time) ([]*models.WithdrawalRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.FailWith != nil {
		return nil, r.FailWith
	}
	var out []*models.WithdrawalRecord
	for _, rec := range r.records {
		if rec.DriverID == driverID && !rec.CreatedAt.Before(since) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryWithdrawalRepository) KnownDevices(_ context.Context, driverID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.FailWith != nil {
		return nil, r.FailWith
	}
	seen := make(map[string]struct{})
	var out []string
	for _, rec := range r.records {
		if rec.DriverID != driverID || rec.DeviceID == "" || !rec.Status.Committed() {
			continue
		}
		if _, ok := seen[rec.DeviceID]; !ok {
			seen[rec.DeviceID] = struct{}{}
			out = append(out, rec.DeviceID)
		}
	}
	return out, nil
}

func (r *MemoryWithdrawalRepository) SetFailure(err error) {
	r.mu.Lock()
	r.FailWith = err
	r.mu.Unlock()
}
