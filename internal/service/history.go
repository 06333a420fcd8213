package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"payout-security-api/internal/external"
	"payout-security-api/internal/models"
	"payout-security-api/internal/repository"
)

const historyLookback = 7 * 24 * time.Hour

// Snapshot is everything the validator and the fraud engine read from the
// outside world for one request. Errors are carried, not returned, so each
// consumer can fail closed in its own way.
type Snapshot struct {
	History    *models.WithdrawalHistory
	HistoryErr error
	IP         *models.IPReputation
	IPErr      error
	Now        time.Time
}

type HistoryLoader struct {
	repo          repository.WithdrawalRepository
	ipIntel       external.IPIntelligence
	location      *time.Location
	attemptWindow time.Duration
	nearThreshold decimal.Decimal
	logger        *logrus.Entry
	now           func() time.Time
}

// NewHistoryLoader builds a loader. nearThreshold is the amount at or above
// which a committed withdrawal counts toward structuring detection.
func NewHistoryLoader(
	repo repository.WithdrawalRepository,
	ipIntel external.IPIntelligence,
	location *time.Location,
	attemptWindow time.Duration,
	nearThreshold decimal.Decimal,
) *HistoryLoader {
	if location == nil {
		location = time.UTC
	}
	if attemptWindow <= 0 {
		attemptWindow = time.Hour
	}
	return &HistoryLoader{
		repo:          repo,
		ipIntel:       ipIntel,
		location:      location,
		attemptWindow: attemptWindow,
		nearThreshold: nearThreshold,
		logger:        logrus.WithField("component", "history_loader"),
		now:           time.Now,
	}
}

// WithClock replaces the loader's time source.
func (l *HistoryLoader) WithClock(now func() time.Time) *HistoryLoader {
	l.now = now
	return l
}

// Load fetches history and IP reputation concurrently.
func (l *HistoryLoader) Load(ctx context.Context, req *models.WithdrawalRequest) *Snapshot {
	snap := &Snapshot{Now: l.now()}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		snap.History, snap.HistoryErr = l.History(ctx, req.DriverID, snap.Now)
	}()

	if ip := req.Network.IPAddress; ip != "" && l.ipIntel != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap.IP, snap.IPErr = l.ipIntel.Lookup(ctx, ip)
		}()
	}
	wg.Wait()

	if snap.HistoryErr != nil {
		l.logger.WithError(snap.HistoryErr).WithField("driver_id", req.DriverID).Error("Failed to load withdrawal history")
	}
	if snap.IPErr != nil {
		l.logger.WithError(snap.IPErr).WithField("driver_id", req.DriverID).Warn("IP intelligence lookup failed")
	}
	return snap
}

func (l *HistoryLoader) History(ctx context.Context, driverID string, now time.Time) (*models.WithdrawalHistory, error) {
	records, err := l.repo.ListSince(ctx, driverID, now.Add(-historyLookback))
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	devices, err := l.repo.KnownDevices(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list known devices: %w", err)
	}
	return BuildHistory(driverID, records, devices, now, l.location, l.attemptWindow, l.nearThreshold), nil
}

// BuildHistory aggregates raw records. Same-day totals use the calendar day in
// loc; the 24h and 7-day totals are rolling. Only committed statuses count
// toward totals, while attempts count every status.
func BuildHistory(
	driverID string,
	records []*models.WithdrawalRecord,
	devices []string,
	now time.Time,
	loc *time.Location,
	attemptWindow time.Duration,
	nearThreshold decimal.Decimal,
) *models.WithdrawalHistory {
	local := now.In(loc)
	y, m, d := local.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, loc)
	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.Add(-historyLookback)
	attemptsSince := now.Add(-attemptWindow)

	h := &models.WithdrawalHistory{
		DriverID:        driverID,
		SameDayTotal:    decimal.Zero,
		Rolling24hTotal: decimal.Zero,
		WeekTotal:       decimal.Zero,
		RecentAttempts:  []time.Time{},
		KnownDeviceIDs:  make(map[string]struct{}, len(devices)),
		LoadedAt:        now,
	}
	for _, id := range devices {
		h.KnownDeviceIDs[id] = struct{}{}
	}

	for _, rec := range records {
		if rec.CreatedAt.After(now) {
			continue
		}
		if !rec.CreatedAt.Before(attemptsSince) {
			h.RecentAttempts = append(h.RecentAttempts, rec.CreatedAt)
		}
		if !rec.Status.Committed() {
			continue
		}
		if !rec.CreatedAt.Before(weekAgo) {
			h.WeekTotal = h.WeekTotal.Add(rec.Amount)
		}
		if !rec.CreatedAt.Before(dayAgo) {
			h.Rolling24hTotal = h.Rolling24hTotal.Add(rec.Amount)
			if nearThreshold.IsPositive() && rec.Amount.GreaterThanOrEqual(nearThreshold) {
				h.NearThreshold24h++
			}
		}
		if !rec.CreatedAt.Before(dayStart) {
			h.SameDayTotal = h.SameDayTotal.Add(rec.Amount)
		}
	}
	return h
}
