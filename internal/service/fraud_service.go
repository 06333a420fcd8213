package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"payout-security-api/internal/config"
	"payout-security-api/internal/models"
	"payout-security-api/internal/monitoring"
)

// FraudService produces an additive risk score. Adding a risk factor to an
// otherwise identical request never lowers the score.
type FraudService interface {
	Score(ctx context.Context, req *models.WithdrawalRequest) *models.FraudAssessment
	Assess(req *models.WithdrawalRequest, snap *Snapshot) *models.FraudAssessment
}

const historyUnavailableReason = "withdrawal history unavailable, scored as high risk"

type fraudService struct {
	history    *HistoryLoader
	config     config.FraudConfig
	highAmount decimal.Decimal
	velocity   decimal.Decimal
	location   *time.Location
	metrics    monitoring.MetricsService
}

func NewFraudService(
	history *HistoryLoader,
	cfg config.FraudConfig,
	location *time.Location,
	metrics monitoring.MetricsService,
) (FraudService, error) {
	highAmount, err := decimal.NewFromString(cfg.HighAmountThreshold)
	if err != nil {
		return nil, fmt.Errorf("invalid high amount threshold: %w", err)
	}
	velocity, err := decimal.NewFromString(cfg.VelocityThreshold)
	if err != nil {
		return nil, fmt.Errorf("invalid velocity threshold: %w", err)
	}
	if location == nil {
		location = time.UTC
	}
	if cfg.AttemptWindow <= 0 {
		cfg.AttemptWindow = time.Hour
	}
	return &fraudService{
		history:    history,
		config:     cfg,
		highAmount: highAmount,
		velocity:   velocity,
		location:   location,
		metrics:    metrics,
	}, nil
}

func (s *fraudService) Score(ctx context.Context, req *models.WithdrawalRequest) *models.FraudAssessment {
	return s.Assess(req, s.history.Load(ctx, req))
}

func (s *fraudService) Assess(req *models.WithdrawalRequest, snap *Snapshot) *models.FraudAssessment {
	w := s.config.Weights
	var (
		score   float64
		reasons = []string{}
	)
	add := func(weight float64, reason string) {
		score += weight
		reasons = append(reasons, reason)
	}

	if req.Amount.GreaterThanOrEqual(s.highAmount) {
		add(w.HighAmount, fmt.Sprintf("high withdrawal amount %s", req.Amount.StringFixed(2)))
	}

	h := snap.History
	historyOK := snap.HistoryErr == nil && h != nil

	if historyOK {
		attempts := len(h.RecentAttempts) + 1
		if attempts >= s.config.AttemptThreshold {
			add(w.FrequentAttempts, fmt.Sprintf("%d withdrawal attempts within %s", attempts, s.config.AttemptWindow))
		}
		if s.config.BurstThreshold > 0 && attempts >= s.config.BurstThreshold {
			add(w.BurstAttempts, fmt.Sprintf("burst of %d attempts", attempts))
		}
	}

	if hour := snap.Now.In(s.location).Hour(); hour < s.config.NormalHoursStart || hour >= s.config.NormalHoursEnd {
		add(w.OffHours, fmt.Sprintf("request at %02d:00 outside normal hours", hour))
	}

	if req.Network.VPNDetected || req.Network.ProxyDetected || snap.IP.Suspicious() {
		add(w.SuspiciousIP, "suspicious network origin")
	}

	switch deviceID := req.Network.Device.DeviceID; {
	case deviceID == "":
		add(w.UnrecognizedDevice, "device not identified")
	case historyOK && !h.KnowsDevice(deviceID):
		add(w.UnrecognizedDevice, "unrecognized device")
	}

	if historyOK {
		if total := h.Rolling24hTotal.Add(req.Amount); total.GreaterThan(s.velocity) {
			add(w.Velocity, fmt.Sprintf("24h withdrawal velocity %s over %s", total.StringFixed(2), s.velocity.StringFixed(2)))
		}
	}

	level := s.level(score)
	if !historyOK {
		reasons = append(reasons, historyUnavailableReason)
		level = models.RiskHigh
		if score < s.config.HighRiskScore {
			score = s.config.HighRiskScore
		}
	}

	s.metrics.RecordFraudAssessment(string(level), score)
	return &models.FraudAssessment{
		RiskLevel: level,
		RiskScore: score,
		Reasons:   reasons,
	}
}

func (s *fraudService) level(score float64) models.RiskLevel {
	switch {
	case score >= s.config.HighRiskScore:
		return models.RiskHigh
	case score >= s.config.MediumRiskScore:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}
