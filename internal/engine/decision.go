package engine

import (
	"fmt"
	"strings"
	"time"

	"payout-security-api/internal/models"
	"payout-security-api/internal/service"
)

// Decide aggregates compliance findings and the fraud assessment into the
// final verdict. High fraud risk is folded in as a high-severity violation so
// that every rejection carries at least one high violation.
func Decide(result *models.ComplianceResult, fraud *models.FraudAssessment, at time.Time) *models.ComplianceDecision {
	if result == nil {
		result = &models.ComplianceResult{}
	}

	violations := make([]models.ComplianceViolation, 0, len(result.Violations)+1)
	violations = append(violations, result.Violations...)
	if fraud != nil && fraud.RiskLevel == models.RiskHigh {
		violations = append(violations, highFraudViolation(fraud))
	}

	decision := &models.ComplianceDecision{
		Status:          models.DecisionApproved,
		Violations:      violations,
		Warnings:        append([]string{}, result.Warnings...),
		SecurityFlags:   append([]string{}, result.SecurityFlags...),
		FraudAssessment: fraud,
		Timestamp:       at.UTC(),
	}

	check := &models.ComplianceResult{Violations: violations}
	switch {
	case check.HasSeverity(models.SeverityHigh):
		decision.Status = models.DecisionRejected
	case check.HasSeverity(models.SeverityMedium),
		fraud != nil && fraud.RiskLevel == models.RiskMedium:
		decision.Status = models.DecisionRequiresReview
	}
	decision.RequiresManualReview = decision.Status == models.DecisionRequiresReview
	return decision
}

func highFraudViolation(fraud *models.FraudAssessment) models.ComplianceViolation {
	description := fmt.Sprintf("fraud risk score %.0f is high", fraud.RiskScore)
	if len(fraud.Reasons) > 0 {
		description += ": " + strings.Join(fraud.Reasons, "; ")
	}
	return models.ComplianceViolation{
		Code:        models.CodeHighFraudRisk,
		Description: description,
		Regulation:  service.RegulationRiskPolicy,
		Severity:    models.SeverityHigh,
	}
}

// recordStatus maps a decision onto the persisted withdrawal status.
func recordStatus(status models.DecisionStatus) models.WithdrawalStatus {
	switch status {
	case models.DecisionApproved:
		return models.WithdrawalApproved
	case models.DecisionRequiresReview:
		return models.WithdrawalPending
	case models.DecisionRejected:
		return models.WithdrawalRejected
	default:
		return models.WithdrawalFailed
	}
}

func decisionSeverity(status models.DecisionStatus) models.AuditSeverity {
	switch status {
	case models.DecisionRejected, models.DecisionError:
		return models.AuditHigh
	case models.DecisionRequiresReview:
		return models.AuditMedium
	default:
		return models.AuditInfo
	}
}
