package models

import (
	"time"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

type ComplianceViolation struct {
	Code        string   `json:"code"`
	Description string   `json:"description"`
	Regulation  string   `json:"regulation"`
	Severity    Severity `json:"severity"`
}

// ComplianceResult is the validator output before aggregation into a decision.
type ComplianceResult struct {
	Violations    []ComplianceViolation `json:"violations"`
	Warnings      []string              `json:"warnings"`
	SecurityFlags []string              `json:"security_flags"`
}

func (r *ComplianceResult) HasSeverity(s Severity) bool {
	for _, v := range r.Violations {
		if v.Severity == s {
			return true
		}
	}
	return false
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type FraudAssessment struct {
	RiskLevel RiskLevel `json:"risk_level"`
	RiskScore float64   `json:"risk_score"`
	Reasons   []string  `json:"reasons"`
}

type DecisionStatus string

const (
	DecisionApproved       DecisionStatus = "approved"
	DecisionRequiresReview DecisionStatus = "requires_review"
	DecisionRejected       DecisionStatus = "rejected"
	DecisionError          DecisionStatus = "error"
)

// ComplianceDecision is the orchestrator's verdict. It is persisted only
// through audit events.
type ComplianceDecision struct {
	Status               DecisionStatus        `json:"status"`
	Violations           []ComplianceViolation `json:"violations"`
	Warnings             []string              `json:"warnings"`
	SecurityFlags        []string              `json:"security_flags"`
	FraudAssessment      *FraudAssessment      `json:"fraud_assessment,omitempty"`
	RequiresManualReview bool                  `json:"requires_manual_review"`
	Timestamp            time.Time             `json:"timestamp"`
}

// Violation codes emitted by compliance evaluation.
const (
	CodeInvalidAmount          = "INVALID_AMOUNT"
	CodeBelowMinimum           = "BELOW_MINIMUM_WITHDRAWAL"
	CodeExceedsMaxSingle       = "EXCEEDS_MAX_SINGLE_WITHDRAWAL"
	CodeUnsupportedCurrency    = "UNSUPPORTED_CURRENCY"
	CodeDailyLimitExceeded     = "DAILY_LIMIT_EXCEEDED"
	CodeWeeklyLimitExceeded    = "WEEKLY_LIMIT_EXCEEDED"
	CodeMissingPayoutDetails   = "MISSING_PAYOUT_DETAILS"
	CodeIncompleteBankDetails  = "INCOMPLETE_BANK_DETAILS"
	CodeInvalidAccountNumber   = "INVALID_ACCOUNT_NUMBER"
	CodeInvalidAccountHolder   = "INVALID_ACCOUNT_HOLDER_NAME"
	CodeInvalidBankCode        = "INVALID_BANK_CODE"
	CodeInvalidEWalletProvider = "INVALID_EWALLET_PROVIDER"
	CodeAMLCheckFailed         = "AML_CHECK_FAILED"
	CodeVPNProxyDetected       = "VPN_PROXY_DETECTED"
	CodeHighRiskGeography      = "HIGH_RISK_GEOGRAPHY"
	CodeHighFraudRisk          = "HIGH_FRAUD_RISK"
	CodeSystemError            = "SYSTEM_ERROR"
	CodeSystemTimeout          = "SYSTEM_TIMEOUT"
)

// Security flags attached to decisions.
const (
	FlagAMLThreshold    = "AML_THRESHOLD_EXCEEDED"
	FlagDailyLimitNear  = "DAILY_LIMIT_APPROACHING"
	FlagVPN             = "VPN_DETECTED"
	FlagProxy           = "PROXY_DETECTED"
	FlagHighRiskCountry = "HIGH_RISK_COUNTRY"
	FlagEmulator        = "EMULATOR_DEVICE"
	FlagRootedDevice    = "ROOTED_DEVICE"
	FlagNewDevice       = "NEW_DEVICE"
	FlagIPLookupFailed  = "IP_LOOKUP_UNAVAILABLE"
	FlagSuspicious      = "SUSPICIOUS_ACTIVITY"
)

// IPReputation is what IP intelligence knows about a source address.
type IPReputation struct {
	IPAddress   string `json:"ip_address"`
	CountryCode string `json:"country_code,omitempty"`
	IsVPN       bool   `json:"is_vpn"`
	IsProxy     bool   `json:"is_proxy"`
	IsTor       bool   `json:"is_tor"`
	IsHosting   bool   `json:"is_hosting"`
	Denylisted  bool   `json:"denylisted"`
}

// Suspicious reports whether the address should be treated as a fraud signal.
func (r *IPReputation) Suspicious() bool {
	if r == nil {
		return false
	}
	return r.IsVPN || r.IsProxy || r.IsTor || r.Denylisted
}
