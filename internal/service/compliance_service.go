package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"payout-security-api/internal/config"
	"payout-security-api/internal/models"
	"payout-security-api/internal/monitoring"
)

// ComplianceService evaluates a withdrawal against regulatory rules. Findings
// are data on the result, never errors.
type ComplianceService interface {
	Validate(ctx context.Context, req *models.WithdrawalRequest) *models.ComplianceResult
	Evaluate(ctx context.Context, req *models.WithdrawalRequest, snap *Snapshot) *models.ComplianceResult
}

// AMLScreener runs anti-money-laundering checks for amounts above the
// reporting threshold. A non-nil error fails the check.
type AMLScreener interface {
	Screen(ctx context.Context, req *models.WithdrawalRequest, history *models.WithdrawalHistory) error
}

const (
	RegulationWithdrawalLimits = "BNM_EMONEY_WITHDRAWAL_LIMITS"
	RegulationPaymentDetails   = "BNM_PAYMENT_INSTRUMENT_REQUIREMENTS"
	RegulationAML              = "AMLA_2001"
	RegulationRiskPolicy       = "INTERNAL_RISK_POLICY"
)

var (
	ErrStructuringSuspected = errors.New("structuring pattern detected")
	ErrAMLWeeklyLimit       = errors.New("cumulative AML limit exceeded")

	numericAccountPattern = regexp.MustCompile(`^[0-9]+$`)
	accountHolderPattern  = regexp.MustCompile(`^\p{L}[\p{L} .,'@/-]{1,99}$`)
)

type complianceService struct {
	history     *HistoryLoader
	screener    AMLScreener
	limits      *config.RegulatoryLimits
	config      config.RegulatoryConfig
	bankCodes   map[string]struct{}
	providers   map[string]struct{}
	highRisk    map[string]struct{}
	bankCodeSev models.Severity
	metrics     monitoring.MetricsService
	logger      *logrus.Entry
}

func NewComplianceService(
	history *HistoryLoader,
	screener AMLScreener,
	limits *config.RegulatoryLimits,
	cfg config.RegulatoryConfig,
	metrics monitoring.MetricsService,
) ComplianceService {
	sev := models.Severity(cfg.UnknownBankCodeSeverity)
	if !sev.Valid() {
		sev = models.SeverityMedium
	}
	if screener == nil {
		screener = NewDefaultAMLScreener(limits, cfg.StructuringCount)
	}
	return &complianceService{
		history:     history,
		screener:    screener,
		limits:      limits,
		config:      cfg,
		bankCodes:   upperSet(cfg.ValidBankCodes),
		providers:   upperSet(cfg.EWalletProviders),
		highRisk:    upperSet(cfg.HighRiskCountries),
		bankCodeSev: sev,
		metrics:     metrics,
		logger:      logrus.WithField("component", "compliance_service"),
	}
}

func upperSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToUpper(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}

func (s *complianceService) Validate(ctx context.Context, req *models.WithdrawalRequest) *models.ComplianceResult {
	return s.Evaluate(ctx, req, s.history.Load(ctx, req))
}

// Evaluate is deterministic for a given request and snapshot. Every check
// runs independently; a history failure only skips the aggregate checks.
func (s *complianceService) Evaluate(ctx context.Context, req *models.WithdrawalRequest, snap *Snapshot) *models.ComplianceResult {
	r := &resultBuilder{result: &models.ComplianceResult{
		Violations:    []models.ComplianceViolation{},
		Warnings:      []string{},
		SecurityFlags: []string{},
	}}

	s.checkCurrency(req, r)
	s.checkAmount(req, r)
	s.checkPayoutDetails(req, r)
	s.checkNetwork(req, snap, r)
	s.checkDevice(req, snap, r)

	if snap.HistoryErr != nil || snap.History == nil {
		r.violation(models.CodeSystemError, "withdrawal history could not be loaded; aggregate limits were not verified",
			RegulationRiskPolicy, models.SeverityHigh)
	} else {
		s.checkDailyLimit(req, snap.History, r)
		s.checkWeeklyLimit(req, snap.History, r)
	}

	s.checkAML(ctx, req, snap, r)

	for _, v := range r.result.Violations {
		s.metrics.RecordViolation(v.Code, string(v.Severity))
	}
	return r.result
}

func (s *complianceService) checkCurrency(req *models.WithdrawalRequest, r *resultBuilder) {
	if !strings.EqualFold(req.Currency, s.config.Currency) {
		r.violation(models.CodeUnsupportedCurrency,
			fmt.Sprintf("currency %q is not supported; withdrawals must be in %s", req.Currency, s.config.Currency),
			RegulationWithdrawalLimits, models.SeverityHigh)
	}
}

func (s *complianceService) checkAmount(req *models.WithdrawalRequest, r *resultBuilder) {
	amount := req.Amount
	if !amount.IsPositive() {
		r.violation(models.CodeInvalidAmount, "withdrawal amount must be greater than zero",
			RegulationWithdrawalLimits, models.SeverityHigh)
		return
	}
	if amount.LessThan(s.limits.MinWithdrawal) {
		r.violation(models.CodeBelowMinimum,
			fmt.Sprintf("amount %s is below the minimum withdrawal of %s", amount.StringFixed(2), s.limits.MinWithdrawal.StringFixed(2)),
			RegulationWithdrawalLimits, models.SeverityMedium)
	}
	if amount.GreaterThan(s.limits.MaxSingleWithdrawal) {
		r.violation(models.CodeExceedsMaxSingle,
			fmt.Sprintf("amount %s exceeds the single withdrawal limit of %s", amount.StringFixed(2), s.limits.MaxSingleWithdrawal.StringFixed(2)),
			RegulationWithdrawalLimits, models.SeverityHigh)
	}
}

func (s *complianceService) checkDailyLimit(req *models.WithdrawalRequest, h *models.WithdrawalHistory, r *resultBuilder) {
	projected := h.SameDayTotal.Add(req.Amount)
	if projected.GreaterThan(s.limits.DailyLimit) {
		r.violation(models.CodeDailyLimitExceeded,
			fmt.Sprintf("daily total %s would exceed the daily limit of %s", projected.StringFixed(2), s.limits.DailyLimit.StringFixed(2)),
			RegulationWithdrawalLimits, models.SeverityHigh)
		return
	}
	warnAt := s.limits.DailyLimit.Mul(decimal.NewFromFloat(s.config.DailyWarningRatio))
	if projected.GreaterThanOrEqual(warnAt) {
		r.warn(fmt.Sprintf("daily total %s is approaching the daily limit of %s", projected.StringFixed(2), s.limits.DailyLimit.StringFixed(2)))
		r.flag(models.FlagDailyLimitNear)
	}
}

func (s *complianceService) checkWeeklyLimit(req *models.WithdrawalRequest, h *models.WithdrawalHistory, r *resultBuilder) {
	projected := h.WeekTotal.Add(req.Amount)
	if projected.GreaterThan(s.limits.WeeklyLimit) {
		r.violation(models.CodeWeeklyLimitExceeded,
			fmt.Sprintf("7-day total %s would exceed the weekly limit of %s", projected.StringFixed(2), s.limits.WeeklyLimit.StringFixed(2)),
			RegulationWithdrawalLimits, models.SeverityHigh)
	}
}

func (s *complianceService) checkPayoutDetails(req *models.WithdrawalRequest, r *resultBuilder) {
	if !req.Method.RequiresPayoutDestination() {
		return
	}
	d := req.BankDetails
	if d == nil {
		r.violation(models.CodeMissingPayoutDetails,
			fmt.Sprintf("%s withdrawals require payout details", req.Method),
			RegulationPaymentDetails, models.SeverityHigh)
		return
	}

	switch req.Method {
	case models.MethodBankTransfer:
		s.checkBankAccount(d, r)
	case models.MethodEWallet:
		s.checkEWallet(d, r)
	}
}

func (s *complianceService) checkBankAccount(d *models.BankDetails, r *resultBuilder) {
	var missing []string
	if strings.TrimSpace(d.AccountNumber) == "" {
		missing = append(missing, "account number")
	}
	if strings.TrimSpace(d.BankCode) == "" {
		missing = append(missing, "bank code")
	}
	if strings.TrimSpace(d.AccountHolderName) == "" {
		missing = append(missing, "account holder name")
	}
	if len(missing) > 0 {
		r.violation(models.CodeIncompleteBankDetails,
			"bank details are missing: "+strings.Join(missing, ", "),
			RegulationPaymentDetails, models.SeverityHigh)
	}

	if d.AccountNumber != "" {
		n := len(d.AccountNumber)
		if !numericAccountPattern.MatchString(d.AccountNumber) ||
			n < s.config.AccountNumberMinLength || n > s.config.AccountNumberMaxLength {
			r.violation(models.CodeInvalidAccountNumber,
				fmt.Sprintf("account number must be %d-%d digits", s.config.AccountNumberMinLength, s.config.AccountNumberMaxLength),
				RegulationPaymentDetails, models.SeverityHigh)
		}
	}
	if d.AccountHolderName != "" && !accountHolderPattern.MatchString(strings.TrimSpace(d.AccountHolderName)) {
		r.violation(models.CodeInvalidAccountHolder, "account holder name contains invalid characters",
			RegulationPaymentDetails, models.SeverityMedium)
	}
	if d.BankCode != "" {
		if _, ok := s.bankCodes[strings.ToUpper(d.BankCode)]; !ok {
			r.violation(models.CodeInvalidBankCode,
				fmt.Sprintf("bank code %q is not a recognised institution", d.BankCode),
				RegulationPaymentDetails, s.bankCodeSev)
		}
	}
}

func (s *complianceService) checkEWallet(d *models.BankDetails, r *resultBuilder) {
	if strings.TrimSpace(d.AccountNumber) == "" {
		r.violation(models.CodeIncompleteBankDetails, "e-wallet identifier is missing",
			RegulationPaymentDetails, models.SeverityHigh)
	}
	if _, ok := s.providers[strings.ToUpper(d.BankCode)]; !ok {
		r.violation(models.CodeInvalidEWalletProvider,
			fmt.Sprintf("e-wallet provider %q is not supported", d.BankCode),
			RegulationPaymentDetails, models.SeverityHigh)
	}
}

func (s *complianceService) checkAML(ctx context.Context, req *models.WithdrawalRequest, snap *Snapshot, r *resultBuilder) {
	if !req.Amount.GreaterThan(s.limits.AMLThreshold) {
		return
	}
	r.flag(models.FlagAMLThreshold)
	r.warn(fmt.Sprintf("amount exceeds the AML reporting threshold of %s", s.limits.AMLThreshold.StringFixed(2)))

	// without history the screen cannot run; the system error already rejects
	if snap.History == nil {
		return
	}
	if err := s.screener.Screen(ctx, req, snap.History); err != nil {
		s.logger.WithError(err).WithField("driver_id", req.DriverID).Warn("AML screening failed")
		r.violation(models.CodeAMLCheckFailed, "AML screening failed: "+err.Error(),
			RegulationAML, models.SeverityHigh)
	}
}

func (s *complianceService) checkNetwork(req *models.WithdrawalRequest, snap *Snapshot, r *resultBuilder) {
	ip := snap.IP
	vpn := req.Network.VPNDetected || (ip != nil && ip.IsVPN)
	proxy := req.Network.ProxyDetected || (ip != nil && (ip.IsProxy || ip.IsTor))

	if vpn {
		r.flag(models.FlagVPN)
	}
	if proxy {
		r.flag(models.FlagProxy)
	}
	if vpn || proxy {
		r.violation(models.CodeVPNProxyDetected, "request originates from a VPN or proxy",
			RegulationRiskPolicy, models.SeverityMedium)
	}

	if ip != nil {
		if ip.Denylisted {
			r.warn("source address is on the denylist")
			r.flag(models.FlagSuspicious)
		}
		if _, ok := s.highRisk[strings.ToUpper(ip.CountryCode)]; ok && ip.CountryCode != "" {
			r.flag(models.FlagHighRiskCountry)
			r.violation(models.CodeHighRiskGeography,
				fmt.Sprintf("request originates from high-risk jurisdiction %s", ip.CountryCode),
				RegulationAML, models.SeverityMedium)
		}
	}

	if snap.IPErr != nil {
		r.warn("IP intelligence lookup failed; geography was not verified")
		r.flag(models.FlagIPLookupFailed)
	}
}

func (s *complianceService) checkDevice(req *models.WithdrawalRequest, snap *Snapshot, r *resultBuilder) {
	dev := req.Network.Device
	if dev.IsEmulator {
		r.warn("request was made from an emulator")
		r.flag(models.FlagEmulator)
	}
	if dev.IsRooted {
		r.warn("request was made from a rooted or jailbroken device")
		r.flag(models.FlagRootedDevice)
	}
	if dev.DeviceID != "" && snap.History != nil && !snap.History.KnowsDevice(dev.DeviceID) {
		r.warn("device has not been used for a previous withdrawal")
		r.flag(models.FlagNewDevice)
	}
}

type resultBuilder struct {
	result *models.ComplianceResult
}

func (b *resultBuilder) violation(code, description, regulation string, severity models.Severity) {
	b.result.Violations = append(b.result.Violations, models.ComplianceViolation{
		Code:        code,
		Description: description,
		Regulation:  regulation,
		Severity:    severity,
	})
}

func (b *resultBuilder) warn(msg string) {
	b.result.Warnings = append(b.result.Warnings, msg)
}

func (b *resultBuilder) flag(flag string) {
	for _, f := range b.result.SecurityFlags {
		if f == flag {
			return
		}
	}
	b.result.SecurityFlags = append(b.result.SecurityFlags, flag)
}

type defaultAMLScreener struct {
	threshold        decimal.Decimal
	weeklyLimit      decimal.Decimal
	structuringCount int
}

// NewDefaultAMLScreener detects structuring (repeated withdrawals just under
// the threshold within 24h) and enforces the cumulative 7-day AML limit.
func NewDefaultAMLScreener(limits *config.RegulatoryLimits, structuringCount int) AMLScreener {
	return &defaultAMLScreener{
		threshold:        limits.AMLThreshold,
		weeklyLimit:      limits.AMLWeeklyLimit,
		structuringCount: structuringCount,
	}
}

func (s *defaultAMLScreener) Screen(_ context.Context, req *models.WithdrawalRequest, h *models.WithdrawalHistory) error {
	if h == nil {
		return errors.New("withdrawal history unavailable")
	}
	if s.structuringCount > 0 && h.NearThreshold24h >= s.structuringCount {
		return fmt.Errorf("%w: %d withdrawals near the %s threshold in 24h",
			ErrStructuringSuspected, h.NearThreshold24h, s.threshold.StringFixed(2))
	}
	if s.weeklyLimit.IsPositive() {
		if total := h.WeekTotal.Add(req.Amount); total.GreaterThan(s.weeklyLimit) {
			return fmt.Errorf("%w: 7-day total %s over %s",
				ErrAMLWeeklyLimit, total.StringFixed(2), s.weeklyLimit.StringFixed(2))
		}
	}
	return nil
}
