package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"payout-security-api/internal/config"
	"payout-security-api/internal/keystore"
	"payout-security-api/internal/models"
	"payout-security-api/internal/monitoring"
	"payout-security-api/internal/repository"
	"payout-security-api/internal/service"
	apperrors "payout-security-api/pkg/errors"
)

// 10:00 in Kuala Lumpur.
var testNow = time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)

func testRegulatoryConfig() config.RegulatoryConfig {
	return config.RegulatoryConfig{
		Currency:                "MYR",
		Timezone:                "Asia/Kuala_Lumpur",
		MinWithdrawal:           "10.00",
		MaxSingleWithdrawal:     "5000.00",
		DailyLimit:              "10000.00",
		WeeklyLimit:             "30000.00",
		DailyWarningRatio:       0.8,
		AMLThreshold:            "3000.00",
		AMLWeeklyLimit:          "25000.00",
		StructuringCount:        2,
		StructuringRatio:        0.9,
		ValidBankCodes:          []string{"MBB", "CIMB", "PBB", "RHB"},
		EWalletProviders:        []string{"TNG", "GRABPAY", "BOOST"},
		AccountNumberMinLength:  8,
		AccountNumberMaxLength:  20,
		UnknownBankCodeSeverity: "medium",
		HighRiskCountries:       []string{"KP", "IR"},
	}
}

func testFraudConfig() config.FraudConfig {
	return config.FraudConfig{
		HighAmountThreshold: "2000.00",
		VelocityThreshold:   "8000.00",
		AttemptThreshold:    3,
		BurstThreshold:      5,
		AttemptWindow:       time.Hour,
		NormalHoursStart:    6,
		NormalHoursEnd:      23,
		HighRiskScore:       70,
		MediumRiskScore:     40,
		Weights: config.FraudWeights{
			HighAmount:         25,
			FrequentAttempts:   30,
			BurstAttempts:      15,
			OffHours:           15,
			SuspiciousIP:       35,
			UnrecognizedDevice: 20,
			Velocity:           25,
		},
	}
}

func newTestRequest() *models.WithdrawalRequest {
	return &models.WithdrawalRequest{
		DriverID: "drv-1",
		Amount:   decimal.RequireFromString("100.00"),
		Currency: "MYR",
		Method:   models.MethodBankTransfer,
		BankDetails: &models.BankDetails{
			AccountNumber:     "1234567890",
			BankCode:          "MBB",
			BankName:          "Maybank",
			AccountHolderName: "Ahmad bin Ali",
		},
		Network: models.NetworkContext{
			IPAddress: "203.0.113.10",
			Device:    models.DeviceInfo{DeviceID: "dev-1", Platform: "android"},
		},
	}
}

func seedRecord(t *testing.T, repo repository.WithdrawalRepository, id, amount string, status models.WithdrawalStatus, at time.Time) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), &models.WithdrawalRecord{
		ID:        id,
		DriverID:  "drv-1",
		Amount:    decimal.RequireFromString(amount),
		Currency:  "MYR",
		Method:    models.MethodBankTransfer,
		Status:    status,
		DeviceID:  "dev-1",
		CreatedAt: at,
	}))
}

type harnessOptions struct {
	strict      bool
	timeout     time.Duration
	encryptor   service.EncryptionService
	withdrawals repository.WithdrawalRepository
}

type pipelineHarness struct {
	pipeline  *withdrawalPipeline
	audit     service.AuditService
	auditRepo *repository.MemoryAuditRepository
	memory    *repository.MemoryWithdrawalRepository
}

func newHarness(t *testing.T, opts harnessOptions) *pipelineHarness {
	t.Helper()
	metrics := monitoring.NewNoopMetrics()

	fallback := logrus.New()
	fallback.SetOutput(io.Discard)
	auditRepo := repository.NewMemoryAuditRepository()
	auditCfg := config.AuditConfig{
		StrictMode:        opts.strict,
		FallbackQueueSize: 100,
		ForwardTimeout:    time.Second,
		ReportLimit:       500,
	}
	audit := service.NewAuditService(auditRepo, nil, fallback, metrics, auditCfg)

	memory := repository.NewMemoryWithdrawalRepository()
	var withdrawals repository.WithdrawalRepository = memory
	if opts.withdrawals != nil {
		withdrawals = opts.withdrawals
	}

	encryptor := opts.encryptor
	if encryptor == nil {
		encryptor = service.NewEncryptionService(keystore.NewMemoryStore(), nil, audit, metrics, config.EncryptionConfig{})
	}

	regCfg := testRegulatoryConfig()
	limits, err := regCfg.Limits()
	require.NoError(t, err)
	near := limits.AMLThreshold.Mul(decimal.NewFromFloat(regCfg.StructuringRatio))
	loader := service.NewHistoryLoader(withdrawals, nil, limits.Location, time.Hour, near).
		WithClock(func() time.Time { return testNow })
	fraud, err := service.NewFraudService(loader, testFraudConfig(), limits.Location, metrics)
	require.NoError(t, err)

	p := NewWithdrawalPipeline(PipelineDeps{
		Encryptor:   encryptor,
		Compliance:  service.NewComplianceService(loader, nil, limits, regCfg, metrics),
		Fraud:       fraud,
		Audit:       audit,
		History:     loader,
		Withdrawals: withdrawals,
		Metrics:     metrics,
	}, auditCfg, config.PipelineConfig{Timeout: opts.timeout}).(*withdrawalPipeline)
	p.now = func() time.Time { return testNow }

	return &pipelineHarness{pipeline: p, audit: audit, auditRepo: auditRepo, memory: memory}
}

func (h *pipelineHarness) events(eventType string) []*models.AuditRecord {
	var out []*models.AuditRecord
	for _, rec := range h.auditRepo.All() {
		if rec.EventType == eventType {
			out = append(out, rec)
		}
	}
	return out
}

func (h *pipelineHarness) persisted(t *testing.T) []*models.WithdrawalRecord {
	t.Helper()
	records, err := h.memory.ListSince(context.Background(), "drv-1", time.Time{})
	require.NoError(t, err)
	return records
}

func decisionCodes(d *models.ComplianceDecision) []string {
	out := []string{}
	for _, v := range d.Violations {
		out = append(out, v.Code)
	}
	return out
}

func TestPipeline_ApprovesCleanRequest(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	result, err := h.pipeline.ProcessWithdrawal(context.Background(), newTestRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, result.WithdrawalRequestID)
	assert.Equal(t, models.DecisionApproved, result.Decision.Status)
	assert.False(t, result.Decision.RequiresManualReview)
	assert.False(t, result.AuditDegraded)
	require.NotNil(t, result.EncryptedPayload)
	assert.Equal(t, 1, result.EncryptedPayload.KeyVersion)
	assert.Contains(t, result.Decision.SecurityFlags, models.FlagNewDevice)

	assert.Len(t, h.events(models.EventWithdrawalCreated), 1)
	assert.Len(t, h.events(models.EventComplianceValidation), 1)
	assert.Len(t, h.events(models.EventWithdrawalEncryption), 1)
	assert.Len(t, h.events(models.EventWithdrawalDecision), 1)
	assert.Empty(t, h.events(models.EventComplianceViolation))
	assert.Empty(t, h.events(models.EventFraudAssessment))
	for _, rec := range h.auditRepo.All() {
		if rec.WithdrawalRequestID != "" {
			assert.Equal(t, result.WithdrawalRequestID, rec.WithdrawalRequestID)
		}
	}

	records := h.persisted(t)
	require.Len(t, records, 1)
	assert.Equal(t, result.WithdrawalRequestID, records[0].ID)
	assert.Equal(t, models.WithdrawalApproved, records[0].Status)
	assert.Equal(t, "******7890", records[0].MaskedAccountNumber)
	assert.Equal(t, result.EncryptedPayload, records[0].EncryptedPayload)
	assert.Equal(t, testNow, records[0].CreatedAt)
}

func TestPipeline_AssignsRequestIdentity(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	req := newTestRequest()
	req.ID = "existing-request-id"
	req.SubmittedAt = testNow.Add(-72 * time.Hour)

	result, err := h.pipeline.ProcessWithdrawal(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, "existing-request-id", result.WithdrawalRequestID)
	assert.NotEmpty(t, result.WithdrawalRequestID)
	for _, rec := range h.auditRepo.All() {
		assert.NotEqual(t, "existing-request-id", rec.WithdrawalRequestID)
	}

	records := h.persisted(t)
	require.Len(t, records, 1)
	assert.Equal(t, result.WithdrawalRequestID, records[0].ID)
	assert.Equal(t, testNow, records[0].CreatedAt)
}

func TestPipeline_AuditNeverCarriesAccountOrCiphertext(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	req := newTestRequest()
	req.Amount = decimal.RequireFromString("6000.00")
	result, err := h.pipeline.ProcessWithdrawal(context.Background(), req)
	require.NoError(t, err)

	records := h.auditRepo.All()
	require.NotEmpty(t, records)
	for _, rec := range records {
		raw, err := json.Marshal(rec.EventData)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "1234567890", rec.EventType)
		assert.NotContains(t, string(raw), result.EncryptedPayload.Ciphertext, rec.EventType)
	}
}

func TestPipeline_Decisions(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(req *models.WithdrawalRequest)
		status    models.DecisionStatus
		codes     []string
		persisted models.WithdrawalStatus
		payload   bool
	}{
		{
			name: "above single maximum",
			mutate: func(req *models.WithdrawalRequest) {
				req.Amount = decimal.RequireFromString("6000.00")
			},
			status:    models.DecisionRejected,
			codes:     []string{models.CodeExceedsMaxSingle},
			persisted: models.WithdrawalRejected,
			payload:   true,
		},
		{
			name: "zero amount",
			mutate: func(req *models.WithdrawalRequest) {
				req.Amount = decimal.Zero
			},
			status:    models.DecisionRejected,
			codes:     []string{models.CodeInvalidAmount},
			persisted: models.WithdrawalRejected,
			payload:   true,
		},
		{
			name: "negative amount",
			mutate: func(req *models.WithdrawalRequest) {
				req.Amount = decimal.RequireFromString("-50.00")
			},
			status:    models.DecisionRejected,
			codes:     []string{models.CodeInvalidAmount},
			persisted: models.WithdrawalRejected,
			payload:   true,
		},
		{
			name: "small amount to an unknown bank",
			mutate: func(req *models.WithdrawalRequest) {
				req.Amount = decimal.RequireFromString("3.00")
				req.BankDetails.BankCode = "UNKNOWN"
			},
			status:    models.DecisionRequiresReview,
			codes:     []string{models.CodeBelowMinimum, models.CodeInvalidBankCode},
			persisted: models.WithdrawalPending,
			payload:   true,
		},
		{
			name: "large amount from an unknown device over VPN",
			mutate: func(req *models.WithdrawalRequest) {
				req.Amount = decimal.RequireFromString("2500.00")
				req.Network.VPNDetected = true
				req.Network.Device.DeviceID = "dev-9"
			},
			status:    models.DecisionRejected,
			codes:     []string{models.CodeVPNProxyDetected, models.CodeHighFraudRisk},
			persisted: models.WithdrawalRejected,
			payload:   true,
		},
		{
			name: "cash",
			mutate: func(req *models.WithdrawalRequest) {
				req.Method = models.MethodCash
				req.BankDetails = nil
			},
			status:    models.DecisionApproved,
			codes:     []string{},
			persisted: models.WithdrawalApproved,
		},
		{
			name: "e-wallet without details",
			mutate: func(req *models.WithdrawalRequest) {
				req.Method = models.MethodEWallet
				req.BankDetails = nil
			},
			status:    models.DecisionRejected,
			codes:     []string{models.CodeMissingPayoutDetails},
			persisted: models.WithdrawalRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{})
			req := newTestRequest()
			tt.mutate(req)

			result, err := h.pipeline.ProcessWithdrawal(context.Background(), req)
			require.NoError(t, err)

			assert.Equal(t, tt.status, result.Decision.Status)
			assert.ElementsMatch(t, tt.codes, decisionCodes(result.Decision))
			assert.Equal(t, tt.payload, result.EncryptedPayload != nil)
			assert.Len(t, h.events(models.EventComplianceViolation), len(tt.codes))
			assert.Len(t, h.events(models.EventWithdrawalEncryption), map[bool]int{true: 1, false: 0}[tt.payload])

			records := h.persisted(t)
			require.Len(t, records, 1)
			assert.Equal(t, tt.persisted, records[0].Status)
		})
	}
}

func TestPipeline_BurstOfAttemptsNeedsReview(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	seedRecord(t, h.memory, "old", "100.00", models.WithdrawalApproved, testNow.Add(-72*time.Hour))
	for i, id := range []string{"a1", "a2", "a3", "a4"} {
		seedRecord(t, h.memory, id, "50.00", models.WithdrawalRejected, testNow.Add(-time.Duration(10*(i+1))*time.Minute))
	}

	result, err := h.pipeline.ProcessWithdrawal(context.Background(), newTestRequest())
	require.NoError(t, err)

	assert.Equal(t, models.DecisionRequiresReview, result.Decision.Status)
	assert.True(t, result.Decision.RequiresManualReview)
	assert.Equal(t, models.RiskMedium, result.Decision.FraudAssessment.RiskLevel)
	assert.Contains(t, result.Decision.FraudAssessment.Reasons, "burst of 5 attempts")

	fraudEvents := h.events(models.EventFraudAssessment)
	require.Len(t, fraudEvents, 1)
	assert.Equal(t, models.AuditMedium, fraudEvents[0].Severity)
}

func TestPipeline_DailyLimitBoundary(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	seedRecord(t, h.memory, "r1", "5000.00", models.WithdrawalApproved, testNow.Add(-2*time.Hour))
	seedRecord(t, h.memory, "r2", "4999.00", models.WithdrawalCompleted, testNow.Add(-90*time.Minute))

	req := newTestRequest()
	req.Amount = decimal.RequireFromString("2.00")
	result, err := h.pipeline.ProcessWithdrawal(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, decisionCodes(result.Decision), models.CodeDailyLimitExceeded)
	assert.Equal(t, models.DecisionRejected, result.Decision.Status)

	req = newTestRequest()
	req.Amount = decimal.RequireFromString("1.00")
	result, err = h.pipeline.ProcessWithdrawal(context.Background(), req)
	require.NoError(t, err)
	assert.NotContains(t, decisionCodes(result.Decision), models.CodeDailyLimitExceeded)
	assert.NotEqual(t, models.DecisionApproved, result.Decision.Status)
}

func TestPipeline_PersistedOutcomesFeedLaterRequests(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	var statuses []models.DecisionStatus
	for i := 0; i < 3; i++ {
		req := newTestRequest()
		req.Amount = decimal.RequireFromString("4000.00")
		result, err := h.pipeline.ProcessWithdrawal(context.Background(), req)
		require.NoError(t, err)
		statuses = append(statuses, result.Decision.Status)
	}

	// the first request comes from a device with no committed history
	assert.Equal(t, []models.DecisionStatus{
		models.DecisionRequiresReview,
		models.DecisionApproved,
		models.DecisionRejected,
	}, statuses)

	records := h.persisted(t)
	require.Len(t, records, 3)
	assert.Equal(t, models.WithdrawalPending, records[0].Status)
	assert.Equal(t, models.WithdrawalApproved, records[1].Status)
	assert.Equal(t, models.WithdrawalRejected, records[2].Status)
}

func TestPipeline_HistoryFailureFailsClosed(t *testing.T) {
	repo := &failingHistoryRepository{err: errors.New("connection refused")}
	h := newHarness(t, harnessOptions{withdrawals: repo})

	result, err := h.pipeline.ProcessWithdrawal(context.Background(), newTestRequest())
	require.NoError(t, err)

	assert.Equal(t, models.DecisionRejected, result.Decision.Status)
	assert.Contains(t, decisionCodes(result.Decision), models.CodeSystemError)
	assert.Contains(t, decisionCodes(result.Decision), models.CodeHighFraudRisk)
	assert.Equal(t, models.RiskHigh, result.Decision.FraudAssessment.RiskLevel)

	validation := h.events(models.EventComplianceValidation)
	require.Len(t, validation, 1)
	assert.Equal(t, false, validation[0].EventData["history_available"])
	assert.Equal(t, models.AuditHigh, validation[0].Severity)

	require.Len(t, repo.created, 1)
	assert.Equal(t, models.WithdrawalRejected, repo.created[0].Status)
}

func TestPipeline_EncryptionFailureIsFatal(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	req := newTestRequest()
	req.BankDetails.AccountHolderName = ""

	result, err := h.pipeline.ProcessWithdrawal(context.Background(), req)
	require.Error(t, err)
	assert.Nil(t, result)

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageKeyEncrypted, perr.Stage)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	assert.Len(t, h.events(models.EventWithdrawalCreated), 1)
	assert.Empty(t, h.events(models.EventComplianceValidation))
	failed := h.events(models.EventWithdrawalFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, StageKeyEncrypted, failed[0].EventData["failed_entering"])
	assert.Equal(t, models.CodeSystemError, failed[0].EventData["violation_code"])
	assert.Equal(t, perr.RequestID, failed[0].WithdrawalRequestID)

	records := h.persisted(t)
	require.Len(t, records, 1)
	assert.Equal(t, models.WithdrawalFailed, records[0].Status)
	assert.Nil(t, records[0].EncryptedPayload)
}

func TestPipeline_RejectsMalformedRequest(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	req := newTestRequest()
	req.Currency = ""
	req.Network.IPAddress = "not-an-ip"

	result, err := h.pipeline.ProcessWithdrawal(context.Background(), req)
	assert.Nil(t, result)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	failed := h.events(models.EventWithdrawalFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, models.DriverScoped("drv-1"), failed[0].Subject)
	assert.Empty(t, h.events(models.EventWithdrawalCreated))
	assert.Empty(t, h.persisted(t))
}

func TestPipeline_TimeoutIsAuditedAsFailure(t *testing.T) {
	encryptor := &MockEncryptionService{}
	encryptor.On("Encrypt", mock.Anything, "drv-1", mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	h := newHarness(t, harnessOptions{encryptor: encryptor, timeout: 20 * time.Millisecond})

	result, err := h.pipeline.ProcessWithdrawal(context.Background(), newTestRequest())
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrPipelineTimeout)

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageKeyEncrypted, perr.Stage)

	failed := h.events(models.EventWithdrawalFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, models.CodeSystemTimeout, failed[0].EventData["violation_code"])
	assert.Equal(t, models.AuditCritical, failed[0].Severity)

	records := h.persisted(t)
	require.Len(t, records, 1)
	assert.Equal(t, models.WithdrawalFailed, records[0].Status)
	encryptor.AssertExpectations(t)
}

func TestPipeline_CallerCancellationDoesNotAbort(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.pipeline.ProcessWithdrawal(ctx, newTestRequest())
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, result.Decision.Status)
	assert.Len(t, h.persisted(t), 1)
}

func TestPipeline_DegradedAuditContinues(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.auditRepo.SetFailure(errors.New("audit store down"))

	result, err := h.pipeline.ProcessWithdrawal(context.Background(), newTestRequest())
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, result.Decision.Status)
	assert.True(t, result.AuditDegraded)
	assert.Greater(t, h.audit.FallbackDepth(), 0)

	h.auditRepo.SetFailure(nil)
	replayed, err := h.audit.FlushFallback(context.Background())
	require.NoError(t, err)
	assert.Greater(t, replayed, 0)
	assert.Len(t, h.events(models.EventWithdrawalDecision), 1)
}

func TestPipeline_StrictAuditFailsRequest(t *testing.T) {
	h := newHarness(t, harnessOptions{strict: true})
	h.auditRepo.SetFailure(errors.New("audit store down"))

	result, err := h.pipeline.ProcessWithdrawal(context.Background(), newTestRequest())
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperrors.ErrAuditDegraded)

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageReceived, perr.Stage)

	records := h.persisted(t)
	require.Len(t, records, 1)
	assert.Equal(t, models.WithdrawalFailed, records[0].Status)
}
