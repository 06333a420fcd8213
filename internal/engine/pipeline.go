package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"payout-security-api/internal/config"
	"payout-security-api/internal/models"
	"payout-security-api/internal/monitoring"
	"payout-security-api/internal/repository"
	"payout-security-api/internal/service"
	apperrors "payout-security-api/pkg/errors"
)

// WithdrawalPipeline runs one withdrawal through encryption, compliance, fraud
// scoring, decision and audit. Once accepted a request always ends Complete or
// Failed; cancelling the caller's context does not abandon it.
type WithdrawalPipeline interface {
	ProcessWithdrawal(ctx context.Context, req *models.WithdrawalRequest) (*models.WithdrawalResult, error)
}

type Stage string

const (
	StageReceived          Stage = "received"
	StageKeyEncrypted      Stage = "key_encrypted"
	StageComplianceChecked Stage = "compliance_checked"
	StageFraudScored       Stage = "fraud_scored"
	StageDecided           Stage = "decided"
	StageAudited           Stage = "audited"
	StageComplete          Stage = "complete"
	StageFailed            Stage = "failed"
)

// ErrPipelineTimeout is returned when the overall processing deadline passes.
var ErrPipelineTimeout = apperrors.NewAppError(http.StatusGatewayTimeout, apperrors.KindSystem, "withdrawal processing timed out")

// PipelineError reports which transition a withdrawal failed on.
type PipelineError struct {
	RequestID string
	Stage     Stage
	Err       error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("withdrawal %s failed entering %s: %v", e.RequestID, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

const (
	defaultPipelineTimeout = 30 * time.Second
	failureAuditTimeout    = 5 * time.Second
)

// PipelineDeps are the collaborators of a WithdrawalPipeline.
type PipelineDeps struct {
	Encryptor   service.EncryptionService
	Compliance  service.ComplianceService
	Fraud       service.FraudService
	Audit       service.AuditService
	History     *service.HistoryLoader
	Withdrawals repository.WithdrawalRepository
	Metrics     monitoring.MetricsService
}

type withdrawalPipeline struct {
	deps     PipelineDeps
	validate *validator.Validate
	strict   bool
	timeout  time.Duration
	logger   *logrus.Entry
	now      func() time.Time
}

func NewWithdrawalPipeline(deps PipelineDeps, auditCfg config.AuditConfig, cfg config.PipelineConfig) WithdrawalPipeline {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPipelineTimeout
	}
	return &withdrawalPipeline{
		deps:     deps,
		validate: validator.New(),
		strict:   auditCfg.StrictMode,
		timeout:  timeout,
		logger:   logrus.WithField("component", "withdrawal_pipeline"),
		now:      time.Now,
	}
}

// run carries the per-request state between stages.
type run struct {
	req        *models.WithdrawalRequest
	stage      Stage
	started    time.Time
	payload    *models.EncryptedPayload
	snapshot   *service.Snapshot
	compliance *models.ComplianceResult
	fraud      *models.FraudAssessment
	decision   *models.ComplianceDecision
	degraded   bool
}

type step struct {
	stage Stage
	exec  func(ctx context.Context, r *run) error
}

func (p *withdrawalPipeline) steps() []step {
	return []step{
		{StageReceived, p.receive},
		{StageKeyEncrypted, p.encrypt},
		{StageComplianceChecked, p.checkCompliance},
		{StageFraudScored, p.scoreFraud},
		{StageDecided, p.decide},
		{StageAudited, p.auditDecision},
		{StageComplete, p.persist},
	}
}

func (p *withdrawalPipeline) ProcessWithdrawal(ctx context.Context, req *models.WithdrawalRequest) (*models.WithdrawalResult, error) {
	started := p.now()
	if req == nil {
		return nil, apperrors.NewValidationError("withdrawal request is required")
	}
	if err := p.validate.Struct(req); err != nil {
		verr := apperrors.NewValidationError("invalid withdrawal request", err.Error())
		p.recordInvalid(ctx, req, verr)
		p.deps.Metrics.RecordWithdrawal("invalid", p.now().Sub(started))
		return nil, verr
	}

	accepted := *req
	accepted.ID = uuid.NewString()
	accepted.SubmittedAt = started.UTC()
	r := &run{req: &accepted, started: started}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	for _, s := range p.steps() {
		if err := runCtx.Err(); err != nil {
			return p.fail(ctx, r, s.stage, ErrPipelineTimeout.Wrap(err))
		}
		stepStarted := p.now()
		if err := s.exec(runCtx, r); err != nil {
			if runCtx.Err() != nil && !errors.Is(err, ErrPipelineTimeout) {
				err = ErrPipelineTimeout.Wrap(err)
			}
			return p.fail(ctx, r, s.stage, err)
		}
		p.deps.Metrics.RecordStage(string(s.stage), p.now().Sub(stepStarted))
		r.stage = s.stage
	}

	p.deps.Metrics.RecordWithdrawal(string(r.decision.Status), p.now().Sub(started))
	p.logger.WithFields(logrus.Fields{
		"withdrawal_request_id": accepted.ID,
		"driver_id":             accepted.DriverID,
		"status":                r.decision.Status,
		"violations":            len(r.decision.Violations),
	}).Info("Withdrawal processed")

	return &models.WithdrawalResult{
		WithdrawalRequestID: accepted.ID,
		Decision:            r.decision,
		EncryptedPayload:    r.payload,
		AuditDegraded:       r.degraded,
		Timestamp:           r.decision.Timestamp,
	}, nil
}

func (p *withdrawalPipeline) receive(ctx context.Context, r *run) error {
	return p.record(ctx, r, &models.AuditRecord{
		EventType: models.EventWithdrawalCreated,
		Severity:  models.AuditInfo,
		EventData: requestData(r.req),
	})
}

// encrypt protects the payout destination. Cash withdrawals and requests
// without details carry no payload; compliance reports the missing details.
func (p *withdrawalPipeline) encrypt(ctx context.Context, r *run) error {
	if r.req.BankDetails == nil {
		return nil
	}
	payload, err := p.deps.Encryptor.Encrypt(ctx, r.req.DriverID, r.req.BankDetails)
	if err != nil {
		return err
	}
	r.payload = payload
	return nil
}

func (p *withdrawalPipeline) checkCompliance(ctx context.Context, r *run) error {
	r.snapshot = p.deps.History.Load(ctx, r.req)
	r.compliance = p.deps.Compliance.Evaluate(ctx, r.req, r.snapshot)

	codes := make([]string, 0, len(r.compliance.Violations))
	for _, v := range r.compliance.Violations {
		codes = append(codes, v.Code)
	}
	severity := models.AuditInfo
	switch {
	case r.compliance.HasSeverity(models.SeverityHigh):
		severity = models.AuditHigh
	case r.compliance.HasSeverity(models.SeverityMedium):
		severity = models.AuditMedium
	}
	return p.record(ctx, r, &models.AuditRecord{
		EventType:       models.EventComplianceValidation,
		Severity:        severity,
		ComplianceFlags: r.compliance.SecurityFlags,
		EventData: map[string]interface{}{
			"violation_count":   len(r.compliance.Violations),
			"violation_codes":   codes,
			"warning_count":     len(r.compliance.Warnings),
			"history_available": r.snapshot.HistoryErr == nil,
		},
	})
}

func (p *withdrawalPipeline) scoreFraud(_ context.Context, r *run) error {
	r.fraud = p.deps.Fraud.Assess(r.req, r.snapshot)
	return nil
}

func (p *withdrawalPipeline) decide(_ context.Context, r *run) error {
	r.decision = Decide(r.compliance, r.fraud, p.now())
	return nil
}

func (p *withdrawalPipeline) auditDecision(ctx context.Context, r *run) error {
	for _, v := range r.decision.Violations {
		err := p.record(ctx, r, &models.AuditRecord{
			EventType: models.EventComplianceViolation,
			Severity:  models.AuditSeverityFor(v.Severity),
			EventData: map[string]interface{}{
				"code":        v.Code,
				"description": v.Description,
				"regulation":  v.Regulation,
				"severity":    v.Severity,
			},
		})
		if err != nil {
			return err
		}
	}

	if r.fraud.RiskLevel != models.RiskLow {
		severity := models.AuditMedium
		if r.fraud.RiskLevel == models.RiskHigh {
			severity = models.AuditHigh
		}
		err := p.record(ctx, r, &models.AuditRecord{
			EventType: models.EventFraudAssessment,
			Severity:  severity,
			EventData: map[string]interface{}{
				"risk_level": r.fraud.RiskLevel,
				"risk_score": r.fraud.RiskScore,
				"reasons":    r.fraud.Reasons,
			},
		})
		if err != nil {
			return err
		}
	}

	if r.payload != nil {
		err := p.record(ctx, r, &models.AuditRecord{
			EventType: models.EventWithdrawalEncryption,
			Severity:  models.AuditInfo,
			EventData: map[string]interface{}{
				"algorithm_id":   r.payload.AlgorithmID,
				"key_version":    r.payload.KeyVersion,
				"account_number": maskedAccount(r.req),
			},
		})
		if err != nil {
			return err
		}
	}

	return p.record(ctx, r, &models.AuditRecord{
		EventType:       models.EventWithdrawalDecision,
		Severity:        decisionSeverity(r.decision.Status),
		ComplianceFlags: r.decision.SecurityFlags,
		EventData: map[string]interface{}{
			"status":                 r.decision.Status,
			"requires_manual_review": r.decision.RequiresManualReview,
			"violation_count":        len(r.decision.Violations),
			"warnings":               r.decision.Warnings,
			"risk_level":             r.fraud.RiskLevel,
			"risk_score":             r.fraud.RiskScore,
			"amount":                 r.req.Amount.StringFixed(2),
			"currency":               r.req.Currency,
		},
	})
}

func (p *withdrawalPipeline) persist(ctx context.Context, r *run) error {
	if err := p.deps.Withdrawals.Create(ctx, withdrawalRecord(r, recordStatus(r.decision.Status))); err != nil {
		return apperrors.NewSystemError("failed to persist withdrawal", err)
	}
	return nil
}

// record writes an audit record for the request. Outside strict mode a
// degraded write is remembered on the run and processing continues.
func (p *withdrawalPipeline) record(ctx context.Context, r *run, rec *models.AuditRecord) error {
	rec.Subject = models.DriverScoped(r.req.DriverID)
	rec.WithdrawalRequestID = r.req.ID
	err := p.deps.Audit.Record(ctx, rec)
	if err == nil {
		return nil
	}
	if p.strict {
		return fmt.Errorf("audit %s: %w", rec.EventType, err)
	}
	r.degraded = true
	p.logger.WithError(err).WithFields(logrus.Fields{
		"event_type":            rec.EventType,
		"withdrawal_request_id": r.req.ID,
	}).Warn("Audit degraded, continuing")
	return nil
}

func (p *withdrawalPipeline) fail(ctx context.Context, r *run, entering Stage, cause error) (*models.WithdrawalResult, error) {
	code, severity := models.CodeSystemError, models.AuditHigh
	if errors.Is(cause, ErrPipelineTimeout) {
		code, severity = models.CodeSystemTimeout, models.AuditCritical
	}
	kind, _ := apperrors.KindOf(cause)

	// the run context may already be expired
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureAuditTimeout)
	defer cancel()

	var flags []string
	if r.compliance != nil {
		flags = r.compliance.SecurityFlags
	}
	data := requestData(r.req)
	data["failed_entering"] = entering
	data["last_stage"] = r.stage
	data["violation_code"] = code
	data["error_kind"] = kind
	data["error"] = cause.Error()
	data["elapsed_ms"] = p.now().Sub(r.started).Milliseconds()

	err := p.deps.Audit.Record(auditCtx, &models.AuditRecord{
		EventType:           models.EventWithdrawalFailed,
		Subject:             models.DriverScoped(r.req.DriverID),
		WithdrawalRequestID: r.req.ID,
		Severity:            severity,
		ComplianceFlags:     flags,
		EventData:           data,
	})
	if err != nil {
		p.logger.WithError(err).WithField("withdrawal_request_id", r.req.ID).Error("Failed to audit withdrawal failure")
	}

	if entering != StageComplete {
		if err := p.deps.Withdrawals.Create(auditCtx, withdrawalRecord(r, models.WithdrawalFailed)); err != nil {
			p.logger.WithError(err).WithField("withdrawal_request_id", r.req.ID).Warn("Failed to persist failed withdrawal")
		}
	}

	p.deps.Metrics.RecordWithdrawal(string(StageFailed), p.now().Sub(r.started))
	p.logger.WithError(cause).WithFields(logrus.Fields{
		"withdrawal_request_id": r.req.ID,
		"driver_id":             r.req.DriverID,
		"stage":                 entering,
	}).Error("Withdrawal failed")

	return nil, &PipelineError{RequestID: r.req.ID, Stage: entering, Err: cause}
}

// recordInvalid audits a request refused before entering the pipeline.
func (p *withdrawalPipeline) recordInvalid(ctx context.Context, req *models.WithdrawalRequest, cause error) {
	subject := models.SystemScoped("withdrawal_intake")
	if req.DriverID != "" {
		subject = models.DriverScoped(req.DriverID)
	}
	data := requestData(req)
	data["error_kind"] = apperrors.KindValidation
	data["error"] = cause.Error()

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureAuditTimeout)
	defer cancel()
	if err := p.deps.Audit.Record(auditCtx, &models.AuditRecord{
		EventType: models.EventWithdrawalFailed,
		Subject:   subject,
		Severity:  models.AuditLow,
		EventData: data,
	}); err != nil {
		p.logger.WithError(err).Warn("Failed to audit invalid withdrawal request")
	}
}

func requestData(req *models.WithdrawalRequest) map[string]interface{} {
	data := map[string]interface{}{
		"amount":     req.Amount.StringFixed(2),
		"currency":   req.Currency,
		"method":     req.Method,
		"ip_address": req.Network.IPAddress,
		"device_id":  req.Network.Device.DeviceID,
	}
	if req.BankDetails != nil {
		data["bank_code"] = req.BankDetails.BankCode
		data["account_number"] = maskedAccount(req)
	}
	return data
}

func maskedAccount(req *models.WithdrawalRequest) string {
	if req.BankDetails == nil {
		return ""
	}
	return service.MaskSensitive(req.BankDetails.AccountNumber)
}

func withdrawalRecord(r *run, status models.WithdrawalStatus) *models.WithdrawalRecord {
	return &models.WithdrawalRecord{
		ID:                  r.req.ID,
		DriverID:            r.req.DriverID,
		Amount:              r.req.Amount,
		Currency:            r.req.Currency,
		Method:              r.req.Method,
		Status:              status,
		DeviceID:            r.req.Network.Device.DeviceID,
		IPAddress:           r.req.Network.IPAddress,
		MaskedAccountNumber: maskedAccount(r.req),
		EncryptedPayload:    r.payload,
		CreatedAt:           r.started.UTC(),
	}
}
