package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"payout-security-api/internal/config"
	"payout-security-api/internal/engine"
	"payout-security-api/internal/middleware"
	"payout-security-api/internal/models"
	"payout-security-api/internal/service"
	apperrors "payout-security-api/pkg/errors"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"

	defaultReportWindow = 30 * 24 * time.Hour
	maxReportWindow     = 366 * 24 * time.Hour
)

type WithdrawalController struct {
	pipeline    engine.WithdrawalPipeline
	security    middleware.SecurityMiddleware
	idempotency engine.IdempotencyManager
	audit       service.AuditService
	encryptor   service.EncryptionService
	limits      config.RateLimitConfig
	now         func() time.Time
	logger      *logrus.Entry
}

func NewWithdrawalController(
	pipeline engine.WithdrawalPipeline,
	security middleware.SecurityMiddleware,
	idempotency engine.IdempotencyManager,
	audit service.AuditService,
	encryptor service.EncryptionService,
	limits config.RateLimitConfig,
) *WithdrawalController {
	return &WithdrawalController{
		pipeline:    pipeline,
		security:    security,
		idempotency: idempotency,
		audit:       audit,
		encryptor:   encryptor,
		limits:      limits,
		now:         time.Now,
		logger:      logrus.WithField("component", "withdrawal_controller"),
	}
}

// @Summary Submit a withdrawal
// @Tags withdrawals
// @Param driverId path string true "Driver ID"
// @Param Idempotency-Key header string false "Client idempotency key"
// @Success 200 {object} models.WithdrawalResult
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /api/v1/drivers/{driverId}/withdrawals [post]
func (c *WithdrawalController) SubmitWithdrawal(ctx *gin.Context) {
	driverID := ctx.Param("driverId")

	req, err := c.decodeWithdrawal(ctx)
	if err != nil {
		writeError(ctx, err)
		return
	}
	req.DriverID = driverID
	if req.Network.IPAddress == "" {
		req.Network.IPAddress = ctx.ClientIP()
	}

	spec := middleware.OperationSpec{
		Name:               "withdrawal",
		Resource:           driverID,
		RequiresValidation: true,
		AuditEnabled:       true,
		MaxPerMinute:       c.limits.WithdrawalPerMinute,
	}
	submit := func(opCtx context.Context) ([]byte, error) {
		result, err := middleware.ExecuteSecureOperation(opCtx, c.security, spec, func(opCtx context.Context) (*models.WithdrawalResult, error) {
			return c.pipeline.ProcessWithdrawal(opCtx, req)
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}

	var (
		body     []byte
		replayed bool
	)
	clientKey := ctx.GetHeader(IdempotencyHeader)
	if clientKey == "" {
		body, err = submit(ctx.Request.Context())
	} else {
		principal, _ := middleware.PrincipalFromGin(ctx)
		key := c.idempotency.Key(principal.ID, spec.Name+":"+driverID, clientKey)
		body, replayed, err = c.idempotency.Process(ctx.Request.Context(), key, submit)
	}
	if err != nil {
		writeError(ctx, err)
		return
	}

	if replayed {
		ctx.Header(ReplayedHeader, "true")
	}
	ctx.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

// decodeWithdrawal sanitizes every string field before the body is bound.
// Numbers are kept as json.Number so amounts survive the round trip exactly.
func (c *WithdrawalController) decodeWithdrawal(ctx *gin.Context) (*models.WithdrawalRequest, error) {
	raw, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		return nil, apperrors.NewValidationError("failed to read request body", err.Error())
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, apperrors.NewValidationError("invalid request format", err.Error())
	}

	clean, err := json.Marshal(c.security.SanitizeInput(fields))
	if err != nil {
		return nil, apperrors.NewValidationError("invalid request format", err.Error())
	}

	var req models.WithdrawalRequest
	if err := json.Unmarshal(clean, &req); err != nil {
		return nil, apperrors.NewValidationError("invalid request format", err.Error())
	}
	return &req, nil
}

// @Summary Security report for a driver
// @Tags withdrawals
// @Param driverId path string true "Driver ID"
// @Param from query string false "RFC3339 window start"
// @Param to query string false "RFC3339 window end"
// @Param event_type query []string false "Event types to include"
// @Success 200 {object} models.SecurityReport
// @Router /api/v1/drivers/{driverId}/security-report [get]
func (c *WithdrawalController) GetSecurityReport(ctx *gin.Context) {
	driverID := ctx.Param("driverId")

	from, to, err := c.reportWindow(ctx)
	if err != nil {
		writeError(ctx, err)
		return
	}
	eventTypes := ctx.QueryArray("event_type")

	spec := middleware.OperationSpec{
		Name:               "security_report",
		Resource:           driverID,
		RequiresValidation: true,
		AuditEnabled:       true,
		MaxPerMinute:       c.limits.ReportPerMinute,
	}
	report, err := middleware.ExecuteSecureOperation(ctx.Request.Context(), c.security, spec, func(opCtx context.Context) (*models.SecurityReport, error) {
		report, err := c.audit.GenerateReport(opCtx, driverID, from, to, eventTypes...)
		if err != nil {
			return nil, err
		}
		principal, _ := models.PrincipalFrom(opCtx)
		err = c.audit.Record(opCtx, &models.AuditRecord{
			EventType: models.EventSecurityReportRequest,
			Subject:   models.DriverScoped(driverID),
			Severity:  models.AuditInfo,
			EventData: map[string]interface{}{
				"requested_by": principal.ID,
				"from":         from,
				"to":           to,
				"event_types":  eventTypes,
				"record_count": len(report.Records),
			},
		})
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"driver_id":    driverID,
				"requested_by": principal.ID,
			}).Warn("Failed to audit security report request")
		}
		return report, nil
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, report)
}

func (c *WithdrawalController) reportWindow(ctx *gin.Context) (time.Time, time.Time, error) {
	to := c.now().UTC()
	if raw := ctx.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, apperrors.NewValidationError("invalid to parameter", "must be RFC3339")
		}
		to = parsed
	}

	from := to.Add(-defaultReportWindow)
	if raw := ctx.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, apperrors.NewValidationError("invalid from parameter", "must be RFC3339")
		}
		from = parsed
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, apperrors.NewValidationError("from must be before to")
	}
	if to.Sub(from) > maxReportWindow {
		return time.Time{}, time.Time{}, apperrors.NewValidationError("report window too large",
			fmt.Sprintf("at most %d days", int(maxReportWindow.Hours()/24)))
	}
	return from, to, nil
}

// @Summary Rotate a driver's payout encryption key
// @Tags keys
// @Param driverId path string true "Driver ID"
// @Success 200 {object} KeyRotationResponse
// @Router /api/v1/drivers/{driverId}/keys/rotate [post]
func (c *WithdrawalController) RotateKey(ctx *gin.Context) {
	driverID := ctx.Param("driverId")

	spec := middleware.OperationSpec{
		Name:               "key_rotation",
		Resource:           driverID,
		RequiresValidation: true,
		AuditEnabled:       true,
		MaxPerMinute:       c.limits.KeyRotationPerMinute,
	}
	version, err := middleware.ExecuteSecureOperation(ctx.Request.Context(), c.security, spec, func(opCtx context.Context) (int, error) {
		return c.encryptor.RotateKey(opCtx, driverID)
	})
	if err != nil {
		writeError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, KeyRotationResponse{
		DriverID:   driverID,
		KeyVersion: version,
		RotatedAt:  c.now().UTC(),
	})
}

type KeyRotationResponse struct {
	DriverID   string    `json:"driver_id"`
	KeyVersion int       `json:"key_version"`
	RotatedAt  time.Time `json:"rotated_at"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Stage     string `json:"stage,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	WithdrawalRequestID string `json:"withdrawal_request_id,omitempty"`
}

// writeError maps err onto its HTTP status. Internal causes are not echoed to
// the caller for 5xx responses.
func writeError(ctx *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	resp := ErrorResponse{
		Error:     "internal_error",
		Message:   "internal server error",
		RequestID: requestid.Get(ctx),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		resp.Error = string(appErr.Kind)
		resp.Message = appErr.Message
		if status < http.StatusInternalServerError {
			resp.Details = appErr.Details
		}
	}

	var pipeErr *engine.PipelineError
	if errors.As(err, &pipeErr) {
		resp.Stage = string(pipeErr.Stage)
		resp.WithdrawalRequestID = pipeErr.RequestID
	}

	_ = ctx.Error(err)
	ctx.AbortWithStatusJSON(status, resp)
}
