package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/suite"

	"payout-security-api/internal/config"
	"payout-security-api/internal/controller"
	"payout-security-api/internal/database"
	"payout-security-api/internal/models"
	"payout-security-api/internal/repository"
)

const (
	driverID      = "drv-1"
	otherDriverID = "drv-2"
	adminID       = "adm-1"
)

type PayoutAPITestSuite struct {
	suite.Suite
	ctx   context.Context
	app   *Application
	audit *logrus.Logger

	driverToken string
	otherToken  string
	adminToken  string
}

func TestPayoutAPITestSuite(t *testing.T) {
	suite.Run(t, new(PayoutAPITestSuite))
}

func (suite *PayoutAPITestSuite) SetupSuite() {
	gin.SetMode(gin.TestMode)
	logrus.SetOutput(io.Discard)
	suite.ctx = context.Background()

	suite.audit = logrus.New()
	suite.audit.SetOutput(io.Discard)
}

func (suite *PayoutAPITestSuite) SetupTest() {
	cfg := testConfig()
	db, err := database.Initialize(suite.ctx, cfg)
	suite.Require().NoError(err)

	suite.app, err = New(suite.ctx, cfg, db, Options{
		Build:       controller.BuildInfo{Version: "test", Commit: "abc123"},
		AuditLogger: suite.audit,
	})
	suite.Require().NoError(err)

	suite.driverToken = suite.login(driverID, "sess-drv-1", models.RoleDriver)
	suite.otherToken = suite.login(otherDriverID, "sess-drv-2", models.RoleDriver)
	suite.adminToken = suite.login(adminID, "sess-admin", models.RoleAdmin)
}

func (suite *PayoutAPITestSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(suite.ctx, 5*time.Second)
	defer cancel()
	suite.NoError(suite.app.Shutdown(ctx))
}

func (suite *PayoutAPITestSuite) login(principalID, sessionID, role string) string {
	err := suite.app.Database.Repositories.Sessions.Put(suite.ctx, &models.Session{
		ID:          sessionID,
		PrincipalID: principalID,
		Role:        role,
		Active:      true,
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	suite.Require().NoError(err)

	token, err := suite.app.Auth.GenerateToken(models.Principal{ID: principalID, SessionID: sessionID, Role: role}, time.Hour)
	suite.Require().NoError(err)
	return token
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			MaxRequestSize: 1 << 20,
			TrustedProxies: []string{"127.0.0.1"},
		},
		Database:  config.DatabaseConfig{Driver: "memory"},
		Messaging: config.MessagingConfig{Sink: "log"},
		Auth: config.AuthConfig{
			JWTSecret: "integration-test-secret",
			JWTIssuer: "test-identity",
		},
		Regulatory: config.RegulatoryConfig{
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
			EWalletProviders:        []string{"TNG", "GRABPAY"},
			AccountNumberMinLength:  8,
			AccountNumberMaxLength:  20,
			UnknownBankCodeSeverity: "medium",
		},
		Fraud: config.FraudConfig{
			HighAmountThreshold: "2000.00",
			VelocityThreshold:   "8000.00",
			AttemptThreshold:    3,
			BurstThreshold:      5,
			AttemptWindow:       time.Hour,
			NormalHoursStart:    0,
			NormalHoursEnd:      24,
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
		},
		Encryption: config.EncryptionConfig{
			MasterKey:     "0123456789abcdef0123456789abcdef",
			KeyStore:      "memory",
			PurgeSchedule: "@daily",
		},
		Audit: config.AuditConfig{
			FallbackQueueSize: 100,
			ReplaySchedule:    "@every 1m",
			ForwardTimeout:    time.Second,
			ReportLimit:       10,
		},
		Pipeline: config.PipelineConfig{
			Timeout:        5 * time.Second,
			IdempotencyTTL: time.Hour,
		},
		RateLimit: config.RateLimitConfig{
			Store:                "memory",
			WithdrawalPerMinute:  3,
			ReportPerMinute:      10,
			KeyRotationPerMinute: 5,
			SuspiciousThreshold:  50,
			SuspiciousWindow:     time.Minute,
		},
		Logging:    config.LoggingConfig{Level: "error"},
		Monitoring: config.MonitoringConfig{EnableMetrics: true, MetricsPath: "/metrics"},
	}
}

func withdrawalBody() map[string]interface{} {
	return map[string]interface{}{
		"amount":   150.00,
		"currency": "MYR",
		"method":   "bank_transfer",
		"bank_details": map[string]interface{}{
			"account_number":      "1234567890",
			"bank_code":           "MBB",
			"bank_name":           "Maybank",
			"account_holder_name": "Ahmad bin Ali",
		},
		"network": map[string]interface{}{
			"ip_address": "203.0.113.10",
			"device": map[string]interface{}{
				"device_id": "dev-1",
				"platform":  "android",
			},
		},
	}
}

func (suite *PayoutAPITestSuite) do(method, path, token string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		suite.Require().NoError(err)
		reader = bytes.NewBuffer(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	suite.app.Router.ServeHTTP(w, req)
	return w
}

func (suite *PayoutAPITestSuite) auditEvents(eventType string) []*models.AuditRecord {
	repo, ok := suite.app.Database.Repositories.Audit.(*repository.MemoryAuditRepository)
	suite.Require().True(ok)

	var out []*models.AuditRecord
	for _, rec := range repo.All() {
		if rec.EventType == eventType {
			out = append(out, rec)
		}
	}
	return out
}

func (suite *PayoutAPITestSuite) TestSubmitWithdrawal_Approved() {
	w := suite.do(http.MethodPost, "/api/v1/drivers/drv-1/withdrawals", suite.driverToken, withdrawalBody(), nil)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	var result models.WithdrawalResult
	suite.Require().NoError(json.Unmarshal(w.Body.Bytes(), &result))
	suite.NotEmpty(result.WithdrawalRequestID)
	suite.Require().NotNil(result.Decision)
	suite.Equal(models.DecisionApproved, result.Decision.Status)
	suite.NotEmpty(w.Header().Get("X-Request-ID"))

	suite.NotContains(w.Body.String(), "1234567890")
	suite.NotContains(w.Body.String(), "ciphertext")

	records, err := suite.app.Database.Repositories.Withdrawals.ListSince(suite.ctx, driverID, time.Now().Add(-time.Hour))
	suite.Require().NoError(err)
	suite.Require().Len(records, 1)
	suite.Equal(models.WithdrawalApproved, records[0].Status)
	suite.Require().NotNil(records[0].EncryptedPayload)
	suite.Equal("******7890", records[0].MaskedAccountNumber)
}

func (suite *PayoutAPITestSuite) TestSubmitWithdrawal_IdempotentReplay() {
	headers := map[string]string{controller.IdempotencyHeader: "client-key-1"}

	first := suite.do(http.MethodPost, "/api/v1/drivers/drv-1/withdrawals", suite.driverToken, withdrawalBody(), headers)
	suite.Require().Equal(http.StatusOK, first.Code, first.Body.String())
	suite.Empty(first.Header().Get(controller.ReplayedHeader))

	second := suite.do(http.MethodPost, "/api/v1/drivers/drv-1/withdrawals", suite.driverToken, withdrawalBody(), headers)
	suite.Require().Equal(http.StatusOK, second.Code)
	suite.Equal("true", second.Header().Get(controller.ReplayedHeader))
	suite.JSONEq(first.Body.String(), second.Body.String())

	records, err := suite.app.Database.Repositories.Withdrawals.ListSince(suite.ctx, driverID, time.Now().Add(-time.Hour))
	suite.Require().NoError(err)
	suite.Len(records, 1)
}

func (suite *PayoutAPITestSuite) TestSubmitWithdrawal_IgnoresClientRequestID() {
	first := suite.do(http.MethodPost, "/api/v1/drivers/drv-2/withdrawals", suite.otherToken, withdrawalBody(), nil)
	suite.Require().Equal(http.StatusOK, first.Code, first.Body.String())
	var victim models.WithdrawalResult
	suite.Require().NoError(json.Unmarshal(first.Body.Bytes(), &victim))

	body := withdrawalBody()
	body["id"] = victim.WithdrawalRequestID
	body["submitted_at"] = time.Now().Add(-30 * 24 * time.Hour).Format(time.RFC3339)
	w := suite.do(http.MethodPost, "/api/v1/drivers/drv-1/withdrawals", suite.driverToken, body, nil)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	var result models.WithdrawalResult
	suite.Require().NoError(json.Unmarshal(w.Body.Bytes(), &result))
	suite.NotEmpty(result.WithdrawalRequestID)
	suite.NotEqual(victim.WithdrawalRequestID, result.WithdrawalRequestID)

	var victimCreated int
	for _, rec := range suite.auditEvents(models.EventWithdrawalCreated) {
		if rec.WithdrawalRequestID == victim.WithdrawalRequestID {
			victimCreated++
			suite.Equal(models.DriverScoped(otherDriverID), rec.Subject)
		}
	}
	suite.Equal(1, victimCreated)

	records, err := suite.app.Database.Repositories.Withdrawals.ListSince(suite.ctx, driverID, time.Now().Add(-time.Hour))
	suite.Require().NoError(err)
	suite.Require().Len(records, 1)
	suite.Equal(result.WithdrawalRequestID, records[0].ID)
}

func (suite *PayoutAPITestSuite) TestSubmitWithdrawal_Rejections() {
	tests := []struct {
		name     string
		path     string
		token    string
		body     interface{}
		expected int
		kind     string
	}{
		{
			name:     "malformed json",
			path:     "/api/v1/drivers/drv-1/withdrawals",
			token:    suite.driverToken,
			body:     `{"amount": 150.00,`,
			expected: http.StatusBadRequest,
			kind:     "validation",
		},
		{
			name:     "another driver's payouts",
			path:     "/api/v1/drivers/drv-2/withdrawals",
			token:    suite.driverToken,
			body:     withdrawalBody(),
			expected: http.StatusForbidden,
			kind:     "security",
		},
		{
			name:     "missing token",
			path:     "/api/v1/drivers/drv-1/withdrawals",
			body:     withdrawalBody(),
			expected: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			w := suite.do(http.MethodPost, tt.path, tt.token, tt.body, nil)
			suite.Equal(tt.expected, w.Code, w.Body.String())
			if tt.kind != "" {
				var resp controller.ErrorResponse
				suite.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
				suite.Equal(tt.kind, resp.Error)
			}
		})
	}
}

func (suite *PayoutAPITestSuite) TestSubmitWithdrawal_RateLimited() {
	for i := 0; i < 3; i++ {
		w := suite.do(http.MethodPost, "/api/v1/drivers/drv-1/withdrawals", suite.driverToken, withdrawalBody(), nil)
		suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	}

	suite.Empty(suite.auditEvents(models.EventRateLimitExceeded))

	w := suite.do(http.MethodPost, "/api/v1/drivers/drv-1/withdrawals", suite.driverToken, withdrawalBody(), nil)
	suite.Equal(http.StatusTooManyRequests, w.Code)
	suite.Equal("60", w.Header().Get("Retry-After"))

	limited := suite.auditEvents(models.EventRateLimitExceeded)
	suite.Require().Len(limited, 1)
	suite.Equal(models.DriverScoped(driverID), limited[0].Subject)
	suite.Equal(models.AuditMedium, limited[0].Severity)
	suite.Equal("withdrawal", limited[0].EventData["operation"])
	suite.Equal(driverID, limited[0].EventData["principal_id"])

	// Limits are per principal.
	w = suite.do(http.MethodPost, "/api/v1/drivers/drv-2/withdrawals", suite.otherToken, withdrawalBody(), nil)
	suite.Equal(http.StatusOK, w.Code, w.Body.String())
}

func (suite *PayoutAPITestSuite) TestSecurityReport() {
	w := suite.do(http.MethodPost, "/api/v1/drivers/drv-1/withdrawals", suite.driverToken, withdrawalBody(), nil)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	w = suite.do(http.MethodGet, "/api/v1/drivers/drv-1/security-report", suite.driverToken, nil, nil)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	var report models.SecurityReport
	suite.Require().NoError(json.Unmarshal(w.Body.Bytes(), &report))
	suite.Equal(driverID, report.DriverID)
	suite.NotEmpty(report.Records)
	suite.NotContains(w.Body.String(), "1234567890")

	w = suite.do(http.MethodGet, "/api/v1/drivers/drv-1/security-report?from=yesterday", suite.driverToken, nil, nil)
	suite.Equal(http.StatusBadRequest, w.Code)
}

func (suite *PayoutAPITestSuite) TestSecurityReport_SurfacesTruncation() {
	for i := 0; i < 3; i++ {
		w := suite.do(http.MethodPost, "/api/v1/drivers/drv-1/withdrawals", suite.driverToken, withdrawalBody(), nil)
		suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	}

	w := suite.do(http.MethodGet, "/api/v1/drivers/drv-1/security-report", suite.driverToken, nil, nil)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	var report models.SecurityReport
	suite.Require().NoError(json.Unmarshal(w.Body.Bytes(), &report))
	suite.Len(report.Records, 10)
	suite.True(report.Truncated)
	suite.Equal(3, report.Summary.ByEventType[models.EventWithdrawalCreated])
	suite.Greater(report.Summary.TotalEvents, len(report.Records))
}

func (suite *PayoutAPITestSuite) TestSecurityReport_AuditFailureIsLogged() {
	hook := logtest.NewGlobal()
	defer logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))

	repo, ok := suite.app.Database.Repositories.Audit.(*repository.MemoryAuditRepository)
	suite.Require().True(ok)
	repo.SetFailure(errors.New("audit store unreachable"))
	defer repo.SetFailure(nil)

	w := suite.do(http.MethodGet, "/api/v1/drivers/drv-1/security-report", suite.driverToken, nil, nil)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	var found *logrus.Entry
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Failed to audit security report request" {
			found = entry
		}
	}
	suite.Require().NotNil(found)
	suite.Equal(logrus.WarnLevel, found.Level)
	suite.Equal(driverID, found.Data["driver_id"])
	suite.Equal("withdrawal_controller", found.Data["component"])
}

func (suite *PayoutAPITestSuite) TestKeyLifecycle() {
	w := suite.do(http.MethodPost, "/api/v1/drivers/drv-1/keys/rotate", suite.driverToken, nil, nil)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	var rotated controller.KeyRotationResponse
	suite.Require().NoError(json.Unmarshal(w.Body.Bytes(), &rotated))
	suite.Equal(driverID, rotated.DriverID)
	suite.Equal(1, rotated.KeyVersion)

	w = suite.do(http.MethodDelete, "/api/v1/drivers/drv-1/keys", suite.driverToken, nil, nil)
	suite.Equal(http.StatusForbidden, w.Code)

	violations := suite.auditEvents(models.EventSecurityViolation)
	suite.Require().Len(violations, 1)
	suite.Equal(models.DriverScoped(driverID), violations[0].Subject)
	suite.Equal(models.AuditHigh, violations[0].Severity)
	suite.Equal(driverID, violations[0].EventData["principal_id"])
	suite.Equal(http.MethodDelete, violations[0].EventData["method"])

	w = suite.do(http.MethodDelete, "/api/v1/drivers/drv-1/keys", suite.adminToken, nil, nil)
	suite.Equal(http.StatusNoContent, w.Code, w.Body.String())

	w = suite.do(http.MethodDelete, "/api/v1/drivers/drv-1/keys", suite.adminToken, nil, nil)
	suite.Equal(http.StatusNotFound, w.Code)
}

func (suite *PayoutAPITestSuite) TestAdminMaintenance() {
	w := suite.do(http.MethodPost, "/api/v1/admin/audit/replay", suite.adminToken, nil, nil)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	var resp controller.MaintenanceResponse
	suite.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	suite.Equal("audit_replay", resp.Job)
	suite.Equal(0, resp.Processed)

	w = suite.do(http.MethodGet, "/api/v1/admin/audit/status", suite.adminToken, nil, nil)
	suite.Require().Equal(http.StatusOK, w.Code)
	suite.JSONEq(`{"fallback_depth":0,"degraded":false}`, w.Body.String())

	w = suite.do(http.MethodPost, "/api/v1/admin/keys/purge", suite.driverToken, nil, nil)
	suite.Equal(http.StatusForbidden, w.Code)
}

func (suite *PayoutAPITestSuite) TestOperationalEndpoints() {
	tests := []struct {
		path     string
		expected int
	}{
		{path: "/health", expected: http.StatusOK},
		{path: "/ready", expected: http.StatusOK},
		{path: "/version", expected: http.StatusOK},
		{path: "/metrics", expected: http.StatusOK},
		{path: "/nope", expected: http.StatusNotFound},
	}

	for _, tt := range tests {
		suite.Run(tt.path, func() {
			w := suite.do(http.MethodGet, tt.path, "", nil, nil)
			suite.Equal(tt.expected, w.Code, w.Body.String())
		})
	}

	w := suite.do(http.MethodGet, "/version", "", nil, nil)
	var build controller.BuildInfo
	suite.Require().NoError(json.Unmarshal(w.Body.Bytes(), &build))
	suite.Equal("test", build.Version)
	suite.NotEmpty(build.GoVersion)
}
