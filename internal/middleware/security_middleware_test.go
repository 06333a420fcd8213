package middleware

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payout-security-api/internal/cache"
	"payout-security-api/internal/config"
	"payout-security-api/internal/models"
	"payout-security-api/internal/monitoring"
	"payout-security-api/internal/repository"
	"payout-security-api/internal/service"
	apperrors "payout-security-api/pkg/errors"
)

var fixedNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type securityHarness struct {
	middleware *securityMiddleware
	sessions   *cache.MemorySessionStore
	auditRepo  *repository.MemoryAuditRepository
	clock      time.Time
}

func newSecurityHarness(t *testing.T, cfg config.RateLimitConfig) *securityHarness {
	t.Helper()
	fallback := logrus.New()
	fallback.SetOutput(io.Discard)

	h := &securityHarness{
		sessions:  cache.NewMemorySessionStore(),
		auditRepo: repository.NewMemoryAuditRepository(),
		clock:     fixedNow,
	}
	audit := service.NewAuditService(h.auditRepo, nil, fallback, monitoring.NewNoopMetrics(), config.AuditConfig{})
	m := NewSecurityMiddleware(h.sessions, cache.NewMemoryWindowStore(), audit, monitoring.NewNoopMetrics(), cfg)
	h.middleware = m.(*securityMiddleware)
	h.middleware.now = func() time.Time { return h.clock }

	require.NoError(t, h.sessions.Put(context.Background(), &models.Session{
		ID: "sess-drv-1", PrincipalID: "drv-1", Role: models.RoleDriver, Active: true, ExpiresAt: fixedNow.Add(time.Hour),
	}))
	require.NoError(t, h.sessions.Put(context.Background(), &models.Session{
		ID: "sess-admin", PrincipalID: "adm-1", Role: models.RoleAdmin, Active: true, ExpiresAt: fixedNow.Add(time.Hour),
	}))
	return h
}

func (h *securityHarness) events(eventType string) []*models.AuditRecord {
	var out []*models.AuditRecord
	for _, rec := range h.auditRepo.All() {
		if rec.EventType == eventType {
			out = append(out, rec)
		}
	}
	return out
}

func driverCtx() context.Context {
	return models.WithPrincipal(context.Background(), models.Principal{ID: "drv-1", SessionID: "sess-drv-1", Role: models.RoleDriver})
}

func withdrawalSpec() OperationSpec {
	return OperationSpec{
		Name:               "withdrawal",
		Resource:           "drv-1",
		RequiresValidation: true,
		AuditEnabled:       true,
	}
}

func TestSecurityMiddleware_ExecuteRunsBodyAndAuditsOnce(t *testing.T) {
	h := newSecurityHarness(t, config.RateLimitConfig{})
	ran := false

	err := h.middleware.Execute(driverCtx(), withdrawalSpec(), func(ctx context.Context) error {
		principal, ok := models.PrincipalFrom(ctx)
		require.True(t, ok)
		assert.Equal(t, "drv-1", principal.ID)
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
	require.Len(t, h.auditRepo.All(), 1)
	rec := h.events(models.EventSecureOperation)[0]
	assert.Equal(t, models.AuditInfo, rec.Severity)
	assert.Equal(t, models.DriverScoped("drv-1"), rec.Subject)
	assert.Equal(t, OutcomeSuccess, rec.EventData["outcome"])
	assert.Equal(t, "drv-1", rec.EventData["principal_id"])
}

func TestSecurityMiddleware_SessionAndOwnership(t *testing.T) {
	tests := []struct {
		name     string
		ctx      func(h *securityHarness) context.Context
		resource string
		allowed  bool
		sentinel error
	}{
		{
			name:     "owner with live session",
			ctx:      func(*securityHarness) context.Context { return driverCtx() },
			resource: "drv-1",
			allowed:  true,
		},
		{
			name:     "no principal",
			ctx:      func(*securityHarness) context.Context { return context.Background() },
			resource: "drv-1",
			sentinel: apperrors.ErrSessionInvalid,
		},
		{
			name: "unknown session",
			ctx: func(*securityHarness) context.Context {
				return models.WithPrincipal(context.Background(), models.Principal{ID: "drv-1", SessionID: "gone", Role: models.RoleDriver})
			},
			resource: "drv-1",
			sentinel: apperrors.ErrSessionInvalid,
		},
		{
			name: "expired session",
			ctx: func(h *securityHarness) context.Context {
				h.clock = fixedNow.Add(2 * time.Hour)
				return driverCtx()
			},
			resource: "drv-1",
			sentinel: apperrors.ErrSessionInvalid,
		},
		{
			name: "session belongs to someone else",
			ctx: func(*securityHarness) context.Context {
				return models.WithPrincipal(context.Background(), models.Principal{ID: "drv-2", SessionID: "sess-drv-1", Role: models.RoleDriver})
			},
			resource: "drv-2",
			sentinel: apperrors.ErrSessionInvalid,
		},
		{
			name:     "driver acting on another driver",
			ctx:      func(*securityHarness) context.Context { return driverCtx() },
			resource: "drv-9",
		},
		{
			name: "admin acting on a driver",
			ctx: func(*securityHarness) context.Context {
				return models.WithPrincipal(context.Background(), models.Principal{ID: "adm-1", SessionID: "sess-admin", Role: models.RoleAdmin})
			},
			resource: "drv-9",
			allowed:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSecurityHarness(t, config.RateLimitConfig{})
			spec := withdrawalSpec()
			spec.Resource = tt.resource
			ran := false

			err := h.middleware.Execute(tt.ctx(h), spec, func(context.Context) error {
				ran = true
				return nil
			})

			assert.Equal(t, tt.allowed, ran)
			if tt.allowed {
				require.NoError(t, err)
				assert.Len(t, h.events(models.EventSecureOperation), 1)
				return
			}
			require.Error(t, err)
			assert.True(t, apperrors.IsKind(err, apperrors.KindSecurity))
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			}
			violations := h.events(models.EventSecurityViolation)
			require.Len(t, violations, 1)
			assert.Equal(t, models.AuditHigh, violations[0].Severity)
			assert.Equal(t, OutcomeDenied, violations[0].EventData["outcome"])
			assert.Len(t, h.auditRepo.All(), 1)
		})
	}
}

func TestSecurityMiddleware_RateLimitRefusesBeforeBody(t *testing.T) {
	h := newSecurityHarness(t, config.RateLimitConfig{SuspiciousThreshold: 100})
	spec := withdrawalSpec()
	spec.MaxPerMinute = 2
	calls := 0
	body := func(context.Context) error { calls++; return nil }

	require.NoError(t, h.middleware.Execute(driverCtx(), spec, body))
	require.NoError(t, h.middleware.Execute(driverCtx(), spec, body))
	err := h.middleware.Execute(driverCtx(), spec, body)

	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindRateLimit))
	assert.Equal(t, 2, calls)
	limited := h.events(models.EventRateLimitExceeded)
	require.Len(t, limited, 1)
	assert.Equal(t, OutcomeRateLimited, limited[0].EventData["outcome"])

	h.clock = fixedNow.Add(61 * time.Second)
	assert.NoError(t, h.middleware.Execute(driverCtx(), spec, body))
	assert.Equal(t, 3, calls)
}

func TestSecurityMiddleware_BurstIsFlaggedButAllowed(t *testing.T) {
	h := newSecurityHarness(t, config.RateLimitConfig{SuspiciousThreshold: 2, SuspiciousWindow: time.Minute})
	calls := 0

	for i := 0; i < 3; i++ {
		err := h.middleware.Execute(driverCtx(), withdrawalSpec(), func(context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, calls)
	suspicious := h.events(models.EventSuspiciousButAllowed)
	require.Len(t, suspicious, 1)
	assert.Equal(t, models.AuditMedium, suspicious[0].Severity)
	assert.Contains(t, suspicious[0].ComplianceFlags, "burst_activity")

	exits := h.events(models.EventSecureOperation)
	require.Len(t, exits, 3)
	assert.Equal(t, false, exits[0].EventData["suspicious"])
	assert.Equal(t, true, exits[2].EventData["suspicious"])
}

func TestSecurityMiddleware_BodyFailureStillAudited(t *testing.T) {
	h := newSecurityHarness(t, config.RateLimitConfig{})
	boom := apperrors.NewEncryptionError("failed to encrypt", errors.New("hsm offline"))

	err := h.middleware.Execute(driverCtx(), withdrawalSpec(), func(context.Context) error { return boom })

	assert.ErrorIs(t, err, boom)
	exits := h.events(models.EventSecureOperation)
	require.Len(t, exits, 1)
	assert.Equal(t, OutcomeFailure, exits[0].EventData["outcome"])
	assert.Equal(t, string(apperrors.KindEncryption), exits[0].EventData["error_kind"])
	assert.Equal(t, models.AuditLow, exits[0].Severity)
}

func TestSecurityMiddleware_AuditDisabled(t *testing.T) {
	h := newSecurityHarness(t, config.RateLimitConfig{})
	spec := withdrawalSpec()
	spec.AuditEnabled = false

	require.NoError(t, h.middleware.Execute(driverCtx(), spec, func(context.Context) error { return nil }))
	assert.Empty(t, h.auditRepo.All())
}

func TestSecurityMiddleware_AuditFailureDoesNotFailOperation(t *testing.T) {
	h := newSecurityHarness(t, config.RateLimitConfig{})
	h.auditRepo.SetFailure(errors.New("mongo down"))

	err := h.middleware.Execute(driverCtx(), withdrawalSpec(), func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestExecuteSecureOperation_ReturnsTypedResult(t *testing.T) {
	h := newSecurityHarness(t, config.RateLimitConfig{})

	got, err := ExecuteSecureOperation(driverCtx(), h.middleware, withdrawalSpec(), func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	got, err = ExecuteSecureOperation(driverCtx(), h.middleware, withdrawalSpec(), func(context.Context) (int, error) {
		return 7, errors.New("nope")
	})
	assert.Error(t, err)
	assert.Zero(t, got)
}

type failingWindowStore struct{}

func (failingWindowStore) Acquire(context.Context, string, time.Time, time.Duration, int) (bool, int, error) {
	return false, 0, errors.New("redis unavailable")
}

func TestSecurityMiddleware_CheckRateLimitStoreFailure(t *testing.T) {
	m := NewSecurityMiddleware(cache.NewMemorySessionStore(), failingWindowStore{}, nil, monitoring.NewNoopMetrics(), config.RateLimitConfig{})

	err := m.CheckRateLimit(context.Background(), "withdrawal", "drv-1", 5)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindSystem))
}

func TestSecurityMiddleware_SanitizeInput(t *testing.T) {
	h := newSecurityHarness(t, config.RateLimitConfig{})

	input := map[string]interface{}{
		"holder": "Ali <script>alert(1)</script>bin Abu",
		"note":   "<b>bold</b>",
		"link":   "JavaScript:void(0)",
		"img":    `<img src=x onerror=alert(1)>`,
		"amount": 150.5,
		"nested": map[string]interface{}{
			"bank": "<iframe src=evil></iframe>Maybank",
			"deep": map[string]interface{}{"x": "a>b"},
		},
		"tags":  []interface{}{"<i>x</i>", 3},
		"codes": []string{"MBB<"},
	}

	out := h.middleware.SanitizeInput(input)

	assert.Equal(t, "Ali bin Abu", out["holder"])
	assert.Equal(t, "bbold/b", out["note"])
	assert.Equal(t, "void(0)", out["link"])
	assert.Equal(t, "img src=x alert(1)", out["img"])
	assert.Equal(t, 150.5, out["amount"])
	nested := out["nested"].(map[string]interface{})
	assert.Equal(t, "Maybank", nested["bank"])
	assert.Equal(t, "ab", nested["deep"].(map[string]interface{})["x"])
	assert.Equal(t, []interface{}{"ix/i", 3}, out["tags"])
	assert.Equal(t, []string{"MBB"}, out["codes"])

	assert.Equal(t, "Ali <script>alert(1)</script>bin Abu", input["holder"], "input must not be modified")
	assert.Nil(t, h.middleware.SanitizeInput(nil))
}
