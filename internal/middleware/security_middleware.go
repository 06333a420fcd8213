package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"payout-security-api/internal/cache"
	"payout-security-api/internal/config"
	"payout-security-api/internal/models"
	"payout-security-api/internal/monitoring"
	"payout-security-api/internal/service"
	apperrors "payout-security-api/pkg/errors"
)

// OperationSpec describes one sensitive operation run through the middleware.
// PrincipalID defaults to the authenticated caller; Resource is the driver id
// that owns the data being touched. MaxPerMinute <= 0 disables the hard limit.
type OperationSpec struct {
	Name               string
	PrincipalID        string
	Resource           string
	RequiresValidation bool
	AuditEnabled       bool
	MaxPerMinute       int
}

const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeDenied      = "denied"
	OutcomeRateLimited = "rate_limited"
)

type SecurityMiddleware interface {
	// Execute runs body under session, rate-limit and burst checks and writes
	// one exit audit record when the operation has auditing enabled.
	Execute(ctx context.Context, spec OperationSpec, body func(ctx context.Context) error) error
	CheckRateLimit(ctx context.Context, operation, principalID string, maxPerMinute int) error
	SanitizeInput(input map[string]interface{}) map[string]interface{}
	SecurityHeaders() gin.HandlerFunc
}

// ExecuteSecureOperation is the typed form of SecurityMiddleware.Execute.
func ExecuteSecureOperation[T any](ctx context.Context, m SecurityMiddleware, spec OperationSpec, body func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := m.Execute(ctx, spec, func(ctx context.Context) error {
		var err error
		result, err = body(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

type securityMiddleware struct {
	sessions cache.SessionStore
	windows  cache.WindowStore
	audit    service.AuditService
	metrics  monitoring.MetricsService
	cfg      config.RateLimitConfig
	logger   *logrus.Entry
	now      func() time.Time
}

func NewSecurityMiddleware(
	sessions cache.SessionStore,
	windows cache.WindowStore,
	audit service.AuditService,
	metrics monitoring.MetricsService,
	cfg config.RateLimitConfig,
) SecurityMiddleware {
	if cfg.SuspiciousThreshold <= 0 {
		cfg.SuspiciousThreshold = 5
	}
	if cfg.SuspiciousWindow <= 0 {
		cfg.SuspiciousWindow = time.Minute
	}
	return &securityMiddleware{
		sessions: sessions,
		windows:  windows,
		audit:    audit,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logrus.WithField("component", "security_middleware"),
		now:      time.Now,
	}
}

func (s *securityMiddleware) Execute(ctx context.Context, spec OperationSpec, body func(ctx context.Context) error) error {
	start := s.now()
	exit := exitState{outcome: OutcomeSuccess}

	principal, hasPrincipal := models.PrincipalFrom(ctx)
	if spec.PrincipalID == "" && hasPrincipal {
		spec.PrincipalID = principal.ID
	}

	err := s.guard(ctx, spec, principal, hasPrincipal, &exit)
	if err == nil {
		err = body(ctx)
		if err != nil {
			exit.outcome = OutcomeFailure
		}
	}

	duration := s.now().Sub(start)
	s.metrics.RecordSecureOperation(spec.Name, exit.outcome, duration)
	if spec.AuditEnabled {
		s.recordExit(ctx, spec, exit, duration, err)
	}
	return err
}

type exitState struct {
	outcome    string
	suspicious bool
	burstCount int
}

func (s *securityMiddleware) guard(ctx context.Context, spec OperationSpec, principal models.Principal, hasPrincipal bool, exit *exitState) error {
	if spec.RequiresValidation {
		if err := s.validateSession(ctx, spec, principal, hasPrincipal); err != nil {
			exit.outcome = OutcomeDenied
			return err
		}
	}

	if spec.MaxPerMinute > 0 {
		if err := s.CheckRateLimit(ctx, spec.Name, spec.PrincipalID, spec.MaxPerMinute); err != nil {
			if apperrors.IsKind(err, apperrors.KindRateLimit) {
				exit.outcome = OutcomeRateLimited
			} else {
				exit.outcome = OutcomeFailure
			}
			return err
		}
	}

	exit.suspicious, exit.burstCount = s.detectBurst(ctx, spec)
	if exit.suspicious {
		s.metrics.RecordSuspiciousOperation(spec.Name)
		s.recordSuspicious(ctx, spec, exit.burstCount)
	}
	return nil
}

func (s *securityMiddleware) validateSession(ctx context.Context, spec OperationSpec, principal models.Principal, hasPrincipal bool) error {
	if !hasPrincipal || principal.SessionID == "" {
		return apperrors.ErrSessionInvalid
	}

	session, err := s.sessions.Get(ctx, principal.SessionID)
	if err != nil {
		if errors.Is(err, cache.ErrSessionNotFound) {
			return apperrors.ErrSessionInvalid
		}
		return apperrors.NewSystemError("failed to load session", err)
	}
	if !session.Valid(s.now()) || session.PrincipalID != principal.ID {
		return apperrors.ErrSessionInvalid
	}

	if spec.PrincipalID != principal.ID {
		return apperrors.NewSecurityError("access denied", "principal does not match session")
	}
	if spec.Resource != "" && spec.Resource != principal.ID && !principal.IsAdmin() {
		return apperrors.NewSecurityError("access denied",
			fmt.Sprintf("%s may not act on resource %s", principal.ID, spec.Resource))
	}
	return nil
}

// CheckRateLimit admits the call when fewer than maxPerMinute calls for the
// same (operation, principal) pair landed in the last minute.
func (s *securityMiddleware) CheckRateLimit(ctx context.Context, operation, principalID string, maxPerMinute int) error {
	window := models.RateLimitWindow{
		Key:         fmt.Sprintf("%s:%s", operation, principalID),
		Operation:   operation,
		PrincipalID: principalID,
		WindowStart: s.now().Add(-time.Minute),
		WindowSize:  time.Minute,
	}

	allowed, count, err := s.windows.Acquire(ctx, window.Key, s.now(), window.WindowSize, maxPerMinute)
	if err != nil {
		return apperrors.NewSystemError("failed to check rate limit", err)
	}
	window.Count = count
	if allowed {
		return nil
	}

	s.metrics.RecordRateLimitRejection(operation)
	s.logger.WithFields(logrus.Fields{
		"operation":    operation,
		"principal_id": principalID,
		"count":        window.Count,
		"limit":        maxPerMinute,
	}).Warn("Rate limit exceeded")
	return apperrors.NewRateLimitError(operation, maxPerMinute)
}

// detectBurst never blocks: store errors are logged and treated as quiet.
func (s *securityMiddleware) detectBurst(ctx context.Context, spec OperationSpec) (bool, int) {
	key := fmt.Sprintf("burst:%s:%s", spec.Name, spec.PrincipalID)
	_, count, err := s.windows.Acquire(ctx, key, s.now(), s.cfg.SuspiciousWindow, -1)
	if err != nil {
		s.logger.WithError(err).WithField("operation", spec.Name).Warn("Burst pre-check unavailable")
		return false, 0
	}
	return count > s.cfg.SuspiciousThreshold, count
}

func (s *securityMiddleware) recordSuspicious(ctx context.Context, spec OperationSpec, count int) {
	err := s.audit.Record(ctx, &models.AuditRecord{
		EventType: models.EventSuspiciousButAllowed,
		Subject:   subjectFor(spec),
		Severity:  models.AuditMedium,
		EventData: map[string]interface{}{
			"operation":      spec.Name,
			"principal_id":   spec.PrincipalID,
			"resource":       spec.Resource,
			"recent_count":   count,
			"window_seconds": s.cfg.SuspiciousWindow.Seconds(),
			"threshold":      s.cfg.SuspiciousThreshold,
		},
		ComplianceFlags: []string{"burst_activity"},
	})
	if err != nil {
		s.logger.WithError(err).Warn("Failed to audit suspicious operation")
	}
}

func (s *securityMiddleware) recordExit(ctx context.Context, spec OperationSpec, exit exitState, duration time.Duration, opErr error) {
	rec := &models.AuditRecord{
		EventType: models.EventSecureOperation,
		Subject:   subjectFor(spec),
		Severity:  models.AuditInfo,
		EventData: map[string]interface{}{
			"operation":    spec.Name,
			"principal_id": spec.PrincipalID,
			"resource":     spec.Resource,
			"outcome":      exit.outcome,
			"duration_ms":  duration.Milliseconds(),
			"suspicious":   exit.suspicious,
		},
	}

	switch exit.outcome {
	case OutcomeDenied:
		rec.EventType = models.EventSecurityViolation
		rec.Severity = models.AuditHigh
	case OutcomeRateLimited:
		rec.EventType = models.EventRateLimitExceeded
		rec.Severity = models.AuditMedium
	case OutcomeFailure:
		rec.Severity = models.AuditLow
	}
	if opErr != nil {
		rec.EventData["error"] = opErr.Error()
		if kind, ok := apperrors.KindOf(opErr); ok {
			rec.EventData["error_kind"] = string(kind)
		}
	}
	if exit.suspicious {
		rec.ComplianceFlags = append(rec.ComplianceFlags, "burst_activity")
	}

	if err := s.audit.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.WithError(err).WithField("operation", spec.Name).Warn("Failed to audit secure operation")
	}
}

func subjectFor(spec OperationSpec) models.EntityRef {
	if spec.Resource != "" {
		return models.DriverScoped(spec.Resource)
	}
	return models.SystemScoped(spec.Name)
}

var scriptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script\s*>`),
	regexp.MustCompile(`(?is)<iframe[^>]*>.*?</iframe\s*>`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
}

var markupReplacer = strings.NewReplacer("<", "", ">", "")

// SanitizeInput returns a copy of input with script-like substrings and markup
// delimiters removed from every string, descending into maps and slices.
func (s *securityMiddleware) SanitizeInput(input map[string]interface{}) map[string]interface{} {
	return sanitizeMap(input)
}

func sanitizeMap(input map[string]interface{}) map[string]interface{} {
	if input == nil {
		return nil
	}
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return sanitizeString(val)
	case map[string]interface{}:
		return sanitizeMap(val)
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = sanitizeString(s)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = sanitizeString(item)
		}
		return out
	default:
		return v
	}
}

func sanitizeString(s string) string {
	for _, p := range scriptPatterns {
		s = p.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(markupReplacer.Replace(s))
}

// SecurityHeaders adds hardening headers; every API response carries
// payout data so caching is always disabled.
func (s *securityMiddleware) SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		if c.Request.TLS != nil {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

// BodySizeLimit rejects requests whose declared length exceeds maxBytes and
// caps reads for the rest.
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": fmt.Sprintf("request body exceeds %d bytes", maxBytes),
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
