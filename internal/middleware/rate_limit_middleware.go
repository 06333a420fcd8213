package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"payout-security-api/internal/cache"
	"payout-security-api/internal/config"
	"payout-security-api/internal/models"
	"payout-security-api/internal/monitoring"
	"payout-security-api/internal/service"
)

type RateLimitMiddleware struct {
	global  *rate.Limiter
	windows cache.WindowStore
	metrics monitoring.MetricsService
	audit   service.AuditService
	logger  *logrus.Entry
}

type RateLimitInfo struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetTime  time.Time     `json:"reset_time"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// NewRateLimitMiddleware builds the HTTP limiters. Route refusals are audited
// when audit is non-nil.
func NewRateLimitMiddleware(windows cache.WindowStore, metrics monitoring.MetricsService, audit service.AuditService, cfg config.RateLimitConfig) *RateLimitMiddleware {
	limit := rate.Inf
	if cfg.GlobalRPS > 0 {
		limit = rate.Limit(cfg.GlobalRPS)
	}
	burst := cfg.GlobalBurst
	if burst <= 0 {
		burst = int(math.Max(1, cfg.GlobalRPS))
	}
	return &RateLimitMiddleware{
		global:  rate.NewLimiter(limit, burst),
		windows: windows,
		metrics: metrics,
		audit:   audit,
		logger:  logrus.WithField("component", "rate_limit_middleware"),
	}
}

// GlobalRateLimit sheds load process-wide before any store is touched.
func (r *RateLimitMiddleware) GlobalRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.global.Allow() {
			r.metrics.RecordRateLimitRejection("global")
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Global rate limit exceeded. Please try again later.",
				"retry_after": 1,
			})
			return
		}
		c.Next()
	}
}

// RouteRateLimit limits one route per authenticated principal, falling back to
// the client IP. Store errors let the request through; the secure operation
// layer applies its own limit.
func (r *RateLimitMiddleware) RouteRateLimit(operation string, perMinute int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if perMinute <= 0 {
			c.Next()
			return
		}

		identity := "ip:" + c.ClientIP()
		if principal, ok := PrincipalFromGin(c); ok {
			identity = "principal:" + principal.ID
		}

		now := time.Now()
		allowed, count, err := r.windows.Acquire(c.Request.Context(), "http:"+operation+":"+identity, now, time.Minute, perMinute)
		if err != nil {
			r.logger.WithError(err).WithField("operation", operation).Warn("Route rate limit unavailable")
			c.Header("X-RateLimit-Error", "unavailable")
			c.Next()
			return
		}

		info := &RateLimitInfo{
			Limit:     perMinute,
			Remaining: perMinute - count,
			ResetTime: now.Add(time.Minute),
		}
		if !allowed {
			info.Remaining = 0
			info.RetryAfter = time.Minute
		}
		setRateLimitHeaders(c, info)

		if !allowed {
			r.metrics.RecordRateLimitRejection(operation)
			auditRefusal(c, r.audit, r.logger, models.EventRateLimitExceeded, models.AuditMedium, map[string]interface{}{
				"operation": operation,
				"identity":  identity,
				"limit":     perMinute,
				"count":     count,
				"layer":     "http",
			})
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests for " + operation,
				"retry_after": int(info.RetryAfter.Seconds()),
			})
			return
		}
		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, info *RateLimitInfo) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	if info.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(info.RetryAfter.Seconds())))
	}
}
