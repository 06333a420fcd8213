package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"payout-security-api/internal/monitoring"
)

type LoggingMiddleware struct {
	logger        *logrus.Logger
	metrics       monitoring.MetricsService
	slowThreshold time.Duration
	excludePaths  map[string]bool
}

func NewLoggingMiddleware(logger *logrus.Logger, metrics monitoring.MetricsService, slowThreshold time.Duration) *LoggingMiddleware {
	if slowThreshold <= 0 {
		slowThreshold = 2 * time.Second
	}
	return &LoggingMiddleware{
		logger:        logger,
		metrics:       metrics,
		slowThreshold: slowThreshold,
		excludePaths: map[string]bool{
			"/health":  true,
			"/ready":   true,
			"/metrics": true,
		},
	}
}

// RequestLogger logs one line per request and feeds the HTTP metrics. Request
// bodies are never logged: they carry bank details.
func (l *LoggingMiddleware) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := c.Writer.Status()
		l.metrics.RecordHTTPRequest(c.Request.Method, endpoint, status, latency)

		if l.excludePaths[c.Request.URL.Path] {
			return
		}

		entry := l.logger.WithFields(logrus.Fields{
			"request_id":    requestid.Get(c),
			"method":        c.Request.Method,
			"path":          endpoint,
			"status_code":   status,
			"latency_ms":    latency.Milliseconds(),
			"client_ip":     c.ClientIP(),
			"response_size": c.Writer.Size(),
		})
		if principal, ok := PrincipalFromGin(c); ok {
			entry = entry.WithFields(logrus.Fields{
				"principal_id": principal.ID,
				"role":         principal.Role,
			})
		}
		if len(c.Errors) > 0 {
			entry = entry.WithField("error", c.Errors.String())
		}
		if latency > l.slowThreshold {
			entry = entry.WithField("slow_request", true)
		}

		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("Server error")
		case status >= http.StatusBadRequest:
			entry.Warn("Client error")
		case latency > l.slowThreshold:
			entry.Warn("Slow request detected")
		default:
			entry.Info("Request completed")
		}
	}
}

// Recovery converts panics into a 500 and logs them with the request id.
func (l *LoggingMiddleware) Recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered interface{}) {
		l.logger.WithFields(logrus.Fields{
			"request_id": requestid.Get(c),
			"path":       c.Request.URL.Path,
			"panic":      fmt.Sprint(recovered),
		}).Error("Recovered from panic")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "internal server error",
		})
	})
}
