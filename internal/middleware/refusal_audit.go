package middleware

import (
	"context"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"payout-security-api/internal/models"
	"payout-security-api/internal/service"
)

// auditRefusal records a request rejected at the HTTP layer, before it reaches
// a secure operation. A nil audit service disables recording.
func auditRefusal(c *gin.Context, audit service.AuditService, logger *logrus.Entry, eventType string, severity models.AuditSeverity, data map[string]interface{}) {
	if audit == nil {
		return
	}

	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	data["method"] = c.Request.Method
	data["path"] = path
	data["client_ip"] = c.ClientIP()
	if id := requestid.Get(c); id != "" {
		data["request_id"] = id
	}
	if principal, ok := PrincipalFromGin(c); ok {
		data["principal_id"] = principal.ID
		data["role"] = principal.Role
	}

	subject := models.SystemScoped("http")
	if driverID := c.Param("driverId"); driverID != "" {
		subject = models.DriverScoped(driverID)
	}

	rec := &models.AuditRecord{
		EventType: eventType,
		Subject:   subject,
		Severity:  severity,
		EventData: data,
	}
	if err := audit.Record(context.WithoutCancel(c.Request.Context()), rec); err != nil {
		logger.WithError(err).WithField("event_type", eventType).Warn("Failed to audit refused request")
	}
}
