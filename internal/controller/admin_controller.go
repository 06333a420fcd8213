package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"payout-security-api/internal/middleware"
	"payout-security-api/internal/service"
)

// MaintenanceRunner exposes the scheduled maintenance jobs for on-demand runs.
type MaintenanceRunner interface {
	ReplayAudit(ctx context.Context) (int, error)
	PurgeKeys(ctx context.Context) (int, error)
}

type AdminController struct {
	security    middleware.SecurityMiddleware
	encryptor   service.EncryptionService
	audit       service.AuditService
	maintenance MaintenanceRunner
}

func NewAdminController(
	security middleware.SecurityMiddleware,
	encryptor service.EncryptionService,
	audit service.AuditService,
	maintenance MaintenanceRunner,
) *AdminController {
	return &AdminController{
		security:    security,
		encryptor:   encryptor,
		audit:       audit,
		maintenance: maintenance,
	}
}

// @Summary Erase every key version for an offboarded driver
// @Tags admin
// @Param driverId path string true "Driver ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/v1/drivers/{driverId}/keys [delete]
func (c *AdminController) DeleteKeys(ctx *gin.Context) {
	driverID := ctx.Param("driverId")

	spec := middleware.OperationSpec{
		Name:               "key_deletion",
		Resource:           driverID,
		RequiresValidation: true,
		AuditEnabled:       true,
	}
	err := c.security.Execute(ctx.Request.Context(), spec, func(opCtx context.Context) error {
		return c.encryptor.DeleteKey(opCtx, driverID)
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

// @Summary Purge retired key versions past retention
// @Tags admin
// @Success 200 {object} MaintenanceResponse
// @Security BearerAuth
// @Router /api/v1/admin/keys/purge [post]
func (c *AdminController) PurgeRetiredKeys(ctx *gin.Context) {
	c.runMaintenance(ctx, "key_purge", c.maintenance.PurgeKeys)
}

// @Summary Replay audit records held in the fallback queue
// @Tags admin
// @Success 200 {object} MaintenanceResponse
// @Security BearerAuth
// @Router /api/v1/admin/audit/replay [post]
func (c *AdminController) ReplayAudit(ctx *gin.Context) {
	c.runMaintenance(ctx, "audit_replay", c.maintenance.ReplayAudit)
}

// @Summary Audit fallback queue status
// @Tags admin
// @Success 200 {object} AuditStatusResponse
// @Security BearerAuth
// @Router /api/v1/admin/audit/status [get]
func (c *AdminController) GetAuditStatus(ctx *gin.Context) {
	depth := c.audit.FallbackDepth()
	ctx.JSON(http.StatusOK, AuditStatusResponse{
		FallbackDepth: depth,
		Degraded:      depth > 0,
	})
}

func (c *AdminController) runMaintenance(ctx *gin.Context, name string, job func(ctx context.Context) (int, error)) {
	spec := middleware.OperationSpec{
		Name:               name,
		RequiresValidation: true,
		AuditEnabled:       true,
	}
	start := time.Now()
	n, err := middleware.ExecuteSecureOperation(ctx.Request.Context(), c.security, spec, job)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, MaintenanceResponse{
		Job:       name,
		Processed: n,
		Duration:  time.Since(start).String(),
	})
}

type MaintenanceResponse struct {
	Job       string `json:"job"`
	Processed int    `json:"processed"`
	Duration  string `json:"duration"`
}

type AuditStatusResponse struct {
	FallbackDepth int  `json:"fallback_depth"`
	Degraded      bool `json:"degraded"`
}
