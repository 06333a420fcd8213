package controller

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"payout-security-api/internal/monitoring"
)

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

type HealthController struct {
	checker monitoring.HealthChecker
	build   BuildInfo
}

func NewHealthController(checker monitoring.HealthChecker, build BuildInfo) *HealthController {
	if build.GoVersion == "" {
		build.GoVersion = runtime.Version()
	}
	return &HealthController{checker: checker, build: build}
}

// Health reports every component. Degraded components still answer 200.
func (h *HealthController) Health(ctx *gin.Context) {
	status := h.checker.CheckHealth(ctx.Request.Context())
	code := http.StatusOK
	if status.Status == monitoring.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	ctx.JSON(code, status)
}

// Ready answers 200 only when every component is healthy.
func (h *HealthController) Ready(ctx *gin.Context) {
	status := h.checker.CheckHealth(ctx.Request.Context())
	if status.Status != monitoring.StatusHealthy {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{
			"status":     "not_ready",
			"components": status.Components,
			"timestamp":  time.Now().UTC(),
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now().UTC(),
	})
}

func (h *HealthController) Version(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, h.build)
}
