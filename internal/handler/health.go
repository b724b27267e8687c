package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PhilippMayorov/insiderTracker/internal/repository"
)

type HealthHandler struct {
	// Ping checks the backing store; nil means the service runs without one.
	Ping func(ctx context.Context) error
	Repo repository.Repository
}

func (h *HealthHandler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.GET("/readyz", h.ready)
	r.GET("/api/v1/pipeline/health", h.pipeline)
}

// @Summary Liveness check
// @Tags health
// @Success 200 {object} map[string]string
// @Router /healthz [get]
func (h *HealthHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// @Summary Readiness check
// @Tags health
// @Success 200 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /readyz [get]
func (h *HealthHandler) ready(c *gin.Context) {
	if h.Ping == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// pipeline reports the last run and the number of alerts under review.
//
// @Summary Pipeline health
// @Tags health
// @Security BearerAuth
// @Success 200 {object} apiResponse
// @Router /api/v1/pipeline/health [get]
func (h *HealthHandler) pipeline(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	ctx := c.Request.Context()
	runs, err := h.Repo.ListRuns(ctx, repository.ListRunsParams{Limit: 1})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	active, err := h.Repo.CountActiveAlerts(ctx)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	resp := gin.H{"active_alerts": active, "last_run": nil}
	if len(runs) > 0 {
		resp["last_run"] = runs[0]
	}
	Ok(c, resp, nil)
}
