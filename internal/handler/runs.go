package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PhilippMayorov/insiderTracker/internal/pipeline"
	"github.com/PhilippMayorov/insiderTracker/internal/repository"
	"github.com/PhilippMayorov/insiderTracker/internal/runlock"
	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

// RunTrigger starts a pipeline run synchronously.
type RunTrigger interface {
	Run(ctx context.Context, window trades.Window, trigger string) (*pipeline.Report, error)
}

type RunHandler struct {
	Repo    repository.RunRepository
	Trigger RunTrigger
}

func (h *RunHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/runs")
	group.GET("", h.listRuns)
	group.GET("/:id", h.getRun)
	group.GET("/:id/scores", h.listScores)
	group.GET("/:id/signals", h.listSignals)
	group.POST("", h.trigger)
}

// @Summary List pipeline runs
// @Tags runs
// @Security BearerAuth
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Param status query string false "run status"
// @Param window query string false "window key"
// @Success 200 {object} apiResponse
// @Router /api/v1/runs [get]
func (h *RunHandler) listRuns(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	items, err := h.Repo.ListRuns(c.Request.Context(), repository.ListRunsParams{
		Limit:     limit,
		Offset:    offset,
		Status:    strQueryPtr(c, "status"),
		WindowKey: strQueryPtr(c, "window"),
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, int64(len(items))))
}

// @Summary Get run with detector failures
// @Tags runs
// @Security BearerAuth
// @Param id path string true "run id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/runs/{id} [get]
func (h *RunHandler) getRun(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	ctx := c.Request.Context()
	id := strings.TrimSpace(c.Param("id"))
	run, err := h.Repo.GetRun(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		Error(c, http.StatusNotFound, "run not found", nil)
		return
	}
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	failures, err := h.Repo.ListFailuresByRun(ctx, id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, gin.H{"run": run, "failures": failures}, nil)
}

// @Summary List composite scores of a run
// @Tags runs
// @Security BearerAuth
// @Param id path string true "run id"
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Param wallet query string false "wallet address"
// @Param market_id query string false "market id"
// @Param min_score query number false "minimum score"
// @Success 200 {object} apiResponse
// @Router /api/v1/runs/{id}/scores [get]
func (h *RunHandler) listScores(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)
	items, err := h.Repo.ListScores(c.Request.Context(), repository.ListScoresParams{
		Limit:    limit,
		Offset:   offset,
		RunID:    &id,
		Wallet:   strQueryPtr(c, "wallet"),
		MarketID: strQueryPtr(c, "market_id"),
		MinScore: floatQueryPtr(c, "min_score"),
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, int64(len(items))))
}

// @Summary List signals of a run
// @Tags runs
// @Security BearerAuth
// @Param id path string true "run id"
// @Success 200 {object} apiResponse
// @Router /api/v1/runs/{id}/signals [get]
func (h *RunHandler) listSignals(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	items, err := h.Repo.ListSignalsByRun(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

type triggerRequest struct {
	Start time.Time `json:"start" binding:"required"`
	End   time.Time `json:"end" binding:"required"`
}

// @Summary Run the pipeline over a window
// @Tags runs
// @Security BearerAuth
// @Accept json
// @Param body body triggerRequest true "window bounds"
// @Success 200 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Failure 422 {object} apiResponse
// @Router /api/v1/runs [post]
func (h *RunHandler) trigger(c *gin.Context) {
	if h.Trigger == nil {
		Error(c, http.StatusServiceUnavailable, "pipeline unavailable", nil)
		return
	}
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	window := trades.Window{Start: req.Start.UTC(), End: req.End.UTC()}
	if err := window.Validate(); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	rep, err := h.Trigger.Run(c.Request.Context(), window, "api")
	if errors.Is(err, runlock.ErrLocked) {
		Error(c, http.StatusConflict, err.Error(), nil)
		return
	}
	var verr *trades.ValidationError
	if errors.As(err, &verr) {
		Error(c, http.StatusUnprocessableEntity, err.Error(), map[string]any{"problems": verr.Problems})
		return
	}
	if err != nil {
		meta := map[string]any{}
		if rep != nil {
			meta["run_id"] = rep.RunID
			meta["status"] = rep.Status
		}
		Error(c, http.StatusInternalServerError, err.Error(), meta)
		return
	}
	Ok(c, gin.H{
		"run_id":           rep.RunID,
		"status":           rep.Status,
		"window":           rep.Window.Key(),
		"trades":           rep.Trades,
		"keys":             rep.Keys,
		"signals":          len(rep.Signals),
		"failures":         len(rep.Failures),
		"alerts_created":   rep.Created,
		"alerts_escalated": rep.Escalated,
		"alerts_closed":    rep.Closed,
		"policy_version":   rep.PolicyVersion,
	}, nil)
}
