package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PhilippMayorov/insiderTracker/internal/repository"
)

type AlertHandler struct {
	Repo repository.AlertRepository
}

func (h *AlertHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1")
	group.GET("/alerts", h.listAlerts)
	group.GET("/alerts/:id", h.getAlert)
	group.GET("/alerts/:id/revisions", h.listRevisions)
	group.GET("/alert-events", h.listEvents)
}

var alertOrder = map[string]string{
	"score":      "score",
	"created_at": "created_at",
	"updated_at": "updated_at",
	"revision":   "revision",
}

// @Summary List alerts
// @Tags alerts
// @Security BearerAuth
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Param status query string false "open|escalated|closed"
// @Param severity query string false "low|medium|high|critical"
// @Param wallet query string false "wallet address"
// @Param market_id query string false "market id"
// @Param min_score query number false "minimum composite score"
// @Param order_by query string false "score|created_at|updated_at|revision"
// @Param asc query bool false "ascending"
// @Success 200 {object} apiResponse
// @Router /api/v1/alerts [get]
func (h *AlertHandler) listAlerts(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	params := repository.ListAlertsParams{
		Limit:    limit,
		Offset:   offset,
		Status:   strQueryPtr(c, "status"),
		Severity: strQueryPtr(c, "severity"),
		Wallet:   strQueryPtr(c, "wallet"),
		MarketID: strQueryPtr(c, "market_id"),
		MinScore: floatQueryPtr(c, "min_score"),
		OrderBy:  parseOrder(c.Query("order_by"), alertOrder),
		Asc:      boolQueryPtr(c, "asc"),
	}
	ctx := c.Request.Context()
	items, err := h.Repo.ListAlerts(ctx, params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountAlerts(ctx, params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

// @Summary Get alert
// @Tags alerts
// @Security BearerAuth
// @Param id path string true "alert id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/alerts/{id} [get]
func (h *AlertHandler) getAlert(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	item, err := h.Repo.GetAlert(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		Error(c, http.StatusNotFound, "alert not found", nil)
		return
	}
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}

// @Summary List alert revisions
// @Tags alerts
// @Security BearerAuth
// @Param id path string true "alert id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/alerts/{id}/revisions [get]
func (h *AlertHandler) listRevisions(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	items, err := h.Repo.ListAlertRevisions(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if len(items) == 0 {
		Error(c, http.StatusNotFound, "alert not found", nil)
		return
	}
	Ok(c, items, nil)
}

// listEvents pages the alert stream by sequence; clients pass the last seq they saw.
//
// @Summary List alert events
// @Tags alerts
// @Security BearerAuth
// @Param after_id query int false "last sequence seen"
// @Param limit query int false "limit"
// @Success 200 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Router /api/v1/alert-events [get]
func (h *AlertHandler) listEvents(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	var after uint64
	if raw := strings.TrimSpace(c.Query("after_id")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			Error(c, http.StatusBadRequest, "after_id must be a sequence number", nil)
			return
		}
		after = v
	}
	limit := intQuery(c, "limit", 100)
	items, err := h.Repo.ListAlertEvents(c.Request.Context(), after, limit)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	next := after
	if len(items) > 0 {
		next = items[len(items)-1].Seq
	}
	Ok(c, items, map[string]any{"next_after_id": next})
}
