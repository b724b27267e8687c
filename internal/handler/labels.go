package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PhilippMayorov/insiderTracker/internal/labeler"
)

// LabelHandler exposes the insider-sensitivity classifier used by the feature layer.
type LabelHandler struct {
	Labeler *labeler.MarketLabeler
}

func (h *LabelHandler) Register(r *gin.Engine) {
	r.POST("/api/v1/labels/classify", h.classify)
}

type classifyRequest struct {
	Question string   `json:"question" binding:"required"`
	Tags     []string `json:"tags"`
}

// @Summary Classify market insider sensitivity
// @Tags labels
// @Security BearerAuth
// @Accept json
// @Param body body classifyRequest true "market question and tags"
// @Success 200 {object} apiResponse
// @Router /api/v1/labels/classify [post]
func (h *LabelHandler) classify(c *gin.Context) {
	if h.Labeler == nil {
		Error(c, http.StatusInternalServerError, "labeler unavailable", nil)
		return
	}
	var req classifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	label := h.Labeler.Classify(strings.TrimSpace(req.Question), req.Tags)
	Ok(c, gin.H{
		"sensitivity": label.Sensitivity,
		"score":       label.Sensitivity.Score(),
		"categories":  label.Categories,
	}, nil)
}
