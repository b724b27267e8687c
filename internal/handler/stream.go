package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// StreamHandler mounts the live alert stream and the metrics endpoint.
type StreamHandler struct {
	Stream  http.Handler
	Metrics http.Handler
}

func (h *StreamHandler) Register(r *gin.Engine) {
	if h.Stream != nil {
		r.GET("/api/v1/stream", gin.WrapH(h.Stream))
	}
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics))
	}
}
