package http

import (
	"net/http"

	"peercall/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HealthHandler struct {
	checker  *monitoring.HealthChecker
	gatherer prometheus.Gatherer
}

// NewHealthHandler serves /health from checker and, when gatherer is
// non-nil, /metrics from gatherer.
func NewHealthHandler(checker *monitoring.HealthChecker, gatherer prometheus.Gatherer) *HealthHandler {
	return &HealthHandler{checker: checker, gatherer: gatherer}
}

func (h *HealthHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

func (h *HealthHandler) Health(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
