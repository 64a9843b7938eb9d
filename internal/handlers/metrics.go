package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"omics-backend/internal/cache"
	"omics-backend/internal/metrics"
	"omics-backend/internal/store"
)

// SystemHandlers serves health and metrics.
type SystemHandlers struct {
	store store.Store
	cache cache.Cache
	met   *metrics.Metrics
}

func NewSystemHandlers(s store.Store, c cache.Cache, m *metrics.Metrics) *SystemHandlers {
	return &SystemHandlers{store: s, cache: c, met: m}
}

// Health reports liveness of the process and its two backing stores.
func (h *SystemHandlers) Health(c *gin.Context) {
	status := http.StatusOK
	db := "ok"
	if err := h.store.Ping(c.Request.Context()); err != nil {
		db = err.Error()
		status = http.StatusServiceUnavailable
	}
	kv := "ok"
	if err := h.cache.Ping(c.Request.Context()); err != nil {
		kv = err.Error()
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": "ok", "database": db, "cache": kv})
}

// Metrics exposes the Prometheus registry.
func (h *SystemHandlers) Metrics() gin.HandlerFunc {
	handler := promhttp.HandlerFor(h.met.Registry, promhttp.HandlerOpts{})
	return gin.WrapH(handler)
}
