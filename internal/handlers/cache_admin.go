package handlers

import (
	"net/http"

	"stancestream-gateway/internal/cache"
	"stancestream-gateway/pkg/logging"

	"go.uber.org/zap"
)

// CacheAdminHandler exposes cache maintenance under /v1/cache.
type CacheAdminHandler struct {
	Cache cache.SemanticCache
}

func NewCacheAdminHandler(c cache.SemanticCache) *CacheAdminHandler {
	return &CacheAdminHandler{Cache: c}
}

// Metrics handles GET /v1/cache/metrics.
func (h *CacheAdminHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.Cache.Metrics(r.Context())
	if err != nil {
		logging.L(r.Context()).Error("cache metrics snapshot failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "metrics_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ResetMetrics handles POST /v1/cache/metrics/reset.
func (h *CacheAdminHandler) ResetMetrics(w http.ResponseWriter, r *http.Request) {
	if err := h.Cache.ResetMetrics(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "metrics_unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sweep handles POST /v1/cache/sweep.
func (h *CacheAdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.Cache.Sweep(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":   "index_unavailable",
			"deleted": n,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// Clear handles DELETE /v1/cache.
func (h *CacheAdminHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.Cache.Clear(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "index_unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
