package web

import (
	"net/http"
	"time"
)

// Check reports process, store and queue health. A degraded dependency
// turns the response into a 503 so probes stop routing traffic here.
func (h *HealthHandlers) Check(w http.ResponseWriter, r *http.Request) {
	healthy := true
	checks := map[string]string{"server": "healthy"}

	if err := h.Deps.Store.Health(r.Context()); err != nil {
		checks["database"] = "unhealthy"
		healthy = false
	} else {
		checks["database"] = "healthy"
	}

	switch {
	case h.Deps.Queue == nil:
		checks["queue"] = "not_configured"
	case h.Deps.Queue.Healthy(r.Context()):
		checks["queue"] = "healthy"
	default:
		checks["queue"] = "unhealthy"
		healthy = false
	}

	resp := map[string]any{
		"status":    "healthy",
		"service":   "sync-engine",
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	}

	if !healthy {
		resp["status"] = "degraded"
		renderJSON(w, http.StatusServiceUnavailable, resp)

		return
	}

	renderJSON(w, http.StatusOK, resp)
}
