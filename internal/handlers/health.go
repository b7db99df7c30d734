package handlers

import (
	"net/http"
	"time"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/httpx"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/repositories"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	readiness repositories.HealthRepository
	started   time.Time
	clock     func() time.Time
}

// NewHealthHandlers constructs probe handlers. A nil readiness repository makes
// /readyz succeed unconditionally, which keeps local runs simple.
func NewHealthHandlers(readiness repositories.HealthRepository) *HealthHandlers {
	return &HealthHandlers{
		readiness: readiness,
		started:   time.Now(),
		clock:     time.Now,
	}
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    now.Sub(h.started).String(),
		"timestamp": now.UTC().Format(time.RFC3339),
	})
}

// Readyz reports whether backing dependencies answer.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.readiness != nil {
		if err := h.readiness.CheckReadiness(r.Context()); err != nil {
			httpx.WriteError(r.Context(), w, httpx.NewError("not_ready", err.Error(), http.StatusServiceUnavailable))
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
