package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/httpx"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/idempotency"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/services"
)

const defaultMarkerCleanupLimit = 500

// InternalHandlers exposes operator-only endpoints behind service auth.
type InternalHandlers struct {
	sweep  services.SweepService
	events idempotency.EventStore
	clock  func() time.Time
}

// NewInternalHandlers constructs the internal HTTP handlers.
func NewInternalHandlers(sweep services.SweepService, events idempotency.EventStore) (*InternalHandlers, error) {
	if sweep == nil {
		return nil, errors.New("internal handlers: sweep service is required")
	}
	return &InternalHandlers{
		sweep:  sweep,
		events: events,
		clock:  time.Now,
	}, nil
}

// Routes registers the internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	r.Post("/sweep", h.runSweep)
	r.Post("/webhook-markers/cleanup", h.cleanupMarkers)
}

// runSweep triggers one reconciliation run and returns its summary. The
// scheduler that calls this treats a non-2xx as a failed run.
func (h *InternalHandlers) runSweep(w http.ResponseWriter, r *http.Request) {
	summary, err := h.sweep.Run(r.Context())
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("sweep_failed", "reconciliation sweep failed", http.StatusInternalServerError))
		return
	}
	status := http.StatusOK
	if !summary.Healthy {
		status = http.StatusMultiStatus
	}
	httpx.WriteJSON(w, status, summary)
}

func (h *InternalHandlers) cleanupMarkers(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("not_implemented", "event store not configured", http.StatusNotImplemented))
		return
	}

	limit := defaultMarkerCleanupLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(r.Context(), w, httpx.NewError("invalid_limit", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = parsed
	}

	removed, err := h.events.CleanupExpired(r.Context(), h.clock().UTC(), limit)
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("cleanup_failed", "marker cleanup failed", http.StatusInternalServerError))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"removed": removed})
}
