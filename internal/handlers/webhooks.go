package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/httpx"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/idempotency"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/services"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/zinc"
)

const (
	webhookEventIDHeader = "X-Zinc-Event-Id"
	maxWebhookPayload    = 1 << 20
	webhookRateLimit     = 120
	webhookRateWindow    = time.Minute
)

// WebhookHandlers ingests provider push notifications.
type WebhookHandlers struct {
	service services.WebhookService
	limiter rateLimiter
}

// NewWebhookHandlers constructs the webhook HTTP handlers.
func NewWebhookHandlers(service services.WebhookService) (*WebhookHandlers, error) {
	if service == nil {
		return nil, errors.New("webhook handlers: webhook service is required")
	}
	return &WebhookHandlers{
		service: service,
		limiter: newSimpleRateLimiter(webhookRateLimit, webhookRateWindow, nil),
	}, nil
}

// Routes registers the webhook endpoints. Signature verification runs in the
// group middleware, so the handler only sees authenticated payloads.
func (h *WebhookHandlers) Routes(r chi.Router) {
	r.Post("/fulfillment", h.handleFulfillmentPush)
}

func (h *WebhookHandlers) handleFulfillmentPush(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(r.RemoteAddr) {
		httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many webhook deliveries", http.StatusTooManyRequests))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookPayload))
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_payload", "unable to read body", http.StatusBadRequest))
		return
	}

	var response zinc.StatusResponse
	if err := json.Unmarshal(body, &response); err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_payload", "payload is not valid JSON", http.StatusBadRequest))
		return
	}

	event := services.WebhookEvent{
		EventID:    strings.TrimSpace(r.Header.Get(webhookEventIDHeader)),
		RawPayload: body,
		Response:   response,
	}

	result, err := h.service.ProcessEvent(r.Context(), event)
	switch {
	case err == nil:
	case errors.Is(err, services.ErrWebhookOrderUnknown):
		// Acknowledge pushes for unknown correlation ids so the provider
		// stops redelivering them; the payload is logged service-side.
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	case errors.Is(err, idempotency.ErrFingerprintMismatch):
		httpx.WriteError(r.Context(), w, httpx.NewError("event_conflict", "event id reused with a different payload", http.StatusConflict))
		return
	default:
		httpx.WriteError(r.Context(), w, httpx.NewError("internal_error", "webhook processing failed", http.StatusInternalServerError))
		return
	}

	payload := map[string]any{
		"status":    "ok",
		"duplicate": result.Duplicate,
		"applied":   result.Applied,
	}
	if result.OrderID != "" {
		payload["orderId"] = result.OrderID
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}
