package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/httpx"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/repositories"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/services"
)

// OrderHandlers exposes the read/admin surface over fulfillment orders.
type OrderHandlers struct {
	orders services.OrderService
	audit  repositories.AuditLogRepository
}

// NewOrderHandlers constructs the order HTTP handlers.
func NewOrderHandlers(orders services.OrderService, audit repositories.AuditLogRepository) (*OrderHandlers, error) {
	if orders == nil {
		return nil, errors.New("order handlers: order service is required")
	}
	return &OrderHandlers{orders: orders, audit: audit}, nil
}

// Routes registers the order endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	r.Get("/{orderId}", h.getOrder)
	r.Get("/{orderId}/audit", h.listAudit)
	r.Post("/{orderId}/retry", h.requestRetry)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	order, err := h.orders.GetOrder(r.Context(), orderID)
	if err != nil {
		writeOrderError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderPayload(order))
}

func (h *OrderHandlers) listAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("not_implemented", "audit log not configured", http.StatusNotImplemented))
		return
	}
	orderID := chi.URLParam(r, "orderId")
	entries, err := h.audit.ListByOrder(r.Context(), orderID, 50)
	if err != nil {
		writeOrderError(w, r, err)
		return
	}

	payload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, map[string]any{
			"id":        entry.ID,
			"action":    entry.Action,
			"severity":  entry.Severity,
			"message":   entry.Message,
			"metadata":  entry.Metadata,
			"createdAt": entry.CreatedAt.Format(time.RFC3339),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": payload})
}

func (h *OrderHandlers) requestRetry(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	order, err := h.orders.RequestRetry(r.Context(), orderID)
	if err != nil {
		writeOrderError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, orderPayload(order))
}

func writeOrderError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repositories.ErrOrderNotFound):
		httpx.WriteError(r.Context(), w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrRetryNotEligible):
		httpx.WriteError(r.Context(), w, httpx.NewError("retry_not_eligible", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(r.Context(), w, httpx.NewError("internal_error", "request failed", http.StatusInternalServerError))
	}
}

func orderPayload(order domain.Order) map[string]any {
	payload := map[string]any{
		"id":            order.ID,
		"orderNumber":   order.OrderNumber,
		"status":        string(order.Status),
		"paymentStatus": string(order.PaymentStatus),
		"rawStatus":     order.FulfillmentRawStatus,
		"retryCount":    order.RetryCount,
		"version":       order.Version,
		"createdAt":     order.CreatedAt.Format(time.RFC3339),
		"updatedAt":     order.UpdatedAt.Format(time.RFC3339),
	}
	if order.FulfillmentRequestID != nil {
		payload["fulfillmentRequestId"] = *order.FulfillmentRequestID
	}
	if order.FulfillmentOrderID != nil {
		payload["fulfillmentOrderId"] = *order.FulfillmentOrderID
	}
	if order.NextRetryAt != nil {
		payload["nextRetryAt"] = order.NextRetryAt.Format(time.RFC3339)
	}
	if order.TrackingNumber != "" {
		payload["tracking"] = map[string]any{
			"number":  order.TrackingNumber,
			"url":     order.TrackingURL,
			"carrier": order.Carrier,
		}
	}
	if order.FailureReason != "" {
		payload["failureReason"] = order.FailureReason
	}
	if len(order.TimelineEvents) > 0 {
		events := make([]map[string]any, 0, len(order.TimelineEvents))
		for _, event := range order.TimelineEvents {
			events = append(events, map[string]any{
				"type":        event.Type,
				"description": event.Description,
				"occurredAt":  event.OccurredAt.Format(time.RFC3339),
			})
		}
		payload["timeline"] = events
	}
	return payload
}
