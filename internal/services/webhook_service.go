package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/idempotency"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/repositories"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/zinc"
)

const (
	webhookAppliedAuditAction  = "fulfillment.webhook_applied"
	providerIDConflictAction   = "fulfillment.provider_order_id_conflict"
	providerIDConflictSeverity = "warn"
)

// ErrWebhookOrderUnknown is returned when a push references a correlation id
// that no order carries. The handler maps this to a success response so the
// provider does not redeliver forever.
var ErrWebhookOrderUnknown = errors.New("webhook: no order for request id")

// WebhookServiceDeps bundles collaborators for the ingestion service.
type WebhookServiceDeps struct {
	Orders        repositories.OrderRepository
	Events        idempotency.EventStore
	Notifications NotificationService
	Audit         AuditLogService
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type webhookService struct {
	orders        repositories.OrderRepository
	events        idempotency.EventStore
	notifications NotificationService
	audit         AuditLogService
	clock         func() time.Time
	logger        func(ctx context.Context, event string, fields map[string]any)
}

// NewWebhookService constructs the webhook ingestion service.
func NewWebhookService(deps WebhookServiceDeps) (WebhookService, error) {
	if deps.Orders == nil {
		return nil, errors.New("webhook service: order repository is required")
	}
	if deps.Events == nil {
		return nil, errors.New("webhook service: event store is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &webhookService{
		orders:        deps.Orders,
		events:        deps.Events,
		notifications: deps.Notifications,
		audit:         deps.Audit,
		clock:         func() time.Time { return clock().UTC() },
		logger:        logger,
	}, nil
}

// ProcessEvent applies one verified provider push exactly once. Redeliveries
// are dropped by the event marker; racing deliveries of the same event resolve
// through the in-flight state.
func (s *webhookService) ProcessEvent(ctx context.Context, event WebhookEvent) (WebhookResult, error) {
	fingerprint := idempotency.Fingerprint(event.RawPayload)
	eventID := strings.TrimSpace(event.EventID)
	if eventID == "" {
		eventID = fingerprint
	}

	now := s.clock()
	claim, err := s.events.Begin(ctx, eventID, fingerprint, now, idempotency.DefaultTTL)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("webhook service: claim event %s: %w", eventID, err)
	}
	switch claim.State {
	case idempotency.ClaimStateDuplicate:
		return WebhookResult{Duplicate: true}, nil
	case idempotency.ClaimStateInFlight:
		// Another delivery of the same event is mid-application. Treating it
		// as a duplicate lets the provider's retry land after the first
		// delivery completes, where the marker drops it.
		return WebhookResult{Duplicate: true}, nil
	}

	result, err := s.apply(ctx, event, now)
	if err != nil {
		if releaseErr := s.events.Release(ctx, eventID); releaseErr != nil {
			s.logger(ctx, "webhook.marker_release_failed", map[string]any{
				"eventId": eventID,
				"error":   releaseErr.Error(),
			})
		}
		return WebhookResult{}, err
	}

	if err := s.events.Complete(ctx, eventID, s.clock(), idempotency.DefaultTTL); err != nil {
		// The order mutation is already committed and replays are no-ops
		// there, so a marker failure is logged rather than surfaced.
		s.logger(ctx, "webhook.marker_complete_failed", map[string]any{
			"eventId": eventID,
			"error":   err.Error(),
		})
	}
	return result, nil
}

func (s *webhookService) apply(ctx context.Context, event WebhookEvent, now time.Time) (WebhookResult, error) {
	requestID := strings.TrimSpace(event.Response.RequestID)
	if requestID == "" {
		return WebhookResult{}, fmt.Errorf("%w: payload carries no request id", ErrWebhookOrderUnknown)
	}

	order, err := s.orders.FindByFulfillmentRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, repositories.ErrOrderNotFound) {
			s.logger(ctx, "webhook.unknown_request_id", map[string]any{"requestId": requestID})
			return WebhookResult{}, ErrWebhookOrderUnknown
		}
		return WebhookResult{}, err
	}

	derivation := zinc.Derive(event.Response)
	if providerOrderIDConflict(order, derivation) {
		s.recordConflict(ctx, order, derivation)
	}

	updated, err := s.orders.Mutate(ctx, order.ID, func(o *domain.Order) (bool, error) {
		return applyDerivation(o, derivation, applySourceWebhook, now), nil
	})
	if err != nil {
		return WebhookResult{}, err
	}

	applied := updated.Version != order.Version
	if applied {
		s.recordAudit(ctx, updated, derivation)
		if s.notifications != nil {
			s.notifications.DispatchForStatus(ctx, updated)
		}
	}

	s.logger(ctx, "webhook.processed", map[string]any{
		"orderId":   updated.ID,
		"requestId": requestID,
		"applied":   applied,
		"status":    string(updated.Status),
	})
	return WebhookResult{
		OrderID: updated.ID,
		Applied: applied,
		Status:  updated.Status,
	}, nil
}

func (s *webhookService) recordConflict(ctx context.Context, order domain.Order, d zinc.Derivation) {
	s.logger(ctx, "webhook.provider_order_id_conflict", map[string]any{
		"orderId":   order.ID,
		"committed": *order.FulfillmentOrderID,
		"incoming":  d.ProviderOrderID,
	})
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		OrderRef: order.ID,
		Action:   providerIDConflictAction,
		Severity: providerIDConflictSeverity,
		Message:  "push carried a different provider order id; committed id kept",
		Metadata: map[string]any{
			"committed": *order.FulfillmentOrderID,
			"incoming":  d.ProviderOrderID,
		},
	})
}

func (s *webhookService) recordAudit(ctx context.Context, order domain.Order, d zinc.Derivation) {
	if s.audit == nil {
		return
	}
	metadata := map[string]any{
		"status":    string(order.Status),
		"rawStatus": d.RawStatus,
	}
	if d.FailureReason != "" {
		metadata["failureReason"] = d.FailureReason
	}
	s.audit.Record(ctx, AuditLogRecord{
		OrderRef: order.ID,
		Action:   webhookAppliedAuditAction,
		Message:  "provider webhook advanced the order",
		Metadata: metadata,
	})
}
