package services

import (
	"time"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/zinc"
)

// applySource distinguishes which path advanced the order.
type applySource string

const (
	applySourceWebhook applySource = "webhook"
	applySourcePoll    applySource = "poll"
)

// applyDerivation folds a derivation into the order under the monotonic-write
// rules shared by the webhook and polling paths: fields are written only when
// null or advancing, a terminal status is never regressed, and the provider
// order id is write-once. Returns true when anything changed.
//
// Replays and races resolve to no-ops here, so whichever path arrives first
// wins and the second application leaves the order untouched.
func applyDerivation(order *domain.Order, d zinc.Derivation, source applySource, now time.Time) bool {
	if !d.Changed {
		return false
	}

	changed := false
	now = now.UTC()

	if d.ProviderOrderID != "" && !order.Accepted() {
		id := d.ProviderOrderID
		order.FulfillmentOrderID = &id
		changed = true
	}

	if advanceStatus(order, d, now) {
		changed = true
	}

	if d.RawStatus != "" && order.FulfillmentRawStatus != d.RawStatus {
		order.FulfillmentRawStatus = d.RawStatus
		changed = true
	}

	if mergeTracking(order, d.Tracking) {
		changed = true
	}

	if appendTimelineEvents(order, d.Events) {
		changed = true
	}

	// The path timestamp records which route advanced the order, so it moves
	// only when something else did.
	if changed {
		touchPathTimestamp(order, source, now)
	}

	return changed
}

// providerOrderIDConflict reports whether a derivation carries a provider
// order id different from the one already committed. The committed id is
// write-once, so the incoming id is ignored but callers surface the conflict.
func providerOrderIDConflict(order domain.Order, d zinc.Derivation) bool {
	return d.ProviderOrderID != "" && order.Accepted() && *order.FulfillmentOrderID != d.ProviderOrderID
}

func advanceStatus(order *domain.Order, d zinc.Derivation, now time.Time) bool {
	target := d.Status
	if target == order.Status {
		return false
	}
	if !order.Status.CanTransitionTo(target) {
		return false
	}

	order.Status = target
	switch target {
	case domain.OrderStatusShipped:
		if order.ShippedAt == nil {
			ts := now
			order.ShippedAt = &ts
		}
	case domain.OrderStatusDelivered:
		if order.DeliveredAt == nil {
			ts := now
			if d.Tracking.DeliveredAt != nil {
				ts = d.Tracking.DeliveredAt.UTC()
			}
			order.DeliveredAt = &ts
		}
	case domain.OrderStatusFailed:
		if order.FailedAt == nil {
			ts := now
			order.FailedAt = &ts
		}
		if order.FailureReason == "" {
			order.FailureReason = d.FailureReason
		}
	case domain.OrderStatusCancelled:
		if order.CancelledAt == nil {
			ts := now
			order.CancelledAt = &ts
		}
		if order.FailureReason == "" {
			order.FailureReason = d.FailureReason
		}
	}
	return true
}

func mergeTracking(order *domain.Order, tracking zinc.TrackingInfo) bool {
	changed := false
	if order.TrackingNumber == "" && tracking.Number != "" {
		order.TrackingNumber = tracking.Number
		changed = true
	}
	if order.TrackingURL == "" && tracking.URL != "" {
		order.TrackingURL = tracking.URL
		changed = true
	}
	if order.Carrier == "" && tracking.Carrier != "" {
		order.Carrier = tracking.Carrier
		changed = true
	}
	if order.EstimatedDelivery == nil && tracking.EstimatedDelivery != nil {
		ts := tracking.EstimatedDelivery.UTC()
		order.EstimatedDelivery = &ts
		changed = true
	}
	return changed
}

func appendTimelineEvents(order *domain.Order, events []domain.TimelineEvent) bool {
	if len(events) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(order.TimelineEvents))
	for _, existing := range order.TimelineEvents {
		seen[timelineKey(existing)] = struct{}{}
	}

	changed := false
	for _, event := range events {
		key := timelineKey(event)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		order.TimelineEvents = append(order.TimelineEvents, event)
		changed = true
	}
	return changed
}

func timelineKey(event domain.TimelineEvent) string {
	return event.Type + "|" + event.OccurredAt.UTC().Format(time.RFC3339)
}

func touchPathTimestamp(order *domain.Order, source applySource, now time.Time) {
	now = now.UTC()
	switch source {
	case applySourceWebhook:
		order.WebhookReceivedAt = &now
	case applySourcePoll:
		order.LastPollingCheckAt = &now
	}
}
