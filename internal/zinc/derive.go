package zinc

import (
	"sort"
	"strings"
	"time"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
)

// TrackingInfo is the derived shipment projection for an order.
type TrackingInfo struct {
	Number            string
	URL               string
	Carrier           string
	EstimatedDelivery *time.Time
	DeliveredAt       *time.Time
}

// Derivation is the normalised outcome of interpreting a provider response.
// Changed is false when the response carried no usable signal; callers must
// treat that as "no change" and leave the order untouched.
type Derivation struct {
	Changed bool
	Status  domain.OrderStatus
	// RawStatus is the most specific provider status string, kept for audit.
	RawStatus string
	// FailureReason is populated only for failed/cancelled derivations.
	FailureReason string
	// ProviderOrderID is the provider's own order id when the response carries one.
	ProviderOrderID string
	Events          []domain.TimelineEvent
	Tracking        TrackingInfo
}

// Derive interprets a provider response into a canonical status, timeline
// events, and tracking info. It is deterministic for a given input and is the
// single interpretation point shared by the webhook and polling paths.
//
// Signal precedence: delivered > shipped > failed/cancelled > processing.
// A response with no recognised signal derives to Changed=false rather than
// guessing; derivation never invents a terminal state from ambiguous data.
func Derive(resp StatusResponse) Derivation {
	d := Derivation{
		Events:   deriveEvents(resp),
		Tracking: deriveTracking(resp),
	}
	d.ProviderOrderID = firstMerchantOrderID(resp)

	if deliveredAt, ok := deliveredSignal(resp); ok {
		d.Changed = true
		d.Status = domain.OrderStatusDelivered
		d.RawStatus = rawStatus(resp, EventShipmentDelivered)
		if d.Tracking.DeliveredAt == nil {
			d.Tracking.DeliveredAt = deliveredAt
		}
		return d
	}

	if shippedSignal(resp) {
		d.Changed = true
		d.Status = domain.OrderStatusShipped
		d.RawStatus = rawStatus(resp, EventShipmentShipped)
		return d
	}

	if reason, cancelled, ok := failureSignal(resp); ok {
		d.Changed = true
		d.FailureReason = reason
		if cancelled {
			d.Status = domain.OrderStatusCancelled
			d.RawStatus = rawStatus(resp, EventRequestCancelled)
		} else {
			d.Status = domain.OrderStatusFailed
			d.RawStatus = rawStatus(resp, EventRequestFailed)
		}
		return d
	}

	if processingSignal(resp) {
		d.Changed = true
		d.Status = domain.OrderStatusProcessing
		d.RawStatus = rawStatus(resp, "processing")
		return d
	}

	return d
}

func deliveredSignal(resp StatusResponse) (*time.Time, bool) {
	for _, entry := range resp.Tracking {
		if entry.DeliveredAt != nil {
			return entry.DeliveredAt, true
		}
		if strings.EqualFold(strings.TrimSpace(entry.DeliveryStatus), "delivered") {
			return nil, true
		}
	}
	for _, dd := range resp.DeliveryDates {
		if dd.Delivered || dd.Date != nil {
			return dd.Date, true
		}
	}
	for _, update := range resp.StatusUpdates {
		if eventType(update) == EventShipmentDelivered {
			return update.CreatedAt, true
		}
	}
	return nil, false
}

func shippedSignal(resp StatusResponse) bool {
	for _, entry := range resp.Tracking {
		if strings.TrimSpace(entry.TrackingNumber) != "" || strings.TrimSpace(entry.TrackingURL) != "" {
			return true
		}
	}
	for _, mo := range resp.MerchantOrderIDs {
		if strings.TrimSpace(mo.TrackingURL) != "" {
			return true
		}
	}
	for _, update := range resp.StatusUpdates {
		switch eventType(update) {
		case EventShipmentShipped, EventTrackingObtained:
			return true
		}
	}
	return false
}

func failureSignal(resp StatusResponse) (reason string, cancelled bool, ok bool) {
	for _, update := range resp.StatusUpdates {
		t := eventType(update)
		switch {
		case t == EventRequestCancelled || strings.Contains(t, "cancel"):
			return failureReason(update.Message, resp.Message), true, true
		case t == EventRequestFailed || strings.Contains(t, "fail"):
			return failureReason(update.Message, resp.Message), false, true
		}
	}
	code := strings.ToLower(strings.TrimSpace(resp.Code))
	switch {
	case code == "aborted_request" || strings.Contains(code, "cancel"):
		return failureReason(resp.Message, code), true, true
	case strings.Contains(code, "fail") || code == "internal_error" || code == "invalid_request":
		return failureReason(resp.Message, code), false, true
	}
	return "", false, false
}

func processingSignal(resp StatusResponse) bool {
	code := strings.ToLower(strings.TrimSpace(resp.Code))
	if code == "request_processing" || code == "in_progress" {
		return true
	}
	if len(resp.MerchantOrderIDs) > 0 {
		return true
	}
	for _, update := range resp.StatusUpdates {
		switch eventType(update) {
		case EventRequestPlaced, EventRequestFinished, EventStatusUpdated:
			return true
		}
	}
	return false
}

func deriveTracking(resp StatusResponse) TrackingInfo {
	var info TrackingInfo
	for _, entry := range resp.Tracking {
		if info.Number == "" && strings.TrimSpace(entry.TrackingNumber) != "" {
			info.Number = strings.TrimSpace(entry.TrackingNumber)
			info.Carrier = strings.TrimSpace(entry.Carrier)
		}
		if info.URL == "" && strings.TrimSpace(entry.TrackingURL) != "" {
			info.URL = strings.TrimSpace(entry.TrackingURL)
		}
		if info.DeliveredAt == nil && entry.DeliveredAt != nil {
			info.DeliveredAt = entry.DeliveredAt
		}
	}
	if info.URL == "" {
		for _, mo := range resp.MerchantOrderIDs {
			if strings.TrimSpace(mo.TrackingURL) != "" {
				info.URL = strings.TrimSpace(mo.TrackingURL)
				break
			}
		}
	}
	if info.DeliveredAt == nil {
		for _, dd := range resp.DeliveryDates {
			if dd.Date != nil {
				info.DeliveredAt = dd.Date
				break
			}
		}
	}
	info.EstimatedDelivery = estimatedDelivery(resp)
	return info
}

// estimatedDelivery digs the optional estimate out of event data. The field is
// loosely typed on the wire, so every access is fallible.
func estimatedDelivery(resp StatusResponse) *time.Time {
	for i := len(resp.StatusUpdates) - 1; i >= 0; i-- {
		data := resp.StatusUpdates[i].Data
		if data == nil {
			continue
		}
		for _, key := range []string{"estimated_delivery_date", "delivery_date"} {
			raw, ok := data[key].(string)
			if !ok || strings.TrimSpace(raw) == "" {
				continue
			}
			for _, layout := range []string{time.RFC3339, "2006-01-02"} {
				if parsed, err := time.Parse(layout, strings.TrimSpace(raw)); err == nil {
					parsed = parsed.UTC()
					return &parsed
				}
			}
		}
	}
	return nil
}

func deriveEvents(resp StatusResponse) []domain.TimelineEvent {
	if len(resp.StatusUpdates) == 0 {
		return nil
	}
	events := make([]domain.TimelineEvent, 0, len(resp.StatusUpdates))
	for _, update := range resp.StatusUpdates {
		t := eventType(update)
		if t == "" {
			continue
		}
		event := domain.TimelineEvent{
			Type:        t,
			Description: strings.TrimSpace(update.Message),
		}
		if update.CreatedAt != nil {
			event.OccurredAt = update.CreatedAt.UTC()
		}
		events = append(events, event)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})
	return events
}

func firstMerchantOrderID(resp StatusResponse) string {
	for _, mo := range resp.MerchantOrderIDs {
		if id := strings.TrimSpace(mo.MerchantOrderID); id != "" {
			return id
		}
	}
	return ""
}

// rawStatus prefers the latest recognised status update type, then the
// response code, then the supplied default.
func rawStatus(resp StatusResponse, fallback string) string {
	if n := len(resp.StatusUpdates); n > 0 {
		if t := eventType(resp.StatusUpdates[n-1]); t != "" {
			return t
		}
	}
	if code := strings.TrimSpace(resp.Code); code != "" {
		return code
	}
	return fallback
}

func eventType(update StatusUpdate) string {
	return strings.ToLower(strings.TrimSpace(update.Type))
}

func failureReason(candidates ...string) string {
	for _, c := range candidates {
		if trimmed := strings.TrimSpace(c); trimmed != "" {
			return trimmed
		}
	}
	return "provider reported failure"
}
