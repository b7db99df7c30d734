package zinc

import (
	"reflect"
	"testing"
	"time"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestDeriveDeliveredFromTracking(t *testing.T) {
	deliveredAt := time.Date(2025, 4, 2, 15, 30, 0, 0, time.UTC)
	resp := StatusResponse{
		RequestID: "req-1",
		Tracking: []TrackingEntry{
			{TrackingNumber: "1Z999", Carrier: "UPS", DeliveredAt: timePtr(deliveredAt)},
		},
	}

	d := Derive(resp)
	if !d.Changed {
		t.Fatal("expected a derived change")
	}
	if d.Status != domain.OrderStatusDelivered {
		t.Fatalf("expected delivered, got %s", d.Status)
	}
	if d.Tracking.DeliveredAt == nil || !d.Tracking.DeliveredAt.Equal(deliveredAt) {
		t.Fatalf("expected delivery timestamp %v, got %v", deliveredAt, d.Tracking.DeliveredAt)
	}
	if d.Tracking.Number != "1Z999" {
		t.Fatalf("expected tracking number, got %q", d.Tracking.Number)
	}
}

func TestDeriveDeliveredFromDeliveryDates(t *testing.T) {
	date := time.Date(2025, 4, 3, 0, 0, 0, 0, time.UTC)
	resp := StatusResponse{
		DeliveryDates: []DeliveryDate{{Date: timePtr(date), Delivered: true}},
	}

	d := Derive(resp)
	if d.Status != domain.OrderStatusDelivered {
		t.Fatalf("expected delivered, got %s", d.Status)
	}
}

func TestDeriveDeliveredOutranksShipped(t *testing.T) {
	resp := StatusResponse{
		StatusUpdates: []StatusUpdate{
			{Type: EventShipmentShipped},
			{Type: EventShipmentDelivered},
		},
		Tracking: []TrackingEntry{{TrackingNumber: "1Z999"}},
	}

	d := Derive(resp)
	if d.Status != domain.OrderStatusDelivered {
		t.Fatalf("expected delivered to outrank shipped, got %s", d.Status)
	}
}

func TestDeriveShippedFromMerchantTrackingURL(t *testing.T) {
	resp := StatusResponse{
		MerchantOrderIDs: []MerchantOrder{
			{MerchantOrderID: "114-0001", TrackingURL: "https://track.example/114-0001"},
		},
	}

	d := Derive(resp)
	if d.Status != domain.OrderStatusShipped {
		t.Fatalf("expected shipped, got %s", d.Status)
	}
	if d.ProviderOrderID != "114-0001" {
		t.Fatalf("expected provider order id, got %q", d.ProviderOrderID)
	}
	if d.Tracking.URL != "https://track.example/114-0001" {
		t.Fatalf("expected tracking url, got %q", d.Tracking.URL)
	}
}

func TestDeriveFailureAndCancellation(t *testing.T) {
	cases := []struct {
		name   string
		resp   StatusResponse
		status domain.OrderStatus
	}{
		{
			name:   "failed update",
			resp:   StatusResponse{StatusUpdates: []StatusUpdate{{Type: EventRequestFailed, Message: "card declined"}}},
			status: domain.OrderStatusFailed,
		},
		{
			name:   "cancelled update",
			resp:   StatusResponse{StatusUpdates: []StatusUpdate{{Type: EventRequestCancelled}}},
			status: domain.OrderStatusCancelled,
		},
		{
			name:   "aborted code",
			resp:   StatusResponse{Type: "error", Code: "aborted_request", Message: "aborted by retailer"},
			status: domain.OrderStatusCancelled,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Derive(tc.resp)
			if !d.Changed {
				t.Fatal("expected a derived change")
			}
			if d.Status != tc.status {
				t.Fatalf("expected %s, got %s", tc.status, d.Status)
			}
			if d.FailureReason == "" {
				t.Fatal("expected a failure reason")
			}
		})
	}
}

func TestDeriveProcessingDefault(t *testing.T) {
	resp := StatusResponse{
		Code: "request_processing",
		StatusUpdates: []StatusUpdate{
			{Type: EventRequestPlaced, CreatedAt: timePtr(time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC))},
		},
	}

	d := Derive(resp)
	if d.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected processing, got %s", d.Status)
	}
	if len(d.Events) != 1 || d.Events[0].Type != EventRequestPlaced {
		t.Fatalf("unexpected events %#v", d.Events)
	}
}

func TestDeriveUnknownInputIsNoChange(t *testing.T) {
	cases := []StatusResponse{
		{},
		{StatusUpdates: []StatusUpdate{{Type: "mystery.event"}}},
		{Message: "free-form text with no signal"},
	}

	for _, resp := range cases {
		d := Derive(resp)
		if d.Changed {
			t.Fatalf("expected no change for %#v, derived %s", resp, d.Status)
		}
	}
}

func TestDeriveIsDeterministic(t *testing.T) {
	shipped := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	resp := StatusResponse{
		RequestID: "req-9",
		StatusUpdates: []StatusUpdate{
			{Type: EventRequestPlaced, CreatedAt: timePtr(shipped.Add(-time.Hour))},
			{Type: EventShipmentShipped, CreatedAt: timePtr(shipped)},
		},
		Tracking: []TrackingEntry{{TrackingNumber: "1Z999", Carrier: "UPS"}},
	}

	first := Derive(resp)
	second := Derive(resp)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("derivation not deterministic:\nfirst  %#v\nsecond %#v", first, second)
	}
}

func TestDeriveEventsSortedByTime(t *testing.T) {
	early := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	late := early.Add(3 * time.Hour)
	resp := StatusResponse{
		Code: "request_processing",
		StatusUpdates: []StatusUpdate{
			{Type: EventStatusUpdated, CreatedAt: timePtr(late)},
			{Type: EventRequestPlaced, CreatedAt: timePtr(early)},
		},
	}

	d := Derive(resp)
	if len(d.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(d.Events))
	}
	if !d.Events[0].OccurredAt.Equal(early) {
		t.Fatalf("events not sorted: %#v", d.Events)
	}
}

func TestDeriveEstimatedDeliveryFromEventData(t *testing.T) {
	resp := StatusResponse{
		Code: "request_processing",
		StatusUpdates: []StatusUpdate{
			{Type: EventRequestFinished},
			{Type: EventTrackingObtained, Data: map[string]any{"estimated_delivery_date": "2025-04-08"}},
		},
	}

	d := Derive(resp)
	if d.Status != domain.OrderStatusShipped {
		t.Fatalf("expected shipped from tracking event, got %s", d.Status)
	}
	want := time.Date(2025, 4, 8, 0, 0, 0, 0, time.UTC)
	if d.Tracking.EstimatedDelivery == nil || !d.Tracking.EstimatedDelivery.Equal(want) {
		t.Fatalf("expected estimate %v, got %v", want, d.Tracking.EstimatedDelivery)
	}
}

func TestDeriveDeliveryDateIsConfirmation(t *testing.T) {
	date := time.Date(2025, 4, 5, 0, 0, 0, 0, time.UTC)
	resp := StatusResponse{DeliveryDates: []DeliveryDate{{Date: timePtr(date)}}}

	d := Derive(resp)
	if d.Status != domain.OrderStatusDelivered {
		t.Fatalf("expected delivered, got %s", d.Status)
	}
	if d.Tracking.DeliveredAt == nil || !d.Tracking.DeliveredAt.Equal(date) {
		t.Fatalf("expected delivery date %v, got %v", date, d.Tracking.DeliveredAt)
	}
}
