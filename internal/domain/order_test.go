package domain

import "testing"

func TestOrderStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		allowed  bool
	}{
		{OrderStatusProcessing, OrderStatusShipped, true},
		{OrderStatusProcessing, OrderStatusRetryPending, true},
		{OrderStatusProcessing, OrderStatusDelivered, true},
		{OrderStatusRetryPending, OrderStatusProcessing, true},
		{OrderStatusPaymentVerificationFailed, OrderStatusProcessing, true},
		{OrderStatusShipped, OrderStatusDelivered, true},
		{OrderStatusShipped, OrderStatusProcessing, false},
		{OrderStatusShipped, OrderStatusFailed, false},
		{OrderStatusDelivered, OrderStatusShipped, false},
		{OrderStatusDelivered, OrderStatusFailed, false},
		{OrderStatusFailed, OrderStatusProcessing, false},
		{OrderStatusCancelled, OrderStatusProcessing, false},
		{OrderStatusProcessing, OrderStatusProcessing, true},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.allowed {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderStatusDelivered, OrderStatusFailed, OrderStatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []OrderStatus{OrderStatusProcessing, OrderStatusRetryPending, OrderStatusPaymentVerificationFailed, OrderStatusShipped}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
	if OrderStatus("bogus").Valid() {
		t.Error("unexpected valid status for unknown value")
	}
}

func TestNotificationGuardFields(t *testing.T) {
	cases := map[NotificationKind]string{
		NotificationReceipt:   "receiptSentAt",
		NotificationShipped:   "shippedEmailSentAt",
		NotificationDelivered: "deliveredEmailSentAt",
	}
	for kind, field := range cases {
		if got := kind.GuardField(); got != field {
			t.Errorf("GuardField(%s) = %q, want %q", kind, got, field)
		}
	}
	if got := NotificationKind("other").GuardField(); got != "" {
		t.Errorf("expected empty guard field, got %q", got)
	}
}
