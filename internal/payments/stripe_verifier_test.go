package payments

import (
	"context"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
)

type stubIntentsAPI struct {
	intent *stripe.PaymentIntent
	err    error
	gotID  string
}

func (s *stubIntentsAPI) Get(id string, _ *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.gotID = id
	return s.intent, s.err
}

func newTestVerifier(t *testing.T, intents stripePaymentIntentAPI) *StripeVerifier {
	t.Helper()
	verifier, err := NewStripeVerifier(StripeVerifierConfig{Intents: intents})
	if err != nil {
		t.Fatalf("NewStripeVerifier: %v", err)
	}
	return verifier
}

func TestVerifyPaymentSucceeded(t *testing.T) {
	created := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	stub := &stubIntentsAPI{intent: &stripe.PaymentIntent{
		ID:       "pi_123",
		Status:   stripe.PaymentIntentStatusSucceeded,
		Amount:   4599,
		Currency: "usd",
		LatestCharge: &stripe.Charge{
			Paid:     true,
			Captured: true,
			Created:  created.Unix(),
		},
	}}
	verifier := newTestVerifier(t, stub)

	got, err := verifier.VerifyPayment(context.Background(), "pi_123")
	if err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if stub.gotID != "pi_123" {
		t.Fatalf("expected lookup by pi_123, got %q", stub.gotID)
	}
	if got.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
	if got.CapturedAt == nil || !got.CapturedAt.Equal(created) {
		t.Fatalf("expected capture time %v, got %v", created, got.CapturedAt)
	}
	if got.Currency != "USD" {
		t.Fatalf("expected USD, got %q", got.Currency)
	}
}

func TestVerifyPaymentPendingStates(t *testing.T) {
	pending := []stripe.PaymentIntentStatus{
		stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresCapture,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresPaymentMethod,
	}

	for _, status := range pending {
		stub := &stubIntentsAPI{intent: &stripe.PaymentIntent{ID: "pi_p", Status: status}}
		verifier := newTestVerifier(t, stub)

		got, err := verifier.VerifyPayment(context.Background(), "pi_p")
		if err != nil {
			t.Fatalf("VerifyPayment(%s): %v", status, err)
		}
		if got.Status != domain.PaymentStatusPending {
			t.Fatalf("expected pending for %s, got %s", status, got.Status)
		}
	}
}

func TestVerifyPaymentCanceledMapsToFailed(t *testing.T) {
	stub := &stubIntentsAPI{intent: &stripe.PaymentIntent{
		ID:     "pi_c",
		Status: stripe.PaymentIntentStatusCanceled,
	}}
	verifier := newTestVerifier(t, stub)

	got, err := verifier.VerifyPayment(context.Background(), "pi_c")
	if err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if got.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestVerifyPaymentRequiresIntentID(t *testing.T) {
	verifier := newTestVerifier(t, &stubIntentsAPI{})
	if _, err := verifier.VerifyPayment(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty intent id")
	}
}
