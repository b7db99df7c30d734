package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
)

// StripeLogger defines the logging contract for Stripe verifier operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeVerifierConfig configures the StripeVerifier.
type StripeVerifierConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   StripeLogger
	Clock    func() time.Time
	// Intents overrides the API client, primarily for tests.
	Intents stripePaymentIntentAPI
}

// StripeVerifier implements Verifier by retrieving the Payment Intent.
type StripeVerifier struct {
	intents stripePaymentIntentAPI
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeVerifier constructs a Stripe-backed payment verifier.
func NewStripeVerifier(cfg StripeVerifierConfig) (*StripeVerifier, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}

	intents := cfg.Intents
	if intents == nil {
		sc := client.New(apiKey, cfg.Backends)
		intents = sc.PaymentIntents
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeVerifier{
		intents: intents,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// VerifyPayment retrieves the Payment Intent and maps its state onto the
// canonical capture status.
func (v *StripeVerifier) VerifyPayment(ctx context.Context, intentID string) (Verification, error) {
	if v == nil {
		return Verification{}, errors.New("stripe: verifier is nil")
	}
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return Verification{}, errors.New("stripe: payment intent id is required")
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := v.intents.Get(intentID, params)
	if err != nil {
		return Verification{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}

	verification := stripeVerification(intent)
	v.logger(ctx, "payments.stripe.verified", map[string]any{
		"paymentIntent": verification.IntentID,
		"status":        string(verification.Status),
	})
	return verification, nil
}

func stripeVerification(intent *stripe.PaymentIntent) Verification {
	if intent == nil {
		return Verification{Status: domain.PaymentStatusPending}
	}

	status := domain.PaymentStatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = domain.PaymentStatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = domain.PaymentStatusFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresCapture:
		status = domain.PaymentStatusPending
	}

	var capturedAt *time.Time
	if charge := intent.LatestCharge; charge != nil && (charge.Paid || charge.Captured) {
		t := time.Unix(charge.Created, 0).UTC()
		capturedAt = &t
	}

	currency := strings.ToUpper(string(intent.Currency))
	if currency == "" && intent.LatestCharge != nil {
		currency = strings.ToUpper(string(intent.LatestCharge.Currency))
	}

	return Verification{
		IntentID:   intent.ID,
		Status:     status,
		Amount:     intent.Amount,
		Currency:   currency,
		CapturedAt: capturedAt,
		Detail:     string(intent.Status),
	}
}
