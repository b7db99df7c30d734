package payments

import (
	"context"
	"time"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
)

// Verification is the outcome of re-querying the payment processor for a capture.
type Verification struct {
	IntentID   string
	Status     domain.PaymentStatus
	Amount     int64
	Currency   string
	CapturedAt *time.Time
	// Detail carries the processor's own status string for audit notes.
	Detail string
}

// Verifier re-checks a payment capture by its processor reference.
type Verifier interface {
	VerifyPayment(ctx context.Context, intentID string) (Verification, error)
}
