package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

var (
	// ErrOrderNotFound is returned when no order matches the supplied identifier.
	ErrOrderNotFound = errors.New("order not found")
	// ErrStaleOrder is returned when a conditional mutation lost the race and
	// should be re-read before retrying.
	ErrStaleOrder = errors.New("order modified concurrently")
	// ErrGuardAlreadySet is returned when a notification guard timestamp was
	// claimed by an earlier dispatch.
	ErrGuardAlreadySet = errors.New("notification guard already set")
)

// OrderMutation inspects and mutates an order inside a transaction. Returning
// false leaves the document untouched; the transaction commits as a no-op.
type OrderMutation func(order *domain.Order) (bool, error)

// OrderRepository persists fulfillment orders with conditional writes. The
// webhook and sweep paths race by design, so every mutation re-reads the
// current document inside a transaction and bumps the version counter.
type OrderRepository interface {
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByFulfillmentRequestID(ctx context.Context, requestID string) (domain.Order, error)
	Insert(ctx context.Context, order domain.Order) error
	Mutate(ctx context.Context, orderID string, fn OrderMutation) (domain.Order, error)

	// ClaimNotificationGuard sets the guard timestamp for the kind only when it
	// is currently null. A false return means another dispatch won.
	ClaimNotificationGuard(ctx context.Context, orderID string, kind domain.NotificationKind, at time.Time) (bool, error)
	// ReleaseNotificationGuard clears a guard claimed by a dispatch whose
	// enqueue failed, so the next transition event can retry the send.
	ReleaseNotificationGuard(ctx context.Context, orderID string, kind domain.NotificationKind) error

	ListPaymentVerificationFailed(ctx context.Context, createdAfter time.Time, limit int) ([]domain.Order, error)
	ListRetryDue(ctx context.Context, now time.Time, ceiling int, limit int) ([]domain.Order, error)
	ListStaleProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Order, error)
	ListMissingSubmission(ctx context.Context, createdAfter time.Time, limit int) ([]domain.Order, error)
}

// AuditLogRepository appends immutable audit records. Entries are never
// updated or deleted; history survives later status changes.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	ListByOrder(ctx context.Context, orderID string, limit int) ([]domain.AuditLogEntry, error)
}

// HealthRepository verifies datastore connectivity for readiness probes.
type HealthRepository interface {
	CheckReadiness(ctx context.Context) error
}
