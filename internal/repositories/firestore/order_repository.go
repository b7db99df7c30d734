package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
	pfirestore "github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/firestore"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists fulfillment orders in Firestore.
type OrderRepository struct {
	base  *pfirestore.BaseRepository[domain.Order]
	clock func() time.Time
}

// OrderRepositoryOption customises construction.
type OrderRepositoryOption func(*OrderRepository)

// WithOrderClock injects a deterministic clock for tests.
func WithOrderClock(clock func() time.Time) OrderRepositoryOption {
	return func(r *OrderRepository) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider, opts ...OrderRepositoryOption) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository: firestore provider is required")
	}
	repo := &OrderRepository{
		base:  pfirestore.NewBaseRepository[domain.Order](provider, ordersCollection, nil),
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// FindByID fetches a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return domain.Order{}, repositories.ErrOrderNotFound
		}
		return domain.Order{}, err
	}
	order := doc.Data
	order.ID = doc.ID
	return order, nil
}

// FindByFulfillmentRequestID locates the order matching a provider correlation id.
func (r *OrderRepository) FindByFulfillmentRequestID(ctx context.Context, requestID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.Order{}, errors.New("order repository: request id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("fulfillmentRequestId", "==", requestID).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, repositories.ErrOrderNotFound
	}
	order := docs[0].Data
	order.ID = docs[0].ID
	return order, nil
}

// Insert creates the order document, failing if the id already exists.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	if _, err := r.base.Create(ctx, orderID, order); err != nil {
		return err
	}
	return nil
}

// Mutate applies fn to the current document inside a transaction. When fn
// reports a change, the write carries an incremented version and a fresh
// updatedAt. Concurrent writers are serialised by the transaction; the loser
// re-reads and re-applies, so monotonic apply rules in fn stay correct.
func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn repositories.OrderMutation) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	if fn == nil {
		return domain.Order{}, errors.New("order repository: mutation is required")
	}

	ref, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	var result domain.Order
	err = r.base.Provider().RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		doc, err := r.base.DecodeSnapshot(ctx, snap)
		if err != nil {
			return err
		}

		order := doc.Data
		order.ID = doc.ID

		changed, err := fn(&order)
		if err != nil {
			return err
		}
		if !changed {
			result = order
			return nil
		}

		order.Version++
		order.UpdatedAt = r.clock().UTC()
		if err := tx.Set(ref, order); err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return domain.Order{}, repositories.ErrOrderNotFound
		}
		return domain.Order{}, err
	}
	return result, nil
}

// ClaimNotificationGuard sets the guard timestamp only when it is still null.
func (r *OrderRepository) ClaimNotificationGuard(ctx context.Context, orderID string, kind domain.NotificationKind, at time.Time) (bool, error) {
	field := kind.GuardField()
	if field == "" {
		return false, errors.New("order repository: unknown notification kind")
	}

	claimed := false
	_, err := r.Mutate(ctx, orderID, func(order *domain.Order) (bool, error) {
		if order.GuardTimestamp(kind) != nil {
			return false, nil
		}
		ts := at.UTC()
		switch kind {
		case domain.NotificationReceipt:
			order.ReceiptSentAt = &ts
		case domain.NotificationShipped:
			order.ShippedEmailSentAt = &ts
		case domain.NotificationDelivered:
			order.DeliveredEmailSentAt = &ts
		}
		claimed = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// ReleaseNotificationGuard clears the guard after a failed enqueue.
func (r *OrderRepository) ReleaseNotificationGuard(ctx context.Context, orderID string, kind domain.NotificationKind) error {
	field := kind.GuardField()
	if field == "" {
		return errors.New("order repository: unknown notification kind")
	}

	_, err := r.Mutate(ctx, orderID, func(order *domain.Order) (bool, error) {
		if order.GuardTimestamp(kind) == nil {
			return false, nil
		}
		switch kind {
		case domain.NotificationReceipt:
			order.ReceiptSentAt = nil
		case domain.NotificationShipped:
			order.ShippedEmailSentAt = nil
		case domain.NotificationDelivered:
			order.DeliveredEmailSentAt = nil
		}
		return true, nil
	})
	return err
}

// ListPaymentVerificationFailed returns recent orders awaiting payment recovery.
func (r *OrderRepository) ListPaymentVerificationFailed(ctx context.Context, createdAfter time.Time, limit int) ([]domain.Order, error) {
	return r.listByStatus(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "==", string(domain.OrderStatusPaymentVerificationFailed)).
			Where("createdAt", ">=", createdAfter.UTC()).
			OrderBy("createdAt", firestore.Asc).
			Limit(normalisedLimit(limit))
	}, nil)
}

// ListRetryDue returns retry-pending orders whose backoff has elapsed.
func (r *OrderRepository) ListRetryDue(ctx context.Context, now time.Time, ceiling int, limit int) ([]domain.Order, error) {
	return r.listByStatus(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "==", string(domain.OrderStatusRetryPending)).
			Where("nextRetryAt", "<=", now.UTC()).
			OrderBy("nextRetryAt", firestore.Asc).
			Limit(normalisedLimit(limit))
	}, func(order domain.Order) bool {
		return order.RetryCount < ceiling
	})
}

// ListStaleProcessing returns processing orders with no recent update. The
// submitted/unsubmitted split happens in the sweep, which knows the thresholds.
func (r *OrderRepository) ListStaleProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Order, error) {
	return r.listByStatus(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "==", string(domain.OrderStatusProcessing)).
			Where("updatedAt", "<=", updatedBefore.UTC()).
			OrderBy("updatedAt", firestore.Asc).
			Limit(normalisedLimit(limit))
	}, func(order domain.Order) bool {
		return order.Submitted()
	})
}

// ListMissingSubmission returns recent paid orders that were never submitted.
func (r *OrderRepository) ListMissingSubmission(ctx context.Context, createdAfter time.Time, limit int) ([]domain.Order, error) {
	return r.listByStatus(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "==", string(domain.OrderStatusProcessing)).
			Where("paymentStatus", "==", string(domain.PaymentStatusSucceeded)).
			Where("createdAt", ">=", createdAfter.UTC()).
			OrderBy("createdAt", firestore.Asc).
			Limit(normalisedLimit(limit))
	}, func(order domain.Order) bool {
		return !order.Submitted() && !order.Accepted()
	})
}

func (r *OrderRepository) listByStatus(ctx context.Context, build pfirestore.QueryBuilder, keep func(domain.Order) bool) ([]domain.Order, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("order repository not initialised")
	}
	docs, err := r.base.Query(ctx, build)
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		order := doc.Data
		order.ID = doc.ID
		if keep != nil && !keep(order) {
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func normalisedLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	return limit
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
