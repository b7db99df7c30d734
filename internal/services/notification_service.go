package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/repositories"
)

const notificationJobIDPrefix = "njb_"

// NotificationServiceDeps bundles collaborators for the notification dispatcher.
type NotificationServiceDeps struct {
	Orders      repositories.OrderRepository
	Publisher   NotificationPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type notificationService struct {
	orders    repositories.OrderRepository
	publisher NotificationPublisher
	clock     func() time.Time
	newJobID  func() string
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewNotificationService constructs the at-most-once notification dispatcher.
func NewNotificationService(deps NotificationServiceDeps) (NotificationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("notification service: order repository is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("notification service: publisher is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newJobID := deps.IDGenerator
	if newJobID == nil {
		entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
		newJobID = func() string {
			return notificationJobIDPrefix + ulid.MustNew(ulid.Timestamp(clock()), entropy).String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &notificationService{
		orders:    deps.Orders,
		publisher: deps.Publisher,
		clock:     func() time.Time { return clock().UTC() },
		newJobID:  newJobID,
		logger:    logger,
	}, nil
}

// Dispatch claims the guard timestamp for the kind and enqueues the delivery
// job. A guard that is already set makes the call a silent no-op, which is what
// keeps duplicate webhooks and overlapping sweeps from double-sending.
func (s *notificationService) Dispatch(ctx context.Context, orderID string, kind domain.NotificationKind) (bool, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return false, errors.New("notification service: order id is required")
	}
	if kind.GuardField() == "" {
		return false, fmt.Errorf("notification service: unknown notification kind %q", kind)
	}

	now := s.clock()
	claimed, err := s.orders.ClaimNotificationGuard(ctx, orderID, kind, now)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		s.release(ctx, orderID, kind)
		return false, err
	}

	message := NotificationJobMessage{
		JobID:          s.newJobID(),
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		Kind:           string(kind),
		TrackingNumber: order.TrackingNumber,
		TrackingURL:    order.TrackingURL,
		QueuedAt:       now,
		IdempotencyKey: order.ID + ":" + string(kind),
	}

	if _, err := s.publisher.PublishNotificationJob(ctx, message); err != nil {
		// Publish failed after the guard was taken; release it so a later
		// dispatch can try again rather than silently dropping the email.
		s.release(ctx, orderID, kind)
		return false, fmt.Errorf("notification service: publish %s for order %s: %w", kind, orderID, err)
	}

	s.logger(ctx, "notification.dispatched", map[string]any{
		"orderId": order.ID,
		"kind":    string(kind),
		"jobId":   message.JobID,
	})
	return true, nil
}

// DispatchForStatus fires the notification implied by the order's current
// status. Errors are logged and swallowed; notification delivery must never
// fail a status application.
func (s *notificationService) DispatchForStatus(ctx context.Context, order domain.Order) {
	var kind domain.NotificationKind
	switch order.Status {
	case domain.OrderStatusShipped:
		kind = domain.NotificationShipped
	case domain.OrderStatusDelivered:
		kind = domain.NotificationDelivered
	default:
		return
	}

	if _, err := s.Dispatch(ctx, order.ID, kind); err != nil {
		s.logger(ctx, "notification.dispatch_failed", map[string]any{
			"orderId": order.ID,
			"kind":    string(kind),
			"error":   err.Error(),
		})
	}
}

func (s *notificationService) release(ctx context.Context, orderID string, kind domain.NotificationKind) {
	if err := s.orders.ReleaseNotificationGuard(ctx, orderID, kind); err != nil {
		s.logger(ctx, "notification.guard_release_failed", map[string]any{
			"orderId": orderID,
			"kind":    string(kind),
			"error":   err.Error(),
		})
	}
}
