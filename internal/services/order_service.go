package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/repositories"
)

const retryRequestedAuditAction = "fulfillment.retry_requested"

// ErrRetryNotEligible is returned when an operator requests a retry for an
// order whose status does not permit one.
var ErrRetryNotEligible = errors.New("order is not eligible for retry")

// OrderServiceDeps bundles constructor inputs for the order read/admin surface.
type OrderServiceDeps struct {
	Orders repositories.OrderRepository
	Audit  AuditLogService
	Clock  func() time.Time
}

type orderService struct {
	orders repositories.OrderRepository
	audit  AuditLogService
	clock  func() time.Time
}

// NewOrderService constructs the order read/admin service.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &orderService{
		orders: deps.Orders,
		audit:  deps.Audit,
		clock:  func() time.Time { return clock().UTC() },
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order service: order id is required")
	}
	return s.orders.FindByID(ctx, orderID)
}

// RequestRetry moves an eligible order to the front of the retry queue by
// clearing its schedule to "due now". Terminal orders are rejected.
func (s *orderService) RequestRetry(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order service: order id is required")
	}

	now := s.clock()
	updated, err := s.orders.Mutate(ctx, orderID, func(o *domain.Order) (bool, error) {
		if !retryEligible(*o) {
			return false, fmt.Errorf("%w: status %s", ErrRetryNotEligible, o.Status)
		}
		if o.Status.CanTransitionTo(domain.OrderStatusRetryPending) {
			o.Status = domain.OrderStatusRetryPending
		}
		due := now
		o.NextRetryAt = &due
		return true, nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			OrderRef: updated.ID,
			Action:   retryRequestedAuditAction,
			Message:  "operator requested an immediate retry",
		})
	}
	return updated, nil
}

func retryEligible(order domain.Order) bool {
	switch order.Status {
	case domain.OrderStatusRetryPending:
		return true
	case domain.OrderStatusProcessing:
		// A processing order the provider has already accepted must not be
		// resubmitted; reconciliation owns it from there.
		return !order.Accepted()
	default:
		return false
	}
}
