package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/repositories"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/zinc"
)

const (
	submissionAuditAction         = "fulfillment.submitted"
	submissionFailedAuditAction   = "fulfillment.submission_failed"
	submissionRejectedAuditAction = "fulfillment.submission_rejected"

	maxGiftMessageLength = 255
)

var (
	// ErrOrderNotSubmittable indicates the order is not in a state eligible for submission.
	ErrOrderNotSubmittable = errors.New("fulfillment: order not submittable")
)

// FulfillmentServiceDeps bundles collaborators for the submission adapter.
type FulfillmentServiceDeps struct {
	Orders        repositories.OrderRepository
	Provider      FulfillmentProvider
	Audit         AuditLogService
	Notifications NotificationService
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type fulfillmentService struct {
	orders        repositories.OrderRepository
	provider      FulfillmentProvider
	audit         AuditLogService
	notifications NotificationService
	clock         func() time.Time
	logger        func(ctx context.Context, event string, fields map[string]any)
	sanitizer     *bluemonday.Policy
}

// NewFulfillmentService constructs the submission adapter. It performs exactly
// one network call per Submit and never retries internally.
func NewFulfillmentService(deps FulfillmentServiceDeps) (FulfillmentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("fulfillment service: order repository is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("fulfillment service: provider is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &fulfillmentService{
		orders:        deps.Orders,
		provider:      deps.Provider,
		audit:         deps.Audit,
		notifications: deps.Notifications,
		clock:         func() time.Time { return clock().UTC() },
		logger:        logger,
		sanitizer:     bluemonday.StrictPolicy(),
	}, nil
}

// Submit builds and sends the provider request for the order, then persists
// the outcome with a conditional write.
func (s *fulfillmentService) Submit(ctx context.Context, orderID string) (SubmissionResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return SubmissionResult{}, errors.New("fulfillment service: order id is required")
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return SubmissionResult{}, err
	}

	if reason, ok := submittable(order); !ok {
		return SubmissionResult{Outcome: SubmissionSkipped, Order: order, Reason: reason}, nil
	}

	req, err := s.buildRequest(order)
	if err != nil {
		return s.recordRejection(ctx, order, err.Error())
	}

	resp, err := s.provider.SubmitOrder(ctx, req)
	switch {
	case err == nil:
		return s.recordAcceptance(ctx, order, resp)
	case zinc.IsValidation(err):
		return s.recordRejection(ctx, order, err.Error())
	default:
		// Transient failures leave the order untouched; the scheduler decides
		// whether and when another attempt happens.
		s.logger(ctx, "fulfillment.submit.transient_failure", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		s.recordAudit(ctx, AuditLogRecord{
			OrderRef: order.ID,
			Action:   submissionFailedAuditAction,
			Severity: "warn",
			Message:  "transient submission failure",
			Metadata: map[string]any{"error": err.Error()},
		})
		return SubmissionResult{Outcome: SubmissionRetryable, Order: order, Reason: err.Error()}, nil
	}
}

func submittable(order domain.Order) (string, bool) {
	switch {
	case order.PaymentStatus != domain.PaymentStatusSucceeded:
		return "payment not verified", false
	case order.Accepted():
		return "provider already accepted the order", false
	case order.Status.Terminal():
		return fmt.Sprintf("order is terminal (%s)", order.Status), false
	case order.Status == domain.OrderStatusPaymentVerificationFailed:
		return "payment verification failed", false
	}
	return "", true
}

func (s *fulfillmentService) buildRequest(order domain.Order) (zinc.SubmitRequest, error) {
	if len(order.Items) == 0 {
		return zinc.SubmitRequest{}, errors.New("order has no line items")
	}
	if order.ShippingAddress == nil {
		return zinc.SubmitRequest{}, errors.New("order has no shipping address")
	}

	products := make([]zinc.Product, 0, len(order.Items))
	for _, item := range order.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return zinc.SubmitRequest{}, errors.New("order line item missing product id")
		}
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		products = append(products, zinc.Product{ProductID: item.ProductID, Quantity: quantity})
	}

	shipping := providerAddress(*order.ShippingAddress)
	billing := shipping
	if order.BillingAddress != nil {
		billing = providerAddress(*order.BillingAddress)
	}

	req := zinc.SubmitRequest{
		Products:        products,
		ShippingAddress: shipping,
		BillingAddress:  billing,
		// Purchases are funded from the provider account balance.
		PaymentMethod:  zinc.PaymentMethod{UseGift: true},
		ShippingMethod: "cheapest",
		IsGift:         order.IsGift,
		MaxPrice:       order.Total,
		ClientNotes: zinc.ClientNotes{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
		},
	}
	if order.IsGift && order.GiftMessage != "" {
		req.GiftMessage = s.sanitizeGiftMessage(order.GiftMessage)
	}
	return req, nil
}

func providerAddress(addr domain.Address) zinc.Address {
	first, last := splitName(addr.Name)
	return zinc.Address{
		FirstName:    first,
		LastName:     last,
		AddressLine:  strings.TrimSpace(addr.Line1),
		AddressLine2: strings.TrimSpace(addr.Line2),
		ZipCode:      strings.TrimSpace(addr.PostalCode),
		City:         strings.TrimSpace(addr.City),
		State:        strings.TrimSpace(addr.State),
		Country:      normaliseCountry(addr.Country),
		PhoneNumber:  strings.TrimSpace(addr.Phone),
	}
}

func splitName(name string) (string, string) {
	fields := strings.Fields(strings.TrimSpace(name))
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}

func normaliseCountry(country string) string {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" {
		return "US"
	}
	return country
}

func (s *fulfillmentService) sanitizeGiftMessage(message string) string {
	cleaned := html.UnescapeString(s.sanitizer.Sanitize(message))
	cleaned = strings.TrimSpace(cleaned)
	if len(cleaned) > maxGiftMessageLength {
		cleaned = cleaned[:maxGiftMessageLength]
	}
	return cleaned
}

func (s *fulfillmentService) recordAcceptance(ctx context.Context, order domain.Order, resp zinc.SubmitResponse) (SubmissionResult, error) {
	now := s.clock()
	updated, err := s.orders.Mutate(ctx, order.ID, func(o *domain.Order) (bool, error) {
		if o.Submitted() && o.FulfillmentRequestID != nil && *o.FulfillmentRequestID != resp.RequestID {
			// A racing submission already recorded a different correlation id.
			return false, nil
		}
		requestID := resp.RequestID
		o.FulfillmentRequestID = &requestID
		if resp.OrderID != "" && !o.Accepted() {
			providerID := resp.OrderID
			o.FulfillmentOrderID = &providerID
		}
		if o.Status.CanTransitionTo(domain.OrderStatusProcessing) {
			o.Status = domain.OrderStatusProcessing
		}
		o.FulfillmentRawStatus = "submitted"
		o.NextRetryAt = nil
		if o.SubmittedAt == nil {
			ts := now
			o.SubmittedAt = &ts
		}
		return true, nil
	})
	if err != nil {
		return SubmissionResult{}, err
	}

	s.logger(ctx, "fulfillment.submit.accepted", map[string]any{
		"orderId":   updated.ID,
		"requestId": resp.RequestID,
	})
	s.recordAudit(ctx, AuditLogRecord{
		OrderRef: updated.ID,
		Action:   submissionAuditAction,
		Message:  "order submitted to fulfillment provider",
		Metadata: map[string]any{"requestId": resp.RequestID},
	})

	if s.notifications != nil {
		if _, err := s.notifications.Dispatch(ctx, updated.ID, domain.NotificationReceipt); err != nil {
			s.logger(ctx, "fulfillment.submit.receipt_dispatch_failed", map[string]any{
				"orderId": updated.ID,
				"error":   err.Error(),
			})
		}
	}

	return SubmissionResult{
		Outcome:   SubmissionAccepted,
		Order:     updated,
		RequestID: resp.RequestID,
	}, nil
}

func (s *fulfillmentService) recordRejection(ctx context.Context, order domain.Order, reason string) (SubmissionResult, error) {
	now := s.clock()
	updated, err := s.orders.Mutate(ctx, order.ID, func(o *domain.Order) (bool, error) {
		if !o.Status.CanTransitionTo(domain.OrderStatusFailed) {
			return false, nil
		}
		o.Status = domain.OrderStatusFailed
		o.FailureReason = reason
		o.NextRetryAt = nil
		if o.FailedAt == nil {
			ts := now
			o.FailedAt = &ts
		}
		return true, nil
	})
	if err != nil {
		return SubmissionResult{}, err
	}

	s.recordAudit(ctx, AuditLogRecord{
		OrderRef: updated.ID,
		Action:   submissionRejectedAuditAction,
		Severity: "error",
		Message:  "provider rejected the order permanently",
		Metadata: map[string]any{"reason": reason},
	})
	return SubmissionResult{Outcome: SubmissionRejected, Order: updated, Reason: reason}, nil
}

func (s *fulfillmentService) recordAudit(ctx context.Context, record AuditLogRecord) {
	if s.audit != nil {
		s.audit.Record(ctx, record)
	}
}
