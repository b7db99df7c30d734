package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/repositories"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/zinc"
)

// fakeOrderRepo is an in-memory stand-in for the Firestore order repository.
// Mutate mirrors the real transaction contract: the closure sees a fresh copy,
// a reported change bumps the version, and a no-op leaves the stored document
// untouched.
type fakeOrderRepo struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	clock  func() time.Time

	findErr   error
	mutateErr error
}

func newFakeOrderRepo(orders ...domain.Order) *fakeOrderRepo {
	repo := &fakeOrderRepo{
		orders: make(map[string]domain.Order, len(orders)),
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, order := range orders {
		repo.orders[order.ID] = order
	}
	return repo
}

func (r *fakeOrderRepo) get(id string) domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[id]
}

func (r *fakeOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	if r.findErr != nil {
		return domain.Order{}, r.findErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.ErrOrderNotFound
	}
	return order, nil
}

func (r *fakeOrderRepo) FindByFulfillmentRequestID(_ context.Context, requestID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, order := range r.orders {
		if order.FulfillmentRequestID != nil && *order.FulfillmentRequestID == requestID {
			return order, nil
		}
	}
	return domain.Order{}, repositories.ErrOrderNotFound
}

func (r *fakeOrderRepo) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	r.orders[order.ID] = order
	return nil
}

func (r *fakeOrderRepo) Mutate(_ context.Context, orderID string, fn repositories.OrderMutation) (domain.Order, error) {
	if r.mutateErr != nil {
		return domain.Order{}, r.mutateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.ErrOrderNotFound
	}
	changed, err := fn(&order)
	if err != nil {
		return domain.Order{}, err
	}
	if !changed {
		return order, nil
	}
	order.Version++
	order.UpdatedAt = r.clock()
	r.orders[orderID] = order
	return order, nil
}

func (r *fakeOrderRepo) ClaimNotificationGuard(ctx context.Context, orderID string, kind domain.NotificationKind, at time.Time) (bool, error) {
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
	return claimed, err
}

func (r *fakeOrderRepo) ReleaseNotificationGuard(ctx context.Context, orderID string, kind domain.NotificationKind) error {
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

func (r *fakeOrderRepo) ListPaymentVerificationFailed(_ context.Context, createdAfter time.Time, limit int) ([]domain.Order, error) {
	return r.list(limit, func(order domain.Order) bool {
		return order.Status == domain.OrderStatusPaymentVerificationFailed && !order.CreatedAt.Before(createdAfter)
	})
}

func (r *fakeOrderRepo) ListRetryDue(_ context.Context, now time.Time, ceiling int, limit int) ([]domain.Order, error) {
	return r.list(limit, func(order domain.Order) bool {
		return order.Status == domain.OrderStatusRetryPending &&
			order.NextRetryAt != nil && !order.NextRetryAt.After(now) &&
			order.RetryCount < ceiling
	})
}

func (r *fakeOrderRepo) ListStaleProcessing(_ context.Context, updatedBefore time.Time, limit int) ([]domain.Order, error) {
	return r.list(limit, func(order domain.Order) bool {
		return order.Status == domain.OrderStatusProcessing &&
			!order.UpdatedAt.After(updatedBefore) &&
			order.Submitted()
	})
}

func (r *fakeOrderRepo) ListMissingSubmission(_ context.Context, createdAfter time.Time, limit int) ([]domain.Order, error) {
	return r.list(limit, func(order domain.Order) bool {
		return order.Status == domain.OrderStatusProcessing &&
			order.PaymentStatus == domain.PaymentStatusSucceeded &&
			!order.CreatedAt.Before(createdAfter) &&
			!order.Submitted() && !order.Accepted()
	})
}

func (r *fakeOrderRepo) list(limit int, keep func(domain.Order) bool) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var orders []domain.Order
	for _, order := range r.orders {
		if keep(order) {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

// stubProvider scripts provider responses per call.
type stubProvider struct {
	mu          sync.Mutex
	submitResp  zinc.SubmitResponse
	submitErr   error
	submitCalls int
	lastSubmit  zinc.SubmitRequest

	statusResp  zinc.StatusResponse
	statusErr   error
	statusCalls int
}

func (p *stubProvider) SubmitOrder(_ context.Context, req zinc.SubmitRequest) (zinc.SubmitResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitCalls++
	p.lastSubmit = req
	if p.submitErr != nil {
		return zinc.SubmitResponse{}, p.submitErr
	}
	return p.submitResp, nil
}

func (p *stubProvider) GetOrderStatus(_ context.Context, requestID string) (zinc.StatusResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusCalls++
	if p.statusErr != nil {
		return zinc.StatusResponse{}, p.statusErr
	}
	resp := p.statusResp
	if resp.RequestID == "" {
		resp.RequestID = requestID
	}
	return resp, nil
}

// recordingAudit captures audit records for assertions.
type recordingAudit struct {
	mu      sync.Mutex
	records []AuditLogRecord
}

func (a *recordingAudit) Record(_ context.Context, record AuditLogRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record)
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	actions := make([]string, 0, len(a.records))
	for _, record := range a.records {
		actions = append(actions, record.Action)
	}
	return actions
}

// stubPublisher captures published notification jobs.
type stubPublisher struct {
	mu       sync.Mutex
	err      error
	messages []NotificationJobMessage
}

func (p *stubPublisher) PublishNotificationJob(_ context.Context, message NotificationJobMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, message)
	return message.JobID, nil
}

func (p *stubPublisher) published() []NotificationJobMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]NotificationJobMessage(nil), p.messages...)
}

// stubNotifier records dispatch requests without touching guards.
type stubNotifier struct {
	mu         sync.Mutex
	err        error
	dispatches []struct {
		OrderID string
		Kind    domain.NotificationKind
	}
}

func (n *stubNotifier) Dispatch(_ context.Context, orderID string, kind domain.NotificationKind) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return false, n.err
	}
	n.dispatches = append(n.dispatches, struct {
		OrderID string
		Kind    domain.NotificationKind
	}{orderID, kind})
	return true, nil
}

func (n *stubNotifier) DispatchForStatus(ctx context.Context, order domain.Order) {
	switch order.Status {
	case domain.OrderStatusShipped:
		_, _ = n.Dispatch(ctx, order.ID, domain.NotificationShipped)
	case domain.OrderStatusDelivered:
		_, _ = n.Dispatch(ctx, order.ID, domain.NotificationDelivered)
	}
}

func (n *stubNotifier) kinds() []domain.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]domain.NotificationKind, 0, len(n.dispatches))
	for _, d := range n.dispatches {
		kinds = append(kinds, d.Kind)
	}
	return kinds
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
