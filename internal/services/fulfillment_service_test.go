package services

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/zinc"
)

func paidOrder(id string) domain.Order {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:            id,
		OrderNumber:   "EL-1001",
		UserID:        "usr_1",
		Status:        domain.OrderStatusProcessing,
		PaymentStatus: domain.PaymentStatusSucceeded,
		Currency:      "usd",
		Total:         4599,
		Items: []domain.OrderLineItem{
			{ProductID: "B0TESTASIN", Name: "Ceramic Mug", Quantity: 2, UnitPrice: 1499},
		},
		ShippingAddress: &domain.Address{
			Name:       "Ada Lovelace",
			Line1:      "12 Analytical Way",
			City:       "Palo Alto",
			State:      "CA",
			PostalCode: "94301",
			Country:    "us",
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func newTestFulfillmentService(t *testing.T, repo *fakeOrderRepo, provider *stubProvider, audit AuditLogService, notifier NotificationService) FulfillmentService {
	t.Helper()
	svc, err := NewFulfillmentService(FulfillmentServiceDeps{
		Orders:        repo,
		Provider:      provider,
		Audit:         audit,
		Notifications: notifier,
		Clock:         func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewFulfillmentService: %v", err)
	}
	return svc
}

func TestSubmitAcceptedRecordsRequestAndDispatchesReceipt(t *testing.T) {
	repo := newFakeOrderRepo(paidOrder("ord_1"))
	provider := &stubProvider{submitResp: zinc.SubmitResponse{RequestID: "req_abc"}}
	audit := &recordingAudit{}
	notifier := &stubNotifier{}
	svc := newTestFulfillmentService(t, repo, provider, audit, notifier)

	result, err := svc.Submit(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Outcome != SubmissionAccepted {
		t.Fatalf("outcome = %s, want accepted", result.Outcome)
	}
	if provider.submitCalls != 1 {
		t.Fatalf("provider calls = %d, want exactly 1", provider.submitCalls)
	}

	stored := repo.get("ord_1")
	if stored.FulfillmentRequestID == nil || *stored.FulfillmentRequestID != "req_abc" {
		t.Fatalf("fulfillmentRequestId = %v, want req_abc", stored.FulfillmentRequestID)
	}
	if stored.Status != domain.OrderStatusProcessing {
		t.Fatalf("status = %s, want processing", stored.Status)
	}
	if stored.SubmittedAt == nil {
		t.Fatal("submittedAt not set")
	}
	if stored.FulfillmentRawStatus != "submitted" {
		t.Fatalf("raw status = %q", stored.FulfillmentRawStatus)
	}

	kinds := notifier.kinds()
	if len(kinds) != 1 || kinds[0] != domain.NotificationReceipt {
		t.Fatalf("dispatched kinds = %v, want [order.receipt]", kinds)
	}
}

func TestSubmitBuildsProviderRequestFromOrder(t *testing.T) {
	order := paidOrder("ord_2")
	order.IsGift = true
	order.GiftMessage = `<script>alert("x")</script>Happy birthday!`
	repo := newFakeOrderRepo(order)
	provider := &stubProvider{submitResp: zinc.SubmitResponse{RequestID: "req_def"}}
	svc := newTestFulfillmentService(t, repo, provider, nil, nil)

	if _, err := svc.Submit(context.Background(), "ord_2"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	req := provider.lastSubmit
	if len(req.Products) != 1 || req.Products[0].ProductID != "B0TESTASIN" || req.Products[0].Quantity != 2 {
		t.Fatalf("products = %+v", req.Products)
	}
	if req.ShippingAddress.FirstName != "Ada" || req.ShippingAddress.LastName != "Lovelace" {
		t.Fatalf("name split = %q %q", req.ShippingAddress.FirstName, req.ShippingAddress.LastName)
	}
	if req.ShippingAddress.Country != "US" {
		t.Fatalf("country = %q, want US", req.ShippingAddress.Country)
	}
	if req.BillingAddress != req.ShippingAddress {
		t.Fatal("billing address should default to shipping address")
	}
	if !req.PaymentMethod.UseGift {
		t.Fatal("payment method should use the account balance")
	}
	if req.ClientNotes.OrderID != "ord_2" || req.ClientNotes.OrderNumber != "EL-1001" {
		t.Fatalf("client notes = %+v", req.ClientNotes)
	}
	if strings.Contains(req.GiftMessage, "<script>") {
		t.Fatalf("gift message not sanitized: %q", req.GiftMessage)
	}
	if !strings.Contains(req.GiftMessage, "Happy birthday!") {
		t.Fatalf("gift message lost its text: %q", req.GiftMessage)
	}
}

func TestSubmitValidationErrorFailsOrderTerminally(t *testing.T) {
	repo := newFakeOrderRepo(paidOrder("ord_3"))
	provider := &stubProvider{submitErr: &zinc.ProviderError{
		Kind:       zinc.ErrorKindValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "invalid_shipping_address",
		Message:    "address rejected",
	}}
	audit := &recordingAudit{}
	svc := newTestFulfillmentService(t, repo, provider, audit, nil)

	result, err := svc.Submit(context.Background(), "ord_3")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Outcome != SubmissionRejected {
		t.Fatalf("outcome = %s, want rejected", result.Outcome)
	}

	stored := repo.get("ord_3")
	if stored.Status != domain.OrderStatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if stored.FailureReason == "" {
		t.Fatal("failureReason not recorded")
	}
	if stored.FailedAt == nil {
		t.Fatal("failedAt not set")
	}

	actions := audit.actions()
	if len(actions) != 1 || actions[0] != submissionRejectedAuditAction {
		t.Fatalf("audit actions = %v", actions)
	}
}

func TestSubmitTransientErrorLeavesOrderUntouched(t *testing.T) {
	order := paidOrder("ord_4")
	repo := newFakeOrderRepo(order)
	provider := &stubProvider{submitErr: &zinc.ProviderError{
		Kind:       zinc.ErrorKindTransient,
		StatusCode: http.StatusServiceUnavailable,
		Message:    "upstream timeout",
	}}
	svc := newTestFulfillmentService(t, repo, provider, &recordingAudit{}, nil)

	result, err := svc.Submit(context.Background(), "ord_4")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Outcome != SubmissionRetryable {
		t.Fatalf("outcome = %s, want retryable", result.Outcome)
	}

	stored := repo.get("ord_4")
	if stored.Status != order.Status || stored.Version != order.Version {
		t.Fatalf("transient failure mutated the order: %+v", stored)
	}
}

func TestSubmitSkipsIneligibleOrders(t *testing.T) {
	unpaid := paidOrder("ord_5")
	unpaid.PaymentStatus = domain.PaymentStatusPending

	accepted := paidOrder("ord_6")
	accepted.FulfillmentRequestID = strPtr("req_old")
	accepted.FulfillmentOrderID = strPtr("prov_1")

	terminal := paidOrder("ord_7")
	terminal.Status = domain.OrderStatusDelivered

	repo := newFakeOrderRepo(unpaid, accepted, terminal)
	provider := &stubProvider{submitResp: zinc.SubmitResponse{RequestID: "req_new"}}
	svc := newTestFulfillmentService(t, repo, provider, nil, nil)

	for _, id := range []string{"ord_5", "ord_6", "ord_7"} {
		result, err := svc.Submit(context.Background(), id)
		if err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
		if result.Outcome != SubmissionSkipped {
			t.Fatalf("Submit(%s) outcome = %s, want skipped", id, result.Outcome)
		}
	}
	if provider.submitCalls != 0 {
		t.Fatalf("provider calls = %d, want 0", provider.submitCalls)
	}
}

func TestSubmitWithoutLineItemsRejects(t *testing.T) {
	order := paidOrder("ord_8")
	order.Items = nil
	repo := newFakeOrderRepo(order)
	provider := &stubProvider{}
	svc := newTestFulfillmentService(t, repo, provider, nil, nil)

	result, err := svc.Submit(context.Background(), "ord_8")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Outcome != SubmissionRejected {
		t.Fatalf("outcome = %s, want rejected", result.Outcome)
	}
	if provider.submitCalls != 0 {
		t.Fatalf("provider calls = %d, want 0", provider.submitCalls)
	}
	if repo.get("ord_8").Status != domain.OrderStatusFailed {
		t.Fatalf("status = %s, want failed", repo.get("ord_8").Status)
	}
}
