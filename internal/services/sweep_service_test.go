package services

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/payments"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/config"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/zinc"
)

var sweepNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type stubVerifier struct {
	mu           sync.Mutex
	verification payments.Verification
	err          error
	calls        int
}

func (v *stubVerifier) VerifyPayment(_ context.Context, intentID string) (payments.Verification, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.err != nil {
		return payments.Verification{}, v.err
	}
	verification := v.verification
	if verification.IntentID == "" {
		verification.IntentID = intentID
	}
	return verification, nil
}

func newTestSweepService(t *testing.T, repo *fakeOrderRepo, provider *stubProvider, verifier *stubVerifier, audit AuditLogService) SweepService {
	t.Helper()
	clock := func() time.Time { return sweepNow }
	repo.clock = clock

	fulfillment, err := NewFulfillmentService(FulfillmentServiceDeps{
		Orders:   repo,
		Provider: provider,
		Audit:    audit,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("NewFulfillmentService: %v", err)
	}

	svc, err := NewSweepService(SweepServiceDeps{
		Orders:      repo,
		Fulfillment: fulfillment,
		Provider:    provider,
		Payments:    verifier,
		Scheduler:   NewRetryScheduler(),
		Audit:       audit,
		Config:      config.SweepConfig{BatchSize: 10, Concurrency: 2},
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("NewSweepService: %v", err)
	}
	return svc
}

func TestSweepRecoversPaymentAndSubmits(t *testing.T) {
	order := paidOrder("ord_s1")
	order.Status = domain.OrderStatusPaymentVerificationFailed
	order.PaymentStatus = domain.PaymentStatusPending
	order.PaymentIntentID = "pi_s1"
	order.CreatedAt = sweepNow.Add(-2 * time.Hour)
	order.UpdatedAt = order.CreatedAt

	repo := newFakeOrderRepo(order)
	provider := &stubProvider{submitResp: zinc.SubmitResponse{RequestID: "req_s1"}}
	verifier := &stubVerifier{verification: payments.Verification{
		Status: domain.PaymentStatusSucceeded,
		Detail: "succeeded",
	}}
	audit := &recordingAudit{}
	svc := newTestSweepService(t, repo, provider, verifier, audit)

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Healthy {
		t.Fatal("run reported unhealthy")
	}
	scenario := summary.Scenarios[ScenarioPaymentRecovery]
	if scenario.Found != 1 || scenario.Updated != 1 || scenario.Failed != 0 {
		t.Fatalf("payment recovery summary = %+v", scenario)
	}

	stored := repo.get("ord_s1")
	if stored.PaymentStatus != domain.PaymentStatusSucceeded {
		t.Fatalf("payment status = %s", stored.PaymentStatus)
	}
	if stored.Status != domain.OrderStatusProcessing {
		t.Fatalf("status = %s, want processing", stored.Status)
	}
	if !stored.Submitted() {
		t.Fatal("recovered order was not submitted")
	}
	if verifier.calls != 1 {
		t.Fatalf("verifier calls = %d", verifier.calls)
	}
}

func TestSweepLeavesUnrecoveredPaymentAlone(t *testing.T) {
	order := paidOrder("ord_s2")
	order.Status = domain.OrderStatusPaymentVerificationFailed
	order.PaymentStatus = domain.PaymentStatusPending
	order.CreatedAt = sweepNow.Add(-time.Hour)
	order.UpdatedAt = order.CreatedAt

	repo := newFakeOrderRepo(order)
	provider := &stubProvider{}
	verifier := &stubVerifier{verification: payments.Verification{Status: domain.PaymentStatusPending}}
	svc := newTestSweepService(t, repo, provider, verifier, &recordingAudit{})

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	scenario := summary.Scenarios[ScenarioPaymentRecovery]
	if scenario.Found != 1 || scenario.Updated != 0 {
		t.Fatalf("summary = %+v", scenario)
	}
	if provider.submitCalls != 0 {
		t.Fatal("unrecovered order was submitted")
	}
	if repo.get("ord_s2").Status != domain.OrderStatusPaymentVerificationFailed {
		t.Fatalf("status changed to %s", repo.get("ord_s2").Status)
	}
}

func TestSweepDrainsDueRetry(t *testing.T) {
	order := paidOrder("ord_s3")
	order.Status = domain.OrderStatusRetryPending
	order.RetryCount = 1
	order.NextRetryAt = timePtr(sweepNow.Add(-5 * time.Minute))
	order.CreatedAt = sweepNow.Add(-3 * time.Hour)
	order.UpdatedAt = order.CreatedAt

	repo := newFakeOrderRepo(order)
	provider := &stubProvider{submitResp: zinc.SubmitResponse{RequestID: "req_s3"}}
	svc := newTestSweepService(t, repo, provider, &stubVerifier{}, &recordingAudit{})

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	scenario := summary.Scenarios[ScenarioRetryDrain]
	if scenario.Found != 1 || scenario.Updated != 1 {
		t.Fatalf("retry drain summary = %+v", scenario)
	}

	stored := repo.get("ord_s3")
	if stored.Status != domain.OrderStatusProcessing {
		t.Fatalf("status = %s, want processing", stored.Status)
	}
	if stored.NextRetryAt != nil {
		t.Fatal("nextRetryAt not cleared after acceptance")
	}
}

func TestSweepFailsOrderAtRetryCeiling(t *testing.T) {
	order := paidOrder("ord_s4")
	order.Status = domain.OrderStatusRetryPending
	order.RetryCount = 2
	order.NextRetryAt = timePtr(sweepNow.Add(-time.Minute))
	order.CreatedAt = sweepNow.Add(-20 * time.Hour)
	order.UpdatedAt = order.CreatedAt

	repo := newFakeOrderRepo(order)
	provider := &stubProvider{submitErr: &zinc.ProviderError{
		Kind:       zinc.ErrorKindTransient,
		StatusCode: http.StatusServiceUnavailable,
		Message:    "still down",
	}}
	audit := &recordingAudit{}
	svc := newTestSweepService(t, repo, provider, &stubVerifier{}, audit)

	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stored := repo.get("ord_s4")
	if stored.Status != domain.OrderStatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if stored.RetryCount != 3 {
		t.Fatalf("retryCount = %d, want 3", stored.RetryCount)
	}
	if stored.NextRetryAt != nil {
		t.Fatal("nextRetryAt should be cleared on exhaustion")
	}
	if stored.FailureReason == "" {
		t.Fatal("failureReason not recorded")
	}

	found := false
	for _, action := range audit.actions() {
		if action == retryExhaustedAction {
			found = true
		}
	}
	if !found {
		t.Fatalf("audit actions = %v, want %s", audit.actions(), retryExhaustedAction)
	}
}

func TestSweepReschedulesTransientRetry(t *testing.T) {
	order := paidOrder("ord_s5")
	order.Status = domain.OrderStatusRetryPending
	order.RetryCount = 0
	order.NextRetryAt = timePtr(sweepNow.Add(-time.Minute))
	order.CreatedAt = sweepNow.Add(-2 * time.Hour)
	order.UpdatedAt = order.CreatedAt

	repo := newFakeOrderRepo(order)
	provider := &stubProvider{submitErr: &zinc.ProviderError{
		Kind:       zinc.ErrorKindTransient,
		StatusCode: http.StatusBadGateway,
		Message:    "bad gateway",
	}}
	svc := newTestSweepService(t, repo, provider, &stubVerifier{}, nil)

	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stored := repo.get("ord_s5")
	if stored.Status != domain.OrderStatusRetryPending {
		t.Fatalf("status = %s, want retry_pending", stored.Status)
	}
	if stored.RetryCount != 1 {
		t.Fatalf("retryCount = %d, want 1", stored.RetryCount)
	}
	wantNext := sweepNow.Add(30 * time.Minute)
	if stored.NextRetryAt == nil || !stored.NextRetryAt.Equal(wantNext) {
		t.Fatalf("nextRetryAt = %v, want %v", stored.NextRetryAt, wantNext)
	}
}

func TestSweepDemotesStaleSubmittedOrder(t *testing.T) {
	order := paidOrder("ord_s6")
	order.FulfillmentRequestID = strPtr("req_s6")
	order.SubmittedAt = timePtr(sweepNow.Add(-3 * time.Hour))
	order.CreatedAt = sweepNow.Add(-3 * time.Hour)
	order.UpdatedAt = sweepNow.Add(-2 * time.Hour)

	repo := newFakeOrderRepo(order)
	// Poll returns an empty response, so no progress can be derived.
	provider := &stubProvider{statusResp: zinc.StatusResponse{}}
	audit := &recordingAudit{}
	svc := newTestSweepService(t, repo, provider, &stubVerifier{}, audit)

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	scenario := summary.Scenarios[ScenarioTimeoutDetection]
	if scenario.Found != 1 || scenario.Updated != 1 {
		t.Fatalf("timeout detection summary = %+v", scenario)
	}
	if provider.statusCalls != 1 {
		t.Fatalf("status polls = %d, want 1", provider.statusCalls)
	}

	stored := repo.get("ord_s6")
	if stored.Status != domain.OrderStatusRetryPending {
		t.Fatalf("status = %s, want retry_pending", stored.Status)
	}
	wantNext := sweepNow.Add(30 * time.Minute)
	if stored.NextRetryAt == nil || !stored.NextRetryAt.Equal(wantNext) {
		t.Fatalf("nextRetryAt = %v, want %v", stored.NextRetryAt, wantNext)
	}
}

func TestSweepPollAppliesProviderProgressInsteadOfDemoting(t *testing.T) {
	order := paidOrder("ord_s7")
	order.FulfillmentRequestID = strPtr("req_s7")
	order.SubmittedAt = timePtr(sweepNow.Add(-4 * time.Hour))
	order.CreatedAt = sweepNow.Add(-4 * time.Hour)
	order.UpdatedAt = sweepNow.Add(-90 * time.Minute)

	repo := newFakeOrderRepo(order)
	provider := &stubProvider{statusResp: zinc.StatusResponse{
		RequestID: "req_s7",
		Type:      zinc.EventShipmentShipped,
		Tracking: []zinc.TrackingEntry{
			{Carrier: "usps", TrackingNumber: "94001", TrackingURL: "https://t.example/94001"},
		},
	}}
	svc := newTestSweepService(t, repo, provider, &stubVerifier{}, nil)

	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stored := repo.get("ord_s7")
	if stored.Status != domain.OrderStatusShipped {
		t.Fatalf("status = %s, want shipped", stored.Status)
	}
	if stored.TrackingNumber != "94001" {
		t.Fatalf("tracking not merged: %q", stored.TrackingNumber)
	}
	if stored.LastPollingCheckAt == nil {
		t.Fatal("lastPollingCheckAt not set by the polling path")
	}
	if stored.NextRetryAt != nil {
		t.Fatal("order with provider progress should not be rescheduled")
	}
}

func TestSweepSubmitsMissingSubmission(t *testing.T) {
	order := paidOrder("ord_s8")
	order.CreatedAt = sweepNow.Add(-2 * time.Hour)
	order.UpdatedAt = order.CreatedAt

	repo := newFakeOrderRepo(order)
	provider := &stubProvider{submitResp: zinc.SubmitResponse{RequestID: "req_s8"}}
	svc := newTestSweepService(t, repo, provider, &stubVerifier{}, nil)

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	scenario := summary.Scenarios[ScenarioMissingSubmission]
	if scenario.Found != 1 || scenario.Updated != 1 {
		t.Fatalf("missing submission summary = %+v", scenario)
	}
	if !repo.get("ord_s8").Submitted() {
		t.Fatal("order was not submitted")
	}
}

func TestSweepIgnoresTerminalAndHealthyOrders(t *testing.T) {
	delivered := paidOrder("ord_s9")
	delivered.Status = domain.OrderStatusDelivered
	delivered.FulfillmentRequestID = strPtr("req_s9")
	delivered.CreatedAt = sweepNow.Add(-2 * time.Hour)
	delivered.UpdatedAt = sweepNow.Add(-2 * time.Hour)

	healthy := paidOrder("ord_s10")
	healthy.FulfillmentRequestID = strPtr("req_s10")
	healthy.CreatedAt = sweepNow.Add(-10 * time.Minute)
	healthy.UpdatedAt = sweepNow.Add(-10 * time.Minute)

	repo := newFakeOrderRepo(delivered, healthy)
	provider := &stubProvider{}
	svc := newTestSweepService(t, repo, provider, &stubVerifier{}, nil)

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for name, scenario := range summary.Scenarios {
		if scenario.Found != 0 || scenario.Updated != 0 {
			t.Fatalf("scenario %s touched orders: %+v", name, scenario)
		}
	}
	if provider.submitCalls != 0 || provider.statusCalls != 0 {
		t.Fatal("provider was called for healthy orders")
	}
}
