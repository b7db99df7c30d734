package services

import (
	"context"
	"time"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/zinc"
)

// FulfillmentProvider is the outbound surface of the drop-ship provider API.
type FulfillmentProvider interface {
	SubmitOrder(ctx context.Context, req zinc.SubmitRequest) (zinc.SubmitResponse, error)
	GetOrderStatus(ctx context.Context, requestID string) (zinc.StatusResponse, error)
}

// SubmissionOutcome classifies a single submission attempt.
type SubmissionOutcome string

const (
	// SubmissionAccepted means the provider returned a correlation id.
	SubmissionAccepted SubmissionOutcome = "accepted"
	// SubmissionRejected means the provider rejected the order permanently.
	SubmissionRejected SubmissionOutcome = "rejected"
	// SubmissionRetryable means a transient failure left the order eligible for retry.
	SubmissionRetryable SubmissionOutcome = "retryable"
	// SubmissionSkipped means the order was not in a submittable state.
	SubmissionSkipped SubmissionOutcome = "skipped"
)

// SubmissionResult reports what a submission attempt did to the order.
type SubmissionResult struct {
	Outcome   SubmissionOutcome
	Order     domain.Order
	RequestID string
	Reason    string
}

// FulfillmentService submits paid orders to the fulfillment provider. It never
// retries internally; retry policy belongs to the scheduler.
type FulfillmentService interface {
	Submit(ctx context.Context, orderID string) (SubmissionResult, error)
}

// WebhookService ingests asynchronous provider pushes.
type WebhookService interface {
	ProcessEvent(ctx context.Context, event WebhookEvent) (WebhookResult, error)
}

// WebhookEvent is a verified, decoded provider push.
type WebhookEvent struct {
	// EventID deduplicates provider redeliveries; when the push carries no
	// explicit id the raw payload fingerprint is used.
	EventID string
	// RawPayload is the body as received, fingerprinted for dedup.
	RawPayload []byte
	Response   zinc.StatusResponse
}

// WebhookResult reports how an event was applied.
type WebhookResult struct {
	OrderID   string
	Duplicate bool
	Applied   bool
	Status    domain.OrderStatus
}

// SweepScenario names one of the periodic recovery scenarios.
type SweepScenario string

const (
	ScenarioPaymentRecovery   SweepScenario = "payment_verification_recovery"
	ScenarioRetryDrain        SweepScenario = "retry_pending_drain"
	ScenarioTimeoutDetection  SweepScenario = "timeout_detection"
	ScenarioMissingSubmission SweepScenario = "missing_submission"
)

// ScenarioSummary aggregates one scenario's outcome within a sweep run.
type ScenarioSummary struct {
	Found   int `json:"found"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// SweepSummary is the per-run report returned to the scheduler trigger.
type SweepSummary struct {
	StartedAt  time.Time                         `json:"startedAt"`
	FinishedAt time.Time                         `json:"finishedAt"`
	Healthy    bool                              `json:"healthy"`
	Scenarios  map[SweepScenario]ScenarioSummary `json:"scenarios"`
}

// SweepService runs the periodic reconciliation scenarios.
type SweepService interface {
	Run(ctx context.Context) (SweepSummary, error)
}

// NotificationJobMessage is the payload handed to the email delivery worker.
type NotificationJobMessage struct {
	JobID          string    `json:"jobId"`
	OrderID        string    `json:"orderId"`
	OrderNumber    string    `json:"orderNumber,omitempty"`
	Kind           string    `json:"kind"`
	RecipientEmail string    `json:"recipientEmail,omitempty"`
	TrackingNumber string    `json:"trackingNumber,omitempty"`
	TrackingURL    string    `json:"trackingUrl,omitempty"`
	QueuedAt       time.Time `json:"queuedAt"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
}

// NotificationPublisher enqueues notification jobs for asynchronous delivery.
type NotificationPublisher interface {
	PublishNotificationJob(ctx context.Context, message NotificationJobMessage) (string, error)
}

// NotificationService sends each transactional notification at most once per order.
type NotificationService interface {
	// Dispatch enqueues the notification unless its guard timestamp is already set.
	// The bool reports whether a job was actually published.
	Dispatch(ctx context.Context, orderID string, kind domain.NotificationKind) (bool, error)
	// DispatchForStatus fires the notifications implied by the order's current status.
	DispatchForStatus(ctx context.Context, order domain.Order)
}

// OrderService is the read/admin surface over orders.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	// RequestRetry moves an eligible order to the front of the retry queue.
	RequestRetry(ctx context.Context, orderID string) (domain.Order, error)
}

// AuditLogRecord captures one append-only audit event before normalisation.
type AuditLogRecord struct {
	OrderRef   string
	Action     string
	Severity   string
	Message    string
	Metadata   map[string]any
	OccurredAt time.Time
}

// AuditLogService records append-only history for orders and sweep runs.
type AuditLogService interface {
	// Record persists the entry; failures are logged, never propagated, so
	// audit writes cannot interrupt the primary mutation flow.
	Record(ctx context.Context, record AuditLogRecord)
}
