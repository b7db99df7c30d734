package domain

import (
	"slices"
	"time"
)

// OrderStatus enumerates canonical lifecycle states for fulfillment orders.
type OrderStatus string

const (
	// OrderStatusProcessing indicates the order is paid and is being fulfilled.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusRetryPending indicates a failed or stalled submission awaiting a scheduled retry.
	OrderStatusRetryPending OrderStatus = "retry_pending"
	// OrderStatusPaymentVerificationFailed indicates the payment capture could not be confirmed.
	OrderStatusPaymentVerificationFailed OrderStatus = "payment_verification_failed"
	// OrderStatusShipped indicates the fulfillment provider confirmed shipment.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the carrier confirmed delivery.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusFailed indicates fulfillment failed permanently.
	OrderStatusFailed OrderStatus = "failed"
	// OrderStatusCancelled indicates the order was cancelled by the provider or an operator.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// PaymentStatus enumerates payment capture states, tracked independently of OrderStatus.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

var orderStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusProcessing: {
		OrderStatusRetryPending,
		OrderStatusShipped,
		OrderStatusDelivered,
		OrderStatusFailed,
		OrderStatusCancelled,
	},
	OrderStatusRetryPending: {
		OrderStatusProcessing,
		OrderStatusShipped,
		OrderStatusDelivered,
		OrderStatusFailed,
		OrderStatusCancelled,
	},
	OrderStatusPaymentVerificationFailed: {
		OrderStatusProcessing,
		OrderStatusFailed,
		OrderStatusCancelled,
	},
	// Shipped only ever advances to delivered.
	OrderStatusShipped:   {OrderStatusDelivered},
	OrderStatusDelivered: {},
	OrderStatusFailed:    {},
	OrderStatusCancelled: {},
}

// Valid reports whether the status is a member of the canonical set.
func (s OrderStatus) Valid() bool {
	_, ok := orderStatusTransitions[s]
	return ok
}

// Terminal reports whether the status permits no further transition at all.
func (s OrderStatus) Terminal() bool {
	next, ok := orderStatusTransitions[s]
	return ok && len(next) == 0
}

// CanTransitionTo reports whether the transition s -> target is permitted.
// Identity transitions are allowed so that replayed updates stay no-ops.
func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	if s == target {
		return true
	}
	next, ok := orderStatusTransitions[s]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

// Order is the persisted fulfillment order. All components hold the id and
// re-read through the repository; nothing keeps a private long-lived copy.
type Order struct {
	ID          string      `firestore:"id"`
	OrderNumber string      `firestore:"orderNumber"`
	UserID      string      `firestore:"userId"`
	Status      OrderStatus `firestore:"status"`
	Currency    string      `firestore:"currency"`
	Total       int64       `firestore:"total"`

	PaymentStatus   PaymentStatus `firestore:"paymentStatus"`
	PaymentIntentID string        `firestore:"paymentIntentId"`

	FulfillmentRequestID *string `firestore:"fulfillmentRequestId"`
	// FulfillmentOrderID is write-once; only an audited recovery override may replace it.
	FulfillmentOrderID   *string `firestore:"fulfillmentOrderId"`
	FulfillmentRawStatus string  `firestore:"fulfillmentRawStatus"`

	RetryCount  int        `firestore:"retryCount"`
	NextRetryAt *time.Time `firestore:"nextRetryAt"`

	LastPollingCheckAt *time.Time `firestore:"lastPollingCheckAt"`
	WebhookReceivedAt  *time.Time `firestore:"webhookReceivedAt"`

	ReceiptSentAt        *time.Time `firestore:"receiptSentAt"`
	ShippedEmailSentAt   *time.Time `firestore:"shippedEmailSentAt"`
	DeliveredEmailSentAt *time.Time `firestore:"deliveredEmailSentAt"`

	TrackingNumber    string     `firestore:"trackingNumber"`
	TrackingURL       string     `firestore:"trackingUrl"`
	Carrier           string     `firestore:"carrier"`
	EstimatedDelivery *time.Time `firestore:"estimatedDelivery"`

	TimelineEvents []TimelineEvent `firestore:"timelineEvents"`

	Items           []OrderLineItem `firestore:"items"`
	ShippingAddress *Address        `firestore:"shippingAddress"`
	BillingAddress  *Address        `firestore:"billingAddress"`

	IsGift      bool   `firestore:"isGift"`
	GiftMessage string `firestore:"giftMessage"`

	FailureReason string `firestore:"failureReason"`

	// Version is an optimistic concurrency counter; every conditional write
	// increments it and re-checks it inside the transaction.
	Version int64 `firestore:"version"`

	CreatedAt   time.Time  `firestore:"createdAt"`
	UpdatedAt   time.Time  `firestore:"updatedAt"`
	SubmittedAt *time.Time `firestore:"submittedAt"`
	ShippedAt   *time.Time `firestore:"shippedAt"`
	DeliveredAt *time.Time `firestore:"deliveredAt"`
	FailedAt    *time.Time `firestore:"failedAt"`
	CancelledAt *time.Time `firestore:"cancelledAt"`
}

// Submitted reports whether a submission has been attempted for the order.
func (o Order) Submitted() bool {
	return o.FulfillmentRequestID != nil && *o.FulfillmentRequestID != ""
}

// Accepted reports whether the provider has acknowledged the order.
func (o Order) Accepted() bool {
	return o.FulfillmentOrderID != nil && *o.FulfillmentOrderID != ""
}

// TimelineEvent is an informational projection entry shown on the order page.
// Derived from provider responses, never authoritative for branching logic.
type TimelineEvent struct {
	Type        string    `firestore:"type"`
	Description string    `firestore:"description"`
	OccurredAt  time.Time `firestore:"occurredAt"`
}

// OrderLineItem mirrors the purchased item at checkout time.
type OrderLineItem struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	Quantity  int    `firestore:"quantity"`
	UnitPrice int64  `firestore:"unitPrice"`
}

// Address is a normalized postal address snapshot.
type Address struct {
	Name       string `firestore:"name"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2"`
	City       string `firestore:"city"`
	State      string `firestore:"state"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
	Phone      string `firestore:"phone"`
}

// NotificationKind identifies an at-most-once transactional notification.
type NotificationKind string

const (
	NotificationReceipt   NotificationKind = "order.receipt"
	NotificationShipped   NotificationKind = "order.shipped"
	NotificationDelivered NotificationKind = "order.delivered"
)

// GuardField returns the Firestore field acting as the idempotency guard for the kind.
func (k NotificationKind) GuardField() string {
	switch k {
	case NotificationReceipt:
		return "receiptSentAt"
	case NotificationShipped:
		return "shippedEmailSentAt"
	case NotificationDelivered:
		return "deliveredEmailSentAt"
	default:
		return ""
	}
}

// GuardTimestamp returns the current guard value for the kind, or nil when unsent.
func (o Order) GuardTimestamp(kind NotificationKind) *time.Time {
	switch kind {
	case NotificationReceipt:
		return o.ReceiptSentAt
	case NotificationShipped:
		return o.ShippedEmailSentAt
	case NotificationDelivered:
		return o.DeliveredEmailSentAt
	default:
		return nil
	}
}

// AuditLogEntry is an append-only record attached to an order (or to a sweep
// run for batch records). History survives later status changes.
type AuditLogEntry struct {
	ID        string         `firestore:"id"`
	OrderRef  string         `firestore:"orderRef"`
	Action    string         `firestore:"action"`
	Severity  string         `firestore:"severity"`
	Message   string         `firestore:"message"`
	Metadata  map[string]any `firestore:"metadata"`
	CreatedAt time.Time      `firestore:"createdAt"`
}
