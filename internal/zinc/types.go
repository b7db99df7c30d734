package zinc

import "time"

// Product is a single line item in a submission request.
type Product struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Address is the provider's address shape, shared by shipping and billing.
type Address struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	AddressLine  string `json:"address_line1"`
	AddressLine2 string `json:"address_line2,omitempty"`
	ZipCode      string `json:"zip_code"`
	City         string `json:"city"`
	State        string `json:"state"`
	Country      string `json:"country"`
	PhoneNumber  string `json:"phone_number,omitempty"`
}

// PaymentMethod carries the instrument used for the retailer purchase.
type PaymentMethod struct {
	NameOnCard      string `json:"name_on_card,omitempty"`
	Number          string `json:"number,omitempty"`
	SecurityCode    string `json:"security_code,omitempty"`
	ExpirationMonth int    `json:"expiration_month,omitempty"`
	ExpirationYear  int    `json:"expiration_year,omitempty"`
	UseGift         bool   `json:"use_gift,omitempty"`
}

// Webhooks lists the callback URLs the provider should push events to.
type Webhooks struct {
	RequestSucceeded string `json:"request_succeeded,omitempty"`
	RequestFailed    string `json:"request_failed,omitempty"`
	TrackingObtained string `json:"tracking_obtained,omitempty"`
	StatusUpdated    string `json:"status_updated,omitempty"`
}

// SubmitRequest is the order submission payload.
type SubmitRequest struct {
	Retailer        string        `json:"retailer"`
	Products        []Product     `json:"products"`
	ShippingAddress Address       `json:"shipping_address"`
	BillingAddress  Address       `json:"billing_address"`
	PaymentMethod   PaymentMethod `json:"payment_method"`
	ShippingMethod  string        `json:"shipping_method,omitempty"`
	IsGift          bool          `json:"is_gift"`
	GiftMessage     string        `json:"gift_message,omitempty"`
	MaxPrice        int64         `json:"max_price,omitempty"`
	Webhooks        *Webhooks     `json:"webhooks,omitempty"`
	ClientNotes     ClientNotes   `json:"client_notes"`
	IsTest          bool          `json:"is_test"`
}

// ClientNotes round-trips our identifiers through the provider.
type ClientNotes struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number,omitempty"`
}

// SubmitResponse is the synchronous submission acknowledgement.
type SubmitResponse struct {
	RequestID string `json:"request_id"`
	// OrderID is only present when the provider accepts synchronously.
	OrderID string `json:"order_id,omitempty"`
}

// StatusUpdate is one typed event in a poll response or webhook push.
type StatusUpdate struct {
	Type      string         `json:"type"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt *time.Time     `json:"created_at,omitempty"`
}

// MerchantOrder is the provider's per-merchant order record.
type MerchantOrder struct {
	MerchantOrderID string     `json:"merchant_order_id"`
	Merchant        string     `json:"merchant,omitempty"`
	TrackingURL     string     `json:"tracking_url,omitempty"`
	PlacedAt        *time.Time `json:"placed_at,omitempty"`
}

// DeliveryDate is a per-product delivery confirmation.
type DeliveryDate struct {
	Date      *time.Time `json:"date,omitempty"`
	Product   *Product   `json:"product,omitempty"`
	Delivered bool       `json:"delivered,omitempty"`
}

// TrackingEntry is a per-shipment tracking record.
type TrackingEntry struct {
	MerchantOrderID string     `json:"merchant_order_id,omitempty"`
	Carrier         string     `json:"carrier,omitempty"`
	TrackingNumber  string     `json:"tracking_number,omitempty"`
	TrackingURL     string     `json:"tracking_url,omitempty"`
	DeliveryStatus  string     `json:"delivery_status,omitempty"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
	ObtainedAt      *time.Time `json:"obtained_at,omitempty"`
}

// StatusResponse is the intermediate representation every provider response is
// normalised into before derivation. The same shape covers poll responses and
// webhook pushes; every field is optional and must be treated as possibly absent.
type StatusResponse struct {
	RequestID        string          `json:"request_id,omitempty"`
	Type             string          `json:"_type,omitempty"`
	Code             string          `json:"code,omitempty"`
	Message          string          `json:"message,omitempty"`
	StatusUpdates    []StatusUpdate  `json:"status_updates,omitempty"`
	MerchantOrderIDs []MerchantOrder `json:"merchant_order_ids,omitempty"`
	DeliveryDates    []DeliveryDate  `json:"delivery_dates,omitempty"`
	Tracking         []TrackingEntry `json:"tracking,omitempty"`
}

// Provider event vocabulary observed across poll responses and webhook pushes.
const (
	EventRequestPlaced     = "request.placed"
	EventRequestFinished   = "request.finished"
	EventRequestFailed     = "request.failed"
	EventRequestCancelled  = "request.cancelled"
	EventShipmentShipped   = "shipment.shipped"
	EventShipmentDelivered = "shipment.delivered"
	EventTrackingObtained  = "tracking.obtained"
	EventStatusUpdated     = "status_updated"
)
