package zinc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/config"
)

const maxResponseBytes = 1 << 20

// ErrorKind classifies provider failures for retry decisions.
type ErrorKind string

const (
	// ErrorKindValidation marks permanent rejections (bad address, unsupported item).
	ErrorKindValidation ErrorKind = "validation"
	// ErrorKindTransient marks network errors, timeouts, and 5xx responses.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindNotFound marks polls for a request the provider has not queued yet.
	ErrorKindNotFound ErrorKind = "not_found"
)

// ProviderError is a classified failure from the fulfillment provider.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Code       string
	Message    string
	cause      error
}

func (e *ProviderError) Error() string {
	var sb strings.Builder
	sb.WriteString("zinc: ")
	sb.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (http %d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&sb, " code=%s", e.Code)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	return sb.String()
}

func (e *ProviderError) Unwrap() error { return e.cause }

// IsValidation reports whether err is a permanent provider rejection.
func IsValidation(err error) bool { return errorKindIs(err, ErrorKindValidation) }

// IsTransient reports whether err should be retried via the scheduler.
func IsTransient(err error) bool { return errorKindIs(err, ErrorKindTransient) }

// IsNotFound reports whether the provider has no record of the request yet.
func IsNotFound(err error) bool { return errorKindIs(err, ErrorKindNotFound) }

func errorKindIs(err error, kind ErrorKind) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == kind
}

// Doer abstracts the HTTP transport so tests can stub network calls.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the fulfillment provider's order API.
type Client struct {
	baseURL     string
	clientToken string
	retailer    string
	testMode    bool
	httpClient  Doer
	logger      *zap.Logger
}

// ClientOption customises Client construction.
type ClientOption func(*Client)

// WithHTTPClient injects the transport used for provider calls.
func WithHTTPClient(doer Doer) ClientOption {
	return func(c *Client) {
		if doer != nil {
			c.httpClient = doer
		}
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient constructs a provider client from configuration.
func NewClient(cfg config.ZincConfig, opts ...ClientOption) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("zinc: base url is required")
	}
	if strings.TrimSpace(cfg.ClientToken) == "" {
		return nil, errors.New("zinc: client token is required")
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := &Client{
		baseURL:     baseURL,
		clientToken: strings.TrimSpace(cfg.ClientToken),
		retailer:    strings.TrimSpace(cfg.Retailer),
		testMode:    cfg.TestMode,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// SubmitOrder places an order with the provider and returns the correlation id.
func (c *Client) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if req.Retailer == "" {
		req.Retailer = c.retailer
	}
	req.IsTest = c.testMode

	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/orders", req, &resp); err != nil {
		return SubmitResponse{}, err
	}
	if strings.TrimSpace(resp.RequestID) == "" {
		return SubmitResponse{}, &ProviderError{
			Kind:    ErrorKindTransient,
			Message: "submission accepted without a request id",
		}
	}
	return resp, nil
}

// GetOrderStatus polls the provider for the current state of a submitted order.
// A not-found error means the request is not queued yet, not that it failed.
func (c *Client) GetOrderStatus(ctx context.Context, requestID string) (StatusResponse, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return StatusResponse{}, errors.New("zinc: request id is required")
	}

	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, "/orders/"+requestID, nil, &resp); err != nil {
		return StatusResponse{}, err
	}
	if resp.RequestID == "" {
		resp.RequestID = requestID
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("zinc: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("zinc: build request: %w", err)
	}
	httpReq.SetBasicAuth(c.clientToken, "")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &ProviderError{Kind: ErrorKindTransient, Message: "request failed", cause: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return &ProviderError{Kind: ErrorKindTransient, StatusCode: httpResp.StatusCode, Message: "read response", cause: err}
	}

	if perr := classifyResponse(httpResp.StatusCode, raw); perr != nil {
		c.logger.Debug("zinc: provider error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", httpResp.StatusCode),
			zap.String("kind", string(perr.Kind)),
			zap.String("code", perr.Code))
		return perr
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &ProviderError{Kind: ErrorKindTransient, StatusCode: httpResp.StatusCode, Message: "decode response", cause: err}
		}
	}
	return nil
}

type errorEnvelope struct {
	Type    string `json:"_type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validation error codes observed from the provider's order API.
var validationCodes = map[string]struct{}{
	"invalid_shipping_address": {},
	"invalid_billing_address":  {},
	"invalid_payment_method":   {},
	"invalid_card_number":      {},
	"invalid_quantity":         {},
	"product_unavailable":      {},
	"max_price_exceeded":       {},
	"invalid_request":          {},
}

func classifyResponse(statusCode int, raw []byte) *ProviderError {
	var envelope errorEnvelope
	_ = json.Unmarshal(raw, &envelope)
	code := strings.ToLower(strings.TrimSpace(envelope.Code))

	switch {
	case statusCode == http.StatusNotFound || code == "request_not_found":
		return &ProviderError{Kind: ErrorKindNotFound, StatusCode: statusCode, Code: code, Message: envelope.Message}
	case statusCode >= 500:
		return &ProviderError{Kind: ErrorKindTransient, StatusCode: statusCode, Code: code, Message: envelope.Message}
	case statusCode == http.StatusTooManyRequests:
		return &ProviderError{Kind: ErrorKindTransient, StatusCode: statusCode, Code: code, Message: envelope.Message}
	case statusCode >= 400:
		kind := ErrorKindTransient
		if _, ok := validationCodes[code]; ok || statusCode == http.StatusUnprocessableEntity {
			kind = ErrorKindValidation
		}
		return &ProviderError{Kind: kind, StatusCode: statusCode, Code: code, Message: envelope.Message}
	}

	// The provider reports poll-time state inside a 200 envelope. Only the
	// not-yet-queued code is an error here; terminal failure codes flow
	// through so derivation can interpret them.
	if envelope.Type == "error" && code == "request_not_found" {
		return &ProviderError{Kind: ErrorKindNotFound, StatusCode: statusCode, Code: code, Message: envelope.Message}
	}
	return nil
}
