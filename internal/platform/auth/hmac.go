package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultSignatureHeader = "X-Zinc-Signature"
	defaultTimestampHeader = "X-Zinc-Timestamp"
	defaultClockSkew       = 5 * time.Minute
	maxWebhookBodyBytes    = 1 << 20
)

var (
	// ErrSignatureMissing indicates the request carried no signature header.
	ErrSignatureMissing = errors.New("auth: signature missing")
	// ErrSignatureInvalid indicates the computed signature did not match.
	ErrSignatureInvalid = errors.New("auth: signature invalid")
	// ErrTimestampSkewed indicates the signed timestamp is outside the allowed skew.
	ErrTimestampSkewed = errors.New("auth: timestamp outside allowed skew")
)

// WebhookVerifier validates HMAC-SHA256 signed webhook payloads.
type WebhookVerifier struct {
	secret          []byte
	signatureHeader string
	timestampHeader string
	clockSkew       time.Duration
	clock           func() time.Time
}

// WebhookVerifierOption customises verifier construction.
type WebhookVerifierOption func(*WebhookVerifier)

// WithSignatureHeader overrides the header carrying the hex signature.
func WithSignatureHeader(name string) WebhookVerifierOption {
	return func(v *WebhookVerifier) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			v.signatureHeader = trimmed
		}
	}
}

// WithTimestampHeader overrides the header carrying the unix timestamp.
func WithTimestampHeader(name string) WebhookVerifierOption {
	return func(v *WebhookVerifier) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			v.timestampHeader = trimmed
		}
	}
}

// WithClockSkew overrides the allowed signing timestamp skew.
func WithClockSkew(skew time.Duration) WebhookVerifierOption {
	return func(v *WebhookVerifier) {
		if skew > 0 {
			v.clockSkew = skew
		}
	}
}

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) WebhookVerifierOption {
	return func(v *WebhookVerifier) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// NewWebhookVerifier constructs a verifier for the shared secret.
func NewWebhookVerifier(secret string, opts ...WebhookVerifierOption) (*WebhookVerifier, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, errors.New("auth: webhook secret is required")
	}
	verifier := &WebhookVerifier{
		secret:          []byte(trimmed),
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		clockSkew:       defaultClockSkew,
		clock:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}
	return verifier, nil
}

// Verify checks the signature over "timestamp.body" and the timestamp freshness.
func (v *WebhookVerifier) Verify(_ context.Context, signature, timestamp string, body []byte) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrSignatureMissing
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	ts := strings.TrimSpace(timestamp)
	if ts != "" {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: unparseable timestamp", ErrTimestampSkewed)
		}
		signedAt := time.Unix(unix, 0)
		now := v.clock()
		if signedAt.Before(now.Add(-v.clockSkew)) || signedAt.After(now.Add(v.clockSkew)) {
			return ErrTimestampSkewed
		}
	}

	mac := hmac.New(sha256.New, v.secret)
	if ts != "" {
		mac.Write([]byte(ts))
		mac.Write([]byte("."))
	}
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return ErrSignatureInvalid
	}
	return nil
}

// Middleware wraps handlers with webhook signature verification, replaying the
// request body for downstream consumers.
func (v *WebhookVerifier) Middleware(onReject func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	if onReject == nil {
		onReject = func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, "signature verification failed", http.StatusUnauthorized)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
			if err != nil {
				onReject(w, r, fmt.Errorf("auth: read body: %w", err))
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			sig := r.Header.Get(v.signatureHeader)
			ts := r.Header.Get(v.timestampHeader)
			if err := v.Verify(r.Context(), sig, ts, body); err != nil {
				onReject(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
