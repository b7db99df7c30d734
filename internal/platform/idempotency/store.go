package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Status represents the lifecycle state of a processed-event record.
type Status string

const (
	// DefaultTTL is the default duration that event records are retained.
	DefaultTTL = 72 * time.Hour
	// StatusInFlight indicates the event has been claimed but processing has not finished.
	StatusInFlight Status = "in_flight"
	// StatusProcessed indicates the event was fully applied and duplicates must be dropped.
	StatusProcessed Status = "processed"
)

// ClaimState describes the outcome of attempting to claim an event for processing.
type ClaimState int

const (
	// ClaimStateNew means the event has not been seen before and the caller may process it.
	ClaimStateNew ClaimState = iota
	// ClaimStateDuplicate means the event was already fully processed.
	ClaimStateDuplicate
	// ClaimStateInFlight means another request is currently processing this event.
	ClaimStateInFlight
)

// Claim encapsulates the result of claiming an event, including the stored record if one exists.
type Claim struct {
	State  ClaimState
	Record Record
}

// Record captures the persisted marker for a delivered provider event.
type Record struct {
	EventID     string
	Fingerprint string
	Status      Status
	ReceivedAt  time.Time
	ProcessedAt time.Time
	ExpiresAt   time.Time
}

// EventStore persists processed-event markers so that redelivered webhooks are applied once.
type EventStore interface {
	Begin(ctx context.Context, eventID, fingerprint string, now time.Time, ttl time.Duration) (Claim, error)
	Complete(ctx context.Context, eventID string, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, eventID string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when an event ID is redelivered with a different payload fingerprint.
var ErrFingerprintMismatch = errors.New("idempotency: event redelivered with different payload fingerprint")

// Fingerprint derives a stable hex digest of the raw event payload.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func documentID(eventID string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(eventID)))
	return hex.EncodeToString(sum[:])
}
