package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore provides an in-memory implementation useful for testing and local development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty memory-backed processed-event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Begin implements the EventStore interface.
func (s *MemoryStore) Begin(_ context.Context, eventID, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	id := documentID(eventID)

	record, ok := s.records[id]
	if !ok || (!record.ExpiresAt.IsZero() && !now.Before(record.ExpiresAt)) {
		record = Record{
			EventID:     eventID,
			Fingerprint: fingerprint,
			Status:      StatusInFlight,
			ReceivedAt:  now,
			ExpiresAt:   now.Add(ttl),
		}
		s.records[id] = record
		return Claim{State: ClaimStateNew, Record: record}, nil
	}

	if record.Fingerprint != fingerprint {
		return Claim{}, ErrFingerprintMismatch
	}

	if record.Status == StatusProcessed {
		return Claim{State: ClaimStateDuplicate, Record: record}, nil
	}

	return Claim{State: ClaimStateInFlight, Record: record}, nil
}

// Complete implements the EventStore interface.
func (s *MemoryStore) Complete(_ context.Context, eventID string, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	id := documentID(eventID)
	record, ok := s.records[id]
	if !ok {
		record = Record{EventID: eventID, ReceivedAt: now}
	}
	record.Status = StatusProcessed
	record.ProcessedAt = now
	record.ExpiresAt = now.Add(ttl)
	s.records[id] = record
	return nil
}

// Release implements the EventStore interface.
func (s *MemoryStore) Release(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, documentID(eventID))
	return nil
}

// CleanupExpired implements the EventStore interface.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}

	removed := 0
	for id, record := range s.records {
		if record.ExpiresAt.IsZero() || now.Before(record.ExpiresAt) {
			continue
		}
		delete(s.records, id)
		removed++
		if removed >= limit {
			break
		}
	}

	return removed, nil
}
