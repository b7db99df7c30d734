package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection  = "processed_webhook_events"
	defaultMaxAttempts = 5
)

// FirestoreOption customises the FirestoreStore behaviour.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection name used to store event markers.
func WithCollection(name string) FirestoreOption {
	return func(store *FirestoreStore) {
		if name != "" {
			store.collection = name
		}
	}
}

// WithMaxAttempts configures the transaction retry attempts.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(store *FirestoreStore) {
		if attempts > 0 {
			store.maxAttempts = attempts
		}
	}
}

// FirestoreStore implements EventStore backed by Google Cloud Firestore.
type FirestoreStore struct {
	client      *firestore.Client
	collection  string
	maxAttempts int
}

// NewFirestoreStore constructs a Firestore-backed processed-event store.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	store := &FirestoreStore{
		client:      client,
		collection:  defaultCollection,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Begin claims the event for processing, returning the stored record when it was seen before.
func (s *FirestoreStore) Begin(ctx context.Context, eventID, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref := s.client.Collection(s.collection).Doc(documentID(eventID))
	attempts := s.maxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var result Claim
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				record := firestoreRecord{
					EventID:     eventID,
					Fingerprint: fingerprint,
					Status:      string(StatusInFlight),
					ReceivedAt:  now,
					ExpiresAt:   now.Add(ttl),
				}
				if err := tx.Set(ref, record); err != nil {
					return err
				}
				result = Claim{State: ClaimStateNew, Record: record.toRecord()}
				return nil
			}
			return err
		}

		var record firestoreRecord
		if err := snap.DataTo(&record); err != nil {
			return err
		}
		if record.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}

		if !record.ExpiresAt.IsZero() && !now.Before(record.ExpiresAt) {
			// Expired markers are reclaimed as if the event were new.
			record = firestoreRecord{
				EventID:     eventID,
				Fingerprint: fingerprint,
				Status:      string(StatusInFlight),
				ReceivedAt:  now,
				ExpiresAt:   now.Add(ttl),
			}
			if err := tx.Set(ref, record); err != nil {
				return err
			}
			result = Claim{State: ClaimStateNew, Record: record.toRecord()}
			return nil
		}

		if record.Status == string(StatusProcessed) {
			result = Claim{State: ClaimStateDuplicate, Record: record.toRecord()}
			return nil
		}

		result = Claim{State: ClaimStateInFlight, Record: record.toRecord()}
		return nil
	}, firestore.MaxAttempts(attempts))

	return result, err
}

// Complete marks the event as fully processed.
func (s *FirestoreStore) Complete(ctx context.Context, eventID string, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref := s.client.Collection(s.collection).Doc(documentID(eventID))

	_, err := ref.Update(ctx, []firestore.Update{
		{Path: "status", Value: string(StatusProcessed)},
		{Path: "processed_at", Value: now},
		{Path: "expires_at", Value: now.Add(ttl)},
	})
	return err
}

// Release removes the claim so that a redelivery can retry processing.
func (s *FirestoreStore) Release(ctx context.Context, eventID string) error {
	ref := s.client.Collection(s.collection).Doc(documentID(eventID))
	_, err := ref.Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

// CleanupExpired removes expired event markers up to the provided limit.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	if limit <= 0 {
		limit = 100
	}

	query := s.client.Collection(s.collection).Where("expires_at", "<=", now).Limit(limit)
	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	batch := s.client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, err
	}

	return len(docs), nil
}

type firestoreRecord struct {
	EventID     string    `firestore:"event_id"`
	Fingerprint string    `firestore:"fingerprint"`
	Status      string    `firestore:"status"`
	ReceivedAt  time.Time `firestore:"received_at"`
	ProcessedAt time.Time `firestore:"processed_at"`
	ExpiresAt   time.Time `firestore:"expires_at"`
}

func (r firestoreRecord) toRecord() Record {
	return Record{
		EventID:     r.EventID,
		Fingerprint: r.Fingerprint,
		Status:      Status(r.Status),
		ReceivedAt:  r.ReceivedAt,
		ProcessedAt: r.ProcessedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}
