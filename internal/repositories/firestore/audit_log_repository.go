package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
	pfirestore "github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/firestore"
)

const auditLogsCollection = "order_audit_logs"

// AuditLogRepository appends immutable audit records to Firestore.
type AuditLogRepository struct {
	base *pfirestore.BaseRepository[domain.AuditLogEntry]
}

// NewAuditLogRepository constructs a Firestore-backed audit log repository.
func NewAuditLogRepository(provider *pfirestore.Provider) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository: firestore provider is required")
	}
	return &AuditLogRepository{
		base: pfirestore.NewBaseRepository[domain.AuditLogEntry](provider, auditLogsCollection, nil),
	}, nil
}

// Append writes the entry. Entries are never updated; Create enforces that.
func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	if r == nil || r.base == nil {
		return errors.New("audit log repository not initialised")
	}
	entryID := strings.TrimSpace(entry.ID)
	if entryID == "" {
		return errors.New("audit log repository: entry id is required")
	}
	if strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit log repository: action is required")
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	if _, err := r.base.Create(ctx, entryID, entry); err != nil {
		return err
	}
	return nil
}

// ListByOrder returns the most recent audit entries for an order.
func (r *AuditLogRepository) ListByOrder(ctx context.Context, orderID string, limit int) ([]domain.AuditLogEntry, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("audit log repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("audit log repository: order id is required")
	}
	if limit <= 0 {
		limit = 50
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderRef", "==", orderID).
			OrderBy("createdAt", firestore.Desc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	entries := make([]domain.AuditLogEntry, 0, len(docs))
	for _, doc := range docs {
		entry := doc.Data
		entry.ID = doc.ID
		entries = append(entries, entry)
	}
	return entries, nil
}
