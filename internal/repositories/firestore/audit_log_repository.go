package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/stridewear/api/internal/domain"
	pfirestore "github.com/stridewear/api/internal/platform/firestore"
	"github.com/stridewear/api/internal/repositories"
)

const auditLogsCollection = "auditLogs"

type AuditLogRepository struct {
	provider *pfirestore.Provider
	entries  *pfirestore.BaseRepository[auditEntryDocument]
}

func NewAuditLogRepository(provider *pfirestore.Provider) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository requires firestore provider")
	}
	entries := pfirestore.NewBaseRepository[auditEntryDocument](provider, auditLogsCollection, nil, nil)
	return &AuditLogRepository{provider: provider, entries: entries}, nil
}

func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditEntry) error {
	if r == nil || r.entries == nil {
		return errors.New("audit log repository not initialised")
	}
	if strings.TrimSpace(entry.ID) == "" {
		return errors.New("audit append: id is required")
	}

	ref, err := r.entries.DocumentRef(ctx, entry.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newAuditEntryDocument(entry)); err != nil {
		return pfirestore.WrapError("auditLogs.append", err)
	}
	return nil
}

func (r *AuditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditEntry], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.AuditEntry]{}, errors.New("audit log repository not initialised")
	}

	pageSize := normalizePageSize(filter.Pagination.PageSize)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.AuditEntry]{}, pfirestore.WrapError("auditLogs.list", err)
	}

	query := client.Collection(auditLogsCollection).Query
	if kind := strings.TrimSpace(filter.EntityKind); kind != "" {
		query = query.Where("entityKind", "==", kind)
	}
	if entityID := strings.TrimSpace(filter.EntityID); entityID != "" {
		query = query.Where("entityRef", "==", entityID)
	}
	if actorID := strings.TrimSpace(filter.ActorID); actorID != "" {
		query = query.Where("actorRef", "==", actorID)
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := decodeListCursor(token)
		if err != nil {
			return domain.CursorPage[domain.AuditEntry]{}, pfirestore.WrapError("auditLogs.list", err)
		}
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}

	docs, hasMore, err := collectDocuments[auditEntryDocument](ctx, query, pageSize, "auditLogs.list")
	if err != nil {
		return domain.CursorPage[domain.AuditEntry]{}, err
	}

	entries := make([]domain.AuditEntry, len(docs))
	for i, doc := range docs {
		entries[i] = doc.data.toDomain(doc.id)
	}

	var nextToken string
	if hasMore && len(entries) > 0 {
		last := entries[len(entries)-1]
		nextToken, err = encodeListCursor(listCursor{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.AuditEntry]{}, pfirestore.WrapError("auditLogs.list", err)
		}
	}

	return domain.CursorPage[domain.AuditEntry]{Items: entries, NextPageToken: nextToken}, nil
}

// Helper structures ---------------------------------------------------------

type auditEntryDocument struct {
	ActorRef   string    `firestore:"actorRef"`
	EntityKind string    `firestore:"entityKind"`
	EntityRef  string    `firestore:"entityRef"`
	FromStatus string    `firestore:"fromStatus"`
	ToStatus   string    `firestore:"toStatus"`
	Reason     string    `firestore:"reason,omitempty"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

func newAuditEntryDocument(entry domain.AuditEntry) auditEntryDocument {
	return auditEntryDocument{
		ActorRef:   strings.TrimSpace(entry.ActorID),
		EntityKind: strings.TrimSpace(entry.EntityKind),
		EntityRef:  strings.TrimSpace(entry.EntityID),
		FromStatus: strings.TrimSpace(entry.FromStatus),
		ToStatus:   strings.TrimSpace(entry.ToStatus),
		Reason:     strings.TrimSpace(entry.Reason),
		CreatedAt:  entry.CreatedAt.UTC(),
	}
}

func (d auditEntryDocument) toDomain(id string) domain.AuditEntry {
	return domain.AuditEntry{
		ID:         id,
		ActorID:    d.ActorRef,
		EntityKind: d.EntityKind,
		EntityID:   d.EntityRef,
		FromStatus: d.FromStatus,
		ToStatus:   d.ToStatus,
		Reason:     d.Reason,
		CreatedAt:  d.CreatedAt,
	}
}
