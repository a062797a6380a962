package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/stridewear/api/internal/domain"
	pfirestore "github.com/stridewear/api/internal/platform/firestore"
)

const notificationsCollection = "notifications"

type NotificationRepository struct {
	provider      *pfirestore.Provider
	notifications *pfirestore.BaseRepository[notificationDocument]
}

func NewNotificationRepository(provider *pfirestore.Provider) (*NotificationRepository, error) {
	if provider == nil {
		return nil, errors.New("notification repository requires firestore provider")
	}
	notifications := pfirestore.NewBaseRepository[notificationDocument](provider, notificationsCollection, nil, nil)
	return &NotificationRepository{provider: provider, notifications: notifications}, nil
}

func (r *NotificationRepository) Insert(ctx context.Context, notification domain.Notification) error {
	if r == nil || r.notifications == nil {
		return errors.New("notification repository not initialised")
	}
	if strings.TrimSpace(notification.ID) == "" {
		return errors.New("notification insert: id is required")
	}
	if strings.TrimSpace(notification.Recipient) == "" {
		return errors.New("notification insert: recipient is required")
	}

	ref, err := r.notifications.DocumentRef(ctx, notification.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newNotificationDocument(notification)); err != nil {
		return pfirestore.WrapError("notifications.insert", err)
	}
	return nil
}

func (r *NotificationRepository) ListByRecipient(ctx context.Context, recipient string, pager domain.Pagination) (domain.CursorPage[domain.Notification], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Notification]{}, errors.New("notification repository not initialised")
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return domain.CursorPage[domain.Notification]{}, errors.New("notification list: recipient is required")
	}

	pageSize := normalizePageSize(pager.PageSize)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, pfirestore.WrapError("notifications.list", err)
	}

	query := client.Collection(notificationsCollection).
		Where("recipient", "==", recipient).
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(pager.PageToken); token != "" {
		cursor, err := decodeListCursor(token)
		if err != nil {
			return domain.CursorPage[domain.Notification]{}, pfirestore.WrapError("notifications.list", err)
		}
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}

	docs, hasMore, err := collectDocuments[notificationDocument](ctx, query, pageSize, "notifications.list")
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, err
	}

	notifications := make([]domain.Notification, len(docs))
	for i, doc := range docs {
		notifications[i] = doc.data.toDomain(doc.id)
	}

	var nextToken string
	if hasMore && len(notifications) > 0 {
		last := notifications[len(notifications)-1]
		nextToken, err = encodeListCursor(listCursor{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Notification]{}, pfirestore.WrapError("notifications.list", err)
		}
	}

	return domain.CursorPage[domain.Notification]{Items: notifications, NextPageToken: nextToken}, nil
}

// MarkRead verifies ownership inside the transaction so one user cannot
// acknowledge another user's feed entries.
func (r *NotificationRepository) MarkRead(ctx context.Context, recipient string, notificationID string, now time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("notification repository not initialised")
	}
	recipient = strings.TrimSpace(recipient)
	notificationID = strings.TrimSpace(notificationID)
	if recipient == "" || notificationID == "" {
		return errors.New("notification mark read: recipient and id are required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.notifications.DocumentRef(ctx, notificationID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc notificationDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode notification %s: %w", notificationID, err)
		}
		if !strings.EqualFold(doc.Recipient, recipient) {
			return status.Errorf(codes.NotFound, "notification %s not found for recipient", notificationID)
		}
		if doc.Read {
			return nil
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "read", Value: true},
			{Path: "readAt", Value: now.UTC()},
		})
	})
	return pfirestore.WrapError("notifications.markRead", err)
}

func (r *NotificationRepository) MarkAllRead(ctx context.Context, recipient string, now time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("notification repository not initialised")
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return errors.New("notification mark all read: recipient is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError("notifications.markAllRead", err)
	}

	iter := client.Collection(notificationsCollection).
		Where("recipient", "==", recipient).
		Where("read", "==", false).
		Documents(ctx)
	defer iter.Stop()

	writer := client.BulkWriter(ctx)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return pfirestore.WrapError("notifications.markAllRead", err)
		}
		if _, err := writer.Update(snap.Ref, []firestore.Update{
			{Path: "read", Value: true},
			{Path: "readAt", Value: now.UTC()},
		}); err != nil {
			return pfirestore.WrapError("notifications.markAllRead", err)
		}
	}
	writer.End()
	return nil
}

// Helper structures ---------------------------------------------------------

type notificationDocument struct {
	Recipient     string     `firestore:"recipient"`
	Type          string     `firestore:"type"`
	Title         string     `firestore:"title"`
	Message       string     `firestore:"message"`
	CorrelationID string     `firestore:"correlationId,omitempty"`
	Link          string     `firestore:"link,omitempty"`
	Read          bool       `firestore:"read"`
	ReadAt        *time.Time `firestore:"readAt,omitempty"`
	CreatedAt     time.Time  `firestore:"createdAt"`
}

func newNotificationDocument(notification domain.Notification) notificationDocument {
	return notificationDocument{
		Recipient:     strings.TrimSpace(notification.Recipient),
		Type:          string(notification.Type),
		Title:         strings.TrimSpace(notification.Title),
		Message:       strings.TrimSpace(notification.Message),
		CorrelationID: strings.TrimSpace(notification.CorrelationID),
		Link:          strings.TrimSpace(notification.Link),
		Read:          notification.Read,
		CreatedAt:     notification.CreatedAt.UTC(),
	}
}

func (d notificationDocument) toDomain(id string) domain.Notification {
	return domain.Notification{
		ID:            id,
		Recipient:     d.Recipient,
		Type:          domain.NotificationType(d.Type),
		Title:         d.Title,
		Message:       d.Message,
		CorrelationID: d.CorrelationID,
		Link:          d.Link,
		Read:          d.Read,
		CreatedAt:     d.CreatedAt,
	}
}
