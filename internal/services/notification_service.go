package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/stridewear/api/internal/domain"
	"github.com/stridewear/api/internal/repositories"
)

const notificationIDPrefix = "ntf_"

var (
	// ErrNotificationInvalidInput signals the caller provided invalid data.
	ErrNotificationInvalidInput = errors.New("notification: invalid input")
	// ErrNotificationNotFound indicates the notification could not be located.
	ErrNotificationNotFound = errors.New("notification: not found")
)

// NotificationEventPublisher pushes emitted notifications onto the fan-out topic.
type NotificationEventPublisher interface {
	PublishNotification(ctx context.Context, notification Notification) error
}

// NotificationServiceDeps bundles collaborators required to construct the notification service.
type NotificationServiceDeps struct {
	Notifications repositories.NotificationRepository
	Events        NotificationEventPublisher
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type notificationService struct {
	repo   repositories.NotificationRepository
	events NotificationEventPublisher
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewNotificationService wires dependencies into a concrete NotificationService implementation.
func NewNotificationService(deps NotificationServiceDeps) (NotificationService, error) {
	if deps.Notifications == nil {
		return nil, errors.New("notification service: notification repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &notificationService{
		repo:   deps.Notifications,
		events: deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Emit stores and publishes a notification. Emission is fire-and-forget:
// failures are logged and the triggering operation proceeds regardless.
func (s *notificationService) Emit(ctx context.Context, cmd EmitNotificationCommand) {
	recipient := strings.TrimSpace(cmd.Recipient)
	if recipient == "" {
		s.logger(ctx, "notification.emit.invalid", map[string]any{
			"type":  string(cmd.Type),
			"error": "recipient is required",
		})
		return
	}

	now := s.now()
	notification := Notification{
		ID:            notificationIDPrefix + s.newID(),
		Recipient:     recipient,
		Type:          cmd.Type,
		Title:         strings.TrimSpace(cmd.Title),
		Message:       strings.TrimSpace(cmd.Message),
		CorrelationID: strings.TrimSpace(cmd.CorrelationID),
		Link:          strings.TrimSpace(cmd.Link),
		CreatedAt:     now,
	}

	if err := s.repo.Insert(ctx, domain.Notification(notification)); err != nil {
		s.logger(ctx, "notification.store.failed", map[string]any{
			"recipient":   recipient,
			"type":        string(cmd.Type),
			"correlation": notification.CorrelationID,
			"error":       err.Error(),
		})
		return
	}

	if s.events != nil {
		if err := s.events.PublishNotification(ctx, notification); err != nil {
			s.logger(ctx, "notification.publish.failed", map[string]any{
				"notification": notification.ID,
				"recipient":    recipient,
				"error":        err.Error(),
			})
		}
	}
}

func (s *notificationService) List(ctx context.Context, recipient string, pager Pagination) (domain.CursorPage[Notification], error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return domain.CursorPage[Notification]{}, fmt.Errorf("%w: recipient is required", ErrNotificationInvalidInput)
	}
	page, err := s.repo.ListByRecipient(ctx, recipient, pager)
	if err != nil {
		return domain.CursorPage[Notification]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *notificationService) MarkRead(ctx context.Context, recipient string, notificationID string) error {
	recipient = strings.TrimSpace(recipient)
	notificationID = strings.TrimSpace(notificationID)
	if recipient == "" || notificationID == "" {
		return fmt.Errorf("%w: recipient and notification id are required", ErrNotificationInvalidInput)
	}
	if err := s.repo.MarkRead(ctx, recipient, notificationID, s.now()); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *notificationService) MarkAllRead(ctx context.Context, recipient string) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrNotificationInvalidInput)
	}
	if err := s.repo.MarkAllRead(ctx, recipient, s.now()); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *notificationService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if isRepoNotFound(err) {
		return fmt.Errorf("%w: %v", ErrNotificationNotFound, err)
	}
	return err
}

func (s *notificationService) now() time.Time {
	return s.clock()
}
