package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/stridewear/api/internal/domain"
)

type stubNotificationRepo struct {
	insertErr error
	inserted  []domain.Notification

	listFn      func(context.Context, string, domain.Pagination) (domain.CursorPage[domain.Notification], error)
	markReadErr error
	markedRead  []string
	markedAll   []string
}

func (s *stubNotificationRepo) Insert(_ context.Context, notification domain.Notification) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, notification)
	return nil
}

func (s *stubNotificationRepo) ListByRecipient(ctx context.Context, recipient string, pager domain.Pagination) (domain.CursorPage[domain.Notification], error) {
	if s.listFn != nil {
		return s.listFn(ctx, recipient, pager)
	}
	return domain.CursorPage[domain.Notification]{}, nil
}

func (s *stubNotificationRepo) MarkRead(_ context.Context, recipient string, notificationID string, _ time.Time) error {
	if s.markReadErr != nil {
		return s.markReadErr
	}
	s.markedRead = append(s.markedRead, recipient+"/"+notificationID)
	return nil
}

func (s *stubNotificationRepo) MarkAllRead(_ context.Context, recipient string, _ time.Time) error {
	s.markedAll = append(s.markedAll, recipient)
	return nil
}

type captureNotificationEvents struct {
	published []Notification
	err       error
}

func (c *captureNotificationEvents) PublishNotification(_ context.Context, notification Notification) error {
	c.published = append(c.published, notification)
	return c.err
}

func newNotificationServiceForTest(t *testing.T, repo *stubNotificationRepo, deps func(*NotificationServiceDeps)) NotificationService {
	t.Helper()
	d := NotificationServiceDeps{
		Notifications: repo,
		Clock:         func() time.Time { return testNow },
		IDGenerator:   func() string { return "01NOTIF" },
	}
	if deps != nil {
		deps(&d)
	}
	svc, err := NewNotificationService(d)
	if err != nil {
		t.Fatalf("NewNotificationService: %v", err)
	}
	return svc
}

func TestNotificationEmitStoresAndPublishes(t *testing.T) {
	repo := &stubNotificationRepo{}
	events := &captureNotificationEvents{}
	svc := newNotificationServiceForTest(t, repo, func(d *NotificationServiceDeps) {
		d.Events = events
	})

	svc.Emit(context.Background(), EmitNotificationCommand{
		Recipient:     "usr_1",
		Type:          domain.NotificationReturnSubmitted,
		Title:         " Return request received ",
		Message:       "Return RMA-2026-000001 for order ord_1 is now submitted.",
		CorrelationID: "ord_1",
		Link:          "/account/orders/ord_1/return",
	})

	if len(repo.inserted) != 1 {
		t.Fatalf("expected 1 stored notification, got %d", len(repo.inserted))
	}
	stored := repo.inserted[0]
	if !strings.HasPrefix(stored.ID, "ntf_") {
		t.Fatalf("notification id missing prefix: %s", stored.ID)
	}
	if stored.Title != "Return request received" {
		t.Fatalf("title not trimmed: %q", stored.Title)
	}
	if stored.Read {
		t.Fatal("new notifications start unread")
	}

	if len(events.published) != 1 {
		t.Fatalf("expected fan-out publish, got %d", len(events.published))
	}
}

func TestNotificationEmitNeverFails(t *testing.T) {
	repo := &stubNotificationRepo{insertErr: errors.New("unavailable")}
	events := &captureNotificationEvents{}
	var logged []string
	svc := newNotificationServiceForTest(t, repo, func(d *NotificationServiceDeps) {
		d.Events = events
		d.Logger = func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		}
	})

	svc.Emit(context.Background(), EmitNotificationCommand{
		Recipient: "usr_1",
		Type:      domain.NotificationOrderShipped,
	})

	if len(logged) != 1 || logged[0] != "notification.store.failed" {
		t.Fatalf("store failure should be logged, got %v", logged)
	}
	if len(events.published) != 0 {
		t.Fatal("publish must not run when the store failed")
	}
}

func TestNotificationEmitRequiresRecipient(t *testing.T) {
	repo := &stubNotificationRepo{}
	var logged []string
	svc := newNotificationServiceForTest(t, repo, func(d *NotificationServiceDeps) {
		d.Logger = func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		}
	})

	svc.Emit(context.Background(), EmitNotificationCommand{Recipient: "  "})

	if len(repo.inserted) != 0 {
		t.Fatal("recipient-less notification must not be stored")
	}
	if len(logged) != 1 || logged[0] != "notification.emit.invalid" {
		t.Fatalf("expected invalid-emit log, got %v", logged)
	}
}

func TestNotificationMarkRead(t *testing.T) {
	repo := &stubNotificationRepo{}
	svc := newNotificationServiceForTest(t, repo, nil)

	if err := svc.MarkRead(context.Background(), "usr_1", "ntf_1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if len(repo.markedRead) != 1 || repo.markedRead[0] != "usr_1/ntf_1" {
		t.Fatalf("unexpected mark-read calls %v", repo.markedRead)
	}

	if err := svc.MarkRead(context.Background(), "usr_1", ""); !errors.Is(err, ErrNotificationInvalidInput) {
		t.Fatalf("expected ErrNotificationInvalidInput, got %v", err)
	}
}

func TestNotificationMarkReadMapsNotFound(t *testing.T) {
	repo := &stubNotificationRepo{markReadErr: stubRepoError{notFound: true}}
	svc := newNotificationServiceForTest(t, repo, nil)

	err := svc.MarkRead(context.Background(), "usr_1", "ntf_missing")
	if !errors.Is(err, ErrNotificationNotFound) {
		t.Fatalf("expected ErrNotificationNotFound, got %v", err)
	}
}

func TestNotificationMarkAllRead(t *testing.T) {
	repo := &stubNotificationRepo{}
	svc := newNotificationServiceForTest(t, repo, nil)

	if err := svc.MarkAllRead(context.Background(), "usr_1"); err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	if len(repo.markedAll) != 1 || repo.markedAll[0] != "usr_1" {
		t.Fatalf("unexpected mark-all calls %v", repo.markedAll)
	}
}

func TestNotificationListRequiresRecipient(t *testing.T) {
	svc := newNotificationServiceForTest(t, &stubNotificationRepo{}, nil)

	if _, err := svc.List(context.Background(), " ", Pagination{}); !errors.Is(err, ErrNotificationInvalidInput) {
		t.Fatalf("expected ErrNotificationInvalidInput, got %v", err)
	}
}
