package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/stridewear/api/internal/domain"
	"github.com/stridewear/api/internal/repositories"
)

var testNow = time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC)

type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e stubRepoError) Error() string       { return "stub repository error" }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

type stubOrderRepo struct {
	insertFn func(context.Context, domain.Order) error
	findFn   func(context.Context, string) (domain.Order, error)
	updateFn func(context.Context, repositories.OrderStatusUpdate) (domain.Order, error)
	listFn   func(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)

	updates []repositories.OrderStatusUpdate
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, stubRepoError{notFound: true}
}

func (s *stubOrderRepo) UpdateStatus(ctx context.Context, req repositories.OrderStatusUpdate) (domain.Order, error) {
	s.updates = append(s.updates, req)
	if s.updateFn != nil {
		return s.updateFn(ctx, req)
	}
	return domain.Order{}, errors.New("update not stubbed")
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

type captureNotifications struct {
	mu      sync.Mutex
	emitted []EmitNotificationCommand
}

func (c *captureNotifications) Emit(_ context.Context, cmd EmitNotificationCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, cmd)
}

func (c *captureNotifications) List(context.Context, string, Pagination) (domain.CursorPage[Notification], error) {
	return domain.CursorPage[Notification]{}, nil
}

func (c *captureNotifications) MarkRead(context.Context, string, string) error { return nil }

func (c *captureNotifications) MarkAllRead(context.Context, string) error { return nil }

func (c *captureNotifications) byRecipient(recipient string) []EmitNotificationCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []EmitNotificationCommand
	for _, cmd := range c.emitted {
		if cmd.Recipient == recipient {
			out = append(out, cmd)
		}
	}
	return out
}

type captureAudit struct {
	mu      sync.Mutex
	records []AuditRecord
}

func (c *captureAudit) Record(_ context.Context, record AuditRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
}

func (c *captureAudit) List(context.Context, AuditLogFilter) (domain.CursorPage[AuditEntry], error) {
	return domain.CursorPage[AuditEntry]{}, nil
}

type captureOrderEvents struct {
	events []OrderEvent
	err    error
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.events = append(c.events, event)
	return c.err
}

func allowAll(context.Context, string) bool { return true }

func denyAll(context.Context, string) bool { return false }

func onlineOrder(status domain.OrderStatus) domain.Order {
	return domain.Order{
		ID:            "ord_1",
		UserID:        "usr_1",
		PaymentMethod: domain.PaymentMethodOnline,
		PaymentStatus: domain.PaymentStatusCompleted,
		Status:        status,
		TotalAmount:   2499,
		CreatedAt:     testNow.Add(-48 * time.Hour),
		UpdatedAt:     testNow.Add(-24 * time.Hour),
	}
}

func codOrder(status domain.OrderStatus) domain.Order {
	order := onlineOrder(status)
	order.PaymentMethod = domain.PaymentMethodCOD
	order.PaymentStatus = domain.PaymentStatusPending
	return order
}

func newOrderServiceForTest(t *testing.T, repo *stubOrderRepo, policy RolePolicy, deps func(*OrderServiceDeps)) OrderService {
	t.Helper()
	d := OrderServiceDeps{
		Orders: repo,
		Policy: policy,
		Clock:  func() time.Time { return testNow },
	}
	if deps != nil {
		deps(&d)
	}
	svc, err := NewOrderService(d)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return svc
}

func TestOrderTransitionCODCannotBePaid(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(_ context.Context, id string) (domain.Order, error) {
			return codOrder(domain.OrderStatusPending), nil
		},
	}
	svc := newOrderServiceForTest(t, repo, RolePolicyFunc(allowAll), nil)

	_, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusPaid,
		ActorID:      "staff_1",
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
	if !strings.Contains(err.Error(), "COD orders cannot be marked as 'paid'") {
		t.Fatalf("unexpected message: %v", err)
	}
	if len(repo.updates) != 0 {
		t.Fatalf("order must not be written on a rejected transition, got %d writes", len(repo.updates))
	}
}

func TestOrderTransitionCODSkipsPaid(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return codOrder(domain.OrderStatusPending), nil
		},
		updateFn: func(_ context.Context, req repositories.OrderStatusUpdate) (domain.Order, error) {
			order := codOrder(req.NewStatus)
			return order, nil
		},
	}
	svc := newOrderServiceForTest(t, repo, RolePolicyFunc(allowAll), nil)

	updated, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusProcessing,
		ActorID:      "staff_1",
	})
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if updated.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected processing, got %s", updated.Status)
	}
}

func TestOrderTransitionOnlineRequiresSettledPayment(t *testing.T) {
	order := onlineOrder(domain.OrderStatusPaid)
	order.PaymentStatus = domain.PaymentStatusPending

	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) { return order, nil },
		updateFn: func(_ context.Context, req repositories.OrderStatusUpdate) (domain.Order, error) {
			updated := order
			updated.Status = req.NewStatus
			return updated, nil
		},
	}
	svc := newOrderServiceForTest(t, repo, RolePolicyFunc(allowAll), nil)

	_, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusProcessing,
		ActorID:      "staff_1",
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("unsettled online order must not progress, got %v", err)
	}

	// Cancellation stays open regardless of payment state.
	if _, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusCancelled,
		ActorID:      "staff_1",
	}); err != nil {
		t.Fatalf("cancel should be allowed: %v", err)
	}
}

func TestOrderTransitionRejectsBackwardMove(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return onlineOrder(domain.OrderStatusShipped), nil
		},
	}
	svc := newOrderServiceForTest(t, repo, RolePolicyFunc(allowAll), nil)

	_, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusProcessing,
		ActorID:      "staff_1",
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestOrderTransitionCancelFromAnyNonTerminal(t *testing.T) {
	statuses := []domain.OrderStatus{
		domain.OrderStatusPending,
		domain.OrderStatusPaid,
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
	}
	for _, status := range statuses {
		current := status
		repo := &stubOrderRepo{
			findFn: func(context.Context, string) (domain.Order, error) {
				return onlineOrder(current), nil
			},
			updateFn: func(_ context.Context, req repositories.OrderStatusUpdate) (domain.Order, error) {
				return onlineOrder(req.NewStatus), nil
			},
		}
		svc := newOrderServiceForTest(t, repo, RolePolicyFunc(allowAll), nil)
		if _, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
			OrderID:      "ord_1",
			TargetStatus: domain.OrderStatusCancelled,
			ActorID:      "staff_1",
		}); err != nil {
			t.Fatalf("cancel from %s: %v", current, err)
		}
	}
}

func TestOrderTransitionCancelledIsTerminal(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return onlineOrder(domain.OrderStatusCancelled), nil
		},
	}
	svc := newOrderServiceForTest(t, repo, RolePolicyFunc(allowAll), nil)

	for _, target := range []domain.OrderStatus{domain.OrderStatusProcessing, domain.OrderStatusCancelled} {
		_, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
			OrderID:      "ord_1",
			TargetStatus: target,
			ActorID:      "staff_1",
		})
		if !errors.Is(err, ErrOrderInvalidState) {
			t.Fatalf("cancelled -> %s should fail, got %v", target, err)
		}
	}
}

func TestOrderTransitionRequiresStaff(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			t.Fatal("repository must not be consulted for forbidden actors")
			return domain.Order{}, nil
		},
	}
	svc := newOrderServiceForTest(t, repo, RolePolicyFunc(denyAll), nil)

	_, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusProcessing,
		ActorID:      "usr_1",
	})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
}

func TestOrderTransitionEmitsSideEffects(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return onlineOrder(domain.OrderStatusProcessing), nil
		},
		updateFn: func(_ context.Context, req repositories.OrderStatusUpdate) (domain.Order, error) {
			if req.ExpectedStatus != domain.OrderStatusProcessing {
				t.Fatalf("optimistic guard expected processing, got %s", req.ExpectedStatus)
			}
			return onlineOrder(req.NewStatus), nil
		},
	}
	notifications := &captureNotifications{}
	audit := &captureAudit{}
	events := &captureOrderEvents{}

	svc := newOrderServiceForTest(t, repo, RolePolicyFunc(allowAll), func(d *OrderServiceDeps) {
		d.Notifications = notifications
		d.Audit = audit
		d.Events = events
	})

	if _, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusShipped,
		ActorID:      "staff_1",
	}); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}

	emitted := notifications.byRecipient("usr_1")
	if len(emitted) != 1 {
		t.Fatalf("expected 1 user notification, got %d", len(emitted))
	}
	if emitted[0].Type != domain.NotificationOrderShipped {
		t.Fatalf("unexpected notification type %s", emitted[0].Type)
	}
	if emitted[0].Link != "/account/orders/ord_1" {
		t.Fatalf("unexpected notification link %s", emitted[0].Link)
	}

	if len(audit.records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(audit.records))
	}
	record := audit.records[0]
	if record.EntityKind != "order" || record.EntityID != "ord_1" {
		t.Fatalf("unexpected audit entity %s/%s", record.EntityKind, record.EntityID)
	}
	if record.FromStatus != "processing" || record.ToStatus != "shipped" {
		t.Fatalf("unexpected audit statuses %s -> %s", record.FromStatus, record.ToStatus)
	}
	if record.ActorID != "staff_1" {
		t.Fatalf("unexpected audit actor %s", record.ActorID)
	}

	if len(events.events) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(events.events))
	}
	if events.events[0].PreviousStatus != "processing" || events.events[0].CurrentStatus != "shipped" {
		t.Fatalf("unexpected event statuses %+v", events.events[0])
	}
}

func TestOrderTransitionMapsConflict(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return onlineOrder(domain.OrderStatusProcessing), nil
		},
		updateFn: func(context.Context, repositories.OrderStatusUpdate) (domain.Order, error) {
			return domain.Order{}, stubRepoError{conflict: true}
		},
	}
	svc := newOrderServiceForTest(t, repo, RolePolicyFunc(allowAll), nil)

	_, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusShipped,
		ActorID:      "staff_1",
	})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict, got %v", err)
	}
}

func TestOrderTransitionUnknownStatus(t *testing.T) {
	svc := newOrderServiceForTest(t, &stubOrderRepo{}, RolePolicyFunc(allowAll), nil)

	_, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatus("returned"),
		ActorID:      "staff_1",
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestGetOrderHidesOtherUsersOrders(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return onlineOrder(domain.OrderStatusDelivered), nil
		},
	}
	svc := newOrderServiceForTest(t, repo, RolePolicyFunc(denyAll), nil)

	_, err := svc.GetOrder(context.Background(), OrderReadQuery{OrderID: "ord_1", ActorID: "usr_2"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("foreign order should read as not found, got %v", err)
	}

	if _, err := svc.GetOrder(context.Background(), OrderReadQuery{OrderID: "ord_1", ActorID: "usr_1"}); err != nil {
		t.Fatalf("owner read: %v", err)
	}
}

func TestGetOrderAdminCanReadAnyOrder(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return onlineOrder(domain.OrderStatusDelivered), nil
		},
	}
	svc := newOrderServiceForTest(t, repo, RolePolicyFunc(allowAll), nil)

	order, err := svc.GetOrder(context.Background(), OrderReadQuery{OrderID: "ord_1", ActorID: "staff_1"})
	if err != nil {
		t.Fatalf("admin read: %v", err)
	}
	if order.ID != "ord_1" {
		t.Fatalf("unexpected order %s", order.ID)
	}
}

func TestListOrdersPassesFilterThrough(t *testing.T) {
	var captured repositories.OrderListFilter
	repo := &stubOrderRepo{
		listFn: func(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
			captured = filter
			return domain.CursorPage[domain.Order]{Items: []domain.Order{onlineOrder(domain.OrderStatusShipped)}, NextPageToken: "tok"}, nil
		},
	}
	svc := newOrderServiceForTest(t, repo, RolePolicyFunc(denyAll), nil)

	page, err := svc.ListOrders(context.Background(), OrderListFilter{
		UserID:     "usr_1",
		Status:     []domain.OrderStatus{domain.OrderStatusShipped},
		Pagination: Pagination{PageSize: 10},
	})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if captured.UserID != "usr_1" || len(captured.Status) != 1 {
		t.Fatalf("filter not forwarded: %+v", captured)
	}
	if len(page.Items) != 1 || page.NextPageToken != "tok" {
		t.Fatalf("unexpected page: %+v", page)
	}
}
