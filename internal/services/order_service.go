package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	domain "github.com/stridewear/api/internal/domain"
	"github.com/stridewear/api/internal/repositories"
)

const (
	orderEventStatusChanged = "order.status.changed"

	auditEntityOrder = "order"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates the order changed underneath an optimistic update.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderForbidden indicates the actor may not perform the operation.
	ErrOrderForbidden = errors.New("order: forbidden")
)

// orderStateTransitions maps (payment method, current status) to the statuses
// reachable from it. COD orders skip the paid state entirely; payment settles
// at handoff.
var orderStateTransitions = map[domain.PaymentMethod]map[domain.OrderStatus][]domain.OrderStatus{
	domain.PaymentMethodOnline: {
		domain.OrderStatusPending:    {domain.OrderStatusPaid, domain.OrderStatusCancelled},
		domain.OrderStatusPaid:       {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
		domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
		domain.OrderStatusShipped:    {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
		domain.OrderStatusDelivered:  {domain.OrderStatusCancelled},
	},
	domain.PaymentMethodCOD: {
		domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
		domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
		domain.OrderStatusShipped:    {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
		domain.OrderStatusDelivered:  {domain.OrderStatusCancelled},
	},
}

var orderNotificationTypes = map[domain.OrderStatus]domain.NotificationType{
	domain.OrderStatusPaid:       domain.NotificationOrderPlaced,
	domain.OrderStatusProcessing: domain.NotificationOrderPlaced,
	domain.OrderStatusShipped:    domain.NotificationOrderShipped,
	domain.OrderStatusDelivered:  domain.NotificationOrderDelivered,
	domain.OrderStatusCancelled:  domain.NotificationOrderCancelled,
}

var orderNotificationTitles = map[domain.OrderStatus]string{
	domain.OrderStatusPaid:       "Payment received",
	domain.OrderStatusProcessing: "Order confirmed",
	domain.OrderStatusShipped:    "Order shipped",
	domain.OrderStatusDelivered:  "Order delivered",
	domain.OrderStatusCancelled:  "Order cancelled",
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Policy        RolePolicy
	Notifications NotificationService
	Audit         AuditLogService
	Dispatcher    SideEffectDispatcher
	Events        OrderEventPublisher
	Meter         metric.Meter
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	policy        RolePolicy
	notifications NotificationService
	audit         AuditLogService
	dispatcher    SideEffectDispatcher
	events        OrderEventPublisher
	metrics       orderMetrics
	clock         func() time.Time
	logger        func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	policy := deps.Policy
	if policy == nil {
		policy = RolePolicyFunc(nil)
	}

	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = inlineDispatcher{logger: logger}
	}

	return &orderService{
		orders:        deps.Orders,
		policy:        policy,
		notifications: deps.Notifications,
		audit:         deps.Audit,
		dispatcher:    dispatcher,
		events:        deps.Events,
		metrics:       newOrderMetrics(serviceMeter(deps.Meter), logger),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := domain.OrderStatus(strings.TrimSpace(string(cmd.TargetStatus)))
	if !isKnownOrderStatus(target) {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.TargetStatus)
	}

	actor := strings.TrimSpace(cmd.ActorID)
	if !s.policy.IsAdmin(ctx, actor) {
		return Order{}, fmt.Errorf("%w: status updates require staff access", ErrOrderForbidden)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if err := validateOrderTransition(order, target); err != nil {
		s.metrics.recordTransition(ctx, target, transitionRejected)
		return Order{}, err
	}

	now := s.now()
	prev := order.Status

	updated, err := s.orders.UpdateStatus(ctx, repositories.OrderStatusUpdate{
		OrderID:        order.ID,
		ExpectedStatus: prev,
		NewStatus:      target,
		Now:            now,
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.metrics.recordTransition(ctx, target, transitionAccepted)
	s.dispatchTransitionEffects(ctx, updated, prev, actor, now)

	return updated, nil
}

func (s *orderService) GetOrder(ctx context.Context, query OrderReadQuery) (Order, error) {
	orderID := strings.TrimSpace(query.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	actor := strings.TrimSpace(query.ActorID)
	if actor != "" && order.UserID != actor && !s.policy.IsAdmin(ctx, actor) {
		// Hide other users' orders rather than confirming they exist.
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// validateOrderTransition checks the requested move against the transition
// table for the order's payment method.
func validateOrderTransition(order Order, target domain.OrderStatus) error {
	if order.PaymentMethod == domain.PaymentMethodCOD && target == domain.OrderStatusPaid {
		return fmt.Errorf("%w: COD orders cannot be marked as 'paid'", ErrOrderInvalidState)
	}
	if order.PaymentMethod == domain.PaymentMethodOnline &&
		order.PaymentStatus != domain.PaymentStatusCompleted &&
		target != domain.OrderStatusCancelled {
		return fmt.Errorf("%w: payment is %s, fulfillment cannot progress", ErrOrderInvalidState, order.PaymentStatus)
	}

	allowed := orderStateTransitions[order.PaymentMethod][order.Status]
	if !slices.Contains(allowed, target) {
		return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, order.Status, target)
	}
	return nil
}

func (s *orderService) dispatchTransitionEffects(ctx context.Context, order Order, prev domain.OrderStatus, actor string, now time.Time) {
	effects := make([]SideEffect, 0, 3)

	if s.notifications != nil {
		notifType, ok := orderNotificationTypes[order.Status]
		if ok {
			notifOrder := order
			effects = append(effects, SideEffect{
				EntityKind: auditEntityOrder,
				EntityID:   order.ID,
				Target:     string(order.Status),
				Name:       "notify",
				Run: func(ctx context.Context) error {
					s.notifications.Emit(ctx, EmitNotificationCommand{
						Recipient:     notifOrder.UserID,
						Type:          notifType,
						Title:         orderNotificationTitles[notifOrder.Status],
						Message:       fmt.Sprintf("Your order %s is now %s.", notifOrder.ID, notifOrder.Status),
						CorrelationID: notifOrder.ID,
						Link:          "/account/orders/" + notifOrder.ID,
					})
					return nil
				},
			})
		}
	}

	if s.events != nil {
		event := OrderEvent{
			Type:           orderEventStatusChanged,
			OrderID:        order.ID,
			PreviousStatus: string(prev),
			CurrentStatus:  string(order.Status),
			ActorID:        actor,
			OccurredAt:     now,
		}
		effects = append(effects, SideEffect{
			EntityKind: auditEntityOrder,
			EntityID:   order.ID,
			Target:     string(order.Status),
			Name:       "publish",
			Run: func(ctx context.Context) error {
				return s.events.PublishOrderEvent(ctx, event)
			},
		})
	}

	if s.audit != nil {
		record := AuditRecord{
			ActorID:    actor,
			EntityKind: auditEntityOrder,
			EntityID:   order.ID,
			FromStatus: string(prev),
			ToStatus:   string(order.Status),
			OccurredAt: now,
		}
		effects = append(effects, SideEffect{
			EntityKind: auditEntityOrder,
			EntityID:   order.ID,
			Target:     string(order.Status),
			Name:       "audit",
			Run: func(ctx context.Context) error {
				s.audit.Record(ctx, record)
				return nil
			},
		})
	}

	s.dispatcher.Dispatch(ctx, effects...)
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func isKnownOrderStatus(status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusPending, domain.OrderStatusPaid, domain.OrderStatusProcessing,
		domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.OrderStatusCancelled:
		return true
	}
	return false
}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	ref := v
	return &ref
}
