package services

import (
	"context"
	"time"

	domain "github.com/stridewear/api/internal/domain"
	"github.com/stridewear/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderLineItem      = domain.OrderLineItem
	PaymentMethod      = domain.PaymentMethod
	PaymentStatus      = domain.PaymentStatus
	Address            = domain.Address
	ReturnRequest      = domain.ReturnRequest
	ReturnStatus       = domain.ReturnStatus
	ReturnType         = domain.ReturnType
	ReturnLineItem     = domain.ReturnLineItem
	ReturnStats        = domain.ReturnStats
	Product            = domain.Product
	SizeStock          = domain.SizeStock
	Notification       = domain.Notification
	NotificationType   = domain.NotificationType
	AuditEntry         = domain.AuditEntry
	SystemHealthReport = domain.SystemHealthReport
)

// RolePolicy answers whether an actor may perform staff-only operations.
// Implementations typically consult token claims or a role allowlist.
type RolePolicy interface {
	IsAdmin(ctx context.Context, userID string) bool
}

// RolePolicyFunc adapts a plain function into a RolePolicy.
type RolePolicyFunc func(ctx context.Context, userID string) bool

func (f RolePolicyFunc) IsAdmin(ctx context.Context, userID string) bool {
	if f == nil {
		return false
	}
	return f(ctx, userID)
}

// OrderService validates and applies order status transitions.
type OrderService interface {
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	GetOrder(ctx context.Context, query OrderReadQuery) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
}

// ReturnService owns the return/exchange lifecycle including completion
// side effects.
type ReturnService interface {
	Create(ctx context.Context, cmd CreateReturnCommand) (ReturnRequest, error)
	Cancel(ctx context.Context, cmd CancelReturnCommand) (ReturnRequest, error)
	SetStatus(ctx context.Context, cmd SetReturnStatusCommand) (ReturnRequest, error)
	GetReturn(ctx context.Context, query ReturnReadQuery) (ReturnRequest, error)
	ListUserReturns(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[ReturnRequest], error)
	ListReturns(ctx context.Context, filter ReturnListFilter) (domain.CursorPage[ReturnRequest], error)
	Stats(ctx context.Context) (ReturnStats, error)
	SyncRefunds(ctx context.Context) (RefundSyncReport, error)
}

// RefundSyncReport summarises one sweep of the refund reconciliation job.
type RefundSyncReport struct {
	Scanned   int
	Attempted int
	Skipped   int
}

// InventoryService reconciles stock and sales counters for returned or
// exchanged items.
type InventoryService interface {
	Revert(ctx context.Context, lines []StockAdjustment) ReconciliationResult
	Apply(ctx context.Context, lines []StockAdjustment) ReconciliationResult
	ReconcileReturn(ctx context.Context, ret ReturnRequest) ReconciliationResult
}

// NotificationService persists and fans out user/admin notifications.
// Emission never fails the caller; read operations return errors normally.
type NotificationService interface {
	Emit(ctx context.Context, cmd EmitNotificationCommand)
	List(ctx context.Context, recipient string, pager Pagination) (domain.CursorPage[Notification], error)
	MarkRead(ctx context.Context, recipient string, notificationID string) error
	MarkAllRead(ctx context.Context, recipient string) error
}

// CounterService issues formatted sequence values on top of the counter repository.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextRMANumber(ctx context.Context) (string, error)
}

// CounterGenerationOptions controls how counter values are incremented and formatted.
type CounterGenerationOptions struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
	Prefix       string
	Suffix       string
	PadLength    int
	Formatter    func(now time.Time, value int64) string
}

// CounterValue carries the issued sequence number and its formatted rendering.
type CounterValue struct {
	Value     int64
	Formatted string
}

// AuditLogService centralizes immutable audit trail persistence and retrieval.
type AuditLogService interface {
	Record(ctx context.Context, record AuditRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditEntry], error)
}

// SystemService aggregates utility endpoints (health checks, audit logs, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	ListAuditLogs(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditEntry], error)
}

// SideEffect is one post-commit action keyed by entity and transition target.
// The key makes retried dispatch of the same transition coalesce instead of
// re-running the effect.
type SideEffect struct {
	EntityKind string
	EntityID   string
	Target     string
	Name       string
	Run        func(ctx context.Context) error
}

// SideEffectDispatcher runs side effects after the owning state transition is
// durably committed. Failures are logged, never returned.
type SideEffectDispatcher interface {
	Dispatch(ctx context.Context, effects ...SideEffect)
}

// Command and DTO definitions ------------------------------------------------

type OrderListFilter = repositories.OrderListFilter

type ReturnListFilter = repositories.ReturnListFilter

type OrderStatusTransitionCommand struct {
	OrderID      string
	TargetStatus OrderStatus
	ActorID      string
}

type OrderReadQuery struct {
	OrderID string
	ActorID string
}

type CreateReturnCommand struct {
	OrderID string
	ActorID string
	Type    ReturnType
	Reason  string
	Items   []ReturnLineItem
	Draft   bool
}

type CancelReturnCommand struct {
	ReturnID string
	ActorID  string
	Reason   string
}

type SetReturnStatusCommand struct {
	ReturnID     string
	ActorID      string
	TargetStatus ReturnStatus
	TrackingID   *string
	Reason       string
}

type ReturnReadQuery struct {
	ReturnID string
	ActorID  string
}

// StockAdjustment is one signed inventory movement for a product/size pair.
type StockAdjustment struct {
	ProductID string
	Quantity  int
	Size      string
}

// ReconciliationResult reports how many line adjustments landed. Failures are
// logged per line; the overall operation still succeeds.
type ReconciliationResult struct {
	Adjusted int
	Failed   int
}

type EmitNotificationCommand struct {
	Recipient     string
	Type          NotificationType
	Title         string
	Message       string
	CorrelationID string
	Link          string
}

type AuditRecord struct {
	ActorID    string
	EntityKind string
	EntityID   string
	FromStatus string
	ToStatus   string
	Reason     string
	OccurredAt time.Time
}

type AuditLogFilter = repositories.AuditLogFilter
