package repositories

import (
	"context"
	"time"

	domain "github.com/stridewear/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Returns() ReturnRepository
	Products() ProductRepository
	Notifications() NotificationRepository
	AuditLogs() AuditLogRepository
	Counters() CounterRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists order headers and provides query helpers for users and admins.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// UpdateStatus moves an order between statuses with an optimistic guard:
	// the write is rejected with a conflict error when the persisted status
	// no longer matches expectedStatus.
	UpdateStatus(ctx context.Context, req OrderStatusUpdate) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderStatusUpdate carries one optimistic status transition for an order.
type OrderStatusUpdate struct {
	OrderID        string
	ExpectedStatus domain.OrderStatus
	NewStatus      domain.OrderStatus
	Now            time.Time
}

// ReturnRepository persists return requests together with the per-order
// active-return guard.
type ReturnRepository interface {
	// Insert creates the return and, unless it is already cancelled, claims
	// the active-return lock for its order in the same transaction. A held
	// lock surfaces as a conflict error.
	Insert(ctx context.Context, ret domain.ReturnRequest) error
	FindByID(ctx context.Context, returnID string) (domain.ReturnRequest, error)
	// UpdateStatus moves a return between statuses with the same optimistic
	// guard as orders, stamping the fields in the update. Transitions into a
	// terminal status release the order's active-return lock atomically.
	UpdateStatus(ctx context.Context, req ReturnStatusUpdate) (domain.ReturnRequest, error)
	// SetRefundID records the gateway refund reference after completion.
	SetRefundID(ctx context.Context, returnID string, refundID string, now time.Time) error
	ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.ReturnRequest], error)
	List(ctx context.Context, filter ReturnListFilter) (domain.CursorPage[domain.ReturnRequest], error)
	Stats(ctx context.Context) (domain.ReturnStats, error)
}

// ReturnStatusUpdate carries one optimistic status transition for a return.
type ReturnStatusUpdate struct {
	ReturnID           string
	ExpectedStatus     domain.ReturnStatus
	NewStatus          domain.ReturnStatus
	TrackingID         *string
	CancellationReason *string
	Now                time.Time
}

// ProductRepository exposes the stock/sales counters the inventory ledger mutates.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	// ApplyStockDelta adjusts the scalar stock, the matching size bucket when
	// one exists, and optionally the sales counter, all clamped at zero, in
	// one transaction.
	ApplyStockDelta(ctx context.Context, req StockDelta) (domain.Product, error)
}

// StockDelta is one signed stock adjustment against a base product.
type StockDelta struct {
	ProductID  string
	Size       string
	Quantity   int
	SalesDelta int
	Now        time.Time
}

// NotificationRepository stores the user and admin notification feeds.
type NotificationRepository interface {
	Insert(ctx context.Context, notification domain.Notification) error
	ListByRecipient(ctx context.Context, recipient string, pager domain.Pagination) (domain.CursorPage[domain.Notification], error)
	MarkRead(ctx context.Context, recipient string, notificationID string, now time.Time) error
	MarkAllRead(ctx context.Context, recipient string, now time.Time) error
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditEntry], error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}

type ReturnListFilter struct {
	UserID     string
	OrderID    string
	Status     []domain.ReturnStatus
	Pagination domain.Pagination
}

type AuditLogFilter struct {
	EntityKind string
	EntityID   string
	ActorID    string
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
