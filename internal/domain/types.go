package domain

import (
	"strings"
	"time"
)

// PaymentMethod distinguishes how an order was paid for.
type PaymentMethod string

const (
	// PaymentMethodOnline indicates the order was paid through a payment gateway.
	PaymentMethodOnline PaymentMethod = "ONLINE"
	// PaymentMethodCOD indicates cash on delivery; payment settles at handoff.
	PaymentMethodCOD PaymentMethod = "COD"
)

// PaymentStatus enumerates gateway settlement states for an order.
type PaymentStatus string

const (
	// PaymentStatusPending indicates payment has not settled yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusCompleted indicates payment settled successfully.
	PaymentStatusCompleted PaymentStatus = "completed"
	// PaymentStatusFailed indicates the gateway rejected or abandoned the payment.
	PaymentStatusFailed PaymentStatus = "failed"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order is confirmed but fulfillment has not begun.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid indicates gateway payment settled; reachable for online orders only.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusProcessing indicates the order is being picked and packed.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled; terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order captures an order header together with its line items.
type Order struct {
	ID              string
	UserID          string
	PaymentMethod   PaymentMethod
	PaymentStatus   PaymentStatus
	PaymentID       *string
	Status          OrderStatus
	TotalAmount     int64
	DeliveryAddress Address
	Items           []OrderLineItem
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PaidAt          *time.Time
	ProcessingAt    *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
}

// OrderLineItem mirrors the cart line at the time the order was placed.
type OrderLineItem struct {
	ProductID    string
	Name         string
	Price        int64
	Quantity     int
	SelectedSize string
	Image        string
}

// Address is the delivery address snapshot embedded in an order.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// ReturnType distinguishes money-back returns from size exchanges.
type ReturnType string

const (
	// ReturnTypeRefund returns the items and refunds the amount paid.
	ReturnTypeRefund ReturnType = "refund"
	// ReturnTypeExchange returns the items and ships replacements in a new size.
	ReturnTypeExchange ReturnType = "exchange"
)

// ReturnStatus enumerates valid lifecycle states for return requests.
type ReturnStatus string

const (
	// ReturnStatusDraft indicates the request exists but has not been submitted.
	ReturnStatusDraft ReturnStatus = "draft"
	// ReturnStatusSubmitted indicates the customer has filed the request.
	ReturnStatusSubmitted ReturnStatus = "submitted"
	// ReturnStatusProcessing indicates staff accepted the request.
	ReturnStatusProcessing ReturnStatus = "processing"
	// ReturnStatusPickupScheduled indicates a reverse pickup has been booked.
	ReturnStatusPickupScheduled ReturnStatus = "pickup_scheduled"
	// ReturnStatusPickedUp indicates the carrier collected the items.
	ReturnStatusPickedUp ReturnStatus = "picked_up"
	// ReturnStatusCompleted indicates stock was reconciled and any refund issued; terminal.
	ReturnStatusCompleted ReturnStatus = "completed"
	// ReturnStatusCancelled indicates the request was withdrawn or rejected; terminal.
	ReturnStatusCancelled ReturnStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave the status.
func (s ReturnStatus) IsTerminal() bool {
	return s == ReturnStatusCompleted || s == ReturnStatusCancelled
}

// ReturnRequest captures a return or exchange filed against a delivered order.
type ReturnRequest struct {
	ID                 string
	RMANumber          string
	OrderID            string
	UserID             string
	Type               ReturnType
	Reason             string
	Status             ReturnStatus
	RefundAmount       int64
	RefundID           *string
	TrackingID         *string
	CancellationReason *string
	Items              []ReturnLineItem
	SubmittedAt        *time.Time
	ProcessingAt       *time.Time
	PickupScheduledAt  *time.Time
	PickedUpAt         *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ReturnLineItem is one product/quantity/size entry within a return.
// NewSize is set for exchanges only; empty or equal to CurrentSize means
// the line keeps its size.
type ReturnLineItem struct {
	ProductID   string
	Name        string
	Price       int64
	Quantity    int
	CurrentSize string
	NewSize     string
}

// SizeStock is one per-size stock bucket on a product.
type SizeStock struct {
	Size  string
	Stock int
}

// Product carries the stock and sales counters the inventory ledger mutates.
// Catalog attributes outside those counters live elsewhere.
type Product struct {
	ID         string
	Name       string
	Category   string
	Stock      int
	Sales      int
	DressSizes []SizeStock
	ShoeSizes  []SizeStock
	UpdatedAt  time.Time
}

// BaseProductID strips a variant suffix from a composite line-item product
// id, e.g. "prd123_red" resolves to "prd123".
func BaseProductID(id string) string {
	if idx := strings.Index(id, "_"); idx > 0 {
		return id[:idx]
	}
	return id
}

// NotificationType tags the event a notification describes.
type NotificationType string

const (
	NotificationOrderPlaced     NotificationType = "order_placed"
	NotificationOrderShipped    NotificationType = "order_shipped"
	NotificationOrderDelivered  NotificationType = "order_delivered"
	NotificationOrderCancelled  NotificationType = "order_cancelled"
	NotificationReturnSubmitted NotificationType = "return_submitted"
	NotificationReturnUpdated   NotificationType = "return_updated"
	NotificationReturnCompleted NotificationType = "return_completed"
	NotificationReturnCancelled NotificationType = "return_cancelled"
)

// AdminRecipient is the shared channel distinguishing staff notifications
// from per-user ones.
const AdminRecipient = "admin"

// Notification is one entry in the user or admin notification feed.
type Notification struct {
	ID            string
	Recipient     string
	Type          NotificationType
	Title         string
	Message       string
	CorrelationID string
	Link          string
	Read          bool
	CreatedAt     time.Time
}

// AuditEntry records an accepted state transition performed by staff.
type AuditEntry struct {
	ID         string
	ActorID    string
	EntityKind string
	EntityID   string
	FromStatus string
	ToStatus   string
	Reason     string
	CreatedAt  time.Time
}

// ReturnStats aggregates return counts and refunded totals for staff
// dashboards.
type ReturnStats struct {
	Total         int
	ByStatus      map[ReturnStatus]int
	TotalRefunded int64
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// Pagination carries cursor paging inputs for list queries.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
