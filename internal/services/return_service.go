package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	domain "github.com/stridewear/api/internal/domain"
	"github.com/stridewear/api/internal/payments"
	"github.com/stridewear/api/internal/repositories"
)

const (
	returnEventStatusChanged = "return.status.changed"

	returnIDPrefix = "ret_"

	auditEntityReturn = "return"

	defaultReturnWindow = 7 * 24 * time.Hour
)

var (
	// ErrReturnInvalidInput signals the caller provided invalid data.
	ErrReturnInvalidInput = errors.New("return: invalid input")
	// ErrReturnNotFound indicates the return request could not be located.
	ErrReturnNotFound = errors.New("return: not found")
	// ErrReturnInvalidState indicates an invalid status transition was attempted.
	ErrReturnInvalidState = errors.New("return: invalid status transition")
	// ErrReturnConflict indicates the return changed underneath an optimistic update.
	ErrReturnConflict = errors.New("return: conflict")
	// ErrReturnForbidden indicates the actor may not perform the operation.
	ErrReturnForbidden = errors.New("return: forbidden")
	// ErrReturnNotEligible indicates the order does not qualify for a return.
	ErrReturnNotEligible = errors.New("return: order not eligible")
	// ErrReturnWindowExpired indicates the return window has closed.
	ErrReturnWindowExpired = errors.New("return: window expired")
	// ErrReturnAlreadyActive indicates the order already has a non-cancelled return.
	ErrReturnAlreadyActive = errors.New("return: active return already exists for order")
	// ErrReturnAlreadyCompleted indicates a completed return was asked to complete again.
	ErrReturnAlreadyCompleted = errors.New("return: already completed")
)

// returnStateTransitions is the forward graph. Cancellation is handled
// separately since its reachability depends on who asks.
var returnStateTransitions = map[domain.ReturnStatus][]domain.ReturnStatus{
	domain.ReturnStatusDraft:           {domain.ReturnStatusSubmitted},
	domain.ReturnStatusSubmitted:       {domain.ReturnStatusProcessing},
	domain.ReturnStatusProcessing:      {domain.ReturnStatusPickupScheduled},
	domain.ReturnStatusPickupScheduled: {domain.ReturnStatusPickedUp},
	domain.ReturnStatusPickedUp:        {domain.ReturnStatusCompleted},
}

// userCancellableStatuses lists the states a customer may cancel from. Staff
// may cancel from any non-terminal state.
var userCancellableStatuses = []domain.ReturnStatus{
	domain.ReturnStatusSubmitted,
	domain.ReturnStatusProcessing,
}

var reasonSanitizer = bluemonday.StrictPolicy()

// ReturnEventPublisher publishes return domain events for downstream consumers.
type ReturnEventPublisher interface {
	PublishReturnEvent(ctx context.Context, event ReturnEvent) error
}

// ReturnEvent captures metadata for emitted return domain events.
type ReturnEvent struct {
	Type           string
	ReturnID       string
	OrderID        string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
}

// refundProcessor abstracts payments.Manager for easier testing.
type refundProcessor interface {
	Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error)
}

// ReturnServiceDeps bundles collaborators required to construct the return service.
type ReturnServiceDeps struct {
	Returns       repositories.ReturnRepository
	Orders        repositories.OrderRepository
	Counters      CounterService
	Inventory     InventoryService
	Notifications NotificationService
	Audit         AuditLogService
	Policy        RolePolicy
	Payments      refundProcessor
	Dispatcher    SideEffectDispatcher
	Events        ReturnEventPublisher
	Meter         metric.Meter
	ReturnWindow  time.Duration
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type returnService struct {
	returns       repositories.ReturnRepository
	orders        repositories.OrderRepository
	counters      CounterService
	inventory     InventoryService
	notifications NotificationService
	audit         AuditLogService
	policy        RolePolicy
	payments      refundProcessor
	dispatcher    SideEffectDispatcher
	events        ReturnEventPublisher
	metrics       returnMetrics
	window        time.Duration
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

// NewReturnService wires dependencies into a concrete ReturnService implementation.
func NewReturnService(deps ReturnServiceDeps) (ReturnService, error) {
	if deps.Returns == nil {
		return nil, errors.New("return service: return repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("return service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("return service: counter service is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("return service: inventory service is required")
	}

	window := deps.ReturnWindow
	if window <= 0 {
		window = defaultReturnWindow
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

	policy := deps.Policy
	if policy == nil {
		policy = RolePolicyFunc(nil)
	}

	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = inlineDispatcher{logger: logger}
	}

	return &returnService{
		returns:       deps.Returns,
		orders:        deps.Orders,
		counters:      deps.Counters,
		inventory:     deps.Inventory,
		notifications: deps.Notifications,
		audit:         deps.Audit,
		policy:        policy,
		payments:      deps.Payments,
		dispatcher:    dispatcher,
		events:        deps.Events,
		metrics:       newReturnMetrics(serviceMeter(deps.Meter), logger),
		window:        window,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *returnService) Create(ctx context.Context, cmd CreateReturnCommand) (ReturnRequest, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	actor := strings.TrimSpace(cmd.ActorID)
	if orderID == "" {
		return ReturnRequest{}, fmt.Errorf("%w: order id is required", ErrReturnInvalidInput)
	}
	if actor == "" {
		return ReturnRequest{}, fmt.Errorf("%w: actor id is required", ErrReturnInvalidInput)
	}
	if cmd.Type != domain.ReturnTypeRefund && cmd.Type != domain.ReturnTypeExchange {
		return ReturnRequest{}, fmt.Errorf("%w: unknown return type %q", ErrReturnInvalidInput, cmd.Type)
	}
	if len(cmd.Items) == 0 {
		return ReturnRequest{}, fmt.Errorf("%w: at least one item is required", ErrReturnInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return ReturnRequest{}, s.mapRepositoryError(err)
	}
	if order.UserID != actor && !s.policy.IsAdmin(ctx, actor) {
		return ReturnRequest{}, fmt.Errorf("%w: %s", ErrReturnNotFound, orderID)
	}

	now := s.now()
	if err := s.checkEligibility(order, now); err != nil {
		return ReturnRequest{}, err
	}

	items, err := resolveReturnItems(order, cmd.Type, cmd.Items)
	if err != nil {
		return ReturnRequest{}, err
	}

	rma, err := s.counters.NextRMANumber(ctx)
	if err != nil {
		return ReturnRequest{}, err
	}

	status := domain.ReturnStatusSubmitted
	if cmd.Draft {
		status = domain.ReturnStatusDraft
	}

	ret := ReturnRequest{
		ID:           returnIDPrefix + s.newID(),
		RMANumber:    rma,
		OrderID:      order.ID,
		UserID:       order.UserID,
		Type:         cmd.Type,
		Reason:       sanitizeReason(cmd.Reason),
		Status:       status,
		RefundAmount: refundAmountFor(cmd.Type, items),
		Items:        items,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if status == domain.ReturnStatusSubmitted {
		ret.SubmittedAt = &now
	}

	if err := s.returns.Insert(ctx, domain.ReturnRequest(ret)); err != nil {
		mapped := s.mapRepositoryError(err)
		if errors.Is(mapped, ErrReturnConflict) {
			return ReturnRequest{}, fmt.Errorf("%w: %s", ErrReturnAlreadyActive, order.ID)
		}
		return ReturnRequest{}, mapped
	}

	if status == domain.ReturnStatusSubmitted {
		s.dispatchTransitionEffects(ctx, ret, order, "", actor, now)
	}

	return ret, nil
}

func (s *returnService) Cancel(ctx context.Context, cmd CancelReturnCommand) (ReturnRequest, error) {
	returnID := strings.TrimSpace(cmd.ReturnID)
	actor := strings.TrimSpace(cmd.ActorID)
	if returnID == "" {
		return ReturnRequest{}, fmt.Errorf("%w: return id is required", ErrReturnInvalidInput)
	}
	if actor == "" {
		return ReturnRequest{}, fmt.Errorf("%w: actor id is required", ErrReturnInvalidInput)
	}

	ret, err := s.returns.FindByID(ctx, returnID)
	if err != nil {
		return ReturnRequest{}, s.mapRepositoryError(err)
	}

	admin := s.policy.IsAdmin(ctx, actor)
	if ret.UserID != actor && !admin {
		return ReturnRequest{}, fmt.Errorf("%w: %s", ErrReturnNotFound, returnID)
	}

	// Staff may cancel from any non-terminal state, their own returns
	// included. Owners without staff access are cut off once the pickup is
	// scheduled.
	reason := sanitizeReason(cmd.Reason)
	if admin {
		if ret.UserID != actor && reason == "" {
			return ReturnRequest{}, fmt.Errorf("%w: cancellation reason is required", ErrReturnInvalidInput)
		}
		if ret.Status.IsTerminal() {
			s.metrics.recordTransition(ctx, domain.ReturnStatusCancelled, transitionRejected)
			return ReturnRequest{}, fmt.Errorf("%w: %s -> %s", ErrReturnInvalidState, ret.Status, domain.ReturnStatusCancelled)
		}
	} else if !slices.Contains(userCancellableStatuses, ret.Status) {
		s.metrics.recordTransition(ctx, domain.ReturnStatusCancelled, transitionRejected)
		return ReturnRequest{}, fmt.Errorf("%w: %s -> %s", ErrReturnInvalidState, ret.Status, domain.ReturnStatusCancelled)
	}

	now := s.now()
	prev := ret.Status

	updated, err := s.returns.UpdateStatus(ctx, repositories.ReturnStatusUpdate{
		ReturnID:           ret.ID,
		ExpectedStatus:     prev,
		NewStatus:          domain.ReturnStatusCancelled,
		CancellationReason: optionalString(reason),
		Now:                now,
	})
	if err != nil {
		return ReturnRequest{}, s.mapRepositoryError(err)
	}

	s.metrics.recordTransition(ctx, domain.ReturnStatusCancelled, transitionAccepted)

	order, err := s.orders.FindByID(ctx, updated.OrderID)
	if err != nil {
		s.logger(ctx, "return.order.load.failed", map[string]any{
			"return": updated.ID,
			"order":  updated.OrderID,
			"error":  err.Error(),
		})
		order = Order{ID: updated.OrderID, UserID: updated.UserID}
	}

	s.dispatchTransitionEffects(ctx, updated, order, prev, actor, now)

	return updated, nil
}

func (s *returnService) SetStatus(ctx context.Context, cmd SetReturnStatusCommand) (ReturnRequest, error) {
	returnID := strings.TrimSpace(cmd.ReturnID)
	actor := strings.TrimSpace(cmd.ActorID)
	if returnID == "" {
		return ReturnRequest{}, fmt.Errorf("%w: return id is required", ErrReturnInvalidInput)
	}
	target := domain.ReturnStatus(strings.TrimSpace(string(cmd.TargetStatus)))
	if !isKnownReturnStatus(target) {
		return ReturnRequest{}, fmt.Errorf("%w: unknown status %q", ErrReturnInvalidInput, cmd.TargetStatus)
	}
	if !s.policy.IsAdmin(ctx, actor) {
		return ReturnRequest{}, fmt.Errorf("%w: status updates require staff access", ErrReturnForbidden)
	}

	ret, err := s.returns.FindByID(ctx, returnID)
	if err != nil {
		return ReturnRequest{}, s.mapRepositoryError(err)
	}

	if ret.Status == domain.ReturnStatusCompleted && target == domain.ReturnStatusCompleted {
		return ReturnRequest{}, fmt.Errorf("%w: %s", ErrReturnAlreadyCompleted, ret.ID)
	}

	reason := sanitizeReason(cmd.Reason)
	if target == domain.ReturnStatusCancelled {
		if reason == "" {
			return ReturnRequest{}, fmt.Errorf("%w: cancellation reason is required", ErrReturnInvalidInput)
		}
		if ret.Status.IsTerminal() {
			s.metrics.recordTransition(ctx, target, transitionRejected)
			return ReturnRequest{}, fmt.Errorf("%w: %s -> %s", ErrReturnInvalidState, ret.Status, target)
		}
	} else if !slices.Contains(returnStateTransitions[ret.Status], target) {
		s.metrics.recordTransition(ctx, target, transitionRejected)
		return ReturnRequest{}, fmt.Errorf("%w: %s -> %s", ErrReturnInvalidState, ret.Status, target)
	}

	var tracking *string
	if cmd.TrackingID != nil {
		if trimmed := strings.TrimSpace(*cmd.TrackingID); trimmed != "" {
			tracking = &trimmed
		}
	}

	now := s.now()
	prev := ret.Status

	updated, err := s.returns.UpdateStatus(ctx, repositories.ReturnStatusUpdate{
		ReturnID:           ret.ID,
		ExpectedStatus:     prev,
		NewStatus:          target,
		TrackingID:         tracking,
		CancellationReason: optionalString(reason),
		Now:                now,
	})
	if err != nil {
		return ReturnRequest{}, s.mapRepositoryError(err)
	}

	s.metrics.recordTransition(ctx, target, transitionAccepted)

	order, err := s.orders.FindByID(ctx, updated.OrderID)
	if err != nil {
		s.logger(ctx, "return.order.load.failed", map[string]any{
			"return": updated.ID,
			"order":  updated.OrderID,
			"error":  err.Error(),
		})
		order = Order{ID: updated.OrderID, UserID: updated.UserID}
	}

	if target == domain.ReturnStatusCompleted {
		s.dispatchCompletionEffects(ctx, updated, order, prev, actor, now)
	} else {
		s.dispatchTransitionEffects(ctx, updated, order, prev, actor, now)
	}

	return updated, nil
}

func (s *returnService) GetReturn(ctx context.Context, query ReturnReadQuery) (ReturnRequest, error) {
	returnID := strings.TrimSpace(query.ReturnID)
	if returnID == "" {
		return ReturnRequest{}, fmt.Errorf("%w: return id is required", ErrReturnInvalidInput)
	}

	ret, err := s.returns.FindByID(ctx, returnID)
	if err != nil {
		return ReturnRequest{}, s.mapRepositoryError(err)
	}

	actor := strings.TrimSpace(query.ActorID)
	if actor != "" && ret.UserID != actor && !s.policy.IsAdmin(ctx, actor) {
		return ReturnRequest{}, fmt.Errorf("%w: %s", ErrReturnNotFound, returnID)
	}

	return ret, nil
}

func (s *returnService) ListUserReturns(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[ReturnRequest], error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CursorPage[ReturnRequest]{}, fmt.Errorf("%w: user id is required", ErrReturnInvalidInput)
	}
	page, err := s.returns.ListByUser(ctx, userID, pager)
	if err != nil {
		return domain.CursorPage[ReturnRequest]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *returnService) ListReturns(ctx context.Context, filter ReturnListFilter) (domain.CursorPage[ReturnRequest], error) {
	page, err := s.returns.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[ReturnRequest]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *returnService) Stats(ctx context.Context) (ReturnStats, error) {
	stats, err := s.returns.Stats(ctx)
	if err != nil {
		return ReturnStats{}, s.mapRepositoryError(err)
	}
	return stats, nil
}

// checkEligibility enforces the delivered-order precondition and the return
// window measured from the delivery timestamp.
func (s *returnService) checkEligibility(order Order, now time.Time) error {
	if order.Status != domain.OrderStatusDelivered || order.DeliveredAt == nil {
		return fmt.Errorf("%w: order %s is %s, returns require delivery", ErrReturnNotEligible, order.ID, order.Status)
	}
	if now.Sub(order.DeliveredAt.UTC()) > s.window {
		return fmt.Errorf("%w: order %s was delivered %s", ErrReturnWindowExpired, order.ID, order.DeliveredAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// resolveReturnItems matches requested lines against the order's line items so
// prices and names come from the order snapshot, never the caller.
func resolveReturnItems(order Order, returnType domain.ReturnType, requested []ReturnLineItem) ([]ReturnLineItem, error) {
	items := make([]ReturnLineItem, 0, len(requested))
	for _, req := range requested {
		productID := strings.TrimSpace(req.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: item product id is required", ErrReturnInvalidInput)
		}
		if req.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %s quantity must be positive", ErrReturnInvalidInput, productID)
		}
		currentSize := strings.TrimSpace(req.CurrentSize)
		newSize := strings.TrimSpace(req.NewSize)
		if returnType == domain.ReturnTypeExchange && newSize == "" {
			return nil, fmt.Errorf("%w: item %s requires a new size for exchange", ErrReturnInvalidInput, productID)
		}
		if returnType == domain.ReturnTypeRefund {
			newSize = ""
		}

		line, ok := findOrderLine(order.Items, productID, currentSize)
		if !ok {
			return nil, fmt.Errorf("%w: item %s (%s) is not part of order %s", ErrReturnInvalidInput, productID, currentSize, order.ID)
		}
		if req.Quantity > line.Quantity {
			return nil, fmt.Errorf("%w: item %s quantity %d exceeds ordered %d", ErrReturnInvalidInput, productID, req.Quantity, line.Quantity)
		}

		items = append(items, ReturnLineItem{
			ProductID:   line.ProductID,
			Name:        line.Name,
			Price:       line.Price,
			Quantity:    req.Quantity,
			CurrentSize: line.SelectedSize,
			NewSize:     newSize,
		})
	}
	return items, nil
}

func findOrderLine(lines []domain.OrderLineItem, productID, size string) (domain.OrderLineItem, bool) {
	for _, line := range lines {
		if line.ProductID == productID && (size == "" || strings.EqualFold(line.SelectedSize, size)) {
			return line, true
		}
	}
	return domain.OrderLineItem{}, false
}

func refundAmountFor(returnType domain.ReturnType, items []ReturnLineItem) int64 {
	if returnType != domain.ReturnTypeRefund {
		return 0
	}
	var total int64
	for _, item := range items {
		total += item.Price * int64(item.Quantity)
	}
	return total
}

var returnNotificationTypes = map[domain.ReturnStatus]domain.NotificationType{
	domain.ReturnStatusSubmitted: domain.NotificationReturnSubmitted,
	domain.ReturnStatusCompleted: domain.NotificationReturnCompleted,
	domain.ReturnStatusCancelled: domain.NotificationReturnCancelled,
}

var returnNotificationTitles = map[domain.ReturnStatus]string{
	domain.ReturnStatusSubmitted:       "Return request received",
	domain.ReturnStatusProcessing:      "Return approved",
	domain.ReturnStatusPickupScheduled: "Return pickup scheduled",
	domain.ReturnStatusPickedUp:        "Return picked up",
	domain.ReturnStatusCompleted:       "Return completed",
	domain.ReturnStatusCancelled:       "Return cancelled",
}

func returnNotificationType(status domain.ReturnStatus) domain.NotificationType {
	if t, ok := returnNotificationTypes[status]; ok {
		return t
	}
	return domain.NotificationReturnUpdated
}

var amountPrinter = message.NewPrinter(language.English)

// formatRupees renders a rupee amount with digit grouping for customer-facing
// notification copy.
func formatRupees(amount int64) string {
	return amountPrinter.Sprintf("₹%v", number.Decimal(amount))
}

// returnNotificationLink points at the return while it is in flight and
// collapses into plain order history once the return resolves.
func returnNotificationLink(orderID string, status domain.ReturnStatus) string {
	if status.IsTerminal() {
		return "/account/orders/" + orderID
	}
	return "/account/orders/" + orderID + "/return"
}

func (s *returnService) dispatchTransitionEffects(ctx context.Context, ret ReturnRequest, order Order, prev domain.ReturnStatus, actor string, now time.Time) {
	effects := s.baseTransitionEffects(ctx, ret, order, prev, actor, now)
	s.dispatcher.Dispatch(ctx, effects...)
}

// dispatchCompletionEffects runs the completion sequence after the transition
// into completed is durable: reconcile inventory, issue the refund when one is
// due, notify, audit. Collaborator failures are logged and never unwind the
// committed status.
func (s *returnService) dispatchCompletionEffects(ctx context.Context, ret ReturnRequest, order Order, prev domain.ReturnStatus, actor string, now time.Time) {
	effects := make([]SideEffect, 0, 6)

	effects = append(effects, SideEffect{
		EntityKind: auditEntityReturn,
		EntityID:   ret.ID,
		Target:     string(domain.ReturnStatusCompleted),
		Name:       "reconcile",
		Run: func(ctx context.Context) error {
			result := s.inventory.ReconcileReturn(ctx, ret)
			s.logger(ctx, "return.inventory.reconciled", map[string]any{
				"return":   ret.ID,
				"order":    ret.OrderID,
				"adjusted": result.Adjusted,
				"failed":   result.Failed,
			})
			return nil
		},
	})

	if s.refundDue(ret, order) {
		effects = append(effects, SideEffect{
			EntityKind: auditEntityReturn,
			EntityID:   ret.ID,
			Target:     string(domain.ReturnStatusCompleted),
			Name:       "refund",
			Run: func(ctx context.Context) error {
				s.issueRefund(ctx, ret, order)
				return nil
			},
		})
	}

	effects = append(effects, s.baseTransitionEffects(ctx, ret, order, prev, actor, now)...)

	s.dispatcher.Dispatch(ctx, effects...)
}

func (s *returnService) baseTransitionEffects(ctx context.Context, ret ReturnRequest, order Order, prev domain.ReturnStatus, actor string, now time.Time) []SideEffect {
	effects := make([]SideEffect, 0, 4)
	target := string(ret.Status)

	if s.notifications != nil {
		notifType := returnNotificationType(ret.Status)
		title := returnNotificationTitles[ret.Status]
		link := returnNotificationLink(ret.OrderID, ret.Status)
		body := fmt.Sprintf("Return %s for order %s is now %s.", ret.RMANumber, ret.OrderID, ret.Status)
		if ret.Status == domain.ReturnStatusCompleted && s.refundDue(ret, order) {
			body = fmt.Sprintf("Return %s for order %s is complete. A refund of %s is on its way.",
				ret.RMANumber, ret.OrderID, formatRupees(ret.RefundAmount))
		}

		effects = append(effects, SideEffect{
			EntityKind: auditEntityReturn,
			EntityID:   ret.ID,
			Target:     target,
			Name:       "notify.user",
			Run: func(ctx context.Context) error {
				s.notifications.Emit(ctx, EmitNotificationCommand{
					Recipient:     ret.UserID,
					Type:          notifType,
					Title:         title,
					Message:       body,
					CorrelationID: ret.OrderID,
					Link:          link,
				})
				return nil
			},
		})

		if ret.Status == domain.ReturnStatusSubmitted || ret.Status == domain.ReturnStatusCancelled {
			effects = append(effects, SideEffect{
				EntityKind: auditEntityReturn,
				EntityID:   ret.ID,
				Target:     target,
				Name:       "notify.admin",
				Run: func(ctx context.Context) error {
					s.notifications.Emit(ctx, EmitNotificationCommand{
						Recipient:     domain.AdminRecipient,
						Type:          notifType,
						Title:         title,
						Message:       body,
						CorrelationID: ret.OrderID,
						Link:          link,
					})
					return nil
				},
			})
		}
	}

	if s.events != nil {
		event := ReturnEvent{
			Type:           returnEventStatusChanged,
			ReturnID:       ret.ID,
			OrderID:        ret.OrderID,
			PreviousStatus: string(prev),
			CurrentStatus:  string(ret.Status),
			ActorID:        actor,
			OccurredAt:     now,
		}
		effects = append(effects, SideEffect{
			EntityKind: auditEntityReturn,
			EntityID:   ret.ID,
			Target:     target,
			Name:       "publish",
			Run: func(ctx context.Context) error {
				return s.events.PublishReturnEvent(ctx, event)
			},
		})
	}

	if s.audit != nil {
		record := AuditRecord{
			ActorID:    actor,
			EntityKind: auditEntityReturn,
			EntityID:   ret.ID,
			FromStatus: string(prev),
			ToStatus:   string(ret.Status),
			Reason:     ret.Reason,
			OccurredAt: now,
		}
		if ret.Status == domain.ReturnStatusCancelled && ret.CancellationReason != nil {
			record.Reason = *ret.CancellationReason
		}
		effects = append(effects, SideEffect{
			EntityKind: auditEntityReturn,
			EntityID:   ret.ID,
			Target:     target,
			Name:       "audit",
			Run: func(ctx context.Context) error {
				s.audit.Record(ctx, record)
				return nil
			},
		})
	}

	return effects
}

// refundSyncBatchSize caps one sweep of the refund backlog.
const refundSyncBatchSize = 100

// SyncRefunds retries refunds for completed returns the gateway never paid
// out. Gateway failures stay logged and the return is picked up again on the
// next sweep.
func (s *returnService) SyncRefunds(ctx context.Context) (RefundSyncReport, error) {
	page, err := s.returns.List(ctx, repositories.ReturnListFilter{
		Status:     []domain.ReturnStatus{domain.ReturnStatusCompleted},
		Pagination: domain.Pagination{PageSize: refundSyncBatchSize},
	})
	if err != nil {
		return RefundSyncReport{}, s.mapRepositoryError(err)
	}

	report := RefundSyncReport{Scanned: len(page.Items)}
	for _, ret := range page.Items {
		if ret.Type != domain.ReturnTypeRefund || ret.RefundID != nil || ret.RefundAmount <= 0 {
			report.Skipped++
			continue
		}
		order, err := s.orders.FindByID(ctx, ret.OrderID)
		if err != nil {
			s.logger(ctx, "return.refund.sync.order.failed", map[string]any{
				"return": ret.ID,
				"order":  ret.OrderID,
				"error":  err.Error(),
			})
			report.Skipped++
			continue
		}
		if !s.refundDue(ret, order) {
			report.Skipped++
			continue
		}
		s.issueRefund(ctx, ret, order)
		report.Attempted++
	}
	return report, nil
}

// refundDue reports whether completing this return owes the customer money
// through the payment gateway.
func (s *returnService) refundDue(ret ReturnRequest, order Order) bool {
	if s.payments == nil {
		return false
	}
	if ret.Type != domain.ReturnTypeRefund || ret.RefundAmount <= 0 {
		return false
	}
	if ret.RefundID != nil {
		return false
	}
	return order.PaymentMethod == domain.PaymentMethodOnline &&
		order.PaymentStatus == domain.PaymentStatusCompleted &&
		order.PaymentID != nil
}

// issueRefund calls the gateway in minor units, keyed by (orderId, returnId)
// so a retried completion cannot pay twice. Gateway failures are logged for
// manual reconciliation and never surfaced to the caller.
func (s *returnService) issueRefund(ctx context.Context, ret ReturnRequest, order Order) {
	amountMinor := ret.RefundAmount * 100
	s.metrics.recordRefundAttempt(ctx)
	details, err := s.payments.Refund(ctx, payments.PaymentContext{}, payments.RefundRequest{
		IntentID:       *order.PaymentID,
		Amount:         valuePtr(amountMinor),
		Reason:         "return " + ret.RMANumber,
		IdempotencyKey: order.ID + ":" + ret.ID,
		Metadata: map[string]string{
			"orderId":  order.ID,
			"returnId": ret.ID,
			"userId":   ret.UserID,
		},
	})
	if err != nil {
		s.metrics.recordRefundFailure(ctx)
		s.logger(ctx, "return.refund.failed", map[string]any{
			"return": ret.ID,
			"order":  order.ID,
			"amount": amountMinor,
			"error":  err.Error(),
		})
		return
	}

	if err := s.returns.SetRefundID(ctx, ret.ID, details.RefundID, s.now()); err != nil {
		s.logger(ctx, "return.refund.record.failed", map[string]any{
			"return": ret.ID,
			"refund": details.RefundID,
			"error":  err.Error(),
		})
	}
}

func (s *returnService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrReturnNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrReturnConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("return: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *returnService) now() time.Time {
	return s.clock()
}

func sanitizeReason(reason string) string {
	return strings.TrimSpace(reasonSanitizer.Sanitize(reason))
}

func isKnownReturnStatus(status domain.ReturnStatus) bool {
	switch status {
	case domain.ReturnStatusDraft, domain.ReturnStatusSubmitted, domain.ReturnStatusProcessing,
		domain.ReturnStatusPickupScheduled, domain.ReturnStatusPickedUp,
		domain.ReturnStatusCompleted, domain.ReturnStatusCancelled:
		return true
	}
	return false
}
