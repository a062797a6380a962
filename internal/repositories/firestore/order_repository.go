package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/stridewear/api/internal/domain"
	pfirestore "github.com/stridewear/api/internal/platform/firestore"
	"github.com/stridewear/api/internal/repositories"
)

const ordersCollection = "orders"

type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	orders := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{provider: provider, orders: orders}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order insert: id is required")
	}

	ref, err := r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: id is required")
	}

	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// UpdateStatus rereads the order inside the transaction so a transition that
// raced with another writer fails as a conflict instead of overwriting it.
func (r *OrderRepository) UpdateStatus(ctx context.Context, req repositories.OrderStatusUpdate) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order update status: id is required")
	}

	now := req.Now.UTC()
	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}
		if doc.Status != string(req.ExpectedStatus) {
			return status.Errorf(codes.FailedPrecondition, "order %s status moved: expected %s, found %s", orderID, req.ExpectedStatus, doc.Status)
		}

		doc.Status = string(req.NewStatus)
		doc.UpdatedAt = now
		doc.stampStatusTime(req.NewStatus, now)

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.updateStatus", err)
	}
	return updated, nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := normalizePageSize(filter.Pagination.PageSize)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		query = query.Where("status", "in", statuses)
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := decodeListCursor(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}

	docs, hasMore, err := collectDocuments[orderDocument](ctx, query, pageSize, "orders.list")
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	orders := make([]domain.Order, len(docs))
	for i, doc := range docs {
		orders[i] = doc.data.toDomain(doc.id)
	}

	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		nextToken, err = encodeListCursor(listCursor{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// Helper structures ---------------------------------------------------------

type orderDocument struct {
	UserID          string              `firestore:"userId"`
	PaymentMethod   string              `firestore:"paymentMethod"`
	PaymentStatus   string              `firestore:"paymentStatus"`
	PaymentID       *string             `firestore:"paymentId,omitempty"`
	Status          string              `firestore:"status"`
	TotalAmount     int64               `firestore:"totalAmount"`
	DeliveryAddress addressDocument     `firestore:"deliveryAddress"`
	Items           []orderItemDocument `firestore:"items"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	PaidAt          *time.Time          `firestore:"paidAt,omitempty"`
	ProcessingAt    *time.Time          `firestore:"processingAt,omitempty"`
	ShippedAt       *time.Time          `firestore:"shippedAt,omitempty"`
	DeliveredAt     *time.Time          `firestore:"deliveredAt,omitempty"`
	CancelledAt     *time.Time          `firestore:"cancelledAt,omitempty"`
}

type orderItemDocument struct {
	ProductID    string `firestore:"productId"`
	Name         string `firestore:"name"`
	Price        int64  `firestore:"price"`
	Quantity     int    `firestore:"qty"`
	SelectedSize string `firestore:"selectedSize,omitempty"`
	Image        string `firestore:"image,omitempty"`
}

type addressDocument struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

func (d *orderDocument) stampStatusTime(status domain.OrderStatus, now time.Time) {
	switch status {
	case domain.OrderStatusPaid:
		d.PaidAt = &now
	case domain.OrderStatusProcessing:
		d.ProcessingAt = &now
	case domain.OrderStatusShipped:
		d.ShippedAt = &now
	case domain.OrderStatusDelivered:
		d.DeliveredAt = &now
	case domain.OrderStatusCancelled:
		if d.CancelledAt == nil {
			d.CancelledAt = &now
		}
	}
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductID:    strings.TrimSpace(item.ProductID),
			Name:         strings.TrimSpace(item.Name),
			Price:        item.Price,
			Quantity:     item.Quantity,
			SelectedSize: strings.TrimSpace(item.SelectedSize),
			Image:        strings.TrimSpace(item.Image),
		}
	}
	return orderDocument{
		UserID:          strings.TrimSpace(order.UserID),
		PaymentMethod:   string(order.PaymentMethod),
		PaymentStatus:   string(order.PaymentStatus),
		PaymentID:       order.PaymentID,
		Status:          string(order.Status),
		TotalAmount:     order.TotalAmount,
		DeliveryAddress: newAddressDocument(order.DeliveryAddress),
		Items:           items,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
		PaidAt:          order.PaidAt,
		ProcessingAt:    order.ProcessingAt,
		ShippedAt:       order.ShippedAt,
		DeliveredAt:     order.DeliveredAt,
		CancelledAt:     order.CancelledAt,
	}
}

func newAddressDocument(addr domain.Address) addressDocument {
	return addressDocument{
		Recipient:  strings.TrimSpace(addr.Recipient),
		Line1:      strings.TrimSpace(addr.Line1),
		Line2:      addr.Line2,
		City:       strings.TrimSpace(addr.City),
		State:      addr.State,
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.TrimSpace(addr.Country),
		Phone:      addr.Phone,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderLineItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderLineItem{
			ProductID:    item.ProductID,
			Name:         item.Name,
			Price:        item.Price,
			Quantity:     item.Quantity,
			SelectedSize: item.SelectedSize,
			Image:        item.Image,
		}
	}
	return domain.Order{
		ID:            id,
		UserID:        d.UserID,
		PaymentMethod: domain.PaymentMethod(d.PaymentMethod),
		PaymentStatus: domain.PaymentStatus(d.PaymentStatus),
		PaymentID:     d.PaymentID,
		Status:        domain.OrderStatus(d.Status),
		TotalAmount:   d.TotalAmount,
		DeliveryAddress: domain.Address{
			Recipient:  d.DeliveryAddress.Recipient,
			Line1:      d.DeliveryAddress.Line1,
			Line2:      d.DeliveryAddress.Line2,
			City:       d.DeliveryAddress.City,
			State:      d.DeliveryAddress.State,
			PostalCode: d.DeliveryAddress.PostalCode,
			Country:    d.DeliveryAddress.Country,
			Phone:      d.DeliveryAddress.Phone,
		},
		Items:        items,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		PaidAt:       d.PaidAt,
		ProcessingAt: d.ProcessingAt,
		ShippedAt:    d.ShippedAt,
		DeliveredAt:  d.DeliveredAt,
		CancelledAt:  d.CancelledAt,
	}
}
