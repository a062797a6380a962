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
	"github.com/stridewear/api/internal/repositories"
)

const (
	returnsCollection     = "returns"
	returnLocksCollection = "returnLocks"
)

// ReturnRepository stores return requests plus a per-order lock document that
// enforces the single-active-return invariant without a query-then-insert
// race.
type ReturnRepository struct {
	provider *pfirestore.Provider
	returns  *pfirestore.BaseRepository[returnDocument]
}

func NewReturnRepository(provider *pfirestore.Provider) (*ReturnRepository, error) {
	if provider == nil {
		return nil, errors.New("return repository requires firestore provider")
	}
	returns := pfirestore.NewBaseRepository[returnDocument](provider, returnsCollection, nil, nil)
	return &ReturnRepository{provider: provider, returns: returns}, nil
}

func (r *ReturnRepository) Insert(ctx context.Context, ret domain.ReturnRequest) error {
	if r == nil || r.provider == nil {
		return errors.New("return repository not initialised")
	}
	if strings.TrimSpace(ret.ID) == "" {
		return errors.New("return insert: id is required")
	}
	if strings.TrimSpace(ret.OrderID) == "" {
		return errors.New("return insert: order id is required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		retRef, err := r.returns.DocumentRef(ctx, ret.ID)
		if err != nil {
			return err
		}
		lockRef, err := r.lockRef(ctx, ret.OrderID)
		if err != nil {
			return err
		}

		if ret.Status != domain.ReturnStatusCancelled {
			if _, err := tx.Get(lockRef); err == nil {
				return status.Errorf(codes.FailedPrecondition, "order %s already has an active return", ret.OrderID)
			} else if status.Code(err) != codes.NotFound {
				return err
			}
			if err := tx.Create(lockRef, returnLockDocument{
				ReturnRef: ret.ID,
				UserRef:   strings.TrimSpace(ret.UserID),
				CreatedAt: ret.CreatedAt.UTC(),
			}); err != nil {
				return err
			}
		}

		return tx.Create(retRef, newReturnDocument(ret))
	})
	return pfirestore.WrapError("returns.insert", err)
}

func (r *ReturnRepository) FindByID(ctx context.Context, returnID string) (domain.ReturnRequest, error) {
	if r == nil || r.returns == nil {
		return domain.ReturnRequest{}, errors.New("return repository not initialised")
	}
	returnID = strings.TrimSpace(returnID)
	if returnID == "" {
		return domain.ReturnRequest{}, errors.New("return find: id is required")
	}

	doc, err := r.returns.Get(ctx, returnID)
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// UpdateStatus applies one optimistic transition. Moving into a terminal
// status releases the order lock in the same transaction, so a follow-up
// return becomes possible the moment this one resolves.
func (r *ReturnRepository) UpdateStatus(ctx context.Context, req repositories.ReturnStatusUpdate) (domain.ReturnRequest, error) {
	if r == nil || r.provider == nil {
		return domain.ReturnRequest{}, errors.New("return repository not initialised")
	}
	returnID := strings.TrimSpace(req.ReturnID)
	if returnID == "" {
		return domain.ReturnRequest{}, errors.New("return update status: id is required")
	}

	now := req.Now.UTC()
	var updated domain.ReturnRequest
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		retRef, err := r.returns.DocumentRef(ctx, returnID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(retRef)
		if err != nil {
			return err
		}
		var doc returnDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode return %s: %w", returnID, err)
		}
		if doc.Status != string(req.ExpectedStatus) {
			return status.Errorf(codes.FailedPrecondition, "return %s status moved: expected %s, found %s", returnID, req.ExpectedStatus, doc.Status)
		}

		doc.Status = string(req.NewStatus)
		doc.UpdatedAt = now
		doc.stampStatusTime(req.NewStatus, now)
		if req.TrackingID != nil {
			if tracking := strings.TrimSpace(*req.TrackingID); tracking != "" {
				doc.TrackingID = &tracking
			}
		}
		if req.CancellationReason != nil {
			if reason := strings.TrimSpace(*req.CancellationReason); reason != "" {
				doc.CancellationReason = &reason
			}
		}

		if domain.ReturnStatus(doc.Status).IsTerminal() {
			lockRef, err := r.lockRef(ctx, doc.OrderRef)
			if err != nil {
				return err
			}
			if err := tx.Delete(lockRef); err != nil {
				return err
			}
		}

		if err := tx.Set(retRef, doc); err != nil {
			return err
		}
		updated = doc.toDomain(returnID)
		return nil
	})
	if err != nil {
		return domain.ReturnRequest{}, pfirestore.WrapError("returns.updateStatus", err)
	}
	return updated, nil
}

func (r *ReturnRepository) SetRefundID(ctx context.Context, returnID string, refundID string, now time.Time) error {
	if r == nil || r.returns == nil {
		return errors.New("return repository not initialised")
	}
	returnID = strings.TrimSpace(returnID)
	refundID = strings.TrimSpace(refundID)
	if returnID == "" || refundID == "" {
		return errors.New("return set refund id: return id and refund id are required")
	}

	_, err := r.returns.Update(ctx, returnID, []firestore.Update{
		{Path: "refundId", Value: refundID},
		{Path: "updatedAt", Value: now.UTC()},
	})
	return err
}

func (r *ReturnRepository) ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.ReturnRequest], error) {
	return r.List(ctx, repositories.ReturnListFilter{UserID: userID, Pagination: pager})
}

func (r *ReturnRepository) List(ctx context.Context, filter repositories.ReturnListFilter) (domain.CursorPage[domain.ReturnRequest], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.ReturnRequest]{}, errors.New("return repository not initialised")
	}

	pageSize := normalizePageSize(filter.Pagination.PageSize)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.ReturnRequest]{}, pfirestore.WrapError("returns.list", err)
	}

	query := client.Collection(returnsCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userRef", "==", userID)
	}
	if orderID := strings.TrimSpace(filter.OrderID); orderID != "" {
		query = query.Where("orderRef", "==", orderID)
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
			return domain.CursorPage[domain.ReturnRequest]{}, pfirestore.WrapError("returns.list", err)
		}
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}

	docs, hasMore, err := collectDocuments[returnDocument](ctx, query, pageSize, "returns.list")
	if err != nil {
		return domain.CursorPage[domain.ReturnRequest]{}, err
	}

	returns := make([]domain.ReturnRequest, len(docs))
	for i, doc := range docs {
		returns[i] = doc.data.toDomain(doc.id)
	}

	var nextToken string
	if hasMore && len(returns) > 0 {
		last := returns[len(returns)-1]
		nextToken, err = encodeListCursor(listCursor{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.ReturnRequest]{}, pfirestore.WrapError("returns.list", err)
		}
	}

	return domain.CursorPage[domain.ReturnRequest]{Items: returns, NextPageToken: nextToken}, nil
}

func (r *ReturnRepository) Stats(ctx context.Context) (domain.ReturnStats, error) {
	if r == nil || r.provider == nil {
		return domain.ReturnStats{}, errors.New("return repository not initialised")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.ReturnStats{}, pfirestore.WrapError("returns.stats", err)
	}

	stats := domain.ReturnStats{ByStatus: make(map[domain.ReturnStatus]int)}

	iter := client.Collection(returnsCollection).Select("status", "refundAmount").Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.ReturnStats{}, pfirestore.WrapError("returns.stats", err)
		}
		var doc struct {
			Status       string `firestore:"status"`
			RefundAmount int64  `firestore:"refundAmount"`
		}
		if err := snap.DataTo(&doc); err != nil {
			return domain.ReturnStats{}, fmt.Errorf("decode return %s: %w", snap.Ref.ID, err)
		}
		stats.Total++
		stats.ByStatus[domain.ReturnStatus(doc.Status)]++
		if domain.ReturnStatus(doc.Status) == domain.ReturnStatusCompleted {
			stats.TotalRefunded += doc.RefundAmount
		}
	}

	return stats, nil
}

func (r *ReturnRepository) lockRef(ctx context.Context, orderID string) (*firestore.DocumentRef, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("return lock: order id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(returnLocksCollection).Doc(orderID), nil
}

// Helper structures ---------------------------------------------------------

type returnDocument struct {
	RMANumber          string               `firestore:"rmaNumber"`
	OrderRef           string               `firestore:"orderRef"`
	UserRef            string               `firestore:"userRef"`
	Type               string               `firestore:"type"`
	Reason             string               `firestore:"reason"`
	Status             string               `firestore:"status"`
	RefundAmount       int64                `firestore:"refundAmount"`
	RefundID           *string              `firestore:"refundId,omitempty"`
	TrackingID         *string              `firestore:"trackingId,omitempty"`
	CancellationReason *string              `firestore:"cancellationReason,omitempty"`
	Items              []returnItemDocument `firestore:"items"`
	SubmittedAt        *time.Time           `firestore:"submittedAt,omitempty"`
	ProcessingAt       *time.Time           `firestore:"processingAt,omitempty"`
	PickupScheduledAt  *time.Time           `firestore:"pickupScheduledAt,omitempty"`
	PickedUpAt         *time.Time           `firestore:"pickedUpAt,omitempty"`
	CompletedAt        *time.Time           `firestore:"completedAt,omitempty"`
	CancelledAt        *time.Time           `firestore:"cancelledAt,omitempty"`
	CreatedAt          time.Time            `firestore:"createdAt"`
	UpdatedAt          time.Time            `firestore:"updatedAt"`
}

type returnItemDocument struct {
	ProductID   string `firestore:"productId"`
	Name        string `firestore:"name"`
	Price       int64  `firestore:"price"`
	Quantity    int    `firestore:"qty"`
	CurrentSize string `firestore:"currentSize,omitempty"`
	NewSize     string `firestore:"newSize,omitempty"`
}

type returnLockDocument struct {
	ReturnRef string    `firestore:"returnRef"`
	UserRef   string    `firestore:"userRef"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func (d *returnDocument) stampStatusTime(status domain.ReturnStatus, now time.Time) {
	switch status {
	case domain.ReturnStatusSubmitted:
		d.SubmittedAt = &now
	case domain.ReturnStatusProcessing:
		d.ProcessingAt = &now
	case domain.ReturnStatusPickupScheduled:
		d.PickupScheduledAt = &now
	case domain.ReturnStatusPickedUp:
		d.PickedUpAt = &now
	case domain.ReturnStatusCompleted:
		d.CompletedAt = &now
	case domain.ReturnStatusCancelled:
		if d.CancelledAt == nil {
			d.CancelledAt = &now
		}
	}
}

func newReturnDocument(ret domain.ReturnRequest) returnDocument {
	items := make([]returnItemDocument, len(ret.Items))
	for i, item := range ret.Items {
		items[i] = returnItemDocument{
			ProductID:   strings.TrimSpace(item.ProductID),
			Name:        strings.TrimSpace(item.Name),
			Price:       item.Price,
			Quantity:    item.Quantity,
			CurrentSize: strings.TrimSpace(item.CurrentSize),
			NewSize:     strings.TrimSpace(item.NewSize),
		}
	}
	return returnDocument{
		RMANumber:          strings.TrimSpace(ret.RMANumber),
		OrderRef:           strings.TrimSpace(ret.OrderID),
		UserRef:            strings.TrimSpace(ret.UserID),
		Type:               string(ret.Type),
		Reason:             strings.TrimSpace(ret.Reason),
		Status:             string(ret.Status),
		RefundAmount:       ret.RefundAmount,
		RefundID:           ret.RefundID,
		TrackingID:         ret.TrackingID,
		CancellationReason: ret.CancellationReason,
		Items:              items,
		SubmittedAt:        ret.SubmittedAt,
		ProcessingAt:       ret.ProcessingAt,
		PickupScheduledAt:  ret.PickupScheduledAt,
		PickedUpAt:         ret.PickedUpAt,
		CompletedAt:        ret.CompletedAt,
		CancelledAt:        ret.CancelledAt,
		CreatedAt:          ret.CreatedAt.UTC(),
		UpdatedAt:          ret.UpdatedAt.UTC(),
	}
}

func (d returnDocument) toDomain(id string) domain.ReturnRequest {
	items := make([]domain.ReturnLineItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.ReturnLineItem{
			ProductID:   item.ProductID,
			Name:        item.Name,
			Price:       item.Price,
			Quantity:    item.Quantity,
			CurrentSize: item.CurrentSize,
			NewSize:     item.NewSize,
		}
	}
	return domain.ReturnRequest{
		ID:                 id,
		RMANumber:          d.RMANumber,
		OrderID:            d.OrderRef,
		UserID:             d.UserRef,
		Type:               domain.ReturnType(d.Type),
		Reason:             d.Reason,
		Status:             domain.ReturnStatus(d.Status),
		RefundAmount:       d.RefundAmount,
		RefundID:           d.RefundID,
		TrackingID:         d.TrackingID,
		CancellationReason: d.CancellationReason,
		Items:              items,
		SubmittedAt:        d.SubmittedAt,
		ProcessingAt:       d.ProcessingAt,
		PickupScheduledAt:  d.PickupScheduledAt,
		PickedUpAt:         d.PickedUpAt,
		CompletedAt:        d.CompletedAt,
		CancelledAt:        d.CancelledAt,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}
