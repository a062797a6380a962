package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stridewear/api/internal/domain"
	"github.com/stridewear/api/internal/platform/auth"
	"github.com/stridewear/api/internal/platform/httpx"
	"github.com/stridewear/api/internal/services"
)

const (
	defaultReturnPageSize = 20
	maxReturnPageSize     = 100
	maxReturnBodySize     = 16 * 1024
)

type createReturnRequest struct {
	OrderID string              `json:"order_id"`
	Type    string              `json:"type"`
	Reason  string              `json:"reason"`
	Draft   bool                `json:"draft,omitempty"`
	Items   []returnItemRequest `json:"items"`
}

type returnItemRequest struct {
	ProductID   string `json:"product_id"`
	Quantity    int    `json:"quantity"`
	CurrentSize string `json:"current_size"`
	NewSize     string `json:"new_size,omitempty"`
}

type cancelReturnRequest struct {
	Reason string `json:"reason,omitempty"`
}

type setReturnStatusRequest struct {
	Status     string  `json:"status"`
	TrackingID *string `json:"tracking_id,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// ReturnHandlers exposes the return/exchange lifecycle endpoints.
type ReturnHandlers struct {
	authn   *auth.Authenticator
	returns services.ReturnService
	limiter rateLimiter
}

// ReturnOption customises optional return handler behaviour.
type ReturnOption func(*ReturnHandlers)

// WithReturnRateLimit throttles return creation per user.
func WithReturnRateLimit(limit int, window time.Duration) ReturnOption {
	return func(h *ReturnHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewReturnHandlers constructs a new ReturnHandlers instance.
func NewReturnHandlers(authn *auth.Authenticator, returns services.ReturnService, opts ...ReturnOption) *ReturnHandlers {
	h := &ReturnHandlers{
		authn:   authn,
		returns: returns,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the user-facing /returns endpoints.
func (h *ReturnHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createReturn)
	r.Get("/", h.listUserReturns)
	r.Get("/{returnID}", h.getReturn)
	r.Post("/{returnID}:cancel", h.cancelReturn)
}

// AdminRoutes registers the staff return endpoints under the admin group.
func (h *ReturnHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/returns", h.listReturns)
	r.Get("/returns/stats", h.returnStats)
	r.Patch("/returns/{returnID}/status", h.setReturnStatus)
	r.Post("/returns/{returnID}:cancel", h.cancelReturn)
}

func (h *ReturnHandlers) createReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	if h.limiter != nil && !h.limiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many return requests, slow down", http.StatusTooManyRequests))
		return
	}

	var req createReturnRequest
	if err := decodeJSONBody(r, maxReturnBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	items := make([]services.ReturnLineItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.ReturnLineItem{
			ProductID:   strings.TrimSpace(item.ProductID),
			Quantity:    item.Quantity,
			CurrentSize: strings.TrimSpace(item.CurrentSize),
			NewSize:     strings.TrimSpace(item.NewSize),
		})
	}

	ret, err := h.returns.Create(ctx, services.CreateReturnCommand{
		OrderID: strings.TrimSpace(req.OrderID),
		ActorID: strings.TrimSpace(identity.UID),
		Type:    domain.ReturnType(strings.ToLower(strings.TrimSpace(req.Type))),
		Reason:  req.Reason,
		Items:   items,
		Draft:   req.Draft,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, returnResponse{Return: buildReturnPayload(ret)})
}

func (h *ReturnHandlers) listUserReturns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	pager, err := parsePagination(r.URL.Query(), defaultReturnPageSize, maxReturnPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.returns.ListUserReturns(ctx, strings.TrimSpace(identity.UID), pager)
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}

	writeReturnListResponse(w, page)
}

func (h *ReturnHandlers) getReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	returnID, ok := pathParam(ctx, w, r, "returnID", "return id is required")
	if !ok {
		return
	}

	ret, err := h.returns.GetReturn(ctx, services.ReturnReadQuery{
		ReturnID: returnID,
		ActorID:  strings.TrimSpace(identity.UID),
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(ret)})
}

func (h *ReturnHandlers) cancelReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	returnID, ok := pathParam(ctx, w, r, "returnID", "return id is required")
	if !ok {
		return
	}

	var req cancelReturnRequest
	body, err := readLimitedBody(r, maxReturnBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := decodeRawJSON(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	ret, err := h.returns.Cancel(ctx, services.CancelReturnCommand{
		ReturnID: returnID,
		ActorID:  strings.TrimSpace(identity.UID),
		Reason:   req.Reason,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(ret)})
}

func (h *ReturnHandlers) setReturnStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	returnID, ok := pathParam(ctx, w, r, "returnID", "return id is required")
	if !ok {
		return
	}

	var req setReturnStatusRequest
	if err := decodeJSONBody(r, maxReturnBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	ret, err := h.returns.SetStatus(ctx, services.SetReturnStatusCommand{
		ReturnID:     returnID,
		ActorID:      strings.TrimSpace(identity.UID),
		TargetStatus: domain.ReturnStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		TrackingID:   req.TrackingID,
		Reason:       req.Reason,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(ret)})
}

func (h *ReturnHandlers) listReturns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(ctx, w); !ok {
		return
	}

	query := r.URL.Query()
	pager, err := parsePagination(query, defaultReturnPageSize, maxReturnPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	statuses := make([]domain.ReturnStatus, 0)
	for _, raw := range parseFilterValues(query["status"]) {
		statuses = append(statuses, domain.ReturnStatus(strings.ToLower(raw)))
	}

	page, err := h.returns.ListReturns(ctx, services.ReturnListFilter{
		UserID:     strings.TrimSpace(query.Get("user_id")),
		OrderID:    strings.TrimSpace(query.Get("order_id")),
		Status:     statuses,
		Pagination: pager,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}

	writeReturnListResponse(w, page)
}

func (h *ReturnHandlers) returnStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(ctx, w); !ok {
		return
	}

	stats, err := h.returns.Stats(ctx)
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}

	byStatus := make(map[string]int, len(stats.ByStatus))
	for status, count := range stats.ByStatus {
		byStatus[string(status)] = count
	}
	writeJSONResponse(w, http.StatusOK, returnStatsResponse{
		Total:         stats.Total,
		ByStatus:      byStatus,
		TotalRefunded: stats.TotalRefunded,
	})
}

type returnListResponse struct {
	Items         []returnPayload `json:"items"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

type returnResponse struct {
	Return returnPayload `json:"return"`
}

type returnStatsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	TotalRefunded int64          `json:"total_refunded"`
}

type returnPayload struct {
	ID                 string              `json:"id"`
	RMANumber          string              `json:"rma_number"`
	OrderID            string              `json:"order_id"`
	UserID             string              `json:"user_id"`
	Type               string              `json:"type"`
	Reason             string              `json:"reason,omitempty"`
	Status             string              `json:"status"`
	RefundAmount       int64               `json:"refund_amount"`
	RefundID           *string             `json:"refund_id,omitempty"`
	TrackingID         *string             `json:"tracking_id,omitempty"`
	CancellationReason *string             `json:"cancellation_reason,omitempty"`
	Items              []returnItemPayload `json:"items"`
	SubmittedAt        string              `json:"submitted_at,omitempty"`
	CompletedAt        string              `json:"completed_at,omitempty"`
	CancelledAt        string              `json:"cancelled_at,omitempty"`
	CreatedAt          string              `json:"created_at"`
	UpdatedAt          string              `json:"updated_at,omitempty"`
}

type returnItemPayload struct {
	ProductID   string `json:"product_id"`
	Name        string `json:"name,omitempty"`
	Price       int64  `json:"price"`
	Quantity    int    `json:"quantity"`
	CurrentSize string `json:"current_size"`
	NewSize     string `json:"new_size,omitempty"`
}

func buildReturnPayload(ret services.ReturnRequest) returnPayload {
	payload := returnPayload{
		ID:                 strings.TrimSpace(ret.ID),
		RMANumber:          strings.TrimSpace(ret.RMANumber),
		OrderID:            strings.TrimSpace(ret.OrderID),
		UserID:             strings.TrimSpace(ret.UserID),
		Type:               string(ret.Type),
		Reason:             ret.Reason,
		Status:             string(ret.Status),
		RefundAmount:       ret.RefundAmount,
		RefundID:           ret.RefundID,
		TrackingID:         ret.TrackingID,
		CancellationReason: ret.CancellationReason,
		Items:              make([]returnItemPayload, 0, len(ret.Items)),
		SubmittedAt:        formatTime(pointerTime(ret.SubmittedAt)),
		CompletedAt:        formatTime(pointerTime(ret.CompletedAt)),
		CancelledAt:        formatTime(pointerTime(ret.CancelledAt)),
		CreatedAt:          formatTime(ret.CreatedAt),
		UpdatedAt:          formatTime(ret.UpdatedAt),
	}
	for _, item := range ret.Items {
		payload.Items = append(payload.Items, returnItemPayload{
			ProductID:   item.ProductID,
			Name:        item.Name,
			Price:       item.Price,
			Quantity:    item.Quantity,
			CurrentSize: item.CurrentSize,
			NewSize:     item.NewSize,
		})
	}
	return payload
}

func writeReturnListResponse(w http.ResponseWriter, page domain.CursorPage[services.ReturnRequest]) {
	items := make([]returnPayload, 0, len(page.Items))
	for _, ret := range page.Items {
		items = append(items, buildReturnPayload(ret))
	}
	writeJSONResponse(w, http.StatusOK, returnListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func writeReturnError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrReturnInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrReturnWindowExpired):
		httpx.WriteError(ctx, w, httpx.NewError("return_window_expired", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrReturnNotEligible):
		httpx.WriteError(ctx, w, httpx.NewError("return_not_eligible", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrReturnNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("return_not_found", "return request not found", http.StatusNotFound))
	case errors.Is(err, services.ErrReturnForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "staff access required", http.StatusForbidden))
	case errors.Is(err, services.ErrReturnAlreadyActive):
		httpx.WriteError(ctx, w, httpx.NewError("return_already_active", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrReturnAlreadyCompleted):
		httpx.WriteError(ctx, w, httpx.NewError("return_already_completed", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrReturnInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("return_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrReturnConflict):
		httpx.WriteError(ctx, w, httpx.NewError("return_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("return_error", "failed to process return request", http.StatusInternalServerError))
	}
}
