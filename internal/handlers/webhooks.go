package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stridewear/api/internal/domain"
	"github.com/stridewear/api/internal/platform/httpx"
	"github.com/stridewear/api/internal/services"
)

const maxWebhookBodySize = 64 * 1024

// razorpayEvent mirrors the envelope Razorpay posts to webhook consumers.
type razorpayEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Refund struct {
			Entity razorpayRefundEntity `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

type razorpayRefundEntity struct {
	ID     string            `json:"id"`
	Amount int64             `json:"amount"`
	Status string            `json:"status"`
	Notes  map[string]string `json:"notes"`
}

// WebhookHandlers consumes payment-provider callbacks. Authenticity is
// enforced upstream by the HMAC middleware mounted on the webhook group.
type WebhookHandlers struct {
	notifications services.NotificationService
	audit         services.AuditLogService
}

// NewWebhookHandlers constructs the webhook endpoints.
func NewWebhookHandlers(notifications services.NotificationService, audit services.AuditLogService) *WebhookHandlers {
	return &WebhookHandlers{notifications: notifications, audit: audit}
}

// Routes registers the provider-specific callback endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	r.Post("/razorpay", h.razorpay)
}

func (h *WebhookHandlers) razorpay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var event razorpayEvent
	if err := decodeJSONBody(r, maxWebhookBodySize, &event); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", err.Error(), http.StatusBadRequest))
		return
	}

	switch event.Event {
	case "refund.processed":
		h.recordRefundOutcome(ctx, event.Payload.Refund.Entity, event.Event, true)
	case "refund.failed":
		h.recordRefundOutcome(ctx, event.Payload.Refund.Entity, event.Event, false)
	default:
		// Unsubscribed events are acknowledged so the provider stops
		// retrying them.
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recordRefundOutcome writes the audit trail entry for a settled or failed
// refund and, on success, tells the customer their money is on the way.
func (h *WebhookHandlers) recordRefundOutcome(ctx context.Context, entity razorpayRefundEntity, event string, settled bool) {
	returnID := strings.TrimSpace(entity.Notes["returnId"])
	orderID := strings.TrimSpace(entity.Notes["orderId"])
	userID := strings.TrimSpace(entity.Notes["userId"])

	if h.audit != nil && returnID != "" {
		h.audit.Record(ctx, services.AuditRecord{
			ActorID:    "psp:razorpay",
			EntityKind: "return",
			EntityID:   returnID,
			ToStatus:   entity.Status,
			Reason:     event + " " + entity.ID,
		})
	}

	if !settled || h.notifications == nil || userID == "" {
		return
	}
	h.notifications.Emit(ctx, services.EmitNotificationCommand{
		Recipient:     userID,
		Type:          domain.NotificationReturnCompleted,
		Title:         "Refund credited",
		Message:       fmt.Sprintf("Your refund of ₹%.2f for order %s has been credited.", float64(entity.Amount)/100, orderID),
		CorrelationID: returnID,
		Link:          "/account/orders/" + orderID,
	})
}
