package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/stridewear/api/internal/domain"
	"github.com/stridewear/api/internal/services"
)

type captureEmitService struct {
	stubNotificationService
	emitted []services.EmitNotificationCommand
}

func (c *captureEmitService) Emit(_ context.Context, cmd services.EmitNotificationCommand) {
	c.emitted = append(c.emitted, cmd)
}

type captureAuditService struct {
	records []services.AuditRecord
}

func (c *captureAuditService) Record(_ context.Context, record services.AuditRecord) {
	c.records = append(c.records, record)
}

func (c *captureAuditService) List(context.Context, services.AuditLogFilter) (domain.CursorPage[services.AuditEntry], error) {
	return domain.CursorPage[services.AuditEntry]{}, nil
}

func serveWebhookRoutes(h *WebhookHandlers, req *http.Request) *httptest.ResponseRecorder {
	router := chi.NewRouter()
	router.Route("/api/v1/webhooks", h.Routes)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestRazorpayWebhookRefundProcessed(t *testing.T) {
	notifications := &captureEmitService{}
	audit := &captureAuditService{}
	handlers := NewWebhookHandlers(notifications, audit)

	body := `{
		"event": "refund.processed",
		"payload": {"refund": {"entity": {
			"id": "rfnd_1",
			"amount": 150000,
			"status": "processed",
			"notes": {"orderId": "ord_1", "returnId": "ret_1", "userId": "usr_1"}
		}}}
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/razorpay", strings.NewReader(body))
	rr := serveWebhookRoutes(handlers, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if len(audit.records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(audit.records))
	}
	if got := audit.records[0]; got.EntityID != "ret_1" || got.ActorID != "psp:razorpay" {
		t.Fatalf("unexpected audit record: %+v", got)
	}
	if len(notifications.emitted) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifications.emitted))
	}
	got := notifications.emitted[0]
	if got.Recipient != "usr_1" || got.CorrelationID != "ret_1" {
		t.Fatalf("unexpected notification: %+v", got)
	}
	if !strings.Contains(got.Message, "1500.00") {
		t.Fatalf("message should carry the rupee amount, got %q", got.Message)
	}
}

func TestRazorpayWebhookRefundFailedSkipsNotification(t *testing.T) {
	notifications := &captureEmitService{}
	audit := &captureAuditService{}
	handlers := NewWebhookHandlers(notifications, audit)

	body := `{
		"event": "refund.failed",
		"payload": {"refund": {"entity": {
			"id": "rfnd_1",
			"status": "failed",
			"notes": {"orderId": "ord_1", "returnId": "ret_1", "userId": "usr_1"}
		}}}
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/razorpay", strings.NewReader(body))
	rr := serveWebhookRoutes(handlers, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if len(audit.records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(audit.records))
	}
	if len(notifications.emitted) != 0 {
		t.Fatalf("a failed refund must not notify the customer, got %d", len(notifications.emitted))
	}
}

func TestRazorpayWebhookAcknowledgesUnknownEvents(t *testing.T) {
	notifications := &captureEmitService{}
	audit := &captureAuditService{}
	handlers := NewWebhookHandlers(notifications, audit)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/razorpay", strings.NewReader(`{"event": "payment.captured"}`))
	rr := serveWebhookRoutes(handlers, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if len(audit.records) != 0 || len(notifications.emitted) != 0 {
		t.Fatal("unsubscribed events must be acknowledged without side effects")
	}
}

func TestRazorpayWebhookRejectsMalformedBody(t *testing.T) {
	handlers := NewWebhookHandlers(&captureEmitService{}, &captureAuditService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/razorpay", strings.NewReader("{not json"))
	rr := serveWebhookRoutes(handlers, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}
