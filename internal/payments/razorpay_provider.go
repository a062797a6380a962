package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	razorpay "github.com/razorpay/razorpay-go"
)

// RazorpayLogger defines the logging contract for Razorpay provider operations.
type RazorpayLogger func(ctx context.Context, event string, fields map[string]any)

type razorpayPaymentAPI interface {
	Refund(paymentID string, amount int, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// RazorpayProviderConfig configures the RazorpayProvider.
type RazorpayProviderConfig struct {
	KeyID     string
	KeySecret string
	Logger    RazorpayLogger
	Clock     func() time.Time
	API       razorpayPaymentAPI
}

// RazorpayProvider implements the Provider interface using the Razorpay SDK.
type RazorpayProvider struct {
	api    razorpayPaymentAPI
	clock  func() time.Time
	logger RazorpayLogger
}

// NewRazorpayProvider constructs a Razorpay Provider using the given configuration.
func NewRazorpayProvider(cfg RazorpayProviderConfig) (*RazorpayProvider, error) {
	api := cfg.API
	if api == nil {
		keyID := strings.TrimSpace(cfg.KeyID)
		keySecret := strings.TrimSpace(cfg.KeySecret)
		if keyID == "" || keySecret == "" {
			return nil, errors.New("razorpay: key id and secret are required")
		}
		api = razorpay.NewClient(keyID, keySecret).Payment
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &RazorpayProvider{
		api: api,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Refund issues a refund against a captured Razorpay payment. Amount is in
// minor units (paise). The SDK is not context-aware; ctx is honoured for
// logging only.
func (p *RazorpayProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("razorpay: provider is nil")
	}
	paymentID := strings.TrimSpace(req.IntentID)
	if paymentID == "" {
		return PaymentDetails{}, errors.New("razorpay: payment id is required")
	}

	data := map[string]interface{}{}
	notes := map[string]interface{}{}
	for k, v := range req.Metadata {
		notes[k] = v
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		notes["idempotencyKey"] = key
		data["receipt"] = key
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		notes["reason"] = reason
	}
	if len(notes) > 0 {
		data["notes"] = notes
	}

	amount := 0
	if req.Amount != nil {
		amount = int(*req.Amount)
	}

	body, err := p.api.Refund(paymentID, amount, data, nil)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("razorpay: refund payment %s: %w", paymentID, err)
	}

	refundID, _ := body["id"].(string)
	now := p.clock()

	p.logger(ctx, "payments.razorpay.refunded", map[string]any{
		"payment": paymentID,
		"refund":  refundID,
		"amount":  amount,
	})

	return PaymentDetails{
		Provider:   "razorpay",
		IntentID:   paymentID,
		RefundID:   refundID,
		Status:     StatusRefunded,
		Amount:     int64(amount),
		Currency:   stringField(body, "currency"),
		Captured:   true,
		RefundedAt: &now,
		Raw:        body,
	}, nil
}

// LookupPayment fetches a Razorpay payment for reconciliation.
func (p *RazorpayProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("razorpay: provider is nil")
	}
	paymentID := strings.TrimSpace(req.IntentID)
	if paymentID == "" {
		return PaymentDetails{}, errors.New("razorpay: payment id is required")
	}

	body, err := p.api.Fetch(paymentID, nil, nil)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("razorpay: fetch payment %s: %w", paymentID, err)
	}

	details := PaymentDetails{
		Provider: "razorpay",
		IntentID: paymentID,
		Status:   mapRazorpayStatus(stringField(body, "status")),
		Amount:   int64Field(body, "amount"),
		Currency: stringField(body, "currency"),
		Raw:      body,
	}
	if captured, ok := body["captured"].(bool); ok {
		details.Captured = captured
	}
	if refunded := int64Field(body, "amount_refunded"); refunded > 0 {
		now := p.clock()
		details.RefundedAt = &now
		if refunded >= details.Amount && details.Amount > 0 {
			details.Status = StatusRefunded
		}
	}
	return details, nil
}

func mapRazorpayStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "captured", "authorized":
		return StatusSucceeded
	case "refunded":
		return StatusRefunded
	case "failed":
		return StatusFailed
	default:
		return StatusPending
	}
}

func stringField(body map[string]interface{}, key string) string {
	if body == nil {
		return ""
	}
	if value, ok := body[key].(string); ok {
		return value
	}
	return ""
}

func int64Field(body map[string]interface{}, key string) int64 {
	if body == nil {
		return 0
	}
	switch value := body[key].(type) {
	case float64:
		return int64(value)
	case int64:
		return value
	case int:
		return int64(value)
	}
	return 0
}
