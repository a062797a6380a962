package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger is the logging callback used by the Stripe adapter.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeProviderConfig configures the StripeProvider. Clients overrides the
// SDK-backed API surface, mainly for tests.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Clients   *stripeClients
}

// StripeProvider refunds and inspects payments via the Stripe API.
type StripeProvider struct {
	api     stripeClients
	account string
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeProvider builds a provider from cfg.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	api, err := stripeAPIFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	p := &StripeProvider{
		api:     api,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  cfg.Logger,
	}
	base := cfg.Clock
	if base == nil {
		base = time.Now
	}
	p.clock = func() time.Time { return base().UTC() }
	if p.logger == nil {
		p.logger = func(context.Context, string, map[string]any) {}
	}
	return p, nil
}

func stripeAPIFromConfig(cfg StripeProviderConfig) (stripeClients, error) {
	if cfg.Clients != nil {
		api := *cfg.Clients
		if api.intents == nil || api.refunds == nil {
			return stripeClients{}, errors.New("stripe: incomplete client configuration")
		}
		return api, nil
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return stripeClients{}, errors.New("stripe: api key is required")
	}
	sc := client.New(apiKey, cfg.Backends)
	return stripeClients{intents: sc.PaymentIntents, refunds: sc.Refunds}, nil
}

// refundParams translates a RefundRequest into Stripe SDK params.
func (p *StripeProvider) refundParams(ctx context.Context, req RefundRequest) *stripe.RefundParams {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(req.IntentID)}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if reason := normaliseStripeReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = maps.Clone(req.Metadata)
	}
	return params
}

// Refund creates a refund against the Payment Intent and returns the
// refreshed payment state.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}

	refund, err := p.api.refunds.New(p.refundParams(ctx, req))
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.intent.refunded", map[string]any{
		"paymentIntent": req.IntentID,
		"refund":        refund.ID,
	})

	details, err := p.LookupPayment(ctx, LookupRequest{IntentID: req.IntentID})
	if err != nil {
		return PaymentDetails{}, err
	}
	details.RefundID = refund.ID
	return details, nil
}

// LookupPayment retrieves the Payment Intent and normalises its state.
func (p *StripeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(req.IntentID, params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return detailsFromIntent(intent), nil
}

func detailsFromIntent(intent *stripe.PaymentIntent) PaymentDetails {
	if intent == nil {
		return PaymentDetails{}
	}

	details := PaymentDetails{
		Provider: "stripe",
		IntentID: intent.ID,
		Status:   StatusPending,
		Amount:   intent.Amount,
		Currency: strings.ToUpper(string(intent.Currency)),
		Captured: intent.Status == stripe.PaymentIntentStatusSucceeded,
	}
	if intent.Status == stripe.PaymentIntentStatusCanceled {
		details.Status = StatusFailed
	}

	if charge := intent.LatestCharge; charge != nil {
		if details.Currency == "" {
			details.Currency = strings.ToUpper(string(charge.Currency))
		}
		if charge.Paid || charge.Captured {
			t := time.Unix(charge.Created, 0).UTC()
			details.CapturedAt = &t
			details.Captured = true
		}
		if charge.Refunded || charge.AmountRefunded > 0 {
			t := time.Unix(charge.Created, 0).UTC()
			details.RefundedAt = &t
			if charge.Amount > 0 && charge.AmountRefunded >= charge.Amount {
				details.Status = StatusRefunded
			}
		}
	}

	if intent.Status == stripe.PaymentIntentStatusSucceeded && details.Status != StatusRefunded {
		details.Status = StatusSucceeded
	}

	details.Raw = map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &details.Raw)
	} else {
		details.Raw["payment_intent"] = intent
	}
	return details
}

// normaliseStripeReason keeps only the reasons Stripe accepts; anything else
// is omitted from the request.
func normaliseStripeReason(reason string) string {
	switch r := strings.ToLower(strings.TrimSpace(reason)); r {
	case string(stripe.RefundReasonDuplicate),
		string(stripe.RefundReasonFraudulent),
		string(stripe.RefundReasonRequestedByCustomer):
		return r
	default:
		return ""
	}
}
