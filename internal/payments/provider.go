package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the normalised payment state used across PSP adapters.
type Status string

const (
	// StatusPending means the payment awaits customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded means the PSP captured the payment.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the PSP reports a terminal failure.
	StatusFailed Status = "failed"
	// StatusRefunded means the payment was refunded, partially or in full.
	StatusRefunded Status = "refunded"
)

// ErrUnsupportedProvider is returned when no registered provider matches the request.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// RefundRequest describes a PSP refund attempt. Amount is in minor units;
// a nil Amount refunds the full captured amount.
type RefundRequest struct {
	IntentID       string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// LookupRequest fetches provider-side payment state for reconciliation.
type LookupRequest struct {
	IntentID string
}

// PaymentDetails carries PSP fields normalised for storage.
type PaymentDetails struct {
	Provider   string
	IntentID   string
	RefundID   string
	Status     Status
	Amount     int64
	Currency   string
	Captured   bool
	CapturedAt *time.Time
	RefundedAt *time.Time
	Raw        map[string]any
}

// Provider is the contract every PSP adapter implements.
type Provider interface {
	Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}

// Manager routes payment operations to the right provider.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider sets the provider used when nothing else matches.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = providerKey(provider)
	}
}

// WithCurrencyRoutes maps ISO currency codes to provider keys.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for currency, provider := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(currency))] = strings.TrimSpace(provider)
		}
	}
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// normalizeProviders lower-cases registration keys and rejects blank names or
// nil adapters.
func normalizeProviders(providers map[string]Provider) (map[string]Provider, error) {
	registered := make(map[string]Provider, len(providers))
	for name, p := range providers {
		key := providerKey(name)
		if key == "" || p == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", name)
		}
		registered[key] = p
	}
	return registered, nil
}

// NewManager registers the supplied providers. Razorpay becomes the default
// when present, since it handles the primary INR flow.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	registered, err := normalizeProviders(providers)
	if err != nil {
		return nil, err
	}

	m := &Manager{providers: registered}
	if _, ok := registered["razorpay"]; ok {
		m.defaultProvider = "razorpay"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext carries the routing hints for provider selection.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
	Metadata          map[string]string
}

// routeKey picks the currency route for the context, if one is configured.
func (m *Manager) routeKey(ctx PaymentContext) string {
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency == "" {
		return ""
	}
	return m.currencyRoutes[currency]
}

// resolveProvider tries, in order: the explicit preference, the currency
// route, the default provider, and finally a sole registered provider.
func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	switch {
	case m == nil:
		return "", nil, errors.New("payments: manager is nil")
	case len(m.providers) == 0:
		return "", nil, errors.New("payments: no providers registered")
	}

	for _, candidate := range []string{ctx.PreferredProvider, m.routeKey(ctx), m.defaultProvider} {
		key := providerKey(candidate)
		if key == "" {
			continue
		}
		if p, ok := m.providers[key]; ok {
			return key, p, nil
		}
	}

	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

func (m *Manager) dispatch(paymentCtx PaymentContext, call func(Provider) (PaymentDetails, error)) (PaymentDetails, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	details, err := call(provider)
	if err != nil {
		return PaymentDetails{}, err
	}
	details.Provider = key
	return details, nil
}

// Refund routes the refund to the resolved provider.
func (m *Manager) Refund(ctx context.Context, paymentCtx PaymentContext, req RefundRequest) (PaymentDetails, error) {
	return m.dispatch(paymentCtx, func(p Provider) (PaymentDetails, error) {
		return p.Refund(ctx, req)
	})
}

// LookupPayment routes the lookup to the resolved provider.
func (m *Manager) LookupPayment(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (PaymentDetails, error) {
	return m.dispatch(paymentCtx, func(p Provider) (PaymentDetails, error) {
		return p.LookupPayment(ctx, req)
	})
}
