package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	calls   []string
	payment PaymentDetails
	err     error
}

func (f *fakeProvider) lastOp() string {
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	f.calls = append(f.calls, "refund")
	return f.payment, f.err
}

func (f *fakeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	f.calls = append(f.calls, "lookup")
	return f.payment, f.err
}

func twoProviderManager(t *testing.T, opts ...ManagerOption) (*Manager, *fakeProvider, *fakeProvider) {
	t.Helper()
	razorpay := &fakeProvider{payment: PaymentDetails{RefundID: "rfnd_OmX4"}}
	stripe := &fakeProvider{payment: PaymentDetails{RefundID: "re_3Nq"}}
	mgr, err := NewManager(map[string]Provider{"razorpay": razorpay, "stripe": stripe}, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr, razorpay, stripe
}

func TestManagerRefundUsesPreferredProvider(t *testing.T) {
	mgr, razorpay, stripe := twoProviderManager(t)

	details, err := mgr.Refund(context.Background(), PaymentContext{PreferredProvider: "Stripe"}, RefundRequest{IntentID: "pi_3NqK"})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if details.Provider != "stripe" {
		t.Fatalf("details.Provider = %q, want stripe", details.Provider)
	}
	if stripe.lastOp() != "refund" || razorpay.lastOp() != "" {
		t.Fatalf("calls: stripe=%q razorpay=%q, want only stripe refund", stripe.lastOp(), razorpay.lastOp())
	}
}

func TestManagerRoutesByCurrency(t *testing.T) {
	mgr, _, stripe := twoProviderManager(t, WithCurrencyRoutes(map[string]string{"USD": "stripe"}))

	details, err := mgr.Refund(context.Background(), PaymentContext{Currency: "usd"}, RefundRequest{IntentID: "pi_3NqK"})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if details.Provider != "stripe" {
		t.Fatalf("details.Provider = %q, want stripe", details.Provider)
	}
	if stripe.lastOp() != "refund" {
		t.Fatalf("stripe call = %q, want refund", stripe.lastOp())
	}
}

func TestManagerFallsBackToDefault(t *testing.T) {
	razorpay := &fakeProvider{}
	mgr, err := NewManager(map[string]Provider{"razorpay": razorpay})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	details, err := mgr.LookupPayment(context.Background(), PaymentContext{}, LookupRequest{IntentID: "pay_NX82jd"})
	if err != nil {
		t.Fatalf("LookupPayment: %v", err)
	}
	if razorpay.lastOp() != "lookup" {
		t.Fatalf("razorpay call = %q, want lookup", razorpay.lastOp())
	}
	if details.Provider != "razorpay" {
		t.Fatalf("details.Provider = %q, want razorpay", details.Provider)
	}
}

func TestManagerUnsupportedProvider(t *testing.T) {
	mgr, _, _ := twoProviderManager(t, WithDefaultProvider(""))

	_, err := mgr.Refund(context.Background(), PaymentContext{PreferredProvider: "paypal"}, RefundRequest{IntentID: "pi_1"})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("Refund error = %v, want ErrUnsupportedProvider", err)
	}
}

func TestNewManagerValidatesProviders(t *testing.T) {
	if _, err := NewManager(map[string]Provider{"bad": nil}); err == nil {
		t.Fatal("NewManager accepted a nil provider")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatal("NewManager accepted an empty provider map")
	}
}
