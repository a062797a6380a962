package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	domain "github.com/stridewear/api/internal/domain"
	"github.com/stridewear/api/internal/repositories"
)

// counterPoints collects a named counter and groups its data points by the
// value of the given attribute key. Points without the key land under "".
func counterPoints(t *testing.T, reader *sdkmetric.ManualReader, name, key string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	points := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: unexpected data type %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				label := ""
				if v, found := dp.Attributes.Value(attribute.Key(key)); found {
					label = v.AsString()
				}
				points[label] += dp.Value
			}
		}
	}
	return points
}

func TestOrderTransitionsCounted(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")

	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return codOrder(domain.OrderStatusPending), nil
		},
		updateFn: func(_ context.Context, req repositories.OrderStatusUpdate) (domain.Order, error) {
			return codOrder(req.NewStatus), nil
		},
	}
	svc := newOrderServiceForTest(t, repo, RolePolicyFunc(allowAll), func(d *OrderServiceDeps) {
		d.Meter = meter
	})

	if _, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusProcessing,
		ActorID:      "staff_1",
	}); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if _, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusPaid,
		ActorID:      "staff_1",
	}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}

	got := counterPoints(t, reader, "orders.transitions", "outcome")
	if got[transitionAccepted] != 1 {
		t.Fatalf("accepted = %d, want 1", got[transitionAccepted])
	}
	if got[transitionRejected] != 1 {
		t.Fatalf("rejected = %d, want 1", got[transitionRejected])
	}
}

func TestReturnTransitionsCounted(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")

	fx := &returnServiceFixture{
		returns: &stubReturnRepo{
			findFn: func(context.Context, string) (domain.ReturnRequest, error) {
				return submittedReturn(domain.ReturnStatusSubmitted), nil
			},
			updateFn: func(_ context.Context, req repositories.ReturnStatusUpdate) (domain.ReturnRequest, error) {
				return submittedReturn(req.NewStatus), nil
			},
		},
		orders: &stubOrderRepo{
			findFn: func(context.Context, string) (domain.Order, error) {
				return deliveredOrder(24 * time.Hour), nil
			},
		},
	}
	svc := newReturnServiceForTest(t, fx, RolePolicyFunc(allowAll), func(d *ReturnServiceDeps) {
		d.Meter = meter
	})

	if _, err := svc.SetStatus(context.Background(), SetReturnStatusCommand{
		ReturnID:     "ret_1",
		TargetStatus: domain.ReturnStatusProcessing,
		ActorID:      "staff_1",
	}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if _, err := svc.SetStatus(context.Background(), SetReturnStatusCommand{
		ReturnID:     "ret_1",
		TargetStatus: domain.ReturnStatusCompleted,
		ActorID:      "staff_1",
	}); !errors.Is(err, ErrReturnInvalidState) {
		t.Fatalf("expected ErrReturnInvalidState, got %v", err)
	}

	got := counterPoints(t, reader, "returns.transitions", "outcome")
	if got[transitionAccepted] != 1 {
		t.Fatalf("accepted = %d, want 1", got[transitionAccepted])
	}
	if got[transitionRejected] != 1 {
		t.Fatalf("rejected = %d, want 1", got[transitionRejected])
	}
}

func TestRefundAttemptsAndFailuresCounted(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")

	fx := &returnServiceFixture{
		returns: &stubReturnRepo{
			findFn: func(context.Context, string) (domain.ReturnRequest, error) {
				return submittedReturn(domain.ReturnStatusPickedUp), nil
			},
			updateFn: func(_ context.Context, req repositories.ReturnStatusUpdate) (domain.ReturnRequest, error) {
				return submittedReturn(req.NewStatus), nil
			},
		},
		orders: &stubOrderRepo{
			findFn: func(context.Context, string) (domain.Order, error) {
				return deliveredOrder(24 * time.Hour), nil
			},
		},
		refunds: &stubRefunds{err: errors.New("gateway down")},
	}
	svc := newReturnServiceForTest(t, fx, RolePolicyFunc(allowAll), func(d *ReturnServiceDeps) {
		d.Meter = meter
	})

	if _, err := svc.SetStatus(context.Background(), SetReturnStatusCommand{
		ReturnID:     "ret_1",
		TargetStatus: domain.ReturnStatusCompleted,
		ActorID:      "staff_1",
	}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	attempts := counterPoints(t, reader, "returns.refund.attempts", "")
	if attempts[""] != 1 {
		t.Fatalf("refund attempts = %d, want 1", attempts[""])
	}
	failures := counterPoints(t, reader, "returns.refund.failures", "")
	if failures[""] != 1 {
		t.Fatalf("refund failures = %d, want 1", failures[""])
	}
}

func TestReconcileLineFailuresCounted(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")

	repo := &stubProductRepo{
		applyFn: func(context.Context, repositories.StockDelta) (domain.Product, error) {
			return domain.Product{}, stubRepoError{notFound: true}
		},
	}
	svc, err := NewInventoryService(InventoryServiceDeps{
		Products: repo,
		Meter:    meter,
		Clock:    func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}

	result := svc.Revert(context.Background(), []StockAdjustment{
		{ProductID: "prd_1", Size: "M", Quantity: 1},
		{ProductID: "", Size: "M", Quantity: 1},
	})
	if result.Failed != 2 {
		t.Fatalf("failed lines = %d, want 2", result.Failed)
	}

	got := counterPoints(t, reader, "inventory.reconcile.line_failures", "reason")
	if got["update_failed"] != 1 {
		t.Fatalf("update_failed = %d, want 1", got["update_failed"])
	}
	if got["invalid"] != 1 {
		t.Fatalf("invalid = %d, want 1", got["invalid"])
	}
}
