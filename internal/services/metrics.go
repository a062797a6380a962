package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/stridewear/api/internal/domain"
)

// serviceMetricNamespace scopes the instruments registered by the services
// in this package.
const serviceMetricNamespace = "github.com/stridewear/api/internal/services"

const (
	transitionAccepted = "accepted"
	transitionRejected = "rejected"
)

func serviceMeter(m metric.Meter) metric.Meter {
	if m != nil {
		return m
	}
	return otel.GetMeterProvider().Meter(serviceMetricNamespace)
}

// registerCounter creates a counter on the meter. Registration failures are
// logged and leave the instrument nil, which disables recording without
// affecting the service itself.
func registerCounter(meter metric.Meter, logger func(context.Context, string, map[string]any), name, description, unit string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit(unit),
	)
	if err != nil {
		logger(context.Background(), "metrics.register.failed", map[string]any{
			"instrument": name,
			"error":      err.Error(),
		})
		return nil
	}
	return counter
}

type orderMetrics struct {
	transitions metric.Int64Counter
}

func newOrderMetrics(meter metric.Meter, logger func(context.Context, string, map[string]any)) orderMetrics {
	return orderMetrics{
		transitions: registerCounter(meter, logger,
			"orders.transitions",
			"Order status transitions grouped by outcome.",
			"{transition}"),
	}
}

func (m orderMetrics) recordTransition(ctx context.Context, target domain.OrderStatus, outcome string) {
	if m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(target)),
		attribute.String("outcome", outcome),
	))
}

type returnMetrics struct {
	transitions    metric.Int64Counter
	refundAttempts metric.Int64Counter
	refundFailures metric.Int64Counter
}

func newReturnMetrics(meter metric.Meter, logger func(context.Context, string, map[string]any)) returnMetrics {
	return returnMetrics{
		transitions: registerCounter(meter, logger,
			"returns.transitions",
			"Return status transitions grouped by outcome.",
			"{transition}"),
		refundAttempts: registerCounter(meter, logger,
			"returns.refund.attempts",
			"Refunds submitted to the payment gateway.",
			"{refund}"),
		refundFailures: registerCounter(meter, logger,
			"returns.refund.failures",
			"Refunds the payment gateway rejected or failed to process.",
			"{refund}"),
	}
}

func (m returnMetrics) recordTransition(ctx context.Context, target domain.ReturnStatus, outcome string) {
	if m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(target)),
		attribute.String("outcome", outcome),
	))
}

func (m returnMetrics) recordRefundAttempt(ctx context.Context) {
	if m.refundAttempts == nil {
		return
	}
	m.refundAttempts.Add(ctx, 1)
}

func (m returnMetrics) recordRefundFailure(ctx context.Context) {
	if m.refundFailures == nil {
		return
	}
	m.refundFailures.Add(ctx, 1)
}

type inventoryMetrics struct {
	lineFailures metric.Int64Counter
}

func newInventoryMetrics(meter metric.Meter, logger func(context.Context, string, map[string]any)) inventoryMetrics {
	return inventoryMetrics{
		lineFailures: registerCounter(meter, logger,
			"inventory.reconcile.line_failures",
			"Stock adjustment lines that could not be reconciled.",
			"{line}"),
	}
}

func (m inventoryMetrics) recordLineFailure(ctx context.Context, reason string) {
	if m.lineFailures == nil {
		return
	}
	m.lineFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}
