package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	domain "github.com/stridewear/api/internal/domain"
	"github.com/stridewear/api/internal/repositories"
)

var (
	// ErrInventoryInvalidInput signals the caller provided invalid arguments.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
)

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Products repositories.ProductRepository
	Meter    metric.Meter
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	products repositories.ProductRepository
	metrics  inventoryMetrics
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Products == nil {
		return nil, errors.New("inventory service: product repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryService{
		products: deps.Products,
		metrics:  newInventoryMetrics(serviceMeter(deps.Meter), logger),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Revert puts returned units back on the shelf: stock up, sales down.
func (s *inventoryService) Revert(ctx context.Context, lines []StockAdjustment) ReconciliationResult {
	return s.applyAll(ctx, lines, func(line StockAdjustment) repositories.StockDelta {
		return repositories.StockDelta{
			ProductID:  line.ProductID,
			Size:       line.Size,
			Quantity:   line.Quantity,
			SalesDelta: -line.Quantity,
			Now:        s.now(),
		}
	})
}

// Apply takes replacement units off the shelf for an exchange. Sales counters
// stay put; the sale already happened on the original order.
func (s *inventoryService) Apply(ctx context.Context, lines []StockAdjustment) ReconciliationResult {
	return s.applyAll(ctx, lines, func(line StockAdjustment) repositories.StockDelta {
		return repositories.StockDelta{
			ProductID: line.ProductID,
			Size:      line.Size,
			Quantity:  -line.Quantity,
			Now:       s.now(),
		}
	})
}

// ReconcileReturn reverts every returned line at its original size and, for
// exchanges, pulls replacement stock in the new size where it differs.
func (s *inventoryService) ReconcileReturn(ctx context.Context, ret ReturnRequest) ReconciliationResult {
	reverts := make([]StockAdjustment, 0, len(ret.Items))
	applies := make([]StockAdjustment, 0, len(ret.Items))

	for _, item := range ret.Items {
		reverts = append(reverts, StockAdjustment{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Size:      item.CurrentSize,
		})
		if ret.Type == domain.ReturnTypeExchange && item.NewSize != "" && !strings.EqualFold(item.NewSize, item.CurrentSize) {
			applies = append(applies, StockAdjustment{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				Size:      item.NewSize,
			})
		}
	}

	result := s.Revert(ctx, reverts)
	applied := s.Apply(ctx, applies)
	result.Adjusted += applied.Adjusted
	result.Failed += applied.Failed
	return result
}

// applyAll walks the lines one by one. A failed line is logged and skipped so
// one missing product cannot hold the rest of the reconciliation hostage.
func (s *inventoryService) applyAll(ctx context.Context, lines []StockAdjustment, build func(StockAdjustment) repositories.StockDelta) ReconciliationResult {
	var result ReconciliationResult
	for _, line := range lines {
		if err := validateAdjustment(line); err != nil {
			s.logger(ctx, "inventory.adjust.invalid", map[string]any{
				"product": line.ProductID,
				"size":    line.Size,
				"error":   err.Error(),
			})
			s.metrics.recordLineFailure(ctx, "invalid")
			result.Failed++
			continue
		}
		if _, err := s.products.ApplyStockDelta(ctx, build(line)); err != nil {
			s.logger(ctx, "inventory.adjust.failed", map[string]any{
				"product": line.ProductID,
				"size":    line.Size,
				"error":   err.Error(),
			})
			s.metrics.recordLineFailure(ctx, "update_failed")
			result.Failed++
			continue
		}
		result.Adjusted++
	}
	return result
}

func validateAdjustment(line StockAdjustment) error {
	if strings.TrimSpace(line.ProductID) == "" {
		return fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	if line.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInventoryInvalidInput)
	}
	return nil
}

func (s *inventoryService) now() time.Time {
	return s.clock()
}
