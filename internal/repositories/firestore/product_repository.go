package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/stridewear/api/internal/domain"
	pfirestore "github.com/stridewear/api/internal/platform/firestore"
	"github.com/stridewear/api/internal/repositories"
)

const productsCollection = "products"

type ProductRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.BaseRepository[productDocument]
}

func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	products := pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil)
	return &ProductRepository{provider: provider, products: products}, nil
}

func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.products == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID = domain.BaseProductID(strings.TrimSpace(productID))
	if productID == "" {
		return domain.Product{}, errors.New("product find: id is required")
	}

	doc, err := r.products.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ApplyStockDelta adjusts the scalar stock, the matching size bucket, and the
// sales counter in one transaction. Every adjustment is clamped at zero; a
// size with no matching bucket leaves the arrays untouched.
func (r *ProductRepository) ApplyStockDelta(ctx context.Context, req repositories.StockDelta) (domain.Product, error) {
	if r == nil || r.provider == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID := domain.BaseProductID(strings.TrimSpace(req.ProductID))
	if productID == "" {
		return domain.Product{}, errors.New("product stock delta: id is required")
	}

	now := req.Now.UTC()
	var updated domain.Product
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.products.DocumentRef(ctx, productID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode product %s: %w", productID, err)
		}

		doc.Stock = clampAtZero(doc.Stock + req.Quantity)
		if size := strings.TrimSpace(req.Size); size != "" {
			// Dress sizes take precedence; the shoe buckets are only
			// consulted when no dress bucket matches.
			if !adjustSizeBucket(doc.DressSizes, size, req.Quantity) {
				adjustSizeBucket(doc.ShoeSizes, size, req.Quantity)
			}
		}
		if req.SalesDelta != 0 {
			doc.Sales = clampAtZero(doc.Sales + req.SalesDelta)
		}
		doc.UpdatedAt = now

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(productID)
		return nil
	})
	if err != nil {
		return domain.Product{}, pfirestore.WrapError("products.stockDelta", err)
	}
	return updated, nil
}

func clampAtZero(value int) int {
	if value < 0 {
		return 0
	}
	return value
}

func adjustSizeBucket(buckets []sizeStockDocument, size string, delta int) bool {
	for i := range buckets {
		if strings.EqualFold(strings.TrimSpace(buckets[i].Size), size) {
			buckets[i].Stock = clampAtZero(buckets[i].Stock + delta)
			return true
		}
	}
	return false
}

// Helper structures ---------------------------------------------------------

type productDocument struct {
	Name       string              `firestore:"name"`
	Category   string              `firestore:"category"`
	Stock      int                 `firestore:"stock"`
	Sales      int                 `firestore:"sales"`
	DressSizes []sizeStockDocument `firestore:"dressSizes,omitempty"`
	ShoeSizes  []sizeStockDocument `firestore:"shoesSizes,omitempty"`
	UpdatedAt  time.Time           `firestore:"updatedAt"`
}

type sizeStockDocument struct {
	Size  string `firestore:"size"`
	Stock int    `firestore:"stock"`
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:         id,
		Name:       strings.TrimSpace(d.Name),
		Category:   strings.TrimSpace(d.Category),
		Stock:      d.Stock,
		Sales:      d.Sales,
		DressSizes: toDomainSizes(d.DressSizes),
		ShoeSizes:  toDomainSizes(d.ShoeSizes),
		UpdatedAt:  d.UpdatedAt,
	}
}

func toDomainSizes(buckets []sizeStockDocument) []domain.SizeStock {
	if len(buckets) == 0 {
		return nil
	}
	sizes := make([]domain.SizeStock, len(buckets))
	for i, bucket := range buckets {
		sizes[i] = domain.SizeStock{Size: bucket.Size, Stock: bucket.Stock}
	}
	return sizes
}
