package cache

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/supabase06-cpu/posv1/internal/domain"
	"github.com/supabase06-cpu/posv1/internal/localstore"
)

const productKeyPrefix = "pos_product_cache_v1_"

type ProductCache struct {
	snap       *Snapshot[domain.Product]
	multiStore bool
}

// NewProductCache keeps product snapshots in store. With multiStore set,
// barcode lookups that miss the active store fall back to other stores cached
// on this device.
func NewProductCache(store localstore.Store, multiStore bool) *ProductCache {
	return &ProductCache{
		snap:       NewSnapshot[domain.Product](store, "products", productKeyPrefix),
		multiStore: multiStore,
	}
}

func (c *ProductCache) Load(ctx context.Context, storeID string) []domain.Product {
	return c.snap.Load(ctx, storeID)
}

func (c *ProductCache) Save(ctx context.Context, storeID string, products []domain.Product) error {
	return c.snap.Save(ctx, storeID, products)
}

func (c *ProductCache) Upsert(ctx context.Context, storeID string, products []domain.Product) error {
	return c.snap.Upsert(ctx, storeID, products)
}

func (c *ProductCache) Clear(ctx context.Context, storeID string) error {
	return c.snap.Clear(ctx, storeID)
}

func (c *ProductCache) Metadata(ctx context.Context, storeID string) (Metadata, bool) {
	return c.snap.Metadata(ctx, storeID)
}

func (c *ProductCache) GetByID(ctx context.Context, id int64, storeID string) *domain.Product {
	return findProduct(c.snap.Load(ctx, storeID), func(p domain.Product) bool { return p.ID == id })
}

func (c *ProductCache) GetBySKU(ctx context.Context, sku string, storeID string) *domain.Product {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return nil
	}
	return findProduct(c.snap.Load(ctx, storeID), func(p domain.Product) bool { return p.SKU == sku })
}

// GetByBarcode matches a scanned code against barcode or sku.
func (c *ProductCache) GetByBarcode(ctx context.Context, code string, storeID string) *domain.Product {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil
	}
	match := func(p domain.Product) bool { return p.Barcode == code || p.SKU == code }
	if found := findProduct(c.snap.Load(ctx, storeID), match); found != nil {
		return found
	}
	if !c.multiStore {
		return nil
	}

	for _, other := range c.snap.StoreIDs(ctx) {
		if other == storeID {
			continue
		}
		if found := findProduct(c.snap.Load(ctx, other), match); found != nil {
			log.Warn().Str("component", "cache").Str("code", code).Str("store_id", storeID).Str("found_in", other).
				Msg("barcode resolved from another store's cache")
			return found
		}
	}
	return nil
}

// Search matches name or barcode among active products.
func (c *ProductCache) Search(ctx context.Context, query string, storeID string, limit int) []domain.Product {
	return rank(c.snap.Load(ctx, storeID), query, limit,
		func(p domain.Product) bool { return p.IsActive },
		func(p domain.Product) string { return p.Name },
		func(p domain.Product) []string { return []string{p.Name, p.Barcode} },
	)
}

// SetStock overwrites a product's cached stock level and returns the updated row.
func (c *ProductCache) SetStock(ctx context.Context, storeID string, productID int64, stock decimal.Decimal) *domain.Product {
	return c.modifyStock(ctx, storeID, productID, func(decimal.Decimal) decimal.Decimal { return stock })
}

// DecrementStock subtracts qty, never going below zero.
func (c *ProductCache) DecrementStock(ctx context.Context, storeID string, productID int64, qty decimal.Decimal) *domain.Product {
	return c.modifyStock(ctx, storeID, productID, func(current decimal.Decimal) decimal.Decimal {
		return decimal.Max(decimal.Zero, current.Sub(qty))
	})
}

func (c *ProductCache) modifyStock(ctx context.Context, storeID string, productID int64, next func(decimal.Decimal) decimal.Decimal) *domain.Product {
	var updated *domain.Product
	err := c.snap.Modify(ctx, storeID, func(records []domain.Product) []domain.Product {
		for i := range records {
			if records[i].ID == productID {
				records[i].Stock = next(records[i].Stock)
				p := records[i]
				updated = &p
				break
			}
		}
		return records
	})
	if err != nil {
		return nil
	}
	return updated
}

func findProduct(products []domain.Product, match func(domain.Product) bool) *domain.Product {
	for i := range products {
		if match(products[i]) {
			p := products[i]
			return &p
		}
	}
	return nil
}
