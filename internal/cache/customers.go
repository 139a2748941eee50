package cache

import (
	"context"
	"strings"

	"github.com/supabase06-cpu/posv1/internal/domain"
	"github.com/supabase06-cpu/posv1/internal/localstore"
)

const customerKeyPrefix = "pos_customer_cache_v1_"

type CustomerCache struct {
	snap *Snapshot[domain.Customer]
}

func NewCustomerCache(store localstore.Store) *CustomerCache {
	return &CustomerCache{snap: NewSnapshot[domain.Customer](store, "customers", customerKeyPrefix)}
}

func (c *CustomerCache) Load(ctx context.Context, storeID string) []domain.Customer {
	return c.snap.Load(ctx, storeID)
}

func (c *CustomerCache) Save(ctx context.Context, storeID string, customers []domain.Customer) error {
	return c.snap.Save(ctx, storeID, customers)
}

func (c *CustomerCache) Upsert(ctx context.Context, storeID string, customers []domain.Customer) error {
	return c.snap.Upsert(ctx, storeID, customers)
}

func (c *CustomerCache) Clear(ctx context.Context, storeID string) error {
	return c.snap.Clear(ctx, storeID)
}

func (c *CustomerCache) Metadata(ctx context.Context, storeID string) (Metadata, bool) {
	return c.snap.Metadata(ctx, storeID)
}

func (c *CustomerCache) GetByID(ctx context.Context, id int64, storeID string) *domain.Customer {
	for _, customer := range c.snap.Load(ctx, storeID) {
		if customer.ID == id {
			found := customer
			return &found
		}
	}
	return nil
}

// GetByPhone only returns active customers.
func (c *CustomerCache) GetByPhone(ctx context.Context, phone string, storeID string) *domain.Customer {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil
	}
	for _, customer := range c.snap.Load(ctx, storeID) {
		if customer.IsActive && customer.Phone == phone {
			found := customer
			return &found
		}
	}
	return nil
}

func (c *CustomerCache) Search(ctx context.Context, query string, storeID string, limit int) []domain.Customer {
	return rank(c.snap.Load(ctx, storeID), query, limit,
		func(c domain.Customer) bool { return c.IsActive },
		func(c domain.Customer) string { return c.CustomerName },
		func(c domain.Customer) []string { return []string{c.CustomerName, c.Phone} },
	)
}

// Replace swaps the record stored under oldID for customer, which usually
// carries the server-assigned id of a customer created offline.
func (c *CustomerCache) Replace(ctx context.Context, storeID string, oldID int64, customer domain.Customer) error {
	return c.snap.Modify(ctx, storeID, func(records []domain.Customer) []domain.Customer {
		out := make([]domain.Customer, 0, len(records)+1)
		for _, rec := range records {
			if rec.ID == oldID || rec.ID == customer.ID {
				continue
			}
			out = append(out, rec)
		}
		return append(out, customer)
	})
}
