package cart

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/supabase06-cpu/posv1/internal/domain"
	"github.com/supabase06-cpu/posv1/internal/localstore"
)

// Key holds the persisted cart of this device.
const Key = "cart/current"

var (
	ErrItemNotFound     = errors.New("item not in cart")
	ErrInvalidPriceType = errors.New("price type must be retail or wholesale")
)

type snapshot struct {
	Items    []domain.CartItem `json:"items"`
	Discount decimal.Decimal   `json:"discount"`
}

// Cart is the in-progress sale. Every mutation recomputes the totals and
// writes the cart to the local store so it survives a restart.
type Cart struct {
	store   localstore.Store
	taxRate decimal.Decimal

	mu       sync.Mutex
	items    []domain.CartItem
	discount decimal.Decimal
	state    domain.CartState
}

// New restores the persisted cart, if any.
func New(ctx context.Context, store localstore.Store, defaultTaxRate decimal.Decimal) *Cart {
	c := &Cart{store: store, taxRate: defaultTaxRate}

	var saved snapshot
	found, err := localstore.ReadJSON(ctx, store, Key, &saved)
	if err != nil {
		log.Warn().Err(err).Str("component", "cart").Msg("saved cart unreadable")
	}
	if found {
		c.items = saved.Items
		c.discount = saved.Discount
	}
	c.state = Compute(c.items, c.discount, c.taxRate)
	return c
}

func (c *Cart) State() domain.CartState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AddItem adds qty of product, merging with an existing line. Non-positive
// quantities are ignored.
func (c *Cart) AddItem(ctx context.Context, product domain.Product, qty decimal.Decimal) domain.CartState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !qty.IsPositive() {
		return c.state
	}
	if i := c.index(product.ID); i >= 0 {
		c.items[i].Quantity = c.items[i].Quantity.Add(qty)
		c.items[i].PriceType = Tier(c.items[i])
	} else {
		item := domain.CartItem{Product: product, Quantity: qty, PriceType: domain.PriceTypeRetail}
		item.PriceType = Tier(item)
		c.items = append(c.items, item)
	}
	return c.commit(ctx)
}

func (c *Cart) RemoveItem(ctx context.Context, productID int64) (domain.CartState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.index(productID)
	if i < 0 {
		return c.state, ErrItemNotFound
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	return c.commit(ctx), nil
}

// UpdateQuantity sets the quantity of a line; zero or less removes it.
func (c *Cart) UpdateQuantity(ctx context.Context, productID int64, qty decimal.Decimal) (domain.CartState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.index(productID)
	if i < 0 {
		return c.state, ErrItemNotFound
	}
	if !qty.IsPositive() {
		c.items = append(c.items[:i], c.items[i+1:]...)
		return c.commit(ctx), nil
	}
	c.items[i].Quantity = qty
	c.items[i].PriceType = Tier(c.items[i])
	return c.commit(ctx), nil
}

// UpdateItemPriceType is the cashier's manual override of the price tier.
func (c *Cart) UpdateItemPriceType(ctx context.Context, productID int64, priceType string) (domain.CartState, error) {
	if priceType != domain.PriceTypeRetail && priceType != domain.PriceTypeWholesale {
		return c.State(), ErrInvalidPriceType
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.index(productID)
	if i < 0 {
		return c.state, ErrItemNotFound
	}
	c.items[i].PriceType = priceType
	return c.commit(ctx), nil
}

func (c *Cart) SetDiscount(ctx context.Context, discount decimal.Decimal) domain.CartState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discount = nonNegative(discount)
	return c.commit(ctx)
}

func (c *Cart) Clear(ctx context.Context) domain.CartState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	c.discount = decimal.Zero
	return c.commit(ctx)
}

func (c *Cart) index(productID int64) int {
	for i := range c.items {
		if c.items[i].ID == productID {
			return i
		}
	}
	return -1
}

// commit recomputes and persists. Persistence failures are logged, not
// returned.
func (c *Cart) commit(ctx context.Context) domain.CartState {
	c.state = Compute(c.items, c.discount, c.taxRate)
	if err := localstore.WriteJSON(ctx, c.store, Key, snapshot{Items: c.items, Discount: c.discount}); err != nil {
		log.Warn().Err(err).Str("component", "cart").Msg("cart not persisted")
	}
	return c.state
}
