// Package cart holds the in-progress sale and derives its totals.
package cart

import (
	"github.com/shopspring/decimal"

	"github.com/supabase06-cpu/posv1/internal/domain"
)

// DefaultTaxRate applies to items without a GST rate when the store config
// has none either.
var DefaultTaxRate = decimal.NewFromInt(18)

var hundred = decimal.NewFromInt(100)

// nonNegative maps invalid quantities and prices to zero.
func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func valid(d decimal.NullDecimal) bool {
	return d.Valid && !d.Decimal.IsNegative()
}

// UnitPrice is the undiscounted price for one unit of p at priceType.
// Wholesale falls back to the retail price when the product has none.
func UnitPrice(p domain.Product, priceType string) decimal.Decimal {
	if priceType == domain.PriceTypeWholesale && valid(p.WholesalePrice) {
		return p.WholesalePrice.Decimal
	}
	if valid(p.SellingPrice) {
		return p.SellingPrice.Decimal
	}
	return nonNegative(p.MRP)
}

// perKg normalizes a pack price to a per-kg rate for products sold by weight.
func perKg(p domain.Product, price decimal.Decimal) decimal.Decimal {
	if !p.SoldByWeight() || !p.Weight.Valid || !p.Weight.Decimal.IsPositive() {
		return price
	}
	return price.Div(p.Weight.Decimal)
}

// Tier returns the price type for item after applying the wholesale
// threshold. It only ever upgrades retail to wholesale.
func Tier(item domain.CartItem) string {
	if item.PriceType == domain.PriceTypeWholesale {
		return domain.PriceTypeWholesale
	}
	p := item.Product
	if valid(p.WholesalePrice) && valid(p.MinWholesaleQty) && p.MinWholesaleQty.Decimal.IsPositive() &&
		nonNegative(item.Quantity).GreaterThanOrEqual(p.MinWholesaleQty.Decimal) {
		return domain.PriceTypeWholesale
	}
	return domain.PriceTypeRetail
}

// Price fills in the derived fields of item. Amounts are rounded to paise.
func Price(item domain.CartItem, defaultTaxRate decimal.Decimal) domain.CartItem {
	if item.PriceType == "" {
		item.PriceType = domain.PriceTypeRetail
	}
	qty := nonNegative(item.Quantity)
	item.Quantity = qty

	effective := perKg(item.Product, UnitPrice(item.Product, item.PriceType)).Mul(qty)
	mrpTotal := perKg(item.Product, nonNegative(item.MRP)).Mul(qty)

	rate := nonNegative(defaultTaxRate)
	if valid(item.GSTRate) {
		rate = item.GSTRate.Decimal
	}

	item.EffectivePrice = effective.Round(2)
	item.ItemTax = effective.Mul(rate).Div(hundred).Round(2)
	item.ItemSavings = decimal.Max(decimal.Zero, mrpTotal.Sub(effective)).Round(2)
	return item
}

// Compute prices every item and sums the order. It has no side effects.
func Compute(items []domain.CartItem, discount decimal.Decimal, defaultTaxRate decimal.Decimal) domain.CartState {
	state := domain.CartState{
		Items:    make([]domain.CartItem, 0, len(items)),
		Discount: nonNegative(discount),
	}
	for _, item := range items {
		priced := Price(item, defaultTaxRate)
		state.Items = append(state.Items, priced)
		state.Subtotal = state.Subtotal.Add(priced.EffectivePrice)
		state.Tax = state.Tax.Add(priced.ItemTax)
		state.Savings = state.Savings.Add(priced.ItemSavings)
	}
	state.Total = decimal.Max(decimal.Zero, state.Subtotal.Add(state.Tax).Sub(state.Discount))
	return state
}
