package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/supabase06-cpu/posv1/internal/cart"
	"github.com/supabase06-cpu/posv1/internal/domain"
	"github.com/supabase06-cpu/posv1/internal/xid"
)

var ErrEmptyCart = errors.New("cart is empty")

// Messages handed to OnError.
const (
	msgEmptyCart   = "Cart is empty"
	msgSaveFailed  = "Payment processing error: the sale could not be saved"
	msgInvalidSale = "Please check the payment and customer details"
)

type Request struct {
	Cart          *cart.Cart
	User          domain.UserProfile
	PaymentMethod string
	// Discount overrides the cart discount when non-zero.
	Discount  decimal.Decimal
	CounterID string
	Customer  domain.CustomerInfo
	// Online is consulted exactly once per checkout. Nil means offline.
	Online func() bool
}

type Callbacks struct {
	OnSuccess func(saleNumber string)
	OnError   func(message string)
}

type Receipt struct {
	SaleID     string          `json:"sale_id"`
	SaleNumber string          `json:"sale_number"`
	Total      decimal.Decimal `json:"total"`
	// Queued is true when the sale is waiting in the write-behind queue.
	Queued bool `json:"queued"`
}

// Process completes a sale. Once the sale is either confirmed by the remote
// or durably queued, OnSuccess fires and the cart is cleared; failures to
// record customer, intake or stock side effects never fail the checkout.
func (s *Service) Process(ctx context.Context, req Request, cb Callbacks) (Receipt, error) {
	online := req.Online != nil && req.Online()

	if req.Cart == nil || len(req.Cart.State().Items) == 0 {
		notify(cb.OnError, msgEmptyCart)
		return Receipt{}, ErrEmptyCart
	}
	if err := validate.Var(req.PaymentMethod, "required,oneof=cash card upi wallet"); err != nil {
		notify(cb.OnError, msgInvalidSale)
		return Receipt{}, &ValidationError{Fields: map[string]string{"payment_method": "oneof"}}
	}
	if err := Validate(req.Customer); err != nil {
		notify(cb.OnError, msgInvalidSale)
		return Receipt{}, err
	}
	if !req.Discount.IsZero() {
		req.Cart.SetDiscount(ctx, req.Discount)
	}

	now := s.now()
	state := req.Cart.State()
	storeID := s.storeFor(req.User)
	sale := s.buildSale(state, req, storeID, now, online)
	customerID := s.customerForSale(ctx, req.Customer, storeID, online)

	receipt := Receipt{SaleID: sale.ID, SaleNumber: sale.SaleNumber, Total: sale.Total}
	logger := log.With().Str("component", "checkout").Str("sale_id", sale.ID).Bool("online", online).Logger()

	if online {
		_, err := s.remote.CreateSale(ctx, sale)
		if err == nil {
			logger.Info().Str("sale_number", sale.SaleNumber).Msg("sale created remotely")
			s.recordIntake(ctx, s.buildIntake(sale, req, customerID), true)
			s.reconcileStock(ctx, sale, true)
			req.Cart.Clear(ctx)
			notify(cb.OnSuccess, sale.SaleNumber)
			return receipt, nil
		}
		logger.Warn().Err(err).Msg("direct sale creation failed, queueing")
		sale.Synced = false
		sale.LastSyncedAt = nil
	}

	if _, err := s.queue.Enqueue(ctx, domain.QueueTypeSale, sale); err != nil {
		logger.Error().Err(err).Msg("sale could not be queued")
		notify(cb.OnError, msgSaveFailed)
		return Receipt{}, err
	}
	receipt.Queued = true
	s.recordIntake(ctx, s.buildIntake(sale, req, customerID), false)
	s.reconcileStock(ctx, sale, false)
	req.Cart.Clear(ctx)

	logger.Info().Str("sale_number", sale.SaleNumber).Msg("sale queued")
	notify(cb.OnSuccess, sale.SaleNumber)
	return receipt, nil
}

func notify(fn func(string), value string) {
	if fn != nil {
		fn(value)
	}
}

func (s *Service) buildSale(state domain.CartState, req Request, storeID string, now time.Time, online bool) domain.Sale {
	items := make([]domain.SaleItem, 0, len(state.Items))
	for _, item := range state.Items {
		rate := s.taxRate
		if item.GSTRate.Valid {
			rate = item.GSTRate.Decimal
		}
		items = append(items, domain.SaleItem{
			ID:             item.ID,
			SKU:            item.SKU,
			Name:           item.Name,
			MRP:            item.MRP,
			SellingPrice:   item.SellingPrice,
			WholesalePrice: item.WholesalePrice,
			PriceType:      item.PriceType,
			EffectivePrice: item.EffectivePrice,
			Quantity:       item.Quantity,
			GSTRate:        rate,
			GSTAmount:      item.ItemTax,
			HSNCode:        item.HSNCode,
			Total:          item.EffectivePrice.Add(item.ItemTax),
			StockBefore:    item.Stock,
		})
	}

	sale := domain.Sale{
		ID:            xid.SaleID(now),
		SaleNumber:    xid.SaleNumber(now),
		StoreID:       storeID,
		CounterID:     defaultString(req.CounterID, s.counterID),
		CashierID:     req.User.ID,
		CashierName:   req.User.DisplayName(),
		Items:         items,
		Subtotal:      state.Subtotal,
		Discount:      state.Discount,
		Tax:           state.Tax,
		Total:         state.Total,
		PaymentMethod: req.PaymentMethod,
		PaymentStatus: "completed",
		SaleDate:      now.Format("2006-01-02"),
		Synced:        online,
		CreatedAt:     now,
	}
	if online {
		at := now
		sale.LastSyncedAt = &at
	}
	return sale
}

// customerForSale resolves the buyer. Failures are logged and the sale goes
// ahead without a customer id.
func (s *Service) customerForSale(ctx context.Context, info domain.CustomerInfo, storeID string, online bool) *int64 {
	if info.Skipped || strings.TrimSpace(info.Name) == "" {
		return nil
	}
	customer, err := s.GetOrCreateCustomer(ctx, info, storeID, online)
	if err != nil {
		log.Warn().Err(err).Str("component", "checkout").Msg("customer not recorded")
		return nil
	}
	if customer == nil {
		return nil
	}
	id := customer.ID
	return &id
}

func (s *Service) buildIntake(sale domain.Sale, req Request, customerID *int64) domain.SalesIntake {
	return domain.SalesIntake{
		SaleID:          sale.ID,
		SaleNumber:      sale.SaleNumber,
		CustomerID:      customerID,
		CustomerName:    strings.TrimSpace(req.Customer.Name),
		CustomerPhone:   strings.TrimSpace(req.Customer.Phone),
		CustomerEmail:   strings.TrimSpace(req.Customer.Email),
		CustomerSkipped: req.Customer.Skipped,
		StoreID:         sale.StoreID,
		CounterID:       sale.CounterID,
		CashierID:       sale.CashierID,
		CashierName:     sale.CashierName,
		SaleAmount:      sale.Total,
		PaymentMethod:   sale.PaymentMethod,
		SaleDate:        sale.SaleDate,
	}
}

// recordIntake writes the intake row directly when online and queues it
// otherwise, or when the direct write fails.
func (s *Service) recordIntake(ctx context.Context, intake domain.SalesIntake, online bool) {
	if online {
		err := s.remote.CreateSalesIntake(ctx, intake)
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("component", "checkout").Str("sale_id", intake.SaleID).Msg("sales intake failed, queueing")
	}
	if _, err := s.queue.Enqueue(ctx, domain.QueueTypeSalesIntake, intake); err != nil {
		log.Warn().Err(err).Str("component", "checkout").Str("sale_id", intake.SaleID).Msg("sales intake not queued")
	}
}

// reconcileStock decrements the cached stock of every sold product and
// pushes the new level to the remote. Remote updates that fail, or that
// cannot be attempted offline, are queued as inventory adjustments.
func (s *Service) reconcileStock(ctx context.Context, sale domain.Sale, online bool) {
	for _, item := range sale.Items {
		before := item.StockBefore
		if cached := s.products.GetByID(ctx, item.ID, sale.StoreID); cached != nil {
			before = cached.Stock
		}
		newStock := decimal.Max(decimal.Zero, before.Sub(item.Quantity))
		s.products.SetStock(ctx, sale.StoreID, item.ID, newStock)

		adj := domain.InventoryAdjustment{
			ProductID: item.ID,
			SKU:       item.SKU,
			StoreID:   sale.StoreID,
			Delta:     item.Quantity.Neg(),
			NewStock:  newStock,
			SaleID:    sale.ID,
		}
		if online {
			_, err := s.remote.UpdateInventory(ctx, adj.ProductID, adj.NewStock, adj.StoreID)
			if err == nil {
				continue
			}
			log.Warn().Err(err).Str("component", "checkout").Int64("product_id", item.ID).Msg("remote stock update failed, queueing")
		}
		if _, err := s.queue.Enqueue(ctx, domain.QueueTypeInventoryAdjustment, adj); err != nil {
			log.Warn().Err(err).Str("component", "checkout").Int64("product_id", item.ID).Msg("inventory adjustment not queued")
		}
	}
}
