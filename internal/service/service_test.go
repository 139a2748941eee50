package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supabase06-cpu/posv1/internal/cache"
	"github.com/supabase06-cpu/posv1/internal/cart"
	"github.com/supabase06-cpu/posv1/internal/domain"
	"github.com/supabase06-cpu/posv1/internal/localstore"
	"github.com/supabase06-cpu/posv1/internal/queue"
	"github.com/supabase06-cpu/posv1/internal/store"
	"github.com/supabase06-cpu/posv1/internal/store/memory"
)

const testStore = "store-001"

var cashier = domain.UserProfile{ID: "user-cashier", Email: "cashier@store.local", StoreID: testStore, Role: domain.RoleCashier, FirstName: "Priya"}

type harness struct {
	kv        *localstore.MemoryStore
	remote    *memory.Store
	queue     *queue.Queue
	products  *cache.ProductCache
	customers *cache.CustomerCache
	cart      *cart.Cart
	svc       *Service
}

type failingStore struct{}

var errDiskFull = errors.New("disk full")

func (failingStore) Read(context.Context, string) ([]byte, error)   { return nil, errDiskFull }
func (failingStore) Write(context.Context, string, []byte) error    { return errDiskFull }
func (failingStore) Remove(context.Context, string) error           { return errDiskFull }
func (failingStore) Keys(context.Context, string) ([]string, error) { return nil, errDiskFull }
func (failingStore) Close() error                                   { return nil }

func newHarness(t *testing.T, queueStore localstore.Store) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		kv:     localstore.NewMemoryStore(),
		remote: memory.NewSeeded(testStore),
	}
	if queueStore == nil {
		queueStore = h.kv
	}
	h.queue = queue.New(queueStore)
	h.products = cache.NewProductCache(h.kv, false)
	h.customers = cache.NewCustomerCache(h.kv)

	basmati := domain.Product{
		ID: 50, SKU: "BASMATI-1KG", Name: "Basmati 1kg", MRP: decimal.NewFromInt(200),
		Stock: decimal.NewFromInt(10), IsActive: true, StoreID: testStore, Barcode: "8902000000050",
	}
	h.remote.AddProduct(basmati)
	require.NoError(t, h.products.Save(ctx, testStore, []domain.Product{basmati}))

	h.cart = cart.New(ctx, h.kv, cart.DefaultTaxRate)
	h.cart.AddItem(ctx, basmati, decimal.NewFromInt(1))

	h.svc = New(Deps{
		Remote:    h.remote,
		Queue:     h.queue,
		Products:  h.products,
		Customers: h.customers,
	}, Options{
		StoreID:   testStore,
		CounterID: "COUNTER-01",
		Now:       func() time.Time { return time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC) },
	})
	return h
}

type outcome struct {
	saleNumber string
	errMsg     string
}

func (o *outcome) callbacks() Callbacks {
	return Callbacks{
		OnSuccess: func(n string) { o.saleNumber = n },
		OnError:   func(m string) { o.errMsg = m },
	}
}

func online() bool  { return true }
func offline() bool { return false }

func queued(t *testing.T, q *queue.Queue, itemType string) []domain.QueueItem {
	t.Helper()
	var out []domain.QueueItem
	for _, item := range q.List(context.Background(), true) {
		if item.Type == itemType {
			out = append(out, item)
		}
	}
	return out
}

func TestOfflineCheckoutQueuesSale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	require.True(t, h.cart.State().Total.Equal(decimal.NewFromInt(236)))

	var o outcome
	receipt, err := h.svc.Process(ctx, Request{
		Cart:          h.cart,
		User:          cashier,
		PaymentMethod: "cash",
		Customer:      domain.CustomerInfo{Skipped: true},
		Online:        offline,
	}, o.callbacks())
	require.NoError(t, err)
	assert.True(t, receipt.Queued)
	assert.Equal(t, receipt.SaleNumber, o.saleNumber)
	assert.Empty(t, o.errMsg)
	assert.Equal(t, 0, h.remote.Calls("CreateSale"))

	sales := queued(t, h.queue, domain.QueueTypeSale)
	require.Len(t, sales, 1)
	var sale domain.Sale
	require.NoError(t, json.Unmarshal(sales[0].Payload, &sale))
	assert.True(t, sale.Total.Equal(decimal.NewFromInt(236)))
	assert.True(t, sale.Subtotal.Equal(decimal.NewFromInt(200)))
	assert.True(t, sale.Tax.Equal(decimal.NewFromInt(36)))
	assert.False(t, sale.Synced)
	assert.Nil(t, sale.LastSyncedAt)
	assert.Equal(t, "Priya", sale.CashierName)
	assert.Equal(t, "2024-06-01", sale.SaleDate)
	require.Len(t, sale.Items, 1)
	assert.True(t, sale.Items[0].Total.Equal(decimal.NewFromInt(236)))

	assert.True(t, h.products.GetByID(ctx, 50, testStore).Stock.Equal(decimal.NewFromInt(9)), "local stock drops at once")
	assert.Len(t, queued(t, h.queue, domain.QueueTypeSalesIntake), 1)

	adjustments := queued(t, h.queue, domain.QueueTypeInventoryAdjustment)
	require.Len(t, adjustments, 1)
	var adj domain.InventoryAdjustment
	require.NoError(t, json.Unmarshal(adjustments[0].Payload, &adj))
	assert.True(t, adj.NewStock.Equal(decimal.NewFromInt(9)))
	assert.True(t, adj.Delta.Equal(decimal.NewFromInt(-1)))

	assert.Empty(t, h.cart.State().Items)
}

func TestOnlineCheckoutWritesRemotely(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	var o outcome
	receipt, err := h.svc.Process(ctx, Request{
		Cart:          h.cart,
		User:          cashier,
		PaymentMethod: "upi",
		Customer:      domain.CustomerInfo{Name: "Asha", Phone: "9000000001"},
		Online:        online,
	}, o.callbacks())
	require.NoError(t, err)
	assert.False(t, receipt.Queued)
	assert.NotEmpty(t, o.saleNumber)

	sale, ok := h.remote.Sale(receipt.SaleID)
	require.True(t, ok)
	assert.True(t, sale.Synced)
	assert.NotNil(t, sale.LastSyncedAt)

	intakes := h.remote.Intakes()
	require.Len(t, intakes, 1)
	require.NotNil(t, intakes[0].CustomerID)
	assert.Positive(t, *intakes[0].CustomerID)

	stock, ok := h.remote.Inventory(testStore, 50)
	require.True(t, ok)
	assert.True(t, stock.Equal(decimal.NewFromInt(9)))
	assert.True(t, h.products.GetByID(ctx, 50, testStore).Stock.Equal(decimal.NewFromInt(9)))

	assert.Empty(t, h.queue.List(ctx, false))
	assert.NotNil(t, h.customers.GetByPhone(ctx, "9000000001", testStore))
}

func TestOnlineFailureFallsBackToQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.remote.Fail("CreateSale", store.Transient("create sale", errors.New("503")))

	var o outcome
	receipt, err := h.svc.Process(ctx, Request{
		Cart:          h.cart,
		User:          cashier,
		PaymentMethod: "card",
		Customer:      domain.CustomerInfo{Skipped: true},
		Online:        online,
	}, o.callbacks())
	require.NoError(t, err)
	assert.True(t, receipt.Queued)
	assert.NotEmpty(t, o.saleNumber)
	assert.Empty(t, o.errMsg)

	sales := queued(t, h.queue, domain.QueueTypeSale)
	require.Len(t, sales, 1)
	var sale domain.Sale
	require.NoError(t, json.Unmarshal(sales[0].Payload, &sale))
	assert.False(t, sale.Synced)
	assert.Nil(t, sale.LastSyncedAt)
}

func TestFailedRemoteStockUpdateIsQueued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.remote.Fail("UpdateInventory", store.Transient("update inventory", errors.New("timeout")))

	var o outcome
	_, err := h.svc.Process(ctx, Request{
		Cart:          h.cart,
		User:          cashier,
		PaymentMethod: "cash",
		Customer:      domain.CustomerInfo{Skipped: true},
		Online:        online,
	}, o.callbacks())
	require.NoError(t, err)

	assert.Empty(t, queued(t, h.queue, domain.QueueTypeSale))
	adjustments := queued(t, h.queue, domain.QueueTypeInventoryAdjustment)
	require.Len(t, adjustments, 1)
	assert.True(t, h.products.GetByID(ctx, 50, testStore).Stock.Equal(decimal.NewFromInt(9)))
}

func TestCheckoutReportsErrorWhenQueueUnwritable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, failingStore{})

	var o outcome
	_, err := h.svc.Process(ctx, Request{
		Cart:          h.cart,
		User:          cashier,
		PaymentMethod: "cash",
		Customer:      domain.CustomerInfo{Skipped: true},
		Online:        offline,
	}, o.callbacks())
	require.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, msgSaveFailed, o.errMsg)
	assert.Empty(t, o.saleNumber)
	assert.Len(t, h.cart.State().Items, 1, "cart is kept for another attempt")
}

func TestCheckoutRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	var o outcome
	_, err := h.svc.Process(ctx, Request{
		Cart:          h.cart,
		User:          cashier,
		PaymentMethod: "cash",
		Customer:      domain.CustomerInfo{Name: "Asha", Email: "not-an-email"},
		Online:        offline,
	}, o.callbacks())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "email", verr.Fields["Email"])
	assert.Equal(t, msgInvalidSale, o.errMsg)

	_, err = h.svc.Process(ctx, Request{Cart: h.cart, User: cashier, PaymentMethod: "barter", Customer: domain.CustomerInfo{Skipped: true}}, Callbacks{})
	require.ErrorAs(t, err, &verr)

	h.cart.Clear(ctx)
	_, err = h.svc.Process(ctx, Request{Cart: h.cart, User: cashier, PaymentMethod: "cash"}, o.callbacks())
	assert.ErrorIs(t, err, ErrEmptyCart)
	assert.Equal(t, msgEmptyCart, o.errMsg)
}

func TestCheckoutDiscountOverridesCart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	receipt, err := h.svc.Process(ctx, Request{
		Cart:          h.cart,
		User:          cashier,
		PaymentMethod: "cash",
		Discount:      decimal.NewFromInt(36),
		Customer:      domain.CustomerInfo{Skipped: true},
		Online:        offline,
	}, Callbacks{})
	require.NoError(t, err)
	assert.True(t, receipt.Total.Equal(decimal.NewFromInt(200)))
}

func TestOfflineCustomerGetsTemporaryID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	c, err := h.svc.GetOrCreateCustomer(ctx, domain.CustomerInfo{Name: "Ravi", Phone: "9000000002"}, testStore, false)
	require.NoError(t, err)
	assert.True(t, c.Temporary())
	assert.Equal(t, 0, h.remote.Calls("CreateCustomer"))

	found, err := h.svc.FindCustomerByPhone(ctx, "9000000002", testStore, false)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, c.ID, found.ID)

	again, err := h.svc.GetOrCreateCustomer(ctx, domain.CustomerInfo{Name: "Ravi K", Phone: "9000000002"}, testStore, true)
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID, "temporary customers are not pushed from the lookup path")
}

func TestOnlineCustomerLookupAndRefresh(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	missing, err := h.svc.FindCustomerByPhone(ctx, "9999999999", testStore, true)
	require.NoError(t, err)
	assert.Nil(t, missing)

	created, err := h.svc.GetOrCreateCustomer(ctx, domain.CustomerInfo{Name: "Meera", Phone: "9000000003"}, testStore, true)
	require.NoError(t, err)
	assert.Positive(t, created.ID)

	updated, err := h.svc.GetOrCreateCustomer(ctx, domain.CustomerInfo{Name: "Meera S", Phone: "9000000003", Email: "meera@example.com"}, testStore, true)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "Meera S", updated.CustomerName)
	assert.Equal(t, "meera@example.com", h.customers.GetByID(ctx, created.ID, testStore).Email)

	assert.Len(t, h.svc.SearchCustomers(ctx, "meera", 10), 1)
}

func TestLookupBarcode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	p, err := h.svc.LookupBarcode(ctx, "8902000000050", false)
	require.NoError(t, err)
	assert.Equal(t, int64(50), p.ID)

	_, err = h.svc.LookupBarcode(ctx, "8901000000011", false)
	assert.ErrorIs(t, err, store.ErrNotFound)

	p, err = h.svc.LookupBarcode(ctx, "8901000000011", true)
	require.NoError(t, err)
	assert.Equal(t, "RICE-5KG", p.SKU)

	cached, err := h.svc.LookupBarcode(ctx, "8901000000011", false)
	require.NoError(t, err)
	assert.Equal(t, p.ID, cached.ID)

	assert.Len(t, h.svc.SearchProducts(ctx, "basmati", 5), 1)
}

func TestActorContext(t *testing.T) {
	ctx := WithActor(context.Background(), domain.Actor{UserID: "u1", Role: domain.RoleManager})
	actor, ok := ActorFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, domain.RoleManager, actor.Role)

	_, ok = ActorFromContext(context.Background())
	assert.False(t, ok)
}

func TestZeroDefaultTaxRateIsHonoured(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.svc = New(Deps{
		Remote:    h.remote,
		Queue:     h.queue,
		Products:  h.products,
		Customers: h.customers,
	}, Options{StoreID: testStore, DefaultTaxRate: decimal.NewNullDecimal(decimal.Zero)})
	h.cart = cart.New(ctx, localstore.NewMemoryStore(), decimal.Zero)
	h.cart.AddItem(ctx, *h.products.GetByID(ctx, 50, testStore), decimal.NewFromInt(1))

	var o outcome
	_, err := h.svc.Process(ctx, Request{
		Cart: h.cart, User: cashier, PaymentMethod: "cash",
		Customer: domain.CustomerInfo{Skipped: true}, Online: offline,
	}, o.callbacks())
	require.NoError(t, err)

	sales := queued(t, h.queue, domain.QueueTypeSale)
	require.Len(t, sales, 1)
	var sale domain.Sale
	require.NoError(t, json.Unmarshal(sales[0].Payload, &sale))
	assert.True(t, sale.Tax.IsZero(), "tax %s", sale.Tax)
	assert.True(t, sale.Total.Equal(decimal.NewFromInt(200)))
	require.Len(t, sale.Items, 1)
	assert.True(t, sale.Items[0].GSTRate.IsZero())
}

func TestUnsetDefaultTaxRateFallsBackToStandardRate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	var o outcome
	_, err := h.svc.Process(ctx, Request{
		Cart: h.cart, User: cashier, PaymentMethod: "cash",
		Customer: domain.CustomerInfo{Skipped: true}, Online: offline,
	}, o.callbacks())
	require.NoError(t, err)

	sales := queued(t, h.queue, domain.QueueTypeSale)
	require.Len(t, sales, 1)
	var sale domain.Sale
	require.NoError(t, json.Unmarshal(sales[0].Payload, &sale))
	require.Len(t, sale.Items, 1)
	assert.True(t, sale.Items[0].GSTRate.Equal(cart.DefaultTaxRate))
}

func TestLookupsUseSignedInUsersStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	ghee := domain.Product{
		ID: 70, SKU: "GHEE-500", Name: "Ghee 500ml", MRP: decimal.NewFromInt(320),
		Stock: decimal.NewFromInt(4), IsActive: true, StoreID: "store-002", Barcode: "8902000000070",
	}
	require.NoError(t, h.products.Save(ctx, "store-002", []domain.Product{ghee}))
	require.NoError(t, h.customers.Save(ctx, "store-002", []domain.Customer{
		{ID: 9, CustomerName: "Ravi", Phone: "9000000077", StoreID: "store-002", IsActive: true},
	}))

	// the configured store does not carry the product
	assert.Empty(t, h.svc.SearchProducts(ctx, "ghee", 10))

	actorCtx := WithActor(ctx, domain.Actor{UserID: "user-2", Role: domain.RoleCashier, StoreID: "store-002"})
	found := h.svc.SearchProducts(actorCtx, "ghee", 10)
	require.Len(t, found, 1)
	assert.Equal(t, int64(70), found[0].ID)

	byID, err := h.svc.ProductByID(actorCtx, 70)
	require.NoError(t, err)
	assert.Equal(t, "GHEE-500", byID.SKU)

	byCode, err := h.svc.LookupBarcode(actorCtx, "8902000000070", false)
	require.NoError(t, err)
	assert.Equal(t, int64(70), byCode.ID)

	assert.Len(t, h.svc.SearchCustomers(actorCtx, "ravi", 10), 1)
	assert.Empty(t, h.svc.SearchCustomers(ctx, "ravi", 10))
}
