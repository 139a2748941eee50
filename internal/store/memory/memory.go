package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/supabase06-cpu/posv1/internal/domain"
	"github.com/supabase06-cpu/posv1/internal/store"
)

var _ store.Remote = (*Store)(nil)

// Store is an in-process stand-in for the remote backend, used in dev mode
// when DATABASE_URL is unset and as the fake behind tests.
type Store struct {
	mu             sync.RWMutex
	products       map[int64]domain.Product
	inventory      map[string]map[int64]domain.InventoryRow
	sales          map[string]domain.Sale
	customers      map[int64]domain.Customer
	nextCustomerID int64
	intakes        []domain.SalesIntake
	storeConfigs   map[string]domain.StoreConfig
	syncLogs       []domain.SyncLog
	usersByID      map[string]domain.UserProfile

	hookMu   sync.Mutex
	failures map[string]error
	calls    map[string]int
}

func New() *Store {
	return &Store{
		products:       make(map[int64]domain.Product),
		inventory:      make(map[string]map[int64]domain.InventoryRow),
		sales:          make(map[string]domain.Sale),
		customers:      make(map[int64]domain.Customer),
		nextCustomerID: 1,
		storeConfigs:   make(map[string]domain.StoreConfig),
		usersByID:      make(map[string]domain.UserProfile),
		failures:       make(map[string]error),
		calls:          make(map[string]int),
	}
}

// Fail makes every later call of op return err until Fail(op, nil) clears it.
// op is the Remote method name, e.g. "CreateSale".
func (s *Store) Fail(op string, err error) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Calls reports how many times op has been invoked.
func (s *Store) Calls(op string) int {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	return s.calls[op]
}

func (s *Store) enter(op string) error {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.calls[op]++
	return s.failures[op]
}

// seedUsers builds dev accounts. Passwords come from SEED_ADMIN_PASSWORD and
// SEED_CASHIER_PASSWORD, with dev defaults when unset.
func seedUsers(storeID string) []domain.UserProfile {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn().Str("component", "memory-remote").Msg("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	users := make([]domain.UserProfile, 0, 2)
	for _, u := range []struct {
		id, email, password, role, first string
	}{
		{"user-admin", "admin@store.local", adminPwd, domain.RoleAdmin, "Admin"},
		{"user-cashier", "cashier@store.local", cashierPwd, domain.RoleCashier, "Cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("email", u.email).Msg("failed to hash seed password")
		}
		users = append(users, domain.UserProfile{
			ID:           u.id,
			Email:        u.email,
			StoreID:      storeID,
			Role:         u.role,
			FirstName:    u.first,
			IsActive:     true,
			PasswordHash: string(hash),
		})
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a small catalogue, a store config and dev
// users for storeID.
func NewSeeded(storeID string) *Store {
	s := New()
	d := decimal.NewFromInt
	nd := func(v int64) decimal.NullDecimal { return decimal.NewNullDecimal(d(v)) }

	products := []domain.Product{
		{ID: 1, SKU: "RICE-5KG", Name: "Sona Masoori Rice 5kg", Category: "grocery", MRP: d(450), SellingPrice: nd(420), WholesalePrice: nd(400), MinWholesaleQty: nd(5), GSTRate: nd(5), HSNCode: "1006", Barcode: "8901000000011"},
		{ID: 2, SKU: "DAL-TOOR", Name: "Toor Dal", Category: "grocery", MRP: d(200), Weight: nd(1), WeightUnit: domain.WeightUnitKg, GSTRate: nd(5), HSNCode: "0713", Barcode: "8901000000028"},
		{ID: 3, SKU: "OIL-SUN-1L", Name: "Sunflower Oil 1L", Category: "grocery", MRP: d(180), SellingPrice: nd(165), HSNCode: "1512", Barcode: "8901000000035"},
		{ID: 4, SKU: "SOAP-100", Name: "Bath Soap 100g", Category: "household", MRP: d(45), SellingPrice: nd(40), WholesalePrice: nd(36), MinWholesaleQty: nd(12), GSTRate: nd(18), HSNCode: "3401", Barcode: "8901000000042"},
		{ID: 5, SKU: "TEA-250", Name: "Tea Leaves 250g", Category: "beverage", MRP: d(150), SellingPrice: nd(140), GSTRate: nd(5), HSNCode: "0902", Barcode: "8901000000059"},
	}
	now := time.Now().UTC()
	s.inventory[storeID] = make(map[int64]domain.InventoryRow)
	for _, p := range products {
		p.StoreID = storeID
		p.IsActive = true
		p.Unit = "pcs"
		p.Stock = d(120)
		p.UpdatedAt = now
		s.products[p.ID] = p
		s.inventory[storeID][p.ID] = domain.InventoryRow{ProductID: p.ID, StoreID: storeID, SKU: p.SKU, CurrentStock: p.Stock, UpdatedAt: now}
	}

	s.storeConfigs[storeID] = domain.StoreConfig{
		StoreID:      storeID,
		StoreName:    "Main Store",
		TaxRate:      d(18),
		SyncInterval: 30000,
		IsActive:     true,
	}
	for _, u := range seedUsers(storeID) {
		s.usersByID[u.ID] = u
	}
	return s
}

func (s *Store) Ping(context.Context) error {
	return s.enter("Ping")
}

// AddProduct inserts or replaces a product and its inventory row.
func (s *Store) AddProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
	if s.inventory[p.StoreID] == nil {
		s.inventory[p.StoreID] = make(map[int64]domain.InventoryRow)
	}
	s.inventory[p.StoreID][p.ID] = domain.InventoryRow{ProductID: p.ID, StoreID: p.StoreID, SKU: p.SKU, CurrentStock: p.Stock, UpdatedAt: time.Now().UTC()}
}

// AddUser registers a user profile, hashing password when set.
func (s *Store) AddUser(u domain.UserProfile, password string) error {
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			return err
		}
		u.PasswordHash = string(hash)
	}
	s.mu.Lock()
	s.usersByID[u.ID] = u
	s.mu.Unlock()
	return nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if err := s.enter("CreateSale"); err != nil {
		return nil, err
	}
	if sale.ID == "" || sale.StoreID == "" || len(sale.Items) == 0 {
		return nil, store.Permanent("create sale", store.ErrInvalidTransaction)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sales[sale.ID]; ok {
		out := existing
		return &out, nil
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	s.sales[sale.ID] = sale
	out := sale
	return &out, nil
}

func (s *Store) MarkSaleSynced(_ context.Context, saleID string) error {
	if err := s.enter("MarkSaleSynced"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[saleID]
	if !ok {
		return store.Permanent("mark sale synced", store.ErrNotFound)
	}
	now := time.Now().UTC()
	sale.Synced = true
	sale.LastSyncedAt = &now
	s.sales[saleID] = sale
	return nil
}

// Sale returns a stored sale by id.
func (s *Store) Sale(id string) (domain.Sale, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.sales[id]
	return sale, ok
}

func (s *Store) GetSalesByDateRange(_ context.Context, storeID string, from time.Time, to time.Time) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Sale, 0)
	for _, sale := range s.sales {
		if sale.StoreID != storeID {
			continue
		}
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		out = append(out, sale)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CountPendingSync(_ context.Context, storeID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, sale := range s.sales {
		if sale.StoreID == storeID && !sale.Synced {
			count++
		}
	}
	return count, nil
}

func (s *Store) UpdateInventory(_ context.Context, productID int64, newStock decimal.Decimal, storeID string) (*domain.InventoryRow, error) {
	if err := s.enter("UpdateInventory"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.inventory[storeID]
	row, ok := rows[productID]
	if !ok {
		return nil, store.Permanent("update inventory", fmt.Errorf("product %d in %s: %w", productID, storeID, store.ErrNotFound))
	}
	row.CurrentStock = newStock
	row.UpdatedAt = time.Now().UTC()
	rows[productID] = row

	if p, ok := s.products[productID]; ok && p.StoreID == storeID {
		p.Stock = newStock
		s.products[productID] = p
	}
	out := row
	return &out, nil
}

// Inventory returns the remote stock level for a product.
func (s *Store) Inventory(storeID string, productID int64) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.inventory[storeID][productID]
	return row.CurrentStock, ok
}

func (s *Store) GetProductByBarcode(_ context.Context, barcode string, storeID string) (*domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.products {
		if p.StoreID == storeID && p.Barcode == barcode {
			out := p
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListProducts(_ context.Context, storeID string) ([]domain.Product, error) {
	if err := s.enter("ListProducts"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.StoreID == storeID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CountProducts(ctx context.Context, storeID string) (int, error) {
	products, err := s.ListProducts(ctx, storeID)
	return len(products), err
}

func (s *Store) ListCustomers(_ context.Context, storeID string) ([]domain.Customer, error) {
	if err := s.enter("ListCustomers"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		if c.StoreID == storeID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FindCustomerByPhone(_ context.Context, phone string, storeID string) (*domain.Customer, error) {
	if err := s.enter("FindCustomerByPhone"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.customers {
		if c.StoreID == storeID && c.Phone == phone && c.IsActive {
			out := c
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if err := s.enter("CreateCustomer"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(customer.CustomerName) == "" || customer.StoreID == "" {
		return nil, store.Permanent("create customer", store.ErrInvalidTransaction)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	customer.ID = s.nextCustomerID
	s.nextCustomerID++
	customer.IsActive = true
	customer.CreatedAt = now
	customer.UpdatedAt = now
	s.customers[customer.ID] = customer
	out := customer
	return &out, nil
}

func (s *Store) UpdateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.customers[customer.ID]
	if !ok {
		return nil, store.Permanent("update customer", store.ErrNotFound)
	}
	existing.CustomerName = customer.CustomerName
	existing.Email = customer.Email
	existing.UpdatedAt = time.Now().UTC()
	s.customers[customer.ID] = existing
	out := existing
	return &out, nil
}

func (s *Store) CreateSalesIntake(_ context.Context, intake domain.SalesIntake) error {
	if err := s.enter("CreateSalesIntake"); err != nil {
		return err
	}
	if intake.SaleID == "" {
		return store.Permanent("create sales intake", store.ErrInvalidTransaction)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.intakes {
		if existing.SaleID == intake.SaleID {
			return nil
		}
	}
	s.intakes = append(s.intakes, intake)
	return nil
}

// Intakes returns every recorded sales intake.
func (s *Store) Intakes() []domain.SalesIntake {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.SalesIntake(nil), s.intakes...)
}

func (s *Store) GetStoreConfig(_ context.Context, storeID string) (*domain.StoreConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.storeConfigs[storeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &cfg, nil
}

func (s *Store) CreateSyncLog(_ context.Context, entry domain.SyncLog) error {
	s.mu.Lock()
	s.syncLogs = append(s.syncLogs, entry)
	s.mu.Unlock()
	return nil
}

// SyncLogs returns every recorded sync log row.
func (s *Store) SyncLogs() []domain.SyncLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.SyncLog(nil), s.syncLogs...)
}

func (s *Store) GetUserByID(_ context.Context, id string) (*domain.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.UserProfile, error) {
	if err := s.enter("GetUserByEmail"); err != nil {
		return nil, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.usersByID {
		if strings.ToLower(u.Email) == email {
			out := u
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}
