package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	PriceTypeRetail    = "retail"
	PriceTypeWholesale = "wholesale"

	WeightUnitKg = "kg"
)

const (
	QueueTypeSale                = "sale"
	QueueTypeInventoryAdjustment = "inventory_adjustment"
	QueueTypeSalesIntake         = "sales_intake"
)

const (
	RoleAdmin     = "admin"
	RoleManager   = "manager"
	RoleCashier   = "cashier"
	RoleInventory = "inventory"
)

type Product struct {
	ID              int64               `json:"id"`
	SKU             string              `json:"sku"`
	Name            string              `json:"name"`
	Description     string              `json:"description,omitempty"`
	Category        string              `json:"category,omitempty"`
	MRP             decimal.Decimal     `json:"mrp"`
	Cost            decimal.Decimal     `json:"cost"`
	SellingPrice    decimal.NullDecimal `json:"selling_price"`
	WholesalePrice  decimal.NullDecimal `json:"wholesale_price"`
	MinWholesaleQty decimal.NullDecimal `json:"min_wholesale_qty"`
	Weight          decimal.NullDecimal `json:"weight"`
	WeightUnit      string              `json:"weight_unit,omitempty"`
	GSTRate         decimal.NullDecimal `json:"gst_rate"`
	HSNCode         string              `json:"hsn_code,omitempty"`
	Stock           decimal.Decimal     `json:"stock"`
	ReorderLevel    decimal.Decimal     `json:"reorder_level"`
	Unit            string              `json:"unit,omitempty"`
	Barcode         string              `json:"barcode,omitempty"`
	IsActive        bool                `json:"is_active"`
	StoreID         string              `json:"store_id"`
	Synced          bool                `json:"synced"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

func (p Product) RecordID() int64 { return p.ID }

// SoldByWeight reports whether quantities are entered in kilograms.
func (p Product) SoldByWeight() bool {
	return p.WeightUnit == WeightUnitKg
}

type Customer struct {
	ID               int64           `json:"id"`
	CustomerName     string          `json:"customer_name"`
	Phone            string          `json:"phone,omitempty"`
	Email            string          `json:"email,omitempty"`
	StoreID          string          `json:"store_id"`
	TotalPurchases   int             `json:"total_purchases"`
	TotalSpent       decimal.Decimal `json:"total_spent"`
	LastPurchaseDate *time.Time      `json:"last_purchase_date,omitempty"`
	IsActive         bool            `json:"is_active"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (c Customer) RecordID() int64 { return c.ID }

// Temporary reports whether the customer was created offline and has no
// server-assigned id yet.
func (c Customer) Temporary() bool {
	return c.ID < 0
}

type CartItem struct {
	Product
	Quantity       decimal.Decimal `json:"quantity"`
	PriceType      string          `json:"priceType"`
	EffectivePrice decimal.Decimal `json:"effectivePrice"`
	ItemTax        decimal.Decimal `json:"itemTax"`
	ItemSavings    decimal.Decimal `json:"itemSavings"`
}

type CartState struct {
	Items    []CartItem      `json:"items"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Discount decimal.Decimal `json:"discount"`
	Tax      decimal.Decimal `json:"tax"`
	Savings  decimal.Decimal `json:"savings"`
	Total    decimal.Decimal `json:"total"`
}

type SaleItem struct {
	ID             int64               `json:"id"`
	SKU            string              `json:"sku"`
	Name           string              `json:"name"`
	MRP            decimal.Decimal     `json:"mrp"`
	SellingPrice   decimal.NullDecimal `json:"selling_price"`
	WholesalePrice decimal.NullDecimal `json:"wholesale_price"`
	PriceType      string              `json:"price_type"`
	EffectivePrice decimal.Decimal     `json:"effective_price"`
	Quantity       decimal.Decimal     `json:"quantity"`
	GSTRate        decimal.Decimal     `json:"gst_rate"`
	GSTAmount      decimal.Decimal     `json:"gst_amount"`
	HSNCode        string              `json:"hsn_code,omitempty"`
	Total          decimal.Decimal     `json:"total"`
	// StockBefore is the cached stock when the sale was rung up; the remote
	// reconciliation computes the new level from it.
	StockBefore decimal.Decimal `json:"stock_before"`
}

type Sale struct {
	ID            string          `json:"id"`
	SaleNumber    string          `json:"sale_number"`
	StoreID       string          `json:"store_id"`
	CounterID     string          `json:"counter_id"`
	CashierID     string          `json:"cashier_id"`
	CashierName   string          `json:"cashier_name"`
	Items         []SaleItem      `json:"items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Discount      decimal.Decimal `json:"discount"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"payment_method"`
	PaymentStatus string          `json:"payment_status"`
	Notes         string          `json:"notes,omitempty"`
	SaleDate      string          `json:"sale_date"`
	Synced        bool            `json:"synced"`
	LastSyncedAt  *time.Time      `json:"last_synced_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

type SalesIntake struct {
	SaleID          string          `json:"sale_id"`
	SaleNumber      string          `json:"sale_number"`
	CustomerID      *int64          `json:"customer_id"`
	CustomerName    string          `json:"customer_name,omitempty"`
	CustomerPhone   string          `json:"customer_phone,omitempty"`
	CustomerEmail   string          `json:"customer_email,omitempty"`
	CustomerSkipped bool            `json:"customer_skipped"`
	StoreID         string          `json:"store_id"`
	CounterID       string          `json:"counter_id"`
	CashierID       string          `json:"cashier_id"`
	CashierName     string          `json:"cashier_name"`
	SaleAmount      decimal.Decimal `json:"sale_amount"`
	PaymentMethod   string          `json:"payment_method"`
	SaleDate        string          `json:"sale_date"`
}

// InventoryAdjustment sets a product's remote stock level. Last write wins.
type InventoryAdjustment struct {
	ProductID int64           `json:"product_id"`
	SKU       string          `json:"sku"`
	StoreID   string          `json:"store_id"`
	Delta     decimal.Decimal `json:"delta"`
	NewStock  decimal.Decimal `json:"new_stock"`
	SaleID    string          `json:"sale_id,omitempty"`
}

type InventoryRow struct {
	ProductID    int64           `json:"product_id"`
	StoreID      string          `json:"store_id"`
	SKU          string          `json:"sku"`
	CurrentStock decimal.Decimal `json:"current_stock"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type CustomerInfo struct {
	Name    string `json:"name" validate:"required_unless=Skipped true,max=120"`
	Phone   string `json:"phone" validate:"omitempty,min=6,max=20"`
	Email   string `json:"email" validate:"omitempty,email"`
	Skipped bool   `json:"skipped"`
}

type StoreConfig struct {
	StoreID      string          `json:"store_id"`
	StoreName    string          `json:"store_name"`
	GSTIN        string          `json:"gstin,omitempty"`
	TaxRate      decimal.Decimal `json:"tax_rate"`
	SyncInterval int             `json:"sync_interval"`
	IsActive     bool            `json:"is_active"`
}

type UserProfile struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	StoreID      string `json:"store_id"`
	Role         string `json:"role"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	IsActive     bool   `json:"is_active"`
	PasswordHash string `json:"-"`
}

// DisplayName mirrors how receipts print the cashier.
func (u UserProfile) DisplayName() string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		return u.Email
	}
	return name
}

type Actor struct {
	UserID  string
	Email   string
	Role    string
	StoreID string
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type Session struct {
	AccessToken string      `json:"access_token"`
	User        UserProfile `json:"user"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

type SyncLog struct {
	StoreID      string    `json:"store_id"`
	DesktopID    string    `json:"desktop_id"`
	UserID       string    `json:"user_id,omitempty"`
	SyncType     string    `json:"sync_type"`
	Status       string    `json:"status"`
	RecordsCount int       `json:"records_count"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type QueueItem struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"attempts"`
	Synced    bool            `json:"synced"`
	LastError *string         `json:"last_error"`
	// Terminal items are kept for operator action and skipped by automatic passes.
	Terminal bool `json:"terminal,omitempty"`
}

type SyncStatus struct {
	Online       bool       `json:"online"`
	Syncing      bool       `json:"syncing"`
	PendingSales int        `json:"pending_sales"`
	PendingTotal int        `json:"pending_total"`
	Failed       int        `json:"failed"`
	LastSyncTime *time.Time `json:"last_sync_time"`
}

type CheckoutRequest struct {
	PaymentMethod string          `json:"payment_method" validate:"required,oneof=cash card upi wallet"`
	Discount      decimal.Decimal `json:"discount"`
	CounterID     string          `json:"counter_id"`
	Customer      CustomerInfo    `json:"customer"`
}
