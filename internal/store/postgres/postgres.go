package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/supabase06-cpu/posv1/internal/domain"
	"github.com/supabase06-cpu/posv1/internal/store"
)

//go:embed schema.sql
var schemaSQL string

var _ store.Remote = (*Store)(nil)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates any missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

const productColumns = `
	id, sku, name, COALESCE(description, ''), COALESCE(category, ''), mrp, cost,
	selling_price, wholesale_price, min_wholesale_qty, weight, COALESCE(weight_unit, ''),
	gst_rate, COALESCE(hsn_code, ''), stock, reorder_level, COALESCE(unit, ''),
	COALESCE(barcode, ''), is_active, store_id, synced, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(
		&p.ID, &p.SKU, &p.Name, &p.Description, &p.Category, &p.MRP, &p.Cost,
		&p.SellingPrice, &p.WholesalePrice, &p.MinWholesaleQty, &p.Weight, &p.WeightUnit,
		&p.GSTRate, &p.HSNCode, &p.Stock, &p.ReorderLevel, &p.Unit,
		&p.Barcode, &p.IsActive, &p.StoreID, &p.Synced, &p.UpdatedAt,
	)
	return p, err
}

func (s *Store) ListProducts(ctx context.Context, storeID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE store_id = $1 ORDER BY id`, storeID)
	if err != nil {
		return nil, classify("list products", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 256)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, classify("list products", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list products", err)
	}
	return products, nil
}

func (s *Store) CountProducts(ctx context.Context, storeID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM products WHERE store_id = $1 AND is_active = true`, storeID).Scan(&count)
	if err != nil {
		return 0, classify("count products", err)
	}
	return count, nil
}

func (s *Store) GetProductByBarcode(ctx context.Context, barcode string, storeID string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE barcode = $1 AND store_id = $2 LIMIT 1`,
		strings.TrimSpace(barcode), storeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify("get product by barcode", err)
	}
	return &p, nil
}

// UpdateInventory sets current_stock on the inventory row and mirrors it on
// the product row in one transaction. Concurrent writers resolve last write wins.
func (s *Store) UpdateInventory(ctx context.Context, productID int64, newStock decimal.Decimal, storeID string) (*domain.InventoryRow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("update inventory", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row domain.InventoryRow
	err = tx.QueryRowContext(ctx, `
		UPDATE inventory
		SET current_stock = $1, updated_at = now()
		WHERE product_id = $2 AND store_id = $3
		RETURNING product_id, store_id, sku, current_stock, updated_at
	`, newStock, productID, storeID).Scan(&row.ProductID, &row.StoreID, &row.SKU, &row.CurrentStock, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.Permanent("update inventory", fmt.Errorf("product %d in %s: %w", productID, storeID, store.ErrNotFound))
		}
		return nil, classify("update inventory", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE products SET stock = $1, updated_at = now() WHERE id = $2 AND store_id = $3
	`, newStock, productID, storeID); err != nil {
		return nil, classify("update inventory", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify("update inventory", err)
	}
	return &row, nil
}

const saleColumns = `
	id, sale_number, store_id, COALESCE(counter_id, ''), COALESCE(cashier_id, ''),
	COALESCE(cashier_name, ''), items, COALESCE(subtotal, 0), discount, COALESCE(tax, 0), total,
	COALESCE(payment_method, ''), payment_status, COALESCE(notes, ''),
	COALESCE(to_char(sale_date, 'YYYY-MM-DD'), ''), synced, last_synced_at, created_at`

func scanSale(row rowScanner) (domain.Sale, error) {
	var (
		sale     domain.Sale
		items    []byte
		lastSync sql.NullTime
	)
	err := row.Scan(
		&sale.ID, &sale.SaleNumber, &sale.StoreID, &sale.CounterID, &sale.CashierID,
		&sale.CashierName, &items, &sale.Subtotal, &sale.Discount, &sale.Tax, &sale.Total,
		&sale.PaymentMethod, &sale.PaymentStatus, &sale.Notes,
		&sale.SaleDate, &sale.Synced, &lastSync, &sale.CreatedAt,
	)
	if err != nil {
		return domain.Sale{}, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &sale.Items); err != nil {
			return domain.Sale{}, fmt.Errorf("decode sale items: %w", err)
		}
	}
	if lastSync.Valid {
		at := lastSync.Time
		sale.LastSyncedAt = &at
	}
	return sale, nil
}

// CreateSale inserts the sale unless a row with the same id exists, then
// returns whatever row is stored under that id.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ID == "" || sale.StoreID == "" || len(sale.Items) == 0 {
		return nil, store.Permanent("create sale", store.ErrInvalidTransaction)
	}
	items, err := json.Marshal(sale.Items)
	if err != nil {
		return nil, store.Permanent("create sale", err)
	}
	var saleDate any
	if sale.SaleDate != "" {
		saleDate = sale.SaleDate
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sales (
			id, sale_number, store_id, counter_id, cashier_id, cashier_name, items,
			subtotal, discount, tax, total, payment_method, payment_status, notes,
			sale_date, synced, last_synced_at, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9,$10,$11,$12,$13,NULLIF($14, ''),$15::date,$16,$17,now(),now())
		ON CONFLICT (id) DO NOTHING
	`, sale.ID, sale.SaleNumber, sale.StoreID, sale.CounterID, sale.CashierID, sale.CashierName, string(items),
		sale.Subtotal, sale.Discount, sale.Tax, sale.Total, sale.PaymentMethod, paymentStatus(sale), sale.Notes,
		saleDate, sale.Synced, sale.LastSyncedAt)
	if err != nil {
		return nil, classify("create sale", err)
	}

	created, err := scanSale(s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, sale.ID))
	if err != nil {
		return nil, classify("create sale", err)
	}
	return &created, nil
}

func paymentStatus(sale domain.Sale) string {
	if sale.PaymentStatus == "" {
		return "completed"
	}
	return sale.PaymentStatus
}

func (s *Store) MarkSaleSynced(ctx context.Context, saleID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sales SET synced = true, last_synced_at = now(), updated_at = now() WHERE id = $1
	`, saleID)
	if err != nil {
		return classify("mark sale synced", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify("mark sale synced", err)
	}
	if affected == 0 {
		return store.Permanent("mark sale synced", store.ErrNotFound)
	}
	return nil
}

func (s *Store) GetSalesByDateRange(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE store_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
	`, storeID, from, to)
	if err != nil {
		return nil, classify("sales by date range", err)
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, classify("sales by date range", err)
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("sales by date range", err)
	}
	return sales, nil
}

func (s *Store) CountPendingSync(ctx context.Context, storeID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM sales WHERE store_id = $1 AND synced = false`, storeID).Scan(&count)
	if err != nil {
		return 0, classify("count pending sync", err)
	}
	return count, nil
}

const customerColumns = `
	id, customer_name, COALESCE(phone, ''), COALESCE(email, ''), store_id, total_purchases,
	total_spent, last_purchase_date, is_active, created_at, updated_at`

func scanCustomer(row rowScanner) (domain.Customer, error) {
	var (
		c            domain.Customer
		lastPurchase sql.NullTime
	)
	err := row.Scan(&c.ID, &c.CustomerName, &c.Phone, &c.Email, &c.StoreID, &c.TotalPurchases,
		&c.TotalSpent, &lastPurchase, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.Customer{}, err
	}
	if lastPurchase.Valid {
		at := lastPurchase.Time
		c.LastPurchaseDate = &at
	}
	return c, nil
}

func (s *Store) ListCustomers(ctx context.Context, storeID string) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE store_id = $1 ORDER BY id`, storeID)
	if err != nil {
		return nil, classify("list customers", err)
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 256)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, classify("list customers", err)
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list customers", err)
	}
	return customers, nil
}

func (s *Store) FindCustomerByPhone(ctx context.Context, phone string, storeID string) (*domain.Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE phone = $1 AND store_id = $2 AND is_active = true
		ORDER BY id
		LIMIT 1
	`, phone, storeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify("find customer", err)
	}
	return &c, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.CustomerName) == "" || customer.StoreID == "" {
		return nil, store.Permanent("create customer", store.ErrInvalidTransaction)
	}
	c, err := scanCustomer(s.db.QueryRowContext(ctx, `
		INSERT INTO customers (customer_name, phone, email, store_id, is_active, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, true, now(), now())
		RETURNING `+customerColumns,
		customer.CustomerName, customer.Phone, customer.Email, customer.StoreID))
	if err != nil {
		return nil, classify("create customer", err)
	}
	return &c, nil
}

func (s *Store) UpdateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx, `
		UPDATE customers
		SET customer_name = $2, email = NULLIF($3, ''), updated_at = now()
		WHERE id = $1
		RETURNING `+customerColumns,
		customer.ID, customer.CustomerName, customer.Email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.Permanent("update customer", store.ErrNotFound)
		}
		return nil, classify("update customer", err)
	}
	return &c, nil
}

func (s *Store) CreateSalesIntake(ctx context.Context, intake domain.SalesIntake) error {
	if intake.SaleID == "" {
		return store.Permanent("create sales intake", store.ErrInvalidTransaction)
	}
	var saleDate any
	if intake.SaleDate != "" {
		saleDate = intake.SaleDate
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sales_intake (
			sale_id, sale_number, customer_id, customer_name, customer_phone, customer_email,
			customer_skipped, store_id, counter_id, cashier_id, cashier_name, sale_amount,
			payment_method, sale_date, created_at
		)
		VALUES ($1,$2,$3,NULLIF($4, ''),NULLIF($5, ''),NULLIF($6, ''),$7,$8,$9,$10,$11,$12,$13,$14::date,now())
		ON CONFLICT (sale_id) DO NOTHING
	`, intake.SaleID, intake.SaleNumber, intake.CustomerID, intake.CustomerName, intake.CustomerPhone, intake.CustomerEmail,
		intake.CustomerSkipped, intake.StoreID, intake.CounterID, intake.CashierID, intake.CashierName, intake.SaleAmount,
		intake.PaymentMethod, saleDate)
	return classify("create sales intake", err)
}

func (s *Store) GetStoreConfig(ctx context.Context, storeID string) (*domain.StoreConfig, error) {
	var cfg domain.StoreConfig
	err := s.db.QueryRowContext(ctx, `
		SELECT store_id, store_name, COALESCE(gstin, ''), tax_rate, sync_interval, is_active
		FROM store_config
		WHERE store_id = $1
	`, storeID).Scan(&cfg.StoreID, &cfg.StoreName, &cfg.GSTIN, &cfg.TaxRate, &cfg.SyncInterval, &cfg.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify("get store config", err)
	}
	return &cfg, nil
}

func (s *Store) CreateSyncLog(ctx context.Context, entry domain.SyncLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_logs (store_id, desktop_id, user_id, sync_type, status, records_count, error_message, timestamp, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), $8, now())
	`, entry.StoreID, entry.DesktopID, entry.UserID, entry.SyncType, entry.Status, entry.RecordsCount, entry.ErrorMessage, entry.Timestamp)
	return classify("create sync log", err)
}

const userColumns = `id, email, password_hash, store_id, role, COALESCE(first_name, ''), COALESCE(last_name, ''), is_active`

func scanUser(row rowScanner) (domain.UserProfile, error) {
	var u domain.UserProfile
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.StoreID, &u.Role, &u.FirstName, &u.LastName, &u.IsActive)
	return u, err
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.UserProfile, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM auth_users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify("get user", err)
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.UserProfile, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM auth_users WHERE lower(email) = lower($1)`, strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify("get user", err)
	}
	return &u, nil
}

// classify maps driver errors onto the remote error kinds. Constraint, data
// and privilege errors are permanent; connection loss, serialization
// failures and resource exhaustion are transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57", "58":
			return store.Transient(op, err)
		case "22", "23", "28", "42", "44":
			return store.Permanent(op, err)
		}
		return &store.RemoteError{Kind: store.KindUnknown, Op: op, Err: err}
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return store.Transient(op, err)
	}
	return store.Classify(op, err)
}
