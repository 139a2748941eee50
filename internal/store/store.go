package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shopspring/decimal"

	"github.com/supabase06-cpu/posv1/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// ErrorKind classifies a failed remote call for retry decisions.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransient
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// RemoteError is returned by every Remote implementation when a call fails.
type RemoteError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func Transient(op string, err error) error {
	return &RemoteError{Kind: KindTransient, Op: op, Err: err}
}

func Permanent(op string, err error) error {
	return &RemoteError{Kind: KindPermanent, Op: op, Err: err}
}

// Classify wraps err in a RemoteError, inferring the kind when err is not
// one already.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return err
	}
	return &RemoteError{Kind: KindOf(err), Op: op, Err: err}
}

// KindOf reports how err should be retried.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	if errors.Is(err, ErrInvalidTransaction) || errors.Is(err, ErrNotFound) {
		return KindPermanent
	}
	return KindUnknown
}

// Remote is the networked relational backend the device reconciles against.
type Remote interface {
	Ping(ctx context.Context) error

	// CreateSale is idempotent on sale.ID: repeating it returns the row
	// created by the first call.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	MarkSaleSynced(ctx context.Context, saleID string) error
	GetSalesByDateRange(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.Sale, error)
	CountPendingSync(ctx context.Context, storeID string) (int, error)

	UpdateInventory(ctx context.Context, productID int64, newStock decimal.Decimal, storeID string) (*domain.InventoryRow, error)
	GetProductByBarcode(ctx context.Context, barcode string, storeID string) (*domain.Product, error)
	ListProducts(ctx context.Context, storeID string) ([]domain.Product, error)
	CountProducts(ctx context.Context, storeID string) (int, error)

	ListCustomers(ctx context.Context, storeID string) ([]domain.Customer, error)
	FindCustomerByPhone(ctx context.Context, phone string, storeID string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	UpdateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	CreateSalesIntake(ctx context.Context, intake domain.SalesIntake) error

	GetStoreConfig(ctx context.Context, storeID string) (*domain.StoreConfig, error)
	CreateSyncLog(ctx context.Context, entry domain.SyncLog) error

	GetUserByID(ctx context.Context, id string) (*domain.UserProfile, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.UserProfile, error)
}
