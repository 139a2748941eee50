package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/supabase06-cpu/posv1/internal/cache"
	"github.com/supabase06-cpu/posv1/internal/cart"
	"github.com/supabase06-cpu/posv1/internal/domain"
	"github.com/supabase06-cpu/posv1/internal/queue"
	"github.com/supabase06-cpu/posv1/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// ValidationError lists the failing fields of a request with the tag that
// rejected each one.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, tag := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s (%s)", field, tag))
	}
	return "invalid " + strings.Join(parts, ", ")
}

// Validate runs the struct's validate tags.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = fe.Tag()
	}
	return &ValidationError{Fields: fields}
}

type Deps struct {
	Remote    store.Remote
	Queue     *queue.Queue
	Products  *cache.ProductCache
	Customers *cache.CustomerCache
}

type Options struct {
	StoreID   string
	CounterID string
	// DefaultTaxRate applies to items without a GST rate. Unset means
	// cart.DefaultTaxRate; a valid zero means tax-exempt.
	DefaultTaxRate decimal.NullDecimal
	Now            func() time.Time
}

// Service sequences checkout and the customer and catalogue lookups the till
// makes around it.
type Service struct {
	remote    store.Remote
	queue     *queue.Queue
	products  *cache.ProductCache
	customers *cache.CustomerCache

	storeID   string
	counterID string
	taxRate   decimal.Decimal
	now       func() time.Time
}

func New(deps Deps, opts Options) *Service {
	if opts.StoreID == "" {
		opts.StoreID = "store-001"
	}
	taxRate := cart.DefaultTaxRate
	if opts.DefaultTaxRate.Valid {
		taxRate = opts.DefaultTaxRate.Decimal
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		remote:    deps.Remote,
		queue:     deps.Queue,
		products:  deps.Products,
		customers: deps.Customers,
		storeID:   opts.StoreID,
		counterID: opts.CounterID,
		taxRate:   taxRate,
		now:       opts.Now,
	}
}

func (s *Service) StoreID() string {
	return s.storeID
}

// storeFor prefers the signed-in user's store.
func (s *Service) storeFor(user domain.UserProfile) string {
	return defaultString(user.StoreID, s.storeID)
}

// activeStore is the store of the actor on ctx, or the configured store.
// Lookups and checkout must agree on it so they share one snapshot.
func (s *Service) activeStore(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return defaultString(actor.StoreID, s.storeID)
	}
	return s.storeID
}

func ValidateStoreID(storeID string) error {
	if storeID == "" {
		return fmt.Errorf("store_id is required")
	}
	return nil
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
