package repositories

import (
	"context"
	"time"

	domain "github.com/mytapcard/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Coupons() CouponRepository
	Orders() OrderRepository
	Products() ProductRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CouponRepository maintains coupon definitions and usage counters.
type CouponRepository interface {
	Insert(ctx context.Context, coupon domain.Coupon) error
	Update(ctx context.Context, coupon domain.Coupon) error
	Delete(ctx context.Context, couponID string) error
	FindByID(ctx context.Context, couponID string) (domain.Coupon, error)
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	List(ctx context.Context, filter CouponListFilter) (domain.CursorPage[domain.Coupon], error)
	// IncrementUsage bumps the coupon's used count after re-checking the usage
	// limit inside the same transactional read-write. It must return a conflict
	// RepositoryError when the limit was reached concurrently. The increment
	// participates in an enclosing RunInTx transaction when one is active.
	IncrementUsage(ctx context.Context, couponID string, now time.Time) (domain.Coupon, error)
}

// OrderRepository persists order documents and provides query helpers for users and admins.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByPaymentRef(ctx context.Context, paymentRef string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// UpdatePayment overwrites payment tracking fields and appends timeline entries.
	UpdatePayment(ctx context.Context, orderID string, update OrderPaymentUpdate) (domain.Order, error)
	// UpdateFulfillment sets the fulfillment status and appends a timeline entry.
	UpdateFulfillment(ctx context.Context, orderID string, update OrderFulfillmentUpdate) (domain.Order, error)
}

// OrderPaymentUpdate carries payment-track mutations applied atomically to one order.
type OrderPaymentUpdate struct {
	PaymentStatus   domain.PaymentStatus
	PaymentProvider *string
	PaymentRef      *string
	Timeline        []domain.TimelineEntry
	UpdatedAt       time.Time
}

// OrderFulfillmentUpdate carries fulfillment-track mutations applied atomically to one order.
type OrderFulfillmentUpdate struct {
	FulfillmentStatus domain.FulfillmentStatus
	Timeline          []domain.TimelineEntry
	UpdatedAt         time.Time
}

// ProductRepository stores the catalog entries that order line items snapshot from.
type ProductRepository interface {
	Insert(ctx context.Context, product domain.Product) error
	Update(ctx context.Context, product domain.Product) error
	Delete(ctx context.Context, productID string) error
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	List(ctx context.Context, filter ProductListFilter) (domain.CursorPage[domain.Product], error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type CouponListFilter struct {
	ActiveOnly bool
	Pagination domain.Pagination
}

type OrderListFilter struct {
	UserID            string
	PaymentStatus     []domain.PaymentStatus
	FulfillmentStatus []domain.FulfillmentStatus
	Search            string
	DateRange         domain.RangeQuery[time.Time]
	Pagination        domain.Pagination
}

type ProductListFilter struct {
	ActiveOnly bool
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
