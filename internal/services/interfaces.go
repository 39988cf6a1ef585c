package services

import (
	"context"
	"time"

	domain "github.com/mytapcard/api/internal/domain"
	"github.com/mytapcard/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Coupon             = domain.Coupon
	CouponType         = domain.CouponType
	CouponEvaluation   = domain.CouponEvaluation
	Order              = domain.Order
	OrderTotals        = domain.OrderTotals
	OrderLineItem      = domain.OrderLineItem
	TimelineEntry      = domain.TimelineEntry
	PaymentStatus      = domain.PaymentStatus
	FulfillmentStatus  = domain.FulfillmentStatus
	Address            = domain.Address
	Product            = domain.Product
	SystemHealthReport = domain.SystemHealthReport
)

// CouponService evaluates coupon codes against order subtotals and manages the
// coupon catalog for admin callers.
type CouponService interface {
	Evaluate(ctx context.Context, code string, subtotal int64) (CouponEvaluation, error)
	CreateCoupon(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error)
	UpdateCoupon(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error)
	DeleteCoupon(ctx context.Context, couponID string) error
	GetCoupon(ctx context.Context, couponID string) (Coupon, error)
	ListCoupons(ctx context.Context, filter CouponListFilter) (domain.CursorPage[Coupon], error)
}

// OrderService builds price-snapshotted orders and serves read/cancel/fulfillment flows.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	Get(ctx context.Context, orderID string, actor Actor) (Order, error)
	ListMine(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[Order], error)
	AdminList(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	UpdateFulfillment(ctx context.Context, cmd FulfillmentUpdateCommand) (Order, error)
}

// PaymentService reconciles gateway payment state onto orders. All entry
// points funnel through the same normalization and apply logic.
type PaymentService interface {
	CreateSession(ctx context.Context, cmd CreatePaymentSessionCommand) (PaymentSessionResult, error)
	HandleReturn(ctx context.Context, cmd PaymentReturnCommand) (PaymentOutcome, error)
	HandleWebhook(ctx context.Context, cmd PaymentWebhookCommand) error
	Verify(ctx context.Context, cmd VerifyPaymentCommand) (PaymentOutcome, error)
	SetPaymentStatus(ctx context.Context, cmd SetPaymentStatusCommand) (Order, error)
}

// CatalogService manages the product catalog orders snapshot their prices from.
type CatalogService interface {
	CreateProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error)
	UpdateProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error)
	DeleteProduct(ctx context.Context, productID string) error
	GetProduct(ctx context.Context, productID string) (Product, error)
	ListProducts(ctx context.Context, filter ProductListFilter) (domain.CursorPage[Product], error)
}

// CounterService issues monotonic sequence values and formatted order numbers.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextOrderNumber(ctx context.Context) (string, error)
}

// SystemService aggregates utility endpoints (health checks, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type              string
	OrderID           string
	OrderNumber       string
	UserID            string
	PaymentStatus     string
	FulfillmentStatus string
	ActorID           string
	OccurredAt        time.Time
	Metadata          map[string]any
}

// Command and DTO definitions ------------------------------------------------

// Actor identifies the caller for owner-or-admin access checks.
type Actor struct {
	UserID string
	Email  string
	Admin  bool
}

type UpsertCouponCommand struct {
	CouponID      string
	Code          string
	Type          CouponType
	Value         int64
	MinOrderValue int64
	MaxDiscount   int64
	MaxUses       int
	Active        bool
	ExpiresAt     *time.Time
	ActorID       string
}

type CouponListFilter = repositories.CouponListFilter

type OrderListFilter = repositories.OrderListFilter

type ProductListFilter = repositories.ProductListFilter

// CartLine references a product by id; unit prices always come from the live
// catalog at order time, never from the client.
type CartLine struct {
	ProductID string
	Quantity  int
}

type CreateOrderCommand struct {
	UserID          string
	UserEmail       string
	Lines           []CartLine
	CouponCode      string
	Shipping        int64
	Currency        string
	ShippingAddress *Address
	ActorID         string
}

type CancelOrderCommand struct {
	OrderID string
	Actor   Actor
	Reason  string
}

type FulfillmentUpdateCommand struct {
	OrderID    string
	Status     FulfillmentStatus
	Note       string
	AdminEmail string
}

type CreatePaymentSessionCommand struct {
	OrderID    string
	Provider   string
	Actor      Actor
	SuccessURL string
	CancelURL  string
}

// PaymentSessionResult carries the hosted checkout handoff back to the client.
type PaymentSessionResult struct {
	OrderID    string
	Provider   string
	SessionID  string
	PaymentURL string
	ExpiresAt  time.Time
}

type PaymentReturnCommand struct {
	Provider  string
	InvoiceID string
}

type PaymentWebhookCommand struct {
	Provider string
	Payload  []byte
}

type VerifyPaymentCommand struct {
	OrderID  string
	Provider string
	Actor    Actor
}

type SetPaymentStatusCommand struct {
	OrderID    string
	Status     PaymentStatus
	Note       string
	AdminEmail string
}

// PaymentOutcome reports the result of one reconciliation pass.
type PaymentOutcome struct {
	OrderID       string
	OrderNumber   string
	Provider      string
	PaymentStatus PaymentStatus
	PaymentRef    string
	RawStatus     string
}

type UpsertProductCommand struct {
	ProductID   string
	SKU         string
	Name        string
	Description string
	Price       int64
	Currency    string
	ImageURL    string
	Active      bool
	ActorID     string
}

// CounterGenerationOptions controls how counter values are incremented and formatted.
type CounterGenerationOptions struct {
	Step         int64
	InitialValue *int64
	MaxValue     *int64
	Prefix       string
	Suffix       string
	PadLength    int
	Formatter    func(now time.Time, value int64) string
}

// CounterValue carries both the raw sequence value and its formatted form.
type CounterValue struct {
	Value     int64
	Formatted string
}

type CounterCommand struct {
	CounterID string
	Step      int64
}
