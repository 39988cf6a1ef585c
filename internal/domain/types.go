package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CouponType distinguishes percentage discounts from fixed-amount discounts.
type CouponType string

const (
	// CouponTypePercent applies value as a percentage of the order subtotal.
	CouponTypePercent CouponType = "percent"
	// CouponTypeFixed applies value as a fixed amount in the smallest currency unit.
	CouponTypeFixed CouponType = "fixed"
)

// Coupon is a discount code with redemption constraints. Monetary fields are
// in the smallest currency unit; percent values are whole percentages in [0,100].
type Coupon struct {
	ID            string
	Code          string
	Type          CouponType
	Value         int64
	MinOrderValue int64
	MaxDiscount   int64
	MaxUses       int
	UsedCount     int
	Active        bool
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CouponEvaluation is the result of a successful coupon evaluation against a subtotal.
type CouponEvaluation struct {
	CouponID string
	Code     string
	Type     CouponType
	Value    int64
	Discount int64
}

// PaymentStatus is the internal payment state of an order. Transitions are
// driven by the payment gateway through the reconciler.
type PaymentStatus string

const (
	// PaymentStatusUnpaid indicates no payment session has been started.
	PaymentStatusUnpaid PaymentStatus = "unpaid"
	// PaymentStatusPending indicates a gateway session exists and the outcome is unknown.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid indicates the gateway confirmed payment.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed indicates the gateway reported failure, cancellation, or expiry.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded indicates an admin recorded a refund.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// FulfillmentStatus is the physical order-processing stage, independent of payment.
type FulfillmentStatus string

const (
	// FulfillmentCreated is the initial status assigned at order creation.
	FulfillmentCreated FulfillmentStatus = "created"
	// FulfillmentPrinting indicates the card is being printed.
	FulfillmentPrinting FulfillmentStatus = "printing"
	// FulfillmentPackaging indicates the order is being packaged.
	FulfillmentPackaging FulfillmentStatus = "packaging"
	// FulfillmentShipped indicates the order has been handed to the carrier.
	FulfillmentShipped FulfillmentStatus = "shipped"
	// FulfillmentDelivered indicates the order reached the customer.
	FulfillmentDelivered FulfillmentStatus = "delivered"
	// FulfillmentCancelled is a terminal override reachable from any state.
	FulfillmentCancelled FulfillmentStatus = "cancelled"
)

// TimelineEntry is one record in an order's append-only audit timeline.
// ByAdmin is empty for system- or user-initiated events.
type TimelineEntry struct {
	Timestamp time.Time
	Status    string
	Note      string
	ByAdmin   string
}

// Order is an immutable-priced purchase record with independent payment and
// fulfillment status tracks. Line items are snapshots frozen at creation.
type Order struct {
	ID                string
	OrderNumber       string
	UserID            string
	UserEmail         string
	Currency          string
	Items             []OrderLineItem
	Totals            OrderTotals
	CouponCode        *string
	PaymentProvider   *string
	PaymentStatus     PaymentStatus
	PaymentRef        *string
	FulfillmentStatus FulfillmentStatus
	Timeline          []TimelineEntry
	ShippingAddress   *Address
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit,
// computed once at creation and never recomputed.
type OrderTotals struct {
	Subtotal int64
	Discount int64
	Shipping int64
	Total    int64
}

// OrderLineItem is an immutable snapshot of a product at order-creation time.
type OrderLineItem struct {
	ProductID string
	SKU       string
	Name      string
	UnitPrice int64
	Quantity  int
	ImageURL  string
	Total     int64
}

// Address stores a shipping destination snapshot.
type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// Product is a catalog entry. Price is in the smallest currency unit and is
// the live source snapshotted into order line items.
type Product struct {
	ID          string
	SKU         string
	Name        string
	Description string
	Price       int64
	Currency    string
	ImageURL    string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency checks for the readiness endpoint.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// CursorPage wraps a page of results with the token for the next page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// RangeQuery expresses an optional inclusive range filter over a value.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}
