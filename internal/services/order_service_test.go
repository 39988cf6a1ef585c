package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/mytapcard/api/internal/domain"
	"github.com/mytapcard/api/internal/repositories"
)

type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *stubRepoError) Error() string       { return "stub repository error" }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsConflict() bool    { return e.conflict }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

type stubCouponRepository struct {
	coupons       map[string]domain.Coupon
	findErr       error
	incrementErr  error
	incrementHits int
	inserted      []domain.Coupon
	updated       []domain.Coupon
	deleted       []string
}

func (s *stubCouponRepository) Insert(ctx context.Context, coupon domain.Coupon) error {
	s.inserted = append(s.inserted, coupon)
	return nil
}

func (s *stubCouponRepository) Update(ctx context.Context, coupon domain.Coupon) error {
	s.updated = append(s.updated, coupon)
	return nil
}

func (s *stubCouponRepository) Delete(ctx context.Context, couponID string) error {
	s.deleted = append(s.deleted, couponID)
	return nil
}

func (s *stubCouponRepository) FindByID(ctx context.Context, couponID string) (domain.Coupon, error) {
	for _, coupon := range s.coupons {
		if coupon.ID == couponID {
			return coupon, nil
		}
	}
	return domain.Coupon{}, &stubRepoError{notFound: true}
}

func (s *stubCouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if s.findErr != nil {
		return domain.Coupon{}, s.findErr
	}
	coupon, ok := s.coupons[code]
	if !ok {
		return domain.Coupon{}, &stubRepoError{notFound: true}
	}
	return coupon, nil
}

func (s *stubCouponRepository) List(ctx context.Context, filter repositories.CouponListFilter) (domain.CursorPage[domain.Coupon], error) {
	page := domain.CursorPage[domain.Coupon]{}
	for _, coupon := range s.coupons {
		page.Items = append(page.Items, coupon)
	}
	return page, nil
}

func (s *stubCouponRepository) IncrementUsage(ctx context.Context, couponID string, now time.Time) (domain.Coupon, error) {
	s.incrementHits++
	if s.incrementErr != nil {
		return domain.Coupon{}, s.incrementErr
	}
	for code, coupon := range s.coupons {
		if coupon.ID == couponID {
			coupon.UsedCount++
			s.coupons[code] = coupon
			return coupon, nil
		}
	}
	return domain.Coupon{}, &stubRepoError{notFound: true}
}

type stubOrderRepository struct {
	orders     map[string]domain.Order
	insertErr  error
	inserted   []domain.Order
	listFilter repositories.OrderListFilter
	listPage   domain.CursorPage[domain.Order]
}

func (s *stubOrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	if s.orders == nil {
		s.orders = map[string]domain.Order{}
	}
	s.orders[order.ID] = order
	s.inserted = append(s.inserted, order)
	return nil
}

func (s *stubOrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, &stubRepoError{notFound: true}
	}
	return order, nil
}

func (s *stubOrderRepository) FindByPaymentRef(ctx context.Context, paymentRef string) (domain.Order, error) {
	for _, order := range s.orders {
		if order.PaymentRef != nil && *order.PaymentRef == paymentRef {
			return order, nil
		}
	}
	return domain.Order{}, &stubRepoError{notFound: true}
}

func (s *stubOrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	s.listFilter = filter
	return s.listPage, nil
}

func (s *stubOrderRepository) UpdatePayment(ctx context.Context, orderID string, update repositories.OrderPaymentUpdate) (domain.Order, error) {
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, &stubRepoError{notFound: true}
	}
	order.PaymentStatus = update.PaymentStatus
	order.PaymentProvider = update.PaymentProvider
	order.PaymentRef = update.PaymentRef
	order.Timeline = append(order.Timeline, update.Timeline...)
	order.UpdatedAt = update.UpdatedAt
	s.orders[orderID] = order
	return order, nil
}

func (s *stubOrderRepository) UpdateFulfillment(ctx context.Context, orderID string, update repositories.OrderFulfillmentUpdate) (domain.Order, error) {
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, &stubRepoError{notFound: true}
	}
	order.FulfillmentStatus = update.FulfillmentStatus
	order.Timeline = append(order.Timeline, update.Timeline...)
	order.UpdatedAt = update.UpdatedAt
	s.orders[orderID] = order
	return order, nil
}

type stubProductRepository struct {
	products map[string]domain.Product
}

func (s *stubProductRepository) Insert(ctx context.Context, product domain.Product) error {
	if s.products == nil {
		s.products = map[string]domain.Product{}
	}
	s.products[product.ID] = product
	return nil
}

func (s *stubProductRepository) Update(ctx context.Context, product domain.Product) error {
	s.products[product.ID] = product
	return nil
}

func (s *stubProductRepository) Delete(ctx context.Context, productID string) error {
	delete(s.products, productID)
	return nil
}

func (s *stubProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, &stubRepoError{notFound: true}
	}
	return product, nil
}

func (s *stubProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	found := map[string]domain.Product{}
	for _, id := range productIDs {
		if product, ok := s.products[id]; ok {
			found[id] = product
		}
	}
	return found, nil
}

func (s *stubProductRepository) List(ctx context.Context, filter repositories.ProductListFilter) (domain.CursorPage[domain.Product], error) {
	page := domain.CursorPage[domain.Product]{}
	for _, product := range s.products {
		page.Items = append(page.Items, product)
	}
	return page, nil
}

type stubEventPublisher struct {
	events []OrderEvent
	err    error
}

func (s *stubEventPublisher) PublishOrderEvent(ctx context.Context, event OrderEvent) error {
	s.events = append(s.events, event)
	return s.err
}

type stubOrderCounter struct {
	number string
	err    error
}

func (s *stubOrderCounter) Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error) {
	return CounterValue{}, nil
}

func (s *stubOrderCounter) NextOrderNumber(ctx context.Context) (string, error) {
	return s.number, s.err
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestOrderService(t *testing.T, deps OrderServiceDeps) OrderService {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = fixedClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	}
	if deps.Counters == nil {
		deps.Counters = &stubOrderCounter{number: "MTC-2026-000042"}
	}
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return svc
}

func testCatalog() *stubProductRepository {
	return &stubProductRepository{products: map[string]domain.Product{
		"prd_basic": {ID: "prd_basic", SKU: "CARD-BASIC", Name: "Tap Card Basic", Price: 500, Currency: "USD", Active: true},
		"prd_metal": {ID: "prd_metal", SKU: "CARD-METAL", Name: "Tap Card Metal", Price: 2500, Currency: "USD", Active: true},
		"prd_old":   {ID: "prd_old", SKU: "CARD-OLD", Name: "Retired Card", Price: 100, Currency: "USD", Active: false},
	}}
}

func TestOrderCreateSnapshotsPricesAndAppliesCoupon(t *testing.T) {
	couponRepo := &stubCouponRepository{coupons: map[string]domain.Coupon{
		"SAVE10": {ID: "cpn_1", Code: "SAVE10", Type: domain.CouponTypePercent, Value: 10, Active: true},
	}}
	evaluator, err := NewCouponService(CouponServiceDeps{Coupons: couponRepo})
	if err != nil {
		t.Fatalf("new coupon service: %v", err)
	}

	orders := &stubOrderRepository{}
	events := &stubEventPublisher{}
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:          orders,
		Products:        testCatalog(),
		Coupons:         couponRepo,
		CouponEvaluator: evaluator,
		Events:          events,
	})

	order, err := svc.Create(context.Background(), CreateOrderCommand{
		UserID:     "user-1",
		UserEmail:  "Buyer@Example.com",
		Lines:      []CartLine{{ProductID: "prd_basic", Quantity: 2}},
		CouponCode: "save10",
		Currency:   "usd",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if order.Totals.Subtotal != 1000 {
		t.Fatalf("expected subtotal 1000, got %d", order.Totals.Subtotal)
	}
	if order.Totals.Discount != 100 {
		t.Fatalf("expected discount 100, got %d", order.Totals.Discount)
	}
	if order.Totals.Total != 900 {
		t.Fatalf("expected total 900, got %d", order.Totals.Total)
	}
	if order.OrderNumber != "MTC-2026-000042" {
		t.Fatalf("unexpected order number %s", order.OrderNumber)
	}
	if order.UserEmail != "buyer@example.com" {
		t.Fatalf("expected lowercased email, got %s", order.UserEmail)
	}
	if order.Currency != "USD" {
		t.Fatalf("expected uppercased currency, got %s", order.Currency)
	}
	if order.PaymentStatus != domain.PaymentStatusUnpaid {
		t.Fatalf("expected unpaid, got %s", order.PaymentStatus)
	}
	if order.FulfillmentStatus != domain.FulfillmentCreated {
		t.Fatalf("expected created, got %s", order.FulfillmentStatus)
	}
	if len(order.Items) != 1 || order.Items[0].UnitPrice != 500 || order.Items[0].Name != "Tap Card Basic" {
		t.Fatalf("unexpected item snapshot: %+v", order.Items)
	}
	if len(order.Timeline) != 1 || order.Timeline[0].Status != "created" {
		t.Fatalf("expected one created timeline entry, got %+v", order.Timeline)
	}
	if order.CouponCode == nil || *order.CouponCode != "SAVE10" {
		t.Fatalf("expected coupon code SAVE10, got %v", order.CouponCode)
	}
	if couponRepo.incrementHits != 1 {
		t.Fatalf("expected one usage increment, got %d", couponRepo.incrementHits)
	}
	if len(orders.inserted) != 1 {
		t.Fatalf("expected one insert, got %d", len(orders.inserted))
	}
	if len(events.events) != 1 || events.events[0].Type != "order.created" {
		t.Fatalf("expected order.created event, got %+v", events.events)
	}
}

func TestOrderCreateRejectsUnavailableProducts(t *testing.T) {
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:   &stubOrderRepository{},
		Products: testCatalog(),
	})

	_, err := svc.Create(context.Background(), CreateOrderCommand{
		UserID:    "user-1",
		UserEmail: "buyer@example.com",
		Currency:  "USD",
		Lines: []CartLine{
			{ProductID: "prd_basic", Quantity: 1},
			{ProductID: "prd_old", Quantity: 1},
			{ProductID: "prd_missing", Quantity: 1},
		},
	})
	if !errors.Is(err, ErrProductsUnavailable) {
		t.Fatalf("expected products unavailable, got %v", err)
	}
	for _, id := range []string{"prd_old", "prd_missing"} {
		if !strings.Contains(err.Error(), id) {
			t.Fatalf("expected %s in error, got %v", id, err)
		}
	}
}

func TestOrderCreateAbortsOnCouponRejection(t *testing.T) {
	couponRepo := &stubCouponRepository{coupons: map[string]domain.Coupon{
		"BIG": {ID: "cpn_2", Code: "BIG", Type: domain.CouponTypeFixed, Value: 500, MinOrderValue: 10000, Active: true},
	}}
	evaluator, err := NewCouponService(CouponServiceDeps{Coupons: couponRepo})
	if err != nil {
		t.Fatalf("new coupon service: %v", err)
	}

	orders := &stubOrderRepository{}
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:          orders,
		Products:        testCatalog(),
		Coupons:         couponRepo,
		CouponEvaluator: evaluator,
	})

	_, err = svc.Create(context.Background(), CreateOrderCommand{
		UserID:     "user-1",
		UserEmail:  "buyer@example.com",
		Currency:   "USD",
		Lines:      []CartLine{{ProductID: "prd_basic", Quantity: 1}},
		CouponCode: "BIG",
	})
	if !errors.Is(err, ErrCouponMinOrder) {
		t.Fatalf("expected min order rejection, got %v", err)
	}
	if len(orders.inserted) != 0 {
		t.Fatalf("expected no order insert, got %d", len(orders.inserted))
	}
	if couponRepo.incrementHits != 0 {
		t.Fatalf("expected no usage increment, got %d", couponRepo.incrementHits)
	}
}

func TestOrderCreateSurfacesWriteTimeUsageRace(t *testing.T) {
	couponRepo := &stubCouponRepository{
		coupons: map[string]domain.Coupon{
			"LAST": {ID: "cpn_3", Code: "LAST", Type: domain.CouponTypeFixed, Value: 100, MaxUses: 1, Active: true},
		},
		incrementErr: &stubRepoError{conflict: true},
	}
	evaluator, err := NewCouponService(CouponServiceDeps{Coupons: couponRepo})
	if err != nil {
		t.Fatalf("new coupon service: %v", err)
	}

	orders := &stubOrderRepository{}
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:          orders,
		Products:        testCatalog(),
		Coupons:         couponRepo,
		CouponEvaluator: evaluator,
	})

	_, err = svc.Create(context.Background(), CreateOrderCommand{
		UserID:     "user-1",
		UserEmail:  "buyer@example.com",
		Currency:   "USD",
		Lines:      []CartLine{{ProductID: "prd_basic", Quantity: 1}},
		CouponCode: "LAST",
	})
	if !errors.Is(err, ErrCouponExhausted) {
		t.Fatalf("expected usage limit error, got %v", err)
	}
	if len(orders.inserted) != 0 {
		t.Fatalf("expected write-time race to abort the insert, got %d inserts", len(orders.inserted))
	}
}

func TestOrderCreateShippingAndFloor(t *testing.T) {
	couponRepo := &stubCouponRepository{coupons: map[string]domain.Coupon{
		"HUGE": {ID: "cpn_4", Code: "HUGE", Type: domain.CouponTypeFixed, Value: 9999, Active: true},
	}}
	evaluator, err := NewCouponService(CouponServiceDeps{Coupons: couponRepo})
	if err != nil {
		t.Fatalf("new coupon service: %v", err)
	}

	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:          &stubOrderRepository{},
		Products:        testCatalog(),
		Coupons:         couponRepo,
		CouponEvaluator: evaluator,
	})

	order, err := svc.Create(context.Background(), CreateOrderCommand{
		UserID:     "user-1",
		UserEmail:  "buyer@example.com",
		Currency:   "USD",
		Lines:      []CartLine{{ProductID: "prd_basic", Quantity: 1}},
		CouponCode: "HUGE",
		Shipping:   250,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	// Fixed discount caps at the subtotal, so total is only the shipping.
	if order.Totals.Discount != 500 {
		t.Fatalf("expected discount capped at subtotal 500, got %d", order.Totals.Discount)
	}
	if order.Totals.Total != 250 {
		t.Fatalf("expected total 250, got %d", order.Totals.Total)
	}
}

func TestOrderGetEnforcesOwnerOrAdmin(t *testing.T) {
	orders := &stubOrderRepository{orders: map[string]domain.Order{
		"ord_1": {ID: "ord_1", UserID: "user-1"},
	}}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: orders, Products: testCatalog()})

	if _, err := svc.Get(context.Background(), "ord_1", Actor{UserID: "user-1"}); err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if _, err := svc.Get(context.Background(), "ord_1", Actor{UserID: "admin-9", Admin: true}); err != nil {
		t.Fatalf("admin read: %v", err)
	}
	if _, err := svc.Get(context.Background(), "ord_1", Actor{UserID: "user-2"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := svc.Get(context.Background(), "ord_missing", Actor{Admin: true}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderCancelOwnerOnlyBeforePayment(t *testing.T) {
	orders := &stubOrderRepository{orders: map[string]domain.Order{
		"ord_new": {ID: "ord_new", UserID: "user-1", PaymentStatus: domain.PaymentStatusUnpaid, FulfillmentStatus: domain.FulfillmentCreated},
		"ord_mid": {ID: "ord_mid", UserID: "user-1", PaymentStatus: domain.PaymentStatusPending, FulfillmentStatus: domain.FulfillmentCreated},
	}}
	events := &stubEventPublisher{}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: orders, Products: testCatalog(), Events: events})

	order, err := svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: "ord_new",
		Actor:   Actor{UserID: "user-1"},
		Reason:  "changed my mind",
	})
	if err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
	if order.FulfillmentStatus != domain.FulfillmentCancelled {
		t.Fatalf("expected cancelled, got %s", order.FulfillmentStatus)
	}
	if len(order.Timeline) != 1 || order.Timeline[0].Note != "changed my mind" || order.Timeline[0].ByAdmin != "" {
		t.Fatalf("unexpected timeline: %+v", order.Timeline)
	}

	if _, err := svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: "ord_mid",
		Actor:   Actor{UserID: "user-1"},
	}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state for mid-payment owner cancel, got %v", err)
	}

	admin := Actor{UserID: "admin-1", Email: "ops@mytapcard.com", Admin: true}
	order, err = svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_mid", Actor: admin})
	if err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if order.Timeline[len(order.Timeline)-1].ByAdmin != "ops@mytapcard.com" {
		t.Fatalf("expected admin identity on timeline, got %+v", order.Timeline)
	}
	if len(events.events) != 2 {
		t.Fatalf("expected two fulfillment events, got %d", len(events.events))
	}
}

func TestFulfillmentPermissiveAllowsAnyJump(t *testing.T) {
	orders := &stubOrderRepository{orders: map[string]domain.Order{
		"ord_1": {ID: "ord_1", UserID: "user-1", FulfillmentStatus: domain.FulfillmentCreated},
	}}
	events := &stubEventPublisher{}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: orders, Products: testCatalog(), Events: events})

	order, err := svc.UpdateFulfillment(context.Background(), FulfillmentUpdateCommand{
		OrderID:    "ord_1",
		Status:     domain.FulfillmentDelivered,
		AdminEmail: "ops@mytapcard.com",
	})
	if err != nil {
		t.Fatalf("update fulfillment: %v", err)
	}
	if order.FulfillmentStatus != domain.FulfillmentDelivered {
		t.Fatalf("expected delivered, got %s", order.FulfillmentStatus)
	}
	entry := order.Timeline[len(order.Timeline)-1]
	if entry.Note != "Status changed to delivered" {
		t.Fatalf("expected generated note, got %q", entry.Note)
	}
	if entry.ByAdmin != "ops@mytapcard.com" {
		t.Fatalf("expected admin on entry, got %q", entry.ByAdmin)
	}
	if len(events.events) != 1 || events.events[0].Type != "order.fulfillment_updated" {
		t.Fatalf("expected fulfillment event, got %+v", events.events)
	}
}

func TestFulfillmentRejectsUnknownStatus(t *testing.T) {
	orders := &stubOrderRepository{orders: map[string]domain.Order{
		"ord_1": {ID: "ord_1", FulfillmentStatus: domain.FulfillmentCreated},
	}}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: orders, Products: testCatalog()})

	_, err := svc.UpdateFulfillment(context.Background(), FulfillmentUpdateCommand{
		OrderID: "ord_1",
		Status:  domain.FulfillmentStatus("teleported"),
	})
	if !errors.Is(err, ErrOrderInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	if !strings.Contains(err.Error(), "created|printing|packaging|shipped|delivered|cancelled") {
		t.Fatalf("expected allowed values in message, got %v", err)
	}
}

func TestFulfillmentStrictModeEnforcesLinearOrder(t *testing.T) {
	orders := &stubOrderRepository{orders: map[string]domain.Order{
		"ord_1": {ID: "ord_1", FulfillmentStatus: domain.FulfillmentCreated},
		"ord_2": {ID: "ord_2", FulfillmentStatus: domain.FulfillmentShipped},
		"ord_3": {ID: "ord_3", FulfillmentStatus: domain.FulfillmentDelivered},
	}}
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:            orders,
		Products:          testCatalog(),
		StrictFulfillment: true,
	})

	if _, err := svc.UpdateFulfillment(context.Background(), FulfillmentUpdateCommand{
		OrderID: "ord_1", Status: domain.FulfillmentPackaging,
	}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected skip to be rejected, got %v", err)
	}

	if _, err := svc.UpdateFulfillment(context.Background(), FulfillmentUpdateCommand{
		OrderID: "ord_1", Status: domain.FulfillmentPrinting,
	}); err != nil {
		t.Fatalf("forward step: %v", err)
	}

	if _, err := svc.UpdateFulfillment(context.Background(), FulfillmentUpdateCommand{
		OrderID: "ord_2", Status: domain.FulfillmentCancelled,
	}); err != nil {
		t.Fatalf("cancel from shipped: %v", err)
	}

	if _, err := svc.UpdateFulfillment(context.Background(), FulfillmentUpdateCommand{
		OrderID: "ord_3", Status: domain.FulfillmentCancelled,
	}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected delivered to be terminal, got %v", err)
	}
}

func TestOrderListMineScopesToUser(t *testing.T) {
	orders := &stubOrderRepository{}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: orders, Products: testCatalog()})

	if _, err := svc.ListMine(context.Background(), "user-7", Pagination{PageSize: 10}); err != nil {
		t.Fatalf("list mine: %v", err)
	}
	if orders.listFilter.UserID != "user-7" {
		t.Fatalf("expected user filter, got %+v", orders.listFilter)
	}
}

var (
	_ repositories.CouponRepository  = (*stubCouponRepository)(nil)
	_ repositories.OrderRepository   = (*stubOrderRepository)(nil)
	_ repositories.ProductRepository = (*stubProductRepository)(nil)
	_ repositories.RepositoryError   = (*stubRepoError)(nil)
	_ OrderEventPublisher            = (*stubEventPublisher)(nil)
	_ CounterService                 = (*stubOrderCounter)(nil)
)
