package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/mytapcard/api/internal/domain"
	"github.com/mytapcard/api/internal/repositories"
)

const (
	orderEventCreated            = "order.created"
	orderEventPaymentUpdated     = "order.payment_updated"
	orderEventFulfillmentUpdated = "order.fulfillment_updated"

	orderIDPrefix = "ord_"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the caller is neither the order owner nor an admin.
	ErrOrderForbidden = errors.New("order: access denied")
	// ErrOrderConflict indicates concurrent-modification or duplicate conflicts.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderInvalidState indicates the order cannot be mutated in its current state.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderInvalidStatus indicates a fulfillment status outside the allowed set.
	ErrOrderInvalidStatus = errors.New("order: invalid fulfillment status")
	// ErrProductsUnavailable indicates the cart references missing or inactive products.
	ErrProductsUnavailable = errors.New("order: products unavailable")
)

var fulfillmentStatuses = []domain.FulfillmentStatus{
	domain.FulfillmentCreated,
	domain.FulfillmentPrinting,
	domain.FulfillmentPackaging,
	domain.FulfillmentShipped,
	domain.FulfillmentDelivered,
	domain.FulfillmentCancelled,
}

// Strict mode restricts transitions to one forward step, with cancelled
// reachable from any non-terminal status. Permissive mode (the default)
// allows any status from any prior status.
var strictFulfillmentNext = map[domain.FulfillmentStatus]domain.FulfillmentStatus{
	domain.FulfillmentCreated:   domain.FulfillmentPrinting,
	domain.FulfillmentPrinting:  domain.FulfillmentPackaging,
	domain.FulfillmentPackaging: domain.FulfillmentShipped,
	domain.FulfillmentShipped:   domain.FulfillmentDelivered,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders            repositories.OrderRepository
	Products          repositories.ProductRepository
	Coupons           repositories.CouponRepository
	CouponEvaluator   CouponService
	Counters          CounterService
	UnitOfWork        repositories.UnitOfWork
	Clock             func() time.Time
	IDGenerator       func() string
	Events            OrderEventPublisher
	Logger            func(ctx context.Context, event string, fields map[string]any)
	StrictFulfillment bool
}

type orderService struct {
	orders      repositories.OrderRepository
	products    repositories.ProductRepository
	couponRepo  repositories.CouponRepository
	coupons     CouponService
	counters    CounterService
	unitOfWork  repositories.UnitOfWork
	clock       func() time.Time
	newID       func() string
	events      OrderEventPublisher
	logger      func(context.Context, string, map[string]any)
	strictModes bool
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter service is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		products:   deps.Products,
		couponRepo: deps.Coupons,
		coupons:    deps.CouponEvaluator,
		counters:   deps.Counters,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:       idGen,
		events:      deps.Events,
		logger:      logger,
		strictModes: deps.StrictFulfillment,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	email := strings.ToLower(strings.TrimSpace(cmd.UserEmail))
	if email == "" {
		return Order{}, fmt.Errorf("%w: user email is required", ErrOrderInvalidInput)
	}
	if len(cmd.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: at least one line item is required", ErrOrderInvalidInput)
	}
	if cmd.Shipping < 0 {
		return Order{}, fmt.Errorf("%w: shipping must not be negative", ErrOrderInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		return Order{}, fmt.Errorf("%w: currency is required", ErrOrderInvalidInput)
	}

	productIDs := make([]string, 0, len(cmd.Lines))
	for _, line := range cmd.Lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return Order{}, fmt.Errorf("%w: line item product id is required", ErrOrderInvalidInput)
		}
		if line.Quantity < 1 {
			return Order{}, fmt.Errorf("%w: line item quantity must be at least 1", ErrOrderInvalidInput)
		}
		productIDs = append(productIDs, strings.TrimSpace(line.ProductID))
	}

	catalog, err := s.products.FindByIDs(ctx, productIDs)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	items, subtotal, unavailable := snapshotLineItems(cmd.Lines, catalog)
	if len(unavailable) > 0 {
		return Order{}, fmt.Errorf("%w: %s", ErrProductsUnavailable, strings.Join(unavailable, ", "))
	}

	totals := OrderTotals{
		Subtotal: subtotal,
		Shipping: cmd.Shipping,
	}

	var evaluation CouponEvaluation
	couponCode := strings.ToUpper(strings.TrimSpace(cmd.CouponCode))
	if couponCode != "" {
		if s.coupons == nil {
			return Order{}, errors.New("order service: coupon service not configured")
		}
		evaluation, err = s.coupons.Evaluate(ctx, couponCode, subtotal)
		if err != nil {
			return Order{}, err
		}
		totals.Discount = evaluation.Discount
	}

	totals.Total = totals.Subtotal - totals.Discount + totals.Shipping
	if totals.Total < 0 {
		totals.Total = 0
	}

	// Number allocation happens before the transaction; Firestore requires
	// all transactional reads before writes and the counter does its own
	// read-modify-write. A failed attempt leaves a gap in the sequence.
	number, err := s.counters.NextOrderNumber(ctx)
	if err != nil {
		return Order{}, err
	}

	now := s.clock()
	order := Order{
		ID:                orderIDPrefix + s.newID(),
		OrderNumber:       number,
		UserID:            userID,
		UserEmail:         email,
		Currency:          currency,
		Items:             items,
		Totals:            totals,
		PaymentStatus:     domain.PaymentStatusUnpaid,
		FulfillmentStatus: domain.FulfillmentCreated,
		Timeline: []TimelineEntry{{
			Timestamp: now,
			Status:    string(domain.FulfillmentCreated),
			Note:      "Order created",
		}},
		ShippingAddress: cloneAddress(cmd.ShippingAddress),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if couponCode != "" {
		order.CouponCode = valuePtr(couponCode)
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if couponCode != "" {
			if s.couponRepo == nil {
				return errors.New("order service: coupon repository not configured")
			}
			if _, err := s.couponRepo.IncrementUsage(txCtx, evaluation.CouponID, now); err != nil {
				return s.mapCouponConsumeError(err)
			}
		}
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:              orderEventCreated,
		OrderID:           order.ID,
		OrderNumber:       order.OrderNumber,
		UserID:            order.UserID,
		PaymentStatus:     string(order.PaymentStatus),
		FulfillmentStatus: string(order.FulfillmentStatus),
		ActorID:           cmd.ActorID,
		OccurredAt:        now,
	})

	return order, nil
}

func (s *orderService) Get(ctx context.Context, orderID string, actor Actor) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if err := authorizeOrderAccess(order, actor); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) ListMine(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[Order], error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:     userID,
		Pagination: pager,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) AdminList(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if err := authorizeOrderAccess(order, cmd.Actor); err != nil {
		return Order{}, err
	}

	if order.FulfillmentStatus == domain.FulfillmentCancelled {
		return order, nil
	}

	// Owners may only cancel before payment starts and before production.
	if !cmd.Actor.Admin {
		if order.PaymentStatus != domain.PaymentStatusUnpaid || order.FulfillmentStatus != domain.FulfillmentCreated {
			return Order{}, fmt.Errorf("%w: order can no longer be cancelled", ErrOrderInvalidState)
		}
	}

	now := s.clock()
	note := strings.TrimSpace(cmd.Reason)
	if note == "" {
		note = "Order cancelled"
	}
	entry := TimelineEntry{
		Timestamp: now,
		Status:    string(domain.FulfillmentCancelled),
		Note:      note,
	}
	if cmd.Actor.Admin {
		entry.ByAdmin = strings.TrimSpace(cmd.Actor.Email)
	}

	updated, err := s.orders.UpdateFulfillment(ctx, order.ID, repositories.OrderFulfillmentUpdate{
		FulfillmentStatus: domain.FulfillmentCancelled,
		Timeline:          []TimelineEntry{entry},
		UpdatedAt:         now,
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:              orderEventFulfillmentUpdated,
		OrderID:           updated.ID,
		OrderNumber:       updated.OrderNumber,
		UserID:            updated.UserID,
		PaymentStatus:     string(updated.PaymentStatus),
		FulfillmentStatus: string(updated.FulfillmentStatus),
		ActorID:           cmd.Actor.UserID,
		OccurredAt:        now,
	})

	return updated, nil
}

func (s *orderService) UpdateFulfillment(ctx context.Context, cmd FulfillmentUpdateCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !isFulfillmentStatus(cmd.Status) {
		return Order{}, fmt.Errorf("%w: %q is not one of %s", ErrOrderInvalidStatus, cmd.Status, allowedFulfillmentValues())
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if s.strictModes {
		if err := validateStrictTransition(order.FulfillmentStatus, cmd.Status); err != nil {
			return Order{}, err
		}
	}

	now := s.clock()
	note := strings.TrimSpace(cmd.Note)
	if note == "" {
		note = fmt.Sprintf("Status changed to %s", cmd.Status)
	}

	updated, err := s.orders.UpdateFulfillment(ctx, order.ID, repositories.OrderFulfillmentUpdate{
		FulfillmentStatus: cmd.Status,
		Timeline: []TimelineEntry{{
			Timestamp: now,
			Status:    string(cmd.Status),
			Note:      note,
			ByAdmin:   strings.TrimSpace(cmd.AdminEmail),
		}},
		UpdatedAt: now,
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:              orderEventFulfillmentUpdated,
		OrderID:           updated.ID,
		OrderNumber:       updated.OrderNumber,
		UserID:            updated.UserID,
		PaymentStatus:     string(updated.PaymentStatus),
		FulfillmentStatus: string(updated.FulfillmentStatus),
		ActorID:           cmd.AdminEmail,
		OccurredAt:        now,
	})

	return updated, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

// mapCouponConsumeError surfaces a write-time usage race as the same sentinel
// the evaluator uses, so callers see one error regardless of where the limit
// was detected.
func (s *orderService) mapCouponConsumeError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCouponExhausted, err)
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCouponNotFound, err)
		}
	}
	return err
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// snapshotLineItems freezes catalog prices into order line items. Missing and
// inactive products are reported together so the caller sees every offender.
func snapshotLineItems(lines []CartLine, catalog map[string]domain.Product) ([]OrderLineItem, int64, []string) {
	items := make([]OrderLineItem, 0, len(lines))
	var subtotal int64
	unavailable := make(map[string]bool)

	for _, line := range lines {
		productID := strings.TrimSpace(line.ProductID)
		product, ok := catalog[productID]
		if !ok || !product.Active {
			unavailable[productID] = true
			continue
		}
		total := product.Price * int64(line.Quantity)
		items = append(items, OrderLineItem{
			ProductID: product.ID,
			SKU:       product.SKU,
			Name:      product.Name,
			UnitPrice: product.Price,
			Quantity:  line.Quantity,
			ImageURL:  product.ImageURL,
			Total:     total,
		})
		subtotal += total
	}

	if len(unavailable) == 0 {
		return items, subtotal, nil
	}

	missing := make([]string, 0, len(unavailable))
	for id := range unavailable {
		missing = append(missing, id)
	}
	sort.Strings(missing)
	return nil, 0, missing
}

func authorizeOrderAccess(order Order, actor Actor) error {
	if actor.Admin {
		return nil
	}
	if uid := strings.TrimSpace(actor.UserID); uid != "" && uid == order.UserID {
		return nil
	}
	return ErrOrderForbidden
}

func isFulfillmentStatus(status domain.FulfillmentStatus) bool {
	for _, allowed := range fulfillmentStatuses {
		if status == allowed {
			return true
		}
	}
	return false
}

func allowedFulfillmentValues() string {
	values := make([]string, len(fulfillmentStatuses))
	for i, status := range fulfillmentStatuses {
		values[i] = string(status)
	}
	return strings.Join(values, "|")
}

func validateStrictTransition(current, target domain.FulfillmentStatus) error {
	if current == target {
		return nil
	}
	if target == domain.FulfillmentCancelled {
		if current == domain.FulfillmentDelivered {
			return fmt.Errorf("%w: delivered orders cannot be cancelled", ErrOrderInvalidState)
		}
		return nil
	}
	if next, ok := strictFulfillmentNext[current]; ok && next == target {
		return nil
	}
	return fmt.Errorf("%w: cannot move from %s to %s", ErrOrderInvalidState, current, target)
}

func cloneAddress(addr *Address) *Address {
	if addr == nil {
		return nil
	}
	cloned := *addr
	return &cloned
}

func valuePtr[T any](v T) *T {
	return &v
}
