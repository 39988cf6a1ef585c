package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/mytapcard/api/internal/domain"
	"github.com/mytapcard/api/internal/payments"
	"github.com/mytapcard/api/internal/repositories"
)

var (
	// ErrPaymentInvalidInput signals the caller provided invalid payment data.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentAlreadyStarted indicates the order is already in a payment flow.
	ErrPaymentAlreadyStarted = errors.New("payment: order already in payment flow")
	// ErrPaymentNoReference indicates the order has no stored gateway reference to verify.
	ErrPaymentNoReference = errors.New("payment: order has no payment reference")
	// ErrPaymentInvalidStatus indicates a payment status outside the allowed set.
	ErrPaymentInvalidStatus = errors.New("payment: invalid payment status")
	// ErrPaymentGateway wraps failures talking to the payment gateway.
	ErrPaymentGateway = errors.New("payment: gateway error")

	// errWebhookUnmappable marks webhook deliveries that cannot be routed to an
	// order. They are acknowledged, never retried.
	errWebhookUnmappable = errors.New("payment: webhook not mappable to an order")
)

var paymentStatuses = []domain.PaymentStatus{
	domain.PaymentStatusUnpaid,
	domain.PaymentStatusPending,
	domain.PaymentStatusPaid,
	domain.PaymentStatusFailed,
	domain.PaymentStatusRefunded,
}

// PaymentGateway is the slice of the payments manager the reconciler needs.
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, provider string, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	LookupPayment(ctx context.Context, provider string, req payments.LookupRequest) (payments.PaymentDetails, error)
}

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders          repositories.OrderRepository
	Gateway         PaymentGateway
	DefaultProvider string
	AppBaseURL      string
	Clock           func() time.Time
	Events          OrderEventPublisher
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders          repositories.OrderRepository
	gateway         PaymentGateway
	defaultProvider string
	baseURL         string
	clock           func() time.Time
	events          OrderEventPublisher
	logger          func(context.Context, string, map[string]any)
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		orders:          deps.Orders,
		gateway:         deps.Gateway,
		defaultProvider: strings.ToLower(strings.TrimSpace(deps.DefaultProvider)),
		baseURL:         strings.TrimRight(strings.TrimSpace(deps.AppBaseURL), "/"),
		clock: func() time.Time {
			return clock().UTC()
		},
		events: deps.Events,
		logger: logger,
	}, nil
}

// normalizePaymentStatus is the single translation table from gateway status
// vocabulary to the internal tri-state. Everything unrecognized is pending.
func normalizePaymentStatus(raw string) domain.PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "COMPLETED", "SUCCESS", "PAID":
		return domain.PaymentStatusPaid
	case "FAILED", "ERROR", "CANCELLED", "EXPIRED":
		return domain.PaymentStatusFailed
	default:
		return domain.PaymentStatusPending
	}
}

func (s *paymentService) CreateSession(ctx context.Context, cmd CreatePaymentSessionCommand) (PaymentSessionResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentSessionResult{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentSessionResult{}, s.mapRepositoryError(err)
	}
	if err := authorizeOrderAccess(order, cmd.Actor); err != nil {
		return PaymentSessionResult{}, err
	}
	if order.PaymentStatus != domain.PaymentStatusUnpaid {
		return PaymentSessionResult{}, fmt.Errorf("%w: payment status is %s", ErrPaymentAlreadyStarted, order.PaymentStatus)
	}

	provider := s.resolveProvider(cmd.Provider)
	successURL := strings.TrimSpace(cmd.SuccessURL)
	if successURL == "" {
		successURL = fmt.Sprintf("%s/payments/%s/return?invoice_id={CHECKOUT_SESSION_ID}", s.baseURL, provider)
	}
	cancelURL := strings.TrimSpace(cmd.CancelURL)
	if cancelURL == "" {
		cancelURL = fmt.Sprintf("%s/orders/%s", s.baseURL, order.ID)
	}

	items := make([]payments.CheckoutLineItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, payments.CheckoutLineItem{
			Name:     item.Name,
			SKU:      item.SKU,
			Quantity: int64(item.Quantity),
			Amount:   item.UnitPrice,
			Currency: order.Currency,
		})
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, provider, payments.CheckoutSessionRequest{
		Amount:        order.Totals.Total,
		Currency:      order.Currency,
		CustomerEmail: order.UserEmail,
		SuccessURL:    successURL,
		CancelURL:     cancelURL,
		Metadata: map[string]string{
			"order_id":     order.ID,
			"order_number": order.OrderNumber,
		},
		IdempotencyKey: "checkout-" + order.ID,
		Items:          items,
	})
	if err != nil {
		return PaymentSessionResult{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	now := s.clock()
	updated, err := s.orders.UpdatePayment(ctx, order.ID, repositories.OrderPaymentUpdate{
		PaymentStatus:   domain.PaymentStatusPending,
		PaymentProvider: valuePtr(session.Provider),
		PaymentRef:      valuePtr(session.InvoiceID),
		Timeline: []TimelineEntry{{
			Timestamp: now,
			Status:    "payment_pending",
			Note:      fmt.Sprintf("Payment session created via %s", session.Provider),
		}},
		UpdatedAt: now,
	})
	if err != nil {
		return PaymentSessionResult{}, s.mapRepositoryError(err)
	}

	s.publishPaymentEvent(ctx, updated, cmd.Actor.UserID, now)

	return PaymentSessionResult{
		OrderID:    updated.ID,
		Provider:   session.Provider,
		SessionID:  session.ID,
		PaymentURL: session.RedirectURL,
		ExpiresAt:  session.ExpiresAt,
	}, nil
}

func (s *paymentService) HandleReturn(ctx context.Context, cmd PaymentReturnCommand) (PaymentOutcome, error) {
	invoiceID := strings.TrimSpace(cmd.InvoiceID)
	if invoiceID == "" {
		return PaymentOutcome{}, fmt.Errorf("%w: invoice id is required", ErrPaymentInvalidInput)
	}

	provider := s.resolveProvider(cmd.Provider)
	details, err := s.gateway.LookupPayment(ctx, provider, payments.LookupRequest{InvoiceID: invoiceID})
	if err != nil {
		return PaymentOutcome{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	order, err := s.resolveOrder(ctx, details.OrderID, invoiceID)
	if err != nil {
		return PaymentOutcome{}, err
	}

	return s.apply(ctx, order, details, "return")
}

func (s *paymentService) HandleWebhook(ctx context.Context, cmd PaymentWebhookCommand) error {
	provider := s.resolveProvider(cmd.Provider)
	event := parseWebhookPayload(cmd.Payload)

	order, err := s.resolveOrder(ctx, event.OrderID, event.InvoiceID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) || errors.Is(err, errWebhookUnmappable) {
			// Deliberate drop policy: an unroutable webhook is acknowledged so
			// the gateway stops retrying.
			s.logger(ctx, "payment.webhook.unmappable", map[string]any{
				"provider": provider,
				"invoice":  event.InvoiceID,
				"order":    event.OrderID,
				"status":   event.RawStatus,
			})
			return nil
		}
		return err
	}

	details := payments.PaymentDetails{
		Provider:  provider,
		InvoiceID: event.InvoiceID,
		RawStatus: event.RawStatus,
		OrderID:   order.ID,
	}
	if _, err := s.apply(ctx, order, details, "webhook"); err != nil {
		return err
	}
	return nil
}

func (s *paymentService) Verify(ctx context.Context, cmd VerifyPaymentCommand) (PaymentOutcome, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentOutcome{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentOutcome{}, s.mapRepositoryError(err)
	}
	if err := authorizeOrderAccess(order, cmd.Actor); err != nil {
		return PaymentOutcome{}, err
	}
	if order.PaymentRef == nil || strings.TrimSpace(*order.PaymentRef) == "" {
		return PaymentOutcome{}, ErrPaymentNoReference
	}

	provider := strings.TrimSpace(cmd.Provider)
	if provider == "" && order.PaymentProvider != nil {
		provider = *order.PaymentProvider
	}
	provider = s.resolveProvider(provider)

	details, err := s.gateway.LookupPayment(ctx, provider, payments.LookupRequest{InvoiceID: *order.PaymentRef})
	if err != nil {
		return PaymentOutcome{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	return s.apply(ctx, order, details, "verify")
}

func (s *paymentService) SetPaymentStatus(ctx context.Context, cmd SetPaymentStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	if !isPaymentStatus(cmd.Status) {
		return Order{}, fmt.Errorf("%w: %q is not one of %s", ErrPaymentInvalidStatus, cmd.Status, allowedPaymentValues())
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	now := s.clock()
	note := strings.TrimSpace(cmd.Note)
	if note == "" {
		note = fmt.Sprintf("Payment status set to %s", cmd.Status)
	}

	updated, err := s.orders.UpdatePayment(ctx, order.ID, repositories.OrderPaymentUpdate{
		PaymentStatus:   cmd.Status,
		PaymentProvider: order.PaymentProvider,
		PaymentRef:      order.PaymentRef,
		Timeline: []TimelineEntry{{
			Timestamp: now,
			Status:    "payment_" + string(cmd.Status),
			Note:      note,
			ByAdmin:   strings.TrimSpace(cmd.AdminEmail),
		}},
		UpdatedAt: now,
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishPaymentEvent(ctx, updated, cmd.AdminEmail, now)
	return updated, nil
}

// apply writes one normalized gateway status onto the order. Re-applying the
// same status leaves the stored state unchanged and appends another timeline
// entry, which the audit trail tolerates.
func (s *paymentService) apply(ctx context.Context, order Order, details payments.PaymentDetails, source string) (PaymentOutcome, error) {
	normalized := normalizePaymentStatus(details.RawStatus)
	now := s.clock()

	provider := order.PaymentProvider
	if trimmed := strings.TrimSpace(details.Provider); trimmed != "" {
		provider = valuePtr(trimmed)
	}
	ref := order.PaymentRef
	if trimmed := strings.TrimSpace(details.InvoiceID); trimmed != "" {
		ref = valuePtr(trimmed)
	}

	updated, err := s.orders.UpdatePayment(ctx, order.ID, repositories.OrderPaymentUpdate{
		PaymentStatus:   normalized,
		PaymentProvider: provider,
		PaymentRef:      ref,
		Timeline: []TimelineEntry{{
			Timestamp: now,
			Status:    "payment_" + string(normalized),
			Note:      fmt.Sprintf("Gateway reported %q via %s", strings.TrimSpace(details.RawStatus), source),
		}},
		UpdatedAt: now,
	})
	if err != nil {
		return PaymentOutcome{}, s.mapRepositoryError(err)
	}

	s.publishPaymentEvent(ctx, updated, "", now)

	outcome := PaymentOutcome{
		OrderID:       updated.ID,
		OrderNumber:   updated.OrderNumber,
		PaymentStatus: updated.PaymentStatus,
		RawStatus:     details.RawStatus,
	}
	if updated.PaymentProvider != nil {
		outcome.Provider = *updated.PaymentProvider
	}
	if updated.PaymentRef != nil {
		outcome.PaymentRef = *updated.PaymentRef
	}
	return outcome, nil
}

// resolveOrder locates the order a gateway callback refers to, preferring the
// embedded order id over the payment reference.
func (s *paymentService) resolveOrder(ctx context.Context, orderID, invoiceID string) (Order, error) {
	if id := strings.TrimSpace(orderID); id != "" {
		order, err := s.orders.FindByID(ctx, id)
		if err == nil {
			return order, nil
		}
		if !isNotFound(err) {
			return Order{}, s.mapRepositoryError(err)
		}
	}
	if ref := strings.TrimSpace(invoiceID); ref != "" {
		order, err := s.orders.FindByPaymentRef(ctx, ref)
		if err == nil {
			return order, nil
		}
		if !isNotFound(err) {
			return Order{}, s.mapRepositoryError(err)
		}
		return Order{}, fmt.Errorf("%w: invoice %s", ErrOrderNotFound, ref)
	}
	return Order{}, errWebhookUnmappable
}

func (s *paymentService) resolveProvider(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return s.defaultProvider
	}
	return provider
}

func (s *paymentService) publishPaymentEvent(ctx context.Context, order Order, actorID string, now time.Time) {
	if s.events == nil {
		return
	}
	event := OrderEvent{
		Type:              orderEventPaymentUpdated,
		OrderID:           order.ID,
		OrderNumber:       order.OrderNumber,
		UserID:            order.UserID,
		PaymentStatus:     string(order.PaymentStatus),
		FulfillmentStatus: string(order.FulfillmentStatus),
		ActorID:           actorID,
		OccurredAt:        now,
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

func (s *paymentService) mapRepositoryError(err error) error {
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
			return fmt.Errorf("payment: repository unavailable: %w", err)
		}
	}
	return err
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isPaymentStatus(status domain.PaymentStatus) bool {
	for _, allowed := range paymentStatuses {
		if status == allowed {
			return true
		}
	}
	return false
}

func allowedPaymentValues() string {
	values := make([]string, len(paymentStatuses))
	for i, status := range paymentStatuses {
		values[i] = string(status)
	}
	return strings.Join(values, "|")
}

// webhookEvent is the provider-agnostic shape extracted from a webhook body.
type webhookEvent struct {
	InvoiceID string
	OrderID   string
	RawStatus string
}

// parseWebhookPayload digs the invoice id, status, and embedded order id out
// of a loosely-typed gateway payload. Providers disagree on field names and
// casing, and metadata sometimes arrives as a JSON-encoded string.
func parseWebhookPayload(payload []byte) webhookEvent {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return webhookEvent{}
	}

	// Some gateways nest the payment object under data/object.
	candidates := []map[string]any{body}
	if data, ok := childObject(body, "data"); ok {
		candidates = append(candidates, data)
		if object, ok := childObject(data, "object"); ok {
			candidates = append(candidates, object)
		}
	}
	if object, ok := childObject(body, "object"); ok {
		candidates = append(candidates, object)
	}

	var event webhookEvent
	for _, m := range candidates {
		if event.InvoiceID == "" {
			event.InvoiceID = firstString(m, "invoice_id", "invoiceId", "session_id", "sessionId", "id")
		}
		if event.RawStatus == "" {
			event.RawStatus = firstString(m, "status", "payment_status", "paymentStatus", "state")
		}
		if event.OrderID == "" {
			event.OrderID = orderIDFromMetadata(m["metadata"])
			if event.OrderID == "" {
				event.OrderID = firstString(m, "order_id", "orderId")
			}
		}
	}
	return event
}

func childObject(m map[string]any, key string) (map[string]any, bool) {
	child, ok := m[key].(map[string]any)
	return child, ok
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := m[key].(string); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

// orderIDFromMetadata accepts metadata as an object or as a JSON-encoded
// string and pulls out the embedded order id.
func orderIDFromMetadata(raw any) string {
	switch meta := raw.(type) {
	case map[string]any:
		return firstString(meta, "order_id", "orderId")
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(meta), &parsed); err != nil {
			return ""
		}
		return firstString(parsed, "order_id", "orderId")
	default:
		return ""
	}
}
