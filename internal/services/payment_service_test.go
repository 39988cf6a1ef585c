package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/mytapcard/api/internal/domain"
	"github.com/mytapcard/api/internal/payments"
)

type stubGateway struct {
	session     payments.CheckoutSession
	sessionErr  error
	sessionReqs []payments.CheckoutSessionRequest
	details     payments.PaymentDetails
	lookupErr   error
	lookups     []payments.LookupRequest
	providers   []string
}

func (s *stubGateway) CreateCheckoutSession(ctx context.Context, provider string, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	s.providers = append(s.providers, provider)
	s.sessionReqs = append(s.sessionReqs, req)
	return s.session, s.sessionErr
}

func (s *stubGateway) LookupPayment(ctx context.Context, provider string, req payments.LookupRequest) (payments.PaymentDetails, error) {
	s.providers = append(s.providers, provider)
	s.lookups = append(s.lookups, req)
	return s.details, s.lookupErr
}

func newTestPaymentService(t *testing.T, deps PaymentServiceDeps) PaymentService {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	}
	if deps.DefaultProvider == "" {
		deps.DefaultProvider = "stripe"
	}
	if deps.AppBaseURL == "" {
		deps.AppBaseURL = "https://app.mytapcard.com/"
	}
	svc, err := NewPaymentService(deps)
	if err != nil {
		t.Fatalf("new payment service: %v", err)
	}
	return svc
}

func TestNormalizePaymentStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want domain.PaymentStatus
	}{
		{"COMPLETED", domain.PaymentStatusPaid},
		{"success", domain.PaymentStatusPaid},
		{" Paid ", domain.PaymentStatusPaid},
		{"FAILED", domain.PaymentStatusFailed},
		{"error", domain.PaymentStatusFailed},
		{"cancelled", domain.PaymentStatusFailed},
		{"expired", domain.PaymentStatusFailed},
		{"open", domain.PaymentStatusPending},
		{"processing", domain.PaymentStatusPending},
		{"", domain.PaymentStatusPending},
		{"something-new", domain.PaymentStatusPending},
	}
	for _, tc := range cases {
		if got := normalizePaymentStatus(tc.raw); got != tc.want {
			t.Fatalf("normalize %q: expected %s, got %s", tc.raw, tc.want, got)
		}
	}
}

func TestCreateSessionRequiresUnpaidOrder(t *testing.T) {
	orders := &stubOrderRepository{orders: map[string]domain.Order{
		"ord_1": {ID: "ord_1", UserID: "user-1", PaymentStatus: domain.PaymentStatusPending},
	}}
	svc := newTestPaymentService(t, PaymentServiceDeps{Orders: orders, Gateway: &stubGateway{}})

	_, err := svc.CreateSession(context.Background(), CreatePaymentSessionCommand{
		OrderID: "ord_1",
		Actor:   Actor{UserID: "user-1"},
	})
	if !errors.Is(err, ErrPaymentAlreadyStarted) {
		t.Fatalf("expected already-started, got %v", err)
	}
}

func TestCreateSessionMovesOrderToPending(t *testing.T) {
	orders := &stubOrderRepository{orders: map[string]domain.Order{
		"ord_1": {
			ID:            "ord_1",
			OrderNumber:   "MTC-2026-000042",
			UserID:        "user-1",
			UserEmail:     "buyer@example.com",
			Currency:      "USD",
			PaymentStatus: domain.PaymentStatusUnpaid,
			Items: []domain.OrderLineItem{
				{ProductID: "prd_basic", SKU: "CARD-BASIC", Name: "Tap Card Basic", UnitPrice: 500, Quantity: 2, Total: 1000},
			},
			Totals: domain.OrderTotals{Subtotal: 1000, Total: 1000},
		},
	}}
	gateway := &stubGateway{session: payments.CheckoutSession{
		ID:          "cs_123",
		Provider:    "stripe",
		RedirectURL: "https://checkout.stripe.example/cs_123",
		InvoiceID:   "cs_123",
	}}
	events := &stubEventPublisher{}
	svc := newTestPaymentService(t, PaymentServiceDeps{Orders: orders, Gateway: gateway, Events: events})

	result, err := svc.CreateSession(context.Background(), CreatePaymentSessionCommand{
		OrderID: "ord_1",
		Actor:   Actor{UserID: "user-1"},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if result.PaymentURL != "https://checkout.stripe.example/cs_123" {
		t.Fatalf("unexpected payment url %q", result.PaymentURL)
	}
	if result.Provider != "stripe" || result.SessionID != "cs_123" {
		t.Fatalf("unexpected result: %+v", result)
	}

	req := gateway.sessionReqs[0]
	if req.Amount != 1000 || req.Currency != "USD" || req.CustomerEmail != "buyer@example.com" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Metadata["order_id"] != "ord_1" || req.Metadata["order_number"] != "MTC-2026-000042" {
		t.Fatalf("expected order metadata, got %v", req.Metadata)
	}
	if req.IdempotencyKey != "checkout-ord_1" {
		t.Fatalf("unexpected idempotency key %q", req.IdempotencyKey)
	}
	if !strings.HasPrefix(req.SuccessURL, "https://app.mytapcard.com/payments/stripe/return") {
		t.Fatalf("unexpected success url %q", req.SuccessURL)
	}
	if len(req.Items) != 1 || req.Items[0].Quantity != 2 || req.Items[0].Amount != 500 {
		t.Fatalf("unexpected line items: %+v", req.Items)
	}

	stored := orders.orders["ord_1"]
	if stored.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected pending, got %s", stored.PaymentStatus)
	}
	if stored.PaymentRef == nil || *stored.PaymentRef != "cs_123" {
		t.Fatalf("expected payment ref stored, got %v", stored.PaymentRef)
	}
	if len(stored.Timeline) != 1 || stored.Timeline[0].Status != "payment_pending" {
		t.Fatalf("unexpected timeline: %+v", stored.Timeline)
	}
	if len(events.events) != 1 || events.events[0].Type != "order.payment_updated" {
		t.Fatalf("expected payment event, got %+v", events.events)
	}
}

func TestWebhookMarksOrderPaid(t *testing.T) {
	orders := &stubOrderRepository{orders: map[string]domain.Order{
		"ord_1": {
			ID:              "ord_1",
			UserID:          "user-1",
			PaymentStatus:   domain.PaymentStatusPending,
			PaymentProvider: valuePtr("stripe"),
			PaymentRef:      valuePtr("cs_123"),
		},
	}}
	svc := newTestPaymentService(t, PaymentServiceDeps{Orders: orders, Gateway: &stubGateway{}})

	payload := []byte(`{"data":{"object":{"id":"cs_123","payment_status":"COMPLETED","metadata":"{\"order_id\":\"ord_1\"}"}}}`)
	if err := svc.HandleWebhook(context.Background(), PaymentWebhookCommand{Provider: "stripe", Payload: payload}); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	stored := orders.orders["ord_1"]
	if stored.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid, got %s", stored.PaymentStatus)
	}
	if len(stored.Timeline) != 1 || stored.Timeline[0].Status != "payment_paid" {
		t.Fatalf("unexpected timeline: %+v", stored.Timeline)
	}

	// A redelivery reapplies the same status and records another entry.
	if err := svc.HandleWebhook(context.Background(), PaymentWebhookCommand{Provider: "stripe", Payload: payload}); err != nil {
		t.Fatalf("redelivered webhook: %v", err)
	}
	stored = orders.orders["ord_1"]
	if stored.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid after redelivery, got %s", stored.PaymentStatus)
	}
	if len(stored.Timeline) != 2 {
		t.Fatalf("expected two timeline entries, got %d", len(stored.Timeline))
	}
}

func TestWebhookFallsBackToPaymentRef(t *testing.T) {
	orders := &stubOrderRepository{orders: map[string]domain.Order{
		"ord_1": {ID: "ord_1", PaymentStatus: domain.PaymentStatusPending, PaymentRef: valuePtr("cs_777")},
	}}
	svc := newTestPaymentService(t, PaymentServiceDeps{Orders: orders, Gateway: &stubGateway{}})

	payload := []byte(`{"session_id":"cs_777","status":"FAILED"}`)
	if err := svc.HandleWebhook(context.Background(), PaymentWebhookCommand{Payload: payload}); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if got := orders.orders["ord_1"].PaymentStatus; got != domain.PaymentStatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestWebhookUnroutableIsAcknowledged(t *testing.T) {
	orders := &stubOrderRepository{orders: map[string]domain.Order{}}
	var logged []string
	svc := newTestPaymentService(t, PaymentServiceDeps{
		Orders:  orders,
		Gateway: &stubGateway{},
		Logger: func(ctx context.Context, event string, fields map[string]any) {
			logged = append(logged, event)
		},
	})

	payloads := [][]byte{
		[]byte(`not json at all`),
		[]byte(`{"type":"ping"}`),
		[]byte(`{"id":"cs_unknown","status":"COMPLETED"}`),
	}
	for i, payload := range payloads {
		if err := svc.HandleWebhook(context.Background(), PaymentWebhookCommand{Payload: payload}); err != nil {
			t.Fatalf("payload %d: expected silent ack, got %v", i, err)
		}
	}
	if len(logged) != len(payloads) {
		t.Fatalf("expected %d unmappable logs, got %d", len(payloads), len(logged))
	}
	for _, event := range logged {
		if event != "payment.webhook.unmappable" {
			t.Fatalf("unexpected log event %q", event)
		}
	}
}

func TestVerifyRequiresStoredReference(t *testing.T) {
	orders := &stubOrderRepository{orders: map[string]domain.Order{
		"ord_1": {ID: "ord_1", UserID: "user-1", PaymentStatus: domain.PaymentStatusUnpaid},
	}}
	svc := newTestPaymentService(t, PaymentServiceDeps{Orders: orders, Gateway: &stubGateway{}})

	_, err := svc.Verify(context.Background(), VerifyPaymentCommand{
		OrderID: "ord_1",
		Actor:   Actor{UserID: "user-1"},
	})
	if !errors.Is(err, ErrPaymentNoReference) {
		t.Fatalf("expected no-reference error, got %v", err)
	}
}

func TestVerifyAppliesGatewayTruth(t *testing.T) {
	orders := &stubOrderRepository{orders: map[string]domain.Order{
		"ord_1": {
			ID:              "ord_1",
			UserID:          "user-1",
			PaymentStatus:   domain.PaymentStatusPending,
			PaymentProvider: valuePtr("stripe"),
			PaymentRef:      valuePtr("cs_123"),
		},
	}}
	gateway := &stubGateway{details: payments.PaymentDetails{
		Provider:  "stripe",
		InvoiceID: "cs_123",
		RawStatus: "paid",
		OrderID:   "ord_1",
	}}
	svc := newTestPaymentService(t, PaymentServiceDeps{Orders: orders, Gateway: gateway})

	outcome, err := svc.Verify(context.Background(), VerifyPaymentCommand{
		OrderID: "ord_1",
		Actor:   Actor{UserID: "user-1"},
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if outcome.PaymentStatus != domain.PaymentStatusPaid || outcome.RawStatus != "paid" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(gateway.lookups) != 1 || gateway.lookups[0].InvoiceID != "cs_123" {
		t.Fatalf("expected lookup by stored ref, got %+v", gateway.lookups)
	}

	if _, err := svc.Verify(context.Background(), VerifyPaymentCommand{
		OrderID: "ord_1",
		Actor:   Actor{UserID: "user-2"},
	}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden for stranger, got %v", err)
	}
}

func TestHandleReturnResolvesByInvoice(t *testing.T) {
	orders := &stubOrderRepository{orders: map[string]domain.Order{
		"ord_1": {ID: "ord_1", PaymentStatus: domain.PaymentStatusPending, PaymentRef: valuePtr("cs_123")},
	}}
	gateway := &stubGateway{details: payments.PaymentDetails{
		Provider:  "stripe",
		InvoiceID: "cs_123",
		RawStatus: "expired",
	}}
	svc := newTestPaymentService(t, PaymentServiceDeps{Orders: orders, Gateway: gateway})

	outcome, err := svc.HandleReturn(context.Background(), PaymentReturnCommand{InvoiceID: "cs_123"})
	if err != nil {
		t.Fatalf("handle return: %v", err)
	}
	if outcome.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("expected failed for expired session, got %s", outcome.PaymentStatus)
	}
	// Default provider fills in when the route omits one.
	if gateway.providers[0] != "stripe" {
		t.Fatalf("expected default provider, got %q", gateway.providers[0])
	}
}

func TestSetPaymentStatusValidatesEnum(t *testing.T) {
	orders := &stubOrderRepository{orders: map[string]domain.Order{
		"ord_1": {ID: "ord_1", PaymentStatus: domain.PaymentStatusPaid},
	}}
	svc := newTestPaymentService(t, PaymentServiceDeps{Orders: orders, Gateway: &stubGateway{}})

	if _, err := svc.SetPaymentStatus(context.Background(), SetPaymentStatusCommand{
		OrderID: "ord_1",
		Status:  domain.PaymentStatus("charged"),
	}); !errors.Is(err, ErrPaymentInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}

	order, err := svc.SetPaymentStatus(context.Background(), SetPaymentStatusCommand{
		OrderID:    "ord_1",
		Status:     domain.PaymentStatusRefunded,
		AdminEmail: "ops@mytapcard.com",
	})
	if err != nil {
		t.Fatalf("set payment status: %v", err)
	}
	if order.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded, got %s", order.PaymentStatus)
	}
	entry := order.Timeline[len(order.Timeline)-1]
	if entry.Status != "payment_refunded" || entry.ByAdmin != "ops@mytapcard.com" {
		t.Fatalf("unexpected timeline entry: %+v", entry)
	}
}

func TestParseWebhookPayloadShapes(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    webhookEvent
	}{
		{
			"flat",
			`{"invoice_id":"inv_1","status":"PAID","order_id":"ord_1"}`,
			webhookEvent{InvoiceID: "inv_1", RawStatus: "PAID", OrderID: "ord_1"},
		},
		{
			"nested data object",
			`{"data":{"object":{"id":"cs_1","payment_status":"open","metadata":{"order_id":"ord_2"}}}}`,
			webhookEvent{InvoiceID: "cs_1", RawStatus: "open", OrderID: "ord_2"},
		},
		{
			"metadata as json string",
			`{"sessionId":"cs_2","state":"FAILED","metadata":"{\"orderId\":\"ord_3\"}"}`,
			webhookEvent{InvoiceID: "cs_2", RawStatus: "FAILED", OrderID: "ord_3"},
		},
		{
			"garbage",
			`[1,2,3]`,
			webhookEvent{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseWebhookPayload([]byte(tc.payload)); got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

var _ PaymentGateway = (*stubGateway)(nil)
