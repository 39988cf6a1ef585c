package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/mytapcard/api/internal/services"
)

func newWebhookTestMux(svc services.PaymentService, secret string) http.Handler {
	r := chi.NewRouter()
	NewWebhookHandlers(svc, secret, nil).Routes(r)
	return r
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	svc := &stubPaymentService{}
	mux := newWebhookTestMux(svc, "topsecret")

	req := httptest.NewRequest(http.MethodPost, "/payments/stripe", strings.NewReader(`{}`))
	req.Header.Set(webhookSecretHeader, "wrong")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if svc.webhookCmd != nil {
		t.Fatalf("webhook must not reach the service on bad secret")
	}
}

func TestWebhookForwardsPayload(t *testing.T) {
	svc := &stubPaymentService{}
	mux := newWebhookTestMux(svc, "topsecret")

	payload := `{"id":"cs_123","status":"COMPLETED"}`
	req := httptest.NewRequest(http.MethodPost, "/payments/stripe", strings.NewReader(payload))
	req.Header.Set(webhookSecretHeader, "topsecret")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("expected ack body, got %s", rec.Body.String())
	}
	if svc.webhookCmd == nil || svc.webhookCmd.Provider != "stripe" {
		t.Fatalf("webhook command not forwarded: %+v", svc.webhookCmd)
	}
	if string(svc.webhookCmd.Payload) != payload {
		t.Fatalf("payload not forwarded verbatim: %s", svc.webhookCmd.Payload)
	}
}

func TestWebhookAcknowledgesProcessingFailures(t *testing.T) {
	svc := &stubPaymentService{webhookErr: services.ErrOrderConflict}
	mux := newWebhookTestMux(svc, "")

	req := httptest.NewRequest(http.MethodPost, "/payments/stripe", strings.NewReader(`{"id":"cs_1"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 despite processing failure, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("expected ack body, got %s", rec.Body.String())
	}
}
