package handlers

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mytapcard/api/internal/platform/httpx"
	"github.com/mytapcard/api/internal/services"
)

const (
	webhookSecretHeader = "X-Webhook-Secret"
	maxWebhookBodySize  = 256 * 1024
)

// WebhookHandlers receives gateway callbacks. Deliveries are acknowledged with
// 200 even when they cannot be processed, so gateways stop retrying; only a
// failed secret check is rejected.
type WebhookHandlers struct {
	payments services.PaymentService
	secret   string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewWebhookHandlers constructs a new WebhookHandlers instance. An empty
// secret disables the shared-secret check, which is only acceptable when an
// HMAC middleware guards the group instead.
func NewWebhookHandlers(payments services.PaymentService, secret string, logger func(ctx context.Context, event string, fields map[string]any)) *WebhookHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &WebhookHandlers{
		payments: payments,
		secret:   strings.TrimSpace(secret),
		logger:   logger,
	}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}", h.handlePaymentWebhook)
}

func (h *WebhookHandlers) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "service unavailable", http.StatusServiceUnavailable))
		return
	}

	if h.secret != "" {
		presented := strings.TrimSpace(r.Header.Get(webhookSecretHeader))
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.secret)) != 1 {
			httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "invalid webhook secret", http.StatusUnauthorized))
			return
		}
	}

	provider := strings.TrimSpace(chi.URLParam(r, "provider"))
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		h.logger(ctx, "webhook.read.failed", map[string]any{
			"provider": provider,
			"error":    err.Error(),
		})
		writeJSONResponse(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if err := h.payments.HandleWebhook(ctx, services.PaymentWebhookCommand{
		Provider: provider,
		Payload:  payload,
	}); err != nil {
		// Acknowledge anyway; the gateway retrying an already-failed write
		// does not help, and verification can reconcile later.
		h.logger(ctx, "webhook.process.failed", map[string]any{
			"provider": provider,
			"error":    err.Error(),
		})
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"ok": true})
}
