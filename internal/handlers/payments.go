package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mytapcard/api/internal/platform/auth"
	"github.com/mytapcard/api/internal/platform/httpx"
	"github.com/mytapcard/api/internal/services"
)

const maxPaymentBodySize = 16 * 1024

type createSessionRequest struct {
	OrderID    string `json:"order_id"`
	Provider   string `json:"provider"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

type createSessionResponse struct {
	OrderID    string `json:"order_id"`
	Provider   string `json:"provider"`
	SessionID  string `json:"session_id"`
	PaymentURL string `json:"payment_url"`
	ExpiresAt  string `json:"expires_at,omitempty"`
}

type verifyPaymentRequest struct {
	OrderID  string `json:"order_id"`
	Provider string `json:"provider"`
}

type paymentOutcomeResponse struct {
	OrderID       string `json:"order_id"`
	OrderNumber   string `json:"order_number"`
	Provider      string `json:"provider"`
	PaymentStatus string `json:"payment_status"`
	PaymentRef    string `json:"payment_ref,omitempty"`
	RawStatus     string `json:"raw_status,omitempty"`
}

// PaymentHandlers exposes checkout session creation, the browser return leg,
// and on-demand verification.
type PaymentHandlers struct {
	authn      *auth.Authenticator
	payments   services.PaymentService
	appBaseURL string
}

// NewPaymentHandlers constructs a new PaymentHandlers instance. appBaseURL is
// where the return endpoint redirects the browser after annotating the result.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentService, appBaseURL string) *PaymentHandlers {
	return &PaymentHandlers{
		authn:      authn,
		payments:   payments,
		appBaseURL: strings.TrimRight(strings.TrimSpace(appBaseURL), "/"),
	}
}

// Routes registers the /payments endpoints. The return leg stays public: the
// gateway redirects the user's bare browser there without a bearer token.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{provider}/return", h.handleReturn)

	r.Group(func(authed chi.Router) {
		if h.authn != nil {
			authed.Use(h.authn.RequireFirebaseAuth())
		}
		authed.Post("/sessions", h.createSession)
		authed.Post("/{provider}/verify", h.verifyPayment)
	})
}

func (h *PaymentHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.payments != nil)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxPaymentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req createSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	result, err := h.payments.CreateSession(ctx, services.CreatePaymentSessionCommand{
		OrderID:    strings.TrimSpace(req.OrderID),
		Provider:   strings.TrimSpace(req.Provider),
		Actor:      actorFromIdentity(identity),
		SuccessURL: strings.TrimSpace(req.SuccessURL),
		CancelURL:  strings.TrimSpace(req.CancelURL),
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, createSessionResponse{
		OrderID:    result.OrderID,
		Provider:   result.Provider,
		SessionID:  result.SessionID,
		PaymentURL: result.PaymentURL,
		ExpiresAt:  formatTime(result.ExpiresAt),
	})
}

func (h *PaymentHandlers) handleReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "service unavailable", http.StatusServiceUnavailable))
		return
	}

	provider := strings.TrimSpace(chi.URLParam(r, "provider"))
	invoiceID := strings.TrimSpace(r.URL.Query().Get("invoice_id"))
	if invoiceID == "" {
		invoiceID = strings.TrimSpace(r.URL.Query().Get("session_id"))
	}
	if invoiceID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invoice_id is required", http.StatusBadRequest))
		return
	}

	outcome, err := h.payments.HandleReturn(ctx, services.PaymentReturnCommand{
		Provider:  provider,
		InvoiceID: invoiceID,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	if h.appBaseURL == "" {
		writeJSONResponse(w, http.StatusOK, buildOutcomePayload(outcome))
		return
	}

	redirect := fmt.Sprintf("%s/orders/%s?payment=%s",
		h.appBaseURL,
		url.PathEscape(outcome.OrderID),
		url.QueryEscape(string(outcome.PaymentStatus)),
	)
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (h *PaymentHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.payments != nil)
	if !ok {
		return
	}

	provider := strings.TrimSpace(chi.URLParam(r, "provider"))

	body, err := readLimitedBody(r, maxPaymentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req verifyPaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.Provider) != "" {
		provider = strings.TrimSpace(req.Provider)
	}

	outcome, err := h.payments.Verify(ctx, services.VerifyPaymentCommand{
		OrderID:  strings.TrimSpace(req.OrderID),
		Provider: provider,
		Actor:    actorFromIdentity(identity),
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOutcomePayload(outcome))
}

func buildOutcomePayload(outcome services.PaymentOutcome) paymentOutcomeResponse {
	return paymentOutcomeResponse{
		OrderID:       outcome.OrderID,
		OrderNumber:   outcome.OrderNumber,
		Provider:      outcome.Provider,
		PaymentStatus: string(outcome.PaymentStatus),
		PaymentRef:    outcome.PaymentRef,
		RawStatus:     outcome.RawStatus,
	}
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentAlreadyStarted):
		httpx.WriteError(ctx, w, httpx.NewError("payment_already_started", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentNoReference):
		httpx.WriteError(ctx, w, httpx.NewError("payment_no_reference", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentInvalidStatus):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentGateway):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_error", "payment gateway unavailable", http.StatusBadGateway))
	case errors.Is(err, services.ErrOrderForbidden), errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("payment_error", "failed to process payment request", http.StatusInternalServerError))
	}
}
