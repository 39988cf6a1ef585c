package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mytapcard/api/internal/platform/auth"
	"github.com/mytapcard/api/internal/platform/httpx"
	"github.com/mytapcard/api/internal/services"
)

const (
	defaultProductPageSize   = 50
	maxProductPageSize       = 200
	maxCouponBodySize        = 4 * 1024
	couponValidateRateLimit  = 20
	couponValidateRateWindow = time.Minute
)

type validateCouponRequest struct {
	Code     string `json:"code"`
	Subtotal int64  `json:"subtotal"`
}

type validateCouponResponse struct {
	Valid    bool   `json:"valid"`
	Code     string `json:"code,omitempty"`
	Type     string `json:"type,omitempty"`
	Value    int64  `json:"value,omitempty"`
	Discount int64  `json:"discount,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type productListResponse struct {
	Items         []productPayload `json:"items"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

type productPayload struct {
	ID          string `json:"id"`
	SKU         string `json:"sku"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       int64  `json:"price"`
	Currency    string `json:"currency"`
	ImageURL    string `json:"image_url,omitempty"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// PublicHandlers serves the storefront endpoints. Product browsing is open;
// coupon validation requires a session.
type PublicHandlers struct {
	authn   *auth.Authenticator
	coupons services.CouponService
	catalog services.CatalogService
	limiter rateLimiter
}

// PublicOption customises PublicHandlers construction.
type PublicOption func(*PublicHandlers)

// WithCouponRateLimit overrides the per-IP coupon validation limit per
// minute. Non-positive values keep the default.
func WithCouponRateLimit(perMinute int) PublicOption {
	return func(h *PublicHandlers) {
		if perMinute > 0 {
			h.limiter = newFixedWindowLimiter(perMinute, couponValidateRateWindow, nil)
		}
	}
}

func NewPublicHandlers(authn *auth.Authenticator, coupons services.CouponService, catalog services.CatalogService, opts ...PublicOption) *PublicHandlers {
	h := &PublicHandlers{
		authn:   authn,
		coupons: coupons,
		catalog: catalog,
		limiter: newFixedWindowLimiter(couponValidateRateLimit, couponValidateRateWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /public endpoints.
func (h *PublicHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/products", h.listProducts)
	r.Get("/products/{productID}", h.getProduct)

	validate := r.With()
	if h.authn != nil {
		validate = r.With(h.authn.RequireFirebaseAuth())
	}
	validate.Post("/coupons:validate", h.validateCoupon)
}

func (h *PublicHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "catalog unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	pageSize, err := parsePageSize(query.Get("page_size"), defaultProductPageSize, maxProductPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.catalog.ListProducts(ctx, services.ProductListFilter{
		ActiveOnly: true,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	items := make([]productPayload, 0, len(page.Items))
	for _, product := range page.Items {
		items = append(items, buildProductPayload(product))
	}
	writeJSONResponse(w, http.StatusOK, productListResponse{
		Items:         items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *PublicHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "catalog unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	product, err := h.catalog.GetProduct(ctx, productID)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	if !product.Active {
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, buildProductPayload(product))
}

// validateCoupon is a dry run: it evaluates the coupon against a hypothetical
// subtotal without consuming a use. Rejections return 200 with valid=false so
// storefront clients can show the reason inline.
func (h *PublicHandlers) validateCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(clientKey(r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many validation attempts", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxCouponBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req validateCouponRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	evaluation, err := h.coupons.Evaluate(ctx, req.Code, req.Subtotal)
	if err != nil {
		if reason, ok := couponRejectionReason(err); ok {
			writeJSONResponse(w, http.StatusOK, validateCouponResponse{Valid: false, Reason: reason})
			return
		}
		if errors.Is(err, services.ErrCouponInvalidInput) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("coupon_error", "failed to validate coupon", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, validateCouponResponse{
		Valid:    true,
		Code:     evaluation.Code,
		Type:     string(evaluation.Type),
		Value:    evaluation.Value,
		Discount: evaluation.Discount,
	})
}

func couponRejectionReason(err error) (string, bool) {
	switch {
	case errors.Is(err, services.ErrCouponCodeRequired):
		return "code_required", true
	case errors.Is(err, services.ErrCouponNotFound):
		return "not_found", true
	case errors.Is(err, services.ErrCouponInactive):
		return "inactive", true
	case errors.Is(err, services.ErrCouponExpired):
		return "expired", true
	case errors.Is(err, services.ErrCouponExhausted):
		return "usage_limit_reached", true
	case errors.Is(err, services.ErrCouponMinOrder):
		return "below_minimum_order", true
	default:
		return "", false
	}
}

func clientKey(r *http.Request) string {
	if r == nil {
		return ""
	}
	host := strings.TrimSpace(r.RemoteAddr)
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func buildProductPayload(product services.Product) productPayload {
	return productPayload{
		ID:          product.ID,
		SKU:         product.SKU,
		Name:        product.Name,
		Description: product.Description,
		Price:       product.Price,
		Currency:    product.Currency,
		ImageURL:    product.ImageURL,
		Active:      product.Active,
		CreatedAt:   formatTime(product.CreatedAt),
		UpdatedAt:   formatTime(product.UpdatedAt),
	}
}

func writeCatalogError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrProductInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrProductConflict):
		httpx.WriteError(ctx, w, httpx.NewError("product_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("catalog_error", "failed to process catalog request", http.StatusInternalServerError))
	}
}
