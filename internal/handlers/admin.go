package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/mytapcard/api/internal/domain"
	"github.com/mytapcard/api/internal/platform/auth"
	"github.com/mytapcard/api/internal/platform/httpx"
	"github.com/mytapcard/api/internal/services"
)

const maxAdminBodySize = 64 * 1024

type upsertCouponRequest struct {
	Code          string  `json:"code"`
	Type          string  `json:"type"`
	Value         int64   `json:"value"`
	MinOrderValue int64   `json:"min_order_value"`
	MaxDiscount   int64   `json:"max_discount"`
	MaxUses       int     `json:"max_uses"`
	Active        bool    `json:"active"`
	ExpiresAt     *string `json:"expires_at"`
}

type couponPayload struct {
	ID            string `json:"id"`
	Code          string `json:"code"`
	Type          string `json:"type"`
	Value         int64  `json:"value"`
	MinOrderValue int64  `json:"min_order_value"`
	MaxDiscount   int64  `json:"max_discount"`
	MaxUses       int    `json:"max_uses"`
	UsedCount     int    `json:"used_count"`
	Active        bool   `json:"active"`
	ExpiresAt     string `json:"expires_at,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

type couponListResponse struct {
	Items         []couponPayload `json:"items"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

type upsertProductRequest struct {
	SKU         string `json:"sku"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
	Currency    string `json:"currency"`
	ImageURL    string `json:"image_url"`
	Active      bool   `json:"active"`
}

type updateFulfillmentRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

type setPaymentStatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

// AdminHandlers exposes the back-office order, coupon, and catalog endpoints.
type AdminHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	payments services.PaymentService
	coupons  services.CouponService
	catalog  services.CatalogService
}

// NewAdminHandlers constructs a new AdminHandlers instance.
func NewAdminHandlers(authn *auth.Authenticator, orders services.OrderService, payments services.PaymentService, coupons services.CouponService, catalog services.CatalogService) *AdminHandlers {
	return &AdminHandlers{
		authn:    authn,
		orders:   orders,
		payments: payments,
		coupons:  coupons,
		catalog:  catalog,
	}
}

// Routes registers the /admin endpoints behind the staff/admin role
// requirement.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin, auth.RoleStaff))
	}

	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}:fulfillment", h.updateFulfillment)
	r.Post("/orders/{orderID}:payment-status", h.setPaymentStatus)

	r.Get("/coupons", h.listCoupons)
	r.Post("/coupons", h.createCoupon)
	r.Get("/coupons/{couponID}", h.getCoupon)
	r.Put("/coupons/{couponID}", h.updateCoupon)
	r.Delete("/coupons/{couponID}", h.deleteCoupon)

	r.Get("/products", h.listProducts)
	r.Post("/products", h.createProduct)
	r.Get("/products/{productID}", h.getProduct)
	r.Put("/products/{productID}", h.updateProduct)
	r.Delete("/products/{productID}", h.deleteProduct)
}

// Orders ---------------------------------------------------------------------

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(ctx, w, h.orders != nil); !ok {
		return
	}

	query := r.URL.Query()
	pageSize, err := parsePageSize(query.Get("page_size"), defaultOrderPageSize, maxOrderPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.OrderListFilter{
		UserID: strings.TrimSpace(query.Get("user_id")),
		Search: strings.TrimSpace(query.Get("search")),
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}
	for _, raw := range parseFilterValues(query["payment_status"]) {
		filter.PaymentStatus = append(filter.PaymentStatus, domain.PaymentStatus(raw))
	}
	for _, raw := range parseFilterValues(query["fulfillment_status"]) {
		filter.FulfillmentStatus = append(filter.FulfillmentStatus, domain.FulfillmentStatus(raw))
	}

	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.To = &ts
	}
	filter.DateRange = dateRange

	page, err := h.orders.AdminList(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *AdminHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.orders != nil)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.Get(ctx, orderID, actorFromIdentity(identity))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) updateFulfillment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.orders != nil)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req updateFulfillmentRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.UpdateFulfillment(ctx, services.FulfillmentUpdateCommand{
		OrderID:    orderID,
		Status:     domain.FulfillmentStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		Note:       strings.TrimSpace(req.Note),
		AdminEmail: identity.Email,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) setPaymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.payments != nil)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req setPaymentStatusRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}

	order, err := h.payments.SetPaymentStatus(ctx, services.SetPaymentStatusCommand{
		OrderID:    orderID,
		Status:     domain.PaymentStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		Note:       strings.TrimSpace(req.Note),
		AdminEmail: identity.Email,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

// Coupons --------------------------------------------------------------------

func (h *AdminHandlers) listCoupons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(ctx, w, h.coupons != nil); !ok {
		return
	}

	query := r.URL.Query()
	pageSize, err := parsePageSize(query.Get("page_size"), defaultOrderPageSize, maxOrderPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.coupons.ListCoupons(ctx, services.CouponListFilter{
		ActiveOnly: strings.EqualFold(strings.TrimSpace(query.Get("active_only")), "true"),
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	})
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}

	items := make([]couponPayload, 0, len(page.Items))
	for _, coupon := range page.Items {
		items = append(items, buildCouponPayload(coupon))
	}
	writeJSONResponse(w, http.StatusOK, couponListResponse{
		Items:         items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *AdminHandlers) createCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.coupons != nil)
	if !ok {
		return
	}

	cmd, ok := h.decodeCouponCommand(ctx, w, r, identity, "")
	if !ok {
		return
	}

	coupon, err := h.coupons.CreateCoupon(ctx, cmd)
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildCouponPayload(coupon))
}

func (h *AdminHandlers) getCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(ctx, w, h.coupons != nil); !ok {
		return
	}

	couponID := strings.TrimSpace(chi.URLParam(r, "couponID"))
	coupon, err := h.coupons.GetCoupon(ctx, couponID)
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCouponPayload(coupon))
}

func (h *AdminHandlers) updateCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.coupons != nil)
	if !ok {
		return
	}

	couponID := strings.TrimSpace(chi.URLParam(r, "couponID"))
	cmd, ok := h.decodeCouponCommand(ctx, w, r, identity, couponID)
	if !ok {
		return
	}

	coupon, err := h.coupons.UpdateCoupon(ctx, cmd)
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCouponPayload(coupon))
}

func (h *AdminHandlers) deleteCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(ctx, w, h.coupons != nil); !ok {
		return
	}

	couponID := strings.TrimSpace(chi.URLParam(r, "couponID"))
	if err := h.coupons.DeleteCoupon(ctx, couponID); err != nil {
		writeCouponError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandlers) decodeCouponCommand(ctx context.Context, w http.ResponseWriter, r *http.Request, identity *auth.Identity, couponID string) (services.UpsertCouponCommand, bool) {
	var req upsertCouponRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return services.UpsertCouponCommand{}, false
	}

	cmd := services.UpsertCouponCommand{
		CouponID:      couponID,
		Code:          strings.TrimSpace(req.Code),
		Type:          domain.CouponType(strings.ToLower(strings.TrimSpace(req.Type))),
		Value:         req.Value,
		MinOrderValue: req.MinOrderValue,
		MaxDiscount:   req.MaxDiscount,
		MaxUses:       req.MaxUses,
		Active:        req.Active,
		ActorID:       identity.UID,
	}
	if req.ExpiresAt != nil && strings.TrimSpace(*req.ExpiresAt) != "" {
		ts, err := parseTimeParam(strings.TrimSpace(*req.ExpiresAt))
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expires_at must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return services.UpsertCouponCommand{}, false
		}
		cmd.ExpiresAt = &ts
	}
	return cmd, true
}

// Products -------------------------------------------------------------------

func (h *AdminHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(ctx, w, h.catalog != nil); !ok {
		return
	}

	query := r.URL.Query()
	pageSize, err := parsePageSize(query.Get("page_size"), defaultProductPageSize, maxProductPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.catalog.ListProducts(ctx, services.ProductListFilter{
		ActiveOnly: strings.EqualFold(strings.TrimSpace(query.Get("active_only")), "true"),
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

func (h *AdminHandlers) createProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.catalog != nil)
	if !ok {
		return
	}

	var req upsertProductRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}

	product, err := h.catalog.CreateProduct(ctx, buildProductCommand(req, identity, ""))
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildProductPayload(product))
}

func (h *AdminHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(ctx, w, h.catalog != nil); !ok {
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	product, err := h.catalog.GetProduct(ctx, productID)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildProductPayload(product))
}

func (h *AdminHandlers) updateProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.catalog != nil)
	if !ok {
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	var req upsertProductRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}

	product, err := h.catalog.UpdateProduct(ctx, buildProductCommand(req, identity, productID))
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildProductPayload(product))
}

func (h *AdminHandlers) deleteProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(ctx, w, h.catalog != nil); !ok {
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if err := h.catalog.DeleteProduct(ctx, productID); err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Helpers --------------------------------------------------------------------

func decodeAdminBody(ctx context.Context, w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := readLimitedBody(r, maxAdminBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func buildProductCommand(req upsertProductRequest, identity *auth.Identity, productID string) services.UpsertProductCommand {
	return services.UpsertProductCommand{
		ProductID:   productID,
		SKU:         strings.TrimSpace(req.SKU),
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
		Price:       req.Price,
		Currency:    strings.TrimSpace(req.Currency),
		ImageURL:    strings.TrimSpace(req.ImageURL),
		Active:      req.Active,
		ActorID:     identity.UID,
	}
}

func buildCouponPayload(coupon services.Coupon) couponPayload {
	payload := couponPayload{
		ID:            coupon.ID,
		Code:          coupon.Code,
		Type:          string(coupon.Type),
		Value:         coupon.Value,
		MinOrderValue: coupon.MinOrderValue,
		MaxDiscount:   coupon.MaxDiscount,
		MaxUses:       coupon.MaxUses,
		UsedCount:     coupon.UsedCount,
		Active:        coupon.Active,
		CreatedAt:     formatTime(coupon.CreatedAt),
		UpdatedAt:     formatTime(coupon.UpdatedAt),
	}
	if coupon.ExpiresAt != nil {
		payload.ExpiresAt = formatTime(*coupon.ExpiresAt)
	}
	return payload
}

func writeCouponError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCouponCodeRequired), errors.Is(err, services.ErrCouponInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCouponNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_not_found", "coupon not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCouponConflict):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("coupon_error", "failed to process coupon request", http.StatusInternalServerError))
	}
}
