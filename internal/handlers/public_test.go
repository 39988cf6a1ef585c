package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/go-chi/chi/v5"

	domain "github.com/mytapcard/api/internal/domain"
	"github.com/mytapcard/api/internal/platform/auth"
	"github.com/mytapcard/api/internal/services"
)

type stubCouponService struct {
	evaluation services.CouponEvaluation
	err        error
	coupon     services.Coupon
	page       domain.CursorPage[services.Coupon]
	upsertCmd  *services.UpsertCouponCommand
	deletedID  string
}

func (s *stubCouponService) Evaluate(ctx context.Context, code string, subtotal int64) (services.CouponEvaluation, error) {
	return s.evaluation, s.err
}

func (s *stubCouponService) CreateCoupon(ctx context.Context, cmd services.UpsertCouponCommand) (services.Coupon, error) {
	s.upsertCmd = &cmd
	return s.coupon, s.err
}

func (s *stubCouponService) UpdateCoupon(ctx context.Context, cmd services.UpsertCouponCommand) (services.Coupon, error) {
	s.upsertCmd = &cmd
	return s.coupon, s.err
}

func (s *stubCouponService) DeleteCoupon(ctx context.Context, couponID string) error {
	s.deletedID = couponID
	return s.err
}

func (s *stubCouponService) GetCoupon(ctx context.Context, couponID string) (services.Coupon, error) {
	return s.coupon, s.err
}

func (s *stubCouponService) ListCoupons(ctx context.Context, filter services.CouponListFilter) (domain.CursorPage[services.Coupon], error) {
	return s.page, s.err
}

type stubCatalogService struct {
	product   services.Product
	page      domain.CursorPage[services.Product]
	err       error
	upsertCmd *services.UpsertProductCommand
	deletedID string
}

func (s *stubCatalogService) CreateProduct(ctx context.Context, cmd services.UpsertProductCommand) (services.Product, error) {
	s.upsertCmd = &cmd
	return s.product, s.err
}

func (s *stubCatalogService) UpdateProduct(ctx context.Context, cmd services.UpsertProductCommand) (services.Product, error) {
	s.upsertCmd = &cmd
	return s.product, s.err
}

func (s *stubCatalogService) DeleteProduct(ctx context.Context, productID string) error {
	s.deletedID = productID
	return s.err
}

func (s *stubCatalogService) GetProduct(ctx context.Context, productID string) (services.Product, error) {
	return s.product, s.err
}

func (s *stubCatalogService) ListProducts(ctx context.Context, filter services.ProductListFilter) (domain.CursorPage[services.Product], error) {
	return s.page, s.err
}

var (
	_ services.CouponService  = (*stubCouponService)(nil)
	_ services.CatalogService = (*stubCatalogService)(nil)
)

func newPublicTestMux(coupons services.CouponService, catalog services.CatalogService) http.Handler {
	r := chi.NewRouter()
	NewPublicHandlers(nil, coupons, catalog).Routes(r)
	return r
}

func TestValidateCouponEndpoint(t *testing.T) {
	svc := &stubCouponService{evaluation: services.CouponEvaluation{
		CouponID: "cpn_1",
		Code:     "SAVE10",
		Type:     domain.CouponTypePercent,
		Value:    10,
		Discount: 100,
	}}
	mux := newPublicTestMux(svc, &stubCatalogService{})

	req := httptest.NewRequest(http.MethodPost, "/coupons:validate", strings.NewReader(`{"code":"save10","subtotal":1000}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp validateCouponResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Valid || resp.Discount != 100 || resp.Code != "SAVE10" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestValidateCouponRejectionReturnsReason(t *testing.T) {
	cases := []struct {
		err    error
		reason string
	}{
		{services.ErrCouponNotFound, "not_found"},
		{services.ErrCouponInactive, "inactive"},
		{services.ErrCouponExpired, "expired"},
		{services.ErrCouponExhausted, "usage_limit_reached"},
		{services.ErrCouponMinOrder, "below_minimum_order"},
	}
	for _, tc := range cases {
		mux := newPublicTestMux(&stubCouponService{err: tc.err}, &stubCatalogService{})

		req := httptest.NewRequest(http.MethodPost, "/coupons:validate", strings.NewReader(`{"code":"X","subtotal":1000}`))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tc.reason, rec.Code)
		}
		var resp validateCouponResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Valid || resp.Reason != tc.reason {
			t.Fatalf("expected reason %q, got %+v", tc.reason, resp)
		}
	}
}

func TestValidateCouponRateLimit(t *testing.T) {
	handlers := &PublicHandlers{
		coupons: &stubCouponService{evaluation: services.CouponEvaluation{Code: "SAVE10"}},
		limiter: newFixedWindowLimiter(2, time.Minute, nil),
	}
	r := chi.NewRouter()
	handlers.Routes(r)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/coupons:validate", strings.NewReader(`{"code":"X","subtotal":100}`))
		req.RemoteAddr = "203.0.113.7:1234"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/coupons:validate", strings.NewReader(`{"code":"X","subtotal":100}`))
	req.RemoteAddr = "203.0.113.7:1234"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	// A different client is not throttled.
	req = httptest.NewRequest(http.MethodPost, "/coupons:validate", strings.NewReader(`{"code":"X","subtotal":100}`))
	req.RemoteAddr = "198.51.100.9:9999"
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for second client, got %d", rec.Code)
	}
}

type staticTokenVerifier struct {
	uid string
}

func (v *staticTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	if idToken != "session-token" {
		return nil, auth.ErrTokenInvalid
	}
	return &firebaseauth.Token{UID: v.uid, Claims: map[string]any{"role": "user"}}, nil
}

func TestValidateCouponRequiresSession(t *testing.T) {
	svc := &stubCouponService{evaluation: services.CouponEvaluation{Code: "SAVE10"}}
	r := chi.NewRouter()
	authn := auth.NewAuthenticator(&staticTokenVerifier{uid: "user-1"})
	NewPublicHandlers(authn, svc, &stubCatalogService{}).Routes(r)

	req := httptest.NewRequest(http.MethodPost, "/coupons:validate", strings.NewReader(`{"code":"save10","subtotal":1000}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/coupons:validate", strings.NewReader(`{"code":"save10","subtotal":1000}`))
	req.Header.Set("Authorization", "Bearer session-token")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with session, got %d: %s", rec.Code, rec.Body.String())
	}

	// Product browsing stays open.
	req = httptest.NewRequest(http.MethodGet, "/products", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for anonymous product listing, got %d", rec.Code)
	}
}

func TestWithCouponRateLimitOption(t *testing.T) {
	svc := &stubCouponService{evaluation: services.CouponEvaluation{Code: "SAVE10"}}
	r := chi.NewRouter()
	NewPublicHandlers(nil, svc, &stubCatalogService{}, WithCouponRateLimit(1)).Routes(r)

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/coupons:validate", strings.NewReader(`{"code":"X","subtotal":100}`))
		req.RemoteAddr = "203.0.113.7:1234"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(); code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", code)
	}
}

func TestPublicProductListing(t *testing.T) {
	catalog := &stubCatalogService{page: domain.CursorPage[services.Product]{
		Items: []services.Product{
			{ID: "prd_basic", SKU: "CARD-BASIC", Name: "Tap Card Basic", Price: 500, Currency: "USD", Active: true},
		},
	}}
	mux := newPublicTestMux(&stubCouponService{}, catalog)

	req := httptest.NewRequest(http.MethodGet, "/products", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp productListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].SKU != "CARD-BASIC" {
		t.Fatalf("unexpected items: %+v", resp.Items)
	}
}

func TestPublicProductHidesInactive(t *testing.T) {
	catalog := &stubCatalogService{product: services.Product{ID: "prd_old", Active: false}}
	mux := newPublicTestMux(&stubCouponService{}, catalog)

	req := httptest.NewRequest(http.MethodGet, "/products/prd_old", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for inactive product, got %d", rec.Code)
	}
}
