package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mapSecretProvider map[string]string

func (m mapSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if secret, ok := m[name]; ok {
		return secret, nil
	}
	return "", fmt.Errorf("secret %s not found", name)
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

func signRequest(t *testing.T, req *http.Request, secret string, body []byte, at time.Time, nonce string) {
	t.Helper()
	timestamp := at.UTC().Format(time.RFC3339)
	signature := computeHMAC([]byte(secret), canonicalRequest(req, body, timestamp, nonce))
	req.Header.Set(defaultSignatureHeader, base64.StdEncoding.EncodeToString(signature))
	req.Header.Set(defaultTimestampHeader, timestamp)
	req.Header.Set(defaultNonceHeader, nonce)
}

func TestRequireHMACAcceptsSignedRequest(t *testing.T) {
	const secret = "operator-signing-key"
	now := time.Now().UTC().Truncate(time.Second)

	validator := NewHMACValidator(mapSecretProvider{"internal": secret}, NewInMemoryNonceStore(),
		WithHMACLogger(discardLogger{}),
		WithHMACClock(func() time.Time { return now }),
	)

	body := []byte(`{"step":1}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/counters/order-number:next", bytes.NewReader(body))
	signRequest(t, req, secret, body, now, "nonce-1")

	rr := httptest.NewRecorder()
	validator.RequireHMAC("internal")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRequireHMACRejectsReplay(t *testing.T) {
	const secret = "operator-signing-key"
	now := time.Now().UTC().Truncate(time.Second)

	validator := NewHMACValidator(mapSecretProvider{"internal": secret}, NewInMemoryNonceStore(),
		WithHMACLogger(discardLogger{}),
		WithHMACClock(func() time.Time { return now }),
	)

	body := []byte(`{"step":1}`)
	newSigned := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/internal/counters/order-number:next", bytes.NewReader(body))
		signRequest(t, req, secret, body, now, "nonce-replayed")
		return req
	}

	handler := validator.RequireHMAC("internal")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newSigned())
	if rr.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, newSigned())
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("replay: expected 401, got %d", rr.Code)
	}
}

func TestRequireHMACRejectsTamperedBody(t *testing.T) {
	const secret = "operator-signing-key"
	now := time.Now().UTC().Truncate(time.Second)

	validator := NewHMACValidator(mapSecretProvider{"internal": secret}, NewInMemoryNonceStore(),
		WithHMACLogger(discardLogger{}),
		WithHMACClock(func() time.Time { return now }),
	)

	signedBody := []byte(`{"step":1}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/counters/order-number:next", bytes.NewReader([]byte(`{"step":99}`)))
	signRequest(t, req, secret, signedBody, now, "nonce-tamper")

	rr := httptest.NewRecorder()
	validator.RequireHMAC("internal")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run on signature mismatch")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRequireHMACRejectsStaleTimestamp(t *testing.T) {
	const secret = "operator-signing-key"
	now := time.Now().UTC().Truncate(time.Second)

	validator := NewHMACValidator(mapSecretProvider{"internal": secret}, NewInMemoryNonceStore(),
		WithHMACLogger(discardLogger{}),
		WithHMACClock(func() time.Time { return now }),
		WithHMACClockSkew(2*time.Minute),
	)

	body := []byte(`{"step":1}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/counters/order-number:next", bytes.NewReader(body))
	signRequest(t, req, secret, body, now.Add(-10*time.Minute), "nonce-stale")

	rr := httptest.NewRecorder()
	validator.RequireHMAC("internal")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run on stale timestamp")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRequireHMACAlternateSignatureHeader(t *testing.T) {
	const secret = "operator-signing-key"
	now := time.Now().UTC().Truncate(time.Second)

	validator := NewHMACValidator(mapSecretProvider{"internal": secret}, NewInMemoryNonceStore(),
		WithHMACLogger(discardLogger{}),
		WithHMACClock(func() time.Time { return now }),
		WithHMACHeaders("X-Ops-Signature", "", ""),
		WithHMACNonceTTL(time.Minute),
	)

	body := []byte(`{"step":1}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/counters/order-number:next", bytes.NewReader(body))
	signRequest(t, req, secret, body, now, "nonce-alt")
	// Move the signature into the overridden header; timestamp and nonce
	// headers keep their defaults.
	req.Header.Set("X-Ops-Signature", req.Header.Get(defaultSignatureHeader))
	req.Header.Del(defaultSignatureHeader)

	rr := httptest.NewRecorder()
	validator.RequireHMAC("internal")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRequireHMACSecretUnavailable(t *testing.T) {
	provider := SecretProviderFunc(func(context.Context, string) (string, error) {
		return "", fmt.Errorf("resolver offline")
	})
	validator := NewHMACValidator(provider, NewInMemoryNonceStore(), WithHMACLogger(discardLogger{}))

	rr := httptest.NewRecorder()
	validator.RequireHMAC("internal")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run when the secret cannot be resolved")
	})).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/health", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
