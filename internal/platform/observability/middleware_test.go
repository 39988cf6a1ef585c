package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mytapcard/api/internal/platform/requestctx"
)

func TestRequestLoggerMiddlewareLogsCompletion(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	handler := InjectLoggerMiddleware(logger)(RequestLoggerMiddleware("demo-project")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
	))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/orders", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected start and completion entries, got %d", len(entries))
	}
	if entries[0].Message != "request started" {
		t.Fatalf("unexpected first entry: %q", entries[0].Message)
	}
	completion := entries[1]
	if completion.Message != "request completed" {
		t.Fatalf("unexpected second entry: %q", completion.Message)
	}
	fields := completion.ContextMap()
	if got, ok := fields["status"].(int64); !ok || got != int64(http.StatusNoContent) {
		t.Fatalf("expected status field 204, got %v", fields["status"])
	}
	if fields["method"] != http.MethodGet {
		t.Fatalf("expected method field GET, got %v", fields["method"])
	}
}

func TestRequestLoggerMiddlewareElevatesServerErrors(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	handler := InjectLoggerMiddleware(logger)(RequestLoggerMiddleware("")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}),
	))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/orders", nil))

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected error level for 502, got %s", entries[0].Level)
	}
}

func TestRecoveryMiddlewareWritesErrorEnvelope(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	fallback := zap.New(core)

	handler := RecoveryMiddleware(fallback)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/orders", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "internal_server_error" || body.Status != http.StatusInternalServerError {
		t.Fatalf("unexpected error body %+v", body)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected the panic to be logged once")
	}
}

func TestLoggerRoundTripsThroughContext(t *testing.T) {
	logger := zap.NewNop()
	ctx := WithLogger(nil, logger)
	if got := requestctx.Logger(ctx); got != logger {
		t.Fatalf("expected the stored logger back")
	}
	if requestctx.Logger(nil) != requestctx.NoopLogger() {
		t.Fatalf("expected the shared noop logger for a nil context")
	}
}
