package pagination

import (
	"errors"
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := EncodeToken(Cursor{StartAfter: []any{"2026-03-01T10:00:00Z", "ord_0042"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if token == "" {
		t.Fatal("expected a non-empty token")
	}

	cursor, err := DecodeToken(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cursor.StartAfter) != 2 {
		t.Fatalf("expected two cursor values, got %v", cursor.StartAfter)
	}
	if cursor.StartAfter[0] != "2026-03-01T10:00:00Z" || cursor.StartAfter[1] != "ord_0042" {
		t.Fatalf("unexpected cursor: %v", cursor.StartAfter)
	}
}

func TestEmptyCursorEncodesToEmptyToken(t *testing.T) {
	token, err := EncodeToken(Cursor{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token, got %q", token)
	}
}

func TestDecodeTokenBlankIsFirstPage(t *testing.T) {
	for _, raw := range []string{"", "   ", "\t"} {
		cursor, err := DecodeToken(raw)
		if err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		if len(cursor.StartAfter) != 0 || len(cursor.StartAt) != 0 {
			t.Fatalf("expected zero cursor for %q, got %+v", raw, cursor)
		}
	}
}

func TestDecodeTokenRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"not base64 at all!!", "bm90IGpzb24"} {
		if _, err := DecodeToken(raw); !errors.Is(err, ErrInvalidPageToken) {
			t.Fatalf("decode %q: expected ErrInvalidPageToken, got %v", raw, err)
		}
	}
}
