package pagination

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	cursor := Cursor{CreatedAt: time.Date(2025, time.May, 1, 9, 0, 0, 0, time.UTC), ID: "ord_01"}
	token := EncodeToken(cursor)
	if token == "" {
		t.Fatalf("expected token")
	}
	decoded, err := DecodeToken(token)
	if err != nil {
		t.Fatalf("DecodeToken: %v", err)
	}
	if !decoded.CreatedAt.Equal(cursor.CreatedAt) || decoded.ID != cursor.ID {
		t.Fatalf("unexpected cursor %#v", decoded)
	}
	if EncodeToken(Cursor{}) != "" {
		t.Fatalf("expected empty token for zero cursor")
	}
}

func TestDecodeTokenRejectsGarbage(t *testing.T) {
	if _, err := DecodeToken("%%%"); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/orders?pageSize=500", nil)
	page, err := FromRequest(req)
	if err != nil {
		t.Fatalf("FromRequest: %v", err)
	}
	if page.PageSize != MaxPageSize {
		t.Fatalf("expected clamped page size, got %d", page.PageSize)
	}

	req = httptest.NewRequest("GET", "/orders?pageSize=-1", nil)
	if _, err := FromRequest(req); err == nil {
		t.Fatalf("expected error for negative page size")
	}

	req = httptest.NewRequest("GET", "/orders?pageToken=bad!", nil)
	if _, err := FromRequest(req); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}
