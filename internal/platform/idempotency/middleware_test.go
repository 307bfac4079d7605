package idempotency

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/donorportal/api/internal/platform/auth"
)

var fixedTime = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func serve(t *testing.T, handler http.Handler, uid, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderName, key)
	}
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Roles: []string{auth.RoleDonor}}))
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	code, _ := payload["error"].(string)
	return code
}

func TestMiddleware_ReplaysCompletedResponse(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"order":{"id":"ord_1"}}`))
	}))

	first := serve(t, handler, "donor-1", "key-1", `{"currency":"USD"}`)
	second := serve(t, handler, "donor-1", "key-1", `{"currency":"USD"}`)

	if calls != 1 {
		t.Fatalf("expected one handler call, got %d", calls)
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("expected replay of %q, got %d %q", first.Body.String(), second.Code, second.Body.String())
	}
	if second.Header().Get(ReplayHeaderName) != "true" || second.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected replay headers %v", second.Header())
	}

	// keys are scoped per actor
	serve(t, handler, "donor-2", "key-1", `{"currency":"USD"}`)
	if calls != 2 {
		t.Fatalf("expected other actor to run the handler, got %d calls", calls)
	}
}

func TestMiddleware_RejectsReusedKeyWithDifferentBody(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	serve(t, handler, "donor-1", "key-1", `{"currency":"USD"}`)
	rr := serve(t, handler, "donor-1", "key-1", `{"currency":"EUR"}`)
	if rr.Code != http.StatusUnprocessableEntity || errorCode(t, rr) != "idempotency_key_conflict" {
		t.Fatalf("expected conflict, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestMiddleware_ReleasesKeyOnServerError(t *testing.T) {
	status := http.StatusServiceUnavailable
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(status)
	}))
	serve(t, handler, "donor-1", "key-1", `{}`)
	status = http.StatusCreated
	rr := serve(t, handler, "donor-1", "key-1", `{}`)
	if calls != 2 || rr.Code != http.StatusCreated {
		t.Fatalf("expected retry after 503, got %d calls and status %d", calls, rr.Code)
	}
}

func TestMiddleware_InProgressAndExpiry(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Reserve(context.Background(), "donor:donor-1|key-1", "other", fixedTime, time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	now := fixedTime
	handler := Middleware(store, WithClock(func() time.Time { return now }))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// a pending record with another fingerprint reports the mismatch first
	if rr := serve(t, handler, "donor-1", "key-1", `{}`); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected mismatch, got %d", rr.Code)
	}

	now = fixedTime.Add(2 * time.Hour)
	if rr := serve(t, handler, "donor-1", "key-1", `{}`); rr.Code != http.StatusOK {
		t.Fatalf("expected expired key to be reusable, got %d", rr.Code)
	}
}

func TestMiddleware_PendingSameRequest(t *testing.T) {
	store := NewMemoryStore()
	record, err := store.Reserve(context.Background(), "k", "fp", fixedTime, time.Hour)
	if err != nil || record.Completed {
		t.Fatalf("unexpected reserve result %#v %v", record, err)
	}
	if _, err := store.Reserve(context.Background(), "k", "fp", fixedTime, time.Hour); err != ErrInProgress {
		t.Fatalf("expected in progress, got %v", err)
	}
}

func TestMiddleware_KeyHandling(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})

	optional := Middleware(NewMemoryStore())(next)
	serve(t, optional, "donor-1", "", `{}`)
	serve(t, optional, "donor-1", "", `{}`)
	if calls != 2 {
		t.Fatalf("requests without a key must pass through, got %d calls", calls)
	}

	required := Middleware(NewMemoryStore(), WithRequiredKey())(next)
	rr := serve(t, required, "donor-1", "", `{}`)
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "idempotency_key_required" {
		t.Fatalf("expected missing key rejection, got %d", rr.Code)
	}
	rr = serve(t, required, "donor-1", strings.Repeat("k", maxKeyLength+1), `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected long key rejection, got %d", rr.Code)
	}

	get := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	rec := httptest.NewRecorder()
	required.ServeHTTP(rec, get)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET must bypass the middleware, got %d", rec.Code)
	}
}
