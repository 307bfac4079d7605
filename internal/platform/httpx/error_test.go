package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/donorportal/api/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.Trace{TraceID: "abc123"})
	rr := httptest.NewRecorder()

	WriteError(ctx, rr, NewError("order_conflict", "order changed\nconcurrently", http.StatusConflict).
		WithDetails(map[string]any{"orderId": "ord_1", "status": 999}))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "order_conflict" || body["message"] != "order changed concurrently" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["status"] != float64(http.StatusConflict) {
		t.Fatalf("details must not override status, got %v", body["status"])
	}
	if body["orderId"] != "ord_1" || body["trace_id"] != "abc123" {
		t.Fatalf("expected details and trace id, got %v", body)
	}
}

func TestNewErrorDefaultsStatus(t *testing.T) {
	if err := NewError("x", "y", 0); err.Status != http.StatusInternalServerError || err.Error() != "x: y" {
		t.Fatalf("unexpected error %#v", err)
	}
}
