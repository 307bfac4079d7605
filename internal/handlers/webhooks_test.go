package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/donorportal/api/internal/domain"
	"github.com/donorportal/api/internal/payments"
	"github.com/donorportal/api/internal/services"
)

type stubPaymentParser struct {
	fact          services.PaymentFact
	err           error
	lastSignature string
}

func (s *stubPaymentParser) ParsePaymentEvent(_ context.Context, _ []byte, signature string) (services.PaymentFact, error) {
	s.lastSignature = signature
	return s.fact, s.err
}

func serveWebhook(t *testing.T, handler *WebhookHandlers, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	router.Route("/webhooks", handler.Routes)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestWebhookHandlersAppliesPaymentFact(t *testing.T) {
	parser := &stubPaymentParser{fact: services.PaymentFact{OrderID: "ord_1", Event: domain.OrderEventPay, Reference: "pi_1", Source: "stripe"}}
	var applied []services.PaymentFact
	orders := &stubOrderService{paymentFn: func(_ context.Context, fact services.PaymentFact) (services.Order, error) {
		applied = append(applied, fact)
		return services.Order{ID: fact.OrderID, Status: domain.OrderStatusPaid}, nil
	}}

	rr := serveWebhook(t, NewWebhookHandlers(parser, orders, nil), `{"id":"evt_1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if parser.lastSignature != "t=1,v1=abc" || len(applied) != 1 || applied[0].Reference != "pi_1" {
		t.Fatalf("unexpected calls: signature %q applied %v", parser.lastSignature, applied)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["applied"] != true || body["status"] != "paid" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestWebhookHandlersAcknowledgesIgnoredAndFinalEvents(t *testing.T) {
	rr := serveWebhook(t, NewWebhookHandlers(&stubPaymentParser{err: payments.ErrEventIgnored}, &stubOrderService{}, nil), `{}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("ignored events must be acknowledged, got %d", rr.Code)
	}

	var logged []string
	logger := func(_ context.Context, event string, _ map[string]any) { logged = append(logged, event) }
	orders := &stubOrderService{paymentFn: func(context.Context, services.PaymentFact) (services.Order, error) {
		return services.Order{}, fmt.Errorf("%w: paid -> pay", services.ErrOrderInvalidState)
	}}
	parser := &stubPaymentParser{fact: services.PaymentFact{OrderID: "ord_1", Event: domain.OrderEventProcess}}
	rr = serveWebhook(t, NewWebhookHandlers(parser, orders, logger), `{}`)
	if rr.Code != http.StatusOK || len(logged) != 1 || logged[0] != "webhook.stripe.rejected" {
		t.Fatalf("invalid transitions must be acknowledged and logged, got %d %v", rr.Code, logged)
	}
}

func TestWebhookHandlersFailures(t *testing.T) {
	rr := serveWebhook(t, NewWebhookHandlers(&stubPaymentParser{err: fmt.Errorf("%w: bad", payments.ErrInvalidSignature)}, &stubOrderService{}, nil), `{}`)
	if rr.Code != http.StatusBadRequest || decodeErrorCode(t, rr) != "invalid_signature" {
		t.Fatalf("expected invalid_signature, got %d", rr.Code)
	}

	orders := &stubOrderService{paymentFn: func(context.Context, services.PaymentFact) (services.Order, error) {
		return services.Order{}, fmt.Errorf("%w: mongo timeout", services.ErrOrderUnavailable)
	}}
	rr = serveWebhook(t, NewWebhookHandlers(&stubPaymentParser{fact: services.PaymentFact{OrderID: "ord_1"}}, orders, nil), `{}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("transient failures must ask for redelivery, got %d", rr.Code)
	}

	rr = serveWebhook(t, NewWebhookHandlers(nil, nil, nil), `{}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when unconfigured, got %d", rr.Code)
	}

	rr = serveWebhook(t, NewWebhookHandlers(&stubPaymentParser{}, &stubOrderService{}, nil), "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected empty body to be rejected, got %d", rr.Code)
	}
}
