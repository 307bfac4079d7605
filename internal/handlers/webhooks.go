package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/donorportal/api/internal/payments"
	"github.com/donorportal/api/internal/platform/httpx"
	"github.com/donorportal/api/internal/services"
)

const maxWebhookBodySize = 64 * 1024

// PaymentEventParser authenticates a gateway delivery and extracts the asserted payment fact.
type PaymentEventParser interface {
	ParsePaymentEvent(ctx context.Context, payload []byte, signature string) (services.PaymentFact, error)
}

// WebhookHandlers applies gateway payment facts to orders.
type WebhookHandlers struct {
	stripe PaymentEventParser
	orders services.OrderService
	logger func(ctx context.Context, event string, fields map[string]any)
}

// NewWebhookHandlers constructs the webhook endpoints.
func NewWebhookHandlers(stripe PaymentEventParser, orders services.OrderService, logger func(context.Context, string, map[string]any)) *WebhookHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &WebhookHandlers{stripe: stripe, orders: orders, logger: logger}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.stripeEvent)
}

// stripeEvent acknowledges ignored and already applied events with 200 so the gateway stops retrying.
// Transient failures answer 5xx to trigger a redelivery.
func (h *WebhookHandlers) stripeEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stripe == nil || h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "stripe webhooks are not configured", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	fact, err := h.stripe.ParsePaymentEvent(ctx, body, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, payments.ErrEventIgnored):
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"received": true, "applied": false})
		return
	case errors.Is(err, payments.ErrInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_event", err.Error(), http.StatusBadRequest))
		return
	}

	order, err := h.orders.ApplyPaymentFact(ctx, fact)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrOrderNotFound), errors.Is(err, services.ErrOrderInvalidState):
			// the gateway cannot fix these by retrying
			h.logger(ctx, "webhook.stripe.rejected", map[string]any{
				"orderId": fact.OrderID,
				"event":   string(fact.Event),
				"error":   err.Error(),
			})
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"received": true, "applied": false})
		default:
			writeOrderError(ctx, w, err)
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"applied":  true,
		"orderId":  order.ID,
		"status":   string(order.Status),
	})
}
