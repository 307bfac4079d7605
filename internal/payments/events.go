// Package payments turns payment gateway callbacks into order payment facts.
// No money moves through this service; gateways only assert outcomes.
package payments

import (
	"context"
	"errors"

	domain "github.com/donorportal/api/internal/domain"
)

var (
	// ErrEventIgnored marks a well-formed event that carries no order transition.
	ErrEventIgnored = errors.New("payments: event ignored")
	// ErrInvalidSignature means the payload could not be authenticated.
	ErrInvalidSignature = errors.New("payments: invalid signature")
	// ErrMissingOrderReference means the event does not name an order.
	ErrMissingOrderReference = errors.New("payments: missing order reference")
)

// OrderIDMetadataKey is the metadata key checkout sessions and intents carry the order id under.
const OrderIDMetadataKey = "order_id"

// Logger defines the logging contract for payment adapters.
type Logger func(ctx context.Context, event string, fields map[string]any)

// stripeTransitions maps gateway event types to order state machine events.
var stripeTransitions = map[string]domain.OrderEvent{
	"checkout.session.completed":               domain.OrderEventPay,
	"checkout.session.async_payment_succeeded": domain.OrderEventPay,
	"checkout.session.async_payment_failed":    domain.OrderEventReject,
	"checkout.session.expired":                 domain.OrderEventAbort,
	"payment_intent.processing":                domain.OrderEventProcess,
	"payment_intent.amount_capturable_updated": domain.OrderEventAuthorize,
	"payment_intent.succeeded":                 domain.OrderEventPay,
	"payment_intent.payment_failed":            domain.OrderEventReject,
	"payment_intent.canceled":                  domain.OrderEventAbort,
	"charge.refunded":                          domain.OrderEventRefund,
}
