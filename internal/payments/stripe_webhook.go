package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/donorportal/api/internal/domain"
	"github.com/donorportal/api/internal/services"
)

// StripeWebhookConfig configures the StripeWebhookParser.
type StripeWebhookConfig struct {
	Secret    string
	Tolerance time.Duration
	Logger    Logger
}

// StripeWebhookParser authenticates Stripe webhook deliveries and extracts payment facts.
type StripeWebhookParser struct {
	secret    string
	tolerance time.Duration
	logger    Logger
}

// NewStripeWebhookParser constructs a parser bound to the endpoint signing secret.
func NewStripeWebhookParser(cfg StripeWebhookConfig) (*StripeWebhookParser, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeWebhookParser{secret: secret, tolerance: tolerance, logger: logger}, nil
}

// stripeObject holds the fields shared by the sessions, intents and charges we react to.
type stripeObject struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentStatus     string            `json:"payment_status"`
	Metadata          map[string]string `json:"metadata"`
	PaymentIntent     json.RawMessage   `json:"payment_intent"`
}

// ParsePaymentEvent verifies the Stripe-Signature header and maps the event to a PaymentFact.
// Event types without an order transition return ErrEventIgnored.
func (p *StripeWebhookParser) ParsePaymentEvent(ctx context.Context, payload []byte, signature string) (services.PaymentFact, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return services.PaymentFact{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	transition, ok := stripeTransitions[string(event.Type)]
	if !ok {
		p.logger(ctx, "payments.stripe.event.ignored", map[string]any{"eventId": event.ID, "type": string(event.Type)})
		return services.PaymentFact{}, ErrEventIgnored
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return services.PaymentFact{}, fmt.Errorf("%w: event %s has no data", ErrMissingOrderReference, event.ID)
	}

	var obj stripeObject
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return services.PaymentFact{}, fmt.Errorf("stripe: decode %s object: %w", event.Type, err)
	}
	orderID := orderReference(obj)
	if orderID == "" {
		return services.PaymentFact{}, fmt.Errorf("%w: event %s", ErrMissingOrderReference, event.ID)
	}
	transition = settledTransition(event.Type, obj, transition)

	p.logger(ctx, "payments.stripe.event.accepted", map[string]any{
		"eventId": event.ID,
		"type":    string(event.Type),
		"orderId": orderID,
		"event":   string(transition),
	})
	return services.PaymentFact{
		OrderID:   orderID,
		Event:     transition,
		Reference: paymentReference(event, obj),
		Source:    "stripe",
	}, nil
}

// settledTransition downgrades a completed checkout whose payment has not cleared yet.
// Stripe follows up with async_payment_succeeded or async_payment_failed.
func settledTransition(eventType stripe.EventType, obj stripeObject, transition domain.OrderEvent) domain.OrderEvent {
	if eventType == stripe.EventTypeCheckoutSessionCompleted &&
		obj.PaymentStatus != string(stripe.CheckoutSessionPaymentStatusPaid) {
		return domain.OrderEventProcess
	}
	return transition
}

func orderReference(obj stripeObject) string {
	if id := strings.TrimSpace(obj.Metadata[OrderIDMetadataKey]); id != "" {
		return id
	}
	if obj.Object == "checkout.session" {
		return strings.TrimSpace(obj.ClientReferenceID)
	}
	return ""
}

// paymentReference prefers the payment intent id so session and intent events for one payment share a reference.
func paymentReference(event stripe.Event, obj stripeObject) string {
	if obj.Object == "payment_intent" {
		return obj.ID
	}
	if len(obj.PaymentIntent) > 0 {
		var id string
		if err := json.Unmarshal(obj.PaymentIntent, &id); err == nil && id != "" {
			return id
		}
		var expanded struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(obj.PaymentIntent, &expanded); err == nil && expanded.ID != "" {
			return expanded.ID
		}
	}
	if obj.ID != "" {
		return obj.ID
	}
	return event.ID
}
