package services

import (
	"fmt"

	domain "github.com/donorportal/api/internal/domain"
)

type transitionKey struct {
	from  domain.OrderStatus
	event domain.OrderEvent
}

// orderTransitions is the complete lifecycle table. Pairs not listed are rejected.
var orderTransitions = map[transitionKey]domain.OrderStatus{
	{domain.OrderStatusDraft, domain.OrderEventCheckout}: domain.OrderStatusPendingPayment,
	{domain.OrderStatusDraft, domain.OrderEventAbort}:    domain.OrderStatusAborted,
	{domain.OrderStatusDraft, domain.OrderEventCancel}:   domain.OrderStatusCancelled,
	{domain.OrderStatusDraft, domain.OrderEventExpire}:   domain.OrderStatusExpired,

	{domain.OrderStatusPendingPayment, domain.OrderEventCheckin}:   domain.OrderStatusDraft,
	{domain.OrderStatusPendingPayment, domain.OrderEventProcess}:   domain.OrderStatusProcessing,
	{domain.OrderStatusPendingPayment, domain.OrderEventAuthorize}: domain.OrderStatusAuthorized,
	{domain.OrderStatusPendingPayment, domain.OrderEventPay}:       domain.OrderStatusPaid,
	{domain.OrderStatusPendingPayment, domain.OrderEventAbort}:     domain.OrderStatusAborted,
	{domain.OrderStatusPendingPayment, domain.OrderEventCancel}:    domain.OrderStatusCancelled,
	{domain.OrderStatusPendingPayment, domain.OrderEventReject}:    domain.OrderStatusRejected,
	{domain.OrderStatusPendingPayment, domain.OrderEventExpire}:    domain.OrderStatusExpired,

	{domain.OrderStatusProcessing, domain.OrderEventPay}:       domain.OrderStatusPaid,
	{domain.OrderStatusProcessing, domain.OrderEventAuthorize}: domain.OrderStatusAuthorized,
	{domain.OrderStatusProcessing, domain.OrderEventReject}:    domain.OrderStatusRejected,
	{domain.OrderStatusProcessing, domain.OrderEventAbort}:     domain.OrderStatusAborted,
	{domain.OrderStatusProcessing, domain.OrderEventCancel}:    domain.OrderStatusCancelled,
	{domain.OrderStatusProcessing, domain.OrderEventExpire}:    domain.OrderStatusExpired,

	{domain.OrderStatusAuthorized, domain.OrderEventPay}:    domain.OrderStatusPaid,
	{domain.OrderStatusAuthorized, domain.OrderEventCancel}: domain.OrderStatusCancelled,
	{domain.OrderStatusAuthorized, domain.OrderEventExpire}: domain.OrderStatusExpired,
	{domain.OrderStatusAuthorized, domain.OrderEventReject}: domain.OrderStatusRejected,

	{domain.OrderStatusPaid, domain.OrderEventRefund}:    domain.OrderStatusRefunded,
	{domain.OrderStatusPaid, domain.OrderEventTerminate}: domain.OrderStatusTerminated,
	{domain.OrderStatusPaid, domain.OrderEventStop}:      domain.OrderStatusStopped,
}

// OrderStateMachine validates lifecycle transitions in one place.
type OrderStateMachine struct{}

// Next returns the status reached by applying event in from.
func (OrderStateMachine) Next(from domain.OrderStatus, event domain.OrderEvent) (domain.OrderStatus, error) {
	to, ok := orderTransitions[transitionKey{from: from, event: event}]
	if !ok {
		return "", fmt.Errorf("%w: %s is not allowed from %s", ErrOrderInvalidState, event, from)
	}
	return to, nil
}

// CanTransition reports whether event is defined for from.
func (m OrderStateMachine) CanTransition(from domain.OrderStatus, event domain.OrderEvent) bool {
	_, err := m.Next(from, event)
	return err == nil
}

// AssertEditable rejects structural edits outside draft.
func (OrderStateMachine) AssertEditable(order domain.Order) error {
	if order.Status != domain.OrderStatusDraft {
		return fmt.Errorf("%w: order %s is %s, edits require draft", ErrOrderInvalidState, order.ID, order.Status)
	}
	return nil
}

// Guard applies the business preconditions attached to an event. It runs against a
// freshly recalculated order.
func (OrderStateMachine) Guard(order domain.Order, event domain.OrderEvent) error {
	switch event {
	case domain.OrderEventCheckout:
		if order.TotalCost <= 0 {
			return fmt.Errorf("%w: order %s has no cost to check out", ErrOrderInvalidState, order.ID)
		}
	}
	return nil
}

// PrunedProjects lists the projects dropped when the order becomes paid.
func (OrderStateMachine) PrunedProjects(order domain.Order, to domain.OrderStatus) []string {
	if to != domain.OrderStatusPaid {
		return nil
	}
	var slugs []string
	for _, project := range order.Projects {
		if project.TotalCostSingleMonth == 0 {
			slugs = append(slugs, project.Slug)
		}
	}
	return slugs
}
