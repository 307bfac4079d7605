package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	domain "github.com/donorportal/api/internal/domain"
)

type captureOrderEvents struct {
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.events = append(c.events, event)
	return nil
}

type captureArchiver struct {
	archived []Order
	err      error
}

func (c *captureArchiver) ArchiveOrder(_ context.Context, order Order) (string, error) {
	c.archived = append(c.archived, order)
	return "orders/" + order.OrderNo + "/snapshot.json", c.err
}

type orderHarness struct {
	svc      OrderService
	orders   *memoryOrderRepo
	entries  *memoryEntryRepo
	events   *captureOrderEvents
	archiver *captureArchiver
	logged   []string
}

var orderNow = time.Date(2025, 5, 24, 12, 0, 0, 0, time.UTC)

func newOrderHarness(t *testing.T, orders ...domain.Order) *orderHarness {
	t.Helper()
	h := &orderHarness{
		orders:   newMemoryOrderRepo(orders...),
		entries:  &memoryEntryRepo{pools: map[string][]domain.Entry{}},
		events:   &captureOrderEvents{},
		archiver: &captureArchiver{},
	}
	library := schoolProject()
	library.Slug = "library"
	projects := &memoryProjectRepo{projects: map[string]domain.Project{"school": schoolProject(), "library": library}}
	clock := func() time.Time { return orderNow }

	resolver, err := NewSubscriptionResolver(SubscriptionResolverDeps{Orders: h.orders, Entries: h.entries, Clock: clock})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	engine, err := NewAllocationEngine(AllocationEngineDeps{Orders: h.orders, Entries: h.entries, Clock: clock, Shuffle: identityShuffle})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	costs, err := NewCostService(CostServiceDeps{
		Orders:   h.orders,
		Entries:  h.entries,
		Projects: projects,
		Rates:    &stubRateService{rates: map[string]domain.CurrencyRates{"USD": usdRates(1.10)}},
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("new cost service: %v", err)
	}

	h.svc, err = NewOrderService(OrderServiceDeps{
		Orders:      h.orders,
		Projects:    projects,
		Counters:    &stubCounterService{value: CounterValue{Formatted: "DP-2025-000042"}},
		Allocation:  engine,
		Resolver:    resolver,
		Costs:       costs,
		Audit:       &stubAuditService{},
		Events:      h.events,
		Archiver:    h.archiver,
		Clock:       clock,
		IDGenerator: func() string { return "01TEST" },
		Logger: func(_ context.Context, event string, _ map[string]any) {
			h.logged = append(h.logged, event)
		},
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return h
}

func draftOrder(id string, projects ...domain.OrderProject) domain.Order {
	return domain.Order{
		ID:         id,
		OrderNo:    "DP-2025-000001",
		CustomerID: "donor-1",
		Currency:   "USD",
		Status:     domain.OrderStatusDraft,
		CreatedAt:  orderNow.Add(-time.Hour),
		Projects:   projects,
	}
}

func TestOrderServiceCreateOrder(t *testing.T) {
	h := newOrderHarness(t)

	order, err := h.svc.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID: " donor-9 ",
		Currency:   "eur",
		Country:    "de",
		ActorID:    "donor:donor-9",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if order.ID != "ord_01TEST" || order.OrderNo != "DP-2025-000042" {
		t.Fatalf("unexpected identifiers %q %q", order.ID, order.OrderNo)
	}
	if order.Status != domain.OrderStatusDraft || order.Currency != "EUR" || order.Country != "DE" || order.CustomerID != "donor-9" {
		t.Fatalf("unexpected order %#v", order)
	}
	if _, err := h.orders.FindByID(context.Background(), order.ID); err != nil {
		t.Fatalf("expected stored order: %v", err)
	}
	if len(h.events.events) != 1 || h.events.events[0].Type != orderEventCreated {
		t.Fatalf("expected created event, got %#v", h.events.events)
	}

	if _, err := h.svc.CreateOrder(context.Background(), CreateOrderCommand{CustomerID: "d", Currency: "XXZ"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid currency, got %v", err)
	}
	if _, err := h.svc.CreateOrder(context.Background(), CreateOrderCommand{Currency: "USD"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected missing customer, got %v", err)
	}
}

func TestOrderServiceAddProjectEntries(t *testing.T) {
	h := newOrderHarness(t, draftOrder("ord_1"))
	h.entries.pools["school"] = []domain.Entry{poolEntry("a", 100, 0), poolEntry("b", 100, 0), poolEntry("c", 100, 0)}

	outcome, err := h.svc.AddProjectEntries(context.Background(), AllocateEntriesCommand{
		OrderID:       "ord_1",
		ProjectSlug:   "school",
		Count:         2,
		Months:        12,
		Subscriptions: []string{"education"},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if outcome.Allocated != 2 || outcome.Shortfall != 0 {
		t.Fatalf("unexpected outcome %#v", outcome)
	}
	project, _, ok := outcome.Order.Project("school")
	if !ok || project.Months != 12 || len(project.Entries) != 2 {
		t.Fatalf("unexpected project %#v", project)
	}
	if outcome.Order.TotalCostSingleMonth != 191.38 || outcome.Order.TotalCost != 2296.56 {
		t.Fatalf("unexpected totals %v / %v", outcome.Order.TotalCostSingleMonth, outcome.Order.TotalCost)
	}

	outcome, err = h.svc.AddProjectEntries(context.Background(), AllocateEntriesCommand{
		OrderID:     "ord_1",
		ProjectSlug: "school",
		Count:       2,
	})
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if outcome.Allocated != 1 || outcome.Shortfall != 1 {
		t.Fatalf("expected one entry and a shortfall, got %#v", outcome)
	}
	project, _, _ = outcome.Order.Project("school")
	if !slices.Equal(project.EntryIDs(), []string{"a", "b", "c"}) {
		t.Fatalf("unexpected entry ids %v", project.EntryIDs())
	}
	if !slices.Equal(h.orders.writes, []string{"addProject", "appendEntries"}) {
		t.Fatalf("unexpected writes %v", h.orders.writes)
	}
}

func TestOrderServiceReplaceProjectEntriesReleasesFirst(t *testing.T) {
	order := draftOrder("ord_1", domain.OrderProject{Slug: "school", Months: 3, Entries: []domain.OrderEntry{
		{EntryID: "a", SelectedSubscriptions: []string{"education"}},
		{EntryID: "b", SelectedSubscriptions: []string{"education"}},
	}})
	h := newOrderHarness(t, order)
	h.entries.pools["school"] = []domain.Entry{poolEntry("a", 10, 5), poolEntry("b", 10, 5), poolEntry("c", 10, 5)}

	outcome, err := h.svc.ReplaceProjectEntries(context.Background(), AllocateEntriesCommand{
		OrderID:     "ord_1",
		ProjectSlug: "school",
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if outcome.Allocated != 2 {
		t.Fatalf("expected count to default to current size, got %#v", outcome)
	}
	if !slices.Equal(h.orders.writes, []string{"setEntries", "setEntries"}) {
		t.Fatalf("expected release then assign, got %v", h.orders.writes)
	}
	project, _, _ := outcome.Order.Project("school")
	for _, entry := range project.Entries {
		if len(entry.SelectedSubscriptions) != 2 {
			t.Fatalf("replaced entries default to every subscription, got %v", entry.SelectedSubscriptions)
		}
	}
}

func TestOrderServiceEditsRequireDraft(t *testing.T) {
	order := draftOrder("ord_1", domain.OrderProject{Slug: "school", Months: 3, Entries: []domain.OrderEntry{{EntryID: "a"}}})
	order.Status = domain.OrderStatusPendingPayment
	h := newOrderHarness(t, order)
	h.entries.pools["school"] = []domain.Entry{poolEntry("a", 10, 5), poolEntry("b", 10, 5)}
	ctx := context.Background()

	checks := map[string]error{}
	_, checks["add"] = h.svc.AddProjectEntries(ctx, AllocateEntriesCommand{OrderID: "ord_1", ProjectSlug: "school", Count: 1})
	_, checks["replace"] = h.svc.ReplaceProjectEntries(ctx, AllocateEntriesCommand{OrderID: "ord_1", ProjectSlug: "school"})
	_, checks["removeProject"] = h.svc.RemoveProject(ctx, RemoveProjectCommand{OrderID: "ord_1", ProjectSlug: "school"})
	_, checks["removeEntry"] = h.svc.RemoveEntry(ctx, RemoveEntryCommand{OrderID: "ord_1", ProjectSlug: "school", EntryID: "a"})
	_, checks["months"] = h.svc.ChangeMonths(ctx, ChangeMonthsCommand{OrderID: "ord_1", ProjectSlug: "school", Months: 6})
	_, checks["currency"] = h.svc.ChangeCurrency(ctx, ChangeOrderFieldCommand{OrderID: "ord_1", Value: "EUR"})
	_, checks["subscriptions"] = h.svc.ChangeEntrySubscriptions(ctx, ChangeEntrySubscriptionsCommand{OrderID: "ord_1", ProjectSlug: "school", EntryID: "a", Subscriptions: []string{"food"}})
	_, checks["column"] = h.svc.ChangeColumnSubscription(ctx, ChangeColumnSubscriptionCommand{OrderID: "ord_1", ProjectSlug: "school", Field: "food", Enabled: true})
	_, checks["recalculate"] = h.svc.Recalculate(ctx, "ord_1")

	for name, err := range checks {
		if !errors.Is(err, ErrOrderInvalidState) {
			t.Fatalf("%s: expected invalid state, got %v", name, err)
		}
	}
	if len(h.orders.writes) != 0 || h.orders.snapshot != 0 {
		t.Fatalf("expected no writes, got %v (snapshots %d)", h.orders.writes, h.orders.snapshot)
	}
}

func TestOrderServiceChangeMonthsAndRemoval(t *testing.T) {
	order := draftOrder("ord_1", domain.OrderProject{Slug: "school", Months: 1, Entries: []domain.OrderEntry{
		{EntryID: "a", SelectedSubscriptions: []string{"education"}},
		{EntryID: "b", SelectedSubscriptions: []string{"education"}},
	}})
	h := newOrderHarness(t, order)
	h.entries.pools["school"] = []domain.Entry{poolEntry("a", 100, 0), poolEntry("b", 100, 0)}
	ctx := context.Background()

	updated, err := h.svc.ChangeMonths(ctx, ChangeMonthsCommand{OrderID: "ord_1", ProjectSlug: "school", Months: 12})
	if err != nil {
		t.Fatalf("months: %v", err)
	}
	if updated.TotalCost != 2296.56 {
		t.Fatalf("expected 12 month total, got %v", updated.TotalCost)
	}
	if _, err := h.svc.ChangeMonths(ctx, ChangeMonthsCommand{OrderID: "ord_1", ProjectSlug: "school", Months: 121}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected months bound, got %v", err)
	}

	updated, err = h.svc.RemoveEntry(ctx, RemoveEntryCommand{OrderID: "ord_1", ProjectSlug: "school", EntryID: "b"})
	if err != nil {
		t.Fatalf("remove entry: %v", err)
	}
	if updated.TotalCostSingleMonth != 95.69 {
		t.Fatalf("expected one entry left, got %v", updated.TotalCostSingleMonth)
	}
	if _, err := h.svc.RemoveEntry(ctx, RemoveEntryCommand{OrderID: "ord_1", ProjectSlug: "school", EntryID: "b"}); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected missing entry, got %v", err)
	}

	updated, err = h.svc.RemoveProject(ctx, RemoveProjectCommand{OrderID: "ord_1", ProjectSlug: "school"})
	if err != nil {
		t.Fatalf("remove project: %v", err)
	}
	if len(updated.Projects) != 0 || updated.TotalCost != 0 {
		t.Fatalf("expected empty order, got %#v", updated)
	}
}

func TestOrderServiceChangeFieldIsNoopWhenUnchanged(t *testing.T) {
	h := newOrderHarness(t, draftOrder("ord_1"))
	ctx := context.Background()

	if _, err := h.svc.ChangeCurrency(ctx, ChangeOrderFieldCommand{OrderID: "ord_1", Value: "usd"}); err != nil {
		t.Fatalf("change currency: %v", err)
	}
	if len(h.orders.writes) != 0 {
		t.Fatalf("expected no write for unchanged currency, got %v", h.orders.writes)
	}

	updated, err := h.svc.ChangeCountry(ctx, ChangeOrderFieldCommand{OrderID: "ord_1", Value: "fr"})
	if err != nil {
		t.Fatalf("change country: %v", err)
	}
	if updated.Country != "FR" || !slices.Equal(h.orders.writes, []string{"setFields"}) {
		t.Fatalf("unexpected country change %q %v", updated.Country, h.orders.writes)
	}
	if _, err := h.svc.ChangeCustomer(ctx, ChangeOrderFieldCommand{OrderID: "ord_1", Value: "  "}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected blank customer to be rejected, got %v", err)
	}
}

func TestOrderServiceChangeEntrySubscriptionsDropsClaimedFields(t *testing.T) {
	order := draftOrder("ord_b", domain.OrderProject{Slug: "school", Months: 1, Entries: []domain.OrderEntry{
		{EntryID: "y", SelectedSubscriptions: []string{"education"}},
		{EntryID: "z", SelectedSubscriptions: []string{"education"}},
	}})
	holder := liveOrder("ord_a", orderNow.AddDate(0, 0, -10), 12,
		domain.OrderEntry{EntryID: "y", SelectedSubscriptions: []string{"food"}})
	h := newOrderHarness(t, order, holder)
	h.entries.pools["school"] = []domain.Entry{poolEntry("y", 30, 15), poolEntry("z", 30, 15)}
	ctx := context.Background()

	updated, err := h.svc.ChangeEntrySubscriptions(ctx, ChangeEntrySubscriptionsCommand{
		OrderID:       "ord_b",
		ProjectSlug:   "school",
		EntryID:       "y",
		Subscriptions: []string{"education", "food"},
	})
	if err != nil {
		t.Fatalf("change subscriptions: %v", err)
	}
	project, _, _ := updated.Project("school")
	y, _, _ := project.Entry("y")
	if !slices.Equal(y.SelectedSubscriptions, []string{"education"}) {
		t.Fatalf("expected food to be dropped, got %v", y.SelectedSubscriptions)
	}

	if _, err := h.svc.ChangeEntrySubscriptions(ctx, ChangeEntrySubscriptionsCommand{
		OrderID: "ord_b", ProjectSlug: "school", EntryID: "y", Subscriptions: []string{"name"},
	}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected non-subscription field to be rejected, got %v", err)
	}

	updated, err = h.svc.ChangeColumnSubscription(ctx, ChangeColumnSubscriptionCommand{
		OrderID: "ord_b", ProjectSlug: "school", Field: "food", Enabled: true,
	})
	if err != nil {
		t.Fatalf("column: %v", err)
	}
	project, _, _ = updated.Project("school")
	y, _, _ = project.Entry("y")
	z, _, _ := project.Entry("z")
	if y.HasSubscription("food") || !z.HasSubscription("food") {
		t.Fatalf("expected food only on z, got y=%v z=%v", y.SelectedSubscriptions, z.SelectedSubscriptions)
	}
}

func TestOrderServiceCheckoutRequiresCost(t *testing.T) {
	h := newOrderHarness(t, draftOrder("ord_empty"))

	_, err := h.svc.Checkout(context.Background(), OrderTransitionCommand{OrderID: "ord_empty"})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected zero-cost checkout to fail, got %v", err)
	}
	if h.orders.get("ord_empty").Status != domain.OrderStatusDraft {
		t.Fatalf("status must not change")
	}
}

func TestOrderServiceCheckoutAndCheckin(t *testing.T) {
	order := draftOrder("ord_1", domain.OrderProject{Slug: "school", Months: 2, Entries: []domain.OrderEntry{
		{EntryID: "a", SelectedSubscriptions: []string{"education"}},
	}})
	h := newOrderHarness(t, order)
	h.entries.pools["school"] = []domain.Entry{poolEntry("a", 100, 0)}
	ctx := context.Background()

	pending, err := h.svc.Checkout(ctx, OrderTransitionCommand{OrderID: "ord_1", ActorID: "donor:donor-1"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if pending.Status != domain.OrderStatusPendingPayment || pending.TotalCost != 191.38 {
		t.Fatalf("unexpected pending order %#v", pending)
	}
	if _, err := h.svc.Checkout(ctx, OrderTransitionCommand{OrderID: "ord_1"}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected second checkout to fail, got %v", err)
	}

	draft, err := h.svc.Checkin(ctx, OrderTransitionCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("checkin: %v", err)
	}
	if draft.Status != domain.OrderStatusDraft || len(draft.StatusHistory) != 2 {
		t.Fatalf("unexpected draft %#v", draft)
	}
	last := h.events.events[len(h.events.events)-1]
	if last.Type != orderEventStatusChanged || last.PreviousStatus != "pending_payment" || last.CurrentStatus != "draft" {
		t.Fatalf("unexpected event %#v", last)
	}
}

func TestOrderServicePaymentPrunesZeroCostProjects(t *testing.T) {
	order := draftOrder("ord_1",
		domain.OrderProject{Slug: "school", Months: 1, Entries: []domain.OrderEntry{{EntryID: "a", SelectedSubscriptions: []string{"education"}}}},
		domain.OrderProject{Slug: "library", Months: 1, Entries: []domain.OrderEntry{{EntryID: "l1", SelectedSubscriptions: []string{"education"}}}},
	)
	order.Status = domain.OrderStatusPendingPayment
	h := newOrderHarness(t, order)
	h.entries.pools["school"] = []domain.Entry{poolEntry("a", 100, 0)}
	h.entries.pools["library"] = []domain.Entry{poolEntry("l1", 0, 0)}

	paid, err := h.svc.ApplyPaymentFact(context.Background(), PaymentFact{
		OrderID:   "ord_1",
		Event:     domain.OrderEventPay,
		Reference: "pi_123",
		Source:    "stripe",
	})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if paid.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", paid.Status)
	}
	if len(paid.Projects) != 1 || paid.Projects[0].Slug != "school" {
		t.Fatalf("expected library to be pruned, got %#v", paid.Projects)
	}
	stored := h.orders.get("ord_1")
	if len(stored.Projects) != 1 || stored.Status != domain.OrderStatusPaid {
		t.Fatalf("expected pruning to be persisted, got %#v", stored)
	}
	change := stored.StatusHistory[len(stored.StatusHistory)-1]
	if change.Actor != "system:stripe" || change.Reference != "pi_123" {
		t.Fatalf("unexpected status change %#v", change)
	}
	if len(h.archiver.archived) != 1 || len(h.archiver.archived[0].Projects) != 1 {
		t.Fatalf("expected pruned order to be archived, got %#v", h.archiver.archived)
	}
}

func TestOrderServicePaymentFactIsIdempotent(t *testing.T) {
	order := draftOrder("ord_1", domain.OrderProject{Slug: "school", Months: 1, Entries: []domain.OrderEntry{{EntryID: "a", SelectedSubscriptions: []string{"education"}}}})
	order.Status = domain.OrderStatusPendingPayment
	h := newOrderHarness(t, order)
	h.entries.pools["school"] = []domain.Entry{poolEntry("a", 100, 0)}
	ctx := context.Background()
	fact := PaymentFact{OrderID: "ord_1", Event: domain.OrderEventPay, Source: "stripe"}

	if _, err := h.svc.ApplyPaymentFact(ctx, fact); err != nil {
		t.Fatalf("first pay: %v", err)
	}
	writes := len(h.orders.writes)
	again, err := h.svc.ApplyPaymentFact(ctx, fact)
	if err != nil {
		t.Fatalf("redelivered pay: %v", err)
	}
	if again.Status != domain.OrderStatusPaid || len(h.orders.writes) != writes {
		t.Fatalf("expected redelivery to be a no-op, got %s with writes %v", again.Status, h.orders.writes)
	}
	if !slices.Contains(h.logged, "order.payment_fact.duplicate") {
		t.Fatalf("expected duplicate to be logged, got %v", h.logged)
	}

	_, err = h.svc.ApplyPaymentFact(ctx, PaymentFact{OrderID: "ord_1", Event: domain.OrderEventCheckout})
	if !errors.Is(err, ErrOrderInvalidState) || !strings.Contains(err.Error(), "checkout") {
		t.Fatalf("expected undefined transition to fail, got %v", err)
	}
}
