package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/language"

	domain "github.com/donorportal/api/internal/domain"
	"github.com/donorportal/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status_changed"

	orderIDPrefix = "ord_"

	defaultProjectMonths = 1
	maxProjectMonths     = 120
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Projects    repositories.ProjectRepository
	Counters    CounterService
	Allocation  AllocationEngine
	Resolver    SubscriptionResolver
	Costs       CostService
	Audit       AuditLogService
	Events      OrderEventPublisher
	Archiver    OrderSnapshotArchiver
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	projects   repositories.ProjectRepository
	counters   CounterService
	allocation AllocationEngine
	resolver   SubscriptionResolver
	costs      CostService
	audit      AuditLogService
	events     OrderEventPublisher
	archiver   OrderSnapshotArchiver
	machine    OrderStateMachine
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("order service: order repository is required")
	case deps.Projects == nil:
		return nil, errors.New("order service: project repository is required")
	case deps.Counters == nil:
		return nil, errors.New("order service: counter service is required")
	case deps.Allocation == nil:
		return nil, errors.New("order service: allocation engine is required")
	case deps.Resolver == nil:
		return nil, errors.New("order service: subscription resolver is required")
	case deps.Costs == nil:
		return nil, errors.New("order service: cost service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		projects:   deps.Projects,
		counters:   deps.Counters,
		allocation: deps.Allocation,
		resolver:   deps.Resolver,
		costs:      deps.Costs,
		audit:      deps.Audit,
		events:     deps.Events,
		archiver:   deps.Archiver,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return Order{}, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}
	currencyCode, err := normalizeCurrency(cmd.Currency)
	if err != nil {
		return Order{}, err
	}
	country := ""
	if strings.TrimSpace(cmd.Country) != "" {
		if country, err = normalizeCountry(cmd.Country); err != nil {
			return Order{}, err
		}
	}

	orderNo, err := s.counters.NextOrderNumber(ctx)
	if err != nil {
		return Order{}, err
	}

	now := s.clock()
	order := Order{
		ID:         orderIDPrefix + s.newID(),
		OrderNo:    orderNo,
		CustomerID: customerID,
		Currency:   currencyCode,
		Country:    country,
		Status:     domain.OrderStatusDraft,
		Projects:   []domain.OrderProject{},
		CreatedBy:  strings.TrimSpace(cmd.ActorID),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, mapRepositoryError(err)
	}

	s.record(ctx, cmd.ActorID, "order.create", order.ID, nil, map[string]any{
		"orderNo":  order.OrderNo,
		"customer": order.CustomerID,
		"currency": order.Currency,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNo,
		CurrentStatus: string(order.Status),
		ActorID:       strings.TrimSpace(cmd.ActorID),
		OccurredAt:    now,
	})
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	filter.CustomerID = strings.TrimSpace(filter.CustomerID)
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, mapRepositoryError(err)
	}
	return page, nil
}

// AddProjectEntries adds the project when the order lacks it and allocates Count more entries.
func (s *orderService) AddProjectEntries(ctx context.Context, cmd AllocateEntriesCommand) (AllocationOutcome, error) {
	if cmd.Count <= 0 {
		return AllocationOutcome{}, fmt.Errorf("%w: count must be positive", ErrOrderInvalidInput)
	}
	order, project, err := s.loadDraftWithProject(ctx, cmd.OrderID, cmd.ProjectSlug)
	if err != nil {
		return AllocationOutcome{}, err
	}

	existing, _, present := order.Project(project.Slug)
	months, err := projectMonths(cmd.Months)
	if err != nil {
		return AllocationOutcome{}, err
	}
	result, err := s.allocation.SelectEntries(ctx, AllocationRequest{
		Project:        project,
		Count:          cmd.Count,
		ReservedIDs:    existing.EntryIDs(),
		Search:         cmd.Search,
		Fields:         cmd.Fields,
		Subscriptions:  cmd.Subscriptions,
		ExcludeOrderID: order.ID,
	})
	if err != nil {
		return AllocationOutcome{}, err
	}
	entries := toOrderEntries(result.Entries)

	if present {
		if len(entries) > 0 {
			if err := s.orders.AppendProjectEntries(ctx, order.ID, project.Slug, entries); err != nil {
				return AllocationOutcome{}, mapRepositoryError(err)
			}
		}
	} else {
		if err := s.orders.AddProject(ctx, order.ID, domain.OrderProject{Slug: project.Slug, Months: months, Entries: entries}); err != nil {
			return AllocationOutcome{}, mapRepositoryError(err)
		}
	}

	updated, err := s.recalculate(ctx, order.ID)
	if err != nil {
		return AllocationOutcome{}, err
	}
	s.record(ctx, cmd.ActorID, "order.entries.add", order.ID, map[string]AuditLogDiff{
		"projects." + project.Slug + ".entries": {Before: len(existing.Entries), After: len(existing.Entries) + len(entries)},
	}, map[string]any{
		"project":   project.Slug,
		"requested": cmd.Count,
		"shortfall": result.Shortfall,
		"entryIds":  entryIDs(entries),
	})

	return AllocationOutcome{Order: updated, Allocated: len(entries), Shortfall: result.Shortfall}, nil
}

// ReplaceProjectEntries releases every entry of the project before allocating a new set, so
// the released entries compete on equal terms. Count defaults to the current entry count.
func (s *orderService) ReplaceProjectEntries(ctx context.Context, cmd AllocateEntriesCommand) (AllocationOutcome, error) {
	if cmd.Count < 0 {
		return AllocationOutcome{}, fmt.Errorf("%w: count must not be negative", ErrOrderInvalidInput)
	}
	order, project, err := s.loadDraftWithProject(ctx, cmd.OrderID, cmd.ProjectSlug)
	if err != nil {
		return AllocationOutcome{}, err
	}
	existing, _, present := order.Project(project.Slug)
	if !present {
		return s.AddProjectEntries(ctx, cmd)
	}

	count := cmd.Count
	if count == 0 {
		count = len(existing.Entries)
	}
	if count == 0 {
		return AllocationOutcome{}, fmt.Errorf("%w: count must be positive", ErrOrderInvalidInput)
	}

	if err := s.orders.SetProjectEntries(ctx, order.ID, project.Slug, []domain.OrderEntry{}); err != nil {
		return AllocationOutcome{}, mapRepositoryError(err)
	}

	result, err := s.allocation.SelectEntries(ctx, AllocationRequest{
		Project:        project,
		Count:          count,
		Search:         cmd.Search,
		Fields:         cmd.Fields,
		Subscriptions:  cmd.Subscriptions,
		ExcludeOrderID: order.ID,
	})
	if err != nil {
		return AllocationOutcome{}, err
	}
	entries := toOrderEntries(result.Entries)
	if len(entries) > 0 {
		if err := s.orders.SetProjectEntries(ctx, order.ID, project.Slug, entries); err != nil {
			return AllocationOutcome{}, mapRepositoryError(err)
		}
	}

	updated, err := s.recalculate(ctx, order.ID)
	if err != nil {
		return AllocationOutcome{}, err
	}
	s.record(ctx, cmd.ActorID, "order.entries.replace", order.ID, map[string]AuditLogDiff{
		"projects." + project.Slug + ".entries": {Before: existing.EntryIDs(), After: entryIDs(entries)},
	}, map[string]any{
		"project":   project.Slug,
		"requested": count,
		"shortfall": result.Shortfall,
	})

	return AllocationOutcome{Order: updated, Allocated: len(entries), Shortfall: result.Shortfall}, nil
}

func (s *orderService) RemoveProject(ctx context.Context, cmd RemoveProjectCommand) (Order, error) {
	order, err := s.loadDraft(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	slug := strings.TrimSpace(cmd.ProjectSlug)
	existing, _, ok := order.Project(slug)
	if !ok {
		return Order{}, fmt.Errorf("%w: project %s is not part of order %s", ErrProjectNotFound, slug, order.ID)
	}

	if err := s.orders.RemoveProject(ctx, order.ID, slug); err != nil {
		return Order{}, mapRepositoryError(err)
	}
	updated, err := s.recalculate(ctx, order.ID)
	if err != nil {
		return Order{}, err
	}
	s.record(ctx, cmd.ActorID, "order.project.remove", order.ID, map[string]AuditLogDiff{
		"projects." + slug: {Before: existing.EntryIDs(), After: nil},
	}, map[string]any{"project": slug})
	return updated, nil
}

func (s *orderService) RemoveEntry(ctx context.Context, cmd RemoveEntryCommand) (Order, error) {
	order, err := s.loadDraft(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	slug := strings.TrimSpace(cmd.ProjectSlug)
	entryID := strings.TrimSpace(cmd.EntryID)
	project, _, ok := order.Project(slug)
	if !ok {
		return Order{}, fmt.Errorf("%w: project %s is not part of order %s", ErrProjectNotFound, slug, order.ID)
	}
	entry, _, ok := project.Entry(entryID)
	if !ok {
		return Order{}, fmt.Errorf("%w: %s in project %s of order %s", ErrEntryNotFound, entryID, slug, order.ID)
	}

	if err := s.orders.RemoveEntry(ctx, order.ID, slug, entryID); err != nil {
		return Order{}, mapRepositoryError(err)
	}
	updated, err := s.recalculate(ctx, order.ID)
	if err != nil {
		return Order{}, err
	}
	s.record(ctx, cmd.ActorID, "order.entry.remove", order.ID, map[string]AuditLogDiff{
		"projects." + slug + ".entries." + entryID: {Before: entry.SelectedSubscriptions, After: nil},
	}, map[string]any{"project": slug, "entry": entryID})
	return updated, nil
}

func (s *orderService) ChangeMonths(ctx context.Context, cmd ChangeMonthsCommand) (Order, error) {
	months, err := projectMonths(cmd.Months)
	if err != nil {
		return Order{}, err
	}
	order, err := s.loadDraft(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	slug := strings.TrimSpace(cmd.ProjectSlug)
	project, _, ok := order.Project(slug)
	if !ok {
		return Order{}, fmt.Errorf("%w: project %s is not part of order %s", ErrProjectNotFound, slug, order.ID)
	}

	if err := s.orders.SetProjectMonths(ctx, order.ID, slug, months); err != nil {
		return Order{}, mapRepositoryError(err)
	}
	updated, err := s.recalculate(ctx, order.ID)
	if err != nil {
		return Order{}, err
	}
	s.record(ctx, cmd.ActorID, "order.months.change", order.ID, map[string]AuditLogDiff{
		"projects." + slug + ".months": {Before: project.Months, After: months},
	}, map[string]any{"project": slug})
	return updated, nil
}

func (s *orderService) ChangeCurrency(ctx context.Context, cmd ChangeOrderFieldCommand) (Order, error) {
	code, err := normalizeCurrency(cmd.Value)
	if err != nil {
		return Order{}, err
	}
	return s.changeField(ctx, cmd, "currency", func(order Order) (string, repositories.OrderFieldsUpdate) {
		return order.Currency, repositories.OrderFieldsUpdate{Currency: &code}
	}, code)
}

func (s *orderService) ChangeCountry(ctx context.Context, cmd ChangeOrderFieldCommand) (Order, error) {
	country, err := normalizeCountry(cmd.Value)
	if err != nil {
		return Order{}, err
	}
	return s.changeField(ctx, cmd, "country", func(order Order) (string, repositories.OrderFieldsUpdate) {
		return order.Country, repositories.OrderFieldsUpdate{Country: &country}
	}, country)
}

func (s *orderService) ChangeCustomer(ctx context.Context, cmd ChangeOrderFieldCommand) (Order, error) {
	customerID := strings.TrimSpace(cmd.Value)
	if customerID == "" {
		return Order{}, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}
	return s.changeField(ctx, cmd, "customerId", func(order Order) (string, repositories.OrderFieldsUpdate) {
		return order.CustomerID, repositories.OrderFieldsUpdate{CustomerID: &customerID}
	}, customerID)
}

func (s *orderService) changeField(ctx context.Context, cmd ChangeOrderFieldCommand, field string, build func(Order) (string, repositories.OrderFieldsUpdate), value string) (Order, error) {
	order, err := s.loadDraft(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	before, update := build(order)
	if before == value {
		return order, nil
	}
	update.UpdatedAt = s.clock()
	if err := s.orders.SetOrderFields(ctx, order.ID, update); err != nil {
		return Order{}, mapRepositoryError(err)
	}
	updated, err := s.recalculate(ctx, order.ID)
	if err != nil {
		return Order{}, err
	}
	s.record(ctx, cmd.ActorID, "order."+strings.ToLower(field)+".change", order.ID, map[string]AuditLogDiff{
		field: {Before: before, After: value},
	}, nil)
	return updated, nil
}

// ChangeEntrySubscriptions replaces the selected fields of one entry. Fields held live by
// another order are dropped silently; the returned order shows what was kept.
func (s *orderService) ChangeEntrySubscriptions(ctx context.Context, cmd ChangeEntrySubscriptionsCommand) (Order, error) {
	order, project, err := s.loadDraftWithProject(ctx, cmd.OrderID, cmd.ProjectSlug)
	if err != nil {
		return Order{}, err
	}
	entryID := strings.TrimSpace(cmd.EntryID)
	inOrder, _, ok := order.Project(project.Slug)
	if !ok {
		return Order{}, fmt.Errorf("%w: project %s is not part of order %s", ErrProjectNotFound, project.Slug, order.ID)
	}
	current, _, ok := inOrder.Entry(entryID)
	if !ok {
		return Order{}, fmt.Errorf("%w: %s in project %s of order %s", ErrEntryNotFound, entryID, project.Slug, order.ID)
	}

	requested := uniqueStrings(cmd.Subscriptions)
	for _, field := range requested {
		if !project.IsSubscriptionField(field) {
			return Order{}, fmt.Errorf("%w: %s is not a subscription field of project %s", ErrOrderInvalidInput, field, project.Slug)
		}
	}
	available, err := s.resolver.FilterAvailableSubscriptions(ctx, SubscriptionRequest{
		ProjectSlug:    project.Slug,
		EntryID:        entryID,
		Requested:      requested,
		ExcludeOrderID: order.ID,
	})
	if err != nil {
		return Order{}, err
	}

	if err := s.orders.SetEntrySubscriptions(ctx, order.ID, project.Slug, map[string][]string{entryID: available}); err != nil {
		return Order{}, mapRepositoryError(err)
	}
	updated, err := s.recalculate(ctx, order.ID)
	if err != nil {
		return Order{}, err
	}
	s.record(ctx, cmd.ActorID, "order.subscriptions.change", order.ID, map[string]AuditLogDiff{
		"projects." + project.Slug + ".entries." + entryID + ".subscriptions": {Before: current.SelectedSubscriptions, After: available},
	}, map[string]any{
		"project": project.Slug,
		"entry":   entryID,
		"dropped": difference(requested, available),
	})
	return updated, nil
}

// ChangeColumnSubscription switches one field on or off for every entry of the project.
// Entries whose field is held live elsewhere keep their current selection.
func (s *orderService) ChangeColumnSubscription(ctx context.Context, cmd ChangeColumnSubscriptionCommand) (Order, error) {
	order, project, err := s.loadDraftWithProject(ctx, cmd.OrderID, cmd.ProjectSlug)
	if err != nil {
		return Order{}, err
	}
	field := strings.TrimSpace(cmd.Field)
	if !project.IsSubscriptionField(field) {
		return Order{}, fmt.Errorf("%w: %s is not a subscription field of project %s", ErrOrderInvalidInput, field, project.Slug)
	}
	inOrder, _, ok := order.Project(project.Slug)
	if !ok {
		return Order{}, fmt.Errorf("%w: project %s is not part of order %s", ErrProjectNotFound, project.Slug, order.ID)
	}

	selections := make(map[string][]string)
	var skipped []string
	for _, entry := range inOrder.Entries {
		has := entry.HasSubscription(field)
		switch {
		case cmd.Enabled && !has:
			available, err := s.resolver.FilterAvailableSubscriptions(ctx, SubscriptionRequest{
				ProjectSlug:    project.Slug,
				EntryID:        entry.EntryID,
				Requested:      []string{field},
				ExcludeOrderID: order.ID,
			})
			if err != nil {
				return Order{}, err
			}
			if len(available) == 0 {
				skipped = append(skipped, entry.EntryID)
				continue
			}
			selections[entry.EntryID] = append(slices.Clone(entry.SelectedSubscriptions), field)
		case !cmd.Enabled && has:
			selections[entry.EntryID] = slices.DeleteFunc(slices.Clone(entry.SelectedSubscriptions), func(v string) bool { return v == field })
		}
	}

	if len(selections) > 0 {
		if err := s.orders.SetEntrySubscriptions(ctx, order.ID, project.Slug, selections); err != nil {
			return Order{}, mapRepositoryError(err)
		}
	}
	updated, err := s.recalculate(ctx, order.ID)
	if err != nil {
		return Order{}, err
	}
	if len(selections) > 0 {
		s.record(ctx, cmd.ActorID, "order.column.change", order.ID, map[string]AuditLogDiff{
			"projects." + project.Slug + ".columns." + field: {Before: !cmd.Enabled, After: cmd.Enabled},
		}, map[string]any{
			"project": project.Slug,
			"changed": slices.Sorted(maps.Keys(selections)),
			"skipped": skipped,
		})
	}
	return updated, nil
}

// Checkout recalculates the draft and moves it to pending payment unless it costs nothing.
func (s *orderService) Checkout(ctx context.Context, cmd OrderTransitionCommand) (Order, error) {
	order, err := s.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	to, err := s.machine.Next(order.Status, domain.OrderEventCheckout)
	if err != nil {
		return Order{}, err
	}
	calculated, err := s.costs.Recalculate(ctx, order)
	if err != nil {
		return Order{}, err
	}
	if err := s.machine.Guard(calculated, domain.OrderEventCheckout); err != nil {
		return Order{}, err
	}
	return s.transition(ctx, calculated, domain.OrderEventCheckout, to, cmd.ActorID, "")
}

// Checkin unlocks a pending order for further edits.
func (s *orderService) Checkin(ctx context.Context, cmd OrderTransitionCommand) (Order, error) {
	order, err := s.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	to, err := s.machine.Next(order.Status, domain.OrderEventCheckin)
	if err != nil {
		return Order{}, err
	}
	return s.transition(ctx, order, domain.OrderEventCheckin, to, cmd.ActorID, "")
}

// ApplyPaymentFact records a gateway outcome. A fact whose transition was already applied is
// acknowledged without change so redelivered webhooks stay harmless.
func (s *orderService) ApplyPaymentFact(ctx context.Context, fact PaymentFact) (Order, error) {
	if fact.Event == "" {
		return Order{}, fmt.Errorf("%w: payment event is required", ErrOrderInvalidInput)
	}
	order, err := s.GetOrder(ctx, fact.OrderID)
	if err != nil {
		return Order{}, err
	}
	if alreadyApplied(order, fact.Event) {
		s.logger(ctx, "order.payment_fact.duplicate", map[string]any{
			"orderId":   order.ID,
			"event":     string(fact.Event),
			"reference": fact.Reference,
		})
		return order, nil
	}

	to, err := s.machine.Next(order.Status, fact.Event)
	if err != nil {
		return Order{}, err
	}
	if to == domain.OrderStatusPaid {
		if order, err = s.costs.Recalculate(ctx, order); err != nil {
			return Order{}, err
		}
	}

	actor := "system:" + strings.TrimSpace(fact.Source)
	if strings.TrimSpace(fact.Source) == "" {
		actor = "system"
	}
	updated, err := s.transition(ctx, order, fact.Event, to, actor, fact.Reference)
	if err != nil {
		return Order{}, err
	}
	if to == domain.OrderStatusPaid {
		s.archive(ctx, updated)
	}
	return updated, nil
}

func (s *orderService) Recalculate(ctx context.Context, orderID string) (Order, error) {
	order, err := s.loadDraft(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	return s.costs.Recalculate(ctx, order)
}

// transition writes the status change, pruning zero-cost projects on the way to paid.
func (s *orderService) transition(ctx context.Context, order Order, event domain.OrderEvent, to domain.OrderStatus, actor, reference string) (Order, error) {
	now := s.clock()
	pruned := s.machine.PrunedProjects(order, to)
	change := domain.StatusChange{
		From:      order.Status,
		To:        to,
		Event:     event,
		Actor:     strings.TrimSpace(actor),
		Reference: strings.TrimSpace(reference),
		At:        now,
	}
	if err := s.orders.TransitionStatus(ctx, order.ID, order.Status, change, pruned); err != nil {
		return Order{}, mapRepositoryError(err)
	}

	previous := order.Status
	order.Status = to
	order.UpdatedAt = now
	order.StatusHistory = append(slices.Clone(order.StatusHistory), change)
	if len(pruned) > 0 {
		order.Projects = slices.DeleteFunc(slices.Clone(order.Projects), func(p domain.OrderProject) bool {
			return slices.Contains(pruned, p.Slug)
		})
	}

	metadata := map[string]any{"event": string(event)}
	if change.Reference != "" {
		metadata["reference"] = change.Reference
	}
	if len(pruned) > 0 {
		metadata["prunedProjects"] = pruned
	}
	s.record(ctx, change.Actor, "order.status."+string(event), order.ID, map[string]AuditLogDiff{
		"status": {Before: string(previous), After: string(to)},
	}, metadata)
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNo,
		PreviousStatus: string(previous),
		CurrentStatus:  string(to),
		ActorID:        change.Actor,
		OccurredAt:     now,
		Metadata:       metadata,
	})
	return order, nil
}

func (s *orderService) loadDraft(ctx context.Context, orderID string) (Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := s.machine.AssertEditable(order); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) loadDraftWithProject(ctx context.Context, orderID, slug string) (Order, Project, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return Order{}, Project{}, fmt.Errorf("%w: project slug is required", ErrOrderInvalidInput)
	}
	order, err := s.loadDraft(ctx, orderID)
	if err != nil {
		return Order{}, Project{}, err
	}
	project, err := s.projects.FindBySlug(ctx, slug)
	if err != nil {
		return Order{}, Project{}, mapProjectError(slug, err)
	}
	if !project.Active {
		if _, _, inOrder := order.Project(slug); !inOrder {
			return Order{}, Project{}, fmt.Errorf("%w: project %s is not accepting sponsors", ErrOrderInvalidInput, slug)
		}
	}
	return order, project, nil
}

// recalculate reloads the order after a write and persists its new snapshot.
func (s *orderService) recalculate(ctx context.Context, orderID string) (Order, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	calculated, err := s.costs.Recalculate(ctx, order)
	if err != nil {
		s.logger(ctx, "order.recalculate.failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
		return Order{}, err
	}
	return calculated, nil
}

func orderAuditRef(orderID string) string {
	return "/orders/" + orderID
}

func (s *orderService) record(ctx context.Context, actor, action, orderID string, diff map[string]AuditLogDiff, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      strings.TrimSpace(actor),
		Action:     action,
		TargetRef:  orderAuditRef(orderID),
		OccurredAt: s.clock(),
		Diff:       diff,
		Metadata:   metadata,
	})
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func (s *orderService) archive(ctx context.Context, order Order) {
	if s.archiver == nil {
		return
	}
	location, err := s.archiver.ArchiveOrder(ctx, order)
	if err != nil {
		s.logger(ctx, "order.snapshot.archive.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return
	}
	s.logger(ctx, "order.snapshot.archived", map[string]any{
		"orderId":  order.ID,
		"location": location,
	})
}

// alreadyApplied reports whether the order's latest transition came from event.
func alreadyApplied(order Order, event domain.OrderEvent) bool {
	if len(order.StatusHistory) == 0 {
		return false
	}
	last := order.StatusHistory[len(order.StatusHistory)-1]
	return last.Event == event && last.To == order.Status
}

func projectMonths(months int) (int, error) {
	if months == 0 {
		return defaultProjectMonths, nil
	}
	if months < 1 || months > maxProjectMonths {
		return 0, fmt.Errorf("%w: months must be between 1 and %d", ErrOrderInvalidInput, maxProjectMonths)
	}
	return months, nil
}

func normalizeCountry(code string) (string, error) {
	region, err := language.ParseRegion(strings.TrimSpace(code))
	if err != nil || !region.IsCountry() {
		return "", fmt.Errorf("%w: unknown country %q", ErrOrderInvalidInput, code)
	}
	return region.String(), nil
}

func toOrderEntries(allocated []AllocatedEntry) []domain.OrderEntry {
	entries := make([]domain.OrderEntry, 0, len(allocated))
	for _, selected := range allocated {
		entries = append(entries, domain.OrderEntry{
			EntryID:               selected.Entry.ID,
			SelectedSubscriptions: slices.Clone(selected.Subscriptions),
		})
	}
	return entries
}

func entryIDs(entries []domain.OrderEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.EntryID)
	}
	return ids
}

func difference(all, kept []string) []string {
	var out []string
	for _, value := range all {
		if !slices.Contains(kept, value) {
			out = append(out, value)
		}
	}
	return out
}
