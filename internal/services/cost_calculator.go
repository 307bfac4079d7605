package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	domain "github.com/donorportal/api/internal/domain"
	"github.com/donorportal/api/internal/repositories"
)

var (
	// markupCutoff separates the two markup factor versions. Orders created at or after it use the reduced factor.
	markupCutoff = time.Date(2025, time.May, 25, 0, 0, 0, 0, time.UTC)
)

const (
	markupFactorLegacy  = 0.05
	markupFactorCurrent = 0.035
)

// MarkupFactor returns the factor applied to foreign conversion rates for an order created at createdAt.
func MarkupFactor(createdAt time.Time) float64 {
	if createdAt.UTC().Before(markupCutoff) {
		return markupFactorLegacy
	}
	return markupFactorCurrent
}

// CostInputs are the immutable inputs of a recalculation. Entries is keyed by project slug, then entry id.
// Rates must use the order currency as base.
type CostInputs struct {
	Projects map[string]domain.Project
	Entries  map[string]map[string]domain.Entry
	Rates    domain.CurrencyRates
}

// CalculateOrder returns a copy of order with every cost snapshot recomputed. Amounts are rounded
// to two decimals as soon as they are produced, so aggregates are sums of rounded figures.
func CalculateOrder(order domain.Order, in CostInputs) (domain.Order, error) {
	out := order
	out.Projects = make([]domain.OrderProject, len(order.Projects))

	var orderTotal, orderSingleMonth float64
	for i, project := range order.Projects {
		definition, ok := in.Projects[project.Slug]
		if !ok {
			return domain.Order{}, fmt.Errorf("%w: project %s in order %s", ErrProjectNotFound, project.Slug, order.ID)
		}
		foreignRate, err := foreignRate(order, definition, in.Rates)
		if err != nil {
			return domain.Order{}, err
		}
		calculated, err := calculateProject(project, definition, in.Entries[project.Slug], foreignRate)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order %s: %w", order.ID, err)
		}
		out.Projects[i] = calculated
		orderTotal = round2(orderTotal + calculated.TotalCostAllMonths)
		orderSingleMonth = round2(orderSingleMonth + calculated.TotalCostSingleMonth)
	}

	out.TotalCost = orderTotal
	out.TotalCostSingleMonth = orderSingleMonth
	return out, nil
}

// foreignRate is the divisor turning a native project cost into the order currency.
// The markup applies to converted prices only. A project priced in the order currency
// converts at exactly 1 and its donors pay the native cost, whatever the order date.
func foreignRate(order domain.Order, project domain.Project, rates domain.CurrencyRates) (float64, error) {
	if strings.EqualFold(project.Currency, order.Currency) {
		return 1, nil
	}
	if !strings.EqualFold(rates.Base, order.Currency) {
		return 0, fmt.Errorf("%w: rate table base %s does not match order currency %s", ErrCurrencyRateUnavailable, rates.Base, order.Currency)
	}
	rate, ok := rates.Rate(project.Currency)
	if !ok {
		return 0, fmt.Errorf("%w: no %s rate for %s on %s", ErrCurrencyRateUnavailable, project.Currency, rates.Base, rates.Date)
	}
	return rate * (1 - MarkupFactor(order.CreatedAt)), nil
}

func calculateProject(project domain.OrderProject, definition domain.Project, entries map[string]domain.Entry, rate float64) (domain.OrderProject, error) {
	fields := definition.SubscriptionFields()
	months := project.Months
	if months < 1 {
		months = 1
	}

	out := project
	out.Entries = make([]domain.OrderEntry, len(project.Entries))
	fieldTotals := make([]domain.SubscriptionCost, len(fields))
	for i, field := range fields {
		fieldTotals[i].Field = field
	}

	var full, single float64
	for i, orderEntry := range project.Entries {
		entry, ok := entries[orderEntry.EntryID]
		if !ok {
			return domain.OrderProject{}, fmt.Errorf("%w: entry %s in project %s", ErrEntryNotFound, orderEntry.EntryID, project.Slug)
		}
		calculated := calculateEntry(orderEntry, entry, fields, definition.Currency, rate)
		out.Entries[i] = calculated
		full = round2(full + calculated.TotalCostAllSubscriptions)
		single = round2(single + calculated.TotalCost)

		for j, cost := range calculated.Costs {
			if !cost.Selected {
				continue
			}
			fieldTotals[j].Entries++
			fieldTotals[j].TotalCostSingleMonth = round2(fieldTotals[j].TotalCostSingleMonth + cost.Cost)
		}
	}
	for i := range fieldTotals {
		fieldTotals[i].TotalCostAllMonths = round2(fieldTotals[i].TotalCostSingleMonth * float64(months))
	}

	out.TotalCostAllSubscriptions = full
	out.TotalCostSingleMonth = single
	out.TotalCostAllMonths = round2(single * float64(months))
	out.TotalSubscriptionCosts = fieldTotals
	return out, nil
}

func calculateEntry(orderEntry domain.OrderEntry, entry domain.Entry, fields []string, currency string, rate float64) domain.OrderEntry {
	out := orderEntry
	out.SelectedSubscriptions = slices.Clone(orderEntry.SelectedSubscriptions)
	out.Costs = make([]domain.EntryCost, len(fields))

	var full, selected float64
	for i, field := range fields {
		native := entry.Cost(field)
		converted := round2(native / rate)
		isSelected := orderEntry.HasSubscription(field)
		out.Costs[i] = domain.EntryCost{
			Field:          field,
			NativeCost:     native,
			NativeCurrency: currency,
			Cost:           converted,
			Selected:       isSelected,
		}
		full = round2(full + converted)
		if isSelected {
			selected = round2(selected + converted)
		}
	}
	out.TotalCost = selected
	out.TotalCostAllSubscriptions = full
	return out
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

// CostServiceDeps bundles the collaborators needed to price and persist orders.
type CostServiceDeps struct {
	Orders   repositories.OrderRepository
	Entries  repositories.EntryRepository
	Projects repositories.ProjectRepository
	Rates    CurrencyRateService
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type costService struct {
	orders   repositories.OrderRepository
	entries  repositories.EntryRepository
	projects repositories.ProjectRepository
	rates    CurrencyRateService
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewCostService wires the loaders around CalculateOrder and the snapshot writer.
func NewCostService(deps CostServiceDeps) (CostService, error) {
	if deps.Orders == nil {
		return nil, errors.New("cost service: order repository is required")
	}
	if deps.Entries == nil {
		return nil, errors.New("cost service: entry repository is required")
	}
	if deps.Projects == nil {
		return nil, errors.New("cost service: project repository is required")
	}
	if deps.Rates == nil {
		return nil, errors.New("cost service: currency rate service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &costService{
		orders:   deps.Orders,
		entries:  deps.Entries,
		projects: deps.Projects,
		rates:    deps.Rates,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Recalculate loads the inputs for order, computes the snapshot and writes it back.
// Nothing is written when any input cannot be loaded.
func (s *costService) Recalculate(ctx context.Context, order Order) (Order, error) {
	inputs, err := s.loadInputs(ctx, order)
	if err != nil {
		return Order{}, err
	}

	calculated, err := CalculateOrder(order, inputs)
	if err != nil {
		return Order{}, err
	}
	now := s.clock()
	calculated.CalculatedAt = &now

	if err := s.orders.ApplyCostSnapshot(ctx, calculated); err != nil {
		return Order{}, mapRepositoryError(err)
	}

	s.logger(ctx, "order.cost.recalculated", map[string]any{
		"orderId":              order.ID,
		"currency":             order.Currency,
		"totalCost":            calculated.TotalCost,
		"totalCostSingleMonth": calculated.TotalCostSingleMonth,
	})
	return calculated, nil
}

func (s *costService) loadInputs(ctx context.Context, order Order) (CostInputs, error) {
	inputs := CostInputs{
		Projects: make(map[string]domain.Project, len(order.Projects)),
		Entries:  make(map[string]map[string]domain.Entry, len(order.Projects)),
	}

	needsRates := false
	for _, project := range order.Projects {
		definition, err := s.projects.FindBySlug(ctx, project.Slug)
		if err != nil {
			return CostInputs{}, mapProjectError(project.Slug, err)
		}
		inputs.Projects[project.Slug] = definition
		if !strings.EqualFold(definition.Currency, order.Currency) {
			needsRates = true
		}

		ids := project.EntryIDs()
		byID := make(map[string]domain.Entry, len(ids))
		if len(ids) > 0 {
			entries, err := s.entries.FindByIDs(ctx, project.Slug, ids)
			if err != nil {
				return CostInputs{}, mapRepositoryError(err)
			}
			for _, entry := range entries {
				byID[entry.ID] = entry
			}
		}
		inputs.Entries[project.Slug] = byID
	}

	if needsRates {
		rates, err := s.rates.GetRates(ctx, order.Currency, order.CreatedAt)
		if err != nil {
			return CostInputs{}, err
		}
		inputs.Rates = rates
	}
	return inputs, nil
}
