package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/donorportal/api/internal/domain"
	"github.com/donorportal/api/internal/platform/textutil"
	"github.com/donorportal/api/internal/repositories"
)

const (
	allocationMetricNamespace = "github.com/donorportal/api/internal/services"
	defaultAllocationPoolSize = 500
)

// AllocationTier records why an entry was selected.
type AllocationTier int

const (
	// TierExpired entries were held before but every claim on them has lapsed.
	TierExpired AllocationTier = iota + 1
	// TierUnallocated entries were never referenced by another order.
	TierUnallocated
	// TierPartial entries are still held live but have requested fields left free.
	TierPartial
)

func (t AllocationTier) String() string {
	switch t {
	case TierExpired:
		return "expired"
	case TierUnallocated:
		return "unallocated"
	case TierPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// AllocationEngineDeps bundles collaborators for entry selection.
type AllocationEngineDeps struct {
	Orders   repositories.OrderRepository
	Entries  repositories.EntryRepository
	PoolSize int
	Clock    func() time.Time
	// Shuffle randomises ties within a tier. Defaults to math/rand/v2.
	Shuffle func(n int, swap func(i, j int))
	Meter   metric.Meter
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type allocationEngine struct {
	orders    repositories.OrderRepository
	entries   repositories.EntryRepository
	poolSize  int
	clock     func() time.Time
	shuffle   func(n int, swap func(i, j int))
	shortfall metric.Int64Counter
	logger    func(context.Context, string, map[string]any)
}

// NewAllocationEngine constructs the tiered entry selector.
func NewAllocationEngine(deps AllocationEngineDeps) (AllocationEngine, error) {
	if deps.Orders == nil {
		return nil, errors.New("allocation engine: order repository is required")
	}
	if deps.Entries == nil {
		return nil, errors.New("allocation engine: entry repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	shuffle := deps.Shuffle
	if shuffle == nil {
		shuffle = rand.Shuffle
	}
	poolSize := deps.PoolSize
	if poolSize <= 0 {
		poolSize = defaultAllocationPoolSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(allocationMetricNamespace)
	}
	shortfall, err := meter.Int64Counter(
		"allocation.shortfall",
		metric.WithDescription("Entries requested but not available in the pool"),
	)
	if err != nil {
		return nil, fmt.Errorf("allocation engine: register shortfall metric: %w", err)
	}

	return &allocationEngine{
		orders:   deps.Orders,
		entries:  deps.Entries,
		poolSize: poolSize,
		clock: func() time.Time {
			return clock().UTC()
		},
		shuffle:   shuffle,
		shortfall: shortfall,
		logger:    logger,
	}, nil
}

// SelectEntries fills the request from lapsed entries first, then untouched entries,
// then entries with free fields left. An exhausted pool yields fewer entries, not an error.
func (e *allocationEngine) SelectEntries(ctx context.Context, req AllocationRequest) (AllocationResult, error) {
	slug := strings.TrimSpace(req.Project.Slug)
	if slug == "" {
		return AllocationResult{}, fmt.Errorf("%w: project is required", ErrOrderInvalidInput)
	}
	if req.Count <= 0 {
		return AllocationResult{}, fmt.Errorf("%w: count must be positive", ErrOrderInvalidInput)
	}

	requested, err := requestedSubscriptions(req.Project, req.Subscriptions)
	if err != nil {
		return AllocationResult{}, err
	}

	orders, err := e.orders.ListReferencingProject(ctx, slug, strings.TrimSpace(req.ExcludeOrderID))
	if err != nil {
		return AllocationResult{}, mapRepositoryError(err)
	}
	claims := collectClaims(orders, slug, e.clock())

	var referenced, lapsed, held []string
	for id, claim := range claims {
		if !claim.referenced {
			continue
		}
		referenced = append(referenced, id)
		if claim.live {
			held = append(held, id)
		} else {
			lapsed = append(lapsed, id)
		}
	}
	slices.Sort(referenced)
	slices.Sort(lapsed)
	slices.Sort(held)

	reserved := uniqueStrings(req.ReservedIDs)
	base := repositories.EntryFilter{
		Search:       textutil.SearchText(req.Search),
		SearchFields: searchableFields(req.Project),
		Fields:       textutil.NormalizeStringMap(req.Fields),
		ExcludeIDs:   reserved,
	}
	result := AllocationResult{Entries: make([]AllocatedEntry, 0, req.Count)}

	// Tiers are queried separately; the untouched tier excludes every referenced id.
	if len(lapsed) > 0 {
		filter := base
		filter.IncludeIDs = lapsed
		err := e.fillTier(ctx, slug, filter, req.Count, &result, func(entry domain.Entry) (AllocatedEntry, bool) {
			return AllocatedEntry{Entry: entry, Subscriptions: slices.Clone(requested), Tier: TierExpired}, true
		})
		if err != nil {
			return AllocationResult{}, err
		}
	}

	if remaining := req.Count - len(result.Entries); remaining > 0 {
		filter := base
		filter.ExcludeIDs = append(slices.Clone(reserved), referenced...)
		filter.Limit = max(e.poolSize, remaining)
		err := e.fillTier(ctx, slug, filter, req.Count, &result, func(entry domain.Entry) (AllocatedEntry, bool) {
			return AllocatedEntry{Entry: entry, Subscriptions: slices.Clone(requested), Tier: TierUnallocated}, true
		})
		if err != nil {
			return AllocationResult{}, err
		}
	}

	if remaining := req.Count - len(result.Entries); remaining > 0 && len(held) > 0 {
		filter := base
		filter.IncludeIDs = held
		err := e.fillTier(ctx, slug, filter, req.Count, &result, func(entry domain.Entry) (AllocatedEntry, bool) {
			free := positiveCostFields(entry, freeSubscriptions(entry, requested, claims[entry.ID]))
			if len(free) == 0 {
				return AllocatedEntry{}, false
			}
			return AllocatedEntry{Entry: entry, Subscriptions: free, Tier: TierPartial}, true
		})
		if err != nil {
			return AllocationResult{}, err
		}
	}

	result.Shortfall = req.Count - len(result.Entries)
	if result.Shortfall > 0 {
		e.shortfall.Add(ctx, int64(result.Shortfall), metric.WithAttributes(attribute.String("project", slug)))
		e.logger(ctx, "allocation.shortfall", map[string]any{
			"project":   slug,
			"requested": req.Count,
			"allocated": len(result.Entries),
		})
	}
	return result, nil
}

// fillTier loads one tier, shuffles it and appends entries until count is reached.
func (e *allocationEngine) fillTier(ctx context.Context, slug string, filter repositories.EntryFilter, count int, result *AllocationResult, build func(domain.Entry) (AllocatedEntry, bool)) error {
	entries, err := e.entries.ListCandidates(ctx, slug, filter)
	if err != nil {
		return mapRepositoryError(err)
	}
	tier := make([]AllocatedEntry, 0, len(entries))
	for _, entry := range entries {
		if selected, ok := build(entry); ok {
			tier = append(tier, selected)
		}
	}
	e.shuffle(len(tier), func(i, j int) { tier[i], tier[j] = tier[j], tier[i] })
	for _, selected := range tier {
		if len(result.Entries) == count {
			break
		}
		result.Entries = append(result.Entries, selected)
	}
	return nil
}

// requestedSubscriptions validates the requested fields against the project. An empty
// request means every subscription field.
func requestedSubscriptions(project domain.Project, requested []string) ([]string, error) {
	fields := uniqueStrings(requested)
	if len(fields) == 0 {
		return project.SubscriptionFields(), nil
	}
	for _, field := range fields {
		if !project.IsSubscriptionField(field) {
			return nil, fmt.Errorf("%w: %s is not a subscription field of project %s", ErrOrderInvalidInput, field, project.Slug)
		}
	}
	return fields, nil
}

// searchableFields are the visible descriptive fields free-text search runs against.
func searchableFields(project domain.Project) []string {
	var fields []string
	for _, field := range project.Fields {
		if field.Visible && !field.Subscription && field.Type == domain.FieldTypeText {
			fields = append(fields, field.Name)
		}
	}
	return fields
}

func positiveCostFields(entry domain.Entry, fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if entry.Cost(field) > 0 {
			out = append(out, field)
		}
	}
	return out
}
