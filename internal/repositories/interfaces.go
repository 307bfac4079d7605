package repositories

import (
	"context"
	"time"

	domain "github.com/donorportal/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Entries() EntryRepository
	Projects() ProjectRepository
	Counters() CounterRepository
	AuditLogs() AuditLogRepository
	CurrencyRates() CurrencyRateRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists order documents. Mutating methods other than Insert,
// ApplyCostSnapshot and TransitionStatus only match orders still in draft and
// report a conflict otherwise.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)

	// ListReferencingEntry returns every order except excludeOrderID holding entryID under projectSlug.
	ListReferencingEntry(ctx context.Context, projectSlug, entryID, excludeOrderID string) ([]domain.Order, error)
	// ListReferencingProject returns every order except excludeOrderID that contains projectSlug.
	ListReferencingProject(ctx context.Context, projectSlug, excludeOrderID string) ([]domain.Order, error)

	AddProject(ctx context.Context, orderID string, project domain.OrderProject) error
	RemoveProject(ctx context.Context, orderID, slug string) error
	SetProjectEntries(ctx context.Context, orderID, slug string, entries []domain.OrderEntry) error
	AppendProjectEntries(ctx context.Context, orderID, slug string, entries []domain.OrderEntry) error
	RemoveEntry(ctx context.Context, orderID, slug, entryID string) error
	SetProjectMonths(ctx context.Context, orderID, slug string, months int) error
	SetEntrySubscriptions(ctx context.Context, orderID, slug string, selections map[string][]string) error
	SetOrderFields(ctx context.Context, orderID string, update OrderFieldsUpdate) error

	// ApplyCostSnapshot writes the calculated totals onto the stored order and each entry-in-order.
	ApplyCostSnapshot(ctx context.Context, order domain.Order) error
	// TransitionStatus moves the order from `from` to change.To, removing prunedSlugs in the same write.
	TransitionStatus(ctx context.Context, orderID string, from domain.OrderStatus, change domain.StatusChange, prunedSlugs []string) error
}

// EntryRepository reads the shared beneficiary pool. Each project owns one collection.
type EntryRepository interface {
	FindByID(ctx context.Context, projectSlug, entryID string) (domain.Entry, error)
	FindByIDs(ctx context.Context, projectSlug string, entryIDs []string) ([]domain.Entry, error)
	ListCandidates(ctx context.Context, projectSlug string, filter EntryFilter) ([]domain.Entry, error)
}

// ProjectRepository resolves read-mostly project definitions.
type ProjectRepository interface {
	FindBySlug(ctx context.Context, slug string) (domain.Project, error)
	ListActive(ctx context.Context) ([]domain.Project, error)
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// CurrencyRateRepository caches daily rate tables so historical orders reprice identically.
type CurrencyRateRepository interface {
	Get(ctx context.Context, base, date string) (domain.CurrencyRates, error)
	Save(ctx context.Context, rates domain.CurrencyRates) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	CustomerID string
	Status     []domain.OrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// EntryFilter narrows the candidate pool. Search is matched case-insensitively
// against SearchFields and Fields requires exact matches. A non-empty IncludeIDs
// restricts the pool to those entries; ExcludeIDs removes entries regardless.
type EntryFilter struct {
	Search       string
	SearchFields []string
	Fields       map[string]string
	IncludeIDs   []string
	ExcludeIDs   []string
	Limit        int
}

// OrderFieldsUpdate carries the scalar order attributes a draft edit may change.
// Nil pointers leave the stored value untouched.
type OrderFieldsUpdate struct {
	Currency   *string
	Country    *string
	CustomerID *string
	UpdatedAt  time.Time
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
