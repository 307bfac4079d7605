package services

import (
	"context"
	"time"

	domain "github.com/donorportal/api/internal/domain"
	"github.com/donorportal/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderProject       = domain.OrderProject
	OrderEntry         = domain.OrderEntry
	OrderStatus        = domain.OrderStatus
	Project            = domain.Project
	Entry              = domain.Entry
	CurrencyRates      = domain.CurrencyRates
	SystemHealthReport = domain.SystemHealthReport
	AuditLogEntry      = domain.AuditLogEntry
)

// OrderService is the single entry point for draft edits and externally asserted status changes.
// Every structural edit requires the order to be in draft and ends with a recalculated snapshot.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)

	AddProjectEntries(ctx context.Context, cmd AllocateEntriesCommand) (AllocationOutcome, error)
	ReplaceProjectEntries(ctx context.Context, cmd AllocateEntriesCommand) (AllocationOutcome, error)
	RemoveProject(ctx context.Context, cmd RemoveProjectCommand) (Order, error)
	RemoveEntry(ctx context.Context, cmd RemoveEntryCommand) (Order, error)
	ChangeMonths(ctx context.Context, cmd ChangeMonthsCommand) (Order, error)
	ChangeCurrency(ctx context.Context, cmd ChangeOrderFieldCommand) (Order, error)
	ChangeCountry(ctx context.Context, cmd ChangeOrderFieldCommand) (Order, error)
	ChangeCustomer(ctx context.Context, cmd ChangeOrderFieldCommand) (Order, error)
	ChangeEntrySubscriptions(ctx context.Context, cmd ChangeEntrySubscriptionsCommand) (Order, error)
	ChangeColumnSubscription(ctx context.Context, cmd ChangeColumnSubscriptionCommand) (Order, error)

	Checkout(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
	Checkin(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
	ApplyPaymentFact(ctx context.Context, fact PaymentFact) (Order, error)
	Recalculate(ctx context.Context, orderID string) (Order, error)
}

// AllocationEngine picks entries from a project's pool without double-booking live claims.
type AllocationEngine interface {
	SelectEntries(ctx context.Context, req AllocationRequest) (AllocationResult, error)
}

// SubscriptionResolver removes subscription fields already held by live orders.
type SubscriptionResolver interface {
	FilterAvailableSubscriptions(ctx context.Context, req SubscriptionRequest) ([]string, error)
}

// CostService recalculates an order snapshot and persists it.
type CostService interface {
	Recalculate(ctx context.Context, order Order) (Order, error)
}

// CurrencyRateService returns deterministic rate tables per base currency and calendar day.
type CurrencyRateService interface {
	GetRates(ctx context.Context, base string, asOf time.Time) (CurrencyRates, error)
	Prefetch(ctx context.Context, bases []string, asOf time.Time) (RatePrefetchResult, error)
}

// CurrencyRateSource fetches a fresh rate table from an upstream provider.
type CurrencyRateSource interface {
	Name() string
	Fetch(ctx context.Context, base string, date time.Time) (map[string]float64, error)
}

// CounterService issues formatted sequence numbers.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextOrderNumber(ctx context.Context) (string, error)
}

// SystemService backs the health probes and the staff-facing order history.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	OrderHistory(ctx context.Context, orderID string, page Pagination) (domain.CursorPage[AuditLogEntry], error)
}

// AuditLogService centralizes immutable audit log persistence and retrieval.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderSnapshotArchiver stores an immutable copy of a paid order.
type OrderSnapshotArchiver interface {
	ArchiveOrder(ctx context.Context, order Order) (string, error)
}

// Order DTOs -----------------------------------------------------------------

type OrderListFilter = repositories.OrderListFilter

type CreateOrderCommand struct {
	CustomerID string
	Currency   string
	Country    string
	ActorID    string
}

// AllocateEntriesCommand asks for Count more entries of a project. Subscriptions
// defaults to every subscription field of the project; Months defaults to 1 when
// the project is new to the order.
type AllocateEntriesCommand struct {
	OrderID       string
	ProjectSlug   string
	Count         int
	Months        int
	Subscriptions []string
	Search        string
	Fields        map[string]string
	ActorID       string
}

// AllocationOutcome returns the recalculated order together with any unmet demand.
type AllocationOutcome struct {
	Order     Order
	Allocated int
	Shortfall int
}

type RemoveProjectCommand struct {
	OrderID     string
	ProjectSlug string
	ActorID     string
}

type RemoveEntryCommand struct {
	OrderID     string
	ProjectSlug string
	EntryID     string
	ActorID     string
}

type ChangeMonthsCommand struct {
	OrderID     string
	ProjectSlug string
	Months      int
	ActorID     string
}

// ChangeOrderFieldCommand carries the new value for a scalar order attribute.
type ChangeOrderFieldCommand struct {
	OrderID string
	Value   string
	ActorID string
}

type ChangeEntrySubscriptionsCommand struct {
	OrderID       string
	ProjectSlug   string
	EntryID       string
	Subscriptions []string
	ActorID       string
}

// ChangeColumnSubscriptionCommand toggles one subscription field for every entry of a project.
type ChangeColumnSubscriptionCommand struct {
	OrderID     string
	ProjectSlug string
	Field       string
	Enabled     bool
	ActorID     string
}

type OrderTransitionCommand struct {
	OrderID string
	ActorID string
}

// PaymentFact is an externally asserted payment outcome, e.g. from a gateway webhook.
type PaymentFact struct {
	OrderID   string
	Event     domain.OrderEvent
	Reference string
	Source    string
}

// Allocation DTOs ------------------------------------------------------------

// AllocationRequest describes the demand for one project. ReservedIDs are entries the
// caller already holds and must not receive again.
type AllocationRequest struct {
	Project        Project
	Count          int
	ReservedIDs    []string
	Search         string
	Fields         map[string]string
	Subscriptions  []string
	ExcludeOrderID string
}

// AllocatedEntry is a selected entry together with the subscription fields it may carry.
type AllocatedEntry struct {
	Entry         Entry
	Subscriptions []string
	Tier          AllocationTier
}

// AllocationResult holds the selected entries in fill order. Shortfall is the unmet part of Count.
type AllocationResult struct {
	Entries   []AllocatedEntry
	Shortfall int
}

// SubscriptionRequest asks which of Requested may still be claimed for the entry.
// Entry is optional; when empty it is loaded from the pool.
type SubscriptionRequest struct {
	ProjectSlug    string
	EntryID        string
	Entry          *Entry
	Requested      []string
	ExcludeOrderID string
}

// Currency DTOs --------------------------------------------------------------

// RatePrefetchResult lists which bases were warmed and which failed.
type RatePrefetchResult struct {
	Date    string
	Fetched []string
	Cached  []string
	Failed  map[string]string
}

// Counter DTOs ---------------------------------------------------------------

// CounterGenerationOptions controls how counter values are incremented and formatted.
type CounterGenerationOptions struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
	Prefix       string
	PadLength    int
	Formatter    func(now time.Time, value int64) string
}

type CounterValue struct {
	Value     int64
	Formatted string
}

// Event DTOs -----------------------------------------------------------------

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// Audit DTOs -----------------------------------------------------------------

// AuditLogRecord defines the payload accepted by the audit writer service.
type AuditLogRecord struct {
	Actor                 string
	ActorType             string
	Action                string
	TargetRef             string
	Severity              string
	RequestID             string
	OccurredAt            time.Time
	Metadata              map[string]any
	Diff                  map[string]AuditLogDiff
	SensitiveMetadataKeys []string
	SensitiveDiffKeys     []string
	IPAddress             string
	UserAgent             string
}

// AuditLogDiff captures before/after values for tracked fields.
type AuditLogDiff struct {
	Before any
	After  any
}

type AuditLogFilter = repositories.AuditLogFilter
