package domain

import "time"

// Pagination captures cursor-based pagination inputs shared by list queries.
type Pagination struct {
	PageSize  int
	PageToken string
}

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage wraps a page of results with the token for the following page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates the lifecycle states of a sponsorship order.
type OrderStatus string

const (
	OrderStatusDraft          OrderStatus = "draft"
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusAuthorized     OrderStatus = "authorized"
	OrderStatusRefunded       OrderStatus = "refunded"
	OrderStatusAborted        OrderStatus = "aborted"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusRejected       OrderStatus = "rejected"
	OrderStatusTerminated     OrderStatus = "terminated"
	OrderStatusStopped        OrderStatus = "stopped"
	OrderStatusExpired        OrderStatus = "expired"
)

// IsTerminal reports whether the status forbids further structural edits.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusPaid, OrderStatusRefunded, OrderStatusAborted, OrderStatusCancelled,
		OrderStatusRejected, OrderStatusTerminated, OrderStatusStopped, OrderStatusExpired:
		return true
	}
	return false
}

// ReleasesClaims reports whether orders in this status no longer hold their entries.
func (s OrderStatus) ReleasesClaims() bool {
	switch s {
	case OrderStatusAborted, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// OrderEvent names a trigger accepted by the order state machine.
type OrderEvent string

const (
	OrderEventCheckout  OrderEvent = "checkout"
	OrderEventCheckin   OrderEvent = "checkin"
	OrderEventProcess   OrderEvent = "process"
	OrderEventAuthorize OrderEvent = "authorize"
	OrderEventPay       OrderEvent = "pay"
	OrderEventRefund    OrderEvent = "refund"
	OrderEventAbort     OrderEvent = "abort"
	OrderEventCancel    OrderEvent = "cancel"
	OrderEventReject    OrderEvent = "reject"
	OrderEventTerminate OrderEvent = "terminate"
	OrderEventStop      OrderEvent = "stop"
	OrderEventExpire    OrderEvent = "expire"
)

// Order is the sponsorship aggregate. Totals are a denormalised snapshot in Currency.
type Order struct {
	ID                   string
	OrderNo              string
	CustomerID           string
	Currency             string
	Country              string
	Status               OrderStatus
	Projects             []OrderProject
	TotalCost            float64
	TotalCostSingleMonth float64
	StatusHistory        []StatusChange
	CreatedBy            string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	CalculatedAt         *time.Time
}

// Project returns the project-in-order with the given slug.
func (o Order) Project(slug string) (OrderProject, int, bool) {
	for i, project := range o.Projects {
		if project.Slug == slug {
			return project, i, true
		}
	}
	return OrderProject{}, -1, false
}

// OrderProject groups the entries sponsored for one project within an order.
type OrderProject struct {
	Slug                      string
	Months                    int
	Entries                   []OrderEntry
	TotalCostSingleMonth      float64
	TotalCostAllMonths        float64
	TotalCostAllSubscriptions float64
	TotalSubscriptionCosts    []SubscriptionCost
}

// EntryIDs lists the entries referenced by the project in order.
func (p OrderProject) EntryIDs() []string {
	ids := make([]string, 0, len(p.Entries))
	for _, entry := range p.Entries {
		ids = append(ids, entry.EntryID)
	}
	return ids
}

// Entry returns the entry-in-order with the given id.
func (p OrderProject) Entry(entryID string) (OrderEntry, int, bool) {
	for i, entry := range p.Entries {
		if entry.EntryID == entryID {
			return entry, i, true
		}
	}
	return OrderEntry{}, -1, false
}

// OrderEntry is the converted cost snapshot of one entry within an order.
type OrderEntry struct {
	EntryID                   string
	SelectedSubscriptions     []string
	TotalCost                 float64
	TotalCostAllSubscriptions float64
	Costs                     []EntryCost
}

// HasSubscription reports whether the field is selected for the entry.
func (e OrderEntry) HasSubscription(field string) bool {
	for _, selected := range e.SelectedSubscriptions {
		if selected == field {
			return true
		}
	}
	return false
}

// EntryCost is the per-field breakdown of an entry's cost.
type EntryCost struct {
	Field          string
	NativeCost     float64
	NativeCurrency string
	Cost           float64
	Selected       bool
}

// SubscriptionCost aggregates a subscription field across the entries of a project.
type SubscriptionCost struct {
	Field                string
	Entries              int
	TotalCostSingleMonth float64
	TotalCostAllMonths   float64
}

// StatusChange records one applied state machine transition.
type StatusChange struct {
	From      OrderStatus
	To        OrderStatus
	Event     OrderEvent
	Actor     string
	Reference string
	At        time.Time
}

// AuditLogEntry stores normalised audit information for staff use.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Metadata  map[string]any
	Diff      map[string]any
	IPHash    string
	UserAgent string
	Severity  string
	RequestID string
	CreatedAt time.Time
}

const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthCheck describes the state of one downstream dependency.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// Rate cache states reported per base currency.
const (
	RateTableCached      = "cached"
	RateTableMissing     = "missing"
	RateTableUnavailable = "unavailable"
)

// SystemHealthReport aggregates dependency status for health endpoints. Runtime and
// RateTables are informational and never change Status.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
	Runtime     map[string]string
	RateDate    string
	RateTables  map[string]string
}
