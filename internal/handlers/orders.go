package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/donorportal/api/internal/domain"
	"github.com/donorportal/api/internal/platform/auth"
	"github.com/donorportal/api/internal/platform/httpx"
	"github.com/donorportal/api/internal/platform/pagination"
	"github.com/donorportal/api/internal/services"
)

// OrderHandlers exposes draft editing and lifecycle endpoints to donors and staff.
// Donors only see their own orders; staff may act on any.
type OrderHandlers struct {
	authn     *auth.Authenticator
	orders    services.OrderService
	allocator rateLimiter
	replay    func(http.Handler) http.Handler
	history   services.SystemService
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithAllocationRateLimit throttles allocate and replace calls per caller.
func WithAllocationRateLimit(burst int, window time.Duration) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.allocator = newKeyedRateLimiter(burst, window, nil)
	}
}

// WithReplayProtection installs a middleware, run after authentication, that replays retried POSTs.
func WithReplayProtection(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.replay = mw
	}
}

// WithOrderHistory enables the staff-only audit trail of an order.
func WithOrderHistory(system services.SystemService) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.history = system
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{authn: authn, orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	if h.replay != nil {
		r.Use(h.replay)
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderId}", h.getOrder)
	r.Get("/{orderId}/history", h.orderHistory)
	r.Post("/{orderId}:checkout", h.checkout)
	r.Post("/{orderId}:checkin", h.checkin)
	r.Post("/{orderId}:recalculate", h.recalculate)
	r.Put("/{orderId}/currency", h.changeCurrency)
	r.Put("/{orderId}/country", h.changeCountry)
	r.Put("/{orderId}/customer", h.changeCustomer)

	r.Post("/{orderId}/projects/{slug}:allocate", h.allocate)
	r.Post("/{orderId}/projects/{slug}:replace", h.replace)
	r.Delete("/{orderId}/projects/{slug}", h.removeProject)
	r.Put("/{orderId}/projects/{slug}/months", h.changeMonths)
	r.Put("/{orderId}/projects/{slug}/columns/{field}", h.changeColumn)
	r.Delete("/{orderId}/projects/{slug}/entries/{entryId}", h.removeEntry)
	r.Put("/{orderId}/projects/{slug}/entries/{entryId}/subscriptions", h.changeEntrySubscriptions)
}

type createOrderRequest struct {
	Currency   string `json:"currency"`
	Country    string `json:"country"`
	CustomerID string `json:"customerId"`
}

type allocateRequest struct {
	Count         int               `json:"count"`
	Months        int               `json:"months"`
	Subscriptions []string          `json:"subscriptions"`
	Search        string            `json:"search"`
	Fields        map[string]string `json:"fields"`
}

type valueRequest struct {
	Value string `json:"value"`
}

type monthsRequest struct {
	Months int `json:"months"`
}

type subscriptionsRequest struct {
	Subscriptions []string `json:"subscriptions"`
}

type columnRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.identity(ctx, w)
	if !ok {
		return
	}
	var req createOrderRequest
	if !decodeJSONBody(ctx, w, r, &req, true) {
		return
	}

	customerID := identity.UID
	if identity.IsStaff() && strings.TrimSpace(req.CustomerID) != "" {
		customerID = strings.TrimSpace(req.CustomerID)
	}

	order, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		CustomerID: customerID,
		Currency:   req.Currency,
		Country:    req.Country,
		ActorID:    identity.ActorID(),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.identity(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()
	filter := services.OrderListFilter{CustomerID: identity.UID}
	if identity.IsStaff() {
		filter.CustomerID = strings.TrimSpace(query.Get("customerId"))
	}
	for _, raw := range parseFilterValues(query["status"]) {
		status, ok := parseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
			return
		}
		filter.Status = append(filter.Status, status)
	}
	for param, target := range map[string]**time.Time{
		"createdAfter":  &filter.DateRange.From,
		"createdBefore": &filter.DateRange.To,
	} {
		raw := strings.TrimSpace(query.Get(param))
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", param+" must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		ts = ts.UTC()
		*target = &ts
	}

	paging, err := pagination.FromRequest(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter.Pagination = paging

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	httpx.WriteJSON(w, http.StatusOK, orderListResponse{Items: items, NextPageToken: page.NextPageToken})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.identity(ctx, w)
	if !ok {
		return
	}
	order, ok := h.ownedOrder(ctx, w, r, identity)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) orderHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.identity(ctx, w)
	if !ok {
		return
	}
	if !identity.IsStaff() {
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "staff role required", http.StatusForbidden))
		return
	}
	if h.history == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_history_unavailable", "order history unavailable", http.StatusServiceUnavailable))
		return
	}
	paging, err := pagination.FromRequest(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.history.OrderHistory(ctx, chi.URLParam(r, "orderId"), paging)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	items := make([]orderHistoryPayload, 0, len(page.Items))
	for _, entry := range page.Items {
		items = append(items, buildOrderHistoryPayload(entry))
	}
	httpx.WriteJSON(w, http.StatusOK, orderHistoryResponse{Items: items, NextPageToken: page.NextPageToken})
}

func (h *OrderHandlers) checkout(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.orders.Checkout)
}

func (h *OrderHandlers) checkin(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.orders.Checkin)
}

func (h *OrderHandlers) transition(w http.ResponseWriter, r *http.Request, apply func(context.Context, services.OrderTransitionCommand) (services.Order, error)) {
	h.mutate(w, r, func(ctx context.Context, order services.Order, actor string) (services.Order, error) {
		return apply(ctx, services.OrderTransitionCommand{OrderID: order.ID, ActorID: actor})
	})
}

func (h *OrderHandlers) recalculate(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctx context.Context, order services.Order, _ string) (services.Order, error) {
		return h.orders.Recalculate(ctx, order.ID)
	})
}

func (h *OrderHandlers) changeCurrency(w http.ResponseWriter, r *http.Request) {
	h.changeField(w, r, false, h.orders.ChangeCurrency)
}

func (h *OrderHandlers) changeCountry(w http.ResponseWriter, r *http.Request) {
	h.changeField(w, r, false, h.orders.ChangeCountry)
}

func (h *OrderHandlers) changeCustomer(w http.ResponseWriter, r *http.Request) {
	h.changeField(w, r, true, h.orders.ChangeCustomer)
}

func (h *OrderHandlers) changeField(w http.ResponseWriter, r *http.Request, staffOnly bool, apply func(context.Context, services.ChangeOrderFieldCommand) (services.Order, error)) {
	ctx := r.Context()
	if staffOnly {
		if identity, ok := auth.IdentityFromContext(ctx); ok && !identity.IsStaff() {
			httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "staff role required", http.StatusForbidden))
			return
		}
	}
	var req valueRequest
	if !decodeJSONBody(ctx, w, r, &req, false) {
		return
	}
	h.mutate(w, r, func(ctx context.Context, order services.Order, actor string) (services.Order, error) {
		return apply(ctx, services.ChangeOrderFieldCommand{OrderID: order.ID, Value: req.Value, ActorID: actor})
	})
}

func (h *OrderHandlers) allocate(w http.ResponseWriter, r *http.Request) {
	h.allocation(w, r, h.orders.AddProjectEntries)
}

func (h *OrderHandlers) replace(w http.ResponseWriter, r *http.Request) {
	h.allocation(w, r, h.orders.ReplaceProjectEntries)
}

func (h *OrderHandlers) allocation(w http.ResponseWriter, r *http.Request, apply func(context.Context, services.AllocateEntriesCommand) (services.AllocationOutcome, error)) {
	ctx := r.Context()
	identity, ok := h.identity(ctx, w)
	if !ok {
		return
	}
	if h.allocator != nil && !h.allocator.Allow(identity.ActorID()) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many allocation requests", http.StatusTooManyRequests))
		return
	}
	var req allocateRequest
	if !decodeJSONBody(ctx, w, r, &req, false) {
		return
	}
	order, ok := h.ownedOrder(ctx, w, r, identity)
	if !ok {
		return
	}

	outcome, err := apply(ctx, services.AllocateEntriesCommand{
		OrderID:       order.ID,
		ProjectSlug:   chi.URLParam(r, "slug"),
		Count:         req.Count,
		Months:        req.Months,
		Subscriptions: req.Subscriptions,
		Search:        req.Search,
		Fields:        req.Fields,
		ActorID:       identity.ActorID(),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, allocationResponse{
		Order:     buildOrderPayload(outcome.Order),
		Allocated: outcome.Allocated,
		Shortfall: outcome.Shortfall,
	})
}

func (h *OrderHandlers) removeProject(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctx context.Context, order services.Order, actor string) (services.Order, error) {
		return h.orders.RemoveProject(ctx, services.RemoveProjectCommand{
			OrderID:     order.ID,
			ProjectSlug: chi.URLParam(r, "slug"),
			ActorID:     actor,
		})
	})
}

func (h *OrderHandlers) removeEntry(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctx context.Context, order services.Order, actor string) (services.Order, error) {
		return h.orders.RemoveEntry(ctx, services.RemoveEntryCommand{
			OrderID:     order.ID,
			ProjectSlug: chi.URLParam(r, "slug"),
			EntryID:     chi.URLParam(r, "entryId"),
			ActorID:     actor,
		})
	})
}

func (h *OrderHandlers) changeMonths(w http.ResponseWriter, r *http.Request) {
	var req monthsRequest
	if !decodeJSONBody(r.Context(), w, r, &req, false) {
		return
	}
	h.mutate(w, r, func(ctx context.Context, order services.Order, actor string) (services.Order, error) {
		return h.orders.ChangeMonths(ctx, services.ChangeMonthsCommand{
			OrderID:     order.ID,
			ProjectSlug: chi.URLParam(r, "slug"),
			Months:      req.Months,
			ActorID:     actor,
		})
	})
}

func (h *OrderHandlers) changeEntrySubscriptions(w http.ResponseWriter, r *http.Request) {
	var req subscriptionsRequest
	if !decodeJSONBody(r.Context(), w, r, &req, false) {
		return
	}
	h.mutate(w, r, func(ctx context.Context, order services.Order, actor string) (services.Order, error) {
		return h.orders.ChangeEntrySubscriptions(ctx, services.ChangeEntrySubscriptionsCommand{
			OrderID:       order.ID,
			ProjectSlug:   chi.URLParam(r, "slug"),
			EntryID:       chi.URLParam(r, "entryId"),
			Subscriptions: req.Subscriptions,
			ActorID:       actor,
		})
	})
}

func (h *OrderHandlers) changeColumn(w http.ResponseWriter, r *http.Request) {
	var req columnRequest
	if !decodeJSONBody(r.Context(), w, r, &req, false) {
		return
	}
	h.mutate(w, r, func(ctx context.Context, order services.Order, actor string) (services.Order, error) {
		return h.orders.ChangeColumnSubscription(ctx, services.ChangeColumnSubscriptionCommand{
			OrderID:     order.ID,
			ProjectSlug: chi.URLParam(r, "slug"),
			Field:       chi.URLParam(r, "field"),
			Enabled:     req.Enabled,
			ActorID:     actor,
		})
	})
}

// mutate resolves the caller, checks ownership and renders the updated order.
func (h *OrderHandlers) mutate(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, order services.Order, actor string) (services.Order, error)) {
	ctx := r.Context()
	identity, ok := h.identity(ctx, w)
	if !ok {
		return
	}
	order, ok := h.ownedOrder(ctx, w, r, identity)
	if !ok {
		return
	}
	updated, err := apply(ctx, order, identity.ActorID())
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(updated)})
}

func (h *OrderHandlers) identity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

// ownedOrder loads the path order. Orders of other customers are reported as missing to donors.
func (h *OrderHandlers) ownedOrder(ctx context.Context, w http.ResponseWriter, r *http.Request, identity *auth.Identity) (services.Order, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return services.Order{}, false
	}
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return services.Order{}, false
	}
	if !identity.IsStaff() && order.CustomerID != identity.UID {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return services.Order{}, false
	}
	return order, true
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrProjectNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("project_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrEntryNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("entry_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCurrencyRateUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("currency_rate_unavailable", "exchange rates are unavailable, try again later", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order store unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func parseFilterValues(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseOrderStatus(raw string) (domain.OrderStatus, bool) {
	status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case domain.OrderStatusDraft, domain.OrderStatusPendingPayment, domain.OrderStatusProcessing,
		domain.OrderStatusPaid, domain.OrderStatusAuthorized, domain.OrderStatusRefunded,
		domain.OrderStatusAborted, domain.OrderStatusCancelled, domain.OrderStatusRejected,
		domain.OrderStatusTerminated, domain.OrderStatusStopped, domain.OrderStatusExpired:
		return status, true
	}
	return "", false
}
