package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/donorportal/api/internal/platform/httpx"
	"github.com/donorportal/api/internal/services"
)

// InternalHandlers serves scheduler-triggered maintenance endpoints.
type InternalHandlers struct {
	rates        services.CurrencyRateService
	defaultBases []string
}

// NewInternalHandlers constructs the internal endpoints. defaultBases are warmed when a
// prefetch request names none.
func NewInternalHandlers(rates services.CurrencyRateService, defaultBases []string) *InternalHandlers {
	return &InternalHandlers{rates: rates, defaultBases: defaultBases}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/rates:prefetch", h.prefetchRates)
}

type prefetchRatesRequest struct {
	Bases []string `json:"bases"`
	Date  string   `json:"date"`
}

type prefetchRatesResponse struct {
	Date    string            `json:"date"`
	Fetched []string          `json:"fetched"`
	Cached  []string          `json:"cached"`
	Failed  map[string]string `json:"failed,omitempty"`
}

func (h *InternalHandlers) prefetchRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.rates == nil {
		httpx.WriteError(ctx, w, httpx.NewError("rates_unavailable", "currency rate service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req prefetchRatesRequest
	if !decodeJSONBody(ctx, w, r, &req, true) {
		return
	}

	bases := req.Bases
	if len(bases) == 0 {
		bases = h.defaultBases
	}
	if len(bases) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "no base currencies to prefetch", http.StatusBadRequest))
		return
	}
	var asOf time.Time
	if raw := strings.TrimSpace(req.Date); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "date must use YYYY-MM-DD", http.StatusBadRequest))
			return
		}
		asOf = parsed
	}

	result, err := h.rates.Prefetch(ctx, bases, asOf)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	status := http.StatusOK
	if len(result.Failed) > 0 && len(result.Fetched)+len(result.Cached) == 0 {
		status = http.StatusBadGateway
	}
	httpx.WriteJSON(w, status, prefetchRatesResponse{
		Date:    result.Date,
		Fetched: nonNil(result.Fetched),
		Cached:  nonNil(result.Cached),
		Failed:  result.Failed,
	})
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
