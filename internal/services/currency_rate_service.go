package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/currency"

	domain "github.com/donorportal/api/internal/domain"
	"github.com/donorportal/api/internal/repositories"
)

// CurrencyRateServiceDeps bundles the upstream source and the day cache.
type CurrencyRateServiceDeps struct {
	Repository repositories.CurrencyRateRepository
	Source     CurrencyRateSource
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type currencyRateService struct {
	repo   repositories.CurrencyRateRepository
	source CurrencyRateSource
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)

	mu     sync.RWMutex
	memory map[string]domain.CurrencyRates
}

// NewCurrencyRateService constructs a rate provider that serves each (base, day) pair from the
// first table it ever fetched, so historical orders reprice identically.
func NewCurrencyRateService(deps CurrencyRateServiceDeps) (CurrencyRateService, error) {
	if deps.Source == nil {
		return nil, errors.New("currency rate service: source is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &currencyRateService{
		repo:   deps.Repository,
		source: deps.Source,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
		memory: make(map[string]domain.CurrencyRates),
	}, nil
}

func (s *currencyRateService) GetRates(ctx context.Context, base string, asOf time.Time) (CurrencyRates, error) {
	base, err := normalizeCurrency(base)
	if err != nil {
		return CurrencyRates{}, err
	}
	day := s.rateDay(asOf)
	rates, _, err := s.load(ctx, base, day)
	return rates, err
}

// Prefetch warms the cache for each base on asOf. Failures are reported per base.
func (s *currencyRateService) Prefetch(ctx context.Context, bases []string, asOf time.Time) (RatePrefetchResult, error) {
	day := s.rateDay(asOf)
	result := RatePrefetchResult{Date: domain.RateDate(day), Failed: map[string]string{}}
	for _, raw := range uniqueStrings(bases) {
		base, err := normalizeCurrency(raw)
		if err != nil {
			result.Failed[raw] = err.Error()
			continue
		}
		_, fetched, err := s.load(ctx, base, day)
		switch {
		case err != nil:
			result.Failed[base] = err.Error()
		case fetched:
			result.Fetched = append(result.Fetched, base)
		default:
			result.Cached = append(result.Cached, base)
		}
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// load resolves a rate table from memory, then the store, then the source. The bool reports
// whether the source was called.
func (s *currencyRateService) load(ctx context.Context, base string, day time.Time) (CurrencyRates, bool, error) {
	date := domain.RateDate(day)
	key := base + "_" + date

	s.mu.RLock()
	cached, ok := s.memory[key]
	s.mu.RUnlock()
	if ok {
		return cached, false, nil
	}

	if s.repo != nil {
		stored, err := s.repo.Get(ctx, base, date)
		if err == nil {
			s.remember(key, stored)
			return stored, false, nil
		}
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
			return CurrencyRates{}, false, fmt.Errorf("%w: %s on %s: %v", ErrCurrencyRateUnavailable, base, date, err)
		}
	}

	table, err := s.source.Fetch(ctx, base, day)
	if err != nil {
		return CurrencyRates{}, false, fmt.Errorf("%w: %s on %s from %s: %v", ErrCurrencyRateUnavailable, base, date, s.source.Name(), err)
	}
	if len(table) == 0 {
		return CurrencyRates{}, false, fmt.Errorf("%w: %s returned no rates for %s on %s", ErrCurrencyRateUnavailable, s.source.Name(), base, date)
	}

	rates := domain.CurrencyRates{
		Base:      base,
		Date:      date,
		Rates:     normalizeRateTable(table),
		Source:    s.source.Name(),
		FetchedAt: s.clock(),
	}
	if s.repo != nil {
		if err := s.repo.Save(ctx, rates); err != nil {
			s.logger(ctx, "currency.rates.cache.failed", map[string]any{
				"base":  base,
				"date":  date,
				"error": err.Error(),
			})
		}
	}
	s.remember(key, rates)
	return rates, true, nil
}

func (s *currencyRateService) remember(key string, rates domain.CurrencyRates) {
	s.mu.Lock()
	s.memory[key] = rates
	s.mu.Unlock()
}

// rateDay truncates asOf to its UTC day; future days resolve to today.
func (s *currencyRateService) rateDay(asOf time.Time) time.Time {
	now := s.clock()
	if asOf.IsZero() || asOf.After(now) {
		asOf = now
	}
	asOf = asOf.UTC()
	return time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)
}

func normalizeCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return "", fmt.Errorf("%w: unknown currency %q", ErrOrderInvalidInput, code)
	}
	return unit.String(), nil
}

func normalizeRateTable(table map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(table))
	for code, rate := range table {
		if rate <= 0 {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(code))] = rate
	}
	return out
}
