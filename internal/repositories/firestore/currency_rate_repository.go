package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/donorportal/api/internal/domain"
	pfirestore "github.com/donorportal/api/internal/platform/firestore"
	"github.com/donorportal/api/internal/repositories"
)

const currencyRatesCollection = "currencyRates"

type currencyRatesDocument struct {
	Base      string             `firestore:"base"`
	Date      string             `firestore:"date"`
	Rates     map[string]float64 `firestore:"rates"`
	Source    string             `firestore:"source"`
	FetchedAt time.Time          `firestore:"fetchedAt"`
}

// CurrencyRateRepository stores one rate table per base currency and day.
type CurrencyRateRepository struct {
	rates *pfirestore.Collection[currencyRatesDocument]
}

var _ repositories.CurrencyRateRepository = (*CurrencyRateRepository)(nil)

// NewCurrencyRateRepository constructs a Firestore-backed rate cache.
func NewCurrencyRateRepository(provider *pfirestore.Provider) (*CurrencyRateRepository, error) {
	if provider == nil {
		return nil, errors.New("currency rate repository: firestore provider is required")
	}
	return &CurrencyRateRepository{rates: pfirestore.NewCollection[currencyRatesDocument](provider, currencyRatesCollection)}, nil
}

// Get returns the cached table for base on date (YYYY-MM-DD).
func (r *CurrencyRateRepository) Get(ctx context.Context, base, date string) (domain.CurrencyRates, error) {
	doc, err := r.rates.Get(ctx, rateDocumentID(base, date))
	if err != nil {
		return domain.CurrencyRates{}, err
	}
	return domain.CurrencyRates{
		Base:      doc.Data.Base,
		Date:      doc.Data.Date,
		Rates:     doc.Data.Rates,
		Source:    doc.Data.Source,
		FetchedAt: doc.Data.FetchedAt,
	}, nil
}

// Save stores the table, replacing any earlier copy for the same day.
func (r *CurrencyRateRepository) Save(ctx context.Context, rates domain.CurrencyRates) error {
	if strings.TrimSpace(rates.Base) == "" || strings.TrimSpace(rates.Date) == "" {
		return errors.New("currency rate repository: base and date are required")
	}
	return r.rates.Set(ctx, rateDocumentID(rates.Base, rates.Date), currencyRatesDocument{
		Base:      strings.ToUpper(rates.Base),
		Date:      rates.Date,
		Rates:     rates.Rates,
		Source:    rates.Source,
		FetchedAt: rates.FetchedAt,
	})
}

func rateDocumentID(base, date string) string {
	return strings.ToUpper(strings.TrimSpace(base)) + "_" + strings.TrimSpace(date)
}
