package domain

import (
	"strconv"
	"strings"
	"time"
)

// FieldType hints how an entry field is rendered and parsed.
type FieldType string

const (
	FieldTypeText   FieldType = "text"
	FieldTypeNumber FieldType = "number"
	FieldTypeDate   FieldType = "date"
	FieldTypeImage  FieldType = "image"
)

// Project defines a sponsorship programme and the shape of its entries.
type Project struct {
	Slug      string
	Name      string
	Currency  string
	Fields    []ProjectField
	Active    bool
	UpdatedAt time.Time
}

// ProjectField declares one entry attribute. Subscription fields carry a monthly cost.
type ProjectField struct {
	Name         string
	Type         FieldType
	Subscription bool
	Visible      bool
}

// SubscriptionFields returns the names of the cost-bearing fields in declaration order.
func (p Project) SubscriptionFields() []string {
	fields := make([]string, 0, len(p.Fields))
	for _, field := range p.Fields {
		if field.Subscription {
			fields = append(fields, field.Name)
		}
	}
	return fields
}

// IsSubscriptionField reports whether name is a cost-bearing field of the project.
func (p Project) IsSubscriptionField(name string) bool {
	for _, field := range p.Fields {
		if field.Subscription && field.Name == name {
			return true
		}
	}
	return false
}

// Entry is a beneficiary record. Fields follow the owning project's declaration.
type Entry struct {
	ID          string
	ProjectSlug string
	Fields      map[string]any
}

// Cost returns the native monthly cost stored under field, or zero.
func (e Entry) Cost(field string) float64 {
	value, ok := NumericValue(e.Fields[field])
	if !ok || value < 0 {
		return 0
	}
	return value
}

// NumericValue converts dynamically typed document values into a float.
func NumericValue(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// CurrencyRates is a conversion table for one base currency on one calendar day.
// Rates[X] is the amount of X bought by one unit of Base.
type CurrencyRates struct {
	Base      string
	Date      string
	Rates     map[string]float64
	Source    string
	FetchedAt time.Time
}

// Rate looks up the conversion rate towards currency. The base converts to itself at 1.
func (r CurrencyRates) Rate(currency string) (float64, bool) {
	if strings.EqualFold(currency, r.Base) {
		return 1, true
	}
	rate, ok := r.Rates[strings.ToUpper(currency)]
	if !ok || rate <= 0 {
		return 0, false
	}
	return rate, true
}

// RateDate formats t as the calendar day used to key rate tables.
func RateDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
