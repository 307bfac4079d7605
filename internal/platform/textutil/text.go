// Package textutil cleans user supplied text before it reaches repository queries.
package textutil

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

// MaxSearchLength caps free-text search input, counted in runes.
const MaxSearchLength = 100

var strict = bluemonday.StrictPolicy()

// SearchText strips markup, folds compatibility forms (full-width digits, ligatures),
// collapses whitespace and truncates to MaxSearchLength runes.
func SearchText(value string) string {
	cleaned := html.UnescapeString(strict.Sanitize(value))
	cleaned = norm.NFKC.String(cleaned)
	cleaned = strings.Join(strings.FieldsFunc(cleaned, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}), " ")
	if runes := []rune(cleaned); len(runes) > MaxSearchLength {
		cleaned = strings.TrimSpace(string(runes[:MaxSearchLength]))
	}
	return cleaned
}

// NormalizeStringMap trims keys, cleans values with SearchText and drops entries
// whose key or value ends up empty. Empty results are nil.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		key = strings.TrimSpace(key)
		value = SearchText(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
