package pagination

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	domain "github.com/donorportal/api/internal/domain"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// FromRequest reads pageSize and pageToken from the query string.
func FromRequest(r *http.Request) (domain.Pagination, error) {
	query := r.URL.Query()
	page := domain.Pagination{PageSize: DefaultPageSize}

	if raw := strings.TrimSpace(query.Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return domain.Pagination{}, fmt.Errorf("pagination: pageSize must be a positive integer")
		}
		page.PageSize = min(size, MaxPageSize)
	}

	token := strings.TrimSpace(query.Get("pageToken"))
	if _, err := DecodeToken(token); err != nil {
		return domain.Pagination{}, err
	}
	page.PageToken = token
	return page, nil
}

// Normalize clamps a page size supplied by internal callers.
func Normalize(size int) int {
	if size <= 0 {
		return DefaultPageSize
	}
	return min(size, MaxPageSize)
}
