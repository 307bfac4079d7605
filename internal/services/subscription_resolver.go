package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/donorportal/api/internal/domain"
	"github.com/donorportal/api/internal/repositories"
)

const (
	claimMonthLength = 30 * 24 * time.Hour
	claimGracePeriod = 30 * 24 * time.Hour
)

// claimExpiry is the instant an order stops holding the entries of one of its projects.
func claimExpiry(order domain.Order, project domain.OrderProject) time.Time {
	months := project.Months
	if months < 1 {
		months = 1
	}
	return order.CreatedAt.Add(time.Duration(months)*claimMonthLength + claimGracePeriod)
}

// isLiveClaim reports whether order still holds the entries of project at now.
func isLiveClaim(order domain.Order, project domain.OrderProject, now time.Time) bool {
	if order.Status.ReleasesClaims() {
		return false
	}
	return now.Before(claimExpiry(order, project))
}

// entryClaims summarises how other orders reference one entry.
type entryClaims struct {
	referenced bool
	live       bool
	fields     map[string]bool
}

// collectClaims indexes the references to the entries of projectSlug held by orders.
// Only live orders contribute claimed fields.
func collectClaims(orders []domain.Order, projectSlug string, now time.Time) map[string]*entryClaims {
	claims := make(map[string]*entryClaims)
	for _, order := range orders {
		project, _, ok := order.Project(projectSlug)
		if !ok {
			continue
		}
		live := isLiveClaim(order, project, now)
		for _, entry := range project.Entries {
			claim, ok := claims[entry.EntryID]
			if !ok {
				claim = &entryClaims{fields: map[string]bool{}}
				claims[entry.EntryID] = claim
			}
			claim.referenced = true
			if !live {
				continue
			}
			claim.live = true
			for _, field := range entry.SelectedSubscriptions {
				claim.fields[field] = true
			}
		}
	}
	return claims
}

// freeSubscriptions keeps the requested fields that are not live-claimed, or that cost nothing
// on the entry and therefore cannot be meaningfully claimed.
func freeSubscriptions(entry domain.Entry, requested []string, claim *entryClaims) []string {
	available := make([]string, 0, len(requested))
	for _, field := range requested {
		if claim != nil && claim.fields[field] && entry.Cost(field) > 0 {
			continue
		}
		available = append(available, field)
	}
	return available
}

// SubscriptionResolverDeps bundles collaborators for the conflict resolver.
type SubscriptionResolverDeps struct {
	Orders  repositories.OrderRepository
	Entries repositories.EntryRepository
	Clock   func() time.Time
}

type subscriptionResolver struct {
	orders  repositories.OrderRepository
	entries repositories.EntryRepository
	clock   func() time.Time
}

// NewSubscriptionResolver constructs the conflict resolver.
func NewSubscriptionResolver(deps SubscriptionResolverDeps) (SubscriptionResolver, error) {
	if deps.Orders == nil {
		return nil, errors.New("subscription resolver: order repository is required")
	}
	if deps.Entries == nil {
		return nil, errors.New("subscription resolver: entry repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &subscriptionResolver{
		orders:  deps.Orders,
		entries: deps.Entries,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// FilterAvailableSubscriptions drops, without error, every requested field a live order
// other than ExcludeOrderID already selects for the entry with a positive cost.
func (r *subscriptionResolver) FilterAvailableSubscriptions(ctx context.Context, req SubscriptionRequest) ([]string, error) {
	slug := strings.TrimSpace(req.ProjectSlug)
	entryID := strings.TrimSpace(req.EntryID)
	if slug == "" || entryID == "" {
		return nil, fmt.Errorf("%w: project slug and entry id are required", ErrOrderInvalidInput)
	}

	requested := uniqueStrings(req.Requested)
	if len(requested) == 0 {
		return []string{}, nil
	}

	var entry domain.Entry
	if req.Entry != nil {
		entry = *req.Entry
	} else {
		loaded, err := r.entries.FindByID(ctx, slug, entryID)
		if err != nil {
			return nil, mapEntryError(slug, entryID, err)
		}
		entry = loaded
	}

	orders, err := r.orders.ListReferencingEntry(ctx, slug, entryID, strings.TrimSpace(req.ExcludeOrderID))
	if err != nil {
		return nil, mapRepositoryError(err)
	}

	claims := collectClaims(orders, slug, r.clock())
	return freeSubscriptions(entry, requested, claims[entryID]), nil
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
