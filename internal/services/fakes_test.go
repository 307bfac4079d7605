package services

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	domain "github.com/donorportal/api/internal/domain"
	"github.com/donorportal/api/internal/repositories"
)

type fakeRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *fakeRepoError) Error() string       { return e.msg }
func (e *fakeRepoError) IsNotFound() bool    { return e.notFound }
func (e *fakeRepoError) IsConflict() bool    { return e.conflict }
func (e *fakeRepoError) IsUnavailable() bool { return e.unavailable }

func notFoundErr(what string) error { return &fakeRepoError{msg: what + " not found", notFound: true} }

// memoryOrderRepo mimics the draft-guarded single-document updates of the Mongo repository.
type memoryOrderRepo struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	writes   []string
	snapshot int
}

var _ repositories.OrderRepository = (*memoryOrderRepo)(nil)

func newMemoryOrderRepo(orders ...domain.Order) *memoryOrderRepo {
	repo := &memoryOrderRepo{orders: map[string]domain.Order{}}
	for _, order := range orders {
		repo.orders[order.ID] = order
	}
	return repo
}

func (r *memoryOrderRepo) get(id string) domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[id]
}

func (r *memoryOrderRepo) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ID]; ok {
		return &fakeRepoError{msg: "duplicate", conflict: true}
	}
	r.orders[order.ID] = order
	r.writes = append(r.writes, "insert")
	return nil
}

func (r *memoryOrderRepo) FindByID(_ context.Context, id string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[id]
	if !ok {
		return domain.Order{}, notFoundErr("order " + id)
	}
	return order, nil
}

func (r *memoryOrderRepo) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var page domain.CursorPage[domain.Order]
	for _, order := range r.orders {
		if filter.CustomerID == "" || order.CustomerID == filter.CustomerID {
			page.Items = append(page.Items, order)
		}
	}
	return page, nil
}

func (r *memoryOrderRepo) ListReferencingEntry(_ context.Context, slug, entryID, exclude string) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, order := range r.orders {
		if order.ID == exclude {
			continue
		}
		if project, _, ok := order.Project(slug); ok {
			if _, _, ok := project.Entry(entryID); ok {
				out = append(out, order)
			}
		}
	}
	return out, nil
}

func (r *memoryOrderRepo) ListReferencingProject(_ context.Context, slug, exclude string) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, order := range r.orders {
		if order.ID == exclude {
			continue
		}
		if _, _, ok := order.Project(slug); ok {
			out = append(out, order)
		}
	}
	return out, nil
}

func (r *memoryOrderRepo) mutateDraft(op, id string, fn func(*domain.Order) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[id]
	if !ok {
		return notFoundErr("order " + id)
	}
	if order.Status != domain.OrderStatusDraft {
		return &fakeRepoError{msg: op + ": order not in draft", conflict: true}
	}
	order.Projects = cloneProjects(order.Projects)
	if err := fn(&order); err != nil {
		return err
	}
	r.orders[id] = order
	r.writes = append(r.writes, op)
	return nil
}

func (r *memoryOrderRepo) withProject(op, id, slug string, fn func(*domain.OrderProject)) error {
	return r.mutateDraft(op, id, func(order *domain.Order) error {
		_, idx, ok := order.Project(slug)
		if !ok {
			return &fakeRepoError{msg: op + ": project missing", conflict: true}
		}
		fn(&order.Projects[idx])
		return nil
	})
}

func (r *memoryOrderRepo) AddProject(_ context.Context, id string, project domain.OrderProject) error {
	return r.mutateDraft("addProject", id, func(order *domain.Order) error {
		if _, _, ok := order.Project(project.Slug); ok {
			return &fakeRepoError{msg: "project exists", conflict: true}
		}
		order.Projects = append(order.Projects, project)
		return nil
	})
}

func (r *memoryOrderRepo) RemoveProject(_ context.Context, id, slug string) error {
	return r.mutateDraft("removeProject", id, func(order *domain.Order) error {
		order.Projects = slices.DeleteFunc(order.Projects, func(p domain.OrderProject) bool { return p.Slug == slug })
		return nil
	})
}

func (r *memoryOrderRepo) SetProjectEntries(_ context.Context, id, slug string, entries []domain.OrderEntry) error {
	return r.withProject("setEntries", id, slug, func(p *domain.OrderProject) { p.Entries = slices.Clone(entries) })
}

func (r *memoryOrderRepo) AppendProjectEntries(_ context.Context, id, slug string, entries []domain.OrderEntry) error {
	return r.withProject("appendEntries", id, slug, func(p *domain.OrderProject) { p.Entries = append(p.Entries, entries...) })
}

func (r *memoryOrderRepo) RemoveEntry(_ context.Context, id, slug, entryID string) error {
	return r.withProject("removeEntry", id, slug, func(p *domain.OrderProject) {
		p.Entries = slices.DeleteFunc(p.Entries, func(e domain.OrderEntry) bool { return e.EntryID == entryID })
	})
}

func (r *memoryOrderRepo) SetProjectMonths(_ context.Context, id, slug string, months int) error {
	return r.withProject("setMonths", id, slug, func(p *domain.OrderProject) { p.Months = months })
}

func (r *memoryOrderRepo) SetEntrySubscriptions(_ context.Context, id, slug string, selections map[string][]string) error {
	return r.withProject("setSubscriptions", id, slug, func(p *domain.OrderProject) {
		for i := range p.Entries {
			if fields, ok := selections[p.Entries[i].EntryID]; ok {
				p.Entries[i].SelectedSubscriptions = slices.Clone(fields)
			}
		}
	})
}

func (r *memoryOrderRepo) SetOrderFields(_ context.Context, id string, update repositories.OrderFieldsUpdate) error {
	return r.mutateDraft("setFields", id, func(order *domain.Order) error {
		if update.Currency != nil {
			order.Currency = *update.Currency
		}
		if update.Country != nil {
			order.Country = *update.Country
		}
		if update.CustomerID != nil {
			order.CustomerID = *update.CustomerID
		}
		order.UpdatedAt = update.UpdatedAt
		return nil
	})
}

func (r *memoryOrderRepo) ApplyCostSnapshot(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.orders[order.ID]
	if !ok {
		return notFoundErr("order " + order.ID)
	}
	stored.Projects = cloneProjects(order.Projects)
	stored.TotalCost = order.TotalCost
	stored.TotalCostSingleMonth = order.TotalCostSingleMonth
	stored.CalculatedAt = order.CalculatedAt
	r.orders[order.ID] = stored
	r.snapshot++
	return nil
}

func (r *memoryOrderRepo) TransitionStatus(_ context.Context, id string, from domain.OrderStatus, change domain.StatusChange, pruned []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[id]
	if !ok {
		return notFoundErr("order " + id)
	}
	if order.Status != from {
		return &fakeRepoError{msg: "status moved", conflict: true}
	}
	order.Status = change.To
	order.StatusHistory = append(slices.Clone(order.StatusHistory), change)
	order.Projects = slices.DeleteFunc(cloneProjects(order.Projects), func(p domain.OrderProject) bool {
		return slices.Contains(pruned, p.Slug)
	})
	r.orders[id] = order
	r.writes = append(r.writes, "transition")
	return nil
}

func cloneProjects(projects []domain.OrderProject) []domain.OrderProject {
	out := make([]domain.OrderProject, len(projects))
	for i, project := range projects {
		out[i] = project
		out[i].Entries = make([]domain.OrderEntry, len(project.Entries))
		for j, entry := range project.Entries {
			out[i].Entries[j] = entry
			out[i].Entries[j].SelectedSubscriptions = slices.Clone(entry.SelectedSubscriptions)
		}
	}
	return out
}

type memoryEntryRepo struct {
	pools      map[string][]domain.Entry
	lastFilter repositories.EntryFilter
	filters    []repositories.EntryFilter
}

func (r *memoryEntryRepo) FindByID(_ context.Context, slug, id string) (domain.Entry, error) {
	for _, entry := range r.pools[slug] {
		if entry.ID == id {
			return entry, nil
		}
	}
	return domain.Entry{}, notFoundErr("entry " + id)
}

func (r *memoryEntryRepo) FindByIDs(_ context.Context, slug string, ids []string) ([]domain.Entry, error) {
	var out []domain.Entry
	for _, entry := range r.pools[slug] {
		if slices.Contains(ids, entry.ID) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *memoryEntryRepo) ListCandidates(_ context.Context, slug string, filter repositories.EntryFilter) ([]domain.Entry, error) {
	r.lastFilter = filter
	r.filters = append(r.filters, filter)
	var out []domain.Entry
	for _, entry := range r.pools[slug] {
		if slices.Contains(filter.ExcludeIDs, entry.ID) {
			continue
		}
		if len(filter.IncludeIDs) > 0 && !slices.Contains(filter.IncludeIDs, entry.ID) {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

type memoryProjectRepo struct {
	projects map[string]domain.Project
}

func (r *memoryProjectRepo) FindBySlug(_ context.Context, slug string) (domain.Project, error) {
	project, ok := r.projects[slug]
	if !ok {
		return domain.Project{}, notFoundErr("project " + slug)
	}
	return project, nil
}

func (r *memoryProjectRepo) ListActive(context.Context) ([]domain.Project, error) {
	var out []domain.Project
	for _, project := range r.projects {
		if project.Active {
			out = append(out, project)
		}
	}
	return out, nil
}

type stubRateService struct {
	rates map[string]domain.CurrencyRates
	err   error
	calls int
}

func (s *stubRateService) GetRates(_ context.Context, base string, asOf time.Time) (domain.CurrencyRates, error) {
	s.calls++
	if s.err != nil {
		return domain.CurrencyRates{}, s.err
	}
	rates, ok := s.rates[base]
	if !ok {
		return domain.CurrencyRates{}, fmt.Errorf("%w: %s", ErrCurrencyRateUnavailable, base)
	}
	rates.Date = domain.RateDate(asOf)
	return rates, nil
}

func (s *stubRateService) Prefetch(context.Context, []string, time.Time) (RatePrefetchResult, error) {
	return RatePrefetchResult{}, nil
}

func identityShuffle(int, func(i, j int)) {}

// schoolProject is priced in EUR with two subscription fields.
func schoolProject() domain.Project {
	return domain.Project{
		Slug:     "school",
		Name:     "School sponsorship",
		Currency: "EUR",
		Active:   true,
		Fields: []domain.ProjectField{
			{Name: "name", Type: domain.FieldTypeText, Visible: true},
			{Name: "education", Type: domain.FieldTypeNumber, Subscription: true, Visible: true},
			{Name: "food", Type: domain.FieldTypeNumber, Subscription: true, Visible: true},
		},
	}
}

func poolEntry(id string, education, food any) domain.Entry {
	return domain.Entry{ID: id, ProjectSlug: "school", Fields: map[string]any{
		"name":      "Child " + id,
		"education": education,
		"food":      food,
	}}
}

func liveOrder(id string, createdAt time.Time, months int, entries ...domain.OrderEntry) domain.Order {
	return domain.Order{
		ID:        id,
		Status:    domain.OrderStatusPaid,
		Currency:  "USD",
		CreatedAt: createdAt,
		Projects:  []domain.OrderProject{{Slug: "school", Months: months, Entries: entries}},
	}
}
