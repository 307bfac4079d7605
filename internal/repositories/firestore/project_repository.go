package firestore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/donorportal/api/internal/domain"
	pfirestore "github.com/donorportal/api/internal/platform/firestore"
	"github.com/donorportal/api/internal/repositories"
)

const projectsCollection = "projects"

type projectDocument struct {
	Name      string                 `firestore:"name"`
	Currency  string                 `firestore:"currency"`
	Active    bool                   `firestore:"active"`
	Fields    []projectFieldDocument `firestore:"fields"`
	UpdatedAt time.Time              `firestore:"updatedAt"`
}

type projectFieldDocument struct {
	Name         string `firestore:"name"`
	Type         string `firestore:"type"`
	Subscription bool   `firestore:"subscription"`
	Visible      bool   `firestore:"visible"`
}

// ProjectRepository reads project definitions keyed by slug.
type ProjectRepository struct {
	projects *pfirestore.Collection[projectDocument]
}

var _ repositories.ProjectRepository = (*ProjectRepository)(nil)

// NewProjectRepository constructs a Firestore-backed project repository.
func NewProjectRepository(provider *pfirestore.Provider) (*ProjectRepository, error) {
	if provider == nil {
		return nil, errors.New("project repository: firestore provider is required")
	}
	return &ProjectRepository{projects: pfirestore.NewCollection[projectDocument](provider, projectsCollection)}, nil
}

// FindBySlug loads a project by slug.
func (r *ProjectRepository) FindBySlug(ctx context.Context, slug string) (domain.Project, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return domain.Project{}, errors.New("project repository: slug is required")
	}
	doc, err := r.projects.Get(ctx, slug)
	if err != nil {
		return domain.Project{}, err
	}
	return decodeProject(doc.ID, doc.Data), nil
}

// ListActive returns active projects ordered by slug.
func (r *ProjectRepository) ListActive(ctx context.Context) ([]domain.Project, error) {
	docs, err := r.projects.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("active", "==", true)
	})
	if err != nil {
		return nil, err
	}
	projects := make([]domain.Project, 0, len(docs))
	for _, doc := range docs {
		projects = append(projects, decodeProject(doc.ID, doc.Data))
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Slug < projects[j].Slug })
	return projects, nil
}

// Save upserts a project definition. Used by seed tooling and tests.
func (r *ProjectRepository) Save(ctx context.Context, project domain.Project) error {
	return r.projects.Set(ctx, project.Slug, encodeProject(project))
}

func decodeProject(slug string, doc projectDocument) domain.Project {
	fields := make([]domain.ProjectField, 0, len(doc.Fields))
	for _, f := range doc.Fields {
		fields = append(fields, domain.ProjectField{
			Name:         f.Name,
			Type:         domain.FieldType(f.Type),
			Subscription: f.Subscription,
			Visible:      f.Visible,
		})
	}
	return domain.Project{
		Slug:      slug,
		Name:      doc.Name,
		Currency:  strings.ToUpper(doc.Currency),
		Fields:    fields,
		Active:    doc.Active,
		UpdatedAt: doc.UpdatedAt,
	}
}

func encodeProject(project domain.Project) projectDocument {
	fields := make([]projectFieldDocument, 0, len(project.Fields))
	for _, f := range project.Fields {
		fields = append(fields, projectFieldDocument{
			Name:         f.Name,
			Type:         string(f.Type),
			Subscription: f.Subscription,
			Visible:      f.Visible,
		})
	}
	return projectDocument{
		Name:      project.Name,
		Currency:  strings.ToUpper(project.Currency),
		Active:    project.Active,
		Fields:    fields,
		UpdatedAt: project.UpdatedAt,
	}
}
