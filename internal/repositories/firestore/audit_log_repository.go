package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/donorportal/api/internal/domain"
	pfirestore "github.com/donorportal/api/internal/platform/firestore"
	"github.com/donorportal/api/internal/platform/pagination"
	"github.com/donorportal/api/internal/repositories"
)

const auditLogsCollection = "auditLogs"

type auditLogDocument struct {
	Actor     string         `firestore:"actor"`
	ActorType string         `firestore:"actorType"`
	Action    string         `firestore:"action"`
	TargetRef string         `firestore:"targetRef"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	Diff      map[string]any `firestore:"diff,omitempty"`
	IPHash    string         `firestore:"ipHash,omitempty"`
	UserAgent string         `firestore:"userAgent,omitempty"`
	Severity  string         `firestore:"severity"`
	RequestID string         `firestore:"requestId,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

// AuditLogRepository appends audit entries and lists them newest first.
type AuditLogRepository struct {
	logs *pfirestore.Collection[auditLogDocument]
}

var _ repositories.AuditLogRepository = (*AuditLogRepository)(nil)

// NewAuditLogRepository constructs a Firestore-backed audit log repository.
func NewAuditLogRepository(provider *pfirestore.Provider) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository: firestore provider is required")
	}
	return &AuditLogRepository{logs: pfirestore.NewCollection[auditLogDocument](provider, auditLogsCollection)}, nil
}

// Append writes the entry under its id. Existing ids are rejected.
func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	if strings.TrimSpace(entry.ID) == "" {
		return errors.New("audit log repository: id is required")
	}
	return r.logs.Create(ctx, entry.ID, auditLogDocument{
		Actor:     entry.Actor,
		ActorType: entry.ActorType,
		Action:    entry.Action,
		TargetRef: entry.TargetRef,
		Metadata:  entry.Metadata,
		Diff:      entry.Diff,
		IPHash:    entry.IPHash,
		UserAgent: entry.UserAgent,
		Severity:  entry.Severity,
		RequestID: entry.RequestID,
		CreatedAt: entry.CreatedAt,
	})
}

// List filters entries by target, actor or action and pages by creation time.
func (r *AuditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, err
	}
	size := pagination.Normalize(filter.Pagination.PageSize)

	docs, err := r.logs.Query(ctx, func(q firestore.Query) firestore.Query {
		if v := strings.TrimSpace(filter.TargetRef); v != "" {
			q = q.Where("targetRef", "==", v)
		}
		if v := strings.TrimSpace(filter.Actor); v != "" {
			q = q.Where("actor", "==", v)
		}
		if v := strings.TrimSpace(filter.Action); v != "" {
			q = q.Where("action", "==", v)
		}
		if from := filter.DateRange.From; from != nil {
			q = q.Where("createdAt", ">=", *from)
		}
		if to := filter.DateRange.To; to != nil {
			q = q.Where("createdAt", "<=", *to)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, err
	}

	page := domain.CursorPage[domain.AuditLogEntry]{}
	for i, doc := range docs {
		if i == size {
			last := page.Items[len(page.Items)-1]
			page.NextPageToken = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
			break
		}
		d := doc.Data
		page.Items = append(page.Items, domain.AuditLogEntry{
			ID:        doc.ID,
			Actor:     d.Actor,
			ActorType: d.ActorType,
			Action:    d.Action,
			TargetRef: d.TargetRef,
			Metadata:  d.Metadata,
			Diff:      d.Diff,
			IPHash:    d.IPHash,
			UserAgent: d.UserAgent,
			Severity:  d.Severity,
			RequestID: d.RequestID,
			CreatedAt: d.CreatedAt,
		})
	}
	return page, nil
}
