package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/donorportal/api/internal/domain"
	"github.com/donorportal/api/internal/repositories"
)

type stubAuditRepo struct {
	entries   []domain.AuditLogEntry
	appendErr error

	listFilter repositories.AuditLogFilter
	listResp   domain.CursorPage[domain.AuditLogEntry]
	listErr    error
}

func (s *stubAuditRepo) Append(_ context.Context, entry domain.AuditLogEntry) error {
	s.entries = append(s.entries, entry)
	return s.appendErr
}

func (s *stubAuditRepo) List(_ context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	s.listFilter = filter
	return s.listResp, s.listErr
}

type captureAuditLogger struct {
	warnings []string
}

func (c *captureAuditLogger) Warnf(format string, args ...any) {
	c.warnings = append(c.warnings, strings.TrimSpace(format))
}

func TestAuditLogServiceRecordSanitizesAndHashes(t *testing.T) {
	repo := &stubAuditRepo{}
	fixed := time.Date(2025, 5, 5, 12, 0, 0, 0, time.UTC)

	svc, err := NewAuditLogService(AuditLogServiceDeps{
		Repository:  repo,
		Clock:       func() time.Time { return fixed },
		IDGenerator: func() string { return "AUD1" },
		HashSalt:    "pepper:",
	})
	if err != nil {
		t.Fatalf("new audit log service: %v", err)
	}

	svc.Record(context.Background(), AuditLogRecord{
		Actor:                 "  staff:anna  ",
		Action:                " order.months.change ",
		TargetRef:             " /orders/ord_1 ",
		Severity:              "Warning",
		RequestID:             " req-123 ",
		Metadata:              map[string]any{"email": "donor@example.org", "project": "school"},
		SensitiveMetadataKeys: []string{"EMAIL"},
		Diff: map[string]AuditLogDiff{
			"projects.school.months": {Before: 6, After: 12},
			"customerId":             {Before: "donor-1", After: "donor-2"},
		},
		SensitiveDiffKeys: []string{"customerId"},
		IPAddress:         "203.0.113.42 ",
		UserAgent:         "TestAgent\x00",
	})

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	entry := repo.entries[0]
	if entry.ID != "AUD1" {
		t.Fatalf("expected generated id, got %q", entry.ID)
	}
	if entry.Actor != "staff:anna" || entry.ActorType != "staff" {
		t.Fatalf("unexpected actor %q/%q", entry.Actor, entry.ActorType)
	}
	if entry.Action != "order.months.change" || entry.TargetRef != "/orders/ord_1" {
		t.Fatalf("unexpected action/target %q %q", entry.Action, entry.TargetRef)
	}
	if entry.Severity != "warn" {
		t.Fatalf("expected warn severity, got %q", entry.Severity)
	}
	if entry.RequestID != "req-123" || entry.UserAgent != "TestAgent" {
		t.Fatalf("expected trimmed request metadata, got %q %q", entry.RequestID, entry.UserAgent)
	}
	if !entry.CreatedAt.Equal(fixed) {
		t.Fatalf("expected clock timestamp, got %v", entry.CreatedAt)
	}
	if email, _ := entry.Metadata["email"].(string); !strings.HasPrefix(email, defaultHasherPrefix) {
		t.Fatalf("expected hashed email, got %v", entry.Metadata["email"])
	}
	if entry.Metadata["project"] != "school" {
		t.Fatalf("expected plain project metadata, got %v", entry.Metadata["project"])
	}
	months, ok := entry.Diff["projects.school.months"].(map[string]any)
	if !ok || months["before"] != 6 || months["after"] != 12 {
		t.Fatalf("unexpected months diff %#v", entry.Diff["projects.school.months"])
	}
	customer, ok := entry.Diff["customerId"].(map[string]any)
	if !ok || !strings.HasPrefix(customer["before"].(string), defaultHasherPrefix) {
		t.Fatalf("expected hashed customer diff, got %#v", entry.Diff["customerId"])
	}
	if !strings.HasPrefix(entry.IPHash, defaultHasherPrefix) || strings.Contains(entry.IPHash, "203.0.113.42") {
		t.Fatalf("expected hashed ip, got %q", entry.IPHash)
	}
}

func TestAuditLogServiceRecordLogsOnFailure(t *testing.T) {
	repo := &stubAuditRepo{appendErr: errors.New("firestore down")}
	logger := &captureAuditLogger{}

	svc, err := NewAuditLogService(AuditLogServiceDeps{Repository: repo, Logger: logger})
	if err != nil {
		t.Fatalf("new audit log service: %v", err)
	}

	svc.Record(context.Background(), AuditLogRecord{Actor: "system:stripe", Action: "order.status.pay"})

	if len(logger.warnings) != 1 {
		t.Fatalf("expected one warning, got %d", len(logger.warnings))
	}
	if repo.entries[0].ActorType != "system" {
		t.Fatalf("expected system actor type, got %q", repo.entries[0].ActorType)
	}
}

func TestAuditLogServiceListDelegates(t *testing.T) {
	repo := &stubAuditRepo{listResp: domain.CursorPage[domain.AuditLogEntry]{
		Items:         []domain.AuditLogEntry{{ID: "a1"}},
		NextPageToken: "next",
	}}
	svc, err := NewAuditLogService(AuditLogServiceDeps{Repository: repo})
	if err != nil {
		t.Fatalf("new audit log service: %v", err)
	}

	page, err := svc.List(context.Background(), AuditLogFilter{
		TargetRef:  " /orders/ord_1 ",
		Pagination: domain.Pagination{PageSize: 10},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if repo.listFilter.TargetRef != "/orders/ord_1" || repo.listFilter.Pagination.PageSize != 10 {
		t.Fatalf("unexpected filter %#v", repo.listFilter)
	}
	if len(page.Items) != 1 || page.NextPageToken != "next" {
		t.Fatalf("unexpected page %#v", page)
	}
}

func TestAuditLogServiceHashAnyProducesStableHashes(t *testing.T) {
	svc := &auditLogService{hashSalt: "salt"}
	first := svc.hashAny(map[string]any{"b": 2, "a": 1})
	second := svc.hashAny(map[string]any{"a": 1, "b": 2})
	if first != second {
		t.Fatalf("expected map hashing to ignore insertion order")
	}
	if svc.hashAny("x") == svc.hashAny("y") {
		t.Fatalf("expected distinct hashes")
	}
}
