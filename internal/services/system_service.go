package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	domain "github.com/donorportal/api/internal/domain"
	"github.com/donorportal/api/internal/repositories"
)

const rateTableLookupTimeout = 2 * time.Second

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// RuntimeInfo names the backends this instance was wired with.
type RuntimeInfo struct {
	CounterBackend string
	OrderPrefix    string
	RateSource     string
	MongoDatabase  string
	PoolSize       int
}

func (r RuntimeInfo) fields() map[string]string {
	out := map[string]string{}
	add := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			out[key] = value
		}
	}
	add("counterBackend", r.CounterBackend)
	add("orderPrefix", r.OrderPrefix)
	add("rateSource", r.RateSource)
	add("mongoDatabase", r.MongoDatabase)
	if r.PoolSize > 0 {
		out["allocationPoolSize"] = strconv.Itoa(r.PoolSize)
	}
	return out
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	// RateRepository and RateBases report whether today's tables are already cached.
	RateRepository repositories.CurrencyRateRepository
	RateBases      []string
	Runtime        RuntimeInfo
	Clock          func() time.Time
	Build          BuildInfo
	Audit          AuditLogService
}

type systemService struct {
	health    repositories.HealthRepository
	rates     repositories.CurrencyRateRepository
	rateBases []string
	runtime   map[string]string
	clock     func() time.Time
	build     BuildInfo
	audit     AuditLogService
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the service behind the readiness probe and order history.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	var bases []string
	for _, base := range uniqueStrings(deps.RateBases) {
		code, err := normalizeCurrency(base)
		if err != nil {
			return nil, fmt.Errorf("system service: %w", err)
		}
		if !slices.Contains(bases, code) {
			bases = append(bases, code)
		}
	}
	sort.Strings(bases)

	return &systemService{
		health:    deps.HealthRepository,
		rates:     deps.RateRepository,
		rateBases: bases,
		runtime:   deps.Runtime.fields(),
		clock: func() time.Time {
			return clock().UTC()
		},
		build: build,
		audit: deps.Audit,
	}, nil
}

// HealthReport collects dependency checks and adds build, runtime and rate cache details.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	report.Version = firstNonBlank(report.Version, s.build.Version)
	report.CommitSHA = firstNonBlank(report.CommitSHA, s.build.CommitSHA)
	report.Environment = firstNonBlank(report.Environment, s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if strings.TrimSpace(report.Status) == "" {
		report.Status = deriveStatus(report.Checks)
	}
	if len(s.runtime) > 0 {
		report.Runtime = make(map[string]string, len(s.runtime))
		for key, value := range s.runtime {
			report.Runtime[key] = value
		}
	}

	if s.rates != nil && len(s.rateBases) > 0 {
		report.RateDate = domain.RateDate(now)
		report.RateTables = s.rateTables(ctx, report.RateDate)
	}
	return report, nil
}

// rateTables reports, per configured base, whether today's table is in the cache.
// A cold cache never changes Status.
func (s *systemService) rateTables(ctx context.Context, date string) map[string]string {
	out := make(map[string]string, len(s.rateBases))
	for _, base := range s.rateBases {
		lookupCtx, cancel := context.WithTimeout(ctx, rateTableLookupTimeout)
		_, err := s.rates.Get(lookupCtx, base, date)
		cancel()

		var repoErr repositories.RepositoryError
		switch {
		case err == nil:
			out[base] = domain.RateTableCached
		case errors.As(err, &repoErr) && repoErr.IsNotFound():
			out[base] = domain.RateTableMissing
		default:
			out[base] = domain.RateTableUnavailable
		}
	}
	return out
}

// OrderHistory lists the audit trail of one order, newest first.
func (s *systemService) OrderHistory(ctx context.Context, orderID string, page Pagination) (domain.CursorPage[AuditLogEntry], error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.CursorPage[AuditLogEntry]{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if s.audit == nil {
		return domain.CursorPage[AuditLogEntry]{}, fmt.Errorf("%w: audit log not configured", ErrOrderUnavailable)
	}
	result, err := s.audit.List(ctx, AuditLogFilter{TargetRef: orderAuditRef(orderID), Pagination: page})
	if err != nil {
		return domain.CursorPage[AuditLogEntry]{}, mapRepositoryError(err)
	}
	return result, nil
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
