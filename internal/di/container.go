// Package di wires repositories, services and outbound adapters for the API process.
package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/donorportal/api/internal/platform/config"
	"github.com/donorportal/api/internal/platform/fxrates"
	"github.com/donorportal/api/internal/platform/observability"
	"github.com/donorportal/api/internal/repositories"
	"github.com/donorportal/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders   services.OrderService
	Rates    services.CurrencyRateService
	Costs    services.CostService
	Counters services.CounterService
	Audit    services.AuditLogService
	System   services.SystemService
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

type containerOptions struct {
	logger     *zap.Logger
	build      services.BuildInfo
	rateSource services.CurrencyRateSource
	events     services.OrderEventPublisher
	archiver   services.OrderSnapshotArchiver
	clock      func() time.Time
}

// Option customises NewContainer.
type Option func(*containerOptions)

func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) { o.logger = logger }
}

func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) { o.build = build }
}

// WithRateSource overrides the rate source otherwise chosen by Rates.Source.
func WithRateSource(source services.CurrencyRateSource) Option {
	return func(o *containerOptions) { o.rateSource = source }
}

func WithEventPublisher(publisher services.OrderEventPublisher) Option {
	return func(o *containerOptions) { o.events = publisher }
}

func WithSnapshotArchiver(archiver services.OrderSnapshotArchiver) Option {
	return func(o *containerOptions) { o.archiver = archiver }
}

func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) { o.clock = clock }
}

// NewContainer constructs the runtime dependencies on top of reg.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	options := containerOptions{logger: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}

	svc, err := buildServices(ctx, cfg, reg, options)
	if err != nil {
		return nil, err
	}
	return &Container{Config: cfg, Repositories: reg, Services: svc}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, cfg config.Config, reg repositories.Registry, opts containerOptions) (Services, error) {
	var svc Services
	events := observability.EventLogger(opts.logger.Named("services"))

	audit, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository: reg.AuditLogs(),
		Clock:      opts.clock,
		Logger:     observability.NewWarnfAdapter(opts.logger.Named("audit")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build audit log service: %w", err)
	}
	svc.Audit = audit

	counters, err := services.NewCounterService(services.CounterServiceDeps{
		Repository:  reg.Counters(),
		Clock:       opts.clock,
		OrderPrefix: cfg.Counter.OrderNoPrefix,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build counter service: %w", err)
	}
	svc.Counters = counters

	source := opts.rateSource
	if source == nil {
		if source, err = newRateSource(cfg, opts.logger); err != nil {
			return Services{}, fmt.Errorf("build rate source: %w", err)
		}
	}
	rates, err := services.NewCurrencyRateService(services.CurrencyRateServiceDeps{
		Repository: reg.CurrencyRates(),
		Source:     source,
		Clock:      opts.clock,
		Logger:     events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build currency rate service: %w", err)
	}
	svc.Rates = rates

	costs, err := services.NewCostService(services.CostServiceDeps{
		Orders:   reg.Orders(),
		Entries:  reg.Entries(),
		Projects: reg.Projects(),
		Rates:    rates,
		Clock:    opts.clock,
		Logger:   events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cost service: %w", err)
	}
	svc.Costs = costs

	allocation, err := services.NewAllocationEngine(services.AllocationEngineDeps{
		Orders:   reg.Orders(),
		Entries:  reg.Entries(),
		PoolSize: cfg.Allocation.PoolLimit,
		Clock:    opts.clock,
		Logger:   events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build allocation engine: %w", err)
	}

	resolver, err := services.NewSubscriptionResolver(services.SubscriptionResolverDeps{
		Orders:  reg.Orders(),
		Entries: reg.Entries(),
		Clock:   opts.clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build subscription resolver: %w", err)
	}

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Projects:   reg.Projects(),
		Counters:   counters,
		Allocation: allocation,
		Resolver:   resolver,
		Costs:      costs,
		Audit:      audit,
		Events:     opts.events,
		Archiver:   opts.archiver,
		Clock:      opts.clock,
		Logger:     events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	build := opts.build
	if build.StartedAt.IsZero() {
		build.StartedAt = opts.clock().UTC()
	}
	if build.Environment == "" {
		build.Environment = cfg.Security.Environment
	}
	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		RateRepository:   reg.CurrencyRates(),
		RateBases:        cfg.Rates.PrefetchBases,
		Runtime: services.RuntimeInfo{
			CounterBackend: cfg.Counter.Backend,
			OrderPrefix:    cfg.Counter.OrderNoPrefix,
			RateSource:     cfg.Rates.Source,
			MongoDatabase:  cfg.Mongo.Database,
			PoolSize:       cfg.Allocation.PoolLimit,
		},
		Clock: opts.clock,
		Build: build,
		Audit: audit,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	svc.System = system

	return svc, nil
}

func newRateSource(cfg config.Config, logger *zap.Logger) (services.CurrencyRateSource, error) {
	switch cfg.Rates.Source {
	case config.RatesSourceHTTP, "":
		return fxrates.NewClient(cfg.Rates.BaseURL,
			fxrates.WithTimeout(cfg.Rates.Timeout),
			fxrates.WithLogger(logger.Named("fxrates")),
		)
	default:
		return nil, fmt.Errorf("unsupported rates source %q", cfg.Rates.Source)
	}
}
