package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/donorportal/api/internal/platform/config"
	pfirestore "github.com/donorportal/api/internal/platform/firestore"
	pmongo "github.com/donorportal/api/internal/platform/mongo"
	"github.com/donorportal/api/internal/repositories"
	ddbrepo "github.com/donorportal/api/internal/repositories/dynamodb"
	firestorerepo "github.com/donorportal/api/internal/repositories/firestore"
	mongorepo "github.com/donorportal/api/internal/repositories/mongo"
)

const indexTimeout = 20 * time.Second

// RegistryDeps carries the storage clients the registry is built on. Dynamo is only
// required when the counter backend is dynamodb.
type RegistryDeps struct {
	Config    config.Config
	Mongo     *pmongo.Provider
	Firestore *pfirestore.Provider
	Dynamo    *dynamodb.Client
	// Checks are probed alongside the storage backends on /readyz.
	Checks []repositories.DependencyCheck
	Logger *zap.Logger
	// Clock stamps repository-side timestamps; defaults to time.Now.
	Clock func() time.Time
}

type registry struct {
	mongo     *pmongo.Provider
	firestore *pfirestore.Provider

	orders   repositories.OrderRepository
	entries  repositories.EntryRepository
	projects repositories.ProjectRepository
	counters repositories.CounterRepository
	audit    repositories.AuditLogRepository
	rates    repositories.CurrencyRateRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*registry)(nil)

// NewRegistry assembles the repositories: orders and entry pools in MongoDB; projects,
// audit logs and rate tables in Firestore; the order counter in Firestore or DynamoDB.
func NewRegistry(ctx context.Context, deps RegistryDeps) (repositories.Registry, error) {
	if deps.Mongo == nil {
		return nil, errors.New("registry: mongo provider is required")
	}
	if deps.Firestore == nil {
		return nil, errors.New("registry: firestore provider is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := &registry{mongo: deps.Mongo, firestore: deps.Firestore}

	orders, err := mongorepo.NewOrderRepository(deps.Mongo, mongorepo.WithOrderClock(deps.Clock))
	if err != nil {
		return nil, err
	}
	indexCtx, cancel := context.WithTimeout(ctx, indexTimeout)
	if err := orders.EnsureIndexes(indexCtx); err != nil {
		logger.Warn("registry: unable to ensure order indexes", zap.Error(err))
	}
	cancel()
	reg.orders = orders

	if reg.entries, err = mongorepo.NewEntryRepository(deps.Mongo); err != nil {
		return nil, err
	}
	if reg.projects, err = firestorerepo.NewProjectRepository(deps.Firestore); err != nil {
		return nil, err
	}
	if reg.audit, err = firestorerepo.NewAuditLogRepository(deps.Firestore); err != nil {
		return nil, err
	}
	if reg.rates, err = firestorerepo.NewCurrencyRateRepository(deps.Firestore); err != nil {
		return nil, err
	}

	checks := []repositories.DependencyCheck{
		{Name: "mongo", Check: deps.Mongo.Ping},
		{Name: "firestore", Check: deps.Firestore.Ping},
	}

	switch deps.Config.Counter.Backend {
	case config.CounterBackendDynamoDB:
		if deps.Dynamo == nil {
			return nil, errors.New("registry: dynamodb client is required for the dynamodb counter backend")
		}
		table := deps.Config.Counter.DynamoTable
		if reg.counters, err = ddbrepo.NewCounterRepository(deps.Dynamo, table); err != nil {
			return nil, err
		}
		client := deps.Dynamo
		checks = append(checks, repositories.DependencyCheck{
			Name: "dynamodb",
			Check: func(ctx context.Context) error {
				_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
				return err
			},
		})
	default:
		if reg.counters, err = firestorerepo.NewCounterRepository(deps.Firestore); err != nil {
			return nil, err
		}
	}

	checks = append(checks, deps.Checks...)
	if reg.health, err = repositories.NewDependencyHealthRepository(checks); err != nil {
		return nil, fmt.Errorf("registry: health: %w", err)
	}
	return reg, nil
}

func (r *registry) Orders() repositories.OrderRepository { return r.orders }
func (r *registry) Entries() repositories.EntryRepository { return r.entries }
func (r *registry) Projects() repositories.ProjectRepository { return r.projects }
func (r *registry) Counters() repositories.CounterRepository { return r.counters }
func (r *registry) AuditLogs() repositories.AuditLogRepository { return r.audit }
func (r *registry) CurrencyRates() repositories.CurrencyRateRepository { return r.rates }
func (r *registry) Health() repositories.HealthRepository { return r.health }

// Close disconnects MongoDB and Firestore.
func (r *registry) Close(ctx context.Context) error {
	return multierr.Combine(r.mongo.Close(ctx), r.firestore.Close(ctx))
}
