package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/donorportal/api/internal/platform/config"
)

const defaultConnectTimeout = 10 * time.Second

var ErrProviderClosed = errors.New("mongo: provider is closed")

// Provider owns the MongoDB client holding orders and entry pools.
type Provider struct {
	cfg config.MongoConfig

	mu     sync.Mutex
	client *mongo.Client
	closed bool
}

// NewProvider constructs a Provider; the connection is established on first use.
func NewProvider(cfg config.MongoConfig) *Provider {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &Provider{cfg: cfg}
}

// NewProviderFromClient wraps an existing client, mainly for tests.
func NewProviderFromClient(client *mongo.Client, database string) *Provider {
	return &Provider{cfg: config.MongoConfig{Database: database}, client: client}
}

// Database returns the configured database handle.
func (p *Provider) Database(ctx context.Context) (*mongo.Database, error) {
	client, err := p.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Database(p.cfg.Database), nil
}

// Client returns the connected client.
func (p *Provider) Client(ctx context.Context) (*mongo.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.client != nil {
		return p.client, nil
	}
	uri := strings.TrimSpace(p.cfg.URI)
	if uri == "" {
		return nil, errors.New("mongo: uri is required")
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().
		ApplyURI(uri).
		SetConnectTimeout(p.cfg.ConnectTimeout).
		SetRetryWrites(true))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	p.client = client
	return client, nil
}

// Ping checks primary reachability for readiness probes.
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	return WrapError("mongo.ping", client.Ping(ctx, readpref.Primary()))
}

// Close disconnects the client. The Provider cannot be reused afterwards.
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.closed = true
	p.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Disconnect(ctx)
}
