package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/donorportal/api/internal/di"
	"github.com/donorportal/api/internal/handlers"
	"github.com/donorportal/api/internal/payments"
	"github.com/donorportal/api/internal/platform/auth"
	"github.com/donorportal/api/internal/platform/config"
	"github.com/donorportal/api/internal/platform/dynamo"
	pfirestore "github.com/donorportal/api/internal/platform/firestore"
	"github.com/donorportal/api/internal/platform/idempotency"
	"github.com/donorportal/api/internal/platform/jobs"
	pmongo "github.com/donorportal/api/internal/platform/mongo"
	"github.com/donorportal/api/internal/platform/observability"
	"github.com/donorportal/api/internal/platform/secrets"
	platformstorage "github.com/donorportal/api/internal/platform/storage"
	"github.com/donorportal/api/internal/repositories"
	"github.com/donorportal/api/internal/services"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "donorportal api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	baseLogger, err := observability.NewLogger(envValues["API_LOG_LEVEL"])
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() { _ = baseLogger.Sync() }()
	logger := baseLogger.Named("api")

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		return fmt.Errorf("initialise secret fetcher: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets("Mongo.URI"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	var dynamoClient *dynamodb.Client
	if cfg.Counter.Backend == config.CounterBackendDynamoDB {
		if dynamoClient, err = dynamo.NewClient(ctx, cfg.Counter); err != nil {
			return fmt.Errorf("initialise dynamodb client: %w", err)
		}
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	var checks []repositories.DependencyCheck
	if cfg.Security.Environment != "local" {
		checks = append(checks, repositories.DependencyCheck{Name: "secretManager", Timeout: time.Second, Check: fetcher.Healthy})
	}
	registry, err := di.NewRegistry(ctx, di.RegistryDeps{
		Config:    cfg,
		Mongo:     pmongo.NewProvider(cfg.Mongo),
		Firestore: firestoreProvider,
		Dynamo:    dynamoClient,
		Checks:    checks,
		Logger:    logger.Named("registry"),
	})
	if err != nil {
		return fmt.Errorf("initialise repositories: %w", err)
	}

	containerOpts := []di.Option{
		di.WithLogger(logger),
		di.WithBuildInfo(buildInfo),
	}

	if topicName := strings.TrimSpace(cfg.PubSub.OrderEventsTopic); topicName != "" && cfg.PubSub.ProjectID != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("initialise pubsub client: %w", err)
		}
		defer pubsubClient.Close()
		topic := pubsubClient.Topic(topicName)
		topic.EnableMessageOrdering = true
		defer topic.Stop()
		publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
		if err != nil {
			return fmt.Errorf("initialise order event publisher: %w", err)
		}
		containerOpts = append(containerOpts, di.WithEventPublisher(publisher))
	} else {
		logger.Warn("order events topic not configured; lifecycle events will not be published")
	}

	if bucket := strings.TrimSpace(cfg.Storage.SnapshotsBucket); bucket != "" {
		storageClient, err := cloudstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("initialise storage client: %w", err)
		}
		defer storageClient.Close()
		writer, err := platformstorage.NewGCSObjectWriter(storageClient)
		if err != nil {
			return fmt.Errorf("initialise storage writer: %w", err)
		}
		archiver, err := platformstorage.NewSnapshotArchiver(writer, bucket, time.Now)
		if err != nil {
			return fmt.Errorf("initialise snapshot archiver: %w", err)
		}
		containerOpts = append(containerOpts, di.WithSnapshotArchiver(archiver))
	}

	container, err := di.NewContainer(ctx, cfg, registry, containerOpts...)
	if err != nil {
		return fmt.Errorf("initialise services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()

	router, err := buildRouter(ctx, logger, cfg, container, firestoreProvider, buildInfo)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	serveErr := make(chan error, 1)
	go func() {
		serverLogger.Info("donorportal api listening", zap.String("version", buildInfo.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received; draining requests")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	return nil
}

func buildRouter(ctx context.Context, logger *zap.Logger, cfg config.Config, container *di.Container, firestoreProvider *pfirestore.Provider, build services.BuildInfo) (http.Handler, error) {
	svc := container.Services
	events := observability.EventLogger(logger.Named("http"))

	var authenticator *auth.Authenticator
	if cfg.Firebase.ProjectID != "" {
		firebaseClient, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			return nil, fmt.Errorf("initialise firebase auth: %w", err)
		}
		authenticator = auth.NewAuthenticator(firebaseClient)
	} else {
		logger.Warn("firebase project not configured; order routes are unauthenticated")
	}

	orderOpts := []handlers.OrderHandlersOption{
		handlers.WithOrderHistory(svc.System),
		handlers.WithReplayProtection(idempotency.Middleware(
			idempotency.NewFirestoreStore(firestoreProvider),
			idempotency.WithLogger(logger.Named("idempotency")),
		)),
	}
	if cfg.Allocation.RateLimitBurst > 0 {
		orderOpts = append(orderOpts, handlers.WithAllocationRateLimit(cfg.Allocation.RateLimitBurst, cfg.Allocation.RateLimitWindow))
	}
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders, orderOpts...)
	internalHandlers := handlers.NewInternalHandlers(svc.Rates, cfg.Rates.PrefetchBases)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(build),
		handlers.WithHealthSystemService(svc.System),
	)

	projectID := traceProjectID(cfg)
	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLogger(logger.Named("http")),
			observability.Trace(projectID),
			observability.Recoverer(),
			observability.RequestLogger(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}

	if secret := strings.TrimSpace(cfg.Stripe.WebhookSecret); secret != "" {
		parser, err := payments.NewStripeWebhookParser(payments.StripeWebhookConfig{
			Secret: secret,
			Logger: observability.EventLogger(logger.Named("payments")),
		})
		if err != nil {
			return nil, fmt.Errorf("initialise stripe webhook parser: %w", err)
		}
		webhookHandlers := handlers.NewWebhookHandlers(parser, svc.Orders, events)
		opts = append(opts, handlers.WithWebhookRoutes(webhookHandlers.Routes))
	} else {
		logger.Warn("stripe webhook secret not configured; payment webhooks disabled")
	}

	if oidc := buildOIDCMiddleware(logger, cfg); oidc != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidc))
	}

	return handlers.NewRouter(opts...), nil
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// buildOIDCMiddleware protects /internal. Local runs without an audience stay open.
func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	oidc := cfg.Security.OIDC
	if strings.TrimSpace(oidc.JWKSURL) == "" || strings.TrimSpace(oidc.Audience) == "" {
		if cfg.Security.Environment != "local" {
			logger.Warn("oidc audience not configured; internal routes are unauthenticated")
		}
		return nil
	}
	validator := auth.NewOIDCValidator(auth.NewJWKSCache(oidc.JWKSURL), logger.Named("oidc"))
	return validator.RequireOIDC(oidc.Audience, oidc.Issuers)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithDefaultProject(defaultProject),
	}
	if ttl, err := time.ParseDuration(lookup("API_SECRET_CACHE_TTL")); err == nil && ttl > 0 {
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}
