package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_FIREBASE_PROJECT_ID": "dp-dev",
		"API_MONGO_URI":           "mongodb://localhost:27017",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "dp-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PubSub.ProjectID != "dp-dev" {
		t.Errorf("expected pubsub project to default to firestore project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.Mongo.Database != defaultMongoDatabase {
		t.Errorf("unexpected mongo database %s", cfg.Mongo.Database)
	}
	if cfg.Counter.Backend != CounterBackendFirestore {
		t.Errorf("expected firestore counter backend, got %s", cfg.Counter.Backend)
	}
	if cfg.Counter.OrderNoPrefix != "DP" {
		t.Errorf("unexpected order prefix %s", cfg.Counter.OrderNoPrefix)
	}
	if cfg.Rates.Source != RatesSourceHTTP || cfg.Rates.BaseURL != defaultRatesBaseURL {
		t.Errorf("unexpected rates config %#v", cfg.Rates)
	}
	if len(cfg.Rates.PrefetchBases) != 0 {
		t.Errorf("expected no prefetch bases, got %v", cfg.Rates.PrefetchBases)
	}
	if cfg.Allocation.PoolLimit != defaultAllocationPoolLimit {
		t.Errorf("unexpected pool limit %d", cfg.Allocation.PoolLimit)
	}
	if cfg.Allocation.RateLimitBurst != defaultAllocationBurst || cfg.Allocation.RateLimitWindow != time.Minute {
		t.Errorf("unexpected allocation rate limit %#v", cfg.Allocation)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 || cfg.Security.OIDC.Issuers[0] != defaultSecurityIssuer {
		t.Errorf("expected default issuer, got %v", cfg.Security.OIDC.Issuers)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":               "9090",
		"API_SERVER_IDLE_TIMEOUT":       "2m",
		"API_FIREBASE_PROJECT_ID":       "dp-prod",
		"API_FIRESTORE_PROJECT_ID":      "dp-fire",
		"API_MONGO_URI":                 "sm://mongo/uri",
		"API_MONGO_DATABASE":            "portal",
		"API_COUNTER_BACKEND":           "DynamoDB",
		"API_COUNTER_DYNAMODB_TABLE":    "counters",
		"API_COUNTER_AWS_REGION":        "eu-central-1",
		"API_COUNTER_ORDER_PREFIX":      "SP",
		"API_STRIPE_WEBHOOK_SECRET":     "secret://stripe/webhook",
		"API_RATES_SOURCE":              "HTTP",
		"API_RATES_PREFETCH_BASES":      "EUR, USD ,",
		"API_ALLOCATION_POOL_LIMIT":     "50",
		"API_SECURITY_ENVIRONMENT":      "prod",
		"API_SECURITY_OIDC_AUDIENCE":    "https://portal.example.com",
		"API_SECURITY_OIDC_ISSUERS":     "https://accounts.google.com, https://cloud.google.com/iap",
		"API_PUBSUB_ORDER_EVENTS_TOPIC": "orders",
	}

	secrets := map[string]string{
		"secret://mongo/uri":      "mongodb://mongo.internal:27017",
		"secret://stripe/webhook": "whsec_test",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.Firestore.ProjectID != "dp-fire" || cfg.PubSub.ProjectID != "dp-fire" {
		t.Errorf("unexpected projects firestore=%s pubsub=%s", cfg.Firestore.ProjectID, cfg.PubSub.ProjectID)
	}
	if cfg.Mongo.URI != "mongodb://mongo.internal:27017" {
		t.Errorf("expected resolved mongo uri, got %s", cfg.Mongo.URI)
	}
	if cfg.Counter.Backend != CounterBackendDynamoDB || cfg.Counter.DynamoTable != "counters" {
		t.Errorf("unexpected counter config %#v", cfg.Counter)
	}
	if cfg.Stripe.WebhookSecret != "whsec_test" || cfg.Rates.Source != RatesSourceHTTP {
		t.Errorf("unexpected stripe config %#v", cfg.Stripe)
	}
	if len(cfg.Rates.PrefetchBases) != 2 || cfg.Rates.PrefetchBases[1] != "USD" {
		t.Errorf("unexpected prefetch bases %v", cfg.Rates.PrefetchBases)
	}
	if cfg.Allocation.PoolLimit != 50 {
		t.Errorf("unexpected pool limit %d", cfg.Allocation.PoolLimit)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("unexpected issuers %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.PubSub.OrderEventsTopic != "orders" {
		t.Errorf("unexpected topic %s", cfg.PubSub.OrderEventsTopic)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\nAPI_FIREBASE_PROJECT_ID=dp-dot\n# comment\nAPI_MONGO_URI=\"mongodb://dot:27017\"\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Mongo.URI != "mongodb://dot:27017" {
		t.Errorf("expected quoted dotenv value unwrapped, got %s", cfg.Mongo.URI)
	}
}

func TestLoadMissingDotEnvIsIgnored(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(filepath.Join(t.TempDir(), "absent.env")),
	)
	if err != nil {
		t.Fatalf("expected missing dotenv to be ignored, got %v", err)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	fields := validation.Fields()
	if len(fields) != 2 || fields[0] != "Firestore.ProjectID" || fields[1] != "Mongo.URI" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestLoadValidatesBackends(t *testing.T) {
	env := baseEnv()
	env["API_COUNTER_BACKEND"] = "dynamodb"
	env["API_RATES_SOURCE"] = "stripe"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := map[string]bool{"Counter.DynamoTable": true, "Counter.AWSRegion": true, "Rates.Source": true}
	for _, field := range validation.Fields() {
		delete(want, field)
	}
	if len(want) != 0 {
		t.Fatalf("missing validation fields %v in %v", want, validation.Fields())
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := baseEnv()
	env["API_STRIPE_WEBHOOK_SECRET"] = "secret://missing"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Errorf("expected resolver-not-configured cause, got %v", err)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
	}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Stripe.WebhookSecret"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	if got := missing.RedactedNames(); len(got) != 1 || got[0] == "Stripe.WebhookSecret" {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := baseEnv()
	env["API_STRIPE_WEBHOOK_SECRET"] = "sm://stripe/webhook"

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if ref == "secret://stripe/webhook" {
			return "legacy-secret", nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Stripe.WebhookSecret != "legacy-secret" {
		t.Fatalf("expected legacy secret, got %s", cfg.Stripe.WebhookSecret)
	}
}
