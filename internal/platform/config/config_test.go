package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func loadMap(t *testing.T, env map[string]string, opts ...Option) (Config, error) {
	t.Helper()
	opts = append([]Option{WithEnvMap(env), WithoutSystemEnv(), WithEnvFile("")}, opts...)
	return Load(context.Background(), opts...)
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := loadMap(t, map[string]string{"API_FIREBASE_PROJECT_ID": "mm-dev"})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Environment != "local" || cfg.Server.Port != "8080" || cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected server defaults: env=%s %+v", cfg.Environment, cfg.Server)
	}
	if cfg.Firestore.ProjectID != "mm-dev" || cfg.PubSub.ProjectID != "mm-dev" {
		t.Errorf("expected projects to default to the firebase project, got %s / %s", cfg.Firestore.ProjectID, cfg.PubSub.ProjectID)
	}
	wantCheckout := CheckoutConfig{
		Currency:         "usd",
		CartURL:          defaultCheckoutCartURL,
		StagingRetention: defaultStagingRetention,
		RateLimitBurst:   defaultCheckoutRateBurst,
		RateLimitWindow:  defaultCheckoutRateWindow,
		SweepInterval:    defaultStagingSweepInterval,
		SweepBatchSize:   defaultStagingSweepBatch,
	}
	if cfg.Checkout != wantCheckout {
		t.Errorf("unexpected checkout defaults:\n got %+v\nwant %+v", cfg.Checkout, wantCheckout)
	}
	if cfg.Security.OIDC.JWKSURL != defaultOIDCJWKSURL || !reflect.DeepEqual(cfg.Security.OIDC.Issuers, []string{defaultOIDCIssuer}) {
		t.Errorf("unexpected oidc defaults: %+v", cfg.Security.OIDC)
	}
	wantIdem := IdempotencyConfig{
		Header:           defaultIdempotencyHeader,
		TTL:              defaultIdempotencyTTL,
		CleanupInterval:  defaultIdempotencyInterval,
		CleanupBatchSize: defaultIdempotencyBatchSize,
	}
	if cfg.Idempotency != wantIdem {
		t.Errorf("unexpected idempotency defaults: %+v", cfg.Idempotency)
	}
	if cfg.Storage.ReceiptLinkTTL != defaultReceiptLinkTTL || cfg.Firebase.AllowAnonymous {
		t.Errorf("unexpected storage/firebase defaults: %+v %+v", cfg.Storage, cfg.Firebase)
	}
	if cfg.Notify.Enabled() || cfg.Notify.SenderName != defaultNotifySenderName {
		t.Errorf("expected notifications disabled by default, got %+v", cfg.Notify)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_ENVIRONMENT":                  "PROD",
		"API_SERVER_PORT":                  "9090",
		"API_SERVER_IDLE_TIMEOUT":          "2m",
		"API_FIREBASE_PROJECT_ID":          "mm-prod",
		"API_FIREBASE_ALLOW_ANONYMOUS":     "true",
		"API_FIREBASE_CHECK_REVOKED":       "true",
		"API_FIRESTORE_PROJECT_ID":         "mm-fire",
		"API_STORAGE_RECEIPTS_BUCKET":      "receipts-prod",
		"API_STORAGE_SIGNER_KEY":           "sm://storage_signer",
		"API_STORAGE_RECEIPT_LINK_TTL":     "10m",
		"API_PUBSUB_ORDER_TOPIC":           "orders",
		"API_PSP_STRIPE_API_KEY":           "secret://stripe_api_key",
		"API_PSP_STRIPE_ACCOUNT_ID":        "acct_123",
		"API_CHECKOUT_CURRENCY":            "EUR",
		"API_CHECKOUT_RETURN_URL":          "https://shop.example.com/checkout/complete",
		"API_CHECKOUT_CART_URL":            "https://shop.example.com/cart",
		"API_CHECKOUT_STAGING_RETENTION":   "72h",
		"API_CHECKOUT_RATE_LIMIT_BURST":    "0",
		"API_CHECKOUT_STAGING_SWEEP_BATCH": "50",
		"API_NOTIFY_SENDGRID_API_KEY":      "sm://sendgrid_api_key",
		"API_NOTIFY_SENDER_ADDRESS":        "orders@shop.example.com",
		"API_SECURITY_OIDC_AUDIENCE":       "https://service.example.com",
		"API_SECURITY_OIDC_ISSUERS":        "https://accounts.google.com, https://cloud.google.com/iap",
		"API_IDEMPOTENCY_HEADER":           "X-Idem-Key",
		"API_IDEMPOTENCY_TTL":              "48h",
		"API_IDEMPOTENCY_CLEANUP_INTERVAL": "30m",
		"API_IDEMPOTENCY_CLEANUP_BATCH":    "500",
	}
	secrets := map[string]string{
		"secret://stripe_api_key": "sk_live_123",
		"sm://storage_signer":     `{"client_email":"signer@example.com"}`,
		"sm://sendgrid_api_key":   "SG.key",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if value, ok := secrets[ref]; ok {
			return value, nil
		}
		return "", errors.New("unknown secret")
	})

	cfg, err := loadMap(t, env, WithSecretResolver(resolver), WithRequiredSecrets("PSP.StripeAPIKey", "Storage.SignerKey"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Environment != "prod" || cfg.Server.Port != "9090" || cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected server overrides: env=%s %+v", cfg.Environment, cfg.Server)
	}
	if cfg.Firestore.ProjectID != "mm-fire" || cfg.PubSub.ProjectID != "mm-prod" || !cfg.Firebase.AllowAnonymous || !cfg.Firebase.CheckRevoked {
		t.Errorf("unexpected project settings: %+v %+v %+v", cfg.Firestore, cfg.PubSub, cfg.Firebase)
	}
	if cfg.PSP.StripeAPIKey != "sk_live_123" || cfg.PSP.StripeAccountID != "acct_123" {
		t.Errorf("unexpected psp config: %+v", cfg.PSP)
	}
	if cfg.Storage.SignerKey != `{"client_email":"signer@example.com"}` || cfg.Storage.ReceiptLinkTTL != 10*time.Minute {
		t.Errorf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Checkout.Currency != "eur" || cfg.Checkout.StagingRetention != 72*time.Hour ||
		cfg.Checkout.ReturnURL != "https://shop.example.com/checkout/complete" ||
		cfg.Checkout.RateLimitBurst != 0 || cfg.Checkout.SweepBatchSize != 50 {
		t.Errorf("unexpected checkout config: %+v", cfg.Checkout)
	}
	if !cfg.Notify.Enabled() || cfg.Notify.SendGridAPIKey != "SG.key" {
		t.Errorf("expected notifications enabled, got %+v", cfg.Notify)
	}
	wantIssuers := []string{"https://accounts.google.com", "https://cloud.google.com/iap"}
	if !reflect.DeepEqual(cfg.Security.OIDC.Issuers, wantIssuers) || cfg.Security.OIDC.Audience != "https://service.example.com" {
		t.Errorf("unexpected oidc config: %+v", cfg.Security.OIDC)
	}
	if cfg.Idempotency.Header != "X-Idem-Key" || cfg.Idempotency.TTL != 48*time.Hour || cfg.Idempotency.CleanupBatchSize != 500 {
		t.Errorf("unexpected idempotency config: %+v", cfg.Idempotency)
	}
}

func TestLoadReportsInvalidValues(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":        "mm-dev",
		"API_CHECKOUT_CURRENCY":          "dollars",
		"API_CHECKOUT_STAGING_RETENTION": "7d",
		"API_CHECKOUT_RETURN_URL":        "https://shop.example.com/api/v1/checkout/return",
		"API_CHECKOUT_RATE_LIMIT_BURST":  "-1",
		"API_IDEMPOTENCY_CLEANUP_BATCH":  "many",
		"API_STORAGE_RECEIPT_LINK_TTL":   "1h",
		"API_NOTIFY_SENDER_ADDRESS":      "not an address",
	}

	_, err := loadMap(t, env)
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := []string{
		"API_CHECKOUT_STAGING_RETENTION",
		"API_IDEMPOTENCY_CLEANUP_BATCH",
		"Checkout.Currency",
		"Checkout.ReturnURL",
		"Checkout.RateLimitBurst",
		"Storage.ReceiptLinkTTL",
		"Notify.SenderAddress",
	}
	if got := validation.Fields(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected fields:\n got %v\nwant %v", got, want)
	}
}

func TestLoadRequiresFirebaseProject(t *testing.T) {
	_, err := loadMap(t, map[string]string{})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := []string{"Firebase.ProjectID", "Firestore.ProjectID"}
	if got := validation.Fields(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestLoadReadsDotEnvBelowExplicitValues(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "# local\nexport API_FIREBASE_PROJECT_ID=\"mm-local\"\nAPI_SERVER_PORT=7000\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv(),
		WithEnvMap(map[string]string{"API_SERVER_PORT": "9000"}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firebase.ProjectID != "mm-local" {
		t.Errorf("expected project from .env, got %s", cfg.Firebase.ProjectID)
	}
	if cfg.Server.Port != "9000" {
		t.Errorf("expected explicit value to win over .env, got %s", cfg.Server.Port)
	}
}

func TestLoadSecretResolution(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "mm-dev",
		"API_PSP_STRIPE_API_KEY":  "sm://stripe_api_key",
	}

	t.Run("no resolver", func(t *testing.T) {
		_, err := loadMap(t, env)
		var secretErr *SecretError
		if !errors.As(err, &secretErr) || !errors.Is(err, errNoSecretResolver) {
			t.Fatalf("expected SecretError without resolver, got %v", err)
		}
		if secretErr.Field != "PSP.StripeAPIKey" {
			t.Fatalf("unexpected field %s", secretErr.Field)
		}
	})

	t.Run("resolver failure", func(t *testing.T) {
		failure := errors.New("permission denied")
		_, err := loadMap(t, env, WithSecretResolver(SecretResolverFunc(func(context.Context, string) (string, error) {
			return "", failure
		})))
		if !errors.Is(err, failure) {
			t.Fatalf("expected resolver error to be wrapped, got %v", err)
		}
	})

	t.Run("required secret empty", func(t *testing.T) {
		_, err := loadMap(t, env,
			WithSecretResolver(SecretResolverFunc(func(context.Context, string) (string, error) { return "  ", nil })),
			WithRequiredSecrets("PSP.StripeAPIKey", "PSP.StripeAPIKey"),
		)
		var missing *MissingSecretsError
		if !errors.As(err, &missing) {
			t.Fatalf("expected MissingSecretsError, got %v", err)
		}
		if got := missing.Names(); !reflect.DeepEqual(got, []string{"PSP.StripeAPIKey"}) {
			t.Fatalf("unexpected names %v", got)
		}
		if got := missing.RedactedNames(); len(got) != 1 || got[0] != redactSecretName("PSP.StripeAPIKey") {
			t.Fatalf("unexpected redacted names %v", got)
		}
	})
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("API_A=from-file\nAPI_B=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("API_B", "from-process")
	t.Setenv("API_C", "from-process")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{"API_C": "from-map"}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}
	if values["API_A"] != "from-file" || values["API_B"] != "from-process" || values["API_C"] != "from-map" {
		t.Fatalf("unexpected precedence: A=%s B=%s C=%s", values["API_A"], values["API_B"], values["API_C"])
	}
}
