package config

import (
	"context"
	"fmt"
	"net/mail"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/text/currency"
)

const (
	defaultEnvFile              = ".env"
	defaultEnvironment          = "local"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer           = "https://accounts.google.com"
	defaultCheckoutCurrency     = "usd"
	defaultCheckoutCartURL      = "/cart"
	defaultStagingRetention     = 7 * 24 * time.Hour
	defaultCheckoutRateBurst    = 10
	defaultCheckoutRateWindow   = time.Minute
	defaultStagingSweepInterval = time.Hour
	defaultStagingSweepBatch    = 200
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultReceiptLinkTTL       = 5 * time.Minute
	maxReceiptLinkTTL           = 15 * time.Minute
	defaultNotifySenderName     = "Megamarket"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Storage     StorageConfig
	PubSub      PubSubConfig
	PSP         PSPConfig
	Checkout    CheckoutConfig
	Notify      NotifyConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig identifies the project whose ID tokens establish shopper sessions.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	AllowAnonymous  bool
	CheckRevoked    bool
}

type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig locates archived receipts. Without a SignerKey receipts are archived but not downloadable.
type StorageConfig struct {
	ReceiptsBucket string
	SignerKey      string
	SignerAccount  string
	ReceiptLinkTTL time.Duration
}

type PubSubConfig struct {
	ProjectID  string
	OrderTopic string
}

type PSPConfig struct {
	StripeAPIKey    string
	StripeAccountID string
}

// CheckoutConfig controls the checkout flow and the staging slot maintenance.
type CheckoutConfig struct {
	Currency         string
	ReturnURL        string
	CartURL          string
	StagingRetention time.Duration
	RateLimitBurst   int
	RateLimitWindow  time.Duration
	SweepInterval    time.Duration
	SweepBatchSize   int
}

// NotifyConfig enables order confirmation emails. Emails are sent only when both the API key and the
// sender address are set.
type NotifyConfig struct {
	SendGridAPIKey string
	SenderAddress  string
	SenderName     string
}

// Enabled reports whether confirmation emails should be sent.
func (n NotifyConfig) Enabled() bool {
	return n.SendGridAPIKey != "" && n.SenderAddress != ""
}

// SecurityConfig configures Google-signed OIDC tokens accepted on internal routes.
type SecurityConfig struct {
	OIDC OIDCConfig
}

type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// ValidationError is returned when configuration fields are missing or malformed.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field or variable names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithEnvFile overrides the .env path. An empty path disables the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks secret-backed fields (e.g. "PSP.StripeAPIKey") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// Load assembles the configuration from defaults, .env, the process environment and explicit
// overrides, then resolves sm:// references and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	sources, err := options.sources()
	if err != nil {
		return Config{}, err
	}
	env := &envReader{sources: sources}

	cfg := Config{
		Environment: strings.ToLower(env.str("API_ENVIRONMENT", defaultEnvironment)),
		Server: ServerConfig{
			Port:         env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
			AllowAnonymous:  env.boolean("API_FIREBASE_ALLOW_ANONYMOUS", false),
			CheckRevoked:    env.boolean("API_FIREBASE_CHECK_REVOKED", false),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			ReceiptsBucket: env.str("API_STORAGE_RECEIPTS_BUCKET", ""),
			SignerKey:      env.str("API_STORAGE_SIGNER_KEY", ""),
			SignerAccount:  env.str("API_STORAGE_SIGNER_ACCOUNT", ""),
			ReceiptLinkTTL: env.duration("API_STORAGE_RECEIPT_LINK_TTL", defaultReceiptLinkTTL),
		},
		PubSub: PubSubConfig{
			ProjectID:  env.str("API_PUBSUB_PROJECT_ID", ""),
			OrderTopic: env.str("API_PUBSUB_ORDER_TOPIC", ""),
		},
		PSP: PSPConfig{
			StripeAPIKey:    env.str("API_PSP_STRIPE_API_KEY", ""),
			StripeAccountID: env.str("API_PSP_STRIPE_ACCOUNT_ID", ""),
		},
		Checkout: CheckoutConfig{
			Currency:         strings.ToLower(env.str("API_CHECKOUT_CURRENCY", defaultCheckoutCurrency)),
			ReturnURL:        env.str("API_CHECKOUT_RETURN_URL", ""),
			CartURL:          env.str("API_CHECKOUT_CART_URL", defaultCheckoutCartURL),
			StagingRetention: env.duration("API_CHECKOUT_STAGING_RETENTION", defaultStagingRetention),
			RateLimitBurst:   env.integer("API_CHECKOUT_RATE_LIMIT_BURST", defaultCheckoutRateBurst),
			RateLimitWindow:  env.duration("API_CHECKOUT_RATE_LIMIT_WINDOW", defaultCheckoutRateWindow),
			SweepInterval:    env.duration("API_CHECKOUT_STAGING_SWEEP_INTERVAL", defaultStagingSweepInterval),
			SweepBatchSize:   env.integer("API_CHECKOUT_STAGING_SWEEP_BATCH", defaultStagingSweepBatch),
		},
		Notify: NotifyConfig{
			SendGridAPIKey: env.str("API_NOTIFY_SENDGRID_API_KEY", ""),
			SenderAddress:  env.str("API_NOTIFY_SENDER_ADDRESS", ""),
			SenderName:     env.str("API_NOTIFY_SENDER_NAME", defaultNotifySenderName),
		},
		Security: SecurityConfig{
			OIDC: OIDCConfig{
				JWKSURL:  env.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: env.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  env.list("API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	// Firestore and Pub/Sub default to the Firebase project.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer}
	}

	secretFields := []secretField{
		{name: "PSP.StripeAPIKey", value: &cfg.PSP.StripeAPIKey},
		{name: "Storage.SignerKey", value: &cfg.Storage.SignerKey},
		{name: "Notify.SendGridAPIKey", value: &cfg.Notify.SendGridAPIKey},
	}
	if err := resolveSecrets(ctx, options.secret, secretFields); err != nil {
		return Config{}, err
	}

	if err := validate(cfg, env.invalid); err != nil {
		return Config{}, err
	}
	if err := missingSecrets(options.requiredSecrets, secretFields); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config, invalid []string) error {
	fields := append([]string(nil), invalid...)
	check := func(ok bool, field string) {
		if !ok {
			fields = append(fields, field)
		}
	}

	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	check(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")

	_, currencyErr := currency.ParseISO(cfg.Checkout.Currency)
	check(currencyErr == nil, "Checkout.Currency")
	check(cfg.Checkout.CartURL != "", "Checkout.CartURL")
	check(storefrontURL(cfg.Checkout.ReturnURL), "Checkout.ReturnURL")
	check(cfg.Checkout.StagingRetention > 0, "Checkout.StagingRetention")
	check(cfg.Checkout.RateLimitBurst >= 0, "Checkout.RateLimitBurst")
	check(cfg.Checkout.RateLimitBurst == 0 || cfg.Checkout.RateLimitWindow > 0, "Checkout.RateLimitWindow")
	check(cfg.Checkout.SweepInterval > 0, "Checkout.SweepInterval")
	check(cfg.Checkout.SweepBatchSize > 0, "Checkout.SweepBatchSize")

	check(cfg.Storage.ReceiptLinkTTL > 0 && cfg.Storage.ReceiptLinkTTL <= maxReceiptLinkTTL, "Storage.ReceiptLinkTTL")

	if cfg.Notify.SenderAddress != "" {
		_, addrErr := mail.ParseAddress(cfg.Notify.SenderAddress)
		check(addrErr == nil, "Notify.SenderAddress")
	}

	check(cfg.Idempotency.Header != "", "Idempotency.Header")
	check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	check(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	check(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}

// storefrontURL reports whether raw is empty or an absolute storefront page. The provider sends the
// shopper's browser there without credentials, so an API route cannot serve as the return target.
func storefrontURL(raw string) bool {
	if raw == "" {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return false
	}
	return !strings.HasPrefix(path.Clean("/"+u.Path)+"/", "/api/")
}
