package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/megamarket/api/internal/di"
	"github.com/megamarket/api/internal/handlers"
	"github.com/megamarket/api/internal/payments"
	"github.com/megamarket/api/internal/platform/auth"
	"github.com/megamarket/api/internal/platform/config"
	pfirestore "github.com/megamarket/api/internal/platform/firestore"
	"github.com/megamarket/api/internal/platform/idempotency"
	"github.com/megamarket/api/internal/platform/jobs"
	"github.com/megamarket/api/internal/platform/notify"
	"github.com/megamarket/api/internal/platform/observability"
	"github.com/megamarket/api/internal/platform/requestctx"
	"github.com/megamarket/api/internal/platform/secrets"
	platformstorage "github.com/megamarket/api/internal/platform/storage"
	"github.com/megamarket/api/internal/repositories"
	firestoreRepo "github.com/megamarket/api/internal/repositories/firestore"
	"github.com/megamarket/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = requestctx.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	// Pub/Sub is optional: without a topic, order events are only logged by the services.
	var orderEvents services.OrderEventPublisher
	var extraChecks []repositories.DependencyCheck
	if topicName := strings.TrimSpace(cfg.PubSub.OrderTopic); topicName != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		topic := pubsubClient.Topic(topicName)
		defer topic.Stop()
		publisher, err := jobs.NewPubSubOrderPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise order publisher", zap.Error(err))
		}
		orderEvents = publisher
		extraChecks = append(extraChecks, pubsubTopicCheck(topic))
	}
	extraChecks = append(extraChecks, secretManagerCheck(fetcher))

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	registry, err := firestoreRepo.NewRegistry(firestoreProvider, extraChecks...)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	var receiptArchive services.ReceiptArchiver
	var receiptLinks handlers.ReceiptLinker
	if bucket := strings.TrimSpace(cfg.Storage.ReceiptsBucket); bucket != "" {
		storageClient, err := cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		archive, err := platformstorage.NewReceiptArchive(storageClient, bucket)
		if err != nil {
			logger.Fatal("failed to initialise receipt archive", zap.Error(err))
		}
		receiptArchive = archive

		links, closeSigner, err := newReceiptLinks(ctx, cfg)
		if err != nil {
			logger.Fatal("failed to initialise receipt links", zap.Error(err))
		}
		defer func() {
			if err := closeSigner(); err != nil {
				logger.Warn("storage signer close error", zap.Error(err))
			}
		}()
		if links != nil {
			receiptLinks = links
		} else {
			logger.Warn("storage signer not configured; receipt downloads disabled")
		}
	}

	var notifier services.OrderNotifier
	if cfg.Notify.Enabled() {
		sendgridNotifier, err := notify.NewSendGridNotifier(cfg.Notify.SendGridAPIKey, notify.Sender{
			Name:    cfg.Notify.SenderName,
			Address: cfg.Notify.SenderAddress,
		})
		if err != nil {
			logger.Fatal("failed to initialise order notifier", zap.Error(err))
		}
		notifier = sendgridNotifier
	}

	if strings.TrimSpace(cfg.PSP.StripeAPIKey) == "" {
		logger.Fatal("stripe api key is required for checkout")
	}
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:    cfg.PSP.StripeAPIKey,
		AccountID: cfg.PSP.StripeAccountID,
		Logger:    payments.StripeLogger(observability.ServiceLogger(logger.Named("payments"))),
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe payment provider", zap.Error(err))
	}
	paymentManager, err := payments.NewManager(map[string]payments.Provider{
		"stripe": stripeProvider,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, registry, di.Integrations{
		Payments: paymentManager,
		Events:   orderEvents,
		Receipts: receiptArchive,
		Notifier: notifier,
		Logger:   logger,
		Clock:    time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithAnonymousShoppers(cfg.Firebase.AllowAnonymous))

	idempotencyStore, err := idempotency.NewFirestoreStore(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	// Keys are optional so redirect returns and abandon calls work without one; when present they are
	// scoped to the authenticated account.
	idempotencyGuard := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
		idempotency.WithOptionalKey(),
	)

	sweepCtx, stopSweepers := context.WithCancel(context.Background())
	defer stopSweepers()
	sweepers := []*jobs.Sweeper{
		jobs.NewSweeper("idempotency", cfg.Idempotency.CleanupInterval, func(ctx context.Context) (int, error) {
			return idempotencyStore.CleanupExpired(ctx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
		}, logger.Named("jobs")),
		jobs.NewSweeper("checkout-staging", cfg.Checkout.SweepInterval, func(ctx context.Context) (int, error) {
			return container.Services.Checkout.ExpireStaleDrafts(ctx, cfg.Checkout.SweepBatchSize)
		}, logger.Named("jobs")),
	}
	for _, sweeper := range sweepers {
		sweeper.Start(sweepCtx)
	}

	svc := container.Services
	cartHandlers := handlers.NewCartHandlers(authenticator, svc.Cart, idempotencyGuard)
	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, svc.Checkout, svc.Addresses,
		handlers.WithCheckoutGuards(idempotencyGuard),
		handlers.WithCheckoutRateLimit(cfg.Checkout.RateLimitBurst, cfg.Checkout.RateLimitWindow, time.Now),
	)
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders, receiptLinks)
	internalHandlers := handlers.NewInternalHandlers(svc.Checkout)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthRepository(registry.Health()),
	)

	projectID := traceProjectID(cfg)
	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg); oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("megamarket api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	stopSweepers()
	for _, sweeper := range sweepers {
		sweeper.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := cfg.Environment
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// newReceiptLinks signs with the configured key file, falling back to the IAM Credentials API when
// only a signer account is set. It returns nil when neither is configured.
func newReceiptLinks(ctx context.Context, cfg config.Config) (*platformstorage.ReceiptLinks, func() error, error) {
	var (
		signer platformstorage.Signer
		closer = func() error { return nil }
	)
	switch {
	case strings.TrimSpace(cfg.Storage.SignerKey) != "":
		keySigner, err := platformstorage.NewKeySignerFromJSON([]byte(cfg.Storage.SignerKey))
		if err != nil {
			return nil, nil, fmt.Errorf("parse storage signer key: %w", err)
		}
		signer = keySigner
	case strings.TrimSpace(cfg.Storage.SignerAccount) != "":
		iamSigner, err := platformstorage.NewIAMSigner(ctx, cfg.Storage.SignerAccount)
		if err != nil {
			return nil, nil, err
		}
		signer, closer = iamSigner, iamSigner.Close
	default:
		return nil, closer, nil
	}
	links, err := platformstorage.NewReceiptLinks(signer, cfg.Storage.ReceiptsBucket, cfg.Storage.ReceiptLinkTTL)
	if err != nil {
		_ = closer()
		return nil, nil, err
	}
	return links, closer, nil
}

func pubsubTopicCheck(topic *pubsub.Topic) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "pubsub",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			ok, err := topic.Exists(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("topic %s does not exist", topic.ID())
			}
			return nil
		},
	}
}

func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	const secretHealthReference = "secret://system/healthz?version=latest"
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, secretHealthReference)
			if err == nil {
				return nil
			}
			if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
				return nil
			}
			return err
		},
	}
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	oidc := cfg.Security.OIDC
	if strings.TrimSpace(oidc.JWKSURL) == "" {
		return nil
	}
	if strings.TrimSpace(oidc.Audience) == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	keys := auth.NewKeySet(oidc.JWKSURL, auth.WithKeySetLogger(logger))
	verifier := auth.NewServiceTokenVerifier(keys, oidc.Audience, oidc.Issuers,
		auth.WithServiceTokenLogger(logger),
		auth.WithVerificationHook(newVerificationMetrics(logger)),
	)
	return verifier.Middleware()
}

// newVerificationMetrics counts service token checks on the global meter provider.
func newVerificationMetrics(logger *zap.Logger) auth.VerificationHook {
	meter := otel.Meter("github.com/megamarket/api/auth")
	counter, err := meter.Int64Counter("auth.verifications",
		metric.WithDescription("Service token verifications by outcome"),
	)
	if err != nil {
		logger.Warn("auth: verification counter unavailable", zap.Error(err))
		return nil
	}
	latency, err := meter.Float64Histogram("auth.verification.duration", metric.WithUnit("ms"))
	if err != nil {
		logger.Warn("auth: verification histogram unavailable", zap.Error(err))
	}
	return func(ctx context.Context, outcome auth.VerificationOutcome) {
		attrs := metric.WithAttributes(
			attribute.String("source", outcome.Source),
			attribute.Bool("success", outcome.OK()),
			attribute.String("reason", outcome.Reason),
		)
		counter.Add(ctx, 1, attrs)
		if latency != nil {
			latency.Record(ctx, float64(outcome.Elapsed.Microseconds())/1000, attrs)
		}
	}
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

	project := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithDefaultProject(project),
		secrets.WithMeter(otel.Meter("github.com/megamarket/api/secrets")),
		secrets.WithVersionPins(parseKeyValueList(lookup("API_SECRET_VERSION_PINS"))),
	}
	if path := lookup("API_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if raw := lookup("API_SECRET_CACHE_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parse API_SECRET_CACHE_TTL: %w", err)
		}
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secret-backed fields that must resolve before serving. The signer key is
// only required when a receipts bucket is configured.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"PSP.StripeAPIKey"}
	if env != nil && strings.TrimSpace(env["API_STORAGE_RECEIPTS_BUCKET"]) != "" && strings.TrimSpace(env["API_STORAGE_SIGNER_KEY"]) != "" {
		required = append(required, "Storage.SignerKey")
	}
	if env != nil && strings.TrimSpace(env["API_NOTIFY_SENDER_ADDRESS"]) != "" && strings.TrimSpace(env["API_NOTIFY_SENDGRID_API_KEY"]) != "" {
		required = append(required, "Notify.SendGridAPIKey")
	}
	sort.Strings(required)
	return required
}

// parseKeyValueList parses comma separated "key=value" pairs such as "sm://stripe_api_key=4".
func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}
