package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/go-chi/chi/v5"

	"github.com/stridewear/api/internal/di"
	"github.com/stridewear/api/internal/handlers"
	"github.com/stridewear/api/internal/payments"
	"github.com/stridewear/api/internal/platform/auth"
	"github.com/stridewear/api/internal/platform/config"
	pfirestore "github.com/stridewear/api/internal/platform/firestore"
	"github.com/stridewear/api/internal/platform/idempotency"
	"github.com/stridewear/api/internal/platform/jobs"
	"github.com/stridewear/api/internal/platform/observability"
	"github.com/stridewear/api/internal/platform/secrets"
	"github.com/stridewear/api/internal/repositories"
	firestoreRepo "github.com/stridewear/api/internal/repositories/firestore"
	"github.com/stridewear/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = baseLogger.Sync() }()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := initSecretFetcher(ctx, logger, envValues)
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
		config.WithRequiredSecrets(mandatorySecretFields(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := resolveBuildInfo(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	registry, err := firestoreRepo.NewRegistry(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	projectID := telemetryProjectID(cfg)
	pubsubClient, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()

	orderTopic := pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
	returnTopic := pubsubClient.Topic(cfg.PubSub.ReturnEventsTopic)
	notificationTopic := pubsubClient.Topic(cfg.PubSub.NotificationsTopic)
	defer orderTopic.Stop()
	defer returnTopic.Stop()
	defer notificationTopic.Stop()

	publisherCfg := jobs.PubSubEventPublisherConfig{
		OrderTopic:  orderTopic,
		ReturnTopic: returnTopic,
	}
	if cfg.Features.EnableNotifications {
		publisherCfg.NotificationTopic = notificationTopic
	}
	eventPublisher, err := jobs.NewPubSubEventPublisher(publisherCfg)
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.Error(err))
	}

	if healthRepo, err := newHealthRepository(firestoreClient, fetcher); err != nil {
		logger.Warn("health: dependency checks init failed", zap.Error(err))
	} else {
		registry.SetHealth(healthRepo)
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)
	stopCleanup := startIdempotencyCleanup(logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)

	oidcMiddleware := newOIDCMiddleware(logger.Named("auth"), cfg)
	hmacMiddleware := newHMACMiddleware(logger.Named("auth"), cfg)

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier))
	staffPolicy := auth.NewStaffPolicy(cfg.Admin.UserIDs)

	paymentManager, err := newPaymentManager(cfg, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	containerOpts := []di.ContainerOption{
		di.WithRolePolicy(staffPolicy),
		di.WithEventPublisher(eventPublisher),
		di.WithLogger(logger),
		di.WithBuildInfo(buildInfo),
	}
	if paymentManager != nil {
		containerOpts = append(containerOpts, di.WithPaymentManager(paymentManager))
	}
	container, err := di.NewContainer(ctx, cfg, registry, containerOpts...)
	if err != nil {
		logger.Fatal("failed to assemble services", zap.Error(err))
	}

	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders)
	returnHandlers := handlers.NewReturnHandlers(authenticator, container.Services.Returns,
		handlers.WithReturnRateLimit(cfg.RateLimits.DefaultPerMinute, time.Minute),
	)
	notificationHandlers := handlers.NewNotificationHandlers(authenticator, container.Services.Notifications)
	auditHandlers := handlers.NewAuditLogHandlers(authenticator, container.Services.System)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	webhookHandlers := handlers.NewWebhookHandlers(container.Services.Notifications, container.Services.Audit)
	internalHandlers := handlers.NewInternalHandlers(container.Services.Returns)

	adminRoutes := func(r chi.Router) {
		r.Use(authenticator.RequireFirebaseAuth())
		orderHandlers.AdminRoutes(r)
		returnHandlers.AdminRoutes(r)
		auditHandlers.AdminRoutes(r)
	}

	routeOpts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
			idempotencyMiddleware,
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithReturnRoutes(returnHandlers.Routes),
		handlers.WithNotificationRoutes(notificationHandlers.Routes),
		handlers.WithAdminRoutes(adminRoutes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if oidcMiddleware != nil {
		routeOpts = append(routeOpts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}
	if hmacMiddleware != nil {
		routeOpts = append(routeOpts, handlers.WithWebhookMiddlewares(hmacMiddleware))
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(routeOpts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("stridewear api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")
	stopCleanup()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// startIdempotencyCleanup launches the periodic reaper for expired idempotency
// records. The returned function stops the reaper and blocks until it exits.
func startIdempotencyCleanup(logger *zap.Logger, store *idempotency.FirestoreStore, cfg config.IdempotencyConfig) func() {
	if cfg.CleanupInterval <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(cfg.CleanupInterval)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
				cancel()
				switch {
				case err != nil:
					logger.Error("idempotency cleanup error", zap.Error(err))
				case removed > 0:
					logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
		wg.Wait()
	}
}

func newPaymentManager(cfg config.Config, logger *zap.Logger) (*payments.Manager, error) {
	providerLogger := func(ctx context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("provider log", zFields...)
	}

	providers := make(map[string]payments.Provider)
	if strings.TrimSpace(cfg.PSP.RazorpayKeyID) != "" && strings.TrimSpace(cfg.PSP.RazorpayKeySecret) != "" {
		razorpayProvider, err := payments.NewRazorpayProvider(payments.RazorpayProviderConfig{
			KeyID:     cfg.PSP.RazorpayKeyID,
			KeySecret: cfg.PSP.RazorpayKeySecret,
			Logger:    providerLogger,
			Clock:     time.Now,
		})
		if err != nil {
			return nil, err
		}
		providers["razorpay"] = razorpayProvider
	}
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: cfg.PSP.StripeAPIKey,
			Logger: providerLogger,
			Clock:  time.Now,
		})
		if err != nil {
			return nil, err
		}
		providers["stripe"] = stripeProvider
	}
	if len(providers) == 0 {
		logger.Warn("no payment providers configured; refunds disabled")
		return nil, nil
	}

	opts := make([]payments.ManagerOption, 0, 2)
	if provider := strings.TrimSpace(cfg.PSP.DefaultProvider); provider != "" {
		if _, ok := providers[provider]; ok {
			opts = append(opts, payments.WithDefaultProvider(provider))
		}
	}
	if len(cfg.PSP.CurrencyRoutes) > 0 {
		opts = append(opts, payments.WithCurrencyRoutes(cfg.PSP.CurrencyRoutes))
	}
	return payments.NewManager(providers, opts...)
}

func resolveBuildInfo(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	pick := func(value, fallback string) string {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
		return fallback
	}
	return services.BuildInfo{
		Version:     pick(env["API_BUILD_VERSION"], "dev"),
		CommitSHA:   pick(env["API_BUILD_COMMIT_SHA"], "unknown"),
		Environment: pick(cfg.Security.Environment, "local"),
		StartedAt:   started,
	}
}

func newHealthRepository(client *firestore.Client, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 2)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				// An absent probe secret still proves the service answers.
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func newOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func newHMACMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	keyring := make(map[string]string, len(cfg.Security.HMAC.Secrets)+1)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) != "" {
			keyring[strings.ToLower(key)] = value
		}
	}
	if _, ok := keyring["default"]; !ok && cfg.Webhooks.SigningSecret != "" {
		keyring["default"] = cfg.Webhooks.SigningSecret
	}
	if len(keyring) == 0 {
		return nil
	}

	adapter := observability.NewPrintfAdapter(logger)
	validator := auth.NewHMACValidator(fixedSecretProvider(keyring), auth.NewInMemoryNonceStore(),
		auth.WithHMACLogger(adapter),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)
	return validator.RequireHMACResolver(secretKeyForWebhook(keyring))
}

// fixedSecretProvider serves HMAC keys from an in-process map.
type fixedSecretProvider map[string]string

func (p fixedSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if len(p) == 0 {
		return "", errors.New("auth: hmac secrets not configured")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", errors.New("auth: secret name required")
	}
	if secret, ok := p[key]; ok && secret != "" {
		return secret, nil
	}
	return "", errors.New("auth: secret not found")
}

// secretKeyForWebhook maps an inbound webhook path to the keyring entry that
// signs it. Keys are tried most-specific first: "provider/sub", then
// "provider", then "default".
func secretKeyForWebhook(keyring map[string]string) func(*http.Request) (string, bool) {
	return func(r *http.Request) (string, bool) {
		_, suffix, found := strings.Cut(r.URL.Path, "/webhooks/")
		if !found {
			suffix = r.URL.Path
		}
		suffix = strings.ToLower(strings.Trim(suffix, "/"))

		var candidates []string
		if suffix != "" {
			segments := strings.SplitN(suffix, "/", 3)
			if len(segments) >= 2 {
				candidates = append(candidates, segments[0]+"/"+segments[1])
			}
			candidates = append(candidates, segments[0])
		}
		candidates = append(candidates, "default")

		for _, candidate := range candidates {
			if secret, ok := keyring[candidate]; ok && secret != "" {
				return candidate, true
			}
		}
		return "", false
	}
}

func telemetryProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func initSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key, fallback string) string {
		if value := strings.TrimSpace(env[key]); value != "" {
			return value
		}
		return fallback
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(strings.ToLower(lookup("API_SECURITY_ENVIRONMENT", "local"))),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(lookup("API_SECRET_FALLBACK_FILE", ".secrets.local")),
	}
	if projectMap := splitPairs(env["API_SECRET_PROJECT_IDS"], strings.ToLower); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if project := lookup("API_SECRET_DEFAULT_PROJECT_ID", lookup("API_FIREBASE_PROJECT_ID", "")); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if pins := secretVersionPins(env["API_SECRET_VERSION_PINS"]); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE", ""); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// mandatorySecretFields lists the config field paths Load must resolve before
// the process is allowed to serve traffic.
func mandatorySecretFields(env map[string]string) []string {
	required := map[string]struct{}{
		"Webhooks.SigningSecret": {},
	}
	if strings.TrimSpace(env["API_PSP_RAZORPAY_KEY_SECRET"]) != "" {
		required["PSP.RazorpayKeySecret"] = struct{}{}
	}
	if strings.TrimSpace(env["API_PSP_STRIPE_API_KEY"]) != "" {
		required["PSP.StripeAPIKey"] = struct{}{}
	}
	for key := range splitPairs(env["API_SECURITY_HMAC_SECRETS"], strings.ToLower) {
		required[fmt.Sprintf("Security.HMAC.Secrets[%s]", key)] = struct{}{}
	}
	return slices.Sorted(maps.Keys(required))
}

func secretVersionPins(raw string) map[string]string {
	return splitPairs(raw, canonicalSecretRef)
}

// canonicalSecretRef normalises a pin reference: an optional environment
// prefix ("prod:...") is lowercased and the legacy sm:// scheme becomes
// secret://. Bare references gain the secret:// scheme.
func canonicalSecretRef(ref string) string {
	prefix := ""
	if head, rest, ok := strings.Cut(ref, ":"); ok && head != "" && !strings.HasPrefix(rest, "//") {
		prefix = strings.ToLower(strings.TrimSpace(head)) + ":"
		ref = strings.TrimSpace(rest)
	}
	if rest, ok := strings.CutPrefix(ref, "sm://"); ok {
		ref = "secret://" + rest
	} else if !strings.HasPrefix(ref, "secret://") {
		ref = "secret://" + ref
	}
	return prefix + ref
}

// splitPairs parses a comma separated "key=value" list, applying normaliseKey
// to each key. Blank keys or values are dropped.
func splitPairs(raw string, normaliseKey func(string) string) map[string]string {
	pairs := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = normaliseKey(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key != "" && value != "" {
			pairs[key] = value
		}
	}
	return pairs
}
