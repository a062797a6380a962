package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mapResolver(secrets map[string]string) SecretResolver {
	return SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(),
		WithEnvMap(map[string]string{"API_FIREBASE_PROJECT_ID": "stride-dev"}),
		WithoutSystemEnv(),
		WithEnvFile(""),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	stringChecks := map[string]struct{ got, want string }{
		"server port":          {cfg.Server.Port, "8080"},
		"firestore project":    {cfg.Firestore.ProjectID, "stride-dev"},
		"security environment": {cfg.Security.Environment, "local"},
		"jwks url":             {cfg.Security.OIDC.JWKSURL, defaultOIDCJWKSURL},
		"signature header":     {cfg.Security.HMAC.SignatureHeader, defaultHMACSignatureHeader},
		"idempotency header":   {cfg.Idempotency.Header, defaultIdempotencyHeader},
		"order events topic":   {cfg.PubSub.OrderEventsTopic, defaultOrderEventsTopic},
		"default provider":     {cfg.PSP.DefaultProvider, "razorpay"},
	}
	for name, check := range stringChecks {
		if check.got != check.want {
			t.Errorf("%s: expected %q, got %q", name, check.want, check.got)
		}
	}

	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.RateLimits.DefaultPerMinute != 120 {
		t.Errorf("unexpected default rate limit: %d", cfg.RateLimits.DefaultPerMinute)
	}
	if len(cfg.Webhooks.AllowedHosts) != 0 {
		t.Errorf("expected no allowed hosts, got %v", cfg.Webhooks.AllowedHosts)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
	if cfg.Idempotency.CleanupInterval != defaultIdempotencyInterval {
		t.Errorf("unexpected default cleanup interval: %s", cfg.Idempotency.CleanupInterval)
	}
	if cfg.Idempotency.CleanupBatchSize != defaultIdempotencyBatchSize {
		t.Errorf("unexpected default cleanup batch size: %d", cfg.Idempotency.CleanupBatchSize)
	}
	if cfg.Returns.WindowDays != defaultReturnWindowDays {
		t.Errorf("unexpected default return window: %d", cfg.Returns.WindowDays)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                    "9191",
		"API_SERVER_READ_TIMEOUT":            "10s",
		"API_SERVER_WRITE_TIMEOUT":           "40s",
		"API_SERVER_IDLE_TIMEOUT":            "3m",
		"API_FIREBASE_PROJECT_ID":            "stride-prod",
		"API_FIRESTORE_PROJECT_ID":           "stride-fire",
		"API_PSP_RAZORPAY_KEY_ID":            "rzp_live_abc",
		"API_PSP_RAZORPAY_KEY_SECRET":        "secret://razorpay/secret",
		"API_PSP_STRIPE_API_KEY":             "secret://stripe/api",
		"API_PSP_DEFAULT_PROVIDER":           "Stripe",
		"API_PSP_CURRENCY_ROUTES":            "usd=stripe,INR=razorpay",
		"API_RETURNS_WINDOW_DAYS":            "14",
		"API_ADMIN_USER_IDS":                 "admin_1, admin_2",
		"API_WEBHOOK_SIGNING_SECRET":         "secret://webhook/secret",
		"API_WEBHOOK_ALLOWED_HOSTS":          "https://example.com, https://foo.bar",
		"API_RATELIMIT_DEFAULT_PER_MIN":      "90",
		"API_RATELIMIT_AUTH_PER_MIN":         "180",
		"API_RATELIMIT_WEBHOOK_BURST":        "45",
		"API_FEATURE_EXCHANGES":              "false",
		"API_FEATURE_DRAFT_RETURNS":          "true",
		"API_SECURITY_ENVIRONMENT":           "prod",
		"API_SECURITY_OIDC_AUDIENCE":         "https://api.stridewear.in",
		"API_SECURITY_OIDC_ISSUERS":          "https://accounts.google.com, https://cloud.google.com/iap",
		"API_SECURITY_OIDC_JWKS_URL":         "https://stridewear.in/jwks.json",
		"API_SECURITY_HMAC_SECRETS":          "payments/stripe=secret://hmac/stripe,shipping=shipping-secret",
		"API_SECURITY_HMAC_HEADER_SIGNATURE": "X-Partner-Signature",
		"API_SECURITY_HMAC_CLOCK_SKEW":       "2m",
		"API_SECURITY_HMAC_NONCE_TTL":        "15m",
		"API_IDEMPOTENCY_HEADER":             "X-Request-Key",
		"API_IDEMPOTENCY_TTL":                "36h",
		"API_IDEMPOTENCY_CLEANUP_INTERVAL":   "45m",
		"API_IDEMPOTENCY_CLEANUP_BATCH":      "350",
	}

	resolver := mapResolver(map[string]string{
		"secret://razorpay/secret": "razorpay-secret",
		"secret://stripe/api":      "stripe-key",
		"secret://webhook/secret":  "webhook-secret",
		"secret://hmac/stripe":     "stripe-hmac",
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	t.Run("server", func(t *testing.T) {
		if cfg.Server.Port != "9191" {
			t.Errorf("expected port 9191, got %s", cfg.Server.Port)
		}
		if cfg.Server.IdleTimeout != 3*time.Minute {
			t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
		}
	})

	t.Run("psp", func(t *testing.T) {
		if cfg.PSP.StripeAPIKey != "stripe-key" {
			t.Errorf("expected resolved stripe api key, got %s", cfg.PSP.StripeAPIKey)
		}
		if cfg.PSP.RazorpayKeySecret != "razorpay-secret" {
			t.Errorf("expected resolved razorpay secret, got %s", cfg.PSP.RazorpayKeySecret)
		}
		if cfg.PSP.DefaultProvider != "stripe" {
			t.Errorf("expected lowercased default provider, got %s", cfg.PSP.DefaultProvider)
		}
		if cfg.PSP.CurrencyRoutes["USD"] != "stripe" || cfg.PSP.CurrencyRoutes["INR"] != "razorpay" {
			t.Errorf("unexpected currency routes %v", cfg.PSP.CurrencyRoutes)
		}
	})

	t.Run("returns and admin", func(t *testing.T) {
		if cfg.Returns.WindowDays != 14 {
			t.Errorf("unexpected return window %d", cfg.Returns.WindowDays)
		}
		if len(cfg.Admin.UserIDs) != 2 || cfg.Admin.UserIDs[1] != "admin_2" {
			t.Errorf("unexpected admin user ids %v", cfg.Admin.UserIDs)
		}
		if len(cfg.Webhooks.AllowedHosts) != 2 {
			t.Fatalf("expected 2 allowed hosts, got %v", cfg.Webhooks.AllowedHosts)
		}
		if cfg.Features.EnableExchanges {
			t.Errorf("expected exchanges flag disabled")
		}
		if !cfg.Features.EnableDraftReturns {
			t.Errorf("expected draft returns flag enabled")
		}
	})

	t.Run("security", func(t *testing.T) {
		if cfg.Security.Environment != "prod" {
			t.Errorf("expected security environment prod, got %s", cfg.Security.Environment)
		}
		if cfg.Security.OIDC.Audience != "https://api.stridewear.in" {
			t.Errorf("unexpected oidc audience %s", cfg.Security.OIDC.Audience)
		}
		if cfg.Security.OIDC.JWKSURL != "https://stridewear.in/jwks.json" {
			t.Errorf("unexpected jwks url %s", cfg.Security.OIDC.JWKSURL)
		}
		if cfg.Security.HMAC.Secrets["payments/stripe"] != "stripe-hmac" {
			t.Errorf("expected resolved stripe hmac secret, got %s", cfg.Security.HMAC.Secrets["payments/stripe"])
		}
		if cfg.Security.HMAC.Secrets["shipping"] != "shipping-secret" {
			t.Errorf("expected shipping secret fallback, got %s", cfg.Security.HMAC.Secrets["shipping"])
		}
		if cfg.Security.HMAC.SignatureHeader != "X-Partner-Signature" {
			t.Errorf("unexpected signature header %s", cfg.Security.HMAC.SignatureHeader)
		}
		if cfg.Security.HMAC.ClockSkew != 2*time.Minute {
			t.Errorf("unexpected clock skew %s", cfg.Security.HMAC.ClockSkew)
		}
		if cfg.Security.HMAC.NonceTTL != 15*time.Minute {
			t.Errorf("unexpected nonce ttl %s", cfg.Security.HMAC.NonceTTL)
		}
	})

	t.Run("idempotency", func(t *testing.T) {
		if cfg.Idempotency.Header != "X-Request-Key" {
			t.Errorf("unexpected idempotency header %s", cfg.Idempotency.Header)
		}
		if cfg.Idempotency.TTL != 36*time.Hour {
			t.Errorf("unexpected idempotency ttl %s", cfg.Idempotency.TTL)
		}
		if cfg.Idempotency.CleanupInterval != 45*time.Minute {
			t.Errorf("unexpected cleanup interval %s", cfg.Idempotency.CleanupInterval)
		}
		if cfg.Idempotency.CleanupBatchSize != 350 {
			t.Errorf("unexpected cleanup batch size %d", cfg.Idempotency.CleanupBatchSize)
		}
	})
}

func TestLoadDotEnvFallback(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env.test")
	content := "API_SERVER_PORT=7070\nexport API_FIREBASE_PROJECT_ID=\"stride-dot\"\n# comment line\n"
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
	if cfg.Firebase.ProjectID != "stride-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "stride-dev",
		"API_PSP_STRIPE_API_KEY":  "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
		"API_SECRET_VERSION_PINS": "secret://stripe/api=5",
	}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	expected := map[string]string{
		"API_FIREBASE_PROJECT_ID":  "override-project", // explicit map beats OS env and dotenv
		"API_SECRET_FALLBACK_FILE": ".dot.local",       // dotenv only
		"API_SECRET_PROJECT_IDS":   "prod=project-prod",
		"API_SECRET_VERSION_PINS":  "secret://stripe/api=5",
	}
	for key, want := range expected {
		if got := values[key]; got != want {
			t.Fatalf("expected %s=%q, got %q", key, want, got)
		}
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(map[string]string{"API_FIREBASE_PROJECT_ID": "stride-dev"}),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Webhooks.SigningSecret"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("Webhooks.SigningSecret")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if names := missing.Names(); len(names) != 1 || names[0] != "Webhooks.SigningSecret" {
			t.Fatalf("unexpected missing secrets %v", names)
		}
	}()

	Load(context.Background(),
		WithEnvMap(map[string]string{"API_FIREBASE_PROJECT_ID": "stride-dev"}),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Webhooks.SigningSecret"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":    "stride-dev",
		"API_WEBHOOK_SIGNING_SECRET": "sm://webhook/secret",
	}

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(mapResolver(map[string]string{"secret://webhook/secret": "legacy-secret"})),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Webhooks.SigningSecret != "legacy-secret" {
		t.Fatalf("expected legacy secret, got %s", cfg.Webhooks.SigningSecret)
	}
}
