package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	// ErrJWKSKeyNotFound reports that the token kid was not in the key set.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps any transport or decode failure loading the key set.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

// Logger is the printf-style contract this package logs through.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder observes every token verification attempt.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a plain function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

const (
	defaultJWKSRefreshInterval = 15 * time.Minute
	defaultJWKSRefreshTimeout  = 5 * time.Second
)

// keySet is one immutable generation of fetched signing keys.
type keySet struct {
	keys     map[string]jose.JSONWebKey
	expiry   time.Time
	prefetch time.Time
}

func (s keySet) stale(now time.Time) bool {
	if len(s.keys) == 0 {
		return true
	}
	return !s.expiry.IsZero() && !now.Before(s.expiry)
}

// duePrefetch reports whether the set has crossed its halfway point but is
// still valid, i.e. a background refresh is worthwhile.
func (s keySet) duePrefetch(now time.Time) bool {
	if s.prefetch.IsZero() || s.expiry.IsZero() || now.After(s.expiry) {
		return false
	}
	return !now.Before(s.prefetch)
}

func (s keySet) key(kid string) (any, bool) {
	jwk, ok := s.keys[kid]
	if !ok {
		return nil, false
	}
	return jwk.Key, true
}

// JWKSCache holds the signing keys for service-to-service token checks.
// Keys are fetched on demand, honour Cache-Control/Expires headers, and a
// halfway-point prefetch keeps hot paths from paying the refresh latency.
type JWKSCache struct {
	url    string
	client *http.Client
	logger Logger
	now    func() time.Time

	refreshInterval time.Duration
	refreshTimeout  time.Duration

	background bool

	mu      sync.RWMutex
	current keySet

	refreshMu  sync.Mutex
	refreshing atomic.Bool
}

// JWKSOption tunes a JWKSCache.
type JWKSOption func(*JWKSCache)

// NewJWKSCache builds a cache over the key set served at url.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	cache := &JWKSCache{
		url:             url,
		client:          &http.Client{Timeout: 10 * time.Second},
		logger:          log.Default(),
		now:             time.Now,
		refreshInterval: defaultJWKSRefreshInterval,
		refreshTimeout:  defaultJWKSRefreshTimeout,
		background:      true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}
	return cache
}

// WithJWKSHTTPClient swaps the HTTP client used to fetch the key set.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSLogger routes cache refresh events to logger.
func WithJWKSLogger(logger Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJWKSRefreshInterval sets the validity used when the response has no cache headers.
func WithJWKSRefreshInterval(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d > 0 {
			c.refreshInterval = d
		}
	}
}

// WithJWKSRefreshTimeout caps the duration of a single key set fetch.
func WithJWKSRefreshTimeout(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d > 0 {
			c.refreshTimeout = d
		}
	}
}

// WithJWKSClock substitutes the time source, for tests.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithoutJWKSBackgroundRefresh turns off the prefetch goroutine.
func WithoutJWKSBackgroundRefresh() JWKSOption {
	return func(c *JWKSCache) {
		c.background = false
	}
}

// Keyfunc adapts the cache to a jwt.Keyfunc. RS256 only.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	if ctx == nil {
		ctx = context.Background()
	}
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Method)
		}
		return c.Key(ctx, kid)
	}
}

func (c *JWKSCache) snapshot() keySet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Key resolves the public key for kid. An unknown kid forces one refresh
// before giving up, which covers key rotation between refresh windows.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := c.now()
	set := c.snapshot()
	if set.stale(now) {
		if err := c.refresh(ctx); err != nil {
			return nil, err
		}
		set = c.snapshot()
	}

	if key, ok := set.key(kid); ok {
		if c.background && set.duePrefetch(now) {
			c.refreshAsync()
		}
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	if key, ok := c.snapshot().key(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) refreshAsync() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.refreshing.Store(false)
		if err := c.refresh(context.Background()); err != nil && c.logger != nil {
			c.logger.Printf("auth: background jwks refresh failed: %v", err)
		}
	}()
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if c.refreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.refreshTimeout)
		defer cancel()
	}

	keys, header, err := c.fetchKeySet(ctx)
	if err != nil {
		return err
	}

	validity := c.cacheValidity(header)
	now := c.now()

	c.mu.Lock()
	c.current = keySet{
		keys:     keys,
		expiry:   now.Add(validity),
		prefetch: now.Add(validity / 2),
	}
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Printf("auth: refreshed jwks (%d keys, valid for %s)", len(keys), validity)
	}
	return nil
}

func (c *JWKSCache) fetchKeySet(ctx context.Context) (map[string]jose.JSONWebKey, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, nil, fmt.Errorf("%w: decode jwks: %v", ErrJWKSFetchFailed, err)
	}

	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return nil, nil, fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}
	return keys, resp.Header, nil
}

// cacheValidity derives how long a fetched key set may be served, preferring
// Expires over Cache-Control max-age over the configured fallback.
func (c *JWKSCache) cacheValidity(header http.Header) time.Duration {
	validity := c.refreshInterval
	if maxAge := maxAgeDirective(header.Get("Cache-Control")); maxAge > 0 {
		validity = maxAge
	}
	if expires := header.Get("Expires"); expires != "" {
		if ts, err := http.ParseTime(expires); err == nil {
			if delta := ts.Sub(c.now()); delta > 0 {
				validity = delta
			}
		}
	}
	if validity <= 0 {
		validity = defaultJWKSRefreshInterval
	}
	return validity
}

func maxAgeDirective(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		value, ok := strings.CutPrefix(strings.TrimSpace(strings.ToLower(directive)), "max-age=")
		if !ok {
			continue
		}
		if seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// OIDCValidator checks Google-signed OIDC/IAP tokens on internal endpoints.
type OIDCValidator struct {
	cache   *JWKSCache
	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// OIDCOption tunes an OIDCValidator.
type OIDCOption func(*OIDCValidator)

// NewOIDCValidator wraps the key cache in a token validator.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	validator := &OIDCValidator{
		cache:  cache,
		logger: log.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

// WithOIDCLogger routes validator diagnostics to logger.
func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCMetrics attaches a verification metrics recorder.
func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) {
		v.metrics = recorder
	}
}

// WithOIDCClock substitutes the clock, for tests.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// ServiceIdentity describes the verified service account behind an internal call.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string

	Token  *jwt.Token
	Claims map[string]any
}

type serviceIdentityContextKey struct{}

// WithServiceIdentity stores the verified identity on the context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

// ServiceIdentityFromContext returns the identity placed by the middleware, if any.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// oidcDenial carries everything needed to reject a request and record why.
type oidcDenial struct {
	status  int
	code    string
	message string
	reason  string
}

// RequireOIDC gates a route group behind a valid Google-signed OIDC/IAP token
// with the configured audience and issuer allowlist.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	expectedAudience := strings.TrimSpace(audience)
	allowedIssuers := make([]string, 0, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowedIssuers = append(allowedIssuers, issuer)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			identity, denial := v.authenticate(ctx, r, expectedAudience, allowedIssuers)
			if denial != nil {
				v.record(ctx, false, denial.reason, start)
				respondAuthError(w, denial.status, denial.code, denial.message)
				return
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func (v *OIDCValidator) authenticate(ctx context.Context, r *http.Request, expectedAudience string, allowedIssuers []string) (*ServiceIdentity, *oidcDenial) {
	if expectedAudience == "" {
		return nil, &oidcDenial{
			status: http.StatusServiceUnavailable, code: "verification_unavailable",
			message: "oidc audience not configured", reason: "audience_not_configured",
		}
	}

	tokenStr, source := extractOIDCToken(r)
	if tokenStr == "" {
		return nil, &oidcDenial{
			status: http.StatusUnauthorized, code: "unauthenticated",
			message: "oidc token missing", reason: "token_missing",
		}
	}

	if v == nil || v.cache == nil {
		return nil, &oidcDenial{
			status: http.StatusServiceUnavailable, code: "verification_unavailable",
			message: "oidc verification unavailable", reason: "cache_unavailable",
		}
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	claims := jwt.MapClaims{}
	parsed, err := parser.ParseWithClaims(tokenStr, claims, v.cache.Keyfunc(ctx))
	if err != nil {
		denial := &oidcDenial{
			status: http.StatusUnauthorized, code: "invalid_token",
			message: "oidc token verification failed", reason: "token_invalid",
		}
		if errors.Is(err, ErrJWKSFetchFailed) {
			denial.status = http.StatusServiceUnavailable
			denial.reason = "jwks_unavailable"
		}
		if v.logger != nil {
			v.logger.Printf("auth: oidc verification failed (%s): %v", denial.reason, err)
		}
		return nil, denial
	}

	issuer, _ := claims["iss"].(string)
	if len(allowedIssuers) > 0 && !slices.Contains(allowedIssuers, issuer) {
		if v.logger != nil {
			v.logger.Printf("auth: oidc issuer mismatch, got %q", issuer)
		}
		return nil, &oidcDenial{
			status: http.StatusUnauthorized, code: "invalid_token",
			message: "oidc issuer mismatch", reason: "issuer_mismatch",
		}
	}

	if !slices.Contains(audienceFromClaims(claims), expectedAudience) {
		if v.logger != nil {
			v.logger.Printf("auth: oidc audience mismatch, expected %q (hdr=%s)", expectedAudience, source)
		}
		return nil, &oidcDenial{
			status: http.StatusUnauthorized, code: "invalid_token",
			message: "oidc audience mismatch", reason: "audience_mismatch",
		}
	}

	email, _ := claims["email"].(string)
	subject, _ := claims["sub"].(string)
	return &ServiceIdentity{
		Subject:  subject,
		Email:    email,
		Issuer:   issuer,
		Audience: expectedAudience,
		Token:    parsed,
		Claims:   maps.Clone(map[string]any(claims)),
	}, nil
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(start))
}

func extractOIDCToken(r *http.Request) (token string, source string) {
	if r == nil {
		return "", ""
	}
	if authz := r.Header.Get("Authorization"); authz != "" {
		if bearer, ok := extractBearerToken(authz); ok {
			return bearer, "authorization"
		}
	}
	if assertion := strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion")); assertion != "" {
		return assertion, "iap"
	}
	return "", ""
}

// audienceFromClaims flattens the aud claim, which Google issues either as a
// string or an array depending on the token flavour.
func audienceFromClaims(claims jwt.MapClaims) []string {
	var raw []any
	switch aud := claims["aud"].(type) {
	case string:
		raw = []any{aud}
	case []string:
		raw = make([]any, 0, len(aud))
		for _, item := range aud {
			raw = append(raw, item)
		}
	case []any:
		raw = aud
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		str, ok := item.(string)
		if !ok {
			continue
		}
		if str = strings.TrimSpace(str); str != "" {
			out = append(out, str)
		}
	}
	return out
}
