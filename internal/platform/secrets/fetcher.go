package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	metricNamespace     = "github.com/stridewear/api/internal/platform/secrets"

	sourceCache    = "cache"
	sourceRemote   = "remote"
	sourceFallback = "fallback"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// secretRef is a parsed secret:// reference.
type secretRef struct {
	raw       string
	canonical string
	name      string
	version   string
	project   string
}

// cacheRef addresses one cached secret value. An empty version addresses the
// versionless fallback entry.
type cacheRef struct {
	canonical string
	version   string
}

type cachedSecret struct {
	value     string
	fetchedAt time.Time
	source    string
}

// Fetcher resolves secret:// references through Google Secret Manager, with an
// in-process cache and a local dotenv-style fallback file for development.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool

	logger *zap.Logger

	env           string
	defaultProjID string
	projectMap    map[string]string
	versionPins   map[string]string

	fallbackPath string
	fallbackOnce sync.Once
	fallbackVals map[cacheRef]string
	fallbackErr  error

	mu       sync.RWMutex
	cache    map[cacheRef]cachedSecret
	watchers map[string][]chan struct{}

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type fetcherConfig struct {
	logger       *zap.Logger
	env          string
	defaultProj  string
	projectMap   map[string]string
	fallbackPath string
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
	versionPins  map[string]string
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithEnvironment selects the environment key for per-environment project lookups.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) { cfg.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject sets the project ID used when no environment mapping matches.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.defaultProj = strings.TrimSpace(projectID) }
}

// WithProjectMap supplies per-environment project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.projectMap = cloneOrEmpty(m) }
}

// WithFallbackFile overrides the local fallback secrets file path.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

// WithMeter injects an OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = m }
}

// WithSecretManagerClient injects a preconfigured client, mainly for tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

// WithClientOptions forwards Cloud client options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// WithVersionPins pins secret versions by canonical reference, optionally
// scoped to the active environment with an "env:" prefix.
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.versionPins = cloneOrEmpty(pins) }
}

// NewFetcher builds a Fetcher. When the Secret Manager client cannot be
// constructed the fetcher degrades to fallback-file-only operation.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		env:          strings.ToLower(strings.TrimSpace(os.Getenv("API_SECURITY_ENVIRONMENT"))),
		fallbackPath: defaultFallbackPath,
		projectMap:   map[string]string{},
		versionPins:  map[string]string{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.env == "" {
		cfg.env = defaultEnvironment
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.meter == nil {
		cfg.meter = otel.GetMeterProvider().Meter(metricNamespace)
	}

	f := &Fetcher{
		logger:        cfg.logger,
		env:           cfg.env,
		defaultProjID: cfg.defaultProj,
		projectMap:    cloneOrEmpty(cfg.projectMap),
		versionPins:   cloneOrEmpty(cfg.versionPins),
		fallbackPath:  cfg.fallbackPath,
		cache:         make(map[cacheRef]cachedSecret),
		watchers:      make(map[string][]chan struct{}),
	}
	f.registerInstruments(cfg.meter)

	switch {
	case cfg.client != nil:
		f.client = cfg.client
	default:
		client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager client unavailable; operating in fallback mode", zap.Error(err))
			break
		}
		f.client = client
		f.ownsClient = true
	}

	return f, nil
}

// registerInstruments keeps nil instruments on registration failure; the
// record helpers treat nil as disabled.
func (f *Fetcher) registerInstruments(meter metric.Meter) {
	latency, err := meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	)
	if err != nil {
		f.logger.Warn("secrets: unable to register latency metric", zap.Error(err))
	} else {
		f.latency = latency
	}

	hits, err := meter.Int64Counter(
		"secrets.fetch.cache_hits",
		metric.WithDescription("Count of cache hits when resolving secrets"),
	)
	if err != nil {
		f.logger.Warn("secrets: unable to register cache hit metric", zap.Error(err))
	} else {
		f.cacheHits = hits
	}
}

// Close releases watcher channels and the owned client.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	pending := f.watchers
	f.watchers = make(map[string][]chan struct{})
	f.mu.Unlock()

	for _, watchers := range pending {
		for _, ch := range watchers {
			closeSafe(ch)
		}
	}

	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve fetches the secret behind ref, consulting the cache first and the
// fallback file when Secret Manager is unreachable or denies access.
func (f *Fetcher) Resolve(ctx context.Context, rawRef string) (string, error) {
	start := time.Now()
	ref, err := parseReference(rawRef)
	if err != nil {
		return "", err
	}

	version := f.pinnedVersion(ref)
	key := cacheRef{canonical: ref.canonical, version: version}

	if value, ok := f.cachedValue(key); ok {
		f.recordCacheHit(ctx, ref)
		f.recordLatency(ctx, time.Since(start), sourceCache, nil)
		return value, nil
	}

	if projectID := f.projectID(ref); projectID != "" && f.client != nil {
		value, fetchErr := f.fetchRemote(ctx, projectID, ref.name, version)
		switch {
		case fetchErr == nil:
			f.storeCache(key, value, sourceRemote)
			f.recordLatency(ctx, time.Since(start), sourceRemote, nil)
			return value, nil
		case !shouldFallback(fetchErr):
			f.recordLatency(ctx, time.Since(start), "error", fetchErr)
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", ref.canonical, fetchErr)
		}
		f.logger.Debug("secrets: falling back to local secrets", zap.String("ref", ref.canonical))
	}

	value, ok := f.fallbackValue(key)
	if !ok {
		err := fmt.Errorf("secrets: fallback value not found for %s", ref.canonical)
		f.recordLatency(ctx, time.Since(start), "error", err)
		return "", err
	}

	f.storeCache(key, value, sourceFallback)
	f.recordLatency(ctx, time.Since(start), sourceFallback, nil)
	return value, nil
}

// Invalidate drops cached values for ref and wakes subscribers.
func (f *Fetcher) Invalidate(rawRef string) {
	ref, err := parseReference(rawRef)
	if err != nil {
		return
	}

	f.mu.Lock()
	for key := range f.cache {
		if key.canonical == ref.canonical {
			delete(f.cache, key)
		}
	}
	watchers := f.watchers[ref.canonical]
	f.mu.Unlock()

	notifyWatchers(watchers)
}

// Subscribe registers for invalidation notifications on ref. The returned
// cancel func must be called to release the watcher.
func (f *Fetcher) Subscribe(rawRef string) (<-chan struct{}, func()) {
	ref, err := parseReference(rawRef)
	if err != nil {
		ch := make(chan struct{})
		close(ch)
		return ch, func() {}
	}

	ch := make(chan struct{}, 1)

	f.mu.Lock()
	f.watchers[ref.canonical] = append(f.watchers[ref.canonical], ch)
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		remaining := slices.DeleteFunc(f.watchers[ref.canonical], func(w chan struct{}) bool {
			return w == ch
		})
		if len(remaining) == 0 {
			delete(f.watchers, ref.canonical)
		} else {
			f.watchers[ref.canonical] = remaining
		}
	}

	return ch, cancel
}

// Notify mirrors an external rotation event.
func (f *Fetcher) Notify(ref string) {
	f.Invalidate(ref)
}

func (f *Fetcher) cachedValue(key cacheRef) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[key]
	return entry.value, ok
}

func (f *Fetcher) storeCache(key cacheRef, value, source string) {
	f.mu.Lock()
	f.cache[key] = cachedSecret{
		value:     value,
		fetchedAt: time.Now(),
		source:    source,
	}
	f.mu.Unlock()
}

func (f *Fetcher) fetchRemote(ctx context.Context, projectID, secretName, version string) (string, error) {
	resourceName := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", projectID, secretName, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resourceName})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Payload == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", resourceName)
	}
	return string(resp.Payload.GetData()), nil
}

func (f *Fetcher) projectID(ref secretRef) string {
	if ref.project != "" {
		return ref.project
	}
	if id := strings.TrimSpace(f.projectMap[f.env]); id != "" {
		return id
	}
	return strings.TrimSpace(f.defaultProjID)
}

// pinnedVersion picks the version to fetch: explicit on the reference, then an
// environment-scoped pin, then a global pin, then latest.
func (f *Fetcher) pinnedVersion(ref secretRef) string {
	if ref.version != "" {
		return ref.version
	}
	for _, pinKey := range []string{f.env + ":" + ref.canonical, ref.canonical} {
		if pin := strings.TrimSpace(f.versionPins[pinKey]); pin != "" {
			return pin
		}
	}
	return "latest"
}

func (f *Fetcher) fallbackValue(key cacheRef) (string, bool) {
	f.loadFallback()

	if f.fallbackErr != nil {
		f.logger.Debug("secrets: fallback load error", zap.Error(f.fallbackErr))
		return "", false
	}

	if val, ok := f.fallbackVals[key]; ok {
		return val, true
	}
	val, ok := f.fallbackVals[cacheRef{canonical: key.canonical}]
	return val, ok
}

func (f *Fetcher) loadFallback() {
	f.fallbackOnce.Do(func() {
		f.fallbackVals = map[cacheRef]string{}

		path := strings.TrimSpace(f.fallbackPath)
		if path == "" {
			return
		}
		absPath, err := filepath.Abs(path)
		if err != nil {
			absPath = path
		}

		file, err := os.Open(absPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				f.fallbackErr = fmt.Errorf("secrets: unable to open fallback file %s: %w", absPath, err)
			}
			return
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			rawKey, value, found := strings.Cut(line, "=")
			if !found {
				continue
			}
			key := canonicalFallbackKey(rawKey)
			if key == "" {
				continue
			}
			f.storeFallbackEntry(key, strings.TrimSpace(value))
		}
		if err := scanner.Err(); err != nil {
			f.fallbackErr = fmt.Errorf("secrets: failed reading %s: %w", absPath, err)
		}
	})
}

// storeFallbackEntry indexes a fallback line under both the versionless and
// the version-qualified key so either lookup style hits.
func (f *Fetcher) storeFallbackEntry(key, value string) {
	ref, err := parseReference(key)
	if err != nil {
		f.fallbackVals[cacheRef{canonical: key}] = value
		return
	}
	version := ref.version
	if version == "" {
		version = "latest"
	}
	f.fallbackVals[cacheRef{canonical: ref.canonical}] = value
	f.fallbackVals[cacheRef{canonical: ref.canonical, version: version}] = value
}

func (f *Fetcher) recordLatency(ctx context.Context, d time.Duration, source string, err error) {
	if f.latency == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	f.latency.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func (f *Fetcher) recordCacheHit(ctx context.Context, ref secretRef) {
	if f.cacheHits == nil {
		return
	}
	f.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", maskReference(ref.canonical))))
}

func notifyWatchers(watchers []chan struct{}) {
	for _, ch := range watchers {
		if ch == nil {
			continue
		}
		func() {
			// A watcher cancelled concurrently may have been closed.
			defer func() { _ = recover() }()
			select {
			case ch <- struct{}{}:
			default:
			}
		}()
	}
}

func closeSafe(ch chan struct{}) {
	defer func() { _ = recover() }()
	close(ch)
}

// parseReference accepts secret://name[?version=N&project=ID] style references.
func parseReference(raw string) (secretRef, error) {
	if strings.TrimSpace(raw) == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(strings.TrimPrefix(u.Host+u.Path, "/"), "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""

	query := u.Query()
	return secretRef{
		raw:       raw,
		canonical: canonical.String(),
		name:      name,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func cloneOrEmpty(src map[string]string) map[string]string {
	if src == nil {
		return map[string]string{}
	}
	return maps.Clone(src)
}

func maskReference(ref string) string {
	h := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(h[:8])
}

// shouldFallback reports whether the Secret Manager error warrants trying the
// local fallback file instead of failing outright.
func shouldFallback(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

// canonicalFallbackKey normalises legacy sm:// keys to secret://.
func canonicalFallbackKey(value string) string {
	trimmed := strings.TrimSpace(value)
	if after, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + after
	}
	return trimmed
}
