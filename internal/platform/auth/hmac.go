package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
)

// SecretProvider resolves the shared secrets webhook signatures are checked against.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// NonceStore tracks used nonces so a captured webhook cannot be replayed.
type NonceStore interface {
	// UseNonce records the nonce under the scope. It reports true when the
	// nonce was fresh and false when it was seen before its expiry.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

type nonceKey struct {
	scope string
	nonce string
}

// InMemoryNonceStore keeps nonces in process memory. Good enough for a single
// replica and for tests; expired entries are swept on each use.
type InMemoryNonceStore struct {
	mu   sync.Mutex
	seen map[nonceKey]time.Time
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{seen: make(map[nonceKey]time.Time)}
}

// UseNonce records the nonce until expiry, rejecting replays until then.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	now := time.Now()
	switch {
	case scope == "" || nonce == "":
		return false, errors.New("auth: scope and nonce are required")
	case expiry.Before(now):
		return false, errors.New("auth: nonce expiry is in the past")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	key := nonceKey{scope: scope, nonce: nonce}
	if existing, ok := s.seen[key]; ok && existing.After(now) {
		return false, nil
	}
	s.seen[key] = expiry
	return true, nil
}

func (s *InMemoryNonceStore) sweepLocked(now time.Time) {
	for key, exp := range s.seen {
		if exp.Before(now) {
			delete(s.seen, key)
		}
	}
}

// HMACValidator verifies signed webhook requests: signature over a canonical
// string of method, path, timestamp, nonce and body hash, plus a skew window
// and single-use nonces.
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration

	secretCache sync.Map
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// NewHMACValidator builds a validator over the given secret provider and nonce store.
func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	validator := &HMACValidator{
		provider:        provider,
		nonces:          nonces,
		logger:          log.Default(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

// WithHMACLogger overrides the validator logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger == nil {
			return
		}
		v.logger = logger
	}
}

// WithHMACMetrics sets the metrics recorder.
func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) {
		v.metrics = metrics
	}
}

// WithHMACClock injects a clock for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now == nil {
			return
		}
		v.now = now
	}
}

// WithHMACHeaders customises the header names carrying signature material.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	set := func(dst *string, value string) {
		if value != "" {
			*dst = value
		}
	}
	return func(v *HMACValidator) {
		set(&v.signatureHeader, signature)
		set(&v.timestampHeader, timestamp)
		set(&v.nonceHeader, nonce)
	}
}

// WithHMACClockSkew adjusts the accepted timestamp window.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d <= 0 {
			return
		}
		v.clockSkew = d
	}
}

// WithHMACNonceTTL customises how long used nonces are retained.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d <= 0 {
			return
		}
		v.nonceTTL = d
	}
}

// HMACMetadata describes a verified signature for downstream handlers.
type HMACMetadata struct {
	SecretName   string
	Timestamp    time.Time
	Nonce        string
	Signature    []byte
	RawSignature string
}

type hmacContextKey struct{}

// WithHMACMetadata stores the metadata on the context.
func WithHMACMetadata(ctx context.Context, meta *HMACMetadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, hmacContextKey{}, meta)
}

// HMACMetadataFromContext retrieves metadata from the context.
func HMACMetadataFromContext(ctx context.Context) (*HMACMetadata, bool) {
	meta, ok := ctx.Value(hmacContextKey{}).(*HMACMetadata)
	if !ok || meta == nil {
		return nil, false
	}
	return meta, true
}

// hmacFailure is one rejected verification outcome with its HTTP shape.
type hmacFailure struct {
	status  int
	reason  string
	code    string
	message string
}

func hmacReject(status int, reason, code, message string) *hmacFailure {
	return &hmacFailure{status: status, reason: reason, code: code, message: message}
}

// RequireHMAC enforces a valid signature against the named secret.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	scopedSecret := strings.TrimSpace(secretName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			meta, fail := v.verify(ctx, r, scopedSecret)
			if fail != nil {
				v.record(ctx, false, fail.reason, start)
				respondAuthError(w, fail.status, fail.code, fail.message)
				return
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithHMACMetadata(ctx, meta)))
		})
	}
}

// verify checks one request end to end and either returns the metadata for
// the context or the failure to respond with.
func (v *HMACValidator) verify(ctx context.Context, r *http.Request, scopedSecret string) (*HMACMetadata, *hmacFailure) {
	if scopedSecret == "" {
		return nil, hmacReject(http.StatusServiceUnavailable, "secret_not_configured", "verification_unavailable", "hmac secret not configured")
	}

	secret, err := v.loadSecret(ctx, scopedSecret)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: hmac secret lookup failed: %v", err)
		}
		return nil, hmacReject(http.StatusServiceUnavailable, "secret_unavailable", "verification_unavailable", "hmac secret unavailable")
	}

	signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	if signatureValue == "" {
		return nil, hmacReject(http.StatusUnauthorized, "signature_missing", "signature_missing", "signature header missing")
	}

	timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	if timestampValue == "" {
		return nil, hmacReject(http.StatusUnauthorized, "timestamp_missing", "timestamp_missing", "signature timestamp missing")
	}
	timestamp, err := parseSignatureTimestamp(timestampValue)
	if err != nil {
		return nil, hmacReject(http.StatusUnauthorized, "timestamp_invalid", "timestamp_invalid", "signature timestamp invalid")
	}
	if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return nil, hmacReject(http.StatusUnauthorized, "timestamp_skew", "timestamp_skew", "signature timestamp outside allowed window")
	}

	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return nil, hmacReject(http.StatusUnauthorized, "nonce_missing", "nonce_missing", "signature nonce missing")
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return nil, hmacReject(http.StatusBadRequest, "body_unreadable", "invalid_body", "unable to read body for signature verification")
	}

	signature, err := decodeSignature(signatureValue)
	if err != nil {
		return nil, hmacReject(http.StatusUnauthorized, "signature_invalid", "signature_invalid", "signature encoding invalid")
	}

	expected := computeHMAC(secret, buildCanonicalString(r, body, timestampValue, nonce))
	if !hmac.Equal(signature, expected) {
		return nil, hmacReject(http.StatusUnauthorized, "signature_mismatch", "signature_mismatch", "signature verification failed")
	}

	if v.nonces == nil {
		return nil, hmacReject(http.StatusServiceUnavailable, "nonce_store_unavailable", "verification_unavailable", "nonce store unavailable")
	}

	ttl := timestamp.Add(v.nonceTTL)
	if ttl.Before(v.now()) {
		ttl = v.now().Add(v.nonceTTL)
	}
	stored, err := v.nonces.UseNonce(ctx, scopedSecret, nonce, ttl)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: nonce store error: %v", err)
		}
		return nil, hmacReject(http.StatusServiceUnavailable, "nonce_store_error", "verification_unavailable", "nonce storage error")
	}
	if !stored {
		return nil, hmacReject(http.StatusUnauthorized, "nonce_replay", "nonce_replay", "duplicate signature nonce")
	}

	return &HMACMetadata{
		SecretName:   scopedSecret,
		Timestamp:    timestamp,
		Nonce:        nonce,
		Signature:    signature,
		RawSignature: signatureValue,
	}, nil
}

// RequireHMACResolver picks the secret per request, so one webhook mount can
// serve several providers keyed by path or header.
func (v *HMACValidator) RequireHMACResolver(resolver func(*http.Request) (string, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if resolver == nil {
				v.record(r.Context(), false, "secret_not_configured", v.now())
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "hmac secret resolver not configured")
				return
			}

			secretName, ok := resolver(r)
			if !ok || strings.TrimSpace(secretName) == "" {
				v.record(r.Context(), false, "provider_unknown", v.now())
				respondAuthError(w, http.StatusUnauthorized, "unknown_provider", "webhook provider not recognised")
				return
			}

			v.RequireHMAC(secretName)(next).ServeHTTP(w, r)
		})
	}
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
}

// loadSecret caches provider lookups for the life of the validator; secrets
// rotate by process restart.
func (v *HMACValidator) loadSecret(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}
	if cached, ok := v.secretCache.Load(name); ok {
		if secret, _ := cached.([]byte); len(secret) > 0 {
			return secret, nil
		}
	}

	raw, err := v.provider.GetSecret(ctx, name)
	switch {
	case err != nil:
		return nil, err
	case raw == "":
		return nil, errors.New("auth: secret is empty")
	}

	secret := []byte(raw)
	v.secretCache.Store(name, secret)
	return secret, nil
}

// readAndRestoreBody drains the body for hashing and replaces it so the
// downstream handler can read it again.
func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	// Callers downstream still need to read the payload.
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

// decodeSignature accepts base64 first, hex second.
func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	for _, decode := range []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		hex.DecodeString,
	} {
		if decoded, err := decode(value); err == nil {
			return decoded, nil
		}
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

// parseSignatureTimestamp handles RFC3339 (with or without fractional
// seconds) and Unix epoch seconds.
func parseSignatureTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
	}
	return time.Unix(seconds, 0).UTC(), nil
}

// buildCanonicalString is the string both sides sign: method, escaped path,
// timestamp, nonce and the hex body digest, newline separated.
func buildCanonicalString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	digest := sha256.Sum256(body)
	lines := []string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(digest[:]),
	}
	return []byte(strings.Join(lines, "\n"))
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
