package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stridewear/api/internal/platform/config"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultDialTimeout = 10 * time.Second
	envEmulatorHost    = "FIRESTORE_EMULATOR_HOST"
	envGoogleProjectID = "GOOGLE_CLOUD_PROJECT"
)

// ErrProviderClosed is returned once Close has been called.
var ErrProviderClosed = errors.New("firestore: provider is closed")

type dialOutcome struct {
	client *firestore.Client
	err    error
}

// Provider hands out a shared Firestore client, dialling it on first use.
// Concurrent callers during initialisation wait on the same dial; a failed
// dial is retried by the next caller.
type Provider struct {
	cfg         config.FirestoreConfig
	dialTimeout time.Duration
	clientOpts  []option.ClientOption

	stateMu sync.Mutex
	pending chan dialOutcome
	client  *firestore.Client

	closed atomic.Bool
}

// ProviderOption customises the Provider.
type ProviderOption func(*Provider)

// WithDialTimeout bounds client creation.
func WithDialTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.dialTimeout = timeout
		}
	}
}

// WithClientOptions appends Cloud client options used when dialling.
func WithClientOptions(opts ...option.ClientOption) ProviderOption {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

// NewProvider constructs a Provider from the Firestore configuration.
func NewProvider(cfg config.FirestoreConfig, opts ...ProviderOption) *Provider {
	provider := &Provider{
		cfg:         cfg,
		dialTimeout: defaultDialTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

// Client returns the shared client, dialling it if necessary.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	if ctx == nil {
		return nil, errors.New("firestore: context is required")
	}
	if p.closed.Load() {
		return nil, ErrProviderClosed
	}

	p.stateMu.Lock()
	if client := p.client; client != nil {
		p.stateMu.Unlock()
		return client, nil
	}
	if p.closed.Load() {
		p.stateMu.Unlock()
		return nil, ErrProviderClosed
	}
	if wait := p.pending; wait != nil {
		p.stateMu.Unlock()
		return p.awaitDial(ctx, wait)
	}

	outcome := make(chan dialOutcome, 1)
	p.pending = outcome
	p.stateMu.Unlock()

	return p.performDial(ctx, outcome)
}

// awaitDial blocks on another goroutine's in-flight dial.
func (p *Provider) awaitDial(ctx context.Context, wait <-chan dialOutcome) (*firestore.Client, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-wait:
		if res.err != nil {
			return nil, res.err
		}
		if p.closed.Load() {
			return nil, ErrProviderClosed
		}
		return res.client, nil
	}
}

// performDial dials, publishes the outcome to waiters, and returns it.
func (p *Provider) performDial(ctx context.Context, outcome chan dialOutcome) (*firestore.Client, error) {
	client, err := p.dial(ctx)

	p.stateMu.Lock()
	if err == nil {
		p.client = client
	}
	p.pending = nil
	p.stateMu.Unlock()

	outcome <- dialOutcome{client: client, err: err}
	close(outcome)

	if err != nil {
		return nil, err
	}
	if p.closed.Load() {
		return nil, ErrProviderClosed
	}
	return client, nil
}

func (p *Provider) dial(ctx context.Context) (*firestore.Client, error) {
	if p.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.dialTimeout)
		defer cancel()
	}

	projectID, err := p.resolveProjectID()
	if err != nil {
		return nil, err
	}

	opts := append([]option.ClientOption(nil), p.clientOpts...)
	opts = append(opts, p.emulatorOptions()...)

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client: %w", err)
	}
	return client, nil
}

func (p *Provider) resolveProjectID() (string, error) {
	projectID := strings.TrimSpace(p.cfg.ProjectID)
	if projectID == "" {
		projectID = strings.TrimSpace(os.Getenv(envGoogleProjectID))
	}
	if projectID == "" {
		return "", errors.New("firestore: project id is required")
	}
	return projectID, nil
}

// emulatorOptions returns the plaintext dial options when an emulator host is
// configured, exporting it so downstream SDK helpers see it too.
func (p *Provider) emulatorOptions() []option.ClientOption {
	host := strings.TrimSpace(p.cfg.EmulatorHost)
	if host == "" {
		host = strings.TrimSpace(os.Getenv(envEmulatorHost))
	}
	if host == "" {
		return nil
	}
	if os.Getenv(envEmulatorHost) == "" {
		_ = os.Setenv(envEmulatorHost, host)
	}
	return []option.ClientOption{
		option.WithoutAuthentication(),
		option.WithEndpoint(host),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	}
}

// Close releases the client. The Provider cannot be reused afterwards. An
// in-flight dial is allowed to finish before the client is torn down.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil || p.closed.Load() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client, err := p.detachClient(ctx)
	if err != nil || client == nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- client.Close() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// detachClient marks the provider closed and takes ownership of the client,
// waiting out any dial still in flight.
func (p *Provider) detachClient(ctx context.Context) (*firestore.Client, error) {
	for {
		if p.closed.Load() {
			return nil, nil
		}

		p.stateMu.Lock()
		if p.closed.Load() {
			p.stateMu.Unlock()
			return nil, nil
		}
		if wait := p.pending; wait != nil {
			p.stateMu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-wait:
				continue
			}
		}

		p.closed.Store(true)
		client := p.client
		p.client = nil
		p.stateMu.Unlock()
		return client, nil
	}
}

// RunTransaction runs fn in a transaction on the provider's client.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	return RunTransaction(ctx, client, fn, opts...)
}
