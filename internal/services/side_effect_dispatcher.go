package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/stridewear/api/internal/repositories"
)

const defaultSideEffectKeyTTL = time.Hour

// SideEffectDispatcherDeps bundles collaborators for the transition dispatcher.
type SideEffectDispatcherDeps struct {
	Clock  func() time.Time
	KeyTTL time.Duration
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// transitionDispatcher runs post-commit side effects and coalesces repeats of
// the same (entity, target) transition. A transition that is retried after a
// crash between commit and dispatch re-fires, which is why every effect behind
// it must itself be idempotent.
type transitionDispatcher struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	ttl    time.Duration
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewSideEffectDispatcher constructs the in-process transition dispatcher.
func NewSideEffectDispatcher(deps SideEffectDispatcherDeps) SideEffectDispatcher {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := deps.KeyTTL
	if ttl <= 0 {
		ttl = defaultSideEffectKeyTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &transitionDispatcher{
		seen:   make(map[string]time.Time),
		ttl:    ttl,
		clock:  clock,
		logger: logger,
	}
}

func (d *transitionDispatcher) Dispatch(ctx context.Context, effects ...SideEffect) {
	for _, effect := range effects {
		if effect.Run == nil {
			continue
		}
		key := effectKey(effect)
		if !d.claim(key) {
			d.logger(ctx, "sideeffect.coalesced", map[string]any{
				"entity": effect.EntityID,
				"target": effect.Target,
				"effect": effect.Name,
			})
			continue
		}
		if err := effect.Run(ctx); err != nil {
			d.logger(ctx, "sideeffect.failed", map[string]any{
				"entity": effect.EntityID,
				"target": effect.Target,
				"effect": effect.Name,
				"error":  err.Error(),
			})
		}
	}
}

// claim records the effect key and reports whether this call won it. Expired
// entries are pruned on the way through.
func (d *transitionDispatcher) claim(key string) bool {
	now := d.clock()

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, at := range d.seen {
		if now.Sub(at) > d.ttl {
			delete(d.seen, k)
		}
	}

	if at, ok := d.seen[key]; ok && now.Sub(at) <= d.ttl {
		return false
	}
	d.seen[key] = now
	return true
}

func effectKey(effect SideEffect) string {
	return strings.Join([]string{effect.EntityKind, effect.EntityID, effect.Target, effect.Name}, "|")
}

// inlineDispatcher runs effects immediately without coalescing. It backs
// services constructed without an explicit dispatcher, and tests.
type inlineDispatcher struct {
	logger func(context.Context, string, map[string]any)
}

func (d inlineDispatcher) Dispatch(ctx context.Context, effects ...SideEffect) {
	for _, effect := range effects {
		if effect.Run == nil {
			continue
		}
		if err := effect.Run(ctx); err != nil && d.logger != nil {
			d.logger(ctx, "sideeffect.failed", map[string]any{
				"entity": effect.EntityID,
				"target": effect.Target,
				"effect": effect.Name,
				"error":  err.Error(),
			})
		}
	}
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}
