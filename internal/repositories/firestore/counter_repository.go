package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/stridewear/api/internal/platform/firestore"
	"github.com/stridewear/api/internal/repositories"
)

const countersCollection = "counters"

type counterDoc struct {
	CurrentValue int64     `firestore:"currentValue"`
	Step         int64     `firestore:"step"`
	MaxValue     *int64    `firestore:"maxValue,omitempty"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// effectiveStep resolves the increment to apply: an explicit positive step
// wins, then the counter's stored step, then 1.
func (d counterDoc) effectiveStep(requested int64) int64 {
	if requested > 0 {
		return requested
	}
	if d.Step > 0 {
		return d.Step
	}
	return 1
}

// CounterRepository hands out monotonic sequence numbers (order numbers, RMA
// numbers) via Firestore transactions.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.BaseRepository[counterDoc]
}

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		provider: provider,
		counters: pfirestore.NewBaseRepository[counterDoc](provider, countersCollection, nil, nil),
	}, nil
}

// Next atomically advances the counter and returns the new value. A counter
// that does not exist yet is created with its first value.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("counter repository not initialised")
	}
	id, err := requireCounterID(counterID)
	if err != nil {
		return 0, err
	}
	if step < 0 {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, fmt.Sprintf("step must be positive, got %d", step), nil)
	}

	var nextValue int64
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.counters.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		nextValue, err = r.advance(tx, ref, id, step)
		return err
	})
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) {
			return 0, counterErr
		}
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return nextValue, nil
}

// advance performs the read-modify-write inside the transaction, seeding the
// counter on first use.
func (r *CounterRepository) advance(tx *firestore.Transaction, ref *firestore.DocumentRef, id string, step int64) (int64, error) {
	snapshot, err := tx.Get(ref)
	switch status.Code(err) {
	case codes.NotFound:
		return createCounter(tx, ref, step)
	case codes.OK:
	default:
		return 0, err
	}

	var doc counterDoc
	if err := snapshot.DataTo(&doc); err != nil {
		return 0, fmt.Errorf("firestore counters decode %s: %w", id, err)
	}

	increment := doc.effectiveStep(step)
	newValue := doc.CurrentValue + increment
	if doc.MaxValue != nil && newValue > *doc.MaxValue {
		return 0, repositories.NewCounterError(repositories.CounterErrorExhausted, fmt.Sprintf("counter %s exceeded max value %d", id, *doc.MaxValue), nil)
	}

	doc.CurrentValue = newValue
	doc.Step = increment
	doc.UpdatedAt = time.Now().UTC()
	if err := tx.Set(ref, doc, firestore.MergeAll); err != nil {
		return 0, err
	}
	return newValue, nil
}

func createCounter(tx *firestore.Transaction, ref *firestore.DocumentRef, step int64) (int64, error) {
	if step <= 0 {
		step = 1
	}
	doc := counterDoc{
		CurrentValue: step,
		Step:         step,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := tx.Create(ref, doc); err != nil {
		return 0, err
	}
	return doc.CurrentValue, nil
}

// Configure merges optional counter settings: step size, maximum, or a reset
// of the current value.
func (r *CounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	if r == nil || r.provider == nil {
		return errors.New("counter repository not initialised")
	}
	id, err := requireCounterID(counterID)
	if err != nil {
		return err
	}

	ref, err := r.counters.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, configureFields(cfg), firestore.MergeAll); err != nil {
		return pfirestore.WrapError("counters.configure", err)
	}
	return nil
}

// requireCounterID trims and validates a counter identifier.
func requireCounterID(counterID string) (string, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return "", repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}
	return id, nil
}

// configureFields builds the merge payload for Configure, touching only the
// settings the caller supplied.
func configureFields(cfg repositories.CounterConfig) map[string]any {
	payload := map[string]any{"updatedAt": time.Now().UTC()}
	if cfg.Step > 0 {
		payload["step"] = cfg.Step
	}
	if cfg.MaxValue != nil {
		payload["maxValue"] = *cfg.MaxValue
	}
	if cfg.InitialValue != nil {
		payload["currentValue"] = *cfg.InitialValue
	}
	return payload
}
