package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stridewear/api/internal/repositories"
)

type stubCounterRepository struct {
	mu             sync.Mutex
	nextFn         func(context.Context, string, int64) (int64, error)
	configureFn    func(context.Context, string, repositories.CounterConfig) error
	nextCalls      []counterCall
	configureCalls []configureCall
}

type counterCall struct {
	ID   string
	Step int64
}

type configureCall struct {
	ID  string
	Cfg repositories.CounterConfig
}

func (s *stubCounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	s.mu.Lock()
	s.nextCalls = append(s.nextCalls, counterCall{ID: counterID, Step: step})
	s.mu.Unlock()
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID, step)
	}
	return 0, nil
}

func (s *stubCounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	s.mu.Lock()
	s.configureCalls = append(s.configureCalls, configureCall{ID: counterID, Cfg: cfg})
	s.mu.Unlock()
	if s.configureFn != nil {
		return s.configureFn(ctx, counterID, cfg)
	}
	return nil
}

func newCounterService(t *testing.T, repo repositories.CounterRepository, at time.Time) CounterService {
	t.Helper()
	svc, err := NewCounterService(CounterServiceDeps{
		Repository: repo,
		Clock:      func() time.Time { return at },
	})
	if err != nil {
		t.Fatalf("new counter service: %v", err)
	}
	return svc
}

func TestCounterServiceNextFormatsAndConfigures(t *testing.T) {
	repo := &stubCounterRepository{
		nextFn: func(context.Context, string, int64) (int64, error) { return 42, nil },
	}
	svc := newCounterService(t, repo, time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))

	value, err := svc.Next(context.Background(), "shipments", "global", CounterGenerationOptions{
		Step:      5,
		Prefix:    "SHP-",
		PadLength: 4,
	})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if value.Value != 42 {
		t.Fatalf("expected raw value 42, got %d", value.Value)
	}
	if value.Formatted != "SHP-0042" {
		t.Fatalf("expected formatted SHP-0042, got %s", value.Formatted)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.configureCalls) != 1 {
		t.Fatalf("expected configure called once, got %d", len(repo.configureCalls))
	}
	if repo.configureCalls[0].Cfg.Step != 5 {
		t.Fatalf("expected configure step 5, got %d", repo.configureCalls[0].Cfg.Step)
	}
}

func TestCounterServiceSkipsRepeatedConfiguration(t *testing.T) {
	repo := &stubCounterRepository{
		nextFn: func(context.Context, string, int64) (int64, error) { return 1, nil },
	}
	svc := newCounterService(t, repo, time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))

	opts := CounterGenerationOptions{Step: 2}
	for i := 0; i < 3; i++ {
		if _, err := svc.Next(context.Background(), "orders", "2026", opts); err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.configureCalls) != 1 {
		t.Fatalf("expected a single configure for identical options, got %d", len(repo.configureCalls))
	}
	if len(repo.nextCalls) != 3 {
		t.Fatalf("expected three next calls, got %d", len(repo.nextCalls))
	}
}

func TestCounterServiceMapsRepositoryErrors(t *testing.T) {
	repo := &stubCounterRepository{
		nextFn: func(context.Context, string, int64) (int64, error) {
			return 0, repositories.NewCounterError(repositories.CounterErrorExhausted, "limit", nil)
		},
	}
	svc := newCounterService(t, repo, time.Now())

	_, err := svc.Next(context.Background(), "test", "limit", CounterGenerationOptions{})
	if !errors.Is(err, ErrCounterExhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
}

func TestCounterServiceNextRMANumber(t *testing.T) {
	repo := &stubCounterRepository{
		nextFn: func(context.Context, string, int64) (int64, error) { return 7, nil },
	}
	svc := newCounterService(t, repo, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	result, err := svc.NextRMANumber(context.Background())
	if err != nil {
		t.Fatalf("next rma number: %v", err)
	}
	if result != "RMA-2026-000007" {
		t.Fatalf("expected formatted rma number, got %s", result)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.nextCalls) != 1 {
		t.Fatalf("expected one next call, got %d", len(repo.nextCalls))
	}
	if repo.nextCalls[0].ID != "returns:2026" {
		t.Fatalf("expected counter id returns:2026, got %s", repo.nextCalls[0].ID)
	}
}
