package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stridewear/api/internal/repositories"
)

var (
	// ErrCounterInvalidInput indicates the caller supplied invalid counter parameters.
	ErrCounterInvalidInput = errors.New("counter: invalid input")
	// ErrCounterExhausted indicates the counter cannot advance past its configured maximum.
	ErrCounterExhausted = errors.New("counter: exhausted")
)

// CounterServiceDeps bundles collaborators for NewCounterService.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
	Clock      func() time.Time
}

type counterService struct {
	repo  repositories.CounterRepository
	clock func() time.Time

	// configured tracks the last configuration pushed per counter so
	// repeated Next calls with the same options skip the extra write.
	configMu   sync.Mutex
	configured map[string]string
}

// NewCounterService builds the sequence-number service on top of the repository.
func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &counterService{
		repo:       deps.Repository,
		clock:      func() time.Time { return clock().UTC() },
		configured: make(map[string]string),
	}, nil
}

func (s *counterService) Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error) {
	counterID, err := counterKey(scope, name)
	if err != nil {
		return CounterValue{}, err
	}
	if err := s.ensureConfiguration(ctx, counterID, opts); err != nil {
		return CounterValue{}, err
	}

	value, err := s.repo.Next(ctx, counterID, opts.Step)
	if err != nil {
		return CounterValue{}, mapCounterError(err)
	}

	return CounterValue{
		Value:     value,
		Formatted: formatCounterValue(s.clock(), value, opts),
	}, nil
}

// NextRMANumber issues a yearly-scoped RMA number such as RMA-2026-000042.
func (s *counterService) NextRMANumber(ctx context.Context) (string, error) {
	year := s.clock().Year()
	result, err := s.Next(ctx, "returns", fmt.Sprintf("%04d", year), CounterGenerationOptions{
		Step: 1,
		Formatter: func(current time.Time, seq int64) string {
			return fmt.Sprintf("RMA-%04d-%06d", current.Year(), seq)
		},
	})
	if err != nil {
		return "", err
	}
	return result.Formatted, nil
}

// counterKey joins scope and name into the repository counter id.
func counterKey(scope, name string) (string, error) {
	scope = strings.TrimSpace(scope)
	name = strings.TrimSpace(name)
	switch {
	case scope == "":
		return "", fmt.Errorf("%w: scope is required", ErrCounterInvalidInput)
	case name == "":
		return "", fmt.Errorf("%w: name is required", ErrCounterInvalidInput)
	}
	return scope + ":" + name, nil
}

// counterSettings flattens generation options into the repository config and
// a signature string used to dedupe repeated Configure calls.
func counterSettings(opts CounterGenerationOptions) (repositories.CounterConfig, string) {
	cfg := repositories.CounterConfig{}
	var parts []string
	if opts.Step > 0 {
		cfg.Step = opts.Step
		parts = append(parts, "step="+strconv.FormatInt(opts.Step, 10))
	}
	if opts.MaxValue != nil {
		max := *opts.MaxValue
		cfg.MaxValue = &max
		parts = append(parts, "max="+strconv.FormatInt(max, 10))
	}
	if opts.InitialValue != nil {
		initial := *opts.InitialValue
		cfg.InitialValue = &initial
		parts = append(parts, "init="+strconv.FormatInt(initial, 10))
	}
	return cfg, strings.Join(parts, ";")
}

// ensureConfiguration pushes step/max/initial settings to the repository the
// first time a given combination is seen for a counter.
func (s *counterService) ensureConfiguration(ctx context.Context, counterID string, opts CounterGenerationOptions) error {
	cfg, signature := counterSettings(opts)

	s.configMu.Lock()
	defer s.configMu.Unlock()

	if signature == "" {
		s.configured[counterID] = signature
		return nil
	}
	if s.configured[counterID] == signature {
		return nil
	}
	if err := s.repo.Configure(ctx, counterID, cfg); err != nil {
		return err
	}
	s.configured[counterID] = signature
	return nil
}

func mapCounterError(err error) error {
	var counterErr *repositories.CounterError
	if errors.As(err, &counterErr) {
		switch counterErr.Code {
		case repositories.CounterErrorInvalidInput:
			return fmt.Errorf("%w: %s", ErrCounterInvalidInput, counterErr.Message)
		case repositories.CounterErrorExhausted:
			return fmt.Errorf("%w: %s", ErrCounterExhausted, counterErr.Message)
		}
	}
	return err
}

func formatCounterValue(now time.Time, value int64, opts CounterGenerationOptions) string {
	if opts.Formatter != nil {
		return opts.Formatter(now, value)
	}
	formatted := strconv.FormatInt(value, 10)
	if opts.PadLength > 0 {
		formatted = fmt.Sprintf("%0*d", opts.PadLength, value)
	}
	return opts.Prefix + formatted + opts.Suffix
}
