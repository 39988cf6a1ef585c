package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mytapcard/api/internal/repositories"
)

var (
	// ErrCounterInvalidInput marks bad counter parameters from the caller.
	ErrCounterInvalidInput = errors.New("counter: invalid input")
	// ErrCounterExhausted marks a counter that hit its configured maximum.
	ErrCounterExhausted = errors.New("counter: exhausted")
)

// CounterServiceDeps lists the collaborators NewCounterService needs.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
	Clock      func() time.Time
}

// counterSpec is the comparable form of CounterGenerationOptions used to
// detect whether a counter's stored configuration needs a rewrite.
type counterSpec struct {
	stepSet      bool
	step         int64
	maxSet       bool
	maxValue     int64
	initialSet   bool
	initialValue int64
}

type counterService struct {
	repo  repositories.CounterRepository
	clock func() time.Time

	specMu sync.Mutex
	specs  map[string]counterSpec
}

// NewCounterService builds the sequence allocator used for order numbers and
// other monotonic identifiers.
func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &counterService{
		repo:  deps.Repository,
		clock: func() time.Time { return clock().UTC() },
		specs: make(map[string]counterSpec),
	}, nil
}

func (s *counterService) Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error) {
	scope = strings.TrimSpace(scope)
	name = strings.TrimSpace(name)
	if scope == "" {
		return CounterValue{}, fmt.Errorf("%w: scope is required", ErrCounterInvalidInput)
	}
	if name == "" {
		return CounterValue{}, fmt.Errorf("%w: name is required", ErrCounterInvalidInput)
	}

	counterID := scope + ":" + name
	if err := s.syncSpec(ctx, counterID, opts); err != nil {
		return CounterValue{}, err
	}

	value, err := s.repo.Next(ctx, counterID, opts.Step)
	if err != nil {
		return CounterValue{}, translateCounterError(err)
	}

	return CounterValue{
		Value:     value,
		Formatted: formatCounterValue(s.clock(), value, opts),
	}, nil
}

// NextOrderNumber allocates the next MTC-YYYY-NNNNNN order number from the
// per-year sequence.
func (s *counterService) NextOrderNumber(ctx context.Context) (string, error) {
	year := s.clock().Year()
	result, err := s.Next(ctx, "orders", fmt.Sprintf("%04d", year), CounterGenerationOptions{
		Formatter: func(current time.Time, seq int64) string {
			return fmt.Sprintf("MTC-%04d-%06d", current.Year(), seq)
		},
	})
	if err != nil {
		return "", err
	}
	return result.Formatted, nil
}

// syncSpec pushes the counter configuration to the repository once per
// distinct option set, so repeated Next calls skip the extra write.
func (s *counterService) syncSpec(ctx context.Context, counterID string, opts CounterGenerationOptions) error {
	spec := counterSpec{}
	if opts.Step > 0 {
		spec.stepSet = true
		spec.step = opts.Step
	}
	if opts.MaxValue != nil {
		spec.maxSet = true
		spec.maxValue = *opts.MaxValue
	}
	if opts.InitialValue != nil {
		spec.initialSet = true
		spec.initialValue = *opts.InitialValue
	}

	s.specMu.Lock()
	defer s.specMu.Unlock()

	if known, ok := s.specs[counterID]; ok && known == spec {
		return nil
	}

	if spec.stepSet || spec.maxSet || spec.initialSet {
		cfg := repositories.CounterConfig{}
		if spec.stepSet {
			cfg.Step = spec.step
		}
		if spec.maxSet {
			cfg.MaxValue = &spec.maxValue
		}
		if spec.initialSet {
			cfg.InitialValue = &spec.initialValue
		}
		if err := s.repo.Configure(ctx, counterID, cfg); err != nil {
			return err
		}
	}
	s.specs[counterID] = spec
	return nil
}

func translateCounterError(err error) error {
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
