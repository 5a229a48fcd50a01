package manager

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/retry"
)

// Outcome classifies what a processor did with one leased entity.
type Outcome string

const (
	OutcomeProgressed     Outcome = "progressed"
	OutcomeNoProgress     Outcome = "no_progress"
	OutcomeDelayed        Outcome = "delayed"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeExhausted      Outcome = "exhausted"
	OutcomeFailed         Outcome = "failed"
)

// Decision tells the manager how to persist a processed entity. When Save
// is false the lease is released and the entity stays untouched.
type Decision struct {
	Outcome Outcome
	Save    bool
	Err     error
	// DelayMillis is the remaining backoff when Outcome is delayed.
	DelayMillis int64
}

// Processor handles entities leased in one state.
type Processor[E connector.Entity] interface {
	Process(ctx context.Context, entity E) Decision
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[E connector.Entity] func(ctx context.Context, entity E) Decision

func (f ProcessorFunc[E]) Process(ctx context.Context, entity E) Decision {
	return f(ctx, entity)
}

// Action is the per state work. It reports whether the entity progressed.
type Action[E connector.Entity] func(ctx context.Context, entity E) (bool, error)

// StateProcessor runs an action under a retry budget. Failures re-enter the
// current state until the budget is used, then the entity moves to its
// error state.
type StateProcessor[E connector.Entity] struct {
	action      Action[E]
	config      retry.EntityRetryProcessConfiguration
	description string
	clock       connector.Clock
	logger      connector.Logger
}

// ProcessorOption configures a StateProcessor.
type ProcessorOption func(*processorSettings)

type processorSettings struct {
	description string
	clock       connector.Clock
	logger      connector.Logger
}

// WithDescription names the action in logs and error details.
func WithDescription(description string) ProcessorOption {
	return func(s *processorSettings) {
		s.description = strings.TrimSpace(description)
	}
}

// WithProcessorClock sets the clock used for backoff and state timestamps.
func WithProcessorClock(clock connector.Clock) ProcessorOption {
	return func(s *processorSettings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithProcessorLogger(logger connector.Logger) ProcessorOption {
	return func(s *processorSettings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStateProcessor builds a processor for action bounded by config.
func NewStateProcessor[E connector.Entity](action Action[E], config retry.EntityRetryProcessConfiguration, opts ...ProcessorOption) *StateProcessor[E] {
	settings := processorSettings{
		description: "state action",
		clock:       connector.SystemClock{},
		logger:      connector.DefaultLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	if settings.description == "" {
		settings.description = "state action"
	}
	return &StateProcessor[E]{
		action:      action,
		config:      config,
		description: settings.description,
		clock:       settings.clock,
		logger:      settings.logger,
	}
}

// Process gates the action by the entity's backoff window and maps its
// result to a persistence decision.
func (p *StateProcessor[E]) Process(ctx context.Context, entity E) Decision {
	var (
		ran         bool
		delayMillis int64
	)
	attempt := retry.NewRetryProcess(p.config, func(ctx context.Context, e E, description string) (progressed bool, err error) {
		ran = true
		defer func() {
			if r := recover(); r != nil {
				progressed = false
				err = connector.RecoverError(description, r)
			}
		}()
		if p.action == nil {
			return false, nil
		}
		return p.action(ctx, e)
	},
		retry.WithClock[E](p.clock),
		retry.WithLogger[E](p.logger),
		retry.WithOnDelay[E](func(_ E, remaining int64) { delayMillis = remaining }),
	)

	progressed, err := attempt.Execute(ctx, entity, p.description)
	if !ran {
		return Decision{Outcome: OutcomeDelayed, DelayMillis: delayMillis}
	}

	st := entity.Stateful()
	now := p.clock.Now()
	if err != nil {
		logger := connector.WithLoggerFields(p.logger.WithContext(ctx), connector.EntityFields(st))
		if attempt.RetriesExhausted(entity) {
			detail := fmt.Sprintf("%s failed after %d attempts: %v", p.description, st.StateCount, err)
			logger.Error("%s exhausted retries: %v", p.description, err)
			entity.TransitionToError(detail, now)
			return Decision{
				Outcome: OutcomeExhausted,
				Save:    true,
				Err: connector.NewError(connector.ErrRetriesExhausted, detail, err, map[string]any{
					"attempts": st.StateCount,
				}),
			}
		}
		logger.Warn("%s failed, retry scheduled: %v", p.description, err)
		st.RecordRetry(now)
		return Decision{Outcome: OutcomeRetryScheduled, Save: true, Err: err}
	}
	if progressed {
		return Decision{Outcome: OutcomeProgressed, Save: true}
	}
	return Decision{Outcome: OutcomeNoProgress}
}

// Configuration returns the retry budget.
func (p *StateProcessor[E]) Configuration() retry.EntityRetryProcessConfiguration {
	return p.config
}
