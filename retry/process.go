package retry

import (
	"context"
	"strings"

	"github.com/goliatone/go-connector"
)

// EntityRetryProcessConfiguration bounds retries of one entity state.
type EntityRetryProcessConfiguration struct {
	MaxRetries int
	// WaitStrategy supplies a fresh strategy per evaluation. Feedback
	// strategies are fed stateCount-1 failures before being asked.
	WaitStrategy func() connector.WaitStrategy
}

// DefaultConfiguration retries up to maxRetries with a fixed wait.
func DefaultConfiguration(maxRetries int, wait connector.WaitStrategy) EntityRetryProcessConfiguration {
	if wait == nil {
		wait = NoWaitStrategy{}
	}
	return EntityRetryProcessConfiguration{
		MaxRetries:   maxRetries,
		WaitStrategy: func() connector.WaitStrategy { return wait },
	}
}

// RetriesExhausted reports stateCount > MaxRetries.
func (c EntityRetryProcessConfiguration) RetriesExhausted(stateCount int) bool {
	return stateCount > c.MaxRetries
}

// DelayMillis returns the wait owed by an entity with stateCount.
func (c EntityRetryProcessConfiguration) DelayMillis(stateCount int) int64 {
	if c.WaitStrategy == nil || stateCount <= 1 {
		return 0
	}
	strategy := c.WaitStrategy()
	if strategy == nil {
		return 0
	}
	if fb, ok := strategy.(connector.FeedbackWaitStrategy); ok {
		fb.Failures(stateCount - 1)
	}
	delay := strategy.WaitForMillis()
	if delay < 0 {
		return 0
	}
	return delay
}

// Process is the unit of work guarded by a RetryProcess.
type Process[E connector.Entity] func(ctx context.Context, entity E, description string) (bool, error)

// DelayFunc is notified when an attempt is skipped for backoff.
type DelayFunc[E connector.Entity] func(entity E, delayMillis int64)

// RetryProcess gates a process by the entity's backoff window.
type RetryProcess[E connector.Entity] struct {
	config  EntityRetryProcessConfiguration
	process Process[E]
	clock   connector.Clock
	onDelay DelayFunc[E]
	logger  connector.Logger
}

// Option configures a RetryProcess.
type Option[E connector.Entity] func(*RetryProcess[E])

func WithClock[E connector.Entity](clock connector.Clock) Option[E] {
	return func(p *RetryProcess[E]) {
		if clock != nil {
			p.clock = clock
		}
	}
}

func WithOnDelay[E connector.Entity](fn DelayFunc[E]) Option[E] {
	return func(p *RetryProcess[E]) {
		p.onDelay = fn
	}
}

func WithLogger[E connector.Entity](logger connector.Logger) Option[E] {
	return func(p *RetryProcess[E]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewRetryProcess[E connector.Entity](config EntityRetryProcessConfiguration, process Process[E], opts ...Option[E]) *RetryProcess[E] {
	p := &RetryProcess[E]{
		config:  config,
		process: process,
		clock:   connector.SystemClock{},
		logger:  connector.DefaultLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// NewSimpleRetryProcess wraps an action that does not need the entity.
func NewSimpleRetryProcess[E connector.Entity](config EntityRetryProcessConfiguration, action func(ctx context.Context) (bool, error), opts ...Option[E]) *RetryProcess[E] {
	return NewRetryProcess(config, func(ctx context.Context, _ E, _ string) (bool, error) {
		if action == nil {
			return false, nil
		}
		return action(ctx)
	}, opts...)
}

// Execute runs the process unless the entity is still inside its backoff
// window, in which case OnDelay fires and Execute returns false. The first
// attempt in a state is never delayed. The action runs iff
// now - stateTimestamp >= delay.
func (p *RetryProcess[E]) Execute(ctx context.Context, entity E, description string) (bool, error) {
	st := entity.Stateful()
	if st.StateCount > 1 {
		delay := p.config.DelayMillis(st.StateCount)
		elapsed := connector.NowMillis(p.clock) - st.StateTimestamp
		if elapsed < delay {
			logger := connector.WithLoggerFields(p.logger.WithContext(ctx), connector.EntityFields(st))
			logger.Debug("%s delayed: %dms of %dms elapsed", describe(description), elapsed, delay)
			if p.onDelay != nil {
				p.onDelay(entity, delay-elapsed)
			}
			return false, nil
		}
	}
	if p.process == nil {
		return false, nil
	}
	return p.process(ctx, entity, description)
}

// RetriesExhausted reports whether the entity used up its attempts.
func (p *RetryProcess[E]) RetriesExhausted(entity E) bool {
	return p.config.RetriesExhausted(entity.Stateful().StateCount)
}

func (p *RetryProcess[E]) Configuration() EntityRetryProcessConfiguration {
	return p.config
}

func describe(description string) string {
	if d := strings.TrimSpace(description); d != "" {
		return d
	}
	return "process"
}
