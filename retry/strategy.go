package retry

import (
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goliatone/go-connector"
)

// RetryStrategy encapsulates the delay between attempts.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// NoWaitStrategy never delays.
type NoWaitStrategy struct{}

func (NoWaitStrategy) WaitForMillis() int64 { return 0 }

func (NoWaitStrategy) SleepDuration(_ int, _ error) time.Duration { return 0 }

// FixedWaitStrategy always waits the same period.
type FixedWaitStrategy struct {
	Period time.Duration
}

func NewFixedWaitStrategy(period time.Duration) FixedWaitStrategy {
	return FixedWaitStrategy{Period: period}
}

func (f FixedWaitStrategy) WaitForMillis() int64 {
	if f.Period < 0 {
		return 0
	}
	return f.Period.Milliseconds()
}

func (f FixedWaitStrategy) SleepDuration(_ int, _ error) time.Duration {
	return f.Period
}

// ExponentialWaitStrategy implements a capped exponential backoff.
// Usage example:
//
//	NewExponentialWaitStrategy(100*time.Millisecond, 2, 5*time.Second)
//
// With failures recorded, the wait is Base * Factor^(failures-1), capped at
// Max. Success resets the failure count.
type ExponentialWaitStrategy struct {
	// Base is the starting delay (e.g., 100ms)
	Base time.Duration
	// Factor is multiplied each iteration (e.g., 2 => 100ms, 200ms, 400ms, ...)
	Factor float64
	// Max is the maximum delay allowed (caps the exponential growth)
	Max time.Duration

	mu       sync.Mutex
	failures int
}

func NewExponentialWaitStrategy(base time.Duration, factor float64, max time.Duration) *ExponentialWaitStrategy {
	if factor <= 0 {
		factor = 2
	}
	return &ExponentialWaitStrategy{Base: base, Factor: factor, Max: max}
}

func (e *ExponentialWaitStrategy) WaitForMillis() int64 {
	e.mu.Lock()
	attempt := e.failures - 1
	e.mu.Unlock()
	return e.SleepDuration(attempt, nil).Milliseconds()
}

// SleepDuration implements an exponential backoff with a cap at Max.
func (e *ExponentialWaitStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 2
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if e.Max > 0 && (delay > float64(e.Max) || math.IsInf(delay, 1)) {
		return e.Max
	}
	return time.Duration(delay)
}

func (e *ExponentialWaitStrategy) Success() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = 0
}

func (e *ExponentialWaitStrategy) Failures(n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures += n
}

// StrategyWaitStrategy adapts a RetryStrategy to the feedback contract by
// tracking the attempt index itself.
type StrategyWaitStrategy struct {
	Strategy RetryStrategy

	mu      sync.Mutex
	attempt int
}

func NewStrategyWaitStrategy(strategy RetryStrategy) *StrategyWaitStrategy {
	if strategy == nil {
		strategy = NoWaitStrategy{}
	}
	return &StrategyWaitStrategy{Strategy: strategy}
}

func (s *StrategyWaitStrategy) WaitForMillis() int64 {
	s.mu.Lock()
	attempt := s.attempt - 1
	s.mu.Unlock()
	if attempt < 0 {
		attempt = 0
	}
	return s.Strategy.SleepDuration(attempt, nil).Milliseconds()
}

func (s *StrategyWaitStrategy) Success() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = 0
}

func (s *StrategyWaitStrategy) Failures(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt += n
}

// JitteredWaitStrategy draws randomized exponential waits from a
// cenkalti/backoff policy. It suits loops where many workers would
// otherwise retry in lockstep.
type JitteredWaitStrategy struct {
	mu      sync.Mutex
	policy  *backoff.ExponentialBackOff
	current time.Duration
}

// NewJitteredWaitStrategy builds a policy starting at initial, growing by
// multiplier, capped at max with the given randomization factor.
func NewJitteredWaitStrategy(initial, max time.Duration, multiplier, randomization float64) *JitteredWaitStrategy {
	policy := backoff.NewExponentialBackOff()
	if initial > 0 {
		policy.InitialInterval = initial
	}
	if max > 0 {
		policy.MaxInterval = max
	}
	if multiplier > 0 {
		policy.Multiplier = multiplier
	}
	if randomization >= 0 {
		policy.RandomizationFactor = randomization
	}
	policy.MaxElapsedTime = 0
	policy.Reset()
	return &JitteredWaitStrategy{policy: policy}
}

// WaitForMillis returns the current wait, zero until a failure is recorded.
func (j *JitteredWaitStrategy) WaitForMillis() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.current.Milliseconds()
}

func (j *JitteredWaitStrategy) Success() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.policy.Reset()
	j.current = 0
}

func (j *JitteredWaitStrategy) Failures(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := 0; i < n; i++ {
		next := j.policy.NextBackOff()
		if next == backoff.Stop {
			next = j.policy.MaxInterval
		}
		j.current = next
	}
}

var (
	_ connector.WaitStrategy         = NoWaitStrategy{}
	_ connector.WaitStrategy         = FixedWaitStrategy{}
	_ connector.FeedbackWaitStrategy = (*ExponentialWaitStrategy)(nil)
	_ connector.FeedbackWaitStrategy = (*StrategyWaitStrategy)(nil)
	_ connector.FeedbackWaitStrategy = (*JitteredWaitStrategy)(nil)
)
