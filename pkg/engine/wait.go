package engine

import (
	"math"
	"time"
)

// DefaultMaxDelay caps exponential delays.
const DefaultMaxDelay = time.Minute

// WaitStrategy produces the delays used by the manager: the idle delay between
// empty iterations and the backoff before re-attempting a failed operation.
type WaitStrategy interface {
	// WaitFor returns the delay to apply when an iteration found nothing to do.
	WaitFor() time.Duration

	// RetryIn returns the delay before the next attempt after the given number of
	// consecutive failures. It must be non-decreasing in failures.
	RetryIn(failures int) time.Duration
}

// ExponentialWaitStrategy doubles the delay for every consecutive failure.
type ExponentialWaitStrategy struct {
	// Base is the delay for the first retry and the idle delay.
	Base time.Duration

	// Max caps the delay. Zero means DefaultMaxDelay.
	Max time.Duration
}

// NewExponentialWaitStrategy creates an exponential strategy seeded with base.
func NewExponentialWaitStrategy(base, ceiling time.Duration) *ExponentialWaitStrategy {
	return &ExponentialWaitStrategy{Base: base, Max: ceiling}
}

// WaitFor returns the base delay.
func (s *ExponentialWaitStrategy) WaitFor() time.Duration {
	return s.Base
}

// RetryIn returns Base * 2^(failures-1), capped at Max. Zero or negative failure
// counts return Base.
func (s *ExponentialWaitStrategy) RetryIn(failures int) time.Duration {
	ceiling := s.Max
	if ceiling <= 0 {
		ceiling = DefaultMaxDelay
	}
	if s.Base <= 0 {
		return 0
	}
	if failures <= 1 {
		return minDuration(s.Base, ceiling)
	}

	// Exponential backoff: delay = base * 2^(failures-1)
	factor := math.Pow(2, float64(failures-1))
	if factor > float64(ceiling)/float64(s.Base) {
		return ceiling
	}
	return minDuration(time.Duration(float64(s.Base)*factor), ceiling)
}

// FixedWaitStrategy always returns the same delay.
type FixedWaitStrategy time.Duration

// WaitFor returns the fixed delay.
func (s FixedWaitStrategy) WaitFor() time.Duration { return time.Duration(s) }

// RetryIn returns the fixed delay.
func (s FixedWaitStrategy) RetryIn(int) time.Duration { return time.Duration(s) }

// RetryProcessConfiguration bounds the attempts made for one operation on behalf of
// a transfer process.
type RetryProcessConfiguration struct {
	// Limit is the number of failures tolerated; the failure that pushes the state
	// count above Limit terminates the process.
	Limit int

	// WaitStrategy returns a fresh strategy for every retryable operation.
	WaitStrategy func() WaitStrategy
}

// NewRetryProcessConfiguration builds a configuration using exponential backoff.
func NewRetryProcessConfiguration(limit int, baseDelay, maxDelay time.Duration) RetryProcessConfiguration {
	return RetryProcessConfiguration{
		Limit: limit,
		WaitStrategy: func() WaitStrategy {
			return NewExponentialWaitStrategy(baseDelay, maxDelay)
		},
	}
}

// Exhausted reports whether a state count has used up the retry budget.
func (c RetryProcessConfiguration) Exhausted(stateCount int) bool {
	return stateCount > c.Limit
}

// Delay returns the backoff for the given state count using a fresh wait strategy.
func (c RetryProcessConfiguration) Delay(stateCount int) time.Duration {
	if c.WaitStrategy == nil {
		return 0
	}
	return c.WaitStrategy().RetryIn(stateCount)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
