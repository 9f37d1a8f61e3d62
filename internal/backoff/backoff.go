// Package backoff computes full-jitter retry delays for the dispatch poller.
// The delay for attempt n is uniform in [1ms, min(Max, Base*2^n)], so
// synchronized pollers fan out instead of retrying in lockstep.
package backoff

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultBase is the first-attempt delay.
	DefaultBase = 5 * time.Second
	// DefaultMax caps the exponential growth.
	DefaultMax = 5 * time.Minute
)

// Scheduler computes retry delays. The zero value uses the defaults. It holds
// no mutable state and is safe for concurrent use from any number of callers.
type Scheduler struct {
	Base time.Duration
	Max  time.Duration

	// Rand supplies the jitter draw in [0, 1). Nil uses math/rand/v2.
	// Tests inject a fixed draw here.
	Rand func() float64
}

// New returns a Scheduler with the given bounds.
func New(base, max time.Duration) Scheduler {
	return Scheduler{Base: base, Max: max}
}

// Delay returns how long to wait before the next retry. attempt <= 0 returns
// the base delay unchanged; otherwise the result is uniform in
// [1ms, min(Max, Base*2^attempt)]. Never zero, never errors: out-of-range
// inputs are clamped, and the cap is applied while doubling so arbitrarily
// large attempt values cannot overflow.
func (s Scheduler) Delay(attempt int) time.Duration {
	base := s.Base
	if base <= 0 {
		base = DefaultBase
	}
	max := s.Max
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}

	capMs := max.Milliseconds()
	ceiling := base.Milliseconds()
	if ceiling < 1 {
		ceiling = 1
	}
	for i := 0; i < attempt && ceiling < capMs; i++ {
		ceiling *= 2
	}
	if ceiling > capMs {
		ceiling = capMs
	}

	draw := s.Rand
	if draw == nil {
		draw = rand.Float64
	}
	delayMs := int64(float64(ceiling)*draw()) + 1
	return time.Duration(delayMs) * time.Millisecond
}

// Delay computes a full-jitter delay with the default bounds.
func Delay(attempt int) time.Duration {
	return Scheduler{}.Delay(attempt)
}
