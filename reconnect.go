package mqttsession

import (
	"math/rand/v2"
	"sync"
	"time"
)

// BackoffStrategy returns the delay before reconnect attempt number attempt
// (1-based), given the configured reconnect period.
type BackoffStrategy func(attempt int, period time.Duration) time.Duration

// FixedBackoff waits the reconnect period before every attempt.
func FixedBackoff(_ int, period time.Duration) time.Duration {
	return period
}

// JitterBackoff adds up to fraction × period of random delay to the period.
func JitterBackoff(fraction float64) BackoffStrategy {
	if fraction < 0 {
		fraction = 0
	}
	return func(_ int, period time.Duration) time.Duration {
		if fraction == 0 || period <= 0 {
			return period
		}
		return period + time.Duration(float64(period)*fraction*rand.Float64())
	}
}

// ExponentialBackoff doubles the period for every consecutive failure, up to maxDelay.
func ExponentialBackoff(maxDelay time.Duration) BackoffStrategy {
	return func(attempt int, period time.Duration) time.Duration {
		delay := period
		for i := 1; i < attempt; i++ {
			delay *= 2
			if maxDelay > 0 && delay >= maxDelay {
				return maxDelay
			}
		}
		if maxDelay > 0 && delay > maxDelay {
			return maxDelay
		}
		return delay
	}
}

// ReconnectScheduler holds at most one pending reconnect. Scheduling while a
// reconnect is already pending does nothing, so overlapping failure reports
// never produce two attempts.
type ReconnectScheduler struct {
	mu       sync.Mutex
	period   time.Duration
	strategy BackoffStrategy
	timer    cancellableTimer
}

// NewReconnectScheduler creates a scheduler. A nil strategy waits period
// before every attempt.
func NewReconnectScheduler(period time.Duration, strategy BackoffStrategy) *ReconnectScheduler {
	if strategy == nil {
		strategy = FixedBackoff
	}
	return &ReconnectScheduler{
		period:   period,
		strategy: strategy,
	}
}

// Delay returns the wait before the given attempt.
func (s *ReconnectScheduler) Delay(attempt int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.strategy(attempt, s.period)
	if d < 0 {
		return 0
	}
	return d
}

// Schedule arms fn to run after Delay(attempt). It returns false, leaving the
// pending timer untouched, if one is already armed.
func (s *ReconnectScheduler) Schedule(attempt int, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer.Armed() {
		return false
	}

	d := s.strategy(attempt, s.period)
	if d < 0 {
		d = 0
	}
	s.timer.Arm(d, fn)
	return true
}

// Cancel disarms any pending reconnect.
func (s *ReconnectScheduler) Cancel() {
	s.timer.Cancel()
}

// Armed reports whether a reconnect is pending.
func (s *ReconnectScheduler) Armed() bool {
	return s.timer.Armed()
}

// Period returns the base reconnect period.
func (s *ReconnectScheduler) Period() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}
