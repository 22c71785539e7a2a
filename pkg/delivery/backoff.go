package delivery

import (
	"math/rand/v2"
	"time"
)

// BaseBackoff is the delay before retry number attempt without jitter:
// base * 2^(attempt-1), capped at the maximum delay.
func (s *Service) BaseBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := s.baseDelay

	for i := 1; i < attempt; i++ {
		if delay >= s.maxDelay/2 {
			return s.maxDelay
		}

		delay *= 2
	}

	return min(delay, s.maxDelay)
}

// Backoff adds jitter in [0, jitter*delay) to BaseBackoff. The result never exceeds the
// maximum delay, so retries at the cap are not spread.
func (s *Service) Backoff(attempt int) time.Duration {
	delay := s.BaseBackoff(attempt)

	spread := int64(float64(delay) * s.jitter)
	if spread <= 0 {
		return delay
	}

	return min(delay+time.Duration(rand.Int64N(spread)), s.maxDelay)
}
