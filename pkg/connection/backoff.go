package connection

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth from Initial by
// Factor per attempt, capped at Max, plus a pseudo-random jitter term
// proportional to Jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64 // fraction of the delay, 0 disables jitter
}

// Delay returns the sleep before the given 1-based attempt. With
// Initial=1s, Factor=2, Max=60s, and no jitter the sequence is exactly
// 1, 2, 4, 8, 16, 32, 60, 60, ...
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.Initial) * math.Pow(b.Factor, float64(attempt-1))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		delay += delay * b.Jitter * rand.Float64()
		if delay > float64(b.Max)*(1+b.Jitter) {
			delay = float64(b.Max) * (1 + b.Jitter)
		}
	}

	return time.Duration(delay)
}
