package connection

import (
	"sync"
	"time"
)

// Breaker is the circuit breaker guarding reconnect storms. It opens when
// a reconnect loop exhausts its attempts and refuses further connect calls
// until the cooldown elapses; the first connect after the cooldown resets
// the breaker and proceeds as the single fresh attempt.
type Breaker struct {
	mu       sync.Mutex
	open     bool
	openedAt time.Time
	timeout  time.Duration
}

// NewBreaker creates a breaker with the given cooldown.
func NewBreaker(timeout time.Duration) *Breaker {
	return &Breaker{timeout: timeout}
}

// Trip opens the breaker.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = true
	b.openedAt = time.Now()
}

// Allow reports whether a connect attempt may proceed. An open breaker
// whose cooldown has elapsed is reset, so exactly one attempt goes
// through; if that attempt fails the reconnect loop trips it again.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if time.Since(b.openedAt) >= b.timeout {
		b.open = false
		return true
	}
	return false
}

// IsOpen reports whether the breaker is currently open.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && time.Since(b.openedAt) < b.timeout
}

// OpenSince returns when the breaker opened (zero if closed).
func (b *Breaker) OpenSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return time.Time{}
	}
	return b.openedAt
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.openedAt = time.Time{}
}
