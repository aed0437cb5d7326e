package utils

import (
	"sync"
	"time"
)

const (
	DefaultReconnectBase        = 2000 * time.Millisecond
	DefaultMaxReconnectAttempts = 5
)

type ReconnectStrategy interface {
	// NextDelay returns the wait before the next attempt, or false once the
	// attempt budget is spent.
	NextDelay() (time.Duration, bool)
	Attempt() int
	Reset()
}

// ExponentialBackoff waits base * 2^attempt before each attempt and gives up
// after maxAttempts consecutive attempts.
type ExponentialBackoff struct {
	mu          sync.Mutex
	base        time.Duration
	maxAttempts int
	attempt     int
}

func NewExponentialBackoff(base time.Duration, maxAttempts int) *ExponentialBackoff {
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}
	return &ExponentialBackoff{
		base:        base,
		maxAttempts: maxAttempts,
	}
}

func (e *ExponentialBackoff) NextDelay() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.attempt >= e.maxAttempts {
		return 0, false
	}
	delay := e.base << uint(e.attempt)
	e.attempt++
	return delay, true
}

// Attempt is the number of delays handed out since the last Reset.
func (e *ExponentialBackoff) Attempt() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempt
}

func (e *ExponentialBackoff) MaxAttempts() int {
	return e.maxAttempts
}

func (e *ExponentialBackoff) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempt = 0
}
