// Package resilience holds provider-side failure handling shared by
// the LLM, STT and TTS adapters.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError is a provider telling us to back off, either as a
// server-side 429 or a client-side quota denial.
type RateLimitError struct {
	Provider string
	Message  string
	// RetryAfter is the provider-suggested wait; zero when the response
	// carried none.
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	if e.Message == "" {
		return "rate limit"
	}
	return e.Message
}

// IsRateLimit reports whether err is, or wraps, a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// CircuitBreaker sheds load after a provider rate-limits us repeatedly.
// It trips only on RateLimitError; transport and model errors are the
// retry layer's problem and do not count.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	strikes   int
	openUntil time.Time
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
	if cb.threshold <= 0 {
		cb.threshold = 3
	}
	if cb.cooldown <= 0 {
		cb.cooldown = 30 * time.Second
	}
	return cb
}

// Allow reports whether a request may proceed.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.openUntil)
}

// OnSuccess closes the breaker and clears the strike count.
func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strikes = 0
	c.openUntil = time.Time{}
}

// OnError counts a rate-limit strike. At the threshold the breaker
// opens for the cooldown, or for the provider's suggested wait when
// that is longer.
func (c *CircuitBreaker) OnError(err error) {
	var rl RateLimitError
	if !errors.As(err, &rl) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strikes++
	if c.strikes < c.threshold {
		return
	}
	wait := c.cooldown
	if rl.RetryAfter > wait {
		wait = rl.RetryAfter
	}
	c.openUntil = c.now().Add(wait)
}
