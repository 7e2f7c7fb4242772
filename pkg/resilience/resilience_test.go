package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestRetryStopsAfterMaxRetries(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond, MaxBackoff: time.Millisecond}
	calls := 0
	err := policy.Do(func() error {
		calls++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetrySucceedsMidway(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond, MaxBackoff: time.Millisecond}
	calls := 0
	err := policy.Do(func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestCircuitBreakerOpensOnRateLimit(t *testing.T) {
	clock := time.Now()
	cb := NewCircuitBreaker(2, 10*time.Second)
	cb.now = func() time.Time { return clock }

	cb.OnError(RateLimitError{Provider: "test"})
	if !cb.Allow() {
		t.Fatalf("breaker should stay closed below threshold")
	}
	cb.OnError(RateLimitError{Provider: "test"})
	if cb.Allow() {
		t.Fatalf("breaker should open at threshold")
	}

	clock = clock.Add(11 * time.Second)
	if !cb.Allow() {
		t.Fatalf("breaker should close after cooldown")
	}
}

func TestCircuitBreakerIgnoresOtherErrors(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.OnError(errors.New("not a rate limit"))
	if !cb.Allow() {
		t.Fatalf("non rate-limit errors must not open the breaker")
	}
}

func TestCircuitBreakerHonorsRetryAfterHint(t *testing.T) {
	clock := time.Now()
	cb := NewCircuitBreaker(1, 5*time.Second)
	cb.now = func() time.Time { return clock }

	cb.OnError(RateLimitError{Provider: "test", RetryAfter: 40 * time.Second})
	if cb.Allow() {
		t.Fatalf("breaker should open at threshold")
	}
	clock = clock.Add(6 * time.Second)
	if cb.Allow() {
		t.Fatalf("provider hint should outlive the default cooldown")
	}
	clock = clock.Add(35 * time.Second)
	if !cb.Allow() {
		t.Fatalf("breaker should close after the hinted wait")
	}
}

func TestCircuitBreakerSuccessResets(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	cb.OnError(RateLimitError{Provider: "test"})
	cb.OnSuccess()
	cb.OnError(RateLimitError{Provider: "test"})
	if !cb.Allow() {
		t.Fatalf("success should clear the strike count")
	}
}
