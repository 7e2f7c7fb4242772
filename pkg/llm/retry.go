package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/errorsx"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/resilience"
)

// RetryConfig shapes the backoff around Generate calls. Sleep is
// injectable so tests run without real delays.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	IsRetryable func(error) bool
	Sleep       func(time.Duration)
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	return cfg
}

// Retry runs fn with exponential backoff until it succeeds, exhausts
// its attempts or hits a non-retryable error.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) (Response, error)) (Response, error) {
	cfg = cfg.withDefaults()
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !cfg.IsRetryable(err) || attempt == cfg.MaxAttempts-1 {
			break
		}
		delay, ok := nextDelay(cfg, attempt, err)
		if !ok {
			break
		}
		cfg.Sleep(delay)
	}
	return Response{}, fmt.Errorf("llm retry failed: %w", lastErr)
}

// nextDelay computes the wait before the following attempt. A provider
// Retry-After hint raises the wait; a hint beyond MaxDelay reports the
// next attempt as not worth making, since a live turn cannot absorb
// that long a pause.
func nextDelay(cfg RetryConfig, attempt int, err error) (time.Duration, bool) {
	delay := cfg.BaseDelay
	for i := 0; i < attempt && delay < cfg.MaxDelay; i++ {
		delay *= 2
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	var rl resilience.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		if rl.RetryAfter > cfg.MaxDelay {
			return 0, false
		}
		if rl.RetryAfter > delay {
			delay = rl.RetryAfter
		}
	}
	if cfg.Jitter > 0 {
		delay += time.Duration(float64(delay) * cfg.Jitter * rand.Float64())
	}
	return delay, true
}

// DefaultIsRetryable rules out cancellation, auth and bad-request
// failures; everything else gets another attempt.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch errorsx.Reason(err) {
	case errorsx.ReasonLLMAuth, errorsx.ReasonLLMBadRequest:
		return false
	}
	return true
}
