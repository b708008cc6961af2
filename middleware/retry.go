package middleware

import (
	"context"
	"log"
	"math/rand"
	"time"

	"toolexec/execconfig"
	"toolexec/tool"
	"toolexec/toolerr"
)

// RetryMiddleware re-attempts retryable failures with exponential backoff.
// It sits inside the circuit breaker, so a burst of retries registers as a
// single failure against the breaker rather than tripping it repeatedly.
type RetryMiddleware struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
	jitter     bool
	hooks      *Hooks
}

// NewRetryMiddleware builds the retry wrapper. hooks may be nil.
func NewRetryMiddleware(cfg execconfig.RetryConfig, hooks *Hooks) *RetryMiddleware {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	return &RetryMiddleware{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		multiplier: cfg.Multiplier,
		jitter:     cfg.Jitter,
		hooks:      hooks,
	}
}

func (m *RetryMiddleware) Name() string { return "retry" }

func (m *RetryMiddleware) Execute(ctx context.Context, call *tool.Call, next Handler) *tool.Result {
	var result *tool.Result

	for attempt := 1; attempt <= m.maxRetries+1; attempt++ {
		if attempt > 1 {
			delay := m.backoff(attempt)

			// If waiting would push past the deadline, surface the last
			// failure now instead of burning the remaining budget asleep.
			if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
				log.Printf("Retry abandoned for %s: backoff %v exceeds deadline", call.Tool, delay)
				break
			}

			m.hooks.Retry(call, attempt, result.Error)
			log.Printf("Retrying %s (attempt %d/%d) after %v", call.Tool, attempt, m.maxRetries+1, delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				result = tool.ErrResult(call, time.Now(),
					toolerr.FromContextErr(ctx.Err(), ctx.Err() == context.DeadlineExceeded))
				result.Attempts = attempt - 1
				return result
			}
		}

		result = next(ctx, call)
		result.Attempts = attempt

		if result.Success {
			return result
		}
		if result.ErrorInfo == nil || !result.ErrorInfo.Retryable {
			return result
		}
	}

	return result
}

// backoff computes base * multiplier^(attempt-2), capped at maxDelay, with
// optional jitter in [0, delay).
func (m *RetryMiddleware) backoff(attempt int) time.Duration {
	delay := float64(m.baseDelay)
	for i := 0; i < attempt-2; i++ {
		delay *= m.multiplier
		if delay >= float64(m.maxDelay) {
			delay = float64(m.maxDelay)
			break
		}
	}
	d := time.Duration(delay)
	if d > m.maxDelay {
		d = m.maxDelay
	}
	if m.jitter && d > 0 {
		d += time.Duration(rand.Int63n(int64(d)))
		if d > m.maxDelay {
			d = m.maxDelay
		}
	}
	return d
}
