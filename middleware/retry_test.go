package middleware

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolexec/execconfig"
	"toolexec/tool"
	"toolexec/toolerr"
)

func retryConfig() execconfig.RetryConfig {
	return execconfig.RetryConfig{
		Enabled:    true,
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
		Multiplier: 2,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	var attempts int64
	mw := NewRetryMiddleware(retryConfig(), nil)
	next := func(ctx context.Context, call *tool.Call) *tool.Result {
		n := atomic.AddInt64(&attempts, 1)
		if n < 3 {
			return tool.ErrResult(call, time.Now(),
				toolerr.New(toolerr.CodeExecutionFailed, "transient"))
		}
		return tool.OkResult(call, time.Now(), "ok", 1, false)
	}

	r := mw.Execute(context.Background(), flakyCall(), next)
	require.True(t, r.Success)
	assert.Equal(t, 3, r.Attempts)
}

func TestRetryExhaustionReportsTotalAttempts(t *testing.T) {
	var attempts int64
	mw := NewRetryMiddleware(retryConfig(), nil)
	next := failingHandler(&attempts)

	r := mw.Execute(context.Background(), flakyCall(), next)
	require.False(t, r.Success)
	assert.Equal(t, 4, r.Attempts) // max_retries + 1
	assert.EqualValues(t, 4, atomic.LoadInt64(&attempts))
	assert.Equal(t, toolerr.CodeExecutionFailed, r.ErrorInfo.Code)
}

func TestNonRetryableErrorIsNotRetried(t *testing.T) {
	var attempts int64
	mw := NewRetryMiddleware(retryConfig(), nil)
	next := func(ctx context.Context, call *tool.Call) *tool.Result {
		atomic.AddInt64(&attempts, 1)
		return tool.ErrResult(call, time.Now(),
			toolerr.New(toolerr.CodeValidationError, "bad args"))
	}

	r := mw.Execute(context.Background(), flakyCall(), next)
	require.False(t, r.Success)
	assert.Equal(t, 1, r.Attempts)
	assert.EqualValues(t, 1, atomic.LoadInt64(&attempts))
}

func TestRetryStopsWhenBackoffWouldPassDeadline(t *testing.T) {
	cfg := retryConfig()
	cfg.BaseDelay = 200 * time.Millisecond
	cfg.MaxDelay = time.Second
	var attempts int64
	mw := NewRetryMiddleware(cfg, nil)
	next := failingHandler(&attempts)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	r := mw.Execute(ctx, flakyCall(), next)
	require.False(t, r.Success)
	assert.Equal(t, 1, r.Attempts)
	assert.EqualValues(t, 1, atomic.LoadInt64(&attempts))
}

func TestRetryHookObservesAttempts(t *testing.T) {
	var hookCalls int64
	hooks := &Hooks{OnRetry: func(call *tool.Call, attempt int, lastErr string) {
		atomic.AddInt64(&hookCalls, 1)
	}}
	var attempts int64
	mw := NewRetryMiddleware(retryConfig(), hooks)

	mw.Execute(context.Background(), flakyCall(), failingHandler(&attempts))
	assert.EqualValues(t, 3, atomic.LoadInt64(&hookCalls))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := execconfig.RetryConfig{
		Enabled:    true,
		MaxRetries: 5,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   40 * time.Millisecond,
		Multiplier: 2,
	}
	mw := NewRetryMiddleware(cfg, nil)

	assert.Equal(t, 10*time.Millisecond, mw.backoff(2))
	assert.Equal(t, 20*time.Millisecond, mw.backoff(3))
	assert.Equal(t, 40*time.Millisecond, mw.backoff(4))
	assert.Equal(t, 40*time.Millisecond, mw.backoff(5)) // capped
}

func TestJitterStaysUnderCap(t *testing.T) {
	cfg := retryConfig()
	cfg.Jitter = true
	cfg.MaxDelay = 8 * time.Millisecond
	mw := NewRetryMiddleware(cfg, nil)

	for i := 0; i < 50; i++ {
		d := mw.backoff(4)
		assert.LessOrEqual(t, d, 8*time.Millisecond)
		assert.Positive(t, d)
	}
}
