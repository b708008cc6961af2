package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolexec/execconfig"
	"toolexec/tool"
	"toolexec/toolerr"
)

func TestSlidingWindowAllowsUpToLimit(t *testing.T) {
	sw := NewSlidingWindow(3, time.Second)

	for i := 0; i < 3; i++ {
		allowed, _, err := sw.Allow("adder")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, retryAfter, err := sw.Allow("adder")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Positive(t, retryAfter)
	assert.LessOrEqual(t, retryAfter, time.Second)
}

func TestSlidingWindowAgesOutRequests(t *testing.T) {
	sw := NewSlidingWindow(1, 30*time.Millisecond)

	allowed, _, _ := sw.Allow("adder")
	require.True(t, allowed)
	allowed, _, _ = sw.Allow("adder")
	require.False(t, allowed)

	time.Sleep(40 * time.Millisecond)
	allowed, _, _ = sw.Allow("adder")
	assert.True(t, allowed)
}

func TestSlidingWindowKeysAreIndependent(t *testing.T) {
	sw := NewSlidingWindow(1, time.Second)

	allowed, _, _ := sw.Allow("a")
	require.True(t, allowed)
	allowed, _, _ = sw.Allow("b")
	assert.True(t, allowed)
}

func TestRateLimitMiddlewareRejectsWithRetryHint(t *testing.T) {
	cfg := execconfig.RateLimitConfig{
		Enabled:      true,
		GlobalLimit:  2,
		GlobalWindow: time.Second,
	}
	mw := NewRateLimitMiddleware(cfg)
	next := func(ctx context.Context, call *tool.Call) *tool.Result {
		return tool.OkResult(call, time.Now(), "ok", 1, false)
	}

	call := &tool.Call{CallID: "c", Tool: "adder"}
	require.True(t, mw.Execute(context.Background(), call, next).Success)
	require.True(t, mw.Execute(context.Background(), call, next).Success)

	r := mw.Execute(context.Background(), call, next)
	require.False(t, r.Success)
	assert.Equal(t, toolerr.CodeRateLimited, r.ErrorInfo.Code)
	assert.True(t, r.ErrorInfo.Retryable)
	assert.Positive(t, r.ErrorInfo.RetryAfterMs)
}

func TestPerToolLimitOverridesGlobal(t *testing.T) {
	cfg := execconfig.RateLimitConfig{
		Enabled:      true,
		GlobalLimit:  1,
		GlobalWindow: time.Second,
		PerToolLimits: map[string]execconfig.ToolRateLimit{
			"generous": {Limit: 5, Window: time.Second},
		},
	}
	mw := NewRateLimitMiddleware(cfg)
	next := func(ctx context.Context, call *tool.Call) *tool.Result {
		return tool.OkResult(call, time.Now(), "ok", 1, false)
	}

	generous := &tool.Call{CallID: "g", Tool: "generous"}
	for i := 0; i < 5; i++ {
		require.True(t, mw.Execute(context.Background(), generous, next).Success)
	}

	// The global limit still applies to tools without a specific one.
	other := &tool.Call{CallID: "o", Tool: "other"}
	require.True(t, mw.Execute(context.Background(), other, next).Success)
	assert.False(t, mw.Execute(context.Background(), other, next).Success)
}

func TestRateLimitFailsOpenOnBackendError(t *testing.T) {
	mw := &RateLimitMiddleware{
		global:  brokenLimiter{},
		perTool: map[string]Limiter{},
	}
	next := func(ctx context.Context, call *tool.Call) *tool.Result {
		return tool.OkResult(call, time.Now(), "ok", 1, false)
	}

	r := mw.Execute(context.Background(), &tool.Call{CallID: "c", Tool: "adder"}, next)
	assert.True(t, r.Success)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(key string) (bool, time.Duration, error) {
	return false, 0, assert.AnError
}
