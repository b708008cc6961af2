package toolerr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivesCategoryAndRetryable(t *testing.T) {
	e := New(CodeRateLimited, "too many calls")
	require.Equal(t, CategoryThrottled, e.Category)
	assert.True(t, e.Retryable)

	e2 := New(CodeValidationError, "bad argument")
	require.Equal(t, CategoryClient, e2.Category)
	assert.False(t, e2.Retryable)
}

func TestWithRetryAfterSetsMilliseconds(t *testing.T) {
	e := New(CodeCircuitOpen, "breaker open").WithRetryAfter(1500 * time.Millisecond)
	assert.EqualValues(t, 1500, e.RetryAfterMs)
}

func TestNotRetryableOverridesCategory(t *testing.T) {
	e := New(CodeMCPConnectionFailed, "connection refused")
	require.True(t, e.Retryable)
	e.NotRetryable()
	assert.False(t, e.Retryable)
	assert.Zero(t, e.RetryAfterMs)
}

func TestErrorStringIncludesParameter(t *testing.T) {
	e := New(CodeValidationError, "missing required field").WithParameter("path", nil)
	assert.Contains(t, e.Error(), "path")
}

func TestFromContextErr(t *testing.T) {
	timeout := FromContextErr(nil, true)
	assert.Equal(t, CodeTimeout, timeout.Code)
	assert.True(t, timeout.Retryable)

	cancelled := FromContextErr(nil, false)
	assert.Equal(t, CodeCancelled, cancelled.Code)
	assert.False(t, cancelled.Retryable)
}

func TestAsExtractsStructuredError(t *testing.T) {
	var err error = New(CodeInternal, "boom")
	e, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, CodeInternal, e.Code)

	_, ok = As(assertPlainError{})
	assert.False(t, ok)
}

type assertPlainError struct{}

func (assertPlainError) Error() string { return "plain" }
