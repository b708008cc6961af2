package exectx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestNewAssignsRequestID(t *testing.T) {
	ec := New(time.Time{}, 0)
	assert.NotEmpty(t, ec.RequestID)
}

func TestRemainingTimeAndExpiry(t *testing.T) {
	ec := New(time.Time{}, 0).WithTimeout(50 * time.Millisecond)
	assert.False(t, ec.IsExpired())
	assert.Greater(t, ec.RemainingTime(), time.Duration(0))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, ec.IsExpired())
}

func TestNoDeadlineNeverExpires(t *testing.T) {
	ec := New(time.Time{}, 0)
	assert.False(t, ec.IsExpired())
	assert.Greater(t, ec.RemainingTime(), time.Hour)
}

func TestToContextCarriesValueAndDeadline(t *testing.T) {
	ec := New(time.Time{}, 0).WithTimeout(time.Minute)
	ctx, cancel := ec.ToContext(context.Background())
	defer cancel()

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, ec.RequestID, got.RequestID)

	_, hasDeadline := ctx.Deadline()
	assert.True(t, hasDeadline)
}

func TestHeadersRoundTripTraceparent(t *testing.T) {
	ec := New(time.Time{}, 0)
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ec.Span = trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})

	headers := ec.ToHeaders()
	require.Contains(t, headers, "traceparent")

	parsed := FromHeaders(headers)
	assert.Equal(t, ec.Span.TraceID(), parsed.Span.TraceID())
	assert.Equal(t, ec.Span.SpanID(), parsed.Span.SpanID())
	assert.True(t, parsed.Span.IsSampled())
}

func TestFromHeadersIgnoresMalformedTraceparent(t *testing.T) {
	ec := FromHeaders(map[string]string{"traceparent": "garbage"})
	assert.False(t, ec.Span.IsValid())
}
