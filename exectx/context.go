// Package exectx carries the per-request execution context threaded
// through a tool call: its deadline, remaining cost budget, and W3C trace
// propagation, plus the context-key plumbing to attach it to a
// context.Context the way the rest of the engine already carries
// per-request values.
package exectx

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// ExecutionContext is the immutable value passed alongside every ToolCall.
// It is safe to share across goroutines; derived values (RemainingTime,
// IsExpired) are computed from the wall clock, not mutated in place.
type ExecutionContext struct {
	RequestID string

	// UserID and TenantID identify who this work runs on behalf of. Both
	// are optional and propagate to remote tool servers as headers.
	UserID   string
	TenantID string

	// Deadline is when this batch of work must stop. Zero means no deadline.
	Deadline time.Time

	// Budget is an optional cost ceiling (e.g. remote-tool call budget);
	// zero means unbounded. Callers decrement it explicitly between calls,
	// it is not tracked automatically here.
	Budget float64

	// Span carries the W3C traceparent this request was invoked under, so
	// remote adapter calls and log lines can correlate back to the
	// originating trace without the engine owning a tracer itself.
	Span trace.SpanContext

	// Metadata is an open key-value bag for collaborator layers (guards,
	// exporters); the engine itself never interprets it.
	Metadata map[string]string

	startedAt time.Time
}

// WithIdentity returns a copy of ec carrying user and tenant identifiers.
func (ec ExecutionContext) WithIdentity(userID, tenantID string) ExecutionContext {
	ec.UserID = userID
	ec.TenantID = tenantID
	return ec
}

// New creates an ExecutionContext with a fresh request ID and the clock
// started now. Pass a zero time.Time for deadline to mean "no deadline".
func New(deadline time.Time, budget float64) ExecutionContext {
	return ExecutionContext{
		RequestID: uuid.NewString(),
		Deadline:  deadline,
		Budget:    budget,
		startedAt: time.Now(),
	}
}

// WithTimeout returns a copy of ec with a new deadline derived from the
// given timeout from now.
func (ec ExecutionContext) WithTimeout(d time.Duration) ExecutionContext {
	ec.Deadline = time.Now().Add(d)
	return ec
}

// RemainingTime is the time left before Deadline, or a very large duration
// if no deadline was set.
func (ec ExecutionContext) RemainingTime() time.Duration {
	if ec.Deadline.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return time.Until(ec.Deadline)
}

// IsExpired reports whether the deadline has already passed.
func (ec ExecutionContext) IsExpired() bool {
	return !ec.Deadline.IsZero() && !time.Now().Before(ec.Deadline)
}

// ElapsedTime is how long this ExecutionContext has existed.
func (ec ExecutionContext) ElapsedTime() time.Duration {
	if ec.startedAt.IsZero() {
		return 0
	}
	return time.Since(ec.startedAt)
}

// ToContext returns a context.Context carrying both the deadline (so
// context.Context cancellation propagates naturally through strategies and
// the remote adapter) and the ExecutionContext value itself for retrieval
// via FromContext.
func (ec ExecutionContext) ToContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx := context.WithValue(parent, ctxKeyExecContext{}, ec)
	if ec.Deadline.IsZero() {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel
	}
	return context.WithDeadline(ctx, ec.Deadline)
}

type ctxKeyExecContext struct{}

// FromContext retrieves the ExecutionContext attached by ToContext, or the
// zero value with ok=false if none was attached.
func FromContext(ctx context.Context) (ExecutionContext, bool) {
	v, ok := ctx.Value(ctxKeyExecContext{}).(ExecutionContext)
	return v, ok
}

// ToHeaders serializes the identity, deadline, and W3C traceparent headers
// for propagation to a remote tool server, per
// https://www.w3.org/TR/trace-context/.
func (ec ExecutionContext) ToHeaders() map[string]string {
	headers := map[string]string{"X-Request-ID": ec.RequestID}
	if ec.UserID != "" {
		headers["X-User-ID"] = ec.UserID
	}
	if ec.TenantID != "" {
		headers["X-Tenant-ID"] = ec.TenantID
	}
	if !ec.Deadline.IsZero() {
		secs := time.Until(ec.Deadline).Seconds()
		if secs < 0 {
			secs = 0
		}
		headers["X-Deadline-Seconds"] = strconv.FormatFloat(secs, 'f', 3, 64)
	}
	if !ec.Span.IsValid() {
		return headers
	}
	flags := "00"
	if ec.Span.IsSampled() {
		flags = "01"
	}
	headers["traceparent"] = fmt.Sprintf("00-%s-%s-%s",
		ec.Span.TraceID().String(), ec.Span.SpanID().String(), flags)
	return headers
}

// FromHeaders parses inbound headers (traceparent, X-Request-ID,
// X-User-ID, X-Tenant-ID, X-Deadline-Seconds) into an ExecutionContext's
// trace, identity and deadline fields. Malformed headers
// are ignored rather than rejected, since trace propagation is best-effort.
func FromHeaders(headers map[string]string) ExecutionContext {
	ec := New(time.Time{}, 0)
	if id := headers["X-Request-ID"]; id != "" {
		ec.RequestID = id
	}
	ec.UserID = headers["X-User-ID"]
	ec.TenantID = headers["X-Tenant-ID"]
	if ds := headers["X-Deadline-Seconds"]; ds != "" {
		if secs, err := strconv.ParseFloat(ds, 64); err == nil && secs > 0 {
			ec.Deadline = time.Now().Add(time.Duration(secs * float64(time.Second)))
		}
	}
	if tp := headers["traceparent"]; tp != "" {
		if sc, ok := parseTraceparent(tp); ok {
			ec.Span = sc
		}
	}
	return ec
}

func parseTraceparent(tp string) (trace.SpanContext, bool) {
	parts := strings.Split(tp, "-")
	if len(parts) != 4 {
		return trace.SpanContext{}, false
	}
	version, traceID, spanID, flags := parts[0], parts[1], parts[2], parts[3]
	if version != "00" || len(traceID) != 32 || len(spanID) != 16 || len(flags) != 2 {
		return trace.SpanContext{}, false
	}
	tid, err := trace.TraceIDFromHex(traceID)
	if err != nil {
		return trace.SpanContext{}, false
	}
	sid, err := trace.SpanIDFromHex(spanID)
	if err != nil {
		return trace.SpanContext{}, false
	}
	flagByte, err := hex.DecodeString(flags)
	if err != nil || len(flagByte) != 1 {
		return trace.SpanContext{}, false
	}
	sampled := flagByte[0]&0x01 == 1
	traceFlags := trace.TraceFlags(0)
	if sampled {
		traceFlags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: traceFlags,
		Remote:     true,
	}), true
}
