// Package middleware implements the reliability chain wrapped around a
// strategy: cache, rate limiting, circuit breaking, bulkhead admission,
// and retries. Each wrapper decorates a Handler and the chain composes
// them in a fixed order.
package middleware

import (
	"context"

	"toolexec/tool"
)

// Handler executes one call and always returns a non-nil Result; failures
// are structured into the Result, never returned as a bare error.
type Handler func(ctx context.Context, call *tool.Call) *tool.Result

// Middleware wraps a Handler with one reliability concern.
type Middleware interface {
	Name() string
	Execute(ctx context.Context, call *tool.Call, next Handler) *tool.Result
}

// Chain composes middlewares around a final handler. The first middleware
// in the list is outermost: Chain(h, a, b) runs a(b(h)).
func Chain(final Handler, mws ...Middleware) Handler {
	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		next := h
		h = func(ctx context.Context, call *tool.Call) *tool.Result {
			return mw.Execute(ctx, call, next)
		}
	}
	return h
}

// Hooks are the optional observability callbacks exporters attach to. All
// fields may be nil; invocations never block the call path on errors.
type Hooks struct {
	OnCallStart         func(call *tool.Call)
	OnCallEnd           func(call *tool.Call, result *tool.Result)
	OnRetry             func(call *tool.Call, attempt int, lastErr string)
	OnCircuitTransition func(toolName string, from, to string)
}

// CallStart fires the start hook if one is attached. Safe on a nil Hooks.
func (h *Hooks) CallStart(call *tool.Call) {
	if h != nil && h.OnCallStart != nil {
		h.OnCallStart(call)
	}
}

// CallEnd fires the end hook if one is attached.
func (h *Hooks) CallEnd(call *tool.Call, result *tool.Result) {
	if h != nil && h.OnCallEnd != nil {
		h.OnCallEnd(call, result)
	}
}

// Retry fires the retry hook if one is attached.
func (h *Hooks) Retry(call *tool.Call, attempt int, lastErr string) {
	if h != nil && h.OnRetry != nil {
		h.OnRetry(call, attempt, lastErr)
	}
}

// CircuitTransition fires the breaker-transition hook if one is attached.
func (h *Hooks) CircuitTransition(toolName, from, to string) {
	if h != nil && h.OnCircuitTransition != nil {
		h.OnCircuitTransition(toolName, from, to)
	}
}
