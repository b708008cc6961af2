package middleware

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"toolexec/execconfig"
	"toolexec/tool"
	"toolexec/toolerr"
)

// BreakerState is the operating mode of one tool's circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker holds one tool's circuit state. All fields are guarded by mu;
// state transitions are serialised per tool key.
type breaker struct {
	mu sync.Mutex

	state           BreakerState
	consecutiveFail int
	failureTimes    []time.Time // only used with a failure window
	openedAt        time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

// CircuitBreakerMiddleware keeps a breaker per tool. While a breaker is
// open, calls fail immediately with TOOL_CIRCUIT_OPEN; after the reset
// timeout a bounded number of probes decides whether to close it again.
type CircuitBreakerMiddleware struct {
	mu       sync.Mutex
	breakers map[string]*breaker

	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	failureWindow    time.Duration
	halfOpenMax      int

	hooks *Hooks
}

// NewCircuitBreakerMiddleware builds the breaker wrapper from config.
// hooks may be nil.
func NewCircuitBreakerMiddleware(cfg execconfig.CircuitBreakerConfig, hooks *Hooks) *CircuitBreakerMiddleware {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &CircuitBreakerMiddleware{
		breakers:         make(map[string]*breaker),
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		resetTimeout:     cfg.ResetTimeout,
		failureWindow:    cfg.FailureWindow,
		halfOpenMax:      cfg.HalfOpenMaxCalls,
		hooks:            hooks,
	}
}

func (m *CircuitBreakerMiddleware) Name() string { return "circuit_breaker" }

func (m *CircuitBreakerMiddleware) breakerFor(toolName string) *breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[toolName]
	if !ok {
		b = &breaker{state: StateClosed}
		m.breakers[toolName] = b
	}
	return b
}

// State reports the current state for a tool, with the open→half-open
// transition applied lazily the same way admit does.
func (m *CircuitBreakerMiddleware) State(toolName string) BreakerState {
	b := m.breakerFor(toolName)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= m.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

func (m *CircuitBreakerMiddleware) Execute(ctx context.Context, call *tool.Call, next Handler) *tool.Result {
	b := m.breakerFor(call.Tool)

	admitted, inHalfOpen, retryAfter := m.admit(call.Tool, b)
	if !admitted {
		start := time.Now()
		err := toolerr.New(toolerr.CodeCircuitOpen,
			fmt.Sprintf("circuit breaker open for tool %q", call.Tool)).
			WithRetryAfter(retryAfter).
			WithDetails(map[string]any{
				"reset_timeout_ms": m.resetTimeout.Milliseconds(),
			})
		return tool.ErrResult(call, start, err)
	}

	result := next(ctx, call)

	// Cancellation is not a tool failure; it must not trip the breaker.
	failed := !result.Success &&
		(result.ErrorInfo == nil || result.ErrorInfo.Category != toolerr.CategoryCancelled)

	if failed {
		m.recordFailure(call.Tool, b, inHalfOpen)
	} else if result.Success {
		m.recordSuccess(call.Tool, b, inHalfOpen)
	}
	return result
}

// admit decides whether a call may proceed, applying the lazy open →
// half-open transition. Returns (admitted, countedAsProbe, retryAfter).
func (m *CircuitBreakerMiddleware) admit(toolName string, b *breaker) (bool, bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := time.Since(b.openedAt)
		if elapsed < m.resetTimeout {
			return false, false, m.resetTimeout - elapsed
		}
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
		b.halfOpenOK = 0
		m.hooks.CircuitTransition(toolName, StateOpen.String(), StateHalfOpen.String())
		log.Printf("Circuit breaker half-open: tool=%s", toolName)

	case StateHalfOpen:
		if b.halfOpenCalls >= m.halfOpenMax {
			return false, false, m.resetTimeout
		}
	}

	if b.state == StateHalfOpen {
		b.halfOpenCalls++
		return true, true, 0
	}
	return true, false, 0
}

func (m *CircuitBreakerMiddleware) recordFailure(toolName string, b *breaker, inHalfOpen bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if inHalfOpen || b.state == StateHalfOpen {
		// Any probe failure re-opens immediately.
		b.state = StateOpen
		b.openedAt = time.Now()
		b.consecutiveFail = m.failureThreshold
		m.hooks.CircuitTransition(toolName, StateHalfOpen.String(), StateOpen.String())
		log.Printf("Circuit breaker re-opened from half-open: tool=%s", toolName)
		return
	}

	now := time.Now()
	tripped := false
	if m.failureWindow > 0 {
		// Sliding variant: count failures within the window.
		cutoff := now.Add(-m.failureWindow)
		valid := b.failureTimes[:0]
		for _, ts := range b.failureTimes {
			if ts.After(cutoff) {
				valid = append(valid, ts)
			}
		}
		b.failureTimes = append(valid, now)
		tripped = len(b.failureTimes) >= m.failureThreshold
	} else {
		b.consecutiveFail++
		tripped = b.consecutiveFail >= m.failureThreshold
	}

	if tripped && b.state == StateClosed {
		b.state = StateOpen
		b.openedAt = now
		m.hooks.CircuitTransition(toolName, StateClosed.String(), StateOpen.String())
		log.Printf("Circuit breaker opened: tool=%s failures=%d", toolName, m.failureThreshold)
	}
}

func (m *CircuitBreakerMiddleware) recordSuccess(toolName string, b *breaker, inHalfOpen bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if inHalfOpen || b.state == StateHalfOpen {
		b.halfOpenOK++
		if b.halfOpenOK >= m.successThreshold {
			b.state = StateClosed
			b.consecutiveFail = 0
			b.failureTimes = nil
			b.halfOpenCalls = 0
			b.halfOpenOK = 0
			m.hooks.CircuitTransition(toolName, StateHalfOpen.String(), StateClosed.String())
			log.Printf("Circuit breaker closed after successful probes: tool=%s", toolName)
		}
		return
	}

	b.consecutiveFail = 0
	if m.failureWindow > 0 {
		b.failureTimes = nil
	}
}

// Reset forces a tool's breaker back to closed, clearing all counters.
func (m *CircuitBreakerMiddleware) Reset(toolName string) {
	b := m.breakerFor(toolName)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFail = 0
	b.failureTimes = nil
	b.halfOpenCalls = 0
	b.halfOpenOK = 0
}
