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

// windowBucket tracks request timestamps within a window for one key.
type windowBucket struct {
	mu         sync.Mutex
	timestamps []time.Time
	lastAccess time.Time
}

// SlidingWindow is a per-key sliding window counter. Keys are tool names;
// buckets inactive for twice the window are swept on the next Allow.
type SlidingWindow struct {
	buckets   sync.Map // string -> *windowBucket
	windowDur time.Duration
	limit     int

	sweepMu   sync.Mutex
	lastSweep time.Time
}

// NewSlidingWindow creates a limiter allowing limit requests per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{windowDur: window, limit: limit}
}

// Allow records a request for key if under the limit. When denied it
// returns the wait until the oldest in-window request ages out. The error
// is always nil for the in-memory window; it exists for backend-based
// implementations of Limiter.
func (sw *SlidingWindow) Allow(key string) (bool, time.Duration, error) {
	now := time.Now()
	sw.maybeSweep(now)

	bucketAny, _ := sw.buckets.LoadOrStore(key, &windowBucket{})
	bucket := bucketAny.(*windowBucket)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	bucket.lastAccess = now

	// Drop timestamps outside the window.
	cutoff := now.Add(-sw.windowDur)
	valid := bucket.timestamps[:0]
	for _, ts := range bucket.timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	bucket.timestamps = valid

	if len(bucket.timestamps) >= sw.limit {
		oldest := bucket.timestamps[0]
		retryAfter := time.Until(oldest.Add(sw.windowDur))
		if retryAfter < time.Millisecond {
			retryAfter = time.Millisecond
		}
		return false, retryAfter, nil
	}

	bucket.timestamps = append(bucket.timestamps, now)
	return true, 0, nil
}

// maybeSweep removes buckets idle for twice the window, at most once per
// window, so an unbounded key space cannot leak memory.
func (sw *SlidingWindow) maybeSweep(now time.Time) {
	sw.sweepMu.Lock()
	if now.Sub(sw.lastSweep) < sw.windowDur {
		sw.sweepMu.Unlock()
		return
	}
	sw.lastSweep = now
	sw.sweepMu.Unlock()

	cutoff := now.Add(-2 * sw.windowDur)
	sw.buckets.Range(func(key, value any) bool {
		bucket := value.(*windowBucket)
		bucket.mu.Lock()
		idle := bucket.lastAccess.Before(cutoff)
		bucket.mu.Unlock()
		if idle {
			sw.buckets.Delete(key)
		}
		return true
	})
}

// Limiter is what the rate-limit middleware consumes; the Redis-backed
// variant also satisfies it. An error means the backend is unavailable
// and the middleware fails open.
type Limiter interface {
	Allow(key string) (bool, time.Duration, error)
}

// RateLimitMiddleware enforces per-tool sliding-window limits, falling
// back to a global limit for tools without a specific one.
type RateLimitMiddleware struct {
	global  Limiter
	perTool map[string]Limiter
}

// NewRateLimitMiddleware builds windows from config.
func NewRateLimitMiddleware(cfg execconfig.RateLimitConfig) *RateLimitMiddleware {
	m := &RateLimitMiddleware{
		perTool: make(map[string]Limiter, len(cfg.PerToolLimits)),
	}
	if cfg.GlobalLimit > 0 && cfg.GlobalWindow > 0 {
		m.global = NewSlidingWindow(cfg.GlobalLimit, cfg.GlobalWindow)
	}
	for name, tl := range cfg.PerToolLimits {
		m.perTool[name] = NewSlidingWindow(tl.Limit, tl.Window)
	}
	return m
}

func (m *RateLimitMiddleware) Name() string { return "rate_limit" }

func (m *RateLimitMiddleware) Execute(ctx context.Context, call *tool.Call, next Handler) *tool.Result {
	limiter, ok := m.perTool[call.Tool]
	if !ok {
		limiter = m.global
	}
	if limiter == nil {
		return next(ctx, call)
	}

	allowed, retryAfter, err := limiter.Allow(call.Tool)
	if err != nil {
		// Backend unavailable: fail open rather than block every call.
		log.Printf("Rate limiter backend error for %s, failing open: %v", call.Tool, err)
		return next(ctx, call)
	}
	if !allowed {
		start := time.Now()
		err := toolerr.New(toolerr.CodeRateLimited,
			fmt.Sprintf("rate limit exceeded for tool %q", call.Tool)).
			WithRetryAfter(retryAfter)
		log.Printf("Rate limit exceeded: tool=%s retry_after=%v", call.Tool, retryAfter)
		return tool.ErrResult(call, start, err)
	}
	return next(ctx, call)
}
