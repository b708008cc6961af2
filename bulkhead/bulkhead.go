// Package bulkhead provides multi-level concurrency admission: a call must
// simultaneously hold a slot at the global, namespace, and tool level
// before it may execute. Acquisition is always in that order and release in
// the reverse, so two calls can never deadlock against each other.
package bulkhead

import (
	"container/list"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"toolexec/execconfig"
)

// LimitType identifies which admission level rejected a call.
type LimitType string

const (
	LimitTool       LimitType = "TOOL"
	LimitNamespace  LimitType = "NAMESPACE"
	LimitGlobal     LimitType = "GLOBAL"
	LimitQueueDepth LimitType = "QUEUE_DEPTH"
)

// FullError is returned when a call cannot be admitted.
type FullError struct {
	LimitType LimitType
	Scope     string
}

func (e *FullError) Error() string {
	return fmt.Sprintf("bulkhead full: %s limit reached for %q", e.LimitType, e.Scope)
}

// ScopeMetrics is a snapshot of one admission scope.
type ScopeMetrics struct {
	Scope      string        `json:"scope"`
	Limit      int           `json:"limit"`
	Active     int           `json:"active"`
	Peak       int           `json:"peak"`
	QueueDepth int           `json:"queue_depth"`
	TotalWait  time.Duration `json:"total_wait"`
}

// limiter is one admission scope: a counted limit plus a FIFO of waiters.
type limiter struct {
	mu        sync.Mutex
	limit     int // <= 0 means unlimited
	active    int
	peak      int
	totalWait time.Duration
	waiters   *list.List // of chan struct{}
	maxQueue  int
	limitType LimitType
	scope     string
}

func newLimiter(limit, maxQueue int, lt LimitType, scope string) *limiter {
	return &limiter{
		limit:     limit,
		waiters:   list.New(),
		maxQueue:  maxQueue,
		limitType: lt,
		scope:     scope,
	}
}

// tryAcquire takes a slot immediately or registers a waiter. It returns
// (acquired, waiter element, waitCh, err): either acquired is true, or a
// waiter was registered (element and waitCh set), or err is non-nil.
func (l *limiter) tryAcquire() (bool, *list.Element, chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit <= 0 || l.active < l.limit {
		l.active++
		if l.active > l.peak {
			l.peak = l.active
		}
		return true, nil, nil, nil
	}

	if l.waiters.Len() >= l.maxQueue {
		return false, nil, nil, &FullError{LimitType: LimitQueueDepth, Scope: l.scope}
	}

	ch := make(chan struct{})
	elem := l.waiters.PushBack(ch)
	return false, elem, ch, nil
}

// abandon removes a waiter that timed out or was cancelled. If the slot
// was handed over concurrently with the abandon, the slot is released
// again so it is not leaked.
func (l *limiter) abandon(elem *list.Element, ch chan struct{}) {
	l.mu.Lock()
	for e := l.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			l.waiters.Remove(e)
			l.mu.Unlock()
			return
		}
	}
	l.mu.Unlock()

	// Not in the queue anymore: release already signalled us.
	select {
	case <-ch:
		l.release()
	default:
	}
}

// release frees a slot, handing it directly to the oldest waiter if any.
func (l *limiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if front := l.waiters.Front(); front != nil {
		ch := l.waiters.Remove(front).(chan struct{})
		// active stays as-is: the slot transfers to the waiter.
		close(ch)
		return
	}
	l.active--
}

func (l *limiter) recordWait(d time.Duration) {
	l.mu.Lock()
	l.totalWait += d
	l.mu.Unlock()
}

func (l *limiter) setLimit(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = n
	// In-flight holders are unaffected; waiters admitted as slots free up.
	for l.waiters.Len() > 0 && (l.limit <= 0 || l.active < l.limit) {
		ch := l.waiters.Remove(l.waiters.Front()).(chan struct{})
		l.active++
		if l.active > l.peak {
			l.peak = l.active
		}
		close(ch)
	}
}

func (l *limiter) metrics() ScopeMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ScopeMetrics{
		Scope:      l.scope,
		Limit:      l.limit,
		Active:     l.active,
		Peak:       l.peak,
		QueueDepth: l.waiters.Len(),
		TotalWait:  l.totalWait,
	}
}

// Bulkhead coordinates the three admission levels plus glob-pattern tool
// limits. Pattern resolution results are cached in a bounded LRU.
type Bulkhead struct {
	mu         sync.Mutex
	global     *limiter
	namespaces map[string]*limiter
	tools      map[string]*limiter

	cfg          execconfig.BulkheadConfig
	patternCache *patternLRU
}

// New builds a Bulkhead from config. Zero limits mean unlimited at that
// level.
func New(cfg execconfig.BulkheadConfig) *Bulkhead {
	if cfg.AcquisitionTimeout <= 0 {
		cfg.AcquisitionTimeout = 5 * time.Second
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 50
	}
	return &Bulkhead{
		global:       newLimiter(cfg.GlobalLimit, cfg.MaxQueueDepth, LimitGlobal, "global"),
		namespaces:   make(map[string]*limiter),
		tools:        make(map[string]*limiter),
		cfg:          cfg,
		patternCache: newPatternLRU(512),
	}
}

// toolLimit resolves the limit for one tool: exact match beats the first
// matching pattern, which beats the default.
func (b *Bulkhead) toolLimit(toolName string) int {
	if limit, ok := b.cfg.ToolLimits[toolName]; ok {
		return limit
	}
	if limit, ok := b.patternCache.get(toolName); ok {
		return limit
	}
	limit := b.cfg.DefaultLimit
	for _, pl := range b.cfg.PatternLimits {
		if matched, _ := path.Match(pl.Pattern, toolName); matched {
			limit = pl.Limit
			break
		}
	}
	b.patternCache.put(toolName, limit)
	return limit
}

func (b *Bulkhead) namespaceLimiter(namespace string) *limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.namespaces[namespace]
	if !ok {
		limit := b.cfg.NamespaceLimits[namespace]
		l = newLimiter(limit, b.cfg.MaxQueueDepth, LimitNamespace, namespace)
		b.namespaces[namespace] = l
	}
	return l
}

func (b *Bulkhead) toolLimiter(toolName string) *limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.tools[toolName]
	if !ok {
		l = newLimiter(b.toolLimit(toolName), b.cfg.MaxQueueDepth, LimitTool, toolName)
		b.tools[toolName] = l
	}
	return l
}

// Acquire admits a call at all three levels or fails with *FullError. The
// returned release function must be called exactly once; it releases in
// the reverse of the acquisition order.
func (b *Bulkhead) Acquire(ctx context.Context, toolName, namespace string) (func(), error) {
	timeout := b.cfg.AcquisitionTimeout
	deadline := time.Now().Add(timeout)

	order := []*limiter{b.global, b.namespaceLimiter(namespace), b.toolLimiter(toolName)}
	held := make([]*limiter, 0, len(order))

	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].release()
		}
	}

	for _, l := range order {
		if err := b.acquireOne(ctx, l, deadline); err != nil {
			releaseHeld()
			return nil, err
		}
		held = append(held, l)
	}

	var once sync.Once
	return func() { once.Do(releaseHeld) }, nil
}

func (b *Bulkhead) acquireOne(ctx context.Context, l *limiter, deadline time.Time) error {
	acquired, elem, ch, err := l.tryAcquire()
	if err != nil {
		return err
	}
	if acquired {
		return nil
	}

	wait := time.Until(deadline)
	if wait <= 0 {
		l.abandon(elem, ch)
		return &FullError{LimitType: l.limitType, Scope: l.scope}
	}

	start := time.Now()
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ch:
		l.recordWait(time.Since(start))
		return nil
	case <-timer.C:
		l.abandon(elem, ch)
		return &FullError{LimitType: l.limitType, Scope: l.scope}
	case <-ctx.Done():
		l.abandon(elem, ch)
		return ctx.Err()
	}
}

// ConfigureTool updates a tool's limit. Future acquisitions see the new
// value; in-flight holders are unaffected.
func (b *Bulkhead) ConfigureTool(toolName string, limit int) {
	b.mu.Lock()
	if b.cfg.ToolLimits == nil {
		b.cfg.ToolLimits = make(map[string]int)
	}
	b.cfg.ToolLimits[toolName] = limit
	l, ok := b.tools[toolName]
	b.mu.Unlock()
	if ok {
		l.setLimit(limit)
	}
}

// ConfigureNamespace updates a namespace's limit.
func (b *Bulkhead) ConfigureNamespace(namespace string, limit int) {
	b.mu.Lock()
	if b.cfg.NamespaceLimits == nil {
		b.cfg.NamespaceLimits = make(map[string]int)
	}
	b.cfg.NamespaceLimits[namespace] = limit
	l, ok := b.namespaces[namespace]
	b.mu.Unlock()
	if ok {
		l.setLimit(limit)
	}
}

// Metrics returns a snapshot of every scope that has seen traffic, global
// first.
func (b *Bulkhead) Metrics() []ScopeMetrics {
	b.mu.Lock()
	limiters := make([]*limiter, 0, 1+len(b.namespaces)+len(b.tools))
	limiters = append(limiters, b.global)
	for _, l := range b.namespaces {
		limiters = append(limiters, l)
	}
	for _, l := range b.tools {
		limiters = append(limiters, l)
	}
	b.mu.Unlock()

	out := make([]ScopeMetrics, 0, len(limiters))
	for _, l := range limiters {
		out = append(out, l.metrics())
	}
	return out
}
