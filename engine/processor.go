package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"toolexec/bulkhead"
	"toolexec/execconfig"
	"toolexec/exectx"
	"toolexec/middleware"
	"toolexec/registry"
	"toolexec/remote"
	"toolexec/scheduler"
	"toolexec/strategy"
	"toolexec/tool"
	"toolexec/toolcache"
	"toolexec/toolerr"
)

// Parser turns raw LLM output into tool calls. Parsing lives outside the
// core; the Processor only needs this one method from it.
type Parser interface {
	Parse(input string) ([]*tool.Call, error)
}

// Option customises a Processor at construction.
type Option func(*Processor)

// WithRegistry injects a shared registry instead of a fresh one, enabling
// multi-tenant isolation under one registry or separate registries per
// tenant.
func WithRegistry(r *registry.Registry) Option {
	return func(p *Processor) { p.registry = r }
}

// WithStrategy replaces the default in-process executor.
func WithStrategy(s strategy.Strategy) Option {
	return func(p *Processor) { p.strat = s }
}

// WithParser wires the input parser collaborator for raw-text Process
// calls.
func WithParser(parser Parser) Option {
	return func(p *Processor) { p.parser = parser }
}

// WithCacheStore replaces the default in-memory cache backend, e.g. with
// the Redis store for a multi-process deployment.
func WithCacheStore(store toolcache.Store) Option {
	return func(p *Processor) { p.cacheStore = store }
}

// WithHooks attaches observability callbacks.
func WithHooks(hooks *middleware.Hooks) Option {
	return func(p *Processor) { p.hooks = hooks }
}

// Processor composes the registry, scheduler, middleware stack, and
// strategy into the engine's top-level surface: Process, Execute, Stream.
type Processor struct {
	cfg      *execconfig.Config
	registry *registry.Registry
	strat    strategy.Strategy
	bulk     *bulkhead.Bulkhead
	sched    *scheduler.Scheduler
	handler  middleware.Handler
	breaker  *middleware.CircuitBreakerMiddleware
	parser   Parser
	hooks    *middleware.Hooks

	cacheStore toolcache.Store

	mu       sync.Mutex
	adapters []*remote.Adapter
	closed   bool
	inflight sync.WaitGroup
}

// NewProcessor builds a Processor. A nil cfg uses defaults; options
// override collaborators.
func NewProcessor(cfg *execconfig.Config, opts ...Option) (*Processor, error) {
	if cfg == nil {
		cfg = execconfig.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, toolerr.New(toolerr.CodeConfigurationError, err.Error())
	}

	p := &Processor{
		cfg:   cfg,
		sched: scheduler.New(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.registry == nil {
		p.registry = registry.New()
	}
	if p.strat == nil {
		p.strat = strategy.NewInProcess(p.registry, cfg.Timeouts.DefaultTimeout)
	}
	if p.cacheStore == nil {
		p.cacheStore = toolcache.NewMemoryStore(cfg.Cache.MaxEntries)
	}
	p.bulk = bulkhead.New(cfg.Bulkhead)

	p.handler = p.buildChain()
	return p, nil
}

// buildChain assembles the middleware stack, outermost first:
// cache → rate limit → circuit breaker → bulkhead → retry → strategy.
// Retry sits inside the breaker so one flapping call registers a single
// breaker failure; bulkhead sits inside the rate limit so tokens are not
// burned while queued for a slot.
func (p *Processor) buildChain() middleware.Handler {
	final := func(ctx context.Context, call *tool.Call) *tool.Result {
		p.hooks.CallStart(call)
		result := p.strat.Execute(ctx, call)
		p.hooks.CallEnd(call, result)
		return result
	}

	var mws []middleware.Middleware
	if p.cfg.Cache.Enabled {
		mws = append(mws, middleware.NewCacheMiddleware(p.cacheStore, p.cfg.Cache, p.toolVersion))
	}
	if p.cfg.RateLimit.Enabled {
		mws = append(mws, middleware.NewRateLimitMiddleware(p.cfg.RateLimit))
	}
	if p.cfg.CircuitBreaker.Enabled {
		p.breaker = middleware.NewCircuitBreakerMiddleware(p.cfg.CircuitBreaker, p.hooks)
		mws = append(mws, p.breaker)
	}
	mws = append(mws, middleware.NewBulkheadMiddleware(p.bulk))
	if p.cfg.Retry.Enabled {
		mws = append(mws, middleware.NewRetryMiddleware(p.cfg.Retry, p.hooks))
	}

	return middleware.Chain(final, mws...)
}

// toolVersion resolves a tool's registered version for cache keying.
func (p *Processor) toolVersion(name string) string {
	ns, plain := tool.SplitName(name)
	if meta, ok := p.registry.GetMetadata(plain, ns); ok {
		return meta.Version
	}
	return ""
}

// Registry exposes the shared registry for tool registration.
func (p *Processor) Registry() *registry.Registry { return p.registry }

// Bulkhead exposes the admission controller for dynamic limit updates.
func (p *Processor) Bulkhead() *bulkhead.Bulkhead { return p.bulk }

// AddRemoteServer connects a remote tool server, registers its catalogue
// as deferred tools under the server-name namespace, and tracks the
// adapter for shutdown.
func (p *Processor) AddRemoteServer(ctx context.Context, cfg remote.ServerConfig) error {
	adapter := remote.NewAdapter(cfg, p.cfg.Timeouts)
	if err := adapter.Initialise(ctx); err != nil {
		return err
	}
	if err := adapter.RegisterWith(p.registry); err != nil {
		_ = adapter.Close()
		return err
	}
	p.mu.Lock()
	p.adapters = append(p.adapters, adapter)
	p.mu.Unlock()
	return nil
}

// ListTools enumerates all registered tool metadata.
func (p *Processor) ListTools() []tool.Metadata {
	return p.registry.ListTools("")
}

// GetToolCount returns how many tools are registered.
func (p *Processor) GetToolCount() int {
	return p.registry.Count()
}

// coerceCalls normalizes Process input: pre-parsed calls pass through,
// raw text goes to the parser collaborator.
func (p *Processor) coerceCalls(input any) ([]*tool.Call, error) {
	switch v := input.(type) {
	case nil:
		return nil, nil
	case []*tool.Call:
		return v, nil
	case []tool.Call:
		calls := make([]*tool.Call, len(v))
		for i := range v {
			calls[i] = &v[i]
		}
		return calls, nil
	case *tool.Call:
		return []*tool.Call{v}, nil
	case string:
		if p.parser == nil {
			return nil, toolerr.New(toolerr.CodeConfigurationError,
				"raw text input requires a parser; construct the processor with WithParser")
		}
		return p.parser.Parse(v)
	default:
		return nil, toolerr.New(toolerr.CodeArgumentError,
			fmt.Sprintf("unsupported input type %T", input))
	}
}

// Process accepts pre-parsed calls or raw text and returns one result per
// call, ordered per the configured return order. The returned slice is
// never nil.
func (p *Processor) Process(ctx context.Context, input any, ec *exectx.ExecutionContext) ([]*tool.Result, error) {
	calls, err := p.coerceCalls(input)
	if err != nil {
		return []*tool.Result{}, err
	}
	return p.Execute(ctx, calls, ec)
}

// Execute runs a batch of already-parsed calls.
func (p *Processor) Execute(ctx context.Context, calls []*tool.Call, ec *exectx.ExecutionContext) ([]*tool.Result, error) {
	results := make([]*tool.Result, 0, len(calls))
	err := p.run(ctx, calls, ec, nil, func(r *tool.Result) {
		results = append(results, r)
	})
	if err != nil {
		return []*tool.Result{}, err
	}
	if p.cfg.Processor.ReturnOrder == execconfig.OrderSubmission {
		results = reorderBySubmission(calls, results)
	}
	return results, nil
}

// batch is a planned, admitted unit of work ready to execute. runBatch
// must be called on it exactly once; it cancels the batch context and
// releases the admission slot.
type batch struct {
	ctx             context.Context
	cancel          context.CancelFunc
	calls           []*tool.Call
	plan            *scheduler.ExecutionPlan
	continueOnError bool
	expired         bool
}

// prepare admits a batch, applies the execution context's deadline, and
// plans the DAG. Planning errors (cycles, unknown dependencies) surface
// here, before anything executes.
func (p *Processor) prepare(ctx context.Context, calls []*tool.Call, ec *exectx.ExecutionContext) (*batch, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, toolerr.New(toolerr.CodeConfigurationError, "processor is closed")
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	b := &batch{ctx: ctx, cancel: func() {}, calls: calls}

	if ec != nil {
		b.ctx, b.cancel = ec.ToContext(ctx)
		b.expired = ec.IsExpired()
	}

	if b.expired || len(calls) == 0 {
		b.plan = &scheduler.ExecutionPlan{}
		return b, nil
	}

	constraints := p.constraintsFor(ec)
	b.continueOnError = constraints.ContinueOnError

	plan, err := p.sched.Plan(calls, constraints)
	if err != nil {
		b.release()
		p.inflight.Done()
		return nil, err
	}
	b.plan = plan
	return b, nil
}

func (b *batch) release() {
	b.cancel()
}

// run plans and executes a batch, emitting each result as it completes.
// It guarantees exactly one result per input call.
func (p *Processor) run(ctx context.Context, calls []*tool.Call, ec *exectx.ExecutionContext, onStart strategy.StartCallback, emit func(*tool.Result)) error {
	b, err := p.prepare(ctx, calls, ec)
	if err != nil {
		return err
	}
	p.runBatch(b, onStart, emit)
	return nil
}

// runBatch executes a prepared batch and releases its admission slot.
func (p *Processor) runBatch(b *batch, onStart strategy.StartCallback, emit func(*tool.Result)) {
	defer p.inflight.Done()
	defer b.release()

	if b.expired {
		// The budget was gone before any work started; every call is
		// skipped, but the batch still yields one result per call.
		for _, call := range b.calls {
			emit(tool.SkipResult(call, toolerr.New(toolerr.CodeCancelled,
				"execution deadline expired before the batch started").NotRetryable()))
		}
		return
	}
	if len(b.calls) == 0 {
		return
	}

	p.executePlan(b.ctx, b.calls, b.plan, b.continueOnError, onStart, emit)
}

// constraintsFor merges the configured scheduler defaults with the
// request's deadline.
func (p *Processor) constraintsFor(ec *exectx.ExecutionContext) scheduler.Constraints {
	constraints := scheduler.Constraints{
		DeadlineMs:      p.cfg.Scheduler.DeadlineMs,
		MaxCost:         p.cfg.Scheduler.MaxCost,
		PoolLimits:      p.cfg.Scheduler.PoolLimits,
		ContinueOnError: p.cfg.Scheduler.ContinueOnError,
		DefaultTimeout:  p.cfg.Timeouts.DefaultTimeout,
	}
	if ec != nil && !ec.Deadline.IsZero() {
		remainingMs := ec.RemainingTime().Milliseconds()
		if constraints.DeadlineMs <= 0 || remainingMs < constraints.DeadlineMs {
			constraints.DeadlineMs = remainingMs
		}
	}
	return constraints
}

// executePlan walks the plan's stages, fanning each stage out through the
// middleware chain and cascading runtime failures into dependent skips.
func (p *Processor) executePlan(ctx context.Context, calls []*tool.Call, plan *scheduler.ExecutionPlan, continueOnError bool, onStart strategy.StartCallback, emit func(*tool.Result)) {
	byID := make(map[string]*tool.Call, len(calls))
	for _, c := range calls {
		byID[c.CallID] = c
	}

	// Planned skips are reported up front: they were never going to run.
	for callID, reason := range plan.Skip {
		emit(tool.SkipResult(byID[callID], plannedSkipError(reason)))
	}

	failed := make(map[string]bool)
	skippedAtRuntime := make(map[string]bool)

	for _, stage := range plan.Stages {
		var runnable []*tool.Call
		for _, callID := range stage {
			call := byID[callID]
			if !continueOnError && p.dependencyFailed(call, failed, skippedAtRuntime) {
				skippedAtRuntime[callID] = true
				emit(tool.SkipResult(call, toolerr.New(toolerr.CodeSkippedDependencyFailed,
					"an upstream dependency failed").NotRetryable()))
				continue
			}
			runnable = append(runnable, call)
		}
		if len(runnable) == 0 {
			continue
		}

		exec := func(callCtx context.Context, call *tool.Call) *tool.Result {
			if timeoutMs, ok := plan.PerCallTimeoutMs[call.CallID]; ok && timeoutMs > 0 {
				callDeadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
				// A per-call timeout that ends with the batch deadline (within
				// the plan's millisecond rounding) is left to the batch
				// context, so its expiry is reported as a cancellation below.
				if batchDeadline, has := ctx.Deadline(); !has || callDeadline.Add(time.Millisecond).Before(batchDeadline) {
					var cancel context.CancelFunc
					callCtx, cancel = context.WithDeadline(callCtx, callDeadline)
					defer cancel()
				}
			}
			result := p.handler(callCtx, call)

			// A timeout caused by the batch deadline is a cancellation of
			// the request, not a slow tool.
			if ctx.Err() != nil && result.ErrorInfo != nil && result.ErrorInfo.Code == toolerr.CodeTimeout {
				result.ErrorInfo = toolerr.New(toolerr.CodeCancelled,
					"execution deadline exceeded").NotRetryable()
				result.Error = result.ErrorInfo.Error()
			}
			return result
		}

		for result := range strategy.Stream(ctx, exec, runnable, p.cfg.Processor.MaxConcurrency, onStart) {
			if !result.Success {
				failed[result.CallID] = true
			}
			emit(result)
		}
	}
}

// dependencyFailed reports whether any of call's dependencies failed or
// were themselves skipped at runtime.
func (p *Processor) dependencyFailed(call *tool.Call, failed, skipped map[string]bool) bool {
	for _, dep := range call.DependsOn {
		if failed[dep] || skipped[dep] {
			return true
		}
	}
	return false
}

func plannedSkipError(reason scheduler.SkipReason) *toolerr.Error {
	if reason == scheduler.SkipDependency {
		return toolerr.New(toolerr.CodeSkippedDependencyFailed,
			"an upstream dependency was planned out of the batch").NotRetryable()
	}
	return toolerr.New(toolerr.CodeCancelled,
		fmt.Sprintf("planned out of the batch: %s", reason)).NotRetryable()
}

// reorderBySubmission sorts results back into input order. Execution was
// still parallel; only the returned slice order changes.
func reorderBySubmission(calls []*tool.Call, results []*tool.Result) []*tool.Result {
	index := make(map[string]int, len(calls))
	for i, c := range calls {
		index[c.CallID] = i
	}
	ordered := make([]*tool.Result, len(calls))
	var extras []*tool.Result
	for _, r := range results {
		if i, ok := index[r.CallID]; ok && ordered[i] == nil {
			ordered[i] = r
		} else {
			extras = append(extras, r)
		}
	}
	out := make([]*tool.Result, 0, len(results))
	for _, r := range ordered {
		if r != nil {
			out = append(out, r)
		}
	}
	return append(out, extras...)
}

// Close shuts the processor down: no new batches are admitted, in-flight
// batches drain, the strategy closes, and every remote adapter closes
// idempotently.
func (p *Processor) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	adapters := p.adapters
	p.mu.Unlock()

	p.inflight.Wait()

	var firstErr error
	if err := p.strat.Close(); err != nil {
		firstErr = err
	}
	for _, adapter := range adapters {
		if err := adapter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		log.Printf("Processor closed with error: %v", firstErr)
	}
	return firstErr
}
