// Package strategy provides the concrete executors a call ultimately runs
// on: InProcessStrategy for trusted tools invoked in the current process,
// and IsolatedStrategy for tools run in a child process whose crash blast
// radius is one child.
package strategy

import (
	"context"
	"sync"
	"time"

	"toolexec/tool"
	"toolexec/toolerr"
)

// ToolSource resolves a dotted or plain tool name to an instance. The
// registry satisfies this; tests substitute small fakes.
type ToolSource interface {
	Resolve(name string) (tool.Tool, error)
}

// Strategy executes a single call end to end and never returns a nil
// result. Batch fan-out lives in Run/Stream, shared by both variants.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, call *tool.Call) *tool.Result
	Close() error
}

// StartCallback fires when a call begins executing, before its result is
// available. Used by the streaming path to surface progress.
type StartCallback func(call *tool.Call)

// Run executes calls in parallel through exec, up to maxConcurrency at
// once, and returns results in completion order. All calls are started
// (subject to the concurrency cap) before any result is awaited.
func Run(ctx context.Context, exec func(context.Context, *tool.Call) *tool.Result, calls []*tool.Call, maxConcurrency int) []*tool.Result {
	results := make([]*tool.Result, 0, len(calls))
	for r := range Stream(ctx, exec, calls, maxConcurrency, nil) {
		results = append(results, r)
	}
	return results
}

// Stream executes calls in parallel and yields each result as it
// completes. The channel closes once every call has produced exactly one
// result. A cancelled ctx causes unstarted calls to be reported as
// TOOL_CANCELLED without invoking them.
func Stream(ctx context.Context, exec func(context.Context, *tool.Call) *tool.Result, calls []*tool.Call, maxConcurrency int, onStart StartCallback) <-chan *tool.Result {
	out := make(chan *tool.Result, len(calls))
	if maxConcurrency <= 0 {
		maxConcurrency = len(calls)
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, maxConcurrency)

	for _, call := range calls {
		wg.Add(1)
		go func(c *tool.Call) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
				out <- cancelResult(c, ctx.Err())
				return
			}

			// Skip calls that were queued when the context expired.
			if ctx.Err() != nil {
				out <- cancelResult(c, ctx.Err())
				return
			}

			if onStart != nil {
				onStart(c)
			}
			out <- exec(ctx, c)
		}(call)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func cancelResult(call *tool.Call, err error) *tool.Result {
	deadline := err == context.DeadlineExceeded
	terr := toolerr.FromContextErr(err, deadline)
	if deadline {
		terr = toolerr.New(toolerr.CodeCancelled, "deadline exceeded before call started").NotRetryable()
	}
	return tool.SkipResult(call, terr)
}

// timeoutFor resolves the effective per-call timeout against the context
// deadline: whichever expires first wins.
func timeoutFor(ctx context.Context, configured time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if configured <= 0 || remaining < configured {
			return remaining
		}
	}
	return configured
}
