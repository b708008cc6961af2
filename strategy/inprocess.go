package strategy

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"toolexec/tool"
	"toolexec/toolerr"
)

// InProcessStrategy invokes tools directly in the current process. The
// per-call timeout is enforced by racing the tool against the context's
// timer, since a misbehaving tool may ignore cancellation.
type InProcessStrategy struct {
	source         ToolSource
	defaultTimeout time.Duration
}

// NewInProcess creates the strategy. defaultTimeout applies to calls with
// no tighter deadline; zero means no per-call timeout.
func NewInProcess(source ToolSource, defaultTimeout time.Duration) *InProcessStrategy {
	return &InProcessStrategy{source: source, defaultTimeout: defaultTimeout}
}

func (s *InProcessStrategy) Name() string { return "in_process" }

func (s *InProcessStrategy) Close() error { return nil }

type execOutcome struct {
	value any
	err   error
}

func (s *InProcessStrategy) Execute(ctx context.Context, call *tool.Call) *tool.Result {
	start := time.Now()

	t, err := s.source.Resolve(call.Tool)
	if err != nil {
		if terr, ok := toolerr.As(err); ok {
			return tool.ErrResult(call, start, terr)
		}
		return tool.ErrResult(call, start,
			toolerr.New(toolerr.CodeToolNotFound, err.Error()))
	}

	if validator, ok := t.(tool.ParameterValidator); ok {
		if verr := validator.ValidateArguments(call.Arguments); verr != nil {
			return tool.ErrResult(call, start, verr)
		}
	}

	timeout := timeoutFor(ctx, s.defaultTimeout)
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Run the tool in its own goroutine and race it against the timer: a
	// tool that never checks ctx still cannot hold the call slot past its
	// deadline. The goroutine is leaked deliberately in that case; its
	// result is discarded on arrival.
	outcome := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Tool %s panicked: %v\n%s", call.Tool, r, debug.Stack())
				outcome <- execOutcome{err: toolerr.New(toolerr.CodeExecutionFailed,
					fmt.Sprintf("tool panicked: %v", r))}
			}
		}()
		value, execErr := t.Execute(callCtx, call.Arguments)
		outcome <- execOutcome{value: value, err: execErr}
	}()

	select {
	case o := <-outcome:
		if o.err != nil {
			return tool.ErrResult(call, start, classifyExecError(o.err))
		}
		return tool.OkResult(call, start, o.value, 1, false)

	case <-callCtx.Done():
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			// The per-call timer fired, not the caller's context.
			return tool.ErrResult(call, start, toolerr.New(toolerr.CodeTimeout,
				fmt.Sprintf("tool %q exceeded its %v timeout", call.Tool, timeout)))
		}
		return tool.ErrResult(call, start,
			toolerr.FromContextErr(ctx.Err(), ctx.Err() == context.DeadlineExceeded))
	}
}

// ExecuteStream runs a streaming-capable tool, forwarding chunks through
// emit; tools without streaming support fall back to a single Execute.
func (s *InProcessStrategy) ExecuteStream(ctx context.Context, call *tool.Call, emit func(chunk any) error) *tool.Result {
	start := time.Now()

	t, err := s.source.Resolve(call.Tool)
	if err != nil {
		if terr, ok := toolerr.As(err); ok {
			return tool.ErrResult(call, start, terr)
		}
		return tool.ErrResult(call, start, toolerr.New(toolerr.CodeToolNotFound, err.Error()))
	}

	streamer, ok := t.(tool.StreamingTool)
	if !ok {
		return s.Execute(ctx, call)
	}

	value, execErr := streamer.ExecuteStream(ctx, call.Arguments, emit)
	if execErr != nil {
		return tool.ErrResult(call, start, classifyExecError(execErr))
	}
	return tool.OkResult(call, start, value, 1, false)
}

// classifyExecError maps a tool's returned error into the taxonomy,
// passing through structured errors untouched.
func classifyExecError(err error) *toolerr.Error {
	if terr, ok := toolerr.As(err); ok {
		return terr
	}
	switch err {
	case context.DeadlineExceeded:
		return toolerr.New(toolerr.CodeTimeout, "execution deadline exceeded")
	case context.Canceled:
		return toolerr.New(toolerr.CodeCancelled, "execution cancelled").NotRetryable()
	}
	return toolerr.New(toolerr.CodeExecutionFailed, err.Error())
}
