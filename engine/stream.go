package engine

import (
	"context"

	"toolexec/exectx"
	"toolexec/strategy"
	"toolexec/tool"
)

// StreamEvent is one item on the stream: either a call starting or a call
// completing with its result.
type StreamEvent struct {
	// Started is set when a call begins executing; Result is nil then.
	Started *tool.Call `json:"started,omitempty"`

	// Result is set when a call completes, in completion order.
	Result *tool.Result `json:"result,omitempty"`
}

// Stream executes a batch and yields results as they complete. The
// channel closes after exactly one result per non-skipped call (skipped
// calls yield their skip results too). Input coercion errors are returned
// immediately, before any execution starts.
func (p *Processor) Stream(ctx context.Context, input any, ec *exectx.ExecutionContext) (<-chan *tool.Result, error) {
	calls, err := p.coerceCalls(input)
	if err != nil {
		return nil, err
	}

	b, err := p.prepare(ctx, calls, ec)
	if err != nil {
		return nil, err
	}

	out := make(chan *tool.Result, len(calls))
	go func() {
		defer close(out)
		p.runBatch(b, nil, func(r *tool.Result) {
			out <- r
		})
	}()
	return out, nil
}

// StreamEvents is the richer streaming surface: start events interleave
// with completion events, so a consumer can show progress for slow tools.
func (p *Processor) StreamEvents(ctx context.Context, input any, ec *exectx.ExecutionContext) (<-chan StreamEvent, error) {
	calls, err := p.coerceCalls(input)
	if err != nil {
		return nil, err
	}

	b, err := p.prepare(ctx, calls, ec)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent, 2*len(calls))
	onStart := strategy.StartCallback(func(c *tool.Call) {
		out <- StreamEvent{Started: c}
	})

	go func() {
		defer close(out)
		p.runBatch(b, onStart, func(r *tool.Result) {
			out <- StreamEvent{Result: r}
		})
	}()
	return out, nil
}
