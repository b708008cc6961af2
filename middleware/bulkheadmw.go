package middleware

import (
	"context"
	"errors"
	"time"

	"toolexec/bulkhead"
	"toolexec/tool"
	"toolexec/toolerr"
)

// BulkheadMiddleware gates each call through the multi-level bulkhead.
// Saturation surfaces as BULKHEAD_FULL with the saturated level in the
// error details, a backpressure hint the planner can act on.
type BulkheadMiddleware struct {
	bulk *bulkhead.Bulkhead
}

// NewBulkheadMiddleware wraps an existing Bulkhead.
func NewBulkheadMiddleware(b *bulkhead.Bulkhead) *BulkheadMiddleware {
	return &BulkheadMiddleware{bulk: b}
}

func (m *BulkheadMiddleware) Name() string { return "bulkhead" }

func (m *BulkheadMiddleware) Execute(ctx context.Context, call *tool.Call, next Handler) *tool.Result {
	release, err := m.bulk.Acquire(ctx, call.Tool, call.Namespace())
	if err != nil {
		start := time.Now()
		var full *bulkhead.FullError
		if errors.As(err, &full) {
			terr := toolerr.New(toolerr.CodeBulkheadFull, full.Error()).
				WithDetails(map[string]any{
					"limit_type": string(full.LimitType),
					"scope":      full.Scope,
				})
			return tool.ErrResult(call, start, terr)
		}
		// Context expired while queued.
		return tool.ErrResult(call, start,
			toolerr.FromContextErr(err, errors.Is(err, context.DeadlineExceeded)))
	}
	defer release()

	return next(ctx, call)
}
