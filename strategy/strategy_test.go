package strategy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolexec/tool"
	"toolexec/toolerr"
)

// mapSource is a minimal ToolSource over a fixed map.
type mapSource map[string]tool.Tool

func (s mapSource) Resolve(name string) (tool.Tool, error) {
	t, ok := s[name]
	if !ok {
		return nil, toolerr.New(toolerr.CodeToolNotFound, fmt.Sprintf("tool %q not found", name))
	}
	return t, nil
}

func sleepTool(name string, d time.Duration, value any) tool.Tool {
	return &tool.Func{
		Meta: tool.Metadata{Name: name},
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			select {
			case <-time.After(d):
				return value, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func TestInProcessExecuteSuccess(t *testing.T) {
	source := mapSource{"adder": &tool.Func{
		Meta: tool.Metadata{Name: "adder"},
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"sum": args["a"].(int) + args["b"].(int)}, nil
		},
	}}
	s := NewInProcess(source, time.Second)

	r := s.Execute(context.Background(),
		&tool.Call{CallID: "c1", Tool: "adder", Arguments: map[string]any{"a": 2, "b": 3}})
	require.True(t, r.Success)
	assert.Equal(t, map[string]any{"sum": 5}, r.Result)
	assert.Equal(t, 1, r.Attempts)
}

func TestInProcessUnknownTool(t *testing.T) {
	s := NewInProcess(mapSource{}, time.Second)
	r := s.Execute(context.Background(), &tool.Call{CallID: "c1", Tool: "ghost"})
	require.False(t, r.Success)
	assert.Equal(t, toolerr.CodeToolNotFound, r.ErrorInfo.Code)
}

func TestInProcessTimeoutWinsOverSlowTool(t *testing.T) {
	source := mapSource{"slow": sleepTool("slow", 500*time.Millisecond, "late")}
	s := NewInProcess(source, 50*time.Millisecond)

	start := time.Now()
	r := s.Execute(context.Background(), &tool.Call{CallID: "c1", Tool: "slow"})
	elapsed := time.Since(start)

	require.False(t, r.Success)
	assert.Equal(t, toolerr.CodeTimeout, r.ErrorInfo.Code)
	assert.Less(t, elapsed, 300*time.Millisecond)
}

func TestInProcessTimeoutEvenIfToolIgnoresContext(t *testing.T) {
	// This tool never checks ctx; the racing timer must still bound it.
	stubborn := &tool.Func{
		Meta: tool.Metadata{Name: "stubborn"},
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			time.Sleep(500 * time.Millisecond)
			return "late", nil
		},
	}
	s := NewInProcess(mapSource{"stubborn": stubborn}, 50*time.Millisecond)

	start := time.Now()
	r := s.Execute(context.Background(), &tool.Call{CallID: "c1", Tool: "stubborn"})
	require.False(t, r.Success)
	assert.Equal(t, toolerr.CodeTimeout, r.ErrorInfo.Code)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestInProcessRecoversPanic(t *testing.T) {
	panicky := &tool.Func{
		Meta: tool.Metadata{Name: "panicky"},
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			panic("tool bug")
		},
	}
	s := NewInProcess(mapSource{"panicky": panicky}, time.Second)

	r := s.Execute(context.Background(), &tool.Call{CallID: "c1", Tool: "panicky"})
	require.False(t, r.Success)
	assert.Equal(t, toolerr.CodeExecutionFailed, r.ErrorInfo.Code)
	assert.Contains(t, r.Error, "panicked")
}

func TestInProcessCancellationMapsToCancelled(t *testing.T) {
	source := mapSource{"slow": sleepTool("slow", time.Second, "late")}
	s := NewInProcess(source, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	r := s.Execute(ctx, &tool.Call{CallID: "c1", Tool: "slow"})
	require.False(t, r.Success)
	assert.Equal(t, toolerr.CodeCancelled, r.ErrorInfo.Code)
}

func TestInProcessValidatorRejectsBeforeExecution(t *testing.T) {
	executed := false
	validated := &validatingTool{
		execute: func() { executed = true },
	}
	s := NewInProcess(mapSource{"checked": validated}, time.Second)

	r := s.Execute(context.Background(),
		&tool.Call{CallID: "c1", Tool: "checked", Arguments: map[string]any{}})
	require.False(t, r.Success)
	assert.Equal(t, toolerr.CodeValidationError, r.ErrorInfo.Code)
	assert.False(t, executed)
}

type validatingTool struct {
	execute func()
}

func (v *validatingTool) Metadata() tool.Metadata { return tool.Metadata{Name: "checked"} }

func (v *validatingTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	v.execute()
	return "ran", nil
}

func (v *validatingTool) ValidateArguments(args map[string]any) *toolerr.Error {
	return toolerr.New(toolerr.CodeValidationError, "always invalid")
}

func TestRunReturnsCompletionOrder(t *testing.T) {
	source := mapSource{
		"slow":   sleepTool("slow", 120*time.Millisecond, "s"),
		"medium": sleepTool("medium", 60*time.Millisecond, "m"),
		"fast":   sleepTool("fast", 10*time.Millisecond, "f"),
	}
	s := NewInProcess(source, time.Second)

	calls := []*tool.Call{
		{CallID: "1", Tool: "slow"},
		{CallID: "2", Tool: "medium"},
		{CallID: "3", Tool: "fast"},
	}
	results := Run(context.Background(), s.Execute, calls, 0)

	require.Len(t, results, 3)
	assert.Equal(t, "f", results[0].Result)
	assert.Equal(t, "m", results[1].Result)
	assert.Equal(t, "s", results[2].Result)
}

func TestStreamHonorsConcurrencyCap(t *testing.T) {
	var active, peak int32
	guard := make(chan struct{}, 1)
	observing := &tool.Func{
		Meta: tool.Metadata{Name: "counted"},
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			guard <- struct{}{}
			active++
			if active > peak {
				peak = active
			}
			<-guard
			time.Sleep(10 * time.Millisecond)
			guard <- struct{}{}
			active--
			<-guard
			return "ok", nil
		},
	}
	s := NewInProcess(mapSource{"counted": observing}, time.Second)

	calls := make([]*tool.Call, 10)
	for i := range calls {
		calls[i] = &tool.Call{CallID: fmt.Sprintf("c%d", i), Tool: "counted"}
	}
	results := Run(context.Background(), s.Execute, calls, 2)

	require.Len(t, results, 10)
	assert.LessOrEqual(t, peak, int32(2))
}

func TestStreamStartCallbackFires(t *testing.T) {
	source := mapSource{"fast": sleepTool("fast", time.Millisecond, "f")}
	s := NewInProcess(source, time.Second)

	var started []string
	calls := []*tool.Call{{CallID: "a", Tool: "fast"}, {CallID: "b", Tool: "fast"}}
	ch := Stream(context.Background(), s.Execute, calls, 1, func(c *tool.Call) {
		started = append(started, c.CallID)
	})
	var results []*tool.Result
	for r := range ch {
		results = append(results, r)
	}

	assert.Len(t, results, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, started)
}

func TestStreamSkipsUnstartedCallsOnCancel(t *testing.T) {
	source := mapSource{"slow": sleepTool("slow", 200*time.Millisecond, "s")}
	s := NewInProcess(source, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	calls := make([]*tool.Call, 6)
	for i := range calls {
		calls[i] = &tool.Call{CallID: fmt.Sprintf("c%d", i), Tool: "slow"}
	}

	ch := Stream(ctx, s.Execute, calls, 2, nil)
	time.Sleep(20 * time.Millisecond)
	cancel()

	var results []*tool.Result
	for r := range ch {
		results = append(results, r)
	}

	// Every call produced exactly one result.
	require.Len(t, results, 6)
	cancelled := 0
	for _, r := range results {
		if !r.Success {
			require.NotNil(t, r.ErrorInfo)
			assert.Equal(t, toolerr.CodeCancelled, r.ErrorInfo.Code)
			cancelled++
		}
	}
	assert.Positive(t, cancelled)
}

func TestIsolatedRunnerSuccess(t *testing.T) {
	s := NewIsolated("/bin/sh", time.Second)
	s.RunnerArgs = []string{"-c", `cat >/dev/null; echo '{"result": {"sum": 5}}'`}

	r := s.Execute(context.Background(),
		&tool.Call{CallID: "c1", Tool: "adder", Arguments: map[string]any{"a": 2, "b": 3}})
	require.True(t, r.Success, "unexpected error: %s", r.Error)
	assert.Equal(t, map[string]any{"sum": float64(5)}, r.Result)
}

func TestIsolatedRunnerToolError(t *testing.T) {
	s := NewIsolated("/bin/sh", time.Second)
	s.RunnerArgs = []string{"-c", `cat >/dev/null; echo '{"error": "division by zero"}'`}

	r := s.Execute(context.Background(), &tool.Call{CallID: "c1", Tool: "div"})
	require.False(t, r.Success)
	assert.Equal(t, toolerr.CodeExecutionFailed, r.ErrorInfo.Code)
	assert.Contains(t, r.Error, "division by zero")
}

func TestIsolatedRunnerCrash(t *testing.T) {
	s := NewIsolated("/bin/sh", time.Second)
	s.RunnerArgs = []string{"-c", `cat >/dev/null; echo "segfault" >&2; exit 3`}

	r := s.Execute(context.Background(), &tool.Call{CallID: "c1", Tool: "crashy"})
	require.False(t, r.Success)
	assert.Equal(t, toolerr.CodeExecutionFailed, r.ErrorInfo.Code)
	assert.Contains(t, r.Error, "exited with code 3")
}

func TestIsolatedRunnerTimeout(t *testing.T) {
	s := NewIsolated("/bin/sh", 50*time.Millisecond)
	s.GracePeriod = 100 * time.Millisecond
	s.RunnerArgs = []string{"-c", `sleep 5`}

	start := time.Now()
	r := s.Execute(context.Background(), &tool.Call{CallID: "c1", Tool: "sleepy"})
	require.False(t, r.Success)
	assert.Equal(t, toolerr.CodeTimeout, r.ErrorInfo.Code)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestIsolatedRunnerMissingBinary(t *testing.T) {
	s := NewIsolated("/nonexistent/runner", time.Second)

	r := s.Execute(context.Background(), &tool.Call{CallID: "c1", Tool: "t"})
	require.False(t, r.Success)
	assert.Equal(t, toolerr.CodeResourceExhausted, r.ErrorInfo.Code)
}

func TestTimeoutForPrefersTighterDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	got := timeoutFor(ctx, time.Hour)
	assert.LessOrEqual(t, got, 10*time.Millisecond)

	got = timeoutFor(context.Background(), time.Minute)
	assert.Equal(t, time.Minute, got)
}

func TestClassifyExecErrorPassesThroughStructured(t *testing.T) {
	structured := toolerr.New(toolerr.CodeRateLimited, "slow down")
	assert.Equal(t, structured, classifyExecError(structured))

	wrapped := classifyExecError(errors.New("plain failure"))
	assert.Equal(t, toolerr.CodeExecutionFailed, wrapped.Code)
}
