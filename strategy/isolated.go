package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"toolexec/tool"
	"toolexec/toolerr"
)

// IsolatedStrategy runs each call in a child process so a crashing or
// leaking tool takes down one child, not the engine. The child speaks a
// one-shot JSON protocol: the request on stdin, the response on stdout.
//
// Timeout escalation: context cancellation sends SIGTERM (cooperative
// shutdown window), and after GracePeriod the runtime delivers SIGKILL.
type IsolatedStrategy struct {
	// RunnerPath is the executable hosting the tool implementations.
	RunnerPath string

	// RunnerArgs are prepended before the tool name.
	RunnerArgs []string

	// Env adds environment variables to each child.
	Env map[string]string

	// GracePeriod is how long a child gets between SIGTERM and SIGKILL.
	GracePeriod time.Duration

	defaultTimeout time.Duration
}

// runnerRequest is the child's stdin payload.
type runnerRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// runnerResponse is the child's stdout payload.
type runnerResponse struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewIsolated creates the strategy. defaultTimeout applies per call; zero
// means only the caller's context bounds the child.
func NewIsolated(runnerPath string, defaultTimeout time.Duration) *IsolatedStrategy {
	return &IsolatedStrategy{
		RunnerPath:     runnerPath,
		GracePeriod:    2 * time.Second,
		defaultTimeout: defaultTimeout,
	}
}

func (s *IsolatedStrategy) Name() string { return "isolated" }

func (s *IsolatedStrategy) Close() error { return nil }

func (s *IsolatedStrategy) Execute(ctx context.Context, call *tool.Call) *tool.Result {
	start := time.Now()

	timeout := timeoutFor(ctx, s.defaultTimeout)
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := json.Marshal(runnerRequest{Tool: call.Tool, Arguments: call.Arguments})
	if err != nil {
		return tool.ErrResult(call, start, toolerr.New(toolerr.CodeArgumentError,
			fmt.Sprintf("arguments for %q are not JSON-encodable: %v", call.Tool, err)))
	}

	args := append(append([]string{}, s.RunnerArgs...), call.Tool)
	cmd := exec.CommandContext(callCtx, s.RunnerPath, args...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if len(s.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range s.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	// SIGTERM first so the child can flush; the runtime escalates to
	// SIGKILL once WaitDelay elapses.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	if err := cmd.Start(); err != nil {
		return tool.ErrResult(call, start, toolerr.New(toolerr.CodeResourceExhausted,
			fmt.Sprintf("cannot start isolated runner: %v", err)))
	}

	runErr := cmd.Wait()
	if runErr != nil {
		return tool.ErrResult(call, start,
			s.classifyChildFailure(callCtx, ctx, call, timeout, runErr, stderr.String()))
	}

	var resp runnerResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return tool.ErrResult(call, start, toolerr.New(toolerr.CodeExecutionFailed,
			fmt.Sprintf("isolated runner produced invalid output: %v", err)))
	}
	if resp.Error != "" {
		return tool.ErrResult(call, start,
			toolerr.New(toolerr.CodeExecutionFailed, resp.Error))
	}
	return tool.OkResult(call, start, resp.Result, 1, false)
}

// classifyChildFailure maps a child's exit into the taxonomy: deadline vs
// cancel vs crash; a crash reports the exit code and the first stderr line.
func (s *IsolatedStrategy) classifyChildFailure(callCtx, ctx context.Context, call *tool.Call, timeout time.Duration, runErr error, stderrText string) *toolerr.Error {
	if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return toolerr.New(toolerr.CodeTimeout,
			fmt.Sprintf("isolated tool %q exceeded its %v timeout", call.Tool, timeout))
	}
	if ctx.Err() != nil {
		return toolerr.FromContextErr(ctx.Err(), ctx.Err() == context.DeadlineExceeded)
	}

	msg := runErr.Error()
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		msg = fmt.Sprintf("isolated runner exited with code %d", exitErr.ExitCode())
		if trimmed := strings.TrimSpace(stderrText); trimmed != "" {
			msg += ": " + firstLine(trimmed)
		}
	}
	log.Printf("Isolated execution failed: tool=%s error=%v", call.Tool, runErr)
	return toolerr.New(toolerr.CodeExecutionFailed, msg)
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
