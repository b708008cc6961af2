package remote

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"toolexec/execconfig"
	"toolexec/tool"
	"toolexec/toolerr"
)

// RefreshFunc obtains fresh credentials when the server signals an
// expired or invalid token. It returns the new bearer token.
type RefreshFunc func(ctx context.Context) (string, error)

// ServerConfig describes one remote tool server.
type ServerConfig struct {
	// Name doubles as the registry namespace for this server's tools.
	Name string `json:"name"`

	Kind    TransportKind     `json:"kind"`
	Command string            `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	BearerToken string      `json:"-"`
	Refresh     RefreshFunc `json:"-"`
}

// oauthPatterns are the substrings that mark a server error as an expired
// or invalid credential, triggering the one-shot refresh-and-retry.
var oauthPatterns = []string{
	"invalid_token",
	"expired token",
	"token expired",
	"unauthorized",
	"401",
	"invalid_grant",
	"authentication required",
}

// Adapter is the per-server state machine. All state transitions happen
// under mu; the session itself is safe for concurrent calls once READY.
type Adapter struct {
	mu      sync.Mutex
	cfg     ServerConfig
	timeout execconfig.TimeoutConfig

	state   State
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession
	tools   []tool.Metadata
	token   *tokenHolder

	// inflight tracks cancel functions for outstanding calls so Close can
	// signal them; their results surface as TOOL_CANCELLED.
	inflight map[int64]context.CancelFunc
	nextID   int64
}

// NewAdapter creates a DISCONNECTED adapter; Initialise opens it.
func NewAdapter(cfg ServerConfig, timeouts execconfig.TimeoutConfig) *Adapter {
	holder := &tokenHolder{}
	holder.set(cfg.BearerToken)
	if timeouts.Connect <= 0 {
		timeouts.Connect = 30 * time.Second
	}
	if timeouts.Operation <= 0 {
		timeouts.Operation = 30 * time.Second
	}
	if timeouts.Quick <= 0 {
		timeouts.Quick = 5 * time.Second
	}
	if timeouts.Shutdown <= 0 {
		timeouts.Shutdown = 2 * time.Second
	}
	return &Adapter{
		cfg:      cfg,
		timeout:  timeouts,
		state:    StateDisconnected,
		token:    holder,
		inflight: make(map[int64]context.CancelFunc),
	}
}

// State returns the adapter's current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Name returns the server name, used as the tool namespace.
func (a *Adapter) Name() string { return a.cfg.Name }

// Initialise opens the transport, performs the protocol handshake, and
// caches the server's tool catalogue. Valid from DISCONNECTED and
// RECONNECTING; calling it in READY is a no-op.
func (a *Adapter) Initialise(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case StateReady:
		a.mu.Unlock()
		return nil
	case StateClosing, StateClosed:
		a.mu.Unlock()
		return toolerr.New(toolerr.CodeMCPConnectionFailed,
			fmt.Sprintf("server %q is closed", a.cfg.Name))
	case StateConnecting, StateInitialising:
		a.mu.Unlock()
		return toolerr.New(toolerr.CodeMCPConnectionFailed,
			fmt.Sprintf("server %q is already initialising", a.cfg.Name))
	}
	a.state = StateConnecting
	a.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, a.timeout.Connect)
	defer cancel()

	transport, err := buildTransport(connectCtx, a.cfg, a.token)
	if err != nil {
		a.setState(StateDisconnected)
		return toolerr.New(toolerr.CodeConfigurationError, err.Error())
	}

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "toolexec", Version: "1.0.0"}, nil)

	session, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		a.setState(StateDisconnected)
		return toolerr.New(toolerr.CodeMCPConnectionFailed,
			fmt.Sprintf("connect to server %q failed: %v", a.cfg.Name, err))
	}

	a.setState(StateInitialising)

	var metas []tool.Metadata
	for t, err := range session.Tools(connectCtx, nil) {
		if err != nil {
			_ = session.Close()
			a.setState(StateDisconnected)
			return toolerr.New(toolerr.CodeMCPTransportError,
				fmt.Sprintf("listing tools for server %q failed: %v", a.cfg.Name, err))
		}
		metas = append(metas, metadataFromSDK(*t, a.cfg.Name))
	}

	a.mu.Lock()
	a.client = client
	a.session = session
	a.tools = metas
	a.state = StateReady
	a.mu.Unlock()

	log.Printf("Remote server %q ready with %d tools", a.cfg.Name, len(metas))
	return nil
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// metadataFromSDK converts the SDK's tool description into engine
// metadata, namespaced under the server name.
func metadataFromSDK(t mcpsdk.Tool, serverName string) tool.Metadata {
	return tool.Metadata{
		Name:        t.Name,
		Namespace:   serverName,
		Description: t.Description,
		Parameters:  schemaToMap(t.InputSchema),
	}
}

// schemaToMap normalizes any schema value to a plain map.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	return roundTripToMap(schema)
}

// ListTools returns the cached catalogue from the last handshake.
func (a *Adapter) ListTools() []tool.Metadata {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]tool.Metadata, len(a.tools))
	copy(out, a.tools)
	return out
}

// CallTool invokes one remote tool. Only valid in READY. Timeout zero
// uses the operation default. A detected credential expiry triggers the
// refresh callback once; the call is retried exactly once with the new
// token, and the original error surfaces if the retry path fails.
func (a *Adapter) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (any, error) {
	a.mu.Lock()
	if a.state != StateReady {
		state := a.state
		a.mu.Unlock()
		return nil, toolerr.New(toolerr.CodeMCPConnectionFailed,
			fmt.Sprintf("server %q is %s, not ready", a.cfg.Name, state))
	}
	session := a.session
	id := a.nextID
	a.nextID++
	a.mu.Unlock()

	if timeout <= 0 {
		timeout = a.timeout.Operation
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a.mu.Lock()
	a.inflight[id] = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.inflight, id)
		a.mu.Unlock()
	}()

	value, err := a.doCall(callCtx, session, name, args)
	if err == nil {
		return value, nil
	}

	terr := a.classify(callCtx, ctx, name, err)

	if isOAuthError(err) && a.cfg.Refresh != nil {
		log.Printf("Credential expiry detected for server %q, refreshing once", a.cfg.Name)
		refreshCtx, refreshCancel := context.WithTimeout(ctx, a.timeout.Quick)
		newToken, refreshErr := a.cfg.Refresh(refreshCtx)
		refreshCancel()
		if refreshErr == nil && newToken != "" {
			a.token.set(newToken)
			retryValue, retryErr := a.doCall(callCtx, session, name, args)
			if retryErr == nil {
				return retryValue, nil
			}
		}
		// Refresh failed or produced bad credentials: the original error
		// surfaces.
		return nil, terr
	}

	return nil, terr
}

func (a *Adapter) doCall(ctx context.Context, session *mcpsdk.ClientSession, name string, args map[string]any) (any, error) {
	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, fmt.Errorf("server returned error: %s", textContent(result))
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	return textContent(result), nil
}

func textContent(result *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// classify maps a call failure into the taxonomy. Transport-level
// failures also flip the adapter into RECONNECTING so the next
// Initialise can repair the session.
func (a *Adapter) classify(callCtx, ctx context.Context, name string, err error) *toolerr.Error {
	switch {
	case callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		return toolerr.New(toolerr.CodeMCPTimeout,
			fmt.Sprintf("call to %q on server %q timed out", name, a.cfg.Name))
	case ctx.Err() != nil:
		return toolerr.FromContextErr(ctx.Err(), ctx.Err() == context.DeadlineExceeded)
	case callCtx.Err() == context.Canceled:
		// Close cancelled the in-flight call.
		return toolerr.New(toolerr.CodeCancelled,
			fmt.Sprintf("call to %q on server %q cancelled by shutdown", name, a.cfg.Name)).NotRetryable()
	}

	msg := err.Error()
	if isConnectionError(msg) {
		a.mu.Lock()
		if a.state == StateReady {
			a.state = StateReconnecting
			a.session = nil
		}
		a.mu.Unlock()
		log.Printf("Transport failure on server %q, marking for reconnect: %v", a.cfg.Name, err)
		return toolerr.New(toolerr.CodeMCPTransportError, msg)
	}
	return toolerr.New(toolerr.CodeMCPServerError, msg).NotRetryable()
}

func isConnectionError(msg string) bool {
	lowered := strings.ToLower(msg)
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"no such host",
		"transport closed",
	} {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}

func isOAuthError(err error) bool {
	lowered := strings.ToLower(err.Error())
	for _, pattern := range oauthPatterns {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}

// Reconnect re-runs the connect handshake from the degraded state.
func (a *Adapter) Reconnect(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateReconnecting && a.state != StateDisconnected {
		a.mu.Unlock()
		return toolerr.New(toolerr.CodeMCPConnectionFailed,
			fmt.Sprintf("server %q is %s, nothing to reconnect", a.cfg.Name, a.state))
	}
	if a.session != nil {
		_ = a.session.Close()
		a.session = nil
	}
	a.state = StateDisconnected
	a.mu.Unlock()
	return a.Initialise(ctx)
}

// Ping checks liveness with the quick timeout.
func (a *Adapter) Ping(ctx context.Context) error {
	a.mu.Lock()
	session := a.session
	ready := a.state == StateReady
	a.mu.Unlock()
	if !ready || session == nil {
		return toolerr.New(toolerr.CodeMCPConnectionFailed,
			fmt.Sprintf("server %q is not ready", a.cfg.Name))
	}
	pingCtx, cancel := context.WithTimeout(ctx, a.timeout.Quick)
	defer cancel()
	if err := session.Ping(pingCtx, nil); err != nil {
		return toolerr.New(toolerr.CodeMCPTransportError, err.Error())
	}
	return nil
}

// Close shuts the adapter down idempotently: in-flight calls are
// cancelled (surfacing as TOOL_CANCELLED) and the session closed within
// the shutdown timeout.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.state == StateClosed || a.state == StateClosing {
		a.mu.Unlock()
		return nil
	}
	a.state = StateClosing
	session := a.session
	a.session = nil
	cancels := make([]context.CancelFunc, 0, len(a.inflight))
	for _, cancel := range a.inflight {
		cancels = append(cancels, cancel)
	}
	a.inflight = make(map[int64]context.CancelFunc)
	a.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	var err error
	if session != nil {
		done := make(chan error, 1)
		go func() { done <- session.Close() }()
		select {
		case err = <-done:
		case <-time.After(a.timeout.Shutdown):
			err = fmt.Errorf("server %q close timed out after %v", a.cfg.Name, a.timeout.Shutdown)
		}
	}

	a.setState(StateClosed)
	if err != nil {
		log.Printf("Remote server %q closed with error: %v", a.cfg.Name, err)
	}
	return err
}
