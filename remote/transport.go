package remote

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"toolexec/exectx"
)

// TransportKind selects how the adapter reaches its server.
type TransportKind string

const (
	// TransportStdio spawns the server as a subprocess and speaks
	// line-delimited JSON-RPC over its stdio.
	TransportStdio TransportKind = "stdio"

	// TransportStreamableHTTP uses the chunked HTTP-streaming transport
	// with optional bearer auth.
	TransportStreamableHTTP TransportKind = "streamable-http"

	// TransportSSE uses the server-sent-events transport with optional
	// bearer auth.
	TransportSSE TransportKind = "sse"
)

// IsValid reports whether the kind is one the adapter can build.
func (k TransportKind) IsValid() bool {
	switch k {
	case TransportStdio, TransportStreamableHTTP, TransportSSE:
		return true
	}
	return false
}

// tokenHolder shares the current bearer token between the adapter (which
// refreshes it) and the round tripper (which sends it).
type tokenHolder struct {
	mu    sync.RWMutex
	token string
}

func (t *tokenHolder) get() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

func (t *tokenHolder) set(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
}

// authTransport decorates every outbound request with the current bearer
// token, static headers, and the per-request execution context headers
// (traceparent, identity, deadline) read from the request context.
type authTransport struct {
	base    http.RoundTripper
	token   *tokenHolder
	headers map[string]string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if token := t.token.get(); token != "" {
		clone.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	if ec, ok := exectx.FromContext(req.Context()); ok {
		for k, v := range ec.ToHeaders() {
			clone.Header.Set(k, v)
		}
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

// buildTransport constructs the SDK transport for cfg. For stdio, env
// entries are appended to the child's environment; for the HTTP shapes, a
// bearer-injecting client is installed.
func buildTransport(ctx context.Context, cfg ServerConfig, token *tokenHolder) (mcpsdk.Transport, error) {
	switch cfg.Kind {
	case TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return nil, fmt.Errorf("stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("streamable-http server %q requires a URL", cfg.Name)
		}
		return &mcpsdk.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: &http.Client{Transport: &authTransport{token: token, headers: cfg.Headers}},
		}, nil

	case TransportSSE:
		if cfg.URL == "" {
			return nil, fmt.Errorf("sse server %q requires a URL", cfg.Name)
		}
		return &mcpsdk.SSEClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: &http.Client{Transport: &authTransport{token: token, headers: cfg.Headers}},
		}, nil

	default:
		return nil, fmt.Errorf("unknown transport %q for server %q", cfg.Kind, cfg.Name)
	}
}
