package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"toolexec/registry"
	"toolexec/tool"
	"toolexec/toolerr"
)

// proxyTool presents one remote tool as a local tool.Tool. Execution
// delegates to the adapter's CallTool with the operation timeout.
type proxyTool struct {
	adapter *Adapter
	meta    tool.Metadata
}

func (p *proxyTool) Metadata() tool.Metadata { return p.meta }

func (p *proxyTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	return p.adapter.CallTool(ctx, p.meta.Name, args, 0)
}

// ToolProxy satisfies the registry's RemoteLoader: it builds a proxy for
// a tool in this server's cached catalogue.
func (a *Adapter) ToolProxy(name string) (tool.Tool, error) {
	for _, meta := range a.ListTools() {
		if meta.Name == name {
			return &proxyTool{adapter: a, meta: meta}, nil
		}
	}
	return nil, toolerr.New(toolerr.CodeToolNotFound,
		fmt.Sprintf("server %q exposes no tool %q", a.cfg.Name, name))
}

// RegisterWith records every remote tool as a deferred entry in reg so
// discovery works without touching the server again, and installs this
// adapter as the namespace's loader.
func (a *Adapter) RegisterWith(reg *registry.Registry) error {
	reg.SetRemoteLoader(a.cfg.Name, a)
	for _, meta := range a.ListTools() {
		if err := reg.RegisterDeferred(meta, nil); err != nil {
			return err
		}
	}
	return nil
}

// roundTripToMap converts an arbitrary schema value to a plain map via a
// JSON round-trip, falling back to an open object schema.
func roundTripToMap(schema any) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
