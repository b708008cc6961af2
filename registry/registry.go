// Package registry is the canonical store of tools and their metadata. It
// resolves dotted names into (namespace, name) pairs, supports deferred
// tools whose implementations are built on first use, and hands out remote
// tool proxies through per-namespace loaders.
package registry

import (
	"fmt"
	"log"
	"sync"

	"toolexec/tool"
	"toolexec/toolerr"
)

// Factory builds a deferred tool's concrete implementation from the
// parameters recorded at registration time.
type Factory func(params map[string]any) (tool.Tool, error)

// RemoteLoader constructs a proxy for a tool served by a remote namespace.
// The remote adapter for each namespace implements this.
type RemoteLoader interface {
	ToolProxy(name string) (tool.Tool, error)
}

type key struct {
	namespace string
	name      string
}

type deferredEntry struct {
	meta    tool.Metadata
	factory Factory
}

// Registry maps (namespace, name) to tool instances and metadata. It is
// safe for concurrent use; reads vastly outnumber writes so a RWMutex
// guards the maps.
type Registry struct {
	mu       sync.RWMutex
	tools    map[key]tool.Tool
	metadata map[key]tool.Metadata
	deferred map[key]deferredEntry
	loaders  map[string]RemoteLoader
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		tools:    make(map[key]tool.Tool),
		metadata: make(map[key]tool.Metadata),
		deferred: make(map[key]deferredEntry),
		loaders:  make(map[string]RemoteLoader),
	}
}

// resolve splits a possibly-dotted name against an explicit namespace. An
// explicit non-default namespace wins over a dotted prefix.
func resolve(name, namespace string) key {
	if namespace != "" && namespace != tool.DefaultNamespace {
		return key{namespace: namespace, name: name}
	}
	ns, n := tool.SplitName(name)
	return key{namespace: ns, name: n}
}

// Register adds a tool under the name and namespace carried by its own
// metadata. Re-registering the same name replaces the prior entry.
func (r *Registry) Register(t tool.Tool) error {
	meta := t.Metadata()
	return r.RegisterNamed(t, meta.Name, meta.Namespace)
}

// RegisterNamed adds a tool under an explicit name and namespace. If name
// contains a dot and namespace is empty or default, the dotted prefix
// becomes the namespace.
func (r *Registry) RegisterNamed(t tool.Tool, name, namespace string) error {
	if name == "" {
		return toolerr.New(toolerr.CodeRegistrationFailed, "tool name is required")
	}
	k := resolve(name, namespace)

	meta := t.Metadata()
	meta.Name = k.name
	meta.Namespace = k.namespace

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[k] = t
	r.metadata[k] = meta
	delete(r.deferred, k)
	log.Printf("Registered tool: %s.%s", k.namespace, k.name)
	return nil
}

// RegisterDeferred records metadata and a factory for a tool whose
// implementation is built on first use. The metadata must be rich enough
// for search to find the tool without loading it.
func (r *Registry) RegisterDeferred(meta tool.Metadata, factory Factory) error {
	if meta.Name == "" {
		return toolerr.New(toolerr.CodeRegistrationFailed, "deferred tool metadata must carry a name")
	}
	k := resolve(meta.Name, meta.Namespace)
	meta.Name = k.name
	meta.Namespace = k.namespace
	meta.DeferLoading = true

	r.mu.Lock()
	defer r.mu.Unlock()
	r.deferred[k] = deferredEntry{meta: meta, factory: factory}
	r.metadata[k] = meta
	log.Printf("Registered deferred tool: %s.%s", k.namespace, k.name)
	return nil
}

// SetRemoteLoader wires the loader that builds proxies for a remote
// namespace's tools. Deferred tools in that namespace with no factory are
// loaded through it.
func (r *Registry) SetRemoteLoader(namespace string, loader RemoteLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[namespace] = loader
}

// GetTool returns the tool instance for name, loading it first if it was
// registered deferred. Fails with TOOL_NOT_FOUND for unknown names.
func (r *Registry) GetTool(name, namespace string) (tool.Tool, error) {
	k := resolve(name, namespace)

	r.mu.RLock()
	t, ok := r.tools[k]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	r.mu.RLock()
	_, isDeferred := r.deferred[k]
	r.mu.RUnlock()
	if isDeferred {
		return r.LoadDeferredTool(k.name, k.namespace)
	}

	return nil, toolerr.New(toolerr.CodeToolNotFound,
		fmt.Sprintf("tool %q not found in namespace %q", k.name, k.namespace))
}

// Resolve satisfies the strategy layer's ToolSource: a single dotted or
// plain name looked up in one step.
func (r *Registry) Resolve(name string) (tool.Tool, error) {
	return r.GetTool(name, "")
}

// LoadDeferredTool builds a deferred tool's implementation via its factory
// (or the namespace's remote loader) and caches the instance for
// subsequent lookups.
func (r *Registry) LoadDeferredTool(name, namespace string) (tool.Tool, error) {
	k := resolve(name, namespace)

	r.mu.Lock()
	if t, ok := r.tools[k]; ok {
		// Another goroutine loaded it first.
		r.mu.Unlock()
		return t, nil
	}
	entry, ok := r.deferred[k]
	loader := r.loaders[k.namespace]
	r.mu.Unlock()

	if !ok {
		return nil, toolerr.New(toolerr.CodeToolNotFound,
			fmt.Sprintf("no deferred tool %q in namespace %q", k.name, k.namespace))
	}

	var built tool.Tool
	var err error
	switch {
	case entry.factory != nil:
		if entry.meta.FactoryParams == nil && entry.meta.ImportPath == "" {
			return nil, toolerr.New(toolerr.CodeConfigurationError,
				fmt.Sprintf("deferred tool %q has no factory parameters", k.name))
		}
		built, err = entry.factory(entry.meta.FactoryParams)
	case loader != nil:
		built, err = loader.ToolProxy(k.name)
	default:
		return nil, toolerr.New(toolerr.CodeConfigurationError,
			fmt.Sprintf("deferred tool %q has neither a factory nor a remote loader", k.name))
	}
	if err != nil {
		if te, ok := toolerr.As(err); ok {
			return nil, te
		}
		return nil, toolerr.New(toolerr.CodeRegistrationFailed,
			fmt.Sprintf("loading deferred tool %q failed: %v", k.name, err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tools[k]; ok {
		return t, nil
	}
	r.tools[k] = built
	log.Printf("Loaded deferred tool: %s.%s", k.namespace, k.name)
	return built, nil
}

// GetMetadata returns the recorded metadata for a tool without loading it.
func (r *Registry) GetMetadata(name, namespace string) (tool.Metadata, bool) {
	k := resolve(name, namespace)
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metadata[k]
	return m, ok
}

// ListTools enumerates metadata, optionally filtered to one namespace.
func (r *Registry) ListTools(namespace string) []tool.Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]tool.Metadata, 0, len(r.metadata))
	for k, m := range r.metadata {
		if namespace != "" && k.namespace != namespace {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Count returns how many tools (loaded and deferred) are registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.metadata)
}

// Unregister removes a tool. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name, namespace string) {
	k := resolve(name, namespace)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, k)
	delete(r.metadata, k)
	delete(r.deferred, k)
}
