package registry

import (
	"fmt"

	"toolexec/tool"
)

// GetToolHelp returns a help document for one tool: its schema, examples,
// capability flags, and whether it validates its own parameters. Intended
// for planner consumption, so everything is plain JSON-shaped data.
func (r *Registry) GetToolHelp(name, namespace string) map[string]any {
	meta, ok := r.GetMetadata(name, namespace)
	if !ok {
		return map[string]any{
			"error": fmt.Sprintf("tool %q not found", name),
		}
	}

	help := map[string]any{
		"name":        meta.Name,
		"namespace":   meta.Namespace,
		"description": meta.Description,
		"parameters":  meta.Parameters,
	}
	if len(meta.Examples) > 0 {
		help["examples"] = meta.Examples
	}
	if len(meta.SearchKeywords) > 0 {
		help["search_keywords"] = meta.SearchKeywords
	}
	help["capabilities"] = meta.Capabilities
	if meta.DeferLoading {
		help["deferred"] = true
	}

	k := resolve(name, namespace)
	r.mu.RLock()
	t, loaded := r.tools[k]
	r.mu.RUnlock()
	if loaded {
		if _, ok := t.(tool.ParameterValidator); ok {
			help["supports_validation"] = true
		}
	}

	return help
}

// GetAllToolsHelp returns help for every registered tool keyed by
// qualified name, plus a total count.
func (r *Registry) GetAllToolsHelp() map[string]any {
	toolsHelp := make(map[string]any)
	for _, meta := range r.ListTools("") {
		toolsHelp[meta.QualifiedName()] = r.GetToolHelp(meta.Name, meta.Namespace)
	}
	return map[string]any{
		"tools": toolsHelp,
		"count": len(toolsHelp),
	}
}

// GetToolSchemas exports name/description/parameters triples for every
// registered tool, the shape LLM providers expect for tool definitions.
func (r *Registry) GetToolSchemas() []map[string]any {
	metas := r.ListTools("")
	schemas := make([]map[string]any, 0, len(metas))
	for _, meta := range metas {
		schemas = append(schemas, map[string]any{
			"name":        meta.QualifiedName(),
			"description": meta.Description,
			"parameters":  meta.Parameters,
		})
	}
	return schemas
}
