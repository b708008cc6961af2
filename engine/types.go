// Package engine exposes the Processor façade that plans and executes a
// batch of tool calls through the middleware stack, and re-exports the
// core data model from the tool package.
package engine

import (
	"toolexec/tool"
)

// Type aliases so callers of the engine only need one import.
type Tool = tool.Tool
type ToolCall = tool.Call
type ToolResult = tool.Result
type ToolMetadata = tool.Metadata
type Capabilities = tool.Capabilities
type ToolExample = tool.Example
type CallMetadata = tool.CallMetadata
type StreamingTool = tool.StreamingTool
type ParameterValidator = tool.ParameterValidator
