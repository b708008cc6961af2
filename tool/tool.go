// Package tool defines the core data model shared by every layer of the
// execution engine: the Tool interface, the Call/Result value objects, and
// the Metadata registered alongside each tool.
package tool

import (
	"context"
	"strings"
	"time"

	"toolexec/toolerr"
)

// DefaultNamespace is used when a tool is registered without an explicit
// namespace and its name carries no dotted prefix.
const DefaultNamespace = "default"

// SplitName resolves a possibly-dotted tool name into (namespace, name).
// "db.query" becomes ("db", "query"); an undotted name keeps the default
// namespace.
func SplitName(name string) (string, string) {
	if idx := strings.Index(name, "."); idx > 0 {
		return name[:idx], name[idx+1:]
	}
	return DefaultNamespace, name
}

// Tool is the narrow interface every executable tool implements. Larger
// behaviour (validation, streaming) is opted into via the optional
// interfaces below, not required of every tool.
type Tool interface {
	Metadata() Metadata
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// ParameterValidator is an optional interface for tools that validate
// their own arguments beyond static JSON-Schema checking.
type ParameterValidator interface {
	ValidateArguments(args map[string]any) *toolerr.Error
}

// StreamingTool is an optional interface for tools whose results are
// incrementally produced; the strategy layer type-asserts for this rather
// than requiring every tool to support streaming.
type StreamingTool interface {
	Tool
	ExecuteStream(ctx context.Context, args map[string]any, emit func(chunk any) error) (any, error)
}

// Metadata describes a registered tool: its schema, behavioural
// capabilities, and discovery hints.
type Metadata struct {
	Name        string         `json:"name"`
	Namespace   string         `json:"namespace,omitempty"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// Capabilities are metadata tags, not subclass identity: a tool may be
	// both ReadOnly and Idempotent, or Streaming and Destructive.
	Capabilities Capabilities `json:"capabilities"`

	SearchKeywords []string          `json:"search_keywords,omitempty"`
	Examples       []Example         `json:"examples,omitempty"`
	EstimatedMs    int64             `json:"estimated_ms,omitempty"`
	CostWeight     float64           `json:"cost_weight,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`

	// Version participates in cache keys so a redeployed tool does not
	// serve stale cached results.
	Version string `json:"version,omitempty"`

	// DeferLoading marks a tool whose concrete implementation is built on
	// first use. ImportPath and FactoryParams must carry everything the
	// factory needs; the search surface works from this metadata alone.
	DeferLoading  bool           `json:"defer_loading,omitempty"`
	ImportPath    string         `json:"import_path,omitempty"`
	FactoryParams map[string]any `json:"factory_params,omitempty"`
}

// QualifiedName returns "namespace.name", the form callers use in Call.Tool.
func (m Metadata) QualifiedName() string {
	ns := m.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return ns + "." + m.Name
}

// Capabilities are independent boolean tags describing how a tool behaves.
type Capabilities struct {
	ReadOnly    bool `json:"read_only,omitempty"`
	Write       bool `json:"write,omitempty"`
	Destructive bool `json:"destructive,omitempty"`
	Idempotent  bool `json:"idempotent,omitempty"`
	Streaming   bool `json:"streaming,omitempty"`
	Cacheable   bool `json:"cacheable,omitempty"`
}

// Example documents a representative invocation.
type Example struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Args        map[string]any `json:"args"`
	Expected    string         `json:"expected,omitempty"`
}

// Func adapts a plain function into a Tool, the quickest way to register
// in-process tools.
type Func struct {
	Meta Metadata
	Fn   func(ctx context.Context, args map[string]any) (any, error)
}

func (f *Func) Metadata() Metadata { return f.Meta }

func (f *Func) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f.Fn(ctx, args)
}

// CallMetadata carries the scheduler-facing hints on a Call.
type CallMetadata struct {
	// Pool groups calls that share a per-stage concurrency limit.
	Pool string `json:"pool,omitempty"`

	// EstimatedMs is the caller's duration estimate used for deadline
	// planning. Zero means unknown.
	EstimatedMs int64 `json:"estimated_ms,omitempty"`

	// Cost is the abstract cost of this call against a batch budget.
	Cost float64 `json:"cost,omitempty"`

	// Priority orders deadline/cost shedding: higher survives longer,
	// zero is shed first.
	Priority int `json:"priority,omitempty"`
}

// Call is a single requested invocation of a registered tool.
type Call struct {
	CallID    string         `json:"call_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`

	// DependsOn lists call_ids (within the same batch) that must complete
	// successfully before this call is scheduled.
	DependsOn []string `json:"depends_on,omitempty"`

	Meta *CallMetadata `json:"metadata,omitempty"`

	// idempotencyKey is computed lazily by IdempotencyKey(); cached after
	// the first call since Arguments is not expected to mutate afterwards.
	idempotencyKey string
}

// Namespace resolves the call's namespace from its dotted tool name.
func (c *Call) Namespace() string {
	ns, _ := SplitName(c.Tool)
	return ns
}

// Result is the outcome of executing a single Call.
type Result struct {
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`

	Success bool `json:"success"`
	Result  any  `json:"result,omitempty"`

	Error     string         `json:"error,omitempty"`
	ErrorInfo *toolerr.Error `json:"error_info,omitempty"`

	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	DurationMs int64     `json:"duration_ms"`

	Attempts int  `json:"attempts"`
	Cached   bool `json:"cached"`
	Skipped  bool `json:"skipped,omitempty"`
}

// Finish stamps EndTime/DurationMs from StartTime and the current clock.
func (r *Result) Finish() {
	r.EndTime = time.Now()
	r.DurationMs = r.EndTime.Sub(r.StartTime).Milliseconds()
}

// ErrResult builds a failed Result from a structured toolerr.Error.
func ErrResult(call *Call, start time.Time, err *toolerr.Error) *Result {
	r := &Result{
		CallID:    call.CallID,
		Tool:      call.Tool,
		Success:   false,
		Error:     err.Error(),
		ErrorInfo: err,
		StartTime: start,
	}
	r.Finish()
	return r
}

// OkResult builds a successful Result.
func OkResult(call *Call, start time.Time, result any, attempts int, cached bool) *Result {
	r := &Result{
		CallID:    call.CallID,
		Tool:      call.Tool,
		Success:   true,
		Result:    result,
		StartTime: start,
		Attempts:  attempts,
		Cached:    cached,
	}
	r.Finish()
	return r
}

// SkipResult builds a Result for a call that was never attempted.
func SkipResult(call *Call, err *toolerr.Error) *Result {
	now := time.Now()
	return &Result{
		CallID:    call.CallID,
		Tool:      call.Tool,
		Success:   false,
		Error:     err.Error(),
		ErrorInfo: err,
		StartTime: now,
		EndTime:   now,
		Skipped:   true,
	}
}
