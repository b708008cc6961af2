// Package toolerr provides the structured error taxonomy tool calls fail
// with: a stable code, a retry category, and optional caller-facing detail.
package toolerr

import (
	"fmt"
	"time"
)

// Code identifies a specific failure condition.
type Code string

const (
	CodeToolNotFound            Code = "TOOL_NOT_FOUND"
	CodeValidationError         Code = "TOOL_VALIDATION_ERROR"
	CodeArgumentError           Code = "TOOL_ARGUMENT_ERROR"
	CodeRegistrationFailed      Code = "TOOL_REGISTRATION_FAILED"
	CodeExecutionFailed         Code = "TOOL_EXECUTION_FAILED"
	CodeResourceExhausted       Code = "RESOURCE_EXHAUSTED"
	CodeTimeout                 Code = "TOOL_TIMEOUT"
	CodeMCPTimeout              Code = "MCP_TIMEOUT"
	CodeMCPConnectionFailed     Code = "MCP_CONNECTION_FAILED"
	CodeMCPTransportError       Code = "MCP_TRANSPORT_ERROR"
	CodeMCPServerError          Code = "MCP_SERVER_ERROR"
	CodeRateLimited             Code = "TOOL_RATE_LIMITED"
	CodeCircuitOpen             Code = "TOOL_CIRCUIT_OPEN"
	CodeBulkheadFull            Code = "BULKHEAD_FULL"
	CodeCancelled               Code = "TOOL_CANCELLED"
	CodeConfigurationError      Code = "CONFIGURATION_ERROR"
	CodeSkippedDependencyFailed Code = "SKIPPED_DEPENDENCY_FAILED"
	CodeInternal                Code = "INTERNAL_ERROR"
)

// Category buckets codes by how a caller should react to them.
type Category string

const (
	CategoryClient      Category = "client"      // caller's request was malformed; retrying unchanged will not help
	CategoryTransient   Category = "transient"    // infrastructure hiccup; a retry with backoff may succeed
	CategoryThrottled   Category = "throttled"    // over a rate/concurrency limit; retry after the stated delay
	CategoryUnavailable Category = "unavailable"  // breaker open / dependency down; do not hammer it
	CategoryCancelled   Category = "cancelled"    // deadline or caller cancellation, not a tool failure
	CategoryInternal    Category = "internal"     // engine bug; not the caller's or the tool's fault
)

var codeCategory = map[Code]Category{
	CodeToolNotFound:            CategoryClient,
	CodeValidationError:         CategoryClient,
	CodeArgumentError:           CategoryClient,
	CodeRegistrationFailed:      CategoryClient,
	CodeExecutionFailed:         CategoryTransient,
	CodeResourceExhausted:       CategoryThrottled,
	CodeTimeout:                 CategoryTransient,
	CodeMCPTimeout:              CategoryTransient,
	CodeMCPConnectionFailed:     CategoryUnavailable,
	CodeMCPTransportError:       CategoryTransient,
	CodeMCPServerError:          CategoryClient,
	CodeRateLimited:             CategoryThrottled,
	CodeCircuitOpen:             CategoryUnavailable,
	CodeBulkheadFull:            CategoryThrottled,
	CodeCancelled:               CategoryCancelled,
	CodeConfigurationError:      CategoryClient,
	CodeSkippedDependencyFailed: CategoryCancelled,
	CodeInternal:                CategoryInternal,
}

// retryableCategories lists categories where retrying the same call, after
// the stated delay, is a reasonable default.
var retryableCategories = map[Category]bool{
	CategoryTransient:   true,
	CategoryThrottled:   true,
	CategoryUnavailable: true,
}

// Error is the structured failure returned alongside a ToolResult. It
// carries enough information for a caller to decide whether to retry, and
// optional details for surfacing to a human or an agent.
type Error struct {
	Code         Code           `json:"code"`
	Category     Category       `json:"category"`
	Message      string         `json:"message"`
	Retryable    bool           `json:"retryable"`
	RetryAfterMs int64          `json:"retry_after_ms,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`

	// Parameter/ProvidedValue/AvailableValues/Examples/Suggestions mirror
	// the teacher's enhanced parameter-error surface for validation
	// failures; they are optional enrichment, not part of the wire
	// contract callers must rely on.
	Parameter       string   `json:"parameter,omitempty"`
	ProvidedValue   any      `json:"provided_value,omitempty"`
	AvailableValues []string `json:"available_values,omitempty"`
	Examples        []string `json:"examples,omitempty"`
	Suggestions     []string `json:"suggestions,omitempty"`
}

// New builds an Error for code with category and retryability derived from
// the taxonomy table above.
func New(code Code, message string) *Error {
	cat := codeCategory[code]
	if cat == "" {
		cat = CategoryInternal
	}
	return &Error{
		Code:      code,
		Category:  cat,
		Message:   message,
		Retryable: retryableCategories[cat],
		Timestamp: time.Now(),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Parameter != "" {
		return fmt.Sprintf("%s: %s (parameter %q)", e.Code, e.Message, e.Parameter)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithRetryAfter sets an explicit backoff hint, overriding the category
// default. Used by rate limit and circuit breaker middleware which know
// the exact wait.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfterMs = d.Milliseconds()
	return e
}

// WithParameter annotates a validation failure with the offending
// parameter and the value the caller supplied.
func (e *Error) WithParameter(name string, provided any) *Error {
	e.Parameter = name
	e.ProvidedValue = provided
	return e
}

func (e *Error) WithAvailableValues(values []string) *Error {
	e.AvailableValues = values
	return e
}

func (e *Error) WithExamples(examples []string) *Error {
	e.Examples = examples
	return e
}

func (e *Error) WithSuggestions(suggestions []string) *Error {
	e.Suggestions = suggestions
	return e
}

func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// NotRetryable forces Retryable to false regardless of category, for cases
// where the caller knows better (e.g. a circuit breaker that has already
// exhausted its probe budget for this window).
func (e *Error) NotRetryable() *Error {
	e.Retryable = false
	e.RetryAfterMs = 0
	return e
}

// As extracts an *Error from a generic error, the way callers up the chain
// (scheduler, middleware) distinguish engine errors from tool panics or
// context cancellation.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}

// FromContextErr maps context.DeadlineExceeded/context.Canceled into the
// taxonomy's CodeTimeout/CodeCancelled.
func FromContextErr(err error, deadlineExceeded bool) *Error {
	if deadlineExceeded {
		return New(CodeTimeout, "execution deadline exceeded")
	}
	return New(CodeCancelled, "execution cancelled").NotRetryable()
}
