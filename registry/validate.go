package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"toolexec/tool"
	"toolexec/toolerr"
)

// validatedTool composes a JSON-Schema check in front of any tool. The
// schema is compiled once, on first use, from the tool's declared
// Parameters.
type validatedTool struct {
	tool.Tool

	compileOnce sync.Once
	schema      *jsonschema.Schema
	compileErr  error
}

// WithValidation wraps t so every Execute first validates args against the
// tool's Parameters schema. Tools without a declared schema pass through
// untouched.
func WithValidation(t tool.Tool) tool.Tool {
	if len(t.Metadata().Parameters) == 0 {
		return t
	}
	return &validatedTool{Tool: t}
}

func (v *validatedTool) compile() {
	meta := v.Tool.Metadata()
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("tool://%s/parameters.json", meta.QualifiedName())
	if err := compiler.AddResource(url, meta.Parameters); err != nil {
		v.compileErr = err
		return
	}
	v.schema, v.compileErr = compiler.Compile(url)
}

// ValidateArguments checks args against the compiled schema. A schema that
// fails to compile is a configuration error, not an argument error.
func (v *validatedTool) ValidateArguments(args map[string]any) *toolerr.Error {
	v.compileOnce.Do(v.compile)
	if v.compileErr != nil {
		return toolerr.New(toolerr.CodeConfigurationError,
			fmt.Sprintf("parameters schema for %q does not compile: %v",
				v.Tool.Metadata().Name, v.compileErr))
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := v.schema.Validate(toPlain(args)); err != nil {
		return toolerr.New(toolerr.CodeValidationError, err.Error())
	}
	return nil
}

func (v *validatedTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	if verr := v.ValidateArguments(args); verr != nil {
		return nil, verr
	}
	return v.Tool.Execute(ctx, args)
}

// toPlain normalizes map values so the schema library sees plain
// map[string]any / []any shapes regardless of how arguments were built.
func toPlain(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = toPlain(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = toPlain(e)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return val
	}
}
