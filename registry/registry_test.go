package registry

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolexec/tool"
	"toolexec/toolerr"
)

func fakeTool(name, namespace, description string) *tool.Func {
	return &tool.Func{
		Meta: tool.Metadata{Name: name, Namespace: namespace, Description: description},
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			return name, nil
		},
	}
}

func TestRegisterThenGetReturnsSameInstance(t *testing.T) {
	r := New()
	ft := fakeTool("adder", "", "adds numbers")
	require.NoError(t, r.Register(ft))

	got, err := r.GetTool("adder", "")
	require.NoError(t, err)
	assert.Same(t, tool.Tool(ft), got)
}

func TestDottedNameSplitsIntoNamespace(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterNamed(fakeTool("ignored", "", ""), "db.query", ""))

	got, err := r.GetTool("query", "db")
	require.NoError(t, err)
	assert.NotNil(t, got)

	// Dotted lookup resolves the same entry.
	got2, err := r.GetTool("db.query", "")
	require.NoError(t, err)
	assert.Same(t, got, got2)
}

func TestExplicitNamespaceWinsOverDottedName(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterNamed(fakeTool("x", "", ""), "db.query", "reporting"))

	_, err := r.GetTool("db.query", "")
	require.Error(t, err)

	got, err := r.GetTool("db.query", "reporting")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestGetUnknownToolFails(t *testing.T) {
	r := New()
	_, err := r.GetTool("nope", "")
	terr, ok := toolerr.As(err)
	require.True(t, ok)
	assert.Equal(t, toolerr.CodeToolNotFound, terr.Code)
}

func TestReRegisterReplaces(t *testing.T) {
	r := New()
	first := fakeTool("adder", "", "v1")
	second := fakeTool("adder", "", "v2")
	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(second))

	got, err := r.GetTool("adder", "")
	require.NoError(t, err)
	assert.Same(t, tool.Tool(second), got)
	assert.Equal(t, 1, r.Count())
}

func TestDeferredToolLoadsLazilyAndCaches(t *testing.T) {
	r := New()
	built := 0
	meta := tool.Metadata{
		Name:          "heavy",
		Description:   "expensive to construct",
		FactoryParams: map[string]any{"size": "large"},
	}
	require.NoError(t, r.RegisterDeferred(meta, func(params map[string]any) (tool.Tool, error) {
		built++
		assert.Equal(t, "large", params["size"])
		return fakeTool("heavy", "", "loaded"), nil
	}))

	assert.Zero(t, built)

	first, err := r.GetTool("heavy", "")
	require.NoError(t, err)
	second, err := r.GetTool("heavy", "")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, built)
}

func TestDeferredToolWithoutFactoryParamsFails(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterDeferred(tool.Metadata{Name: "broken"},
		func(params map[string]any) (tool.Tool, error) {
			return nil, fmt.Errorf("should not be called")
		}))

	_, err := r.LoadDeferredTool("broken", "")
	terr, ok := toolerr.As(err)
	require.True(t, ok)
	assert.Equal(t, toolerr.CodeConfigurationError, terr.Code)
}

func TestSearchDeferredToolsRanksMatches(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterDeferred(tool.Metadata{
		Name:           "notion_search",
		Description:    "search pages in a notion workspace",
		SearchKeywords: []string{"notion", "pages", "wiki"},
		FactoryParams:  map[string]any{"kind": "remote"},
	}, nil))
	require.NoError(t, r.RegisterDeferred(tool.Metadata{
		Name:           "web_search",
		Description:    "search the public web",
		SearchKeywords: []string{"web", "google"},
		FactoryParams:  map[string]any{"kind": "remote"},
	}, nil))

	results := r.SearchDeferredTools("notion search", nil, 10)
	require.NotEmpty(t, results)
	assert.Equal(t, "notion_search", results[0].Metadata.Name)

	// An unrelated query finds nothing.
	assert.Empty(t, r.SearchDeferredTools("database migration", nil, 10))
}

func TestSearchRespectsTagFilterAndLimit(t *testing.T) {
	r := New()
	for i := 0; i < 5; i++ {
		require.NoError(t, r.RegisterDeferred(tool.Metadata{
			Name:          fmt.Sprintf("search_%d", i),
			Description:   "a search tool",
			Tags:          map[string]string{"tier": "fast"},
			FactoryParams: map[string]any{"n": i},
		}, nil))
	}

	results := r.SearchDeferredTools("search", []string{"fast"}, 3)
	assert.Len(t, results, 3)

	assert.Empty(t, r.SearchDeferredTools("search", []string{"slow"}, 3))
}

func TestListToolsFiltersByNamespace(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(fakeTool("a", "db", "")))
	require.NoError(t, r.Register(fakeTool("b", "db", "")))
	require.NoError(t, r.Register(fakeTool("c", "web", "")))

	assert.Len(t, r.ListTools("db"), 2)
	assert.Len(t, r.ListTools(""), 3)
}

func TestWithValidationRejectsBadArguments(t *testing.T) {
	base := &tool.Func{
		Meta: tool.Metadata{
			Name: "adder",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"a": map[string]any{"type": "number"},
					"b": map[string]any{"type": "number"},
				},
				"required": []any{"a", "b"},
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		},
	}

	wrapped := WithValidation(base)

	_, err := wrapped.Execute(context.Background(), map[string]any{"a": 1.0})
	terr, ok := toolerr.As(err)
	require.True(t, ok)
	assert.Equal(t, toolerr.CodeValidationError, terr.Code)

	sum, err := wrapped.Execute(context.Background(), map[string]any{"a": 2.0, "b": 3.0})
	require.NoError(t, err)
	assert.EqualValues(t, 5, sum)
}

func TestGetToolHelpExposesSchemaAndExamples(t *testing.T) {
	r := New()
	ft := fakeTool("adder", "", "adds two numbers")
	ft.Meta.Examples = []tool.Example{{Name: "basic", Args: map[string]any{"a": 1, "b": 2}}}
	require.NoError(t, r.Register(ft))

	help := r.GetToolHelp("adder", "")
	assert.Equal(t, "adder", help["name"])
	assert.Contains(t, help, "examples")

	all := r.GetAllToolsHelp()
	assert.Equal(t, 1, all["count"])
}
