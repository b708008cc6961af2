package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolexec/tool"
	"toolexec/toolerr"
)

func call(id string, deps ...string) *tool.Call {
	return &tool.Call{CallID: id, Tool: "t", DependsOn: deps}
}

func callWithMeta(id string, meta tool.CallMetadata, deps ...string) *tool.Call {
	c := call(id, deps...)
	c.Meta = &meta
	return c
}

func stageOf(plan *ExecutionPlan, callID string) int {
	for i, stage := range plan.Stages {
		for _, id := range stage {
			if id == callID {
				return i
			}
		}
	}
	return -1
}

func TestEmptyBatchYieldsEmptyPlan(t *testing.T) {
	plan, err := New().Plan(nil, Constraints{})
	require.NoError(t, err)
	assert.Empty(t, plan.Stages)
	assert.Empty(t, plan.Skip)
}

func TestIndependentCallsShareOneStage(t *testing.T) {
	plan, err := New().Plan([]*tool.Call{call("a"), call("b"), call("c")}, Constraints{})
	require.NoError(t, err)
	require.Len(t, plan.Stages, 1)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, plan.Stages[0])
}

func TestStagesRespectDependsOnEdges(t *testing.T) {
	calls := []*tool.Call{
		call("fetch"),
		call("parse", "fetch"),
		call("store", "parse"),
		call("independent"),
	}
	plan, err := New().Plan(calls, Constraints{})
	require.NoError(t, err)

	assert.Less(t, stageOf(plan, "fetch"), stageOf(plan, "parse"))
	assert.Less(t, stageOf(plan, "parse"), stageOf(plan, "store"))
	assert.Equal(t, 0, stageOf(plan, "independent"))
}

func TestDiamondDependency(t *testing.T) {
	calls := []*tool.Call{
		call("root"),
		call("left", "root"),
		call("right", "root"),
		call("join", "left", "right"),
	}
	plan, err := New().Plan(calls, Constraints{})
	require.NoError(t, err)

	assert.Equal(t, 0, stageOf(plan, "root"))
	assert.Equal(t, 1, stageOf(plan, "left"))
	assert.Equal(t, 1, stageOf(plan, "right"))
	assert.Equal(t, 2, stageOf(plan, "join"))
}

func TestCycleFailsWithConfigurationError(t *testing.T) {
	calls := []*tool.Call{call("a", "b"), call("b", "a")}
	_, err := New().Plan(calls, Constraints{})
	terr, ok := toolerr.As(err)
	require.True(t, ok)
	assert.Equal(t, toolerr.CodeConfigurationError, terr.Code)
}

func TestUnknownDependencyFails(t *testing.T) {
	_, err := New().Plan([]*tool.Call{call("a", "ghost")}, Constraints{})
	terr, ok := toolerr.As(err)
	require.True(t, ok)
	assert.Equal(t, toolerr.CodeConfigurationError, terr.Code)
}

func TestDuplicateCallIDFails(t *testing.T) {
	_, err := New().Plan([]*tool.Call{call("a"), call("a")}, Constraints{})
	require.Error(t, err)
}

func TestPoolLimitsSplitStages(t *testing.T) {
	calls := []*tool.Call{
		callWithMeta("a", tool.CallMetadata{Pool: "db"}),
		callWithMeta("b", tool.CallMetadata{Pool: "db"}),
		callWithMeta("c", tool.CallMetadata{Pool: "db"}),
		callWithMeta("d", tool.CallMetadata{Pool: "web"}),
	}
	plan, err := New().Plan(calls, Constraints{PoolLimits: map[string]int{"db": 2}})
	require.NoError(t, err)

	for _, stage := range plan.Stages {
		dbCount := 0
		for _, id := range stage {
			if id != "d" {
				dbCount++
			}
		}
		assert.LessOrEqual(t, dbCount, 2)
	}

	// All four calls appear in exactly one stage.
	seen := map[string]int{}
	for _, stage := range plan.Stages {
		for _, id := range stage {
			seen[id]++
		}
	}
	assert.Len(t, seen, 4)
}

func TestDeadlineShedsLowestPriorityFirst(t *testing.T) {
	calls := []*tool.Call{
		callWithMeta("vital", tool.CallMetadata{EstimatedMs: 80, Priority: 10}),
		callWithMeta("optional", tool.CallMetadata{EstimatedMs: 90, Priority: 0}),
	}
	// Pool limit forces the two calls into separate stages, so estimates
	// add up and overflow the deadline.
	constraints := Constraints{
		DeadlineMs: 100,
		PoolLimits: map[string]int{"": 1},
	}
	plan, err := New().Plan(calls, constraints)
	require.NoError(t, err)

	assert.Equal(t, SkipDeadline, plan.Skip["optional"])
	assert.False(t, plan.Skipped("vital"))
}

func TestShedCascadesToDependents(t *testing.T) {
	calls := []*tool.Call{
		callWithMeta("cheap", tool.CallMetadata{EstimatedMs: 10, Priority: 5}),
		callWithMeta("pricey", tool.CallMetadata{EstimatedMs: 500, Priority: 0}),
		callWithMeta("child", tool.CallMetadata{EstimatedMs: 10, Priority: 9}, "pricey"),
	}
	plan, err := New().Plan(calls, Constraints{DeadlineMs: 100})
	require.NoError(t, err)

	assert.Equal(t, SkipDeadline, plan.Skip["pricey"])
	assert.Equal(t, SkipDependency, plan.Skip["child"])
	assert.False(t, plan.Skipped("cheap"))

	// Skipped calls never appear in a stage.
	assert.Equal(t, -1, stageOf(plan, "pricey"))
	assert.Equal(t, -1, stageOf(plan, "child"))
}

func TestCostBudgetSheds(t *testing.T) {
	calls := []*tool.Call{
		callWithMeta("a", tool.CallMetadata{Cost: 5, Priority: 5}),
		callWithMeta("b", tool.CallMetadata{Cost: 5, Priority: 0}),
	}
	plan, err := New().Plan(calls, Constraints{MaxCost: 6})
	require.NoError(t, err)

	assert.Equal(t, SkipCost, plan.Skip["b"])
	assert.False(t, plan.Skipped("a"))
}

func TestPerCallTimeoutShrinksWithDeadline(t *testing.T) {
	calls := []*tool.Call{
		callWithMeta("first", tool.CallMetadata{EstimatedMs: 400, Priority: 1}),
		callWithMeta("second", tool.CallMetadata{EstimatedMs: 100, Priority: 1}, "first"),
	}
	constraints := Constraints{
		DeadlineMs:     1000,
		DefaultTimeout: 10 * time.Second,
	}
	plan, err := New().Plan(calls, constraints)
	require.NoError(t, err)

	// Stage 0 gets the full remaining budget; stage 1 gets what the first
	// stage's estimate left over.
	assert.EqualValues(t, 1000, plan.PerCallTimeoutMs["first"])
	assert.EqualValues(t, 600, plan.PerCallTimeoutMs["second"])
}

func TestNoDeadlineUsesConfiguredTimeout(t *testing.T) {
	plan, err := New().Plan([]*tool.Call{call("a")}, Constraints{DefaultTimeout: 5 * time.Second})
	require.NoError(t, err)
	assert.EqualValues(t, 5000, plan.PerCallTimeoutMs["a"])
}
