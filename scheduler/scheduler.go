// Package scheduler plans a batch of inter-dependent tool calls into
// execution stages. Stage N may start only after every stage N-1 call has
// completed; within a stage, calls run in parallel subject to pool limits.
// Deadline and cost overruns shed the lowest-priority calls, and their
// dependents cascade into the skip set.
package scheduler

import (
	"fmt"
	"log"
	"sort"
	"time"

	"toolexec/tool"
	"toolexec/toolerr"
)

// Constraints bound a plan: a wall-clock budget, an abstract cost budget,
// and per-pool concurrency limits within one stage.
type Constraints struct {
	DeadlineMs      int64          `json:"deadline_ms,omitempty"`
	MaxCost         float64        `json:"max_cost,omitempty"`
	PoolLimits      map[string]int `json:"pool_limits,omitempty"`
	ContinueOnError bool           `json:"continue_on_error"`

	// DefaultTimeout caps each call when the deadline leaves more room.
	DefaultTimeout time.Duration `json:"default_timeout,omitempty"`
}

// SkipReason records why a call was planned out of the batch.
type SkipReason string

const (
	SkipDeadline   SkipReason = "deadline_budget"
	SkipCost       SkipReason = "cost_budget"
	SkipDependency SkipReason = "dependency_skipped"
)

// ExecutionPlan is the scheduler's output: staged call ids plus per-call
// knob overrides and the planned skip set.
type ExecutionPlan struct {
	Stages            [][]string            `json:"stages"`
	PerCallTimeoutMs  map[string]int64      `json:"per_call_timeout_ms,omitempty"`
	PerCallMaxRetries map[string]int        `json:"per_call_max_retries,omitempty"`
	Skip              map[string]SkipReason `json:"skip,omitempty"`
}

// Skipped reports whether callID was planned out.
func (p *ExecutionPlan) Skipped(callID string) bool {
	_, ok := p.Skip[callID]
	return ok
}

// Scheduler is stateless; one instance serves any number of Plan calls.
type Scheduler struct{}

// New creates a Scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Plan validates the dependency DAG, levels it, packs levels into stages
// under pool limits, sheds calls that overflow the deadline or cost
// budget, and assigns per-call timeouts.
func (s *Scheduler) Plan(calls []*tool.Call, constraints Constraints) (*ExecutionPlan, error) {
	plan := &ExecutionPlan{
		PerCallTimeoutMs: make(map[string]int64),
		Skip:             make(map[string]SkipReason),
	}
	if len(calls) == 0 {
		return plan, nil
	}

	byID := make(map[string]*tool.Call, len(calls))
	for _, c := range calls {
		if c.CallID == "" {
			return nil, toolerr.New(toolerr.CodeConfigurationError, "every call needs a call_id")
		}
		if _, dup := byID[c.CallID]; dup {
			return nil, toolerr.New(toolerr.CodeConfigurationError,
				fmt.Sprintf("duplicate call_id %q", c.CallID))
		}
		byID[c.CallID] = c
	}

	levels, err := levelize(calls, byID)
	if err != nil {
		return nil, err
	}

	skipped := make(map[string]SkipReason)
	if constraints.DeadlineMs > 0 {
		shedForBudget(calls, byID, levels, skipped, SkipDeadline, func(kept []*tool.Call) bool {
			return estimateDurationMs(kept, byID, levels, constraints.PoolLimits) <= constraints.DeadlineMs
		})
	}
	if constraints.MaxCost > 0 {
		shedForBudget(calls, byID, levels, skipped, SkipCost, func(kept []*tool.Call) bool {
			return totalCost(kept) <= constraints.MaxCost
		})
	}
	cascadeSkips(calls, skipped)

	kept := make([]*tool.Call, 0, len(calls))
	for _, c := range calls {
		if _, ok := skipped[c.CallID]; !ok {
			kept = append(kept, c)
		}
	}
	plan.Skip = skipped

	plan.Stages = packStages(kept, levels, constraints.PoolLimits)
	s.assignTimeouts(plan, byID, constraints)

	if len(skipped) > 0 {
		log.Printf("Plan sheds %d of %d calls to fit constraints", len(skipped), len(calls))
	}
	return plan, nil
}

// levelize assigns each call its topological level (longest dependency
// chain depth) via Kahn's algorithm; a cycle or unknown dependency is a
// configuration error.
func levelize(calls []*tool.Call, byID map[string]*tool.Call) (map[string]int, error) {
	indegree := make(map[string]int, len(calls))
	dependents := make(map[string][]string, len(calls))

	for _, c := range calls {
		indegree[c.CallID] += 0
		for _, dep := range c.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, toolerr.New(toolerr.CodeConfigurationError,
					fmt.Sprintf("call %q depends on unknown call %q", c.CallID, dep))
			}
			indegree[c.CallID]++
			dependents[dep] = append(dependents[dep], c.CallID)
		}
	}

	levels := make(map[string]int, len(calls))
	var frontier []string
	for _, c := range calls {
		if indegree[c.CallID] == 0 {
			frontier = append(frontier, c.CallID)
			levels[c.CallID] = 0
		}
	}

	processed := 0
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		processed++
		for _, next := range dependents[id] {
			if l := levels[id] + 1; l > levels[next] {
				levels[next] = l
			}
			indegree[next]--
			if indegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}

	if processed != len(calls) {
		return nil, toolerr.New(toolerr.CodeConfigurationError,
			"dependency graph contains a cycle")
	}
	return levels, nil
}

// packStages splits each topological level into one or more stages so no
// pool exceeds its per-stage limit. Input order within a level is kept.
func packStages(calls []*tool.Call, levels map[string]int, poolLimits map[string]int) [][]string {
	if len(calls) == 0 {
		return nil
	}
	maxLevel := 0
	byLevel := make(map[int][]*tool.Call)
	for _, c := range calls {
		l := levels[c.CallID]
		byLevel[l] = append(byLevel[l], c)
		if l > maxLevel {
			maxLevel = l
		}
	}

	var stages [][]string
	for l := 0; l <= maxLevel; l++ {
		pending := byLevel[l]
		for len(pending) > 0 {
			poolCount := make(map[string]int)
			var stage []string
			var overflow []*tool.Call
			for _, c := range pending {
				pool := callPool(c)
				limit := 0
				if poolLimits != nil {
					limit = poolLimits[pool]
				}
				if limit > 0 && poolCount[pool] >= limit {
					overflow = append(overflow, c)
					continue
				}
				poolCount[pool]++
				stage = append(stage, c.CallID)
			}
			if len(stage) > 0 {
				stages = append(stages, stage)
			}
			pending = overflow
		}
	}
	return stages
}

func callPool(c *tool.Call) string {
	if c.Meta != nil && c.Meta.Pool != "" {
		return c.Meta.Pool
	}
	return ""
}

func callEstMs(c *tool.Call) int64 {
	if c.Meta != nil && c.Meta.EstimatedMs > 0 {
		return c.Meta.EstimatedMs
	}
	return 0
}

func callCost(c *tool.Call) float64 {
	if c.Meta != nil {
		return c.Meta.Cost
	}
	return 0
}

func callPriority(c *tool.Call) int {
	if c.Meta != nil {
		return c.Meta.Priority
	}
	return 0
}

// estimateDurationMs sums, per stage, the longest estimated call in that
// stage: stages are sequential, calls within a stage are parallel.
func estimateDurationMs(kept []*tool.Call, byID map[string]*tool.Call, levels map[string]int, poolLimits map[string]int) int64 {
	stages := packStages(kept, levels, poolLimits)
	var total int64
	for _, stage := range stages {
		var slowest int64
		for _, id := range stage {
			if est := callEstMs(byID[id]); est > slowest {
				slowest = est
			}
		}
		total += slowest
	}
	return total
}

func totalCost(kept []*tool.Call) float64 {
	var sum float64
	for _, c := range kept {
		sum += callCost(c)
	}
	return sum
}

// shedForBudget marks lowest-priority calls as skipped, one at a time,
// until fits reports the kept set is inside the budget. Already-skipped
// calls stay skipped with their original reason.
func shedForBudget(calls []*tool.Call, byID map[string]*tool.Call, levels map[string]int, skipped map[string]SkipReason, reason SkipReason, fits func(kept []*tool.Call) bool) {
	keptSet := func() []*tool.Call {
		kept := make([]*tool.Call, 0, len(calls))
		for _, c := range calls {
			if _, ok := skipped[c.CallID]; !ok {
				kept = append(kept, c)
			}
		}
		return kept
	}

	if fits(keptSet()) {
		return
	}

	// Shed order: ascending priority, then deepest level first so leaf
	// work goes before the chains feeding many dependents.
	candidates := make([]*tool.Call, len(calls))
	copy(candidates, calls)
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := callPriority(candidates[i]), callPriority(candidates[j])
		if pi != pj {
			return pi < pj
		}
		return levels[candidates[i].CallID] > levels[candidates[j].CallID]
	})

	for _, victim := range candidates {
		if _, ok := skipped[victim.CallID]; ok {
			continue
		}
		skipped[victim.CallID] = reason
		cascadeSkips(calls, skipped)
		if fits(keptSet()) {
			return
		}
	}
}

// cascadeSkips marks every dependent of a skipped call as skipped too,
// transitively.
func cascadeSkips(calls []*tool.Call, skipped map[string]SkipReason) {
	changed := true
	for changed {
		changed = false
		for _, c := range calls {
			if _, ok := skipped[c.CallID]; ok {
				continue
			}
			for _, dep := range c.DependsOn {
				if _, ok := skipped[dep]; ok {
					skipped[c.CallID] = SkipDependency
					changed = true
					break
				}
			}
		}
	}
}

// assignTimeouts computes each call's timeout as the smaller of the
// configured default and the deadline remaining after every earlier
// stage's estimate.
func (s *Scheduler) assignTimeouts(plan *ExecutionPlan, byID map[string]*tool.Call, constraints Constraints) {
	configuredMs := constraints.DefaultTimeout.Milliseconds()

	var elapsedEstMs int64
	for _, stage := range plan.Stages {
		remainingMs := int64(0)
		if constraints.DeadlineMs > 0 {
			remainingMs = constraints.DeadlineMs - elapsedEstMs
			if remainingMs < 0 {
				remainingMs = 0
			}
		}
		var slowest int64
		for _, id := range stage {
			timeoutMs := configuredMs
			if remainingMs > 0 && (timeoutMs <= 0 || remainingMs < timeoutMs) {
				timeoutMs = remainingMs
			}
			if timeoutMs > 0 {
				plan.PerCallTimeoutMs[id] = timeoutMs
			}
			if est := callEstMs(byID[id]); est > slowest {
				slowest = est
			}
		}
		elapsedEstMs += slowest
	}
}
