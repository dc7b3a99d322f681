// Package policy selects, executes, and learns from allocation actions
// using tabular Q-learning with experience replay.
package policy

// Actions in fixed order; tie-breaks and defaults depend on this ordering.
var Actions = []string{
	"scale_up_cpu",
	"scale_down_cpu",
	"scale_up_memory",
	"scale_down_memory",
	"redistribute_load",
	"optimize_processes",
	"migrate_workload",
	"power_management",
	"no_action",
}

const defaultActionCost = 1.0

var actionCosts = map[string]float64{
	"scale_up_cpu":       5.0,
	"scale_up_memory":    3.0,
	"migrate_workload":   10.0,
	"redistribute_load":  2.0,
	"optimize_processes": 1.0,
	"power_management":   0.5,
	"no_action":          0.0,
}

// ActionCost returns the estimated cost of an action.
func ActionCost(action string) float64 {
	if c, ok := actionCosts[action]; ok {
		return c
	}
	return defaultActionCost
}

// expectedImpacts is the per-action change in telemetry the executor
// post-checks against. Keys are telemetry fields, values are expected
// percentage-point deltas.
var expectedImpacts = map[string]map[string]float64{
	"scale_up_cpu":       {"cpu_pct": -15},
	"scale_down_cpu":     {"cpu_pct": 10},
	"scale_up_memory":    {"memory_pct": -10},
	"scale_down_memory":  {"memory_pct": 8},
	"redistribute_load":  {"load_score": -12},
	"optimize_processes": {"cpu_pct": -8, "load_score": -5},
	"migrate_workload":   {"load_score": -20},
	"power_management":   {"cpu_pct": 5},
	"no_action":          {},
}

// ExpectedImpact returns the post-check targets for an action.
func ExpectedImpact(action string) map[string]float64 {
	return expectedImpacts[action]
}

// ValidAction reports whether the name is part of the action set.
func ValidAction(action string) bool {
	for _, a := range Actions {
		if a == action {
			return true
		}
	}
	return false
}
