package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAgentConfig() AgentConfig {
	return AgentConfig{
		LearningRate:     0.01,
		DiscountFactor:   0.95,
		ExplorationRate:  0.1,
		ExplorationDecay: 0.995,
		ReplayBufferSize: 100,
		ReplayBatchSize:  4,
	}
}

func TestAgentUpdateMovesTowardReward(t *testing.T) {
	a := NewAgent(testAgentConfig())

	exp := Experience{StateKey: "s1", Action: "scale_up_cpu", Reward: 1.8, NextStateKey: "s2"}
	a.Update(exp)

	// Empty next row, so the target is just the reward.
	assert.InDelta(t, 0.018, a.QValue("s1", "scale_up_cpu"), 1e-9)

	for i := 0; i < 500; i++ {
		a.Update(exp)
	}
	assert.Greater(t, a.QValue("s1", "scale_up_cpu"), 1.7)
}

func TestAgentGreedyPrefersLearnedAction(t *testing.T) {
	cfg := testAgentConfig()
	cfg.ExplorationRate = 0 // always greedy
	a := NewAgent(cfg)

	for i := 0; i < 200; i++ {
		a.Update(Experience{StateKey: "s", Action: "optimize_processes", Reward: 2, NextStateKey: "t"})
		a.Update(Experience{StateKey: "s", Action: "migrate_workload", Reward: -1, NextStateKey: "t"})
	}

	action, explored := a.SelectAction("s")
	assert.False(t, explored)
	assert.Equal(t, "optimize_processes", action)
}

func TestAgentGreedyTieBreaksByActionOrder(t *testing.T) {
	cfg := testAgentConfig()
	cfg.ExplorationRate = 0
	a := NewAgent(cfg)

	action, _ := a.SelectAction("never-seen")
	assert.Equal(t, Actions[0], action)
}

func TestAgentEpsilonDecaysToFloor(t *testing.T) {
	a := NewAgent(testAgentConfig())
	for i := 0; i < 5000; i++ {
		a.SelectAction("s")
	}
	assert.InDelta(t, 0.01, a.Epsilon(), 1e-9)
}

func TestAgentRehydrateRebuildsTableWithoutDecay(t *testing.T) {
	a := NewAgent(testAgentConfig())
	exps := make([]Experience, 0, 50)
	for i := 0; i < 50; i++ {
		exps = append(exps, Experience{
			StateKey: "s", Action: "redistribute_load", Reward: 1.5,
			NextStateKey: "t", Timestamp: time.Now(),
		})
	}
	a.Rehydrate(exps)

	assert.Greater(t, a.QValue("s", "redistribute_load"), 0.3)
	assert.InDelta(t, 0.1, a.Epsilon(), 1e-9)
	assert.Equal(t, 50, a.ReplayDepth())
	assert.True(t, a.Seen("s"))
}

func TestAgentReplayNeedsFullBatch(t *testing.T) {
	a := NewAgent(testAgentConfig())
	a.Update(Experience{StateKey: "s", Action: "no_action", Reward: 1})
	assert.Zero(t, a.ReplayStep())

	for i := 0; i < 4; i++ {
		a.Update(Experience{StateKey: "s", Action: "no_action", Reward: 1})
	}
	require.Equal(t, 4, a.ReplayStep())
}

func TestAgentTerminalUpdateIgnoresNextState(t *testing.T) {
	a := NewAgent(testAgentConfig())
	// Prime the next state with a large value.
	for i := 0; i < 300; i++ {
		a.Update(Experience{StateKey: "next", Action: "scale_up_cpu", Reward: 10, NextStateKey: "other"})
	}
	a.Update(Experience{StateKey: "s", Action: "no_action", Reward: 1, NextStateKey: "next", Terminal: true})
	assert.InDelta(t, 0.01, a.QValue("s", "no_action"), 1e-9)
}
