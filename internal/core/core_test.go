package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnimesh/fabric-core/internal/config"
	"github.com/omnimesh/fabric-core/internal/events"
	"github.com/omnimesh/fabric-core/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Telemetry.SampleInterval = 50 * time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestCoreStartsAndShutsDownCleanly(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	// The store must exist and hold the registered node.
	db, err := store.New(store.DefaultConfig(cfg.Storage.DataDir))
	require.NoError(t, err)
	defer db.Close()
	nodes, err := db.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "local", nodes[0].ID)
}

func TestSummaryAndHealthShape(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.db.Close()

	summary := c.Summary()
	for _, key := range []string{
		"total_nodes", "total_edges", "node_types", "average_confidence",
		"high_confidence_nodes", "recent_activity_count", "managed_nodes",
		"total_predictions", "total_decisions", "model_trained",
		"rl_experiences", "rl_exploration_rate", "recent_decision_success_rate",
	} {
		assert.Contains(t, summary, key)
	}
	assert.Equal(t, 0, summary["total_nodes"])
	assert.Equal(t, 0, summary["total_edges"])
	assert.Equal(t, 0.0, summary["last_update"], "empty graph reports no update time")

	health := c.HealthCheck()
	assert.Equal(t, "running", health["status"])
	assert.Contains(t, health, "queue_size")
	assert.Contains(t, health, "pending_decisions")
	assert.Contains(t, health, "summary")
}

func TestAllocationRequestCreatesAndExecutesDecision(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	// Let the first telemetry pass land so the state key has data.
	time.Sleep(100 * time.Millisecond)

	c.handleAllocationRequest(ctx, events.New(events.TypeAllocationRequest, "orchestrator", 8, map[string]any{
		"node_id": "local",
		"action":  "optimize_processes",
	}))

	deadline := time.Now().Add(2 * time.Second)
	var requested *store.DecisionRecord
	for time.Now().Before(deadline) {
		decisions, err := c.db.RecentDecisions(20)
		require.NoError(t, err)
		for i := range decisions {
			d := decisions[i]
			if d.Action == "optimize_processes" && d.Status == store.DecisionExecuted {
				requested = &d
			}
		}
		if requested != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotNil(t, requested, "requested decision never executed")
	assert.Equal(t, "local", requested.NodeID)
	require.NotNil(t, requested.Reward)
	assert.Positive(t, *requested.Reward)

	cancel()
	require.NoError(t, <-runDone)
}

func TestNodeStatusCommandGatesExecutionAndPersists(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.db.Close()

	gate := nodeGate{c.sampler}
	require.True(t, gate.Active("local"))

	c.handleCommand(context.Background(), events.New(events.TypeOrchestratorCommand, "orchestrator", 7, map[string]any{
		"command_type": "set_node_status",
		"node_id":      "local",
		"status":       "maintenance",
	}))
	assert.False(t, gate.Active("local"))

	nodes, err := c.db.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "maintenance", nodes[0].Status)

	// An unknown status leaves the gate untouched.
	c.handleCommand(context.Background(), events.New(events.TypeOrchestratorCommand, "orchestrator", 7, map[string]any{
		"command_type": "set_node_status",
		"node_id":      "local",
		"status":       "sleeping",
	}))
	assert.Equal(t, "maintenance", c.sampler.NodeStatus("local"))
}

func TestRejectedAllocationRequestCreatesNothing(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg)
	require.NoError(t, err)

	c.handleAllocationRequest(context.Background(), events.New(events.TypeAllocationRequest, "orchestrator", 8, map[string]any{
		"node_id": "local",
		"action":  "not_a_real_action",
	}))

	decisions, err := c.db.RecentDecisions(10)
	require.NoError(t, err)
	assert.Empty(t, decisions)
	require.NoError(t, c.db.Close())
}
