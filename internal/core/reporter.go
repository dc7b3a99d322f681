package core

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	reportInterval = 60 * time.Second

	// Mean absolute prediction error, in percentage points, above which
	// the core reports degraded forecasting.
	degradedErrorThreshold = 20.0
	degradedMinSamples     = 10
)

// reportLoop publishes performance metrics every minute and flags
// forecast degradation.
func (c *Core) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.report()
		}
	}
}

func (c *Core) report() {
	since := time.Now().Add(-24 * time.Hour)
	meanErr, scored := c.predictor.Accuracy(since)

	metrics := map[string]any{
		"uptime_seconds":       time.Since(c.startedAt).Seconds(),
		"queue_depth":          c.router.QueueDepth(),
		"managed_nodes":        len(c.sampler.NodeIDs()),
		"prediction_abs_error": meanErr,
		"predictions_scored":   scored,
		"rl_exploration_rate":  c.policy.Agent().Epsilon(),
		"rl_experiences":       c.policy.Agent().ReplayDepth(),
		"rl_states":            c.policy.Agent().States(),
	}
	c.send("performance_metrics_report", metrics)

	if scored >= degradedMinSamples && meanErr > degradedErrorThreshold {
		log.Warn().Float64("mean_abs_error", meanErr).Int("scored", scored).
			Msg("Prediction accuracy degraded")
		c.send("performance_degradation_detected", map[string]any{
			"reason":          "prediction_accuracy",
			"mean_abs_error":  meanErr,
			"scored_horizons": scored,
		})
	}
}

// Summary merges graph, predictor, and policy statistics into the shape
// the orchestrator expects.
func (c *Core) Summary() map[string]any {
	stats := c.graph.Snapshot()
	since := time.Now().Add(-24 * time.Hour)

	total, executed, err := c.db.DecisionStats(since)
	if err != nil {
		log.Warn().Err(err).Msg("Decision stats query failed")
	}
	successRate := 0.0
	if total > 0 {
		successRate = float64(executed) / float64(total)
	}
	meanErr, scored := c.predictor.Accuracy(since)

	recentEvidence := 0
	if n, err := c.db.EvidenceCountSince(float64(time.Now().Add(-time.Hour).Unix())); err == nil {
		recentEvidence = n
	}

	// Zero until the graph has absorbed any evidence.
	lastUpdate := 0.0
	if !stats.LastUpdate.IsZero() {
		lastUpdate = float64(stats.LastUpdate.UnixNano()) / 1e9
	}

	return map[string]any{
		"total_nodes":                  stats.Nodes,
		"total_edges":                  stats.Edges,
		"node_types":                   stats.NodeTypes,
		"average_confidence":           stats.MeanPosterior,
		"high_confidence_nodes":        stats.HighConfNodes,
		"recent_activity_count":        recentEvidence,
		"last_update":                  lastUpdate,
		"managed_nodes":                c.sampler.NodeIDs(),
		"total_predictions":            scored,
		"prediction_abs_error":         meanErr,
		"total_decisions":              total,
		"model_trained":                c.predictor.TrainedNodes(),
		"rl_experiences":               c.policy.Agent().ReplayDepth(),
		"rl_exploration_rate":          c.policy.Agent().Epsilon(),
		"recent_decision_success_rate": successRate,
	}
}

// HealthCheck reports liveness for the orchestrator.
func (c *Core) HealthCheck() map[string]any {
	pendingDecisions := 0
	for _, nodeID := range c.sampler.NodeIDs() {
		pendingDecisions += c.policy.QueueDepth(nodeID)
	}

	payload := map[string]any{
		"status":            "running",
		"uptime_seconds":    time.Since(c.startedAt).Seconds(),
		"queue_size":        c.router.QueueDepth(),
		"pending_decisions": pendingDecisions,
		"summary":           c.Summary(),
	}
	if c.orch != nil {
		payload["orchestrator"] = c.orch.Status()
	}
	return payload
}
