package core

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omnimesh/fabric-core/internal/connectors"
	"github.com/omnimesh/fabric-core/internal/events"
	"github.com/omnimesh/fabric-core/internal/ingest"
	"github.com/omnimesh/fabric-core/internal/intent"
	"github.com/omnimesh/fabric-core/internal/predictor"
)

const (
	emergencyHorizon = 5 * time.Minute
	anomalyHorizon   = 10 * time.Minute
	reactiveHorizon  = 15 * time.Minute

	anomalyThreshold = 0.8
	hotCPUPct        = 80.0
	hotMemoryPct     = 85.0
)

// subscribe wires every router subscription. Called once from New.
func (c *Core) subscribe() {
	for _, t := range []events.Type{
		events.TypeBehaviorObservation,
		events.TypeFileAccess,
		events.TypeAppFocus,
		events.TypeSystemActivity,
		events.TypeNetwork,
		events.TypeLocation,
	} {
		c.router.Subscribe(t, func(_ context.Context, ev events.Event) {
			c.ingestor.Handle(ev)
		})
	}

	c.router.Subscribe(events.TypeBehaviorIngested, func(_ context.Context, ev events.Event) {
		if signals := ingest.Signals(ev); len(signals) > 0 {
			c.graph.Observe(signals)
		}
	})

	c.router.Subscribe(events.TypeResourceState, c.handleResourceState)
	c.router.Subscribe(events.TypeResourcePrediction, c.handlePrediction)
	c.router.Subscribe(events.TypeAllocationDecision, c.handleDecision)
	c.router.Subscribe(events.TypeAllocationRequest, c.handleAllocationRequest)
	c.router.Subscribe(events.TypeSystemAlert, c.handleSystemAlert)
	c.router.Subscribe(events.TypeBehaviorPattern, c.handleBehaviorPattern)
	c.router.Subscribe(events.TypeIntentPrediction, c.handleIntentPrediction)
	c.router.Subscribe(events.TypeMarketData, c.handleMarketData)
	c.router.Subscribe(events.TypeOrchestratorCommand, c.handleCommand)
	c.router.Subscribe(events.TypeRouterOverflow, func(_ context.Context, ev events.Event) {
		c.send("performance_degradation_detected", map[string]any{
			"reason":  "router_overflow",
			"details": ev.Payload,
		})
	})
}

// handleResourceState triggers a reactive prediction when a node runs hot,
// rate-limited per node so a sustained spike does not storm the predictor.
func (c *Core) handleResourceState(_ context.Context, ev events.Event) {
	nodeID, _ := ev.Payload["node_id"].(string)
	if nodeID == "" {
		return
	}
	cpu, _ := ev.Float("cpu_pct")
	mem, _ := ev.Float("memory_pct")
	if cpu <= hotCPUPct && mem <= hotMemoryPct {
		return
	}
	if c.reactiveSeen.Seen("reactive:" + nodeID) {
		return
	}
	log.Debug().Str("node", nodeID).Float64("cpu", cpu).Float64("memory", mem).
		Msg("Hot telemetry, predicting ahead of schedule")
	c.predictor.PredictUrgent(nodeID, reactiveHorizon)
}

// handlePrediction feeds forecasts into the policy.
func (c *Core) handlePrediction(ctx context.Context, ev events.Event) {
	p, ok := predictor.FromEvent(ev)
	if !ok {
		return
	}
	c.policy.HandlePrediction(ctx, p)
}

// handleDecision forwards decision lifecycle transitions to the
// orchestrator.
func (c *Core) handleDecision(_ context.Context, ev events.Event) {
	status, _ := ev.Payload["status"].(string)
	switch status {
	case "created":
		c.send("allocation_decision_created", ev.Payload)
	case "executed", "failed":
		payload := make(map[string]any, len(ev.Payload)+1)
		for k, v := range ev.Payload {
			payload[k] = v
		}
		payload["success"] = status == "executed"
		c.send("allocation_decision_executed", payload)
	}
}

// handleAllocationRequest executes an action the orchestrator asked for.
func (c *Core) handleAllocationRequest(ctx context.Context, ev events.Event) {
	nodeID, _ := ev.Payload["node_id"].(string)
	action, _ := ev.Payload["action"].(string)
	d := c.policy.CreateForAction(ctx, nodeID, action)
	payload := map[string]any{
		"node_id":  nodeID,
		"action":   action,
		"accepted": d != nil,
	}
	if d != nil {
		payload["decision_id"] = d.ID
	}
	c.send("allocation_request_completed", payload)
}

// handleSystemAlert runs the emergency path for critical alerts: immediate
// short-horizon prediction and unconditional execution of the decision.
func (c *Core) handleSystemAlert(ctx context.Context, ev events.Event) {
	severity, _ := ev.Payload["severity"].(string)
	if severity != "critical" {
		log.Info().Str("severity", severity).Msg("System alert received")
		return
	}

	targets := c.sampler.NodeIDs()
	if nodeID, _ := ev.Payload["node_id"].(string); nodeID != "" {
		targets = []string{nodeID}
	}

	var decisions []string
	for _, nodeID := range targets {
		p := c.predictor.PredictUrgent(nodeID, emergencyHorizon, "critical_system_alert")
		if d := c.policy.HandlePrediction(ctx, p); d != nil {
			c.policy.Approve(ctx, d.ID)
			decisions = append(decisions, d.ID)
		}
	}
	log.Warn().Strs("decisions", decisions).Msg("Emergency allocation completed")
	c.send("emergency_allocation_completed", map[string]any{
		"nodes":     targets,
		"decisions": decisions,
	})
}

// handleBehaviorPattern reacts to anomalous nodes from the behavior feed.
func (c *Core) handleBehaviorPattern(_ context.Context, ev events.Event) {
	patterns, _ := ev.Payload["resource_patterns"].(map[string]any)
	for nodeID, raw := range patterns {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		score, _ := node["anomaly_score"].(float64)
		if score <= anomalyThreshold {
			continue
		}
		p := c.predictor.PredictUrgent(nodeID, anomalyHorizon, "behavioral_anomaly")
		payload := map[string]any{
			"node_id":          nodeID,
			"anomaly_score":    score,
			"predicted_cpu":    p.CPU,
			"predicted_memory": p.Memory,
			"predicted_load":   p.Load,
			"confidence":       p.Confidence,
		}
		c.router.Publish(events.New(events.TypeBehavioralAnomaly, "core", 8, payload))
		c.send("behavioral_anomaly_detected", payload)
	}
}

// handleIntentPrediction folds upstream intent forecasts into the graph as
// pre-weighted signals.
func (c *Core) handleIntentPrediction(_ context.Context, ev events.Event) {
	raw, _ := ev.Payload["predictions"].([]any)
	signals := make([]intent.Signal, 0, len(raw))
	now := time.Now()
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		intentType, _ := m["intent_type"].(string)
		if intentType == "" {
			continue
		}
		strength, ok := m["probability"].(float64)
		if !ok {
			strength = 0.5
		}
		prior, ok := m["confidence"].(float64)
		if !ok {
			prior = 0.5
		}
		signals = append(signals, intent.Signal{
			IntentType:  intentType,
			Description: "upstream_" + intentType,
			Strength:    strength,
			Prior:       prior,
			Timestamp:   now,
		})
	}
	if len(signals) > 0 {
		c.graph.Observe(signals)
	}
}

// handleMarketData emits cost advisories on significant spot price moves.
func (c *Core) handleMarketData(_ context.Context, ev events.Event) {
	change, ok := ev.Payload["spot_price_change"].(float64)
	if !ok {
		return
	}
	if advisory, ok := connectors.EvaluateSpotPrice(change); ok {
		log.Info().Str("advisory", advisory).Float64("change", change).Msg("Market advisory")
		c.send(advisory, map[string]any{"spot_price_change": change})
	}
}

// handleCommand answers orchestrator control commands.
func (c *Core) handleCommand(ctx context.Context, ev events.Event) {
	command, _ := ev.Payload["command_type"].(string)
	switch command {
	case "get_summary":
		c.send("summary_response", c.Summary())
	case "health_check":
		c.send("health_check_response", c.HealthCheck())
	case "retrain_models":
		log.Info().Msg("Retraining all models on command")
		go c.predictor.RetrainAll(ctx)
	case "set_node_status":
		nodeID, _ := ev.Payload["node_id"].(string)
		status, _ := ev.Payload["status"].(string)
		accepted := c.sampler.SetStatus(nodeID, status)
		if accepted {
			if err := c.db.UpdateNodeStatus(nodeID, status); err != nil {
				log.Warn().Err(err).Str("node", nodeID).Msg("Node status persist failed")
			}
			log.Info().Str("node", nodeID).Str("status", status).Msg("Node status updated")
		} else {
			log.Warn().Str("node", nodeID).Str("status", status).Msg("Rejecting node status update")
		}
		c.send("node_status_updated", map[string]any{
			"node_id": nodeID, "status": status, "accepted": accepted,
		})
	default:
		log.Warn().Str("command", command).Msg("Unknown orchestrator command")
	}
}
