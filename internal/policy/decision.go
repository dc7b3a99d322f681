package policy

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	coreerrors "github.com/omnimesh/fabric-core/internal/errors"
	"github.com/omnimesh/fabric-core/internal/events"
	"github.com/omnimesh/fabric-core/internal/predictor"
	"github.com/omnimesh/fabric-core/internal/store"
	"github.com/omnimesh/fabric-core/internal/telemetry"
)

// Decision is one allocation action selected for one node.
type Decision struct {
	ID             string             `json:"id"`
	NodeID         string             `json:"node_id"`
	Action         string             `json:"action"`
	Priority       int                `json:"priority"`
	Confidence     float64            `json:"confidence"`
	EstimatedCost  float64            `json:"estimated_cost"`
	ExpectedImpact map[string]float64 `json:"expected_impact"`
	StateKey       string             `json:"-"`
	CreatedAt      time.Time          `json:"created_at"`

	approved bool
}

// Config tunes the decision manager.
type Config struct {
	ExecutionTimeout time.Duration
	FailureCooldown  time.Duration
	ReplayInterval   time.Duration
}

type decisionStore interface {
	InsertDecision(store.DecisionRecord) error
	MarkDecisionExecuting(id string, at time.Time) error
	CompleteDecision(id string, success bool, reward float64, result string, at time.Time) error
	AppendExperience(store.ExperienceRecord) error
}

type sampleSource interface {
	Latest(nodeID string) (telemetry.Sample, bool)
	Window(nodeID string) []telemetry.Sample
}

type nodeChecker interface {
	Active(nodeID string) bool
}

type publisher interface {
	Publish(events.Event) bool
}

// Runner performs the side-effecting operation for a decision.
type Runner interface {
	Execute(ctx context.Context, d *Decision) error
}

// nodeLane serializes execution per node.
type nodeLane struct {
	busy          bool
	queue         []*Decision
	cooldownUntil time.Time
}

// Service consumes predictions, creates decisions, executes them, and
// feeds rewards back into the learner.
type Service struct {
	cfg    Config
	agent  *Agent
	db     decisionStore
	nodes  nodeChecker
	sample sampleSource
	runner Runner
	router publisher

	mu      sync.Mutex
	lanes   map[string]*nodeLane
	pending map[string]struct{} // node|action pairs with a live decision

	now func() time.Time
	wg  sync.WaitGroup
}

// NewService wires the decision manager.
func NewService(cfg Config, agent *Agent, db decisionStore, nodes nodeChecker, sample sampleSource, runner Runner, router publisher) *Service {
	return &Service{
		cfg:     cfg,
		agent:   agent,
		db:      db,
		nodes:   nodes,
		sample:  sample,
		runner:  runner,
		router:  router,
		lanes:   make(map[string]*nodeLane),
		pending: make(map[string]struct{}),
		now:     time.Now,
	}
}

// Run drives the replay trainer and the lane sweeper (which picks up
// decisions whose cooldown expired). Blocks until ctx is cancelled, then
// waits for in-flight executions.
func (s *Service) Run(ctx context.Context) {
	replay := time.NewTicker(s.cfg.ReplayInterval)
	sweep := time.NewTicker(5 * time.Second)
	defer replay.Stop()
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-replay.C:
			if n := s.agent.ReplayStep(); n > 0 {
				log.Debug().Int("batch", n).Msg("Replayed experience batch")
			}
		case <-sweep.C:
			s.dispatchAll(ctx)
		}
	}
}

// HandlePrediction creates at most one decision from a forecast. Returns
// the decision, or nil when the policy chose to do nothing.
func (s *Service) HandlePrediction(ctx context.Context, p *predictor.Prediction) *Decision {
	state := s.stateFor(p.NodeID)

	var action string
	if !s.agent.Seen(state) && len(p.SuggestedActions) > 0 {
		// Cold state: let the rule table guide initial exploration.
		action = p.SuggestedActions[0].Action
	} else {
		action, _ = s.agent.SelectAction(state)
	}
	if action == "no_action" {
		return nil
	}

	return s.createDecision(ctx, p.NodeID, action, state, p.Confidence, p.Factors)
}

// CreateForAction builds and queues a decision for an explicitly requested
// action, used for orchestrator allocation requests.
func (s *Service) CreateForAction(ctx context.Context, nodeID, action string) *Decision {
	if !ValidAction(action) {
		log.Warn().Str("action", action).Msg("Rejecting unknown action")
		return nil
	}
	state := s.stateFor(nodeID)
	d := s.createDecision(ctx, nodeID, action, state, 0.5, nil)
	if d != nil {
		s.Approve(ctx, d.ID)
	}
	return d
}

func (s *Service) createDecision(ctx context.Context, nodeID, action, state string, conf float64, factors []string) *Decision {
	key := nodeID + "|" + action
	s.mu.Lock()
	if _, dup := s.pending[key]; dup {
		s.mu.Unlock()
		return nil
	}
	s.pending[key] = struct{}{}
	s.mu.Unlock()

	d := &Decision{
		ID:             ulid.Make().String(),
		NodeID:         nodeID,
		Action:         action,
		Priority:       DecisionPriority(conf, factors),
		Confidence:     conf,
		EstimatedCost:  ActionCost(action),
		ExpectedImpact: ExpectedImpact(action),
		StateKey:       state,
		CreatedAt:      s.now(),
	}
	d.approved = d.Priority >= 8

	if err := s.db.InsertDecision(store.DecisionRecord{
		ID: d.ID, NodeID: d.NodeID, Action: d.Action, Priority: d.Priority,
		Confidence: d.Confidence, Status: store.DecisionPending,
		Cost: d.EstimatedCost, CreatedAt: d.CreatedAt, Result: "{}",
	}); err != nil {
		log.Error().Err(err).Str("decision", d.ID).Msg("Decision persist failed")
	}

	s.router.Publish(events.New(events.TypeAllocationDecision, "policy", d.Priority, map[string]any{
		"status":   "created",
		"decision": d,
	}))

	s.mu.Lock()
	lane := s.lane(nodeID)
	lane.queue = append(lane.queue, d)
	s.mu.Unlock()

	if d.approved {
		s.dispatch(ctx, nodeID)
	}
	return d
}

// Approve releases a queued decision for execution, regardless of its
// creation priority.
func (s *Service) Approve(ctx context.Context, decisionID string) bool {
	s.mu.Lock()
	var nodeID string
	for id, lane := range s.lanes {
		for _, d := range lane.queue {
			if d.ID == decisionID {
				d.approved = true
				nodeID = id
			}
		}
	}
	s.mu.Unlock()
	if nodeID == "" {
		return false
	}
	s.dispatch(ctx, nodeID)
	return true
}

// DecisionPriority derives the 1-10 priority from confidence and the
// contributing factors.
func DecisionPriority(confidence float64, factors []string) int {
	p := 5
	if confidence > 0.8 {
		p += 2
	}
	for _, f := range factors {
		if strings.Contains(f, "high") {
			p += 3
			break
		}
	}
	if p < 1 {
		p = 1
	}
	if p > 10 {
		p = 10
	}
	return p
}

func (s *Service) lane(nodeID string) *nodeLane {
	l, ok := s.lanes[nodeID]
	if !ok {
		l = &nodeLane{}
		s.lanes[nodeID] = l
	}
	return l
}

func (s *Service) stateFor(nodeID string) string {
	latest, ok := s.sample.Latest(nodeID)
	if !ok {
		return StateKey(50, 50, 0, s.now().Hour())
	}
	trend := LoadTrend(s.sample.Window(nodeID))
	return StateKey(latest.CPUPct, latest.MemoryPct, trend, latest.Timestamp.Hour())
}

// dispatchAll re-checks every lane, picking up cooldown expiries.
func (s *Service) dispatchAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.lanes))
	for id := range s.lanes {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.dispatch(ctx, id)
	}
}

// dispatch starts the head-of-queue decision when the lane is free, the
// cooldown has passed, and the head has been approved. FIFO per node.
func (s *Service) dispatch(ctx context.Context, nodeID string) {
	s.mu.Lock()
	lane := s.lane(nodeID)
	if lane.busy || len(lane.queue) == 0 || s.now().Before(lane.cooldownUntil) || !lane.queue[0].approved {
		s.mu.Unlock()
		return
	}
	d := lane.queue[0]
	lane.queue = lane.queue[1:]
	lane.busy = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx, d)
	}()
}

// execute runs one decision end to end: precondition, bounded execution,
// post-check, reward, learning update, persistence, and notification.
func (s *Service) execute(ctx context.Context, d *Decision) {
	start := s.now()
	before, haveBefore := s.sample.Latest(d.NodeID)

	var execErr error
	if !s.nodes.Active(d.NodeID) {
		execErr = errNodeInactive(d.NodeID)
	} else {
		if err := s.db.MarkDecisionExecuting(d.ID, start); err != nil {
			log.Warn().Err(err).Str("decision", d.ID).Msg("Executing transition persist failed")
		}
		execCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
		execErr = s.runner.Execute(execCtx, d)
		cancel()
	}

	after, _ := s.sample.Latest(d.NodeID)
	success := execErr == nil

	acc := 0.5
	if haveBefore && len(d.ExpectedImpact) > 0 {
		acc = impactAccuracy(before, after, d.ExpectedImpact)
	}
	reward := rewardFor(success, acc, d.EstimatedCost)

	// A completed decision ends its episode, so the update must not
	// bootstrap from the follow-up state.
	nextState := StateKey(after.CPUPct, after.MemoryPct, LoadTrend(s.sample.Window(d.NodeID)), s.now().Hour())
	exp := Experience{
		StateKey:     d.StateKey,
		Action:       d.Action,
		Reward:       reward,
		NextStateKey: nextState,
		Terminal:     true,
		Timestamp:    s.now(),
	}
	s.agent.Update(exp)
	if err := s.db.AppendExperience(store.ExperienceRecord{
		StateKey: exp.StateKey, Action: exp.Action, Reward: exp.Reward,
		NextStateKey: exp.NextStateKey, Terminal: exp.Terminal, Timestamp: exp.Timestamp,
	}); err != nil {
		log.Warn().Err(err).Msg("Experience persist failed")
	}

	result := map[string]any{"impact_accuracy": acc}
	if execErr != nil {
		result["error"] = execErr.Error()
	}
	resultJSON, _ := json.Marshal(result)
	if err := s.db.CompleteDecision(d.ID, success, reward, string(resultJSON), s.now()); err != nil {
		log.Warn().Err(err).Str("decision", d.ID).Msg("Decision completion persist failed")
	}

	status := "executed"
	if !success {
		status = "failed"
		log.Warn().Err(execErr).Str("decision", d.ID).Str("action", d.Action).Str("node", d.NodeID).Msg("Decision execution failed")
	} else {
		log.Info().Str("decision", d.ID).Str("action", d.Action).Str("node", d.NodeID).
			Float64("reward", reward).Msg("Decision executed")
	}
	s.router.Publish(events.New(events.TypeAllocationDecision, "policy", d.Priority, map[string]any{
		"status":          status,
		"decision":        d,
		"reward":          reward,
		"impact_accuracy": acc,
	}))

	s.mu.Lock()
	lane := s.lane(d.NodeID)
	lane.busy = false
	if !success {
		lane.cooldownUntil = s.now().Add(s.cfg.FailureCooldown)
	}
	delete(s.pending, d.NodeID+"|"+d.Action)
	s.mu.Unlock()

	if success {
		s.dispatch(ctx, d.NodeID)
	}
}

func errNodeInactive(nodeID string) error {
	return coreerrors.New(coreerrors.KindExecutionFailure, "execute",
		coreerrors.ErrExecution).WithNode(nodeID)
}

// impactAccuracy compares the observed telemetry delta to the expected one
// per affected field and averages.
func impactAccuracy(before, after telemetry.Sample, expected map[string]float64) float64 {
	field := func(s telemetry.Sample, name string) float64 {
		switch name {
		case "cpu_pct":
			return s.CPUPct
		case "memory_pct":
			return s.MemoryPct
		case "load_score":
			return s.LoadScore
		}
		return 0
	}
	var sum float64
	var n int
	for name, want := range expected {
		got := field(after, name) - field(before, name)
		denom := want
		if denom < 0 {
			denom = -denom
		}
		if denom < 1 {
			denom = 1
		}
		miss := want - got
		if miss < 0 {
			miss = -miss
		}
		acc := 1 - miss/denom
		if acc < 0 {
			acc = 0
		}
		sum += acc
		n++
	}
	if n == 0 {
		return 0.5
	}
	return sum / float64(n)
}

// rewardFor implements the reward shaping over success, impact accuracy,
// and cost.
func rewardFor(success bool, impactAcc, cost float64) float64 {
	base := 1.0
	if !success {
		base = -1.0
	}
	costTerm := 1 - cost/100
	if costTerm < 0 {
		costTerm = 0
	}
	return base + 0.5*impactAcc + 0.3*costTerm
}

// QueueDepth reports queued decisions for a node.
func (s *Service) QueueDepth(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[nodeID]
	if !ok {
		return 0
	}
	return len(l.queue)
}

// Agent exposes the learner for reporting.
func (s *Service) Agent() *Agent { return s.agent }
