// Package core constructs and wires every subsystem: router, store, intent
// graph, telemetry, predictor, policy, and the external connectors. One
// Core owns the full lifecycle from rehydration to drained shutdown.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/omnimesh/fabric-core/internal/config"
	"github.com/omnimesh/fabric-core/internal/connectors"
	coreerrors "github.com/omnimesh/fabric-core/internal/errors"
	"github.com/omnimesh/fabric-core/internal/events"
	"github.com/omnimesh/fabric-core/internal/ingest"
	"github.com/omnimesh/fabric-core/internal/intent"
	"github.com/omnimesh/fabric-core/internal/policy"
	"github.com/omnimesh/fabric-core/internal/predictor"
	"github.com/omnimesh/fabric-core/internal/store"
	"github.com/omnimesh/fabric-core/internal/telemetry"
)

// Core owns every long-lived task of the orchestration core.
type Core struct {
	cfg       *config.Config
	router    *events.Router
	db        *store.Store
	graph     *intent.Graph
	ingestor  *ingest.Processor
	sampler   *telemetry.Sampler
	predictor *predictor.Service
	policy    *policy.Service
	orch      *connectors.Orchestrator
	feeds     []*connectors.Feed

	// reactiveSeen rate-limits hot-telemetry predictions per node.
	reactiveSeen *coreerrors.DedupSet

	startedAt time.Time
}

const rehydrateExperienceLimit = 5000

// New builds the core: opens the store, recovers interrupted decisions,
// rehydrates the intent graph and the policy table, and wires all router
// subscriptions. Nothing runs until Run is called.
func New(cfg *config.Config) (*Core, error) {
	storeCfg := store.DefaultConfig(cfg.Storage.DataDir)
	if cfg.Storage.EvidenceRetentionDays > 0 {
		storeCfg.EvidenceRetention = time.Duration(cfg.Storage.EvidenceRetentionDays) * 24 * time.Hour
	}
	db, err := store.New(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// Decisions left executing by a crash cannot complete anymore.
	if n, err := db.FailStaleDecisions(time.Now()); err != nil {
		log.Warn().Err(err).Msg("Stale decision recovery failed")
	} else if n > 0 {
		log.Info().Int64("decisions", n).Msg("Failed decisions interrupted by previous shutdown")
	}

	router := events.NewRouter(cfg.Router.QueueSize, cfg.Router.DrainDeadline)

	graph := intent.NewGraph(intent.Config{
		LearningRate:        cfg.Graph.LearningRate,
		MaxNodes:            cfg.Graph.MaxNodes,
		ConfidenceThreshold: cfg.Graph.ConfidenceThreshold,
	}, db)
	if err := graph.Rehydrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("rehydrate intent graph: %w", err)
	}

	sampler := telemetry.NewSampler(cfg.Telemetry.SampleInterval, cfg.Telemetry.WindowSize, db, router)
	addresses := make(map[string]string)
	for _, node := range cfg.Nodes {
		if node.Type == "local" {
			sampler.AddNode(node.ID, telemetry.NewLocalCollector(node.ID))
		} else {
			sampler.AddNode(node.ID, telemetry.NewRemoteCollector(node.ID, node.Address, cfg.Connectors.RequestTimeout))
			addresses[node.ID] = node.Address
		}
		if err := db.RegisterNode(store.NodeRecord{
			ID: node.ID, Type: node.Type, Address: node.Address,
			CPUCores: node.CPUCores, MemoryBytes: node.MemoryBytes,
			GPU: node.GPU, CostPerHour: node.CostPerHour,
			RegisteredAt: time.Now(),
		}); err != nil {
			log.Warn().Err(err).Str("node", node.ID).Msg("Node registration persist failed")
		}
	}
	// Statuses set by earlier commands survive restarts.
	if recs, err := db.Nodes(); err != nil {
		log.Warn().Err(err).Msg("Node status rehydration failed")
	} else {
		for _, rec := range recs {
			if rec.Status != "" && rec.Status != telemetry.StatusActive {
				sampler.SetStatus(rec.ID, rec.Status)
			}
		}
	}

	pred := predictor.NewService(predictor.Config{
		Horizon:            time.Duration(cfg.Predictor.HorizonMinutes) * time.Minute,
		RetrainInterval:    cfg.Predictor.RetrainInterval,
		MinTrainingSamples: cfg.Predictor.MinTrainingSamples,
		TrainingTimeout:    cfg.Predictor.TrainingTimeout,
		TickInterval:       cfg.Predictor.TickInterval,
	}, sampler, graph, db, router)

	agent := policy.NewAgent(policy.AgentConfig{
		LearningRate:     cfg.Policy.LearningRate,
		DiscountFactor:   cfg.Policy.DiscountFactor,
		ExplorationRate:  cfg.Policy.ExplorationRate,
		ExplorationDecay: cfg.Policy.ExplorationDecay,
		ReplayBufferSize: cfg.Policy.ReplayBufferSize,
		ReplayBatchSize:  cfg.Policy.ReplayBatchSize,
	})
	if recs, err := db.RecentExperiences(rehydrateExperienceLimit); err != nil {
		log.Warn().Err(err).Msg("Experience rehydration failed")
	} else if len(recs) > 0 {
		exps := make([]policy.Experience, len(recs))
		for i, r := range recs {
			exps[i] = policy.Experience{
				StateKey: r.StateKey, Action: r.Action, Reward: r.Reward,
				NextStateKey: r.NextStateKey, Terminal: r.Terminal, Timestamp: r.Timestamp,
			}
		}
		agent.Rehydrate(exps)
	}

	runner := policy.NewAgentRunner(addresses, cfg.Policy.ExecutionTimeout)
	pol := policy.NewService(policy.Config{
		ExecutionTimeout: cfg.Policy.ExecutionTimeout,
		FailureCooldown:  cfg.Policy.FailureCooldown,
		ReplayInterval:   cfg.Policy.ReplayInterval,
	}, agent, db, nodeGate{sampler}, sampler, runner, router)

	c := &Core{
		cfg:          cfg,
		router:       router,
		db:           db,
		graph:        graph,
		ingestor:     ingest.NewProcessor(db, router),
		sampler:      sampler,
		predictor:    pred,
		policy:       pol,
		reactiveSeen: coreerrors.NewDedupSet(256, 5*time.Minute),
		startedAt:    time.Now(),
	}

	if url := cfg.Connectors.OrchestratorURL; url != "" {
		c.orch = connectors.NewOrchestrator(connectors.OrchestratorConfig{
			URL:           url,
			ProxyID:       cfg.Connectors.ProxyID,
			PendingBuffer: cfg.Connectors.PendingBuffer,
		}, router)
	}
	if url := cfg.Connectors.IntentFeedURL; url != "" {
		c.feeds = append(c.feeds, connectors.NewIntentFeed(url, router))
	}
	if url := cfg.Connectors.BehaviorFeedURL; url != "" {
		c.feeds = append(c.feeds, connectors.NewBehaviorFeed(url, router))
	}
	if url := cfg.Connectors.MarketFeedURL; url != "" {
		c.feeds = append(c.feeds, connectors.NewMarketFeed(url, router))
	}

	c.subscribe()
	return c, nil
}

// nodeGate gates decision execution on the node's lifecycle status and its
// rolling telemetry availability.
type nodeGate struct {
	sampler *telemetry.Sampler
}

func (g nodeGate) Active(nodeID string) bool {
	return g.sampler.NodeStatus(nodeID) == telemetry.StatusActive &&
		g.sampler.Availability(nodeID) >= 0.5
}

// Run starts every task and blocks until ctx is cancelled, then shuts down
// within the configured deadline.
func (c *Core) Run(ctx context.Context) error {
	log.Info().
		Int("nodes", len(c.cfg.Nodes)).
		Int("feeds", len(c.feeds)).
		Bool("orchestrator", c.orch != nil).
		Msg("Core starting")

	// The router outlives ctx so queued events still dispatch during the
	// drain that Stop performs.
	routerCtx, routerCancel := context.WithCancel(context.Background())
	var routerDone sync.WaitGroup
	routerDone.Add(1)
	go func() {
		defer routerDone.Done()
		c.router.Run(routerCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { c.graph.Run(gctx); return nil })
	g.Go(func() error { c.sampler.Run(gctx); return nil })
	g.Go(func() error { c.predictor.Run(gctx); return nil })
	g.Go(func() error { c.policy.Run(gctx); return nil })
	g.Go(func() error { c.reportLoop(gctx); return nil })
	if c.orch != nil {
		g.Go(func() error {
			c.orch.Run(gctx)
			return nil
		})
	}
	for _, feed := range c.feeds {
		feed := feed
		g.Go(func() error {
			feed.Run(gctx)
			return nil
		})
	}
	_ = g.Wait()

	return c.shutdown(routerCancel, &routerDone)
}

// shutdown drains the router and flushes the store, bounded by the
// shutdown deadline.
func (c *Core) shutdown(routerCancel context.CancelFunc, routerDone *sync.WaitGroup) error {
	log.Info().Dur("deadline", c.cfg.ShutdownDeadline).Msg("Core shutting down")

	done := make(chan error, 1)
	go func() {
		c.router.Stop()
		routerCancel()
		routerDone.Wait()
		done <- c.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close store: %w", err)
		}
		log.Info().Msg("Core stopped")
		return nil
	case <-time.After(c.cfg.ShutdownDeadline):
		return coreerrors.New(coreerrors.KindShutdownDeadline, "shutdown", coreerrors.ErrTimeout)
	}
}

// send forwards an outbound message when an orchestrator session is
// configured.
func (c *Core) send(msgType string, payload map[string]any) {
	if c.orch == nil {
		return
	}
	if err := c.orch.Send(msgType, payload); err != nil {
		log.Warn().Err(err).Str("type", msgType).Msg("Orchestrator send failed")
	}
}
