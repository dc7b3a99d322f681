// Package intent maintains the probabilistic intent graph: online Bayesian
// posteriors over user intents and the conditional edges linking them.
// All mutations flow through a single writer loop so node and edge updates
// are linearizable; queries read a lock-protected snapshot.
package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omnimesh/fabric-core/internal/store"
)

// Node is one intent hypothesis with its running posterior.
type Node struct {
	ID            string
	IntentType    string
	Description   string
	Posterior     float64
	Confidence    float64
	EvidenceCount int
	CreatedAt     time.Time
	LastUpdated   time.Time
}

// Edge is a directed conditional dependency between two nodes.
type Edge struct {
	Source                 string
	Target                 string
	ConditionalProbability float64
	Strength               float64
	EvidenceCount          int
	LastUpdated            time.Time
}

// Signal is one extracted intent observation feeding the graph.
type Signal struct {
	IntentType  string
	Description string
	Strength    float64
	Prior       float64
	Timestamp   time.Time
}

// Config tunes the graph.
type Config struct {
	LearningRate        float64
	MaxNodes            int
	ConfidenceThreshold float64
}

// graphStore is the slice of the persistence layer the graph writes through.
type graphStore interface {
	UpsertIntentNode(store.IntentNodeRecord) error
	UpsertIntentEdge(store.IntentEdgeRecord) error
	DeleteIntentNodes(ids []string) error
	DeleteIntentEdge(source, target string) error
	LoadIntentGraph() ([]store.IntentNodeRecord, []store.IntentEdgeRecord, error)
}

// activityGroup is one batch of node activations observed together.
type activityGroup struct {
	nodeIDs   []string
	timestamp time.Time
}

// Graph owns the intent nodes and edges.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	edges map[string]map[string]*Edge // source -> target

	// Rolling window of recent activation groups for co-occurrence edges.
	recent []activityGroup

	cfg   Config
	db    graphStore
	ops   chan func()
	now   func() time.Time
	ready chan struct{}

	stopOnce sync.Once
	doneCh   chan struct{}
}

const recentWindow = 5

// NewGraph builds an empty graph. Call Rehydrate before Run to restore
// persisted state.
func NewGraph(cfg Config, db graphStore) *Graph {
	return &Graph{
		nodes:  make(map[string]*Node),
		edges:  make(map[string]map[string]*Edge),
		cfg:    cfg,
		db:     db,
		ops:    make(chan func(), 256),
		now:    time.Now,
		doneCh: make(chan struct{}),
	}
}

// NodeID derives the stable node identity from the intent type and
// description.
func NodeID(intentType, description string) string {
	sum := sha256.Sum256([]byte(description))
	return fmt.Sprintf("%s_%s", intentType, hex.EncodeToString(sum[:])[:12])
}

// Rehydrate loads persisted nodes and edges into memory.
func (g *Graph) Rehydrate() error {
	nodes, edges, err := g.db.LoadIntentGraph()
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range nodes {
		g.nodes[r.ID] = &Node{
			ID:            r.ID,
			IntentType:    r.IntentType,
			Description:   r.Description,
			Posterior:     r.Posterior,
			Confidence:    r.Confidence,
			EvidenceCount: r.EvidenceCount,
			CreatedAt:     r.CreatedAt,
			LastUpdated:   r.UpdatedAt,
		}
	}
	for _, r := range edges {
		if _, ok := g.nodes[r.Source]; !ok {
			continue
		}
		if _, ok := g.nodes[r.Target]; !ok {
			continue
		}
		if g.edges[r.Source] == nil {
			g.edges[r.Source] = make(map[string]*Edge)
		}
		g.edges[r.Source][r.Target] = &Edge{
			Source:                 r.Source,
			Target:                 r.Target,
			ConditionalProbability: r.ConditionalProbability,
			Strength:               r.TemporalStrength,
			EvidenceCount:          r.CoOccurrences,
			LastUpdated:            r.UpdatedAt,
		}
	}
	log.Info().Int("nodes", len(g.nodes)).Int("edges", g.edgeCountLocked()).Msg("Intent graph rehydrated")
	return nil
}

// Observe queues a batch of signals for the writer loop. Returns false when
// the writer queue is saturated; the caller drops the batch rather than
// blocking the router.
func (g *Graph) Observe(signals []Signal) bool {
	if len(signals) == 0 {
		return true
	}
	select {
	case g.ops <- func() { g.apply(signals) }:
		return true
	default:
		log.Warn().Int("signals", len(signals)).Msg("Intent writer queue full, dropping batch")
		return false
	}
}

// Run applies queued mutations and periodically sweeps weak edges. Blocks
// until ctx is cancelled.
func (g *Graph) Run(ctx context.Context) {
	defer close(g.doneCh)
	sweep := time.NewTicker(10 * time.Minute)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-g.ops:
			fn()
		case <-sweep.C:
			g.sweepWeakEdges()
		}
	}
}

// apply runs on the writer loop only.
func (g *Graph) apply(signals []Signal) {
	g.mu.Lock()
	activated := make([]string, 0, len(signals))
	ts := g.now()
	for _, sig := range signals {
		id := g.updateNodeLocked(sig)
		activated = append(activated, id)
		if !sig.Timestamp.IsZero() {
			ts = sig.Timestamp
		}
	}
	g.updateEdgesLocked(activated, ts)
	g.recent = append(g.recent, activityGroup{nodeIDs: activated, timestamp: ts})
	if len(g.recent) > recentWindow {
		g.recent = g.recent[len(g.recent)-recentWindow:]
	}

	var pruned []string
	if len(g.nodes) >= g.cfg.MaxNodes {
		pruned = g.pruneLocked()
	}

	dirtyNodes := make([]store.IntentNodeRecord, 0, len(activated))
	for _, id := range activated {
		if n, ok := g.nodes[id]; ok {
			dirtyNodes = append(dirtyNodes, nodeRecord(n))
		}
	}
	dirtyEdges := g.edgeRecordsForLocked(activated)
	g.mu.Unlock()

	for _, rec := range dirtyNodes {
		if err := g.db.UpsertIntentNode(rec); err != nil {
			log.Error().Err(err).Str("node", rec.ID).Msg("Intent node persist failed, memory remains authoritative")
		}
	}
	for _, rec := range dirtyEdges {
		if err := g.db.UpsertIntentEdge(rec); err != nil {
			log.Error().Err(err).Str("source", rec.Source).Str("target", rec.Target).Msg("Intent edge persist failed")
		}
	}
	if len(pruned) > 0 {
		if err := g.db.DeleteIntentNodes(pruned); err != nil {
			log.Error().Err(err).Int("count", len(pruned)).Msg("Pruned node delete failed")
		}
	}
}

// updateNodeLocked creates or updates one node and returns its id.
func (g *Graph) updateNodeLocked(sig Signal) string {
	id := NodeID(sig.IntentType, sig.Description)
	now := g.now()
	n, ok := g.nodes[id]
	if !ok {
		n = &Node{
			ID:          id,
			IntentType:  sig.IntentType,
			Description: sig.Description,
			Posterior:   clamp(sig.Prior, 0.001, 0.999),
			CreatedAt:   now,
		}
		g.nodes[id] = n
	}

	prev := n.Posterior
	eta := g.cfg.LearningRate
	n.Posterior = clamp(prev*(1-eta)+sig.Strength*eta, 0.001, 0.999)
	n.EvidenceCount++
	swing := n.Posterior - prev
	if swing < 0 {
		swing = -swing
	}
	ec := float64(n.EvidenceCount)
	n.Confidence = min2(0.95, ec/(ec+10)*(1-swing))
	n.LastUpdated = now
	return id
}

// updateEdgesLocked links current activations to nodes seen in the recent
// window, strengthening co-occurrence edges.
func (g *Graph) updateEdgesLocked(current []string, ts time.Time) {
	currentSet := make(map[string]struct{}, len(current))
	for _, id := range current {
		currentSet[id] = struct{}{}
	}
	for _, group := range g.recent {
		dt := ts.Sub(group.timestamp).Seconds()
		if dt < 0 {
			dt = 0
		}
		temporal := 1 - dt/3600
		if temporal < 0.1 {
			temporal = 0.1
		}
		for _, src := range group.nodeIDs {
			if _, self := currentSet[src]; self {
				continue
			}
			srcNode, ok := g.nodes[src]
			if !ok {
				continue
			}
			for _, dst := range current {
				if src == dst {
					continue
				}
				g.strengthenEdgeLocked(srcNode, dst, temporal, ts)
			}
		}
	}
}

func (g *Graph) strengthenEdgeLocked(src *Node, dst string, temporal float64, ts time.Time) {
	if g.edges[src.ID] == nil {
		g.edges[src.ID] = make(map[string]*Edge)
	}
	e, ok := g.edges[src.ID][dst]
	if !ok {
		e = &Edge{Source: src.ID, Target: dst, Strength: temporal}
		g.edges[src.ID][dst] = e
	}
	eta := g.cfg.LearningRate
	e.Strength = clamp(e.Strength*(1-eta)+temporal*eta, 0.001, 0.999)
	e.EvidenceCount++
	prob := float64(e.EvidenceCount) / float64(src.EvidenceCount)
	if prob < 0.1 {
		prob = 0.1
	}
	if prob > 1 {
		prob = 1
	}
	e.ConditionalProbability = prob
	e.LastUpdated = ts
}

// pruneLocked removes the lowest-relevance 10% of nodes and their incident
// edges, returning the removed ids for persistent deletion.
func (g *Graph) pruneLocked() []string {
	type scored struct {
		id        string
		relevance float64
	}
	now := g.now()
	ranked := make([]scored, 0, len(g.nodes))
	for id, n := range g.nodes {
		ageDays := now.Sub(n.LastUpdated).Hours() / 24
		freshness := 1 - ageDays
		if freshness < 0.1 {
			freshness = 0.1
		}
		rel := 0.4*n.Confidence + 0.3*min2(1, float64(n.EvidenceCount)/100) + 0.3*freshness
		ranked = append(ranked, scored{id: id, relevance: rel})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].relevance < ranked[j].relevance })

	cut := len(ranked) / 10
	if cut < 1 {
		cut = 1
	}
	removed := make([]string, 0, cut)
	for _, s := range ranked[:cut] {
		delete(g.nodes, s.id)
		delete(g.edges, s.id)
		for _, targets := range g.edges {
			delete(targets, s.id)
		}
		removed = append(removed, s.id)
	}
	log.Info().Int("removed", len(removed)).Int("remaining", len(g.nodes)).Msg("Pruned low-relevance intent nodes")
	return removed
}

// sweepWeakEdges removes edges that never accumulated support.
func (g *Graph) sweepWeakEdges() {
	type key struct{ src, dst string }
	g.mu.Lock()
	var weak []key
	for src, targets := range g.edges {
		for dst, e := range targets {
			if e.Strength < 0.1 && e.EvidenceCount < 3 {
				weak = append(weak, key{src, dst})
			}
		}
	}
	for _, k := range weak {
		delete(g.edges[k.src], k.dst)
	}
	g.mu.Unlock()

	for _, k := range weak {
		if err := g.db.DeleteIntentEdge(k.src, k.dst); err != nil {
			log.Error().Err(err).Msg("Weak edge delete failed")
		}
	}
	if len(weak) > 0 {
		log.Debug().Int("removed", len(weak)).Msg("Swept weak intent edges")
	}
}

// Stats summarizes the graph for reporting.
type Stats struct {
	Nodes         int            `json:"nodes"`
	Edges         int            `json:"edges"`
	NodeTypes     map[string]int `json:"node_types"`
	MeanPosterior float64        `json:"mean_posterior"`
	HighConfNodes int            `json:"high_confidence_nodes"`
	LastUpdate    time.Time      `json:"last_update"`
}

// Snapshot returns current graph statistics.
func (g *Graph) Snapshot() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st := Stats{Nodes: len(g.nodes), Edges: g.edgeCountLocked(), NodeTypes: make(map[string]int)}
	if len(g.nodes) == 0 {
		return st
	}
	var sum float64
	for _, n := range g.nodes {
		sum += n.Posterior
		st.NodeTypes[n.IntentType]++
		if n.Confidence > g.cfg.ConfidenceThreshold {
			st.HighConfNodes++
		}
		if n.LastUpdated.After(st.LastUpdate) {
			st.LastUpdate = n.LastUpdated
		}
	}
	st.MeanPosterior = sum / float64(len(g.nodes))
	return st
}

func (g *Graph) edgeCountLocked() int {
	n := 0
	for _, targets := range g.edges {
		n += len(targets)
	}
	return n
}

func nodeRecord(n *Node) store.IntentNodeRecord {
	return store.IntentNodeRecord{
		ID:            n.ID,
		IntentType:    n.IntentType,
		Description:   n.Description,
		Posterior:     n.Posterior,
		Confidence:    n.Confidence,
		EvidenceCount: n.EvidenceCount,
		CreatedAt:     n.CreatedAt,
		UpdatedAt:     n.LastUpdated,
	}
}

func (g *Graph) edgeRecordsForLocked(nodeIDs []string) []store.IntentEdgeRecord {
	ids := make(map[string]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		ids[id] = struct{}{}
	}
	var out []store.IntentEdgeRecord
	for src, targets := range g.edges {
		for dst, e := range targets {
			_, srcHit := ids[src]
			_, dstHit := ids[dst]
			if !srcHit && !dstHit {
				continue
			}
			out = append(out, store.IntentEdgeRecord{
				Source:                 e.Source,
				Target:                 e.Target,
				ConditionalProbability: e.ConditionalProbability,
				TemporalStrength:       e.Strength,
				CoOccurrences:          e.EvidenceCount,
				UpdatedAt:              e.LastUpdated,
			})
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min2(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
