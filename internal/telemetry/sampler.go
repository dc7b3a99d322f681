package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/omnimesh/fabric-core/internal/buffer"
	"github.com/omnimesh/fabric-core/internal/events"
	"github.com/omnimesh/fabric-core/internal/store"
)

// sampleSink receives every collected sample for persistence.
type sampleSink interface {
	AppendSample(store.SampleRecord)
}

// publisher is the slice of the router the sampler needs.
type publisher interface {
	Publish(events.Event) bool
}

// concurrency budget shared by all per-node probes in one tick.
const sampleBudget = 4

// Thresholds above which a sample is published as urgent so the predictor
// reacts ahead of its regular tick.
const (
	hotCPUPct    = 80
	hotMemoryPct = 85
)

// Node lifecycle statuses. Changed only by the executor or an external
// command, never by telemetry itself.
const (
	StatusActive      = "active"
	StatusIdle        = "idle"
	StatusMaintenance = "maintenance"
	StatusOffline     = "offline"
)

// Sampler drives periodic collection across all managed nodes.
type Sampler struct {
	interval   time.Duration
	windowSize int

	mu           sync.RWMutex
	collectors   map[string]Collector
	windows      map[string]*buffer.Queue[Sample]
	availability map[string]float64
	status       map[string]string

	sink   sampleSink
	router publisher
}

// NewSampler builds a sampler with no nodes; register them with AddNode.
func NewSampler(interval time.Duration, windowSize int, sink sampleSink, router publisher) *Sampler {
	return &Sampler{
		interval:     interval,
		windowSize:   windowSize,
		collectors:   make(map[string]Collector),
		windows:      make(map[string]*buffer.Queue[Sample]),
		availability: make(map[string]float64),
		status:       make(map[string]string),
		sink:         sink,
		router:       router,
	}
}

// AddNode registers a collector for a node.
func (s *Sampler) AddNode(nodeID string, c Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collectors[nodeID] = c
	s.windows[nodeID] = buffer.New[Sample](s.windowSize)
	s.availability[nodeID] = 1.0
	s.status[nodeID] = StatusActive
}

// RemoveNode drops a node's collector and window.
func (s *Sampler) RemoveNode(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collectors, nodeID)
	delete(s.windows, nodeID)
	delete(s.availability, nodeID)
	delete(s.status, nodeID)
}

// SetStatus records a node's lifecycle status. Returns false for unknown
// nodes and for statuses outside the fixed set.
func (s *Sampler) SetStatus(nodeID, status string) bool {
	switch status {
	case StatusActive, StatusIdle, StatusMaintenance, StatusOffline:
	default:
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collectors[nodeID]; !ok {
		return false
	}
	s.status[nodeID] = status
	return true
}

// NodeStatus reports a node's lifecycle status, empty for unknown nodes.
func (s *Sampler) NodeStatus(nodeID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status[nodeID]
}

// Run samples every node each interval until ctx is cancelled. An immediate
// first pass seeds the windows.
func (s *Sampler) Run(ctx context.Context) {
	s.sampleAll(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleAll(ctx)
		}
	}
}

func (s *Sampler) sampleAll(ctx context.Context) {
	s.mu.RLock()
	targets := make(map[string]Collector, len(s.collectors))
	for id, c := range s.collectors {
		targets[id] = c
	}
	s.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sampleBudget)
	for id, c := range targets {
		id, c := id, c
		g.Go(func() error {
			s.sampleOne(gctx, id, c)
			return nil
		})
	}
	g.Wait()
}

func (s *Sampler) sampleOne(ctx context.Context, nodeID string, c Collector) {
	sample, err := c.Collect(ctx)
	if err != nil {
		s.markFailure(nodeID)
		log.Warn().Err(err).Str("node", nodeID).Msg("Telemetry sample failed")
		return
	}
	s.markSuccess(nodeID)
	s.record(sample)
}

// record stores the sample in the window, persists it, and publishes a
// resource_state event. Exposed to the window only through this path so
// (node, second) uniqueness holds.
func (s *Sampler) record(sample Sample) {
	s.mu.Lock()
	w, ok := s.windows[sample.NodeID]
	if ok {
		if last, exists := latest(w); exists && sample.Timestamp.Unix() == last.Timestamp.Unix() {
			s.mu.Unlock()
			return
		}
		w.Push(sample)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.sink.AppendSample(store.SampleRecord{
		NodeID:       sample.NodeID,
		CPUPct:       sample.CPUPct,
		MemoryPct:    sample.MemoryPct,
		DiskPct:      sample.DiskPct,
		NetworkMbps:  sample.NetworkMbps,
		ProcessCount: sample.ProcessCount,
		LoadScore:    sample.LoadScore,
		Timestamp:    sample.Timestamp,
	})

	priority := 4
	if sample.CPUPct > hotCPUPct || sample.MemoryPct > hotMemoryPct {
		priority = 8
	}
	s.router.Publish(events.New(events.TypeResourceState, "telemetry", priority, map[string]any{
		"node_id":       sample.NodeID,
		"cpu_pct":       sample.CPUPct,
		"memory_pct":    sample.MemoryPct,
		"disk_pct":      sample.DiskPct,
		"network_mbps":  sample.NetworkMbps,
		"process_count": sample.ProcessCount,
		"load_score":    sample.LoadScore,
	}))
}

func (s *Sampler) markFailure(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.availability[nodeID] *= 0.95
}

func (s *Sampler) markSuccess(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.availability[nodeID] + 0.05
	if a > 1.0 {
		a = 1.0
	}
	s.availability[nodeID] = a
}

// Window returns the node's recent samples, oldest first.
func (s *Sampler) Window(nodeID string) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[nodeID]
	if !ok {
		return nil
	}
	return w.Snapshot()
}

// Latest returns the newest sample for a node.
func (s *Sampler) Latest(nodeID string) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[nodeID]
	if !ok {
		return Sample{}, false
	}
	return latest(w)
}

// Availability reports the node's rolling availability score.
func (s *Sampler) Availability(nodeID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.availability[nodeID]
}

// NodeIDs lists nodes currently sampled.
func (s *Sampler) NodeIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.collectors))
	for id := range s.collectors {
		ids = append(ids, id)
	}
	return ids
}

func latest(w *buffer.Queue[Sample]) (Sample, bool) {
	snap := w.Snapshot()
	if len(snap) == 0 {
		return Sample{}, false
	}
	return snap[len(snap)-1], true
}
