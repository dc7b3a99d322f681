package predictor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/omnimesh/fabric-core/internal/events"
	"github.com/omnimesh/fabric-core/internal/intent"
	"github.com/omnimesh/fabric-core/internal/store"
	"github.com/omnimesh/fabric-core/internal/telemetry"
)

// Prediction is one resource forecast for one node.
type Prediction struct {
	ID               string            `json:"id"`
	NodeID           string            `json:"node_id"`
	HorizonMinutes   int               `json:"horizon_minutes"`
	CPU              float64           `json:"predicted_cpu"`
	Memory           float64           `json:"predicted_memory"`
	Load             float64           `json:"predicted_load"`
	Confidence       float64           `json:"confidence"`
	Factors          []string          `json:"contributing_factors"`
	SuggestedActions []SuggestedAction `json:"suggested_actions"`
	Basis            string            `json:"basis"`
	CreatedAt        time.Time         `json:"created_at"`
	PredictedFor     time.Time         `json:"predicted_for"`
}

// SuggestedAction pairs an action with its urgency band.
type SuggestedAction struct {
	Action   string `json:"action"`
	Priority string `json:"priority"`
}

// Prediction bases.
const (
	BasisModel   = "model"
	BasisTrend   = "trend"
	BasisDefault = "default"
)

// Config tunes the predictor service.
type Config struct {
	Horizon            time.Duration
	RetrainInterval    time.Duration
	MinTrainingSamples int
	TrainingTimeout    time.Duration
	TickInterval       time.Duration
}

type windowSource interface {
	Window(nodeID string) []telemetry.Sample
	NodeIDs() []string
}

type intentSource interface {
	Predict(contextTokens []string) []intent.Prediction
}

type predictionStore interface {
	InsertPrediction(store.PredictionRecord) error
	SamplesSince(nodeID string, since time.Time) ([]store.SampleRecord, error)
	DuePredictions(now time.Time) ([]store.PredictionRecord, error)
	SetPredictionOutcome(id string, actualCPU, absError float64) error
	PredictionAccuracy(since time.Time) (float64, int, error)
}

type publisher interface {
	Publish(events.Event) bool
}

// Service produces forecasts each tick and retrains per-node models in the
// background.
type Service struct {
	cfg     Config
	windows windowSource
	intents intentSource
	db      predictionStore
	router  publisher

	mu        sync.Mutex
	models    map[string]*model
	lastTrain map[string]time.Time

	now func() time.Time
}

// NewService wires the predictor to its inputs.
func NewService(cfg Config, windows windowSource, intents intentSource, db predictionStore, router publisher) *Service {
	return &Service{
		cfg:       cfg,
		windows:   windows,
		intents:   intents,
		db:        db,
		router:    router,
		models:    make(map[string]*model),
		lastTrain: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Run drives the periodic tick, retraining, and outcome backfill loops.
func (s *Service) Run(ctx context.Context) {
	tick := time.NewTicker(s.cfg.TickInterval)
	retrain := time.NewTicker(time.Minute)
	backfill := time.NewTicker(5 * time.Minute)
	defer tick.Stop()
	defer retrain.Stop()
	defer backfill.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.Tick(ctx, s.cfg.Horizon, 5)
		case <-retrain.C:
			s.maybeRetrain(ctx)
		case <-backfill.C:
			s.backfillOutcomes()
		}
	}
}

// Tick forecasts every node once and publishes the results.
func (s *Service) Tick(ctx context.Context, horizon time.Duration, priority int) []*Prediction {
	var out []*Prediction
	for _, nodeID := range s.windows.NodeIDs() {
		select {
		case <-ctx.Done():
			return out
		default:
		}
		p := s.Predict(nodeID, horizon)
		s.persistAndPublish(p, priority)
		out = append(out, p)
	}
	return out
}

// PredictUrgent forecasts one node on a shortened horizon, publishing at
// pre-empting priority. Used for alerts, anomalies, and hot telemetry.
func (s *Service) PredictUrgent(nodeID string, horizon time.Duration, extraFactors ...string) *Prediction {
	p := s.Predict(nodeID, horizon)
	p.Factors = append(p.Factors, extraFactors...)
	s.persistAndPublish(p, 9)
	return p
}

// Predict builds one forecast without publishing it.
func (s *Service) Predict(nodeID string, horizon time.Duration) *Prediction {
	now := s.now()
	window := s.windows.Window(nodeID)
	p := &Prediction{
		ID:             ulid.Make().String(),
		NodeID:         nodeID,
		HorizonMinutes: int(horizon.Minutes()),
		CreatedAt:      now,
		PredictedFor:   now.Add(horizon),
	}

	if len(window) == 0 {
		p.CPU, p.Memory, p.Load = 50, 40, 45
		p.Confidence = 0.3
		p.Factors = []string{"insufficient_data"}
		p.Basis = BasisDefault
		return p
	}

	intents := s.intents.Predict(nil)
	feats := Features(window, now, intents)

	s.mu.Lock()
	m := s.models[nodeID]
	trained := m != nil && m.trained
	s.mu.Unlock()

	if trained {
		p.CPU = m.predict(feats)
		p.Basis = BasisModel
	} else {
		p.CPU = extrapolate(window, func(smp telemetry.Sample) float64 { return smp.CPUPct }, horizon)
		p.Basis = BasisTrend
	}
	p.Memory = extrapolate(window, func(smp telemetry.Sample) float64 { return smp.MemoryPct }, horizon)
	p.Load = extrapolate(window, func(smp telemetry.Sample) float64 { return smp.LoadScore }, horizon)

	confs := make([]float64, len(intents))
	for i, ip := range intents {
		confs[i] = ip.Confidence
	}
	p.Confidence = confidence(len(window), confs, len(feats), cpuVariance(window))
	p.Factors = factors(p, window, intents, now)
	p.SuggestedActions = SuggestedActions(p.CPU, p.Memory, p.Load, p.Confidence)
	return p
}

func (s *Service) persistAndPublish(p *Prediction, priority int) {
	factorsJSON, _ := json.Marshal(p.Factors)
	rec := store.PredictionRecord{
		ID:              p.ID,
		NodeID:          p.NodeID,
		HorizonMinutes:  p.HorizonMinutes,
		PredictedCPU:    p.CPU,
		PredictedMemory: p.Memory,
		PredictedLoad:   p.Load,
		Confidence:      p.Confidence,
		Factors:         string(factorsJSON),
		Basis:           p.Basis,
		CreatedAt:       p.CreatedAt,
		PredictedFor:    p.PredictedFor,
	}
	if err := s.db.InsertPrediction(rec); err != nil {
		log.Error().Err(err).Str("node", p.NodeID).Msg("Prediction persist failed")
	}
	s.router.Publish(events.New(events.TypeResourcePrediction, "predictor", priority, map[string]any{
		"prediction": p,
	}))
}

// FromEvent unwraps a prediction carried on a router event.
func FromEvent(ev events.Event) (*Prediction, bool) {
	p, ok := ev.Payload["prediction"].(*Prediction)
	return p, ok
}

// maybeRetrain launches training for nodes whose model is stale or
// missing, bounded by a small worker pool since training is CPU-bound.
func (s *Service) maybeRetrain(ctx context.Context) {
	now := s.now()
	var due []string
	s.mu.Lock()
	for _, nodeID := range s.windows.NodeIDs() {
		last, ok := s.lastTrain[nodeID]
		if !ok || now.Sub(last) >= s.cfg.RetrainInterval {
			due = append(due, nodeID)
		}
	}
	s.mu.Unlock()
	if len(due) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for _, nodeID := range due {
		nodeID := nodeID
		g.Go(func() error {
			s.TrainNode(gctx, nodeID)
			return nil
		})
	}
	g.Wait()
}

// TrainNode retrains one node's model from persisted history, falling back
// to the in-memory window. No-op when history is below the minimum.
func (s *Service) TrainNode(ctx context.Context, nodeID string) {
	history := s.trainingHistory(nodeID)
	if len(history) < s.cfg.MinTrainingSamples {
		log.Debug().Str("node", nodeID).Int("samples", len(history)).Msg("Not enough history to train")
		return
	}

	tctx, cancel := context.WithTimeout(ctx, s.cfg.TrainingTimeout)
	defer cancel()

	m := &model{}
	start := s.now()
	if err := m.train(tctx, history); err != nil {
		log.Warn().Err(err).Str("node", nodeID).Msg("Model training failed")
		return
	}

	s.mu.Lock()
	s.models[nodeID] = m
	s.lastTrain[nodeID] = s.now()
	s.mu.Unlock()

	log.Info().
		Str("node", nodeID).
		Int("examples", m.samples).
		Dur("took", s.now().Sub(start)).
		Msg("Model retrained")
}

// RetrainAll forces immediate retraining of every node, used by the
// retrain_models orchestrator command.
func (s *Service) RetrainAll(ctx context.Context) {
	s.mu.Lock()
	s.lastTrain = make(map[string]time.Time)
	s.mu.Unlock()
	s.maybeRetrain(ctx)
}

// trainingHistory prefers persisted samples over the in-memory window so a
// restart does not reset the model's horizon.
func (s *Service) trainingHistory(nodeID string) []telemetry.Sample {
	recs, err := s.db.SamplesSince(nodeID, s.now().Add(-7*24*time.Hour))
	if err != nil || len(recs) == 0 {
		return s.windows.Window(nodeID)
	}
	out := make([]telemetry.Sample, len(recs))
	for i, r := range recs {
		out[i] = telemetry.Sample{
			NodeID:       r.NodeID,
			CPUPct:       r.CPUPct,
			MemoryPct:    r.MemoryPct,
			DiskPct:      r.DiskPct,
			NetworkMbps:  r.NetworkMbps,
			ProcessCount: r.ProcessCount,
			LoadScore:    r.LoadScore,
			Timestamp:    r.Timestamp,
		}
	}
	return out
}

// backfillOutcomes scores predictions whose horizon has elapsed against
// the sample closest to their target time.
func (s *Service) backfillOutcomes() {
	now := s.now()
	due, err := s.db.DuePredictions(now)
	if err != nil {
		log.Error().Err(err).Msg("Due prediction query failed")
		return
	}
	for _, rec := range due {
		samples, err := s.db.SamplesSince(rec.NodeID, rec.PredictedFor.Add(-2*time.Minute))
		if err != nil || len(samples) == 0 {
			continue
		}
		actual, ok := nearestCPU(samples, rec.PredictedFor)
		if !ok {
			continue
		}
		absErr := rec.PredictedCPU - actual
		if absErr < 0 {
			absErr = -absErr
		}
		if err := s.db.SetPredictionOutcome(rec.ID, actual, absErr); err != nil {
			log.Warn().Err(err).Str("prediction", rec.ID).Msg("Outcome backfill failed")
		}
	}
}

// nearestCPU picks the sample closest to the target, within a 5 minute
// tolerance.
func nearestCPU(samples []store.SampleRecord, target time.Time) (float64, bool) {
	best := -1
	var bestDiff time.Duration
	for i, smp := range samples {
		diff := smp.Timestamp.Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if best == -1 || diff < bestDiff {
			best = i
			bestDiff = diff
		}
	}
	if best == -1 || bestDiff > 5*time.Minute {
		return 0, false
	}
	return samples[best].CPUPct, true
}

// Accuracy reports mean absolute error over the window.
func (s *Service) Accuracy(since time.Time) (float64, int) {
	mae, n, err := s.db.PredictionAccuracy(since)
	if err != nil {
		log.Warn().Err(err).Msg("Accuracy query failed")
		return 0, 0
	}
	return mae, n
}

// TrainedNodes reports which nodes currently have a live model.
func (s *Service) TrainedNodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, m := range s.models {
		if m.trained {
			out = append(out, id)
		}
	}
	return out
}

// factors derives the contributing-factor tags from the forecast and its
// inputs.
func factors(p *Prediction, window []telemetry.Sample, intents []intent.Prediction, now time.Time) []string {
	var tags []string
	cpuSlope := hourlySlope(window, func(smp telemetry.Sample) float64 { return smp.CPUPct })
	switch {
	case cpuSlope > 5:
		tags = append(tags, "increasing_cpu_demand")
	case cpuSlope < -5:
		tags = append(tags, "decreasing_cpu_demand")
	}
	memSlope := hourlySlope(window, func(smp telemetry.Sample) float64 { return smp.MemoryPct })
	if memSlope > 3 {
		tags = append(tags, "memory_pressure_increasing")
	}

	if len(window) > 0 {
		recent := window[len(window)-1]
		if recent.CPUPct > 80 {
			tags = append(tags, "high_cpu_utilization")
		}
		if recent.MemoryPct > 85 {
			tags = append(tags, "high_memory_utilization")
		}
		if recent.LoadScore > 80 {
			tags = append(tags, "system_overload")
		}
	}

	for _, ip := range intents {
		switch ip.IntentType {
		case "intensive_computing":
			tags = append(tags, "predicted_intensive_computing")
		case "file_operation":
			tags = append(tags, "predicted_file_operations")
		}
	}

	hour := now.Hour()
	if hour >= 9 && hour < 18 {
		tags = append(tags, "business_hours")
	} else if hour >= 22 || hour <= 6 {
		tags = append(tags, "low_activity_period")
	}

	if len(tags) == 0 {
		tags = append(tags, "stable_usage")
	}
	return tags
}

// SuggestedActions applies the fixed rule table over a predicted vector.
func SuggestedActions(cpu, memory, load, conf float64) []SuggestedAction {
	var out []SuggestedAction
	if cpu > 85 && conf >= 0.7 {
		out = append(out, SuggestedAction{Action: "scale_up_cpu", Priority: "high"})
	}
	if memory > 90 && conf >= 0.7 {
		out = append(out, SuggestedAction{Action: "scale_up_memory", Priority: "high"})
	}
	if load > 80 && conf >= 0.6 {
		out = append(out, SuggestedAction{Action: "redistribute_load", Priority: "medium"})
	}
	if cpu < 20 && memory < 30 && conf >= 0.8 {
		out = append(out,
			SuggestedAction{Action: "scale_down_cpu", Priority: "low"},
			SuggestedAction{Action: "scale_down_memory", Priority: "low"})
	}
	if load > 60 && conf >= 0.7 {
		out = append(out, SuggestedAction{Action: "optimize_processes", Priority: "medium"})
	}
	return out
}
