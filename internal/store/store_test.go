package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.DBPath = filepath.Join(dir, "core-test.db")
	cfg.FlushInterval = time.Hour

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSampleBatchRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ts := time.Unix(1000, 0)

	s.AppendSample(SampleRecord{NodeID: "local", CPUPct: 30, MemoryPct: 40, LoadScore: 28, ProcessCount: 120, Timestamp: ts})
	s.AppendSample(SampleRecord{NodeID: "local", CPUPct: 35, MemoryPct: 41, LoadScore: 30, ProcessCount: 121, Timestamp: ts.Add(time.Second)})
	s.AppendSample(SampleRecord{NodeID: "other", CPUPct: 80, MemoryPct: 70, LoadScore: 75, ProcessCount: 300, Timestamp: ts})
	s.Flush()

	got, err := s.SamplesSince("local", ts.Add(-time.Second))
	if err != nil {
		t.Fatalf("SamplesSince returned error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if got[0].CPUPct != 30 || got[1].CPUPct != 35 {
		t.Fatalf("unexpected sample order: %+v", got)
	}

	recent, err := s.RecentSamples("local", 1)
	if err != nil {
		t.Fatalf("RecentSamples returned error: %v", err)
	}
	if len(recent) != 1 || recent[0].CPUPct != 35 {
		t.Fatalf("expected newest sample, got %+v", recent)
	}
}

func TestIntentGraphRehydration(t *testing.T) {
	s := newTestStore(t)
	now := time.Unix(2000, 0)

	node := IntentNodeRecord{
		ID: "file_operation_abc123def456", IntentType: "file_operation",
		Description: "access_report_file", Posterior: 0.62, Confidence: 0.4,
		EvidenceCount: 7, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.UpsertIntentNode(node); err != nil {
		t.Fatalf("UpsertIntentNode returned error: %v", err)
	}
	// Upsert again with a moved posterior; the row must update in place.
	node.Posterior = 0.71
	node.EvidenceCount = 8
	if err := s.UpsertIntentNode(node); err != nil {
		t.Fatalf("second UpsertIntentNode returned error: %v", err)
	}

	edge := IntentEdgeRecord{
		Source: node.ID, Target: "application_usage_feedbeef0011",
		ConditionalProbability: 0.3, TemporalStrength: 0.8, CoOccurrences: 4, UpdatedAt: now,
	}
	if err := s.UpsertIntentEdge(edge); err != nil {
		t.Fatalf("UpsertIntentEdge returned error: %v", err)
	}

	nodes, edges, err := s.LoadIntentGraph()
	if err != nil {
		t.Fatalf("LoadIntentGraph returned error: %v", err)
	}
	if len(nodes) != 1 || len(edges) != 1 {
		t.Fatalf("expected 1 node and 1 edge, got %d and %d", len(nodes), len(edges))
	}
	if nodes[0].Posterior != 0.71 || nodes[0].EvidenceCount != 8 {
		t.Fatalf("posterior not rehydrated from last persisted value: %+v", nodes[0])
	}
	if edges[0].TemporalStrength != 0.8 {
		t.Fatalf("unexpected edge: %+v", edges[0])
	}
}

func TestDeleteIntentNodesRemovesIncidentEdges(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.UpsertIntentNode(IntentNodeRecord{ID: id, IntentType: "t", Description: id, Posterior: 0.5, CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	s.UpsertIntentEdge(IntentEdgeRecord{Source: "a", Target: "b", UpdatedAt: now})
	s.UpsertIntentEdge(IntentEdgeRecord{Source: "b", Target: "c", UpdatedAt: now})
	s.UpsertIntentEdge(IntentEdgeRecord{Source: "c", Target: "a", UpdatedAt: now})

	if err := s.DeleteIntentNodes([]string{"a"}); err != nil {
		t.Fatalf("DeleteIntentNodes returned error: %v", err)
	}
	nodes, edges, err := s.LoadIntentGraph()
	if err != nil {
		t.Fatalf("LoadIntentGraph returned error: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
	if len(edges) != 1 || edges[0].Source != "b" {
		t.Fatalf("expected only b->c to survive, got %+v", edges)
	}
}

func TestPredictionOutcomeBackfill(t *testing.T) {
	s := newTestStore(t)
	created := time.Unix(3000, 0)
	due := created.Add(30 * time.Minute)

	rec := PredictionRecord{
		ID: "p1", NodeID: "local", HorizonMinutes: 30,
		PredictedCPU: 55, PredictedMemory: 42, PredictedLoad: 48,
		Confidence: 0.6, Factors: `["increasing_cpu_demand"]`, Basis: "model",
		CreatedAt: created, PredictedFor: due,
	}
	if err := s.InsertPrediction(rec); err != nil {
		t.Fatalf("InsertPrediction returned error: %v", err)
	}

	duePreds, err := s.DuePredictions(due.Add(time.Minute))
	if err != nil {
		t.Fatalf("DuePredictions returned error: %v", err)
	}
	if len(duePreds) != 1 || duePreds[0].ID != "p1" {
		t.Fatalf("expected p1 due, got %+v", duePreds)
	}

	if err := s.SetPredictionOutcome("p1", 60, 5); err != nil {
		t.Fatalf("SetPredictionOutcome returned error: %v", err)
	}
	duePreds, err = s.DuePredictions(due.Add(time.Hour))
	if err != nil {
		t.Fatalf("DuePredictions after outcome returned error: %v", err)
	}
	if len(duePreds) != 0 {
		t.Fatalf("scored prediction should no longer be due: %+v", duePreds)
	}

	mae, n, err := s.PredictionAccuracy(created.Add(-time.Hour))
	if err != nil {
		t.Fatalf("PredictionAccuracy returned error: %v", err)
	}
	if n != 1 || mae != 5 {
		t.Fatalf("expected mae 5 over 1 prediction, got %v over %d", mae, n)
	}
}

func TestDecisionLifecycle(t *testing.T) {
	s := newTestStore(t)
	now := time.Unix(4000, 0)

	rec := DecisionRecord{
		ID: "d1", NodeID: "local", Action: "scale_up_cpu", Priority: 7,
		Confidence: 0.8, Status: DecisionPending, Cost: 5, CreatedAt: now, Result: "{}",
	}
	if err := s.InsertDecision(rec); err != nil {
		t.Fatalf("InsertDecision returned error: %v", err)
	}
	if err := s.MarkDecisionExecuting("d1", now.Add(time.Second)); err != nil {
		t.Fatalf("MarkDecisionExecuting returned error: %v", err)
	}
	if err := s.CompleteDecision("d1", true, 1.4, `{"impact":"cpu_reduced"}`, now.Add(2*time.Second)); err != nil {
		t.Fatalf("CompleteDecision returned error: %v", err)
	}

	got, err := s.RecentDecisions(10)
	if err != nil {
		t.Fatalf("RecentDecisions returned error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(got))
	}
	d := got[0]
	if d.Status != DecisionExecuted || d.Success == nil || !*d.Success || d.Reward == nil || *d.Reward != 1.4 {
		t.Fatalf("unexpected terminal decision: %+v", d)
	}

	total, executed, err := s.DecisionStats(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("DecisionStats returned error: %v", err)
	}
	if total != 1 || executed != 1 {
		t.Fatalf("expected 1/1, got %d/%d", executed, total)
	}
}

func TestFailStaleDecisionsOnStartup(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	s.InsertDecision(DecisionRecord{ID: "d1", NodeID: "n", Action: "optimize_placement", Status: DecisionPending, CreatedAt: now, Result: "{}"})
	s.InsertDecision(DecisionRecord{ID: "d2", NodeID: "n", Action: "migrate_workload", Status: DecisionPending, CreatedAt: now, Result: "{}"})
	s.MarkDecisionExecuting("d2", now)

	n, err := s.FailStaleDecisions(now.Add(time.Second))
	if err != nil {
		t.Fatalf("FailStaleDecisions returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 stale decisions failed, got %d", n)
	}
	got, _ := s.RecentDecisions(10)
	for _, d := range got {
		if d.Status != DecisionFailed {
			t.Fatalf("decision %s not failed: %s", d.ID, d.Status)
		}
	}
}

func TestExperienceRehydrationOrder(t *testing.T) {
	s := newTestStore(t)
	base := time.Unix(5000, 0)
	for i := 0; i < 5; i++ {
		err := s.AppendExperience(ExperienceRecord{
			StateKey: "s", Action: "no_action", Reward: float64(i),
			NextStateKey: "s2", Terminal: i%2 == 0,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendExperience returned error: %v", err)
		}
	}

	got, err := s.RecentExperiences(3)
	if err != nil {
		t.Fatalf("RecentExperiences returned error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 experiences, got %d", len(got))
	}
	// Newest three, returned oldest first.
	if got[0].Reward != 2 || got[2].Reward != 4 {
		t.Fatalf("unexpected rehydration order: %+v", got)
	}
	if !got[0].Terminal || got[1].Terminal {
		t.Fatalf("terminal flag did not round-trip: %+v", got)
	}
}

func TestEvidenceRetention(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().Add(-40 * 24 * time.Hour)
	fresh := time.Now()

	s.InsertEvidence(EvidenceRecord{ID: "e-old", EvidenceType: "file_access", AnonymizedHash: "aaaa", Features: "{}", Timestamp: old})
	s.InsertEvidence(EvidenceRecord{ID: "e-new", EvidenceType: "file_access", AnonymizedHash: "bbbb", Features: "{}", Timestamp: fresh})

	s.enforceRetention()

	n, err := s.EvidenceCountSince(0)
	if err != nil {
		t.Fatalf("EvidenceCountSince returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected retention to keep 1 record, got %d", n)
	}
}

func TestEvidenceInsertReportsReplay(t *testing.T) {
	s := newTestStore(t)
	rec := EvidenceRecord{ID: "e-dup", EvidenceType: "file_access", AnonymizedHash: "cccc", Features: "{}", Timestamp: time.Now()}

	inserted, err := s.InsertEvidence(rec)
	if err != nil {
		t.Fatalf("InsertEvidence returned error: %v", err)
	}
	if !inserted {
		t.Fatal("first insert reported as replay")
	}

	inserted, err = s.InsertEvidence(rec)
	if err != nil {
		t.Fatalf("replayed InsertEvidence returned error: %v", err)
	}
	if inserted {
		t.Fatal("replay with an existing evidence id reported as new")
	}
}

func TestQuarantineWritesDeadLetterLine(t *testing.T) {
	s := newTestStore(t)
	s.quarantine("insert_evidence", map[string]any{"id": "x"}, os.ErrPermission)

	data, err := os.ReadFile(s.deadPath)
	if err != nil {
		t.Fatalf("dead-letter file not written: %v", err)
	}
	line := strings.TrimSpace(string(data))
	if !strings.Contains(line, `"op":"insert_evidence"`) {
		t.Fatalf("unexpected dead-letter entry: %s", line)
	}
}

func TestNodeRegistry(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	if err := s.RegisterNode(NodeRecord{ID: "gpu-box", Type: "remote-lan", Address: "10.0.0.5:9000", GPU: true, CostPerHour: 0.42, RegisteredAt: now}); err != nil {
		t.Fatalf("RegisterNode returned error: %v", err)
	}
	// Re-registering updates in place.
	if err := s.RegisterNode(NodeRecord{ID: "gpu-box", Type: "remote-lan", Address: "10.0.0.9:9000", GPU: true, RegisteredAt: now}); err != nil {
		t.Fatalf("second RegisterNode returned error: %v", err)
	}

	nodes, err := s.Nodes()
	if err != nil {
		t.Fatalf("Nodes returned error: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Address != "10.0.0.9:9000" || !nodes[0].GPU {
		t.Fatalf("unexpected nodes: %+v", nodes)
	}
	if nodes[0].Status != "active" {
		t.Fatalf("expected default active status, got %q", nodes[0].Status)
	}

	if err := s.UpdateNodeStatus("gpu-box", "maintenance"); err != nil {
		t.Fatalf("UpdateNodeStatus returned error: %v", err)
	}
	// Re-registration must not clobber an externally set status.
	if err := s.RegisterNode(NodeRecord{ID: "gpu-box", Type: "remote-lan", Address: "10.0.0.9:9000", GPU: true, RegisteredAt: now}); err != nil {
		t.Fatalf("third RegisterNode returned error: %v", err)
	}
	nodes, _ = s.Nodes()
	if len(nodes) != 1 || nodes[0].Status != "maintenance" {
		t.Fatalf("status did not survive re-registration: %+v", nodes)
	}

	if err := s.DeregisterNode("gpu-box"); err != nil {
		t.Fatalf("DeregisterNode returned error: %v", err)
	}
	nodes, _ = s.Nodes()
	if len(nodes) != 0 {
		t.Fatalf("expected empty registry, got %+v", nodes)
	}
}
