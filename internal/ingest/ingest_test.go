package ingest

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/omnimesh/fabric-core/internal/errors"
	"github.com/omnimesh/fabric-core/internal/events"
	"github.com/omnimesh/fabric-core/internal/store"
)

type fakeEvidenceStore struct {
	mu      sync.Mutex
	records []store.EvidenceRecord
}

func (f *fakeEvidenceStore) InsertEvidence(rec store.EvidenceRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ID == rec.ID {
			return false, nil
		}
	}
	f.records = append(f.records, rec)
	return true, nil
}

type fakePublisher struct {
	mu  sync.Mutex
	evs []events.Event
}

func (f *fakePublisher) Publish(ev events.Event) bool {
	f.mu.Lock()
	f.evs = append(f.evs, ev)
	f.mu.Unlock()
	return true
}

func observation(typ events.Type, payload map[string]any) events.Event {
	ev := events.New(typ, "monitor", 4, payload)
	ev.Timestamp = time.Unix(10000, 0)
	return ev
}

func TestDigestStableAndShort(t *testing.T) {
	a := Digest("/home/alice/taxes-2025.xlsx")
	b := Digest("/home/alice/taxes-2025.xlsx")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, Digest("/home/alice/taxes-2024.xlsx"))
}

func TestAnonymizePathKeepsStructure(t *testing.T) {
	anon := AnonymizePath("/home/alice/documents/report.pdf")
	parts := strings.Split(anon, "/")
	require.Len(t, parts, 5)
	assert.Equal(t, "documents", parts[3])
	assert.NotEqual(t, "report.pdf", parts[4])
	assert.Len(t, parts[4], 16)
}

func TestFileAccessSignal(t *testing.T) {
	db := &fakeEvidenceStore{}
	pub := &fakePublisher{}
	p := NewProcessor(db, pub)

	p.Handle(observation(events.TypeFileAccess, map[string]any{
		"file_type": "document",
		"path":      "/home/alice/notes.txt",
	}))

	require.Len(t, db.records, 1)
	rec := db.records[0]
	assert.Equal(t, "file_access", rec.EvidenceType)
	assert.NotContains(t, rec.Features, "notes.txt", "raw leaf name must not be persisted")
	assert.Len(t, rec.AnonymizedHash, 16)

	require.Len(t, pub.evs, 1)
	sigs := Signals(pub.evs[0])
	require.Len(t, sigs, 1)
	assert.Equal(t, "file_operation", sigs[0].IntentType)
	assert.Equal(t, "access_document_file", sigs[0].Description)
	assert.Equal(t, 0.7, sigs[0].Strength)
	assert.Equal(t, 0.6, sigs[0].Prior)
}

func TestSystemActivityThreshold(t *testing.T) {
	pub := &fakePublisher{}
	p := NewProcessor(&fakeEvidenceStore{}, pub)

	p.Handle(observation(events.TypeSystemActivity, map[string]any{
		"process_category": "compiler",
		"cpu_pct":          30.0,
	}))
	require.Len(t, pub.evs, 1)
	assert.Empty(t, Signals(pub.evs[0]), "low cpu yields evidence but no intent signal")

	ev := observation(events.TypeSystemActivity, map[string]any{
		"process_category": "compiler",
		"cpu_pct":          85.0,
	})
	ev.Timestamp = ev.Timestamp.Add(time.Minute)
	p.Handle(ev)
	require.Len(t, pub.evs, 2)
	sigs := Signals(pub.evs[1])
	require.Len(t, sigs, 1)
	assert.Equal(t, "intensive_computing", sigs[0].IntentType)
	assert.Equal(t, "high_cpu_compiler", sigs[0].Description)
	assert.InDelta(t, 0.85, sigs[0].Strength, 1e-9)
	assert.Equal(t, 0.5, sigs[0].Prior)
}

func TestSignalTable(t *testing.T) {
	tests := []struct {
		name     string
		ev       events.Event
		wantType string
		wantDesc string
		strength float64
		prior    float64
	}{
		{
			name:     "app focus",
			ev:       observation(events.TypeAppFocus, map[string]any{"category": "development"}),
			wantType: "application_usage", wantDesc: "use_development_application",
			strength: 0.8, prior: 0.7,
		},
		{
			name:     "network",
			ev:       observation(events.TypeNetwork, map[string]any{"level": "high"}),
			wantType: "network_operation", wantDesc: "network_high_activity",
			strength: 0.6, prior: 0.4,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sigs, _, ok := extract(tc.ev)
			require.True(t, ok)
			require.Len(t, sigs, 1)
			assert.Equal(t, tc.wantType, sigs[0].IntentType)
			assert.Equal(t, tc.wantDesc, sigs[0].Description)
			assert.Equal(t, tc.strength, sigs[0].Strength)
			assert.Equal(t, tc.prior, sigs[0].Prior)
		})
	}
}

func TestLocationAnonymized(t *testing.T) {
	sigs, features, ok := extract(observation(events.TypeLocation, map[string]any{"location": "home office"}))
	require.True(t, ok)
	require.Len(t, sigs, 1)
	assert.Equal(t, "location_based_activity", sigs[0].IntentType)
	assert.NotContains(t, sigs[0].Description, "home office")
	assert.NotContains(t, features["location"], "home")
}

func TestCompositeObservation(t *testing.T) {
	db := &fakeEvidenceStore{}
	pub := &fakePublisher{}
	p := NewProcessor(db, pub)

	p.Handle(observation(events.TypeBehaviorObservation, map[string]any{
		"file_access": map[string]any{"type": "document", "path": "/home/alice/draft.md"},
		"app_focus":   map[string]any{"category": "editor", "app_name": "vim"},
		"system_activity": map[string]any{
			"process_category": "development",
			"cpu_percent":      72.0,
		},
	}))

	require.Len(t, db.records, 1)
	assert.Equal(t, "behavior_observation", db.records[0].EvidenceType)
	assert.NotContains(t, db.records[0].Features, "draft.md")
	assert.NotContains(t, db.records[0].Features, "vim")

	require.Len(t, pub.evs, 1)
	sigs := Signals(pub.evs[0])
	require.Len(t, sigs, 3)
	types := make([]string, len(sigs))
	for i, s := range sigs {
		types[i] = s.IntentType
	}
	assert.ElementsMatch(t, []string{"file_operation", "application_usage", "intensive_computing"}, types)
}

func TestCompositeObservationBelowCPUThreshold(t *testing.T) {
	payload := map[string]any{
		"app_focus": map[string]any{"category": "editor"},
		"system_activity": map[string]any{
			"process_category": "development",
			"resource_usage":   map[string]any{"cpu_percent": 45.0},
		},
	}
	sigs, features, ok := extract(observation(events.TypeBehaviorObservation, payload))
	require.True(t, ok)
	require.Len(t, sigs, 1)
	assert.Equal(t, "application_usage", sigs[0].IntentType)
	assert.Contains(t, features, "system_activity", "sub-threshold activity still persists as evidence")
}

func TestDuplicateObservationDropped(t *testing.T) {
	db := &fakeEvidenceStore{}
	pub := &fakePublisher{}
	p := NewProcessor(db, pub)

	ev := observation(events.TypeFileAccess, map[string]any{"file_type": "media"})
	p.Handle(ev)
	p.Handle(ev)

	assert.Len(t, db.records, 1)
	assert.Len(t, pub.evs, 1)
}

func TestReplayOutlivingDedupWindowDropped(t *testing.T) {
	db := &fakeEvidenceStore{}
	pub := &fakePublisher{}
	p := NewProcessor(db, pub)
	// Shrink the in-memory window so the replay arrives after it expired
	// and only the stored evidence id can catch it.
	p.seen = coreerrors.NewDedupSet(10, time.Millisecond)

	ev := observation(events.TypeFileAccess, map[string]any{"file_type": "media"})
	p.Handle(ev)
	time.Sleep(5 * time.Millisecond)
	p.Handle(ev)

	assert.Len(t, db.records, 1)
	assert.Len(t, pub.evs, 1, "a replayed observation must not re-enter the graph")
}

func TestMalformedPayloadDropped(t *testing.T) {
	db := &fakeEvidenceStore{}
	pub := &fakePublisher{}
	p := NewProcessor(db, pub)

	p.Handle(observation(events.TypeFileAccess, map[string]any{}))
	p.Handle(observation(events.TypeAppFocus, nil))
	p.Handle(observation(events.TypeSystemActivity, map[string]any{"process_category": "x"}))

	assert.Empty(t, db.records)
	assert.Empty(t, pub.evs)
}
