// Package ingest normalizes raw behavior observations into intent signals
// and anonymized evidence records. No raw sensitive string survives past
// this package; only stable digests are stored or forwarded.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	coreerrors "github.com/omnimesh/fabric-core/internal/errors"
	"github.com/omnimesh/fabric-core/internal/events"
	"github.com/omnimesh/fabric-core/internal/intent"
	"github.com/omnimesh/fabric-core/internal/store"
)

// evidenceStore is the slice of persistence ingest writes through. The bool
// result reports whether the record was new.
type evidenceStore interface {
	InsertEvidence(store.EvidenceRecord) (bool, error)
}

type publisher interface {
	Publish(events.Event) bool
}

// Processor turns behavior events into signals and evidence.
type Processor struct {
	db     evidenceStore
	router publisher
	seen   *coreerrors.DedupSet
	now    func() time.Time
}

// NewProcessor builds an ingest processor. The in-memory dedup window
// short-circuits recent (timestamp, hash) replays; the evidence table's
// primary key catches the ones that outlive it.
func NewProcessor(db evidenceStore, router publisher) *Processor {
	return &Processor{
		db:     db,
		router: router,
		seen:   coreerrors.NewDedupSet(10000, time.Hour),
		now:    time.Now,
	}
}

// Digest returns the stable 16-hex-digit anonymization of a sensitive
// string.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// AnonymizePath keeps directory structure but digests the leaf name, the
// component most likely to carry user-identifying content.
func AnonymizePath(p string) string {
	if p == "" {
		return ""
	}
	sep := "/"
	if !strings.Contains(p, "/") && strings.Contains(p, "\\") {
		sep = "\\"
	}
	parts := strings.Split(p, sep)
	leaf := parts[len(parts)-1]
	if leaf == "" {
		return p
	}
	parts[len(parts)-1] = Digest(leaf)
	return strings.Join(parts, sep)
}

// Handle consumes one behavior observation event. Malformed payloads are
// dropped; duplicates are suppressed.
func (p *Processor) Handle(ev events.Event) {
	signals, features, ok := extract(ev)
	if !ok {
		log.Debug().Str("type", string(ev.Type)).Msg("Dropping observation with no extractable signal")
		return
	}

	featJSON, err := json.Marshal(features)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping unencodable observation features")
		return
	}
	hash := Digest(string(featJSON))

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}
	dedupKey := fmt.Sprintf("%d:%s", ts.Unix(), hash)
	if p.seen.Seen(dedupKey) {
		log.Debug().Str("hash", hash).Msg("Dropping duplicate observation")
		return
	}

	evidenceID := Digest(dedupKey)
	rec := store.EvidenceRecord{
		ID:             evidenceID,
		EvidenceType:   string(ev.Type),
		AnonymizedHash: hash,
		Features:       string(featJSON),
		Source:         ev.Source,
		Timestamp:      ts,
	}
	inserted, err := p.db.InsertEvidence(rec)
	if err != nil {
		log.Error().Err(err).Str("evidence", evidenceID).Msg("Evidence persist failed")
	} else if !inserted {
		// The store already holds this evidence id: a replay that outlived
		// the in-memory dedup window. It must not update the graph again.
		log.Debug().Str("evidence", evidenceID).Msg("Dropping replayed observation")
		return
	}

	for i := range signals {
		signals[i].Timestamp = ts
	}
	p.router.Publish(events.New(events.TypeBehaviorIngested, "ingest", ev.Priority, map[string]any{
		"evidence_id": evidenceID,
		"signals":     signals,
	}))
}

// Signals unwraps the signal list from a behavior_ingested event payload.
func Signals(ev events.Event) []intent.Signal {
	sigs, _ := ev.Payload["signals"].([]intent.Signal)
	return sigs
}

// extract applies the fixed observation-to-signal mapping. The returned
// feature map contains only anonymized values.
func extract(ev events.Event) ([]intent.Signal, map[string]any, bool) {
	switch ev.Type {
	case events.TypeBehaviorObservation:
		return extractComposite(ev.Payload)

	case events.TypeFileAccess:
		fileType, ok := ev.String("file_type")
		if !ok || fileType == "" {
			return nil, nil, false
		}
		features := map[string]any{"file_type": fileType}
		if path, ok := ev.String("path"); ok {
			features["path"] = AnonymizePath(path)
		}
		return []intent.Signal{{
			IntentType:  "file_operation",
			Description: fmt.Sprintf("access_%s_file", fileType),
			Strength:    0.7,
			Prior:       0.6,
		}}, features, true

	case events.TypeAppFocus:
		category, ok := ev.String("category")
		if !ok || category == "" {
			return nil, nil, false
		}
		features := map[string]any{"category": category}
		if app, ok := ev.String("app_name"); ok {
			features["app"] = Digest(app)
		}
		return []intent.Signal{{
			IntentType:  "application_usage",
			Description: fmt.Sprintf("use_%s_application", category),
			Strength:    0.8,
			Prior:       0.7,
		}}, features, true

	case events.TypeSystemActivity:
		category, ok := ev.String("process_category")
		if !ok || category == "" {
			return nil, nil, false
		}
		cpu, ok := ev.Float("cpu_pct")
		if !ok {
			return nil, nil, false
		}
		features := map[string]any{"process_category": category, "cpu_pct": cpu}
		if cpu <= 50 {
			// Below the intensity threshold the observation is still
			// persisted but carries no intent signal.
			return nil, features, true
		}
		strength := cpu / 100
		if strength > 1 {
			strength = 1
		}
		return []intent.Signal{{
			IntentType:  "intensive_computing",
			Description: fmt.Sprintf("high_cpu_%s", category),
			Strength:    strength,
			Prior:       0.5,
		}}, features, true

	case events.TypeNetwork:
		level, ok := ev.String("level")
		if !ok || level == "" {
			return nil, nil, false
		}
		return []intent.Signal{{
			IntentType:  "network_operation",
			Description: fmt.Sprintf("network_%s_activity", level),
			Strength:    0.6,
			Prior:       0.4,
		}}, map[string]any{"level": level}, true

	case events.TypeLocation:
		loc, ok := ev.String("location")
		if !ok || loc == "" {
			return nil, nil, false
		}
		anon := Digest(loc)
		return []intent.Signal{{
			IntentType:  "location_based_activity",
			Description: fmt.Sprintf("activity_at_%s", anon),
			Strength:    0.5,
			Prior:       0.3,
		}}, map[string]any{"location": anon}, true
	}
	return nil, nil, false
}

// extractComposite walks the sections of a multi-part monitor report. Each
// present section contributes its signal independently; a report whose
// sections are all below their signal thresholds still persists as evidence.
func extractComposite(payload map[string]any) ([]intent.Signal, map[string]any, bool) {
	var signals []intent.Signal
	features := map[string]any{}

	if sec, ok := payload["file_access"].(map[string]any); ok {
		fileType := sectionString(sec, "type")
		if fileType == "" {
			fileType = sectionString(sec, "file_type")
		}
		if fileType != "" {
			feat := map[string]any{"file_type": fileType}
			if path := sectionString(sec, "path"); path != "" {
				feat["path"] = AnonymizePath(path)
			}
			features["file_access"] = feat
			signals = append(signals, intent.Signal{
				IntentType:  "file_operation",
				Description: fmt.Sprintf("access_%s_file", fileType),
				Strength:    0.7,
				Prior:       0.6,
			})
		}
	}

	sec, ok := payload["app_focus"].(map[string]any)
	if !ok {
		sec, ok = payload["application_focus"].(map[string]any)
	}
	if ok {
		if category := sectionString(sec, "category"); category != "" {
			feat := map[string]any{"category": category}
			if app := sectionString(sec, "app_name"); app != "" {
				feat["app"] = Digest(app)
			}
			features["app_focus"] = feat
			signals = append(signals, intent.Signal{
				IntentType:  "application_usage",
				Description: fmt.Sprintf("use_%s_application", category),
				Strength:    0.8,
				Prior:       0.7,
			})
		}
	}

	if sec, ok := payload["system_activity"].(map[string]any); ok {
		category := sectionString(sec, "process_category")
		cpu, haveCPU := sectionFloat(sec, "cpu_percent")
		if !haveCPU {
			if usage, ok := sec["resource_usage"].(map[string]any); ok {
				cpu, haveCPU = sectionFloat(usage, "cpu_percent")
			}
		}
		if category != "" && haveCPU {
			features["system_activity"] = map[string]any{
				"process_category": category,
				"cpu_pct":          cpu,
			}
			if cpu > 50 {
				strength := cpu / 100
				if strength > 1 {
					strength = 1
				}
				signals = append(signals, intent.Signal{
					IntentType:  "intensive_computing",
					Description: fmt.Sprintf("high_cpu_%s", category),
					Strength:    strength,
					Prior:       0.5,
				})
			}
		}
	}

	if sec, ok := payload["network_activity"].(map[string]any); ok {
		if level := sectionString(sec, "level"); level != "" {
			features["network_activity"] = map[string]any{"level": level}
			signals = append(signals, intent.Signal{
				IntentType:  "network_operation",
				Description: fmt.Sprintf("network_%s_activity", level),
				Strength:    0.6,
				Prior:       0.4,
			})
		}
	}

	if loc, ok := payload["location_context"].(string); ok && loc != "" {
		anon := Digest(loc)
		features["location"] = anon
		signals = append(signals, intent.Signal{
			IntentType:  "location_based_activity",
			Description: fmt.Sprintf("activity_at_%s", anon),
			Strength:    0.5,
			Prior:       0.3,
		})
	}

	if len(features) == 0 {
		return nil, nil, false
	}
	return signals, features, true
}

func sectionString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func sectionFloat(m map[string]any, key string) (float64, bool) {
	switch n := m[key].(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
