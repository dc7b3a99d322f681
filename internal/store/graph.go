package store

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// UpsertIntentNode persists one intent node, retrying and quarantining on
// failure so a sick disk never breaks the in-memory graph.
func (s *Store) UpsertIntentNode(rec IntentNodeRecord) error {
	return s.writeWithRetry("upsert_intent_node", rec, func() error {
		_, err := s.db.Exec(`
			INSERT INTO intent_nodes (id, intent_type, description, posterior, confidence, evidence_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				posterior = excluded.posterior,
				confidence = excluded.confidence,
				evidence_count = excluded.evidence_count,
				updated_at = excluded.updated_at
		`, rec.ID, rec.IntentType, rec.Description, rec.Posterior, rec.Confidence,
			rec.EvidenceCount, toEpoch(rec.CreatedAt), toEpoch(rec.UpdatedAt))
		return err
	})
}

// UpsertIntentEdge persists one directed edge.
func (s *Store) UpsertIntentEdge(rec IntentEdgeRecord) error {
	return s.writeWithRetry("upsert_intent_edge", rec, func() error {
		_, err := s.db.Exec(`
			INSERT INTO intent_edges (source, target, conditional_probability, temporal_strength, co_occurrences, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(source, target) DO UPDATE SET
				conditional_probability = excluded.conditional_probability,
				temporal_strength = excluded.temporal_strength,
				co_occurrences = excluded.co_occurrences,
				updated_at = excluded.updated_at
		`, rec.Source, rec.Target, rec.ConditionalProbability, rec.TemporalStrength,
			rec.CoOccurrences, toEpoch(rec.UpdatedAt))
		return err
	})
}

// DeleteIntentNodes removes pruned nodes and every edge touching them.
func (s *Store) DeleteIntentNodes(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.writeWithRetry("delete_intent_nodes", ids, func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM intent_nodes WHERE id IN (`+placeholders+`)`, args...); err != nil {
			tx.Rollback()
			return err
		}
		doubled := append(append([]any{}, args...), args...)
		if _, err := tx.Exec(`DELETE FROM intent_edges WHERE source IN (`+placeholders+`) OR target IN (`+placeholders+`)`, doubled...); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// DeleteIntentEdge removes one weak edge.
func (s *Store) DeleteIntentEdge(source, target string) error {
	return s.writeWithRetry("delete_intent_edge", []string{source, target}, func() error {
		_, err := s.db.Exec(`DELETE FROM intent_edges WHERE source = ? AND target = ?`, source, target)
		return err
	})
}

// InsertEvidence persists one anonymized observation. Returns false when a
// row with the same id already exists, so callers can detect replays that
// outlived any in-memory dedup window.
func (s *Store) InsertEvidence(rec EvidenceRecord) (bool, error) {
	var inserted bool
	err := s.writeWithRetry("insert_evidence", rec, func() error {
		res, err := s.db.Exec(`
			INSERT OR IGNORE INTO intent_evidence (id, evidence_type, anonymized_hash, features, source, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.EvidenceType, rec.AnonymizedHash, rec.Features, rec.Source, toEpoch(rec.Timestamp))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// LoadIntentGraph rehydrates every node and edge for startup.
func (s *Store) LoadIntentGraph() ([]IntentNodeRecord, []IntentEdgeRecord, error) {
	nodeRows, err := s.db.Query(`
		SELECT id, intent_type, description, posterior, confidence, evidence_count, created_at, updated_at
		FROM intent_nodes
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load intent nodes: %w", err)
	}
	defer nodeRows.Close()

	var nodes []IntentNodeRecord
	for nodeRows.Next() {
		var r IntentNodeRecord
		var created, updated float64
		if err := nodeRows.Scan(&r.ID, &r.IntentType, &r.Description, &r.Posterior,
			&r.Confidence, &r.EvidenceCount, &created, &updated); err != nil {
			log.Warn().Err(err).Msg("Failed to scan intent node row")
			continue
		}
		r.CreatedAt = fromEpoch(created)
		r.UpdatedAt = fromEpoch(updated)
		nodes = append(nodes, r)
	}
	if err := nodeRows.Err(); err != nil {
		return nil, nil, err
	}

	edgeRows, err := s.db.Query(`
		SELECT source, target, conditional_probability, temporal_strength, co_occurrences, updated_at
		FROM intent_edges
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load intent edges: %w", err)
	}
	defer edgeRows.Close()

	var edges []IntentEdgeRecord
	for edgeRows.Next() {
		var r IntentEdgeRecord
		var updated float64
		if err := edgeRows.Scan(&r.Source, &r.Target, &r.ConditionalProbability,
			&r.TemporalStrength, &r.CoOccurrences, &updated); err != nil {
			log.Warn().Err(err).Msg("Failed to scan intent edge row")
			continue
		}
		r.UpdatedAt = fromEpoch(updated)
		edges = append(edges, r)
	}
	return nodes, edges, edgeRows.Err()
}

// EvidenceCountSince reports how many evidence records arrived after the
// cutoff, used by the performance reporter.
func (s *Store) EvidenceCountSince(cutoff float64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM intent_evidence WHERE timestamp >= ?`, cutoff).Scan(&n)
	return n, err
}
