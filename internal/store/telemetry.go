package store

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// AppendSample buffers one telemetry observation for batch insertion.
// Samples are flushed when the buffer fills or on the flush ticker.
func (s *Store) AppendSample(rec SampleRecord) {
	s.bufferMu.Lock()
	s.buffer = append(s.buffer, rec)
	full := len(s.buffer) >= s.config.WriteBufferSize
	s.bufferMu.Unlock()

	if full {
		s.Flush()
	}
}

// Flush writes all buffered samples in one transaction. Synchronous so
// shutdown and tests can rely on durability after it returns.
func (s *Store) Flush() {
	s.bufferMu.Lock()
	if len(s.buffer) == 0 {
		s.bufferMu.Unlock()
		return
	}
	toWrite := make([]SampleRecord, len(s.buffer))
	copy(toWrite, s.buffer)
	s.buffer = s.buffer[:0]
	s.bufferMu.Unlock()

	s.writeSampleBatch(toWrite)
}

func (s *Store) writeSampleBatch(samples []SampleRecord) {
	tx, err := s.db.Begin()
	if err != nil {
		log.Error().Err(err).Msg("Failed to begin telemetry transaction")
		return
	}

	stmt, err := tx.Prepare(`
		INSERT INTO resource_states (node_id, cpu_pct, memory_pct, disk_pct, network_mbps, process_count, load_score, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		log.Error().Err(err).Msg("Failed to prepare telemetry insert")
		return
	}
	defer stmt.Close()

	for _, r := range samples {
		if _, err := stmt.Exec(r.NodeID, r.CPUPct, r.MemoryPct, r.DiskPct, r.NetworkMbps,
			r.ProcessCount, r.LoadScore, toEpoch(r.Timestamp)); err != nil {
			log.Warn().Err(err).Str("node", r.NodeID).Msg("Failed to insert telemetry sample")
		}
	}

	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Msg("Failed to commit telemetry batch")
		return
	}
	log.Debug().Int("count", len(samples)).Msg("Wrote telemetry batch")
}

// SamplesSince returns samples for a node from the cutoff onward in
// timestamp order. Used to seed training windows after restart.
func (s *Store) SamplesSince(nodeID string, since time.Time) ([]SampleRecord, error) {
	rows, err := s.db.Query(`
		SELECT node_id, cpu_pct, memory_pct, disk_pct, network_mbps, process_count, load_score, timestamp
		FROM resource_states
		WHERE node_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC
	`, nodeID, toEpoch(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

// RecentSamples returns the newest limit samples for a node, oldest first.
func (s *Store) RecentSamples(nodeID string, limit int) ([]SampleRecord, error) {
	rows, err := s.db.Query(`
		SELECT node_id, cpu_pct, memory_pct, disk_pct, network_mbps, process_count, load_score, timestamp
		FROM (
			SELECT * FROM resource_states
			WHERE node_id = ?
			ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp ASC
	`, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent samples: %w", err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanSamples(rows rowScanner) ([]SampleRecord, error) {
	var out []SampleRecord
	for rows.Next() {
		var r SampleRecord
		var ts float64
		if err := rows.Scan(&r.NodeID, &r.CPUPct, &r.MemoryPct, &r.DiskPct, &r.NetworkMbps,
			&r.ProcessCount, &r.LoadScore, &ts); err != nil {
			log.Warn().Err(err).Msg("Failed to scan sample row")
			continue
		}
		r.Timestamp = fromEpoch(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}
