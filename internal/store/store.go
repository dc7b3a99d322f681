// Package store provides the relational persistence layer using SQLite for
// durability across restarts. Each table has a single writer; readers never
// block writers thanks to WAL mode.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Config holds configuration for the persistence layer.
type Config struct {
	DBPath            string
	WriteBufferSize   int           // Number of samples to buffer before batch write
	FlushInterval     time.Duration // Max time between sample flushes
	EvidenceRetention time.Duration // How long to keep behavior evidence
	SampleRetention   time.Duration // How long to keep raw telemetry
}

// DefaultConfig returns sensible defaults rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DBPath:            filepath.Join(dataDir, "core.db"),
		WriteBufferSize:   100,
		FlushInterval:     5 * time.Second,
		EvidenceRetention: 30 * 24 * time.Hour,
		SampleRetention:   90 * 24 * time.Hour,
	}
}

// Store owns the SQLite database and the buffered telemetry writer.
type Store struct {
	db     *sql.DB
	config Config

	bufferMu sync.Mutex
	buffer   []SampleRecord

	deadMu   sync.Mutex
	deadPath string

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New opens (creating if needed) the database and starts the background
// flush and retention worker.
func New(config Config) (*Store, error) {
	dir := filepath.Dir(config.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", config.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:       db,
		config:   config,
		buffer:   make([]SampleRecord, 0, config.WriteBufferSize),
		deadPath: filepath.Join(dir, "dead-letter.jsonl"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	go s.backgroundWorker()

	log.Info().
		Str("path", config.DBPath).
		Int("bufferSize", config.WriteBufferSize).
		Msg("Persistence layer initialized")

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS nodes (
			node_id TEXT PRIMARY KEY,
			node_type TEXT NOT NULL,
			address TEXT NOT NULL DEFAULT '',
			cpu_cores INTEGER NOT NULL DEFAULT 0,
			memory_bytes INTEGER NOT NULL DEFAULT 0,
			gpu INTEGER NOT NULL DEFAULT 0,
			cost_per_hour REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			registered_at REAL NOT NULL
		);

		CREATE TABLE IF NOT EXISTS resource_states (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node_id TEXT NOT NULL,
			cpu_pct REAL NOT NULL,
			memory_pct REAL NOT NULL,
			disk_pct REAL NOT NULL,
			network_mbps REAL NOT NULL,
			process_count INTEGER NOT NULL,
			load_score REAL NOT NULL,
			timestamp REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_states_node ON resource_states(node_id);
		CREATE INDEX IF NOT EXISTS idx_states_time ON resource_states(timestamp);

		CREATE TABLE IF NOT EXISTS intent_nodes (
			id TEXT PRIMARY KEY,
			intent_type TEXT NOT NULL,
			description TEXT NOT NULL,
			posterior REAL NOT NULL,
			confidence REAL NOT NULL,
			evidence_count INTEGER NOT NULL,
			created_at REAL NOT NULL,
			updated_at REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_intent_type ON intent_nodes(intent_type);

		CREATE TABLE IF NOT EXISTS intent_edges (
			source TEXT NOT NULL,
			target TEXT NOT NULL,
			conditional_probability REAL NOT NULL,
			temporal_strength REAL NOT NULL,
			co_occurrences INTEGER NOT NULL,
			updated_at REAL NOT NULL,
			PRIMARY KEY (source, target)
		);

		CREATE TABLE IF NOT EXISTS intent_evidence (
			id TEXT PRIMARY KEY,
			evidence_type TEXT NOT NULL,
			anonymized_hash TEXT NOT NULL,
			features TEXT NOT NULL DEFAULT '{}',
			source TEXT NOT NULL DEFAULT '',
			timestamp REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_evidence_time ON intent_evidence(timestamp);

		CREATE TABLE IF NOT EXISTS resource_predictions (
			id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			horizon_minutes INTEGER NOT NULL,
			predicted_cpu REAL NOT NULL,
			predicted_memory REAL NOT NULL,
			predicted_load REAL NOT NULL,
			confidence REAL NOT NULL,
			factors TEXT NOT NULL DEFAULT '[]',
			basis TEXT NOT NULL DEFAULT '',
			created_at REAL NOT NULL,
			predicted_for REAL NOT NULL,
			actual_cpu REAL,
			abs_error REAL
		);
		CREATE INDEX IF NOT EXISTS idx_predictions_time ON resource_predictions(predicted_for);
		CREATE INDEX IF NOT EXISTS idx_predictions_node ON resource_predictions(node_id);

		CREATE TABLE IF NOT EXISTS allocation_decisions (
			id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			action TEXT NOT NULL,
			priority INTEGER NOT NULL,
			confidence REAL NOT NULL,
			status TEXT NOT NULL,
			cost REAL NOT NULL DEFAULT 0,
			created_at REAL NOT NULL,
			executed_at REAL,
			completed_at REAL,
			success INTEGER,
			reward REAL,
			result TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_decisions_time ON allocation_decisions(created_at);

		CREATE TABLE IF NOT EXISTS rl_experiences (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			state_key TEXT NOT NULL,
			action TEXT NOT NULL,
			reward REAL NOT NULL,
			next_state_key TEXT NOT NULL,
			terminal INTEGER NOT NULL DEFAULT 0,
			timestamp REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_experiences_time ON rl_experiences(timestamp);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	log.Debug().Msg("Schema initialized")
	return nil
}

// backgroundWorker flushes buffered samples and enforces retention.
func (s *Store) backgroundWorker() {
	defer close(s.doneCh)

	flushTicker := time.NewTicker(s.config.FlushInterval)
	retentionTicker := time.NewTicker(1 * time.Hour)
	defer flushTicker.Stop()
	defer retentionTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.Flush()
			return
		case <-flushTicker.C:
			s.Flush()
		case <-retentionTicker.C:
			s.enforceRetention()
		}
	}
}

func (s *Store) enforceRetention() {
	evidenceCutoff := toEpoch(time.Now().Add(-s.config.EvidenceRetention))
	if res, err := s.db.Exec(`DELETE FROM intent_evidence WHERE timestamp < ?`, evidenceCutoff); err != nil {
		log.Error().Err(err).Msg("Failed to prune evidence")
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Debug().Int64("removed", n).Msg("Pruned expired evidence")
	}

	sampleCutoff := toEpoch(time.Now().Add(-s.config.SampleRetention))
	if res, err := s.db.Exec(`DELETE FROM resource_states WHERE timestamp < ?`, sampleCutoff); err != nil {
		log.Error().Err(err).Msg("Failed to prune telemetry")
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Debug().Int64("removed", n).Msg("Pruned old telemetry samples")
	}
}

// Close flushes pending writes and closes the database, bounded by a 5
// second deadline so shutdown cannot hang on a wedged disk.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Timed out waiting for store worker to finish")
	}
	return s.db.Close()
}

// toEpoch converts a time to seconds since epoch with sub-second precision,
// the representation used for every timestamp column.
func toEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromEpoch(sec float64) time.Time {
	return time.Unix(0, int64(sec*1e9))
}
