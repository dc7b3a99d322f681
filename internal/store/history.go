package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Decision lifecycle states.
const (
	DecisionPending   = "pending"
	DecisionExecuting = "executing"
	DecisionExecuted  = "executed"
	DecisionFailed    = "failed"
)

// InsertPrediction persists a fresh forecast.
func (s *Store) InsertPrediction(rec PredictionRecord) error {
	return s.writeWithRetry("insert_prediction", rec, func() error {
		_, err := s.db.Exec(`
			INSERT INTO resource_predictions
				(id, node_id, horizon_minutes, predicted_cpu, predicted_memory, predicted_load,
				 confidence, factors, basis, created_at, predicted_for)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.NodeID, rec.HorizonMinutes, rec.PredictedCPU, rec.PredictedMemory,
			rec.PredictedLoad, rec.Confidence, rec.Factors, rec.Basis,
			toEpoch(rec.CreatedAt), toEpoch(rec.PredictedFor))
		return err
	})
}

// DuePredictions returns forecasts whose horizon has passed but whose
// observed outcome has not yet been recorded.
func (s *Store) DuePredictions(now time.Time) ([]PredictionRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, node_id, horizon_minutes, predicted_cpu, predicted_memory, predicted_load,
		       confidence, factors, basis, created_at, predicted_for
		FROM resource_predictions
		WHERE actual_cpu IS NULL AND predicted_for <= ?
		ORDER BY predicted_for ASC
		LIMIT 500
	`, toEpoch(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query due predictions: %w", err)
	}
	defer rows.Close()

	var out []PredictionRecord
	for rows.Next() {
		var r PredictionRecord
		var created, due float64
		if err := rows.Scan(&r.ID, &r.NodeID, &r.HorizonMinutes, &r.PredictedCPU,
			&r.PredictedMemory, &r.PredictedLoad, &r.Confidence, &r.Factors,
			&r.Basis, &created, &due); err != nil {
			log.Warn().Err(err).Msg("Failed to scan prediction row")
			continue
		}
		r.CreatedAt = fromEpoch(created)
		r.PredictedFor = fromEpoch(due)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetPredictionOutcome backfills the observed value for accuracy tracking.
func (s *Store) SetPredictionOutcome(id string, actualCPU, absError float64) error {
	_, err := s.db.Exec(`
		UPDATE resource_predictions SET actual_cpu = ?, abs_error = ? WHERE id = ?
	`, actualCPU, absError, id)
	return err
}

// PredictionAccuracy returns the mean absolute error over scored
// predictions in the window, and how many were scored.
func (s *Store) PredictionAccuracy(since time.Time) (float64, int, error) {
	var mae sql.NullFloat64
	var n int
	err := s.db.QueryRow(`
		SELECT AVG(abs_error), COUNT(*) FROM resource_predictions
		WHERE abs_error IS NOT NULL AND created_at >= ?
	`, toEpoch(since)).Scan(&mae, &n)
	if err != nil {
		return 0, 0, err
	}
	return mae.Float64, n, nil
}

// InsertDecision persists a new pending decision.
func (s *Store) InsertDecision(rec DecisionRecord) error {
	return s.writeWithRetry("insert_decision", rec, func() error {
		_, err := s.db.Exec(`
			INSERT INTO allocation_decisions
				(id, node_id, action, priority, confidence, status, cost, created_at, result)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.NodeID, rec.Action, rec.Priority, rec.Confidence,
			rec.Status, rec.Cost, toEpoch(rec.CreatedAt), rec.Result)
		return err
	})
}

// MarkDecisionExecuting records the transition into execution.
func (s *Store) MarkDecisionExecuting(id string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE allocation_decisions SET status = ?, executed_at = ? WHERE id = ?
	`, DecisionExecuting, toEpoch(at), id)
	return err
}

// CompleteDecision records the terminal state and the reward that was fed
// back into the policy.
func (s *Store) CompleteDecision(id string, success bool, reward float64, result string, at time.Time) error {
	status := DecisionExecuted
	if !success {
		status = DecisionFailed
	}
	_, err := s.db.Exec(`
		UPDATE allocation_decisions
		SET status = ?, success = ?, reward = ?, result = ?, completed_at = ?
		WHERE id = ?
	`, status, boolToInt(success), reward, result, toEpoch(at), id)
	return err
}

// FailStaleDecisions marks every non-terminal decision failed. Called once
// at startup; an execution interrupted by a crash can never report back.
func (s *Store) FailStaleDecisions(at time.Time) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE allocation_decisions
		SET status = ?, success = 0, completed_at = ?
		WHERE status IN (?, ?)
	`, DecisionFailed, toEpoch(at), DecisionPending, DecisionExecuting)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecentDecisions returns the newest limit decisions, newest first.
func (s *Store) RecentDecisions(limit int) ([]DecisionRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, node_id, action, priority, confidence, status, cost, created_at,
		       executed_at, completed_at, success, reward, result
		FROM allocation_decisions
		ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var r DecisionRecord
		var created float64
		var executed, completed sql.NullFloat64
		var success sql.NullInt64
		var reward sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.NodeID, &r.Action, &r.Priority, &r.Confidence,
			&r.Status, &r.Cost, &created, &executed, &completed, &success, &reward, &r.Result); err != nil {
			log.Warn().Err(err).Msg("Failed to scan decision row")
			continue
		}
		r.CreatedAt = fromEpoch(created)
		if executed.Valid {
			t := fromEpoch(executed.Float64)
			r.ExecutedAt = &t
		}
		if completed.Valid {
			t := fromEpoch(completed.Float64)
			r.CompletedAt = &t
		}
		if success.Valid {
			b := success.Int64 != 0
			r.Success = &b
		}
		if reward.Valid {
			v := reward.Float64
			r.Reward = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DecisionStats summarizes decision outcomes since the cutoff.
func (s *Store) DecisionStats(since time.Time) (total, executed int, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM allocation_decisions WHERE created_at >= ?
	`, DecisionExecuted, toEpoch(since)).Scan(&total, &executed)
	return total, executed, err
}

// AppendExperience persists one learning transition.
func (s *Store) AppendExperience(rec ExperienceRecord) error {
	return s.writeWithRetry("append_experience", rec, func() error {
		_, err := s.db.Exec(`
			INSERT INTO rl_experiences (state_key, action, reward, next_state_key, terminal, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rec.StateKey, rec.Action, rec.Reward, rec.NextStateKey, rec.Terminal, toEpoch(rec.Timestamp))
		return err
	})
}

// RecentExperiences returns the newest limit transitions, oldest first, for
// rehydrating the replay buffer at startup.
func (s *Store) RecentExperiences(limit int) ([]ExperienceRecord, error) {
	rows, err := s.db.Query(`
		SELECT state_key, action, reward, next_state_key, terminal, timestamp
		FROM (
			SELECT * FROM rl_experiences ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query experiences: %w", err)
	}
	defer rows.Close()

	var out []ExperienceRecord
	for rows.Next() {
		var r ExperienceRecord
		var ts float64
		if err := rows.Scan(&r.StateKey, &r.Action, &r.Reward, &r.NextStateKey, &r.Terminal, &ts); err != nil {
			log.Warn().Err(err).Msg("Failed to scan experience row")
			continue
		}
		r.Timestamp = fromEpoch(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
