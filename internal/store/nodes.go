package store

import "fmt"

// RegisterNode inserts or refreshes a managed node. Status is set only on
// first insert; re-registration after a restart keeps the stored status.
func (s *Store) RegisterNode(rec NodeRecord) error {
	gpu := 0
	if rec.GPU {
		gpu = 1
	}
	status := rec.Status
	if status == "" {
		status = "active"
	}
	return s.writeWithRetry("register_node", rec, func() error {
		_, err := s.db.Exec(`
			INSERT INTO nodes (node_id, node_type, address, cpu_cores, memory_bytes, gpu, cost_per_hour, status, registered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(node_id) DO UPDATE SET
				node_type = excluded.node_type,
				address = excluded.address,
				cpu_cores = excluded.cpu_cores,
				memory_bytes = excluded.memory_bytes,
				gpu = excluded.gpu,
				cost_per_hour = excluded.cost_per_hour
		`, rec.ID, rec.Type, rec.Address, rec.CPUCores, rec.MemoryBytes, gpu,
			rec.CostPerHour, status, toEpoch(rec.RegisteredAt))
		return err
	})
}

// UpdateNodeStatus persists a node's lifecycle status.
func (s *Store) UpdateNodeStatus(nodeID, status string) error {
	return s.writeWithRetry("update_node_status", nodeID, func() error {
		_, err := s.db.Exec(`UPDATE nodes SET status = ? WHERE node_id = ?`, status, nodeID)
		return err
	})
}

// DeregisterNode removes a node. Its telemetry history is kept for training.
func (s *Store) DeregisterNode(nodeID string) error {
	_, err := s.db.Exec(`DELETE FROM nodes WHERE node_id = ?`, nodeID)
	return err
}

// Nodes returns every registered node.
func (s *Store) Nodes() ([]NodeRecord, error) {
	rows, err := s.db.Query(`
		SELECT node_id, node_type, address, cpu_cores, memory_bytes, gpu, cost_per_hour, status, registered_at
		FROM nodes ORDER BY node_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var out []NodeRecord
	for rows.Next() {
		var r NodeRecord
		var gpu int
		var reg float64
		if err := rows.Scan(&r.ID, &r.Type, &r.Address, &r.CPUCores, &r.MemoryBytes, &gpu, &r.CostPerHour, &r.Status, &reg); err != nil {
			return nil, err
		}
		r.GPU = gpu != 0
		r.RegisteredAt = fromEpoch(reg)
		out = append(out, r)
	}
	return out, rows.Err()
}
