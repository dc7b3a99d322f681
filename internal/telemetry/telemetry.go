// Package telemetry samples resource usage for every managed node, keeps a
// bounded in-memory window per node, and persists all samples for training.
package telemetry

import (
	"context"
	"time"
)

// Sample is one resource observation for a node.
type Sample struct {
	NodeID       string    `json:"node_id"`
	CPUPct       float64   `json:"cpu_pct"`
	MemoryPct    float64   `json:"memory_pct"`
	DiskPct      float64   `json:"disk_pct"`
	NetworkMbps  float64   `json:"network_mbps"`
	ProcessCount int       `json:"process_count"`
	LoadScore    float64   `json:"load_score"`
	Timestamp    time.Time `json:"timestamp"`
}

// Collector produces one sample for one node.
type Collector interface {
	Collect(ctx context.Context) (Sample, error)
}

// LoadScore blends utilization into a single 0-100 score.
func LoadScore(cpuPct, memPct, diskPct float64, processCount int) float64 {
	procs := float64(processCount) / 10
	if procs > 100 {
		procs = 100
	}
	return 0.4*cpuPct + 0.3*memPct + 0.1*diskPct + 0.2*procs
}
