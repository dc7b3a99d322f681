package telemetry

import (
	"context"
	"sync"
	"time"

	gocpu "github.com/shirou/gopsutil/v4/cpu"
	godisk "github.com/shirou/gopsutil/v4/disk"
	gomem "github.com/shirou/gopsutil/v4/mem"
	gonet "github.com/shirou/gopsutil/v4/net"
	goproc "github.com/shirou/gopsutil/v4/process"
)

// Indirection for tests.
var (
	cpuPercent    = gocpu.PercentWithContext
	virtualMemory = gomem.VirtualMemoryWithContext
	diskUsage     = godisk.UsageWithContext
	netIOCounters = gonet.IOCountersWithContext
	processPids   = goproc.PidsWithContext
)

// LocalCollector samples the machine the core runs on.
type LocalCollector struct {
	NodeID   string
	DiskPath string

	mu        sync.Mutex
	lastNet   uint64
	lastNetAt time.Time
}

// NewLocalCollector samples the root filesystem by default.
func NewLocalCollector(nodeID string) *LocalCollector {
	return &LocalCollector{NodeID: nodeID, DiskPath: "/"}
}

// Collect gathers one local sample. Individual probe failures zero the
// affected field rather than failing the sample; a machine with no
// readable disk stats still has meaningful CPU numbers.
func (c *LocalCollector) Collect(ctx context.Context) (Sample, error) {
	now := time.Now()
	s := Sample{NodeID: c.NodeID, Timestamp: now}

	if pcts, err := cpuPercent(ctx, 0, false); err == nil && len(pcts) > 0 {
		s.CPUPct = pcts[0]
	}
	if vm, err := virtualMemory(ctx); err == nil {
		s.MemoryPct = vm.UsedPercent
	}
	if du, err := diskUsage(ctx, c.DiskPath); err == nil {
		s.DiskPct = du.UsedPercent
	}
	if pids, err := processPids(ctx); err == nil {
		s.ProcessCount = len(pids)
	}
	s.NetworkMbps = c.networkRate(ctx, now)
	s.LoadScore = LoadScore(s.CPUPct, s.MemoryPct, s.DiskPct, s.ProcessCount)
	return s, nil
}

// networkRate derives Mbps from the delta of total interface counters
// between consecutive samples. The first sample reports zero.
func (c *LocalCollector) networkRate(ctx context.Context, now time.Time) float64 {
	counters, err := netIOCounters(ctx, false)
	if err != nil || len(counters) == 0 {
		return 0
	}
	total := counters[0].BytesSent + counters[0].BytesRecv

	c.mu.Lock()
	defer c.mu.Unlock()
	prev, prevAt := c.lastNet, c.lastNetAt
	c.lastNet, c.lastNetAt = total, now

	if prevAt.IsZero() || total < prev {
		return 0
	}
	elapsed := now.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(total-prev) * 8 / elapsed / 1e6
}
