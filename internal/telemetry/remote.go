package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	coreerrors "github.com/omnimesh/fabric-core/internal/errors"
)

// RemoteCollector samples a node agent over a persistent websocket session.
// The session is dialed lazily and redialed after any transport failure, so
// a flapping agent costs one failed sample per outage, not one per request.
type RemoteCollector struct {
	NodeID  string
	Address string
	timeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewRemoteCollector builds a collector for ws://<address>/v1/metrics. No
// connection is made until the first Collect.
func NewRemoteCollector(nodeID, address string, timeout time.Duration) *RemoteCollector {
	return &RemoteCollector{NodeID: nodeID, Address: address, timeout: timeout}
}

type metricsRequest struct {
	Type string `json:"type"`
}

// remoteSample is the agent's wire shape.
type remoteSample struct {
	CPUPct       float64 `json:"cpu_pct"`
	MemoryPct    float64 `json:"memory_pct"`
	DiskPct      float64 `json:"disk_pct"`
	NetworkMbps  float64 `json:"network_mbps"`
	ProcessCount int     `json:"process_count"`
}

// Collect requests one sample over the session.
func (c *RemoteCollector) Collect(ctx context.Context) (Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connLocked(ctx)
	if err != nil {
		return Sample{}, coreerrors.New(coreerrors.KindTransientTransport, "remote_sample", err).WithNode(c.NodeID)
	}

	deadline := time.Now().Add(c.timeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(metricsRequest{Type: "metrics_request"}); err != nil {
		c.dropLocked()
		return Sample{}, coreerrors.New(coreerrors.KindTransientTransport, "remote_sample", err).WithNode(c.NodeID)
	}
	_ = conn.SetReadDeadline(deadline)
	_, msg, err := conn.ReadMessage()
	if err != nil {
		c.dropLocked()
		return Sample{}, coreerrors.New(coreerrors.KindTransientTransport, "remote_sample", err).WithNode(c.NodeID)
	}

	var rs remoteSample
	if err := json.Unmarshal(msg, &rs); err != nil {
		return Sample{}, coreerrors.New(coreerrors.KindValidation, "remote_sample", err).WithNode(c.NodeID)
	}
	return Sample{
		NodeID:       c.NodeID,
		CPUPct:       rs.CPUPct,
		MemoryPct:    rs.MemoryPct,
		DiskPct:      rs.DiskPct,
		NetworkMbps:  rs.NetworkMbps,
		ProcessCount: rs.ProcessCount,
		LoadScore:    LoadScore(rs.CPUPct, rs.MemoryPct, rs.DiskPct, rs.ProcessCount),
		Timestamp:    time.Now(),
	}, nil
}

// Close tears down the session.
func (c *RemoteCollector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
	return nil
}

func (c *RemoteCollector) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.timeout}
	conn, _, err := dialer.DialContext(ctx, fmt.Sprintf("ws://%s/v1/metrics", c.Address), nil)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

func (c *RemoteCollector) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
