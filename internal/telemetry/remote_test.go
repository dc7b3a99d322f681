package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/omnimesh/fabric-core/internal/errors"
)

// startFakeAgent serves the node-agent metrics session: one sample message
// per inbound request, for as long as the connection lives.
func startFakeAgent(t *testing.T, dials *atomic.Int32) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/metrics" {
			http.NotFound(w, r)
			return
		}
		dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			err := conn.WriteJSON(map[string]any{
				"cpu_pct": 35.0, "memory_pct": 55.0, "disk_pct": 40.0,
				"network_mbps": 12.5, "process_count": 180,
			})
			if err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestRemoteCollectorSamplesOverOneSession(t *testing.T) {
	var dials atomic.Int32
	c := NewRemoteCollector("remote-1", startFakeAgent(t, &dials), time.Second)
	defer c.Close()

	first, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "remote-1", first.NodeID)
	assert.Equal(t, 35.0, first.CPUPct)
	assert.Equal(t, 180, first.ProcessCount)
	assert.InDelta(t, LoadScore(35, 55, 40, 180), first.LoadScore, 1e-9)

	_, err = c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), dials.Load(), "repeat samples reuse the session")
}

func TestRemoteCollectorRedialsAfterSessionLoss(t *testing.T) {
	var dials atomic.Int32
	c := NewRemoteCollector("remote-1", startFakeAgent(t, &dials), time.Second)
	defer c.Close()

	_, err := c.Collect(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Close())

	_, err = c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), dials.Load())
}

func TestRemoteCollectorUnreachableAgent(t *testing.T) {
	c := NewRemoteCollector("remote-1", "127.0.0.1:1", 200*time.Millisecond)

	_, err := c.Collect(context.Background())
	require.Error(t, err)
	var ce *coreerrors.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, coreerrors.KindTransientTransport, ce.Kind)
	assert.Equal(t, "remote-1", ce.Node)
}
