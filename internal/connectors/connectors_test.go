package connectors

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnimesh/fabric-core/internal/events"
)

type fakeRouter struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakeRouter) Publish(ev events.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return true
}

func (f *fakeRouter) waitFor(t *testing.T, n int) []events.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.events) >= n {
			out := make([]events.Event, len(f.events))
			copy(out, f.events)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d events", n)
	return nil
}

// fakeOrchestrator upgrades one websocket session and records everything
// the client sends.
type fakeOrchestrator struct {
	srv      *httptest.Server
	mu       sync.Mutex
	received []map[string]any
	conns    chan *websocket.Conn
}

func newFakeOrchestrator(t *testing.T) *fakeOrchestrator {
	t.Helper()
	f := &fakeOrchestrator{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var payload map[string]any
			if json.Unmarshal(msg, &payload) == nil {
				f.mu.Lock()
				f.received = append(f.received, payload)
				f.mu.Unlock()
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOrchestrator) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeOrchestrator) waitFor(t *testing.T, n int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.received) >= n {
			out := make([]map[string]any, len(f.received))
			copy(out, f.received)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d messages", n)
	return nil
}

func TestOrchestratorRegistersAndFlushesPending(t *testing.T) {
	server := newFakeOrchestrator(t)
	router := &fakeRouter{}
	o := NewOrchestrator(OrchestratorConfig{
		URL: server.url(), ProxyID: "core-test", PendingBuffer: 10,
	}, router)

	// Queued while disconnected; must survive until after the handshake.
	require.NoError(t, o.Send("performance_metrics_report", map[string]any{"cpu": 12.0}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	msgs := server.waitFor(t, 2)
	assert.Equal(t, "registration", msgs[0]["type"])
	assert.Equal(t, "core-test", msgs[0]["proxy_id"])
	assert.ElementsMatch(t,
		[]any{"resource_prediction", "allocation_execution", "performance_monitoring"},
		msgs[0]["capabilities"])

	assert.Equal(t, "performance_metrics_report", msgs[1]["type"])
	assert.Equal(t, "core-test", msgs[1]["source"])
	assert.NotZero(t, msgs[1]["timestamp"])

	assert.True(t, o.Status().Connected)
}

func TestOrchestratorInboundBecomesRouterEvents(t *testing.T) {
	server := newFakeOrchestrator(t)
	router := &fakeRouter{}
	o := NewOrchestrator(OrchestratorConfig{
		URL: server.url(), ProxyID: "core-test", PendingBuffer: 10,
	}, router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	conn := <-server.conns
	write := func(payload map[string]any) {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	}
	write(map[string]any{"type": "allocation_request", "node_id": "n1", "action": "scale_up_cpu"})
	write(map[string]any{"type": "system_alert", "severity": "critical", "node_id": "n1"})
	write(map[string]any{"type": "orchestrator_command", "command_type": "get_summary"})
	write(map[string]any{"type": "unknown_thing"})
	write(map[string]any{"type": "market_data_update", "spot_price_change": -0.25})

	got := router.waitFor(t, 4)
	assert.Equal(t, events.TypeAllocationRequest, got[0].Type)
	assert.Equal(t, 8, got[0].Priority)
	assert.Equal(t, "n1", got[0].Payload["node_id"])

	assert.Equal(t, events.TypeSystemAlert, got[1].Type)
	assert.Equal(t, 10, got[1].Priority)

	assert.Equal(t, events.TypeOrchestratorCommand, got[2].Type)
	assert.Equal(t, events.TypeMarketData, got[3].Type)
}

func TestOrchestratorPendingDropsOldest(t *testing.T) {
	o := NewOrchestrator(OrchestratorConfig{
		URL: "ws://127.0.0.1:1", ProxyID: "core-test", PendingBuffer: 2,
	}, &fakeRouter{})

	for i := 0; i < 3; i++ {
		require.NoError(t, o.Send("summary_response", map[string]any{"seq": i}))
	}
	st := o.Status()
	assert.False(t, st.Connected)
	assert.Equal(t, 2, st.PendingSize)
}

func TestUnsentMessagesReturnToPendingOnDisconnect(t *testing.T) {
	o := NewOrchestrator(OrchestratorConfig{
		URL: "ws://127.0.0.1:1", ProxyID: "core-test", PendingBuffer: 8,
	}, &fakeRouter{})

	// Messages stranded on a dead connection's send channel.
	sendCh := make(chan []byte, 4)
	sendCh <- []byte(`{"seq":1}`)
	sendCh <- []byte(`{"seq":2}`)
	sendCh <- []byte(`{"seq":3}`)

	require.Equal(t, 3, o.requeueUnsent(sendCh))
	assert.Equal(t, 3, o.Status().PendingSize)

	drained := o.pending.Drain()
	require.Len(t, drained, 3)
	assert.Equal(t, `{"seq":1}`, string(drained[0]))
	assert.Equal(t, `{"seq":3}`, string(drained[2]))
}

func TestAlertPriority(t *testing.T) {
	assert.Equal(t, 10, alertPriority(map[string]any{"severity": "critical"}))
	assert.Equal(t, 6, alertPriority(map[string]any{"severity": "warning"}))
	assert.Equal(t, 3, alertPriority(map[string]any{"severity": "info"}))
	assert.Equal(t, 3, alertPriority(map[string]any{}))
}

func TestEvaluateSpotPrice(t *testing.T) {
	cases := []struct {
		change float64
		want   string
		ok     bool
	}{
		{-0.25, "cost_optimization_opportunity", true},
		{-0.2, "cost_optimization_opportunity", true},
		{0.35, "cost_optimization_warning", true},
		{0.3, "cost_optimization_warning", true},
		{0.1, "", false},
		{-0.1, "", false},
	}
	for _, tc := range cases {
		got, ok := EvaluateSpotPrice(tc.change)
		assert.Equal(t, tc.ok, ok, "change %v", tc.change)
		assert.Equal(t, tc.want, got, "change %v", tc.change)
	}
}

func startFakeFeed(t *testing.T, lines []string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		for _, line := range lines {
			conn.Write([]byte(line + "\n"))
		}
		// Hold the stream open so the client does not enter backoff.
		time.Sleep(2 * time.Second)
		conn.Close()
	}()
	return ln.Addr().String()
}

func TestIntentFeedPublishesPerLine(t *testing.T) {
	addr := startFakeFeed(t, []string{
		`{"predictions":[{"intent_type":"intensive_computing","confidence":0.9}]}`,
		`not json`,
		`{"predictions":[]}`,
	})
	router := &fakeRouter{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewIntentFeed(addr, router).Run(ctx)

	got := router.waitFor(t, 2)
	assert.Equal(t, events.TypeIntentPrediction, got[0].Type)
	assert.Equal(t, "intent_feed", got[0].Source)
	assert.Contains(t, got[0].Payload, "predictions")
	assert.Equal(t, events.TypeIntentPrediction, got[1].Type)
}

func TestBehaviorFeedEscalatesAnomalies(t *testing.T) {
	addr := startFakeFeed(t, []string{
		`{"resource_patterns":{"n1":{"anomaly_score":0.3}}}`,
		`{"resource_patterns":{"n1":{"anomaly_score":0.95}}}`,
	})
	router := &fakeRouter{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewBehaviorFeed(addr, router).Run(ctx)

	got := router.waitFor(t, 2)
	assert.Equal(t, events.TypeBehaviorPattern, got[0].Type)
	assert.Equal(t, 5, got[0].Priority)
	assert.Equal(t, 8, got[1].Priority)
}

func TestMaxAnomalyScore(t *testing.T) {
	payload := map[string]any{"resource_patterns": map[string]any{
		"n1": map[string]any{"anomaly_score": 0.4},
		"n2": map[string]any{"anomaly_score": 0.7},
		"n3": map[string]any{"other": true},
	}}
	assert.InDelta(t, 0.7, MaxAnomalyScore(payload), 1e-9)
	assert.Zero(t, MaxAnomalyScore(map[string]any{}))
}
