// Package connectors maintains the long-lived sessions to the external
// orchestrator and the intent, behavior, and market feeds. Every connector
// reconnects forever with exponential backoff and never fails the process.
package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/omnimesh/fabric-core/internal/buffer"
	"github.com/omnimesh/fabric-core/internal/events"
)

const (
	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 60 * time.Second
	reconnectJitter    = 0.1

	wsPingInterval  = 25 * time.Second
	wsPongWait      = 70 * time.Second
	wsWriteWait     = 10 * time.Second
	wsHandshakeWait = 15 * time.Second
	sendChBuffer    = 256
	maxInboundBytes = 1 << 20
)

type publisher interface {
	Publish(events.Event) bool
}

// OrchestratorConfig names the session endpoint and identity.
type OrchestratorConfig struct {
	URL           string
	ProxyID       string
	PendingBuffer int
}

// Status is the connector state exposed to health checks.
type Status struct {
	Connected   bool   `json:"connected"`
	PendingSize int    `json:"pending_size"`
	LastError   string `json:"last_error,omitempty"`
}

// Orchestrator maintains the bidirectional websocket session to the
// orchestrator. Outbound messages survive a disconnect in a bounded
// pending buffer and flush, oldest first, after the next registration.
type Orchestrator struct {
	cfg     OrchestratorConfig
	router  publisher
	pending *buffer.Queue[[]byte]

	mu        sync.RWMutex
	sendCh    chan<- []byte
	connected bool
	lastError string

	now func() time.Time
}

// NewOrchestrator builds the session client. Run must be called for it to
// connect.
func NewOrchestrator(cfg OrchestratorConfig, router publisher) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		router:  router,
		pending: buffer.New[[]byte](cfg.PendingBuffer),
		now:     time.Now,
	}
}

// Run drives the reconnect loop. Blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := o.connectAndHandle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			failures++
			o.mu.Lock()
			o.lastError = err.Error()
			o.connected = false
			o.mu.Unlock()

			delay := backoffDelay(failures)
			if failures >= 3 {
				log.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).
					Msg("Orchestrator session failed repeatedly")
			} else {
				log.Debug().Err(err).Dur("retry_in", delay).
					Msg("Orchestrator session interrupted, reconnecting")
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		} else {
			failures = 0
		}
	}
}

// Send queues an outbound message of the given type. The envelope gains
// timestamp and source fields. Messages queued while disconnected are
// buffered and flushed after the next registration.
func (o *Orchestrator) Send(msgType string, payload map[string]any) error {
	msg := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		msg[k] = v
	}
	msg["type"] = msgType
	msg["source"] = o.cfg.ProxyID
	msg["timestamp"] = float64(o.now().UnixNano()) / 1e9

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}

	o.mu.RLock()
	ch := o.sendCh
	connected := o.connected
	o.mu.RUnlock()

	if !connected || ch == nil {
		if o.pending.Push(data) {
			log.Debug().Str("type", msgType).Msg("Pending buffer full, dropped oldest message")
		}
		return nil
	}
	select {
	case ch <- data:
		return nil
	default:
		o.pending.Push(data)
		return nil
	}
}

// Status reports session state for health checks.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Status{Connected: o.connected, PendingSize: o.pending.Len(), LastError: o.lastError}
}

func (o *Orchestrator) connectAndHandle(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeWait}

	log.Info().Str("url", o.cfg.URL).Msg("Connecting to orchestrator")
	conn, _, err := dialer.DialContext(ctx, o.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial orchestrator: %w", err)
	}

	// Per-connection send channel so a stale writer can never race a new
	// connection.
	sendCh := make(chan []byte, sendChBuffer)

	defer func() {
		o.mu.Lock()
		o.sendCh = nil
		o.connected = false
		o.mu.Unlock()
		conn.Close()
		log.Info().Msg("Orchestrator session closed")
	}()

	if err := o.register(conn); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	conn.SetReadLimit(maxInboundBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Expose sendCh only after registration so nothing outruns the
	// handshake, then drain what accumulated while disconnected.
	o.mu.Lock()
	o.sendCh = sendCh
	o.connected = true
	o.lastError = ""
	o.mu.Unlock()

	flushed := 0
	for _, msg := range o.pending.Drain() {
		select {
		case sendCh <- msg:
			flushed++
		default:
			o.pending.Push(msg)
		}
	}
	log.Info().Str("proxy_id", o.cfg.ProxyID).Int("flushed", flushed).
		Msg("Registered with orchestrator")

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		o.writePump(connCtx, conn, sendCh)
	}()

	err = o.readPump(connCtx, conn)

	// Stop the writer, then requeue whatever it never put on the wire so a
	// short disconnect loses no produced messages.
	connCancel()
	conn.Close()
	<-pumpDone

	o.mu.Lock()
	o.sendCh = nil
	o.connected = false
	o.mu.Unlock()

	if requeued := o.requeueUnsent(sendCh); requeued > 0 {
		log.Debug().Int("requeued", requeued).Msg("Returned unsent messages to pending buffer")
	}
	return err
}

// requeueUnsent moves messages still queued on a dead connection's send
// channel back into the pending buffer, preserving order.
func (o *Orchestrator) requeueUnsent(sendCh chan []byte) int {
	n := 0
	for {
		select {
		case msg := <-sendCh:
			o.pending.Push(msg)
			n++
		default:
			return n
		}
	}
}

type registration struct {
	Type         string   `json:"type"`
	ProxyID      string   `json:"proxy_id"`
	Capabilities []string `json:"capabilities"`
}

func (o *Orchestrator) register(conn *websocket.Conn) error {
	payload := registration{
		Type:    "registration",
		ProxyID: o.cfg.ProxyID,
		Capabilities: []string{
			"resource_prediction",
			"allocation_execution",
			"performance_monitoring",
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (o *Orchestrator) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			log.Warn().Err(err).Msg("Discarding undecodable orchestrator message")
			continue
		}
		o.dispatch(payload)
	}
}

// dispatch maps one inbound orchestrator message to a router event.
func (o *Orchestrator) dispatch(payload map[string]any) {
	msgType, _ := payload["type"].(string)
	switch msgType {
	case "allocation_request":
		o.router.Publish(events.New(events.TypeAllocationRequest, "orchestrator", 8, payload))
	case "system_alert":
		o.router.Publish(events.New(events.TypeSystemAlert, "orchestrator", alertPriority(payload), payload))
	case "orchestrator_command":
		o.router.Publish(events.New(events.TypeOrchestratorCommand, "orchestrator", 7, payload))
	case "market_data_update":
		o.router.Publish(events.New(events.TypeMarketData, "orchestrator", 5, payload))
	default:
		log.Debug().Str("type", msgType).Msg("Ignoring unhandled orchestrator message")
	}
}

func alertPriority(payload map[string]any) int {
	severity, _ := payload["severity"].(string)
	switch severity {
	case "critical":
		return 10
	case "warning":
		return 6
	default:
		return 3
	}
}

func (o *Orchestrator) writePump(ctx context.Context, conn *websocket.Conn, sendCh <-chan []byte) {
	// Closing the socket on writer exit unblocks the reader and triggers
	// the reconnect loop.
	defer conn.Close()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			return
		case msg := <-sendCh:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Msg("Orchestrator write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func backoffDelay(failures int) time.Duration {
	delay := baseReconnectDelay * time.Duration(math.Pow(2, float64(failures-1)))
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	jitter := time.Duration(float64(delay) * reconnectJitter * (rand.Float64()*2 - 1))
	return delay + jitter
}
