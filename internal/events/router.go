package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Handler consumes a dispatched event. Handlers run on the router goroutine
// and must not block for long; slow consumers buffer internally.
type Handler func(ctx context.Context, ev Event)

// Router is the bounded in-process event bus. Events with priority 8 or
// higher are dispatched ahead of everything else; within a band delivery is
// FIFO. When the queue is full the lowest-priority queued event is dropped
// to make room. Events whose deadline has passed are dropped instead of
// dispatched.
type Router struct {
	mu     sync.Mutex
	urgent []Event
	normal []Event
	notify chan struct{}

	handlersMu sync.RWMutex
	handlers   map[Type][]Handler

	capacity      int
	drainDeadline time.Duration
	accepting     bool
	lastOverflow  time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	metrics *RouterMetrics
}

// NewRouter builds a router with the given queue capacity and drain
// deadline. Start delivery with Run.
func NewRouter(capacity int, drainDeadline time.Duration) *Router {
	if capacity < 1 {
		capacity = 1
	}
	return &Router{
		notify:        make(chan struct{}, 1),
		handlers:      make(map[Type][]Handler),
		capacity:      capacity,
		drainDeadline: drainDeadline,
		accepting:     true,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		metrics:       GetRouterMetrics(),
	}
}

// Subscribe registers a handler for one event type. Not safe to call after
// Run has started delivering if ordering relative to in-flight events
// matters; wire subscriptions before starting.
func (r *Router) Subscribe(typ Type, h Handler) {
	r.handlersMu.Lock()
	r.handlers[typ] = append(r.handlers[typ], h)
	r.handlersMu.Unlock()
}

// Publish enqueues an event. Returns false when the router is stopping or
// the event lost an overflow contest.
func (r *Router) Publish(ev Event) bool {
	r.mu.Lock()
	if !r.accepting {
		r.mu.Unlock()
		r.metrics.dropped.WithLabelValues(string(ev.Type), "shutdown").Inc()
		return false
	}

	if len(r.urgent)+len(r.normal) >= r.capacity {
		if !r.evictForLocked(ev) {
			r.emitOverflowLocked()
			r.mu.Unlock()
			r.metrics.dropped.WithLabelValues(string(ev.Type), "overflow").Inc()
			return false
		}
		r.emitOverflowLocked()
	}

	if ev.Urgent() {
		r.urgent = append(r.urgent, ev)
	} else {
		r.normal = append(r.normal, ev)
	}
	depth := len(r.urgent) + len(r.normal)
	r.mu.Unlock()

	r.metrics.published.WithLabelValues(string(ev.Type)).Inc()
	r.metrics.queueDepth.Set(float64(depth))
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return true
}

// evictForLocked frees one slot for the incoming event by dropping the
// lowest-priority queued event, oldest first on ties. Returns false when the
// incoming event itself is the lowest priority.
func (r *Router) evictForLocked(incoming Event) bool {
	lowest := -1
	for i, ev := range r.normal {
		if lowest == -1 || ev.Priority < r.normal[lowest].Priority {
			lowest = i
		}
	}
	if lowest == -1 {
		// Queue is all urgent events; check them too.
		for i, ev := range r.urgent {
			if lowest == -1 || ev.Priority < r.urgent[lowest].Priority {
				lowest = i
			}
		}
		if lowest == -1 || r.urgent[lowest].Priority >= incoming.Priority {
			return false
		}
		victim := r.urgent[lowest]
		r.urgent = append(r.urgent[:lowest], r.urgent[lowest+1:]...)
		r.metrics.dropped.WithLabelValues(string(victim.Type), "overflow").Inc()
		return true
	}
	if r.normal[lowest].Priority >= incoming.Priority && !incoming.Urgent() {
		return false
	}
	victim := r.normal[lowest]
	r.normal = append(r.normal[:lowest], r.normal[lowest+1:]...)
	r.metrics.dropped.WithLabelValues(string(victim.Type), "overflow").Inc()
	return true
}

// emitOverflowLocked queues a router_overflow marker, rate limited to one
// per second. The marker bypasses the capacity check so it cannot itself
// overflow.
func (r *Router) emitOverflowLocked() {
	now := time.Now()
	if now.Sub(r.lastOverflow) < time.Second {
		return
	}
	r.lastOverflow = now
	r.urgent = append(r.urgent, New(TypeRouterOverflow, "router", 9, map[string]any{
		"capacity": r.capacity,
	}))
	log.Warn().Int("capacity", r.capacity).Msg("Event queue overflow, shedding lowest-priority events")
}

// Run delivers queued events until Stop is called or ctx is cancelled.
// Blocks; run it on its own goroutine.
func (r *Router) Run(ctx context.Context) {
	defer close(r.doneCh)
	for {
		ev, ok := r.pop()
		if ok {
			if ev.Expired(time.Now()) {
				r.metrics.dropped.WithLabelValues(string(ev.Type), "expired").Inc()
				continue
			}
			r.dispatch(ctx, ev)
			continue
		}
		select {
		case <-r.notify:
		case <-r.stopCh:
			r.drainRemaining(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) pop() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.urgent) > 0 {
		ev := r.urgent[0]
		r.urgent = r.urgent[1:]
		r.metrics.queueDepth.Set(float64(len(r.urgent) + len(r.normal)))
		return ev, true
	}
	if len(r.normal) > 0 {
		ev := r.normal[0]
		r.normal = r.normal[1:]
		r.metrics.queueDepth.Set(float64(len(r.urgent) + len(r.normal)))
		return ev, true
	}
	return Event{}, false
}

func (r *Router) dispatch(ctx context.Context, ev Event) {
	r.handlersMu.RLock()
	hs := r.handlers[ev.Type]
	r.handlersMu.RUnlock()
	for _, h := range hs {
		h(ctx, ev)
	}
	r.metrics.dispatched.WithLabelValues(string(ev.Type)).Inc()
}

// drainRemaining delivers what is still queued, bounded by the drain
// deadline. Events whose own deadline has passed are dropped instead of
// dispatched; events left after the drain deadline are dropped and counted.
func (r *Router) drainRemaining(ctx context.Context) {
	deadline := time.NewTimer(r.drainDeadline)
	defer deadline.Stop()
	for {
		select {
		case <-deadline.C:
			r.mu.Lock()
			left := len(r.urgent) + len(r.normal)
			r.urgent = nil
			r.normal = nil
			r.mu.Unlock()
			if left > 0 {
				log.Warn().Int("dropped", left).Msg("Drain deadline reached with events still queued")
				r.metrics.dropped.WithLabelValues("mixed", "drain_deadline").Add(float64(left))
			}
			return
		default:
		}
		ev, ok := r.pop()
		if !ok {
			return
		}
		if ev.Expired(time.Now()) {
			r.metrics.dropped.WithLabelValues(string(ev.Type), "expired").Inc()
			continue
		}
		r.dispatch(ctx, ev)
	}
}

// Stop refuses new events and waits for the queue to drain, up to the drain
// deadline plus a small grace period.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.accepting = false
		r.mu.Unlock()
		close(r.stopCh)
	})
	select {
	case <-r.doneCh:
	case <-time.After(r.drainDeadline + time.Second):
		log.Warn().Msg("Router did not finish draining before deadline")
	}
}

// QueueDepth reports the number of waiting events.
func (r *Router) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.urgent) + len(r.normal)
}
