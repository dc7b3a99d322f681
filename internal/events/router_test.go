package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records delivered events in order.
type collector struct {
	mu  sync.Mutex
	got []Event
}

func (c *collector) handle(_ context.Context, ev Event) {
	c.mu.Lock()
	c.got = append(c.got, ev)
	c.mu.Unlock()
}

func (c *collector) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.got))
	copy(out, c.got)
	return out
}

func (c *collector) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.events(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(c.events()))
	return nil
}

func TestNewClampsPriority(t *testing.T) {
	assert.Equal(t, 1, New(TypeNetwork, "t", -3, nil).Priority)
	assert.Equal(t, 10, New(TypeNetwork, "t", 99, nil).Priority)
	assert.True(t, New(TypeSystemAlert, "t", 8, nil).Urgent())
	assert.False(t, New(TypeSystemAlert, "t", 7, nil).Urgent())
}

func TestRouterDeliversFIFO(t *testing.T) {
	r := NewRouter(100, time.Second)
	c := &collector{}
	r.Subscribe(TypeFileAccess, c.handle)

	go r.Run(context.Background())
	for i := 0; i < 5; i++ {
		require.True(t, r.Publish(New(TypeFileAccess, "test", 5, map[string]any{"n": i})))
	}
	got := c.waitFor(t, 5)
	r.Stop()

	for i, ev := range got {
		n, ok := ev.Float("n")
		require.True(t, ok)
		assert.Equal(t, float64(i), n)
	}
}

func TestUrgentPreemptsQueuedEvents(t *testing.T) {
	r := NewRouter(100, time.Second)
	c := &collector{}
	r.Subscribe(TypeFileAccess, c.handle)
	r.Subscribe(TypeSystemAlert, c.handle)

	// Queue before starting delivery so ordering is deterministic.
	r.Publish(New(TypeFileAccess, "test", 3, nil))
	r.Publish(New(TypeFileAccess, "test", 3, nil))
	r.Publish(New(TypeSystemAlert, "test", 9, nil))

	go r.Run(context.Background())
	got := c.waitFor(t, 3)
	r.Stop()

	assert.Equal(t, TypeSystemAlert, got[0].Type)
	assert.Equal(t, TypeFileAccess, got[1].Type)
}

func TestOverflowDropsLowestPriority(t *testing.T) {
	r := NewRouter(3, time.Second)
	r.Publish(New(TypeFileAccess, "test", 2, map[string]any{"tag": "low"}))
	r.Publish(New(TypeFileAccess, "test", 5, map[string]any{"tag": "mid"}))
	r.Publish(New(TypeFileAccess, "test", 5, map[string]any{"tag": "mid2"}))

	// Full. A higher-priority event evicts the priority-2 entry and an
	// overflow marker is queued alongside.
	require.True(t, r.Publish(New(TypeFileAccess, "test", 6, map[string]any{"tag": "high"})))

	c := &collector{}
	overflow := &collector{}
	r.Subscribe(TypeFileAccess, c.handle)
	r.Subscribe(TypeRouterOverflow, overflow.handle)
	go r.Run(context.Background())
	got := c.waitFor(t, 3)
	overflow.waitFor(t, 1)
	r.Stop()

	tags := make([]string, 0, len(got))
	for _, ev := range got {
		tag, _ := ev.String("tag")
		tags = append(tags, tag)
	}
	assert.NotContains(t, tags, "low")
	assert.Contains(t, tags, "high")
}

func TestOverflowRejectsLowestIncoming(t *testing.T) {
	r := NewRouter(2, time.Second)
	require.True(t, r.Publish(New(TypeFileAccess, "test", 5, nil)))
	require.True(t, r.Publish(New(TypeFileAccess, "test", 5, nil)))
	assert.False(t, r.Publish(New(TypeFileAccess, "test", 1, nil)))
	r.Stop()
}

func TestOverflowMarkerRateLimited(t *testing.T) {
	r := NewRouter(2, time.Second)
	r.Publish(New(TypeFileAccess, "test", 1, nil))
	r.Publish(New(TypeFileAccess, "test", 1, nil))
	// Repeated overflow within a second queues at most one marker.
	for i := 0; i < 5; i++ {
		r.Publish(New(TypeFileAccess, "test", 5, nil))
	}

	r.mu.Lock()
	markers := 0
	for _, ev := range r.urgent {
		if ev.Type == TypeRouterOverflow {
			markers++
		}
	}
	r.mu.Unlock()
	assert.Equal(t, 1, markers)
}

func TestPublishAfterStopFails(t *testing.T) {
	r := NewRouter(10, 50*time.Millisecond)
	go r.Run(context.Background())
	r.Stop()
	assert.False(t, r.Publish(New(TypeFileAccess, "test", 5, nil)))
}

func TestEnvelopeTargetAndDeadline(t *testing.T) {
	ev := New(TypeOrchestratorCommand, "orchestrator", 6, nil)
	assert.Empty(t, ev.Target)
	assert.False(t, ev.Expired(time.Now()), "no deadline means never stale")

	ev.Target = "node-2"
	ev.Deadline = time.Now().Add(-time.Minute)
	assert.True(t, ev.Expired(time.Now()))
	ev.Deadline = time.Now().Add(time.Minute)
	assert.False(t, ev.Expired(time.Now()))
}

func TestDrainSkipsExpiredEvents(t *testing.T) {
	r := NewRouter(100, time.Second)
	c := &collector{}
	r.Subscribe(TypeNetwork, c.handle)

	stale := New(TypeNetwork, "test", 4, map[string]any{"tag": "stale"})
	stale.Deadline = time.Now().Add(-time.Second)
	fresh := New(TypeNetwork, "test", 4, map[string]any{"tag": "fresh"})
	fresh.Deadline = time.Now().Add(time.Minute)
	r.Publish(stale)
	r.Publish(fresh)
	r.Publish(New(TypeNetwork, "test", 4, map[string]any{"tag": "open"}))

	go r.Run(context.Background())
	r.Stop()

	got := c.events()
	require.Len(t, got, 2)
	tags := make([]string, 0, len(got))
	for _, ev := range got {
		tag, _ := ev.String("tag")
		tags = append(tags, tag)
	}
	assert.NotContains(t, tags, "stale")
	assert.Contains(t, tags, "fresh")
	assert.Contains(t, tags, "open")
}

func TestStopDrainsQueuedEvents(t *testing.T) {
	r := NewRouter(100, time.Second)
	c := &collector{}
	r.Subscribe(TypeNetwork, c.handle)
	for i := 0; i < 20; i++ {
		r.Publish(New(TypeNetwork, "test", 4, nil))
	}
	go r.Run(context.Background())
	r.Stop()
	assert.Len(t, c.events(), 20)
	assert.Equal(t, 0, r.QueueDepth())
}
