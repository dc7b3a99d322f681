// Package errors defines the structured error kinds used across the core.
// Every error that crosses a component boundary carries a stable kind tag
// and a short message; full context stays in the local log.
package errors

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Base error types for errors.Is checks.
var (
	ErrValidation       = errors.New("validation failed")
	ErrTimeout          = errors.New("timeout")
	ErrConnectionFailed = errors.New("connection failed")
	ErrPersistence      = errors.New("persistence write failed")
	ErrExecution        = errors.New("execution failed")
	ErrInsufficientData = errors.New("insufficient data")
	ErrShuttingDown     = errors.New("shutting down")
)

// Kind categorizes an error for routing and policy decisions.
type Kind string

const (
	KindTransientTransport Kind = "transient_transport"
	KindPersistenceWrite   Kind = "persistence_write"
	KindValidation         Kind = "validation"
	KindExecutionFailure   Kind = "execution_failure"
	KindModelUntrained     Kind = "model_untrained"
	KindShutdownDeadline   Kind = "shutdown_deadline"
)

// CoreError is a structured error for core operations.
type CoreError struct {
	Kind      Kind
	Op        string // operation that failed (e.g. "persist_node", "execute_action")
	Node      string // node id if applicable
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *CoreError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Node, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is against the base error types.
func (e *CoreError) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrPersistence:
		return e.Kind == KindPersistenceWrite
	case ErrExecution:
		return e.Kind == KindExecutionFailure
	case ErrConnectionFailed:
		return e.Kind == KindTransientTransport
	}
	return errors.Is(e.Err, target)
}

// New creates a CoreError with retryability derived from the kind.
func New(kind Kind, op string, err error) *CoreError {
	return &CoreError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: kindRetryable(kind),
	}
}

// WithNode attaches node context to the error.
func (e *CoreError) WithNode(node string) *CoreError {
	e.Node = node
	return e
}

func kindRetryable(kind Kind) bool {
	switch kind {
	case KindTransientTransport, KindPersistenceWrite:
		return true
	default:
		return false
	}
}

// DedupSet is a bounded keyed set used to rate-limit repeated failure
// telemetry: the first Seen for a key within the window reports false,
// repeats report true until the window elapses.
type DedupSet struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	bound  int
}

// NewDedupSet creates a DedupSet holding at most bound keys.
func NewDedupSet(bound int, window time.Duration) *DedupSet {
	if bound < 1 {
		bound = 1
	}
	return &DedupSet{
		seen:   make(map[string]time.Time, bound),
		window: window,
		bound:  bound,
	}
}

// Seen records key and reports whether it was already present within the
// window. When the bound is hit, expired entries are swept first; if none
// expired, the set resets rather than grow without bound.
func (d *DedupSet) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.window {
		return true
	}

	if len(d.seen) >= d.bound {
		for k, at := range d.seen {
			if now.Sub(at) >= d.window {
				delete(d.seen, k)
			}
		}
		if len(d.seen) >= d.bound {
			d.seen = make(map[string]time.Time, d.bound)
		}
	}

	d.seen[key] = now
	return false
}
