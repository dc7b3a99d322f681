// Package events defines the event envelope and the bounded router that
// carries every signal inside the core.
package events

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Type discriminates events on the router.
type Type string

const (
	// Ingest signals. A behavior_observation carries several sections in
	// one payload; the typed variants carry a single section each.
	TypeBehaviorObservation Type = "behavior_observation"
	TypeFileAccess          Type = "file_access"
	TypeAppFocus            Type = "app_focus"
	TypeSystemActivity      Type = "system_activity"
	TypeNetwork             Type = "network"
	TypeLocation            Type = "location"

	// External feeds and orchestrator inbound.
	TypeIntentPrediction    Type = "intent_prediction"
	TypeBehaviorPattern     Type = "behavior_pattern"
	TypeMarketData          Type = "market_data_update"
	TypeSystemAlert         Type = "system_alert"
	TypeAllocationRequest   Type = "allocation_request"
	TypeOrchestratorCommand Type = "orchestrator_command"

	// Internal lifecycle.
	TypeBehaviorIngested   Type = "behavior_ingested"
	TypeResourceState      Type = "resource_state"
	TypeResourcePrediction Type = "resource_prediction"
	TypeAllocationDecision Type = "allocation_decision"
	TypeBehavioralAnomaly  Type = "behavioral_anomaly_detected"
	TypeRouterOverflow     Type = "router_overflow"
)

// Event is the envelope routed between tasks. Payload keys are owned by the
// producing component; consumers tolerate missing keys. Target names the
// component or node the event is addressed to; empty means broadcast.
// Deadline, when set, marks the event stale once passed.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Source    string         `json:"source"`
	Target    string         `json:"target,omitempty"`
	Priority  int            `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
	Deadline  time.Time      `json:"deadline,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds an event with a fresh ULID and the current time. Priority is
// clamped to [1,10].
func New(typ Type, source string, priority int, payload map[string]any) Event {
	if priority < 1 {
		priority = 1
	} else if priority > 10 {
		priority = 10
	}
	return Event{
		ID:        ulid.Make().String(),
		Type:      typ,
		Source:    source,
		Priority:  priority,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// Urgent reports whether the event belongs to the preempting band.
func (e Event) Urgent() bool { return e.Priority >= 8 }

// Expired reports whether the event's deadline has passed. Events without a
// deadline never expire.
func (e Event) Expired(now time.Time) bool {
	return !e.Deadline.IsZero() && now.After(e.Deadline)
}

// Float reads a numeric payload field, tolerating the json number types.
func (e Event) Float(key string) (float64, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// String reads a string payload field.
func (e Event) String(key string) (string, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
