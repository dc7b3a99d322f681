package store

import "time"

// NodeRecord is a managed compute node as persisted.
type NodeRecord struct {
	ID           string
	Type         string
	Address      string
	CPUCores     int
	MemoryBytes  int64
	GPU          bool
	CostPerHour  float64
	Status       string
	RegisteredAt time.Time
}

// SampleRecord is one telemetry observation for a node.
type SampleRecord struct {
	NodeID       string
	CPUPct       float64
	MemoryPct    float64
	DiskPct      float64
	NetworkMbps  float64
	ProcessCount int
	LoadScore    float64
	Timestamp    time.Time
}

// IntentNodeRecord mirrors an intent-graph node row.
type IntentNodeRecord struct {
	ID            string
	IntentType    string
	Description   string
	Posterior     float64
	Confidence    float64
	EvidenceCount int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IntentEdgeRecord mirrors an intent-graph edge row.
type IntentEdgeRecord struct {
	Source                 string
	Target                 string
	ConditionalProbability float64
	TemporalStrength       float64
	CoOccurrences          int
	UpdatedAt              time.Time
}

// EvidenceRecord is an anonymized behavior observation. Features holds a
// JSON object; no raw sensitive strings ever reach this struct.
type EvidenceRecord struct {
	ID             string
	EvidenceType   string
	AnonymizedHash string
	Features       string
	Source         string
	Timestamp      time.Time
}

// PredictionRecord is a resource forecast, later backfilled with the
// observed value once the horizon arrives.
type PredictionRecord struct {
	ID              string
	NodeID          string
	HorizonMinutes  int
	PredictedCPU    float64
	PredictedMemory float64
	PredictedLoad   float64
	Confidence      float64
	Factors         string // JSON array
	Basis           string // model | trend | default
	CreatedAt       time.Time
	PredictedFor    time.Time
	ActualCPU       *float64
	AbsError        *float64
}

// DecisionRecord is an allocation decision and its lifecycle outcome.
type DecisionRecord struct {
	ID          string
	NodeID      string
	Action      string
	Priority    int
	Confidence  float64
	Status      string
	Cost        float64
	CreatedAt   time.Time
	ExecutedAt  *time.Time
	CompletedAt *time.Time
	Success     *bool
	Reward      *float64
	Result      string // JSON object
}

// ExperienceRecord is one reinforcement-learning transition.
type ExperienceRecord struct {
	StateKey     string
	Action       string
	Reward       float64
	NextStateKey string
	Terminal     bool
	Timestamp    time.Time
}
