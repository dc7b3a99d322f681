// Package config loads and validates the core configuration from
// defaults, an optional config file, and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the full configuration for the core. It is constructed once at
// startup and handed to every task; nothing mutates it afterwards.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Router     RouterConfig     `yaml:"router" json:"router"`
	Graph      GraphConfig      `yaml:"graph" json:"graph"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
	Predictor  PredictorConfig  `yaml:"predictor" json:"predictor"`
	Policy     PolicyConfig     `yaml:"policy" json:"policy"`
	Connectors ConnectorsConfig `yaml:"connectors" json:"connectors"`
	Nodes      []NodeConfig     `yaml:"nodes" json:"nodes"`

	MetricsAddr      string        `yaml:"metricsAddr" json:"metricsAddr"`
	ShutdownDeadline time.Duration `yaml:"shutdownDeadline" json:"shutdownDeadline"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// StorageConfig locates the persistent store.
type StorageConfig struct {
	DataDir               string `yaml:"dataDir" json:"dataDir"`
	EvidenceRetentionDays int    `yaml:"evidenceRetentionDays" json:"evidenceRetentionDays"`
}

// RouterConfig bounds the event router.
type RouterConfig struct {
	QueueSize     int           `yaml:"queueSize" json:"queueSize"`
	DrainDeadline time.Duration `yaml:"drainDeadline" json:"drainDeadline"`
}

// GraphConfig tunes the intent graph.
type GraphConfig struct {
	LearningRate        float64 `yaml:"learningRate" json:"learningRate"`
	MaxNodes            int     `yaml:"maxNodes" json:"maxNodes"`
	ConfidenceThreshold float64 `yaml:"confidenceThreshold" json:"confidenceThreshold"`
}

// TelemetryConfig tunes resource sampling.
type TelemetryConfig struct {
	SampleInterval time.Duration `yaml:"sampleInterval" json:"sampleInterval"`
	WindowSize     int           `yaml:"windowSize" json:"windowSize"`
}

// PredictorConfig tunes the resource predictor.
type PredictorConfig struct {
	HorizonMinutes     int           `yaml:"horizonMinutes" json:"horizonMinutes"`
	RetrainInterval    time.Duration `yaml:"retrainInterval" json:"retrainInterval"`
	MinTrainingSamples int           `yaml:"minTrainingSamples" json:"minTrainingSamples"`
	TrainingTimeout    time.Duration `yaml:"trainingTimeout" json:"trainingTimeout"`
	TickInterval       time.Duration `yaml:"tickInterval" json:"tickInterval"`
}

// PolicyConfig tunes the Q-learning policy and the executor.
type PolicyConfig struct {
	LearningRate     float64       `yaml:"learningRate" json:"learningRate"`
	DiscountFactor   float64       `yaml:"discountFactor" json:"discountFactor"`
	ExplorationRate  float64       `yaml:"explorationRate" json:"explorationRate"`
	ExplorationDecay float64       `yaml:"explorationDecay" json:"explorationDecay"`
	ReplayBufferSize int           `yaml:"replayBufferSize" json:"replayBufferSize"`
	ReplayBatchSize  int           `yaml:"replayBatchSize" json:"replayBatchSize"`
	ReplayInterval   time.Duration `yaml:"replayInterval" json:"replayInterval"`
	ExecutionTimeout time.Duration `yaml:"executionTimeout" json:"executionTimeout"`
	FailureCooldown  time.Duration `yaml:"failureCooldown" json:"failureCooldown"`
}

// ConnectorsConfig names the external endpoints. Empty URLs disable the
// corresponding connector.
type ConnectorsConfig struct {
	ProxyID         string        `yaml:"proxyID" json:"proxyID"`
	OrchestratorURL string        `yaml:"orchestratorURL" json:"orchestratorURL"`
	IntentFeedURL   string        `yaml:"intentFeedURL" json:"intentFeedURL"`
	BehaviorFeedURL string        `yaml:"behaviorFeedURL" json:"behaviorFeedURL"`
	MarketFeedURL   string        `yaml:"marketFeedURL" json:"marketFeedURL"`
	RequestTimeout  time.Duration `yaml:"requestTimeout" json:"requestTimeout"`
	PendingBuffer   int           `yaml:"pendingBuffer" json:"pendingBuffer"`
}

// NodeConfig registers a managed compute node at startup.
type NodeConfig struct {
	ID          string  `yaml:"id" json:"id"`
	Type        string  `yaml:"type" json:"type"` // local | remote-lan | cloud
	Address     string  `yaml:"address" json:"address"`
	CPUCores    int     `yaml:"cpuCores" json:"cpuCores"`
	MemoryBytes int64   `yaml:"memoryBytes" json:"memoryBytes"`
	GPU         bool    `yaml:"gpu" json:"gpu"`
	CostPerHour float64 `yaml:"costPerHour" json:"costPerHour"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "auto"},
		Storage: StorageConfig{
			DataDir:               defaultStateDir(),
			EvidenceRetentionDays: 30,
		},
		Router: RouterConfig{
			QueueSize:     10000,
			DrainDeadline: 5 * time.Second,
		},
		Graph: GraphConfig{
			LearningRate:        0.01,
			MaxNodes:            1000,
			ConfidenceThreshold: 0.7,
		},
		Telemetry: TelemetryConfig{
			SampleInterval: 60 * time.Second,
			WindowSize:     600,
		},
		Predictor: PredictorConfig{
			HorizonMinutes:     30,
			RetrainInterval:    2 * time.Hour,
			MinTrainingSamples: 50,
			TrainingTimeout:    5 * time.Minute,
			TickInterval:       60 * time.Second,
		},
		Policy: PolicyConfig{
			LearningRate:     0.01,
			DiscountFactor:   0.95,
			ExplorationRate:  0.1,
			ExplorationDecay: 0.995,
			ReplayBufferSize: 10000,
			ReplayBatchSize:  32,
			ReplayInterval:   30 * time.Second,
			ExecutionTimeout: 60 * time.Second,
			FailureCooldown:  30 * time.Second,
		},
		Connectors: ConnectorsConfig{
			ProxyID:        "fabric-core-001",
			RequestTimeout: 10 * time.Second,
			PendingBuffer:  1000,
		},
		Nodes: []NodeConfig{
			{ID: "local", Type: "local"},
		},
		ShutdownDeadline: 5 * time.Second,
	}
}

// Validate checks invariants the rest of the core relies on.
func (c *Config) Validate() error {
	if c.Router.QueueSize < 1 {
		return fmt.Errorf("router.queueSize must be positive, got %d", c.Router.QueueSize)
	}
	if c.Graph.MaxNodes < 10 {
		return fmt.Errorf("graph.maxNodes must be at least 10, got %d", c.Graph.MaxNodes)
	}
	if c.Graph.LearningRate <= 0 || c.Graph.LearningRate >= 1 {
		return fmt.Errorf("graph.learningRate must be in (0,1), got %f", c.Graph.LearningRate)
	}
	if c.Telemetry.WindowSize < 600 {
		return fmt.Errorf("telemetry.windowSize must be at least 600, got %d", c.Telemetry.WindowSize)
	}
	if c.Policy.DiscountFactor <= 0 || c.Policy.DiscountFactor >= 1 {
		return fmt.Errorf("policy.discountFactor must be in (0,1), got %f", c.Policy.DiscountFactor)
	}
	if c.Policy.ReplayBufferSize < c.Policy.ReplayBatchSize {
		return fmt.Errorf("policy.replayBufferSize %d smaller than batch size %d",
			c.Policy.ReplayBufferSize, c.Policy.ReplayBatchSize)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.dataDir must be set")
	}
	seen := make(map[string]struct{}, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node with empty id")
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = struct{}{}
		switch n.Type {
		case "local", "remote-lan", "cloud":
		default:
			return fmt.Errorf("node %q has unknown type %q", n.ID, n.Type)
		}
		if n.CostPerHour < 0 {
			return fmt.Errorf("node %q has negative costPerHour", n.ID)
		}
	}
	return nil
}

func defaultStateDir() string {
	if dir := os.Getenv("CORE_STATE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/fabric-core"
	}
	return filepath.Join(home, ".fabric-core")
}
