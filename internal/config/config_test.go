package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10000, cfg.Router.QueueSize)
	assert.Equal(t, 600, cfg.Telemetry.WindowSize)
	assert.Equal(t, 30, cfg.Predictor.HorizonMinutes)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero queue", func(c *Config) { c.Router.QueueSize = 0 }},
		{"tiny graph", func(c *Config) { c.Graph.MaxNodes = 5 }},
		{"learning rate one", func(c *Config) { c.Graph.LearningRate = 1.0 }},
		{"short window", func(c *Config) { c.Telemetry.WindowSize = 10 }},
		{"replay smaller than batch", func(c *Config) { c.Policy.ReplayBufferSize = 8 }},
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"duplicate node", func(c *Config) {
			c.Nodes = append(c.Nodes, NodeConfig{ID: "local", Type: "local"})
		}},
		{"unknown node type", func(c *Config) {
			c.Nodes = []NodeConfig{{ID: "n1", Type: "mainframe"}}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
logging:
  level: debug
router:
  queueSize: 20000
connectors:
  proxyID: test-proxy
nodes:
  - id: local
    type: local
  - id: gpu-box
    type: remote-lan
    address: 10.0.0.5:9000
    gpu: true
    costPerHour: 0.42
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, used, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 20000, cfg.Router.QueueSize)
	assert.Equal(t, "test-proxy", cfg.Connectors.ProxyID)
	require.Len(t, cfg.Nodes, 2)
	assert.True(t, cfg.Nodes[1].GPU)
	// Untouched sections keep their defaults.
	assert.Equal(t, 2*time.Hour, cfg.Predictor.RetrainInterval)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644))

	t.Setenv("FABRIC_LOG_LEVEL", "trace")
	t.Setenv("FABRIC_PREDICTOR_HORIZON_MINUTES", "15")
	t.Setenv("FABRIC_SHUTDOWN_DEADLINE", "10s")

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "trace", cfg.Logging.Level)
	assert.Equal(t, 15, cfg.Predictor.HorizonMinutes)
	assert.Equal(t, 10*time.Second, cfg.ShutdownDeadline)
}

func TestEnvIgnoresUnparseable(t *testing.T) {
	t.Setenv("FABRIC_ROUTER_QUEUE_SIZE", "lots")
	cfg := Default()
	applyEnv(cfg)
	assert.Equal(t, 10000, cfg.Router.QueueSize)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
