package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration in layers: defaults, then the config file,
// then environment variables. Later layers win. The returned path is the
// file that was actually read, empty when running on defaults.
func Load(explicitPath string) (*Config, string, error) {
	// .env is optional and never fatal.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment from .env")
	}

	cfg := Default()

	path := resolvePath(explicitPath)
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, "", err
		}
		log.Info().Str("path", path).Msg("Loaded config file")
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, path, nil
}

func resolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("CORE_CONFIG_PATH"); p != "" {
		return p
	}
	candidates := []string{
		filepath.Join(defaultStateDir(), "config.yaml"),
		"fabric-core.yaml",
		"/etc/fabric-core/config.yaml",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv overlays FABRIC_* environment variables. Only the knobs that
// make sense to flip per-deployment are exposed this way.
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				log.Warn().Str("var", key).Str("value", v).Msg("Ignoring non-integer environment override")
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			} else {
				log.Warn().Str("var", key).Str("value", v).Msg("Ignoring non-numeric environment override")
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			} else {
				log.Warn().Str("var", key).Str("value", v).Msg("Ignoring unparseable duration override")
			}
		}
	}

	setString("FABRIC_LOG_LEVEL", &cfg.Logging.Level)
	setString("FABRIC_LOG_FORMAT", &cfg.Logging.Format)
	setString("FABRIC_DATA_DIR", &cfg.Storage.DataDir)
	setInt("FABRIC_EVIDENCE_RETENTION_DAYS", &cfg.Storage.EvidenceRetentionDays)
	setInt("FABRIC_ROUTER_QUEUE_SIZE", &cfg.Router.QueueSize)
	setInt("FABRIC_GRAPH_MAX_NODES", &cfg.Graph.MaxNodes)
	setFloat("FABRIC_GRAPH_LEARNING_RATE", &cfg.Graph.LearningRate)
	setDuration("FABRIC_TELEMETRY_INTERVAL", &cfg.Telemetry.SampleInterval)
	setInt("FABRIC_PREDICTOR_HORIZON_MINUTES", &cfg.Predictor.HorizonMinutes)
	setDuration("FABRIC_PREDICTOR_RETRAIN_INTERVAL", &cfg.Predictor.RetrainInterval)
	setFloat("FABRIC_POLICY_EXPLORATION_RATE", &cfg.Policy.ExplorationRate)
	setString("FABRIC_PROXY_ID", &cfg.Connectors.ProxyID)
	setString("FABRIC_ORCHESTRATOR_URL", &cfg.Connectors.OrchestratorURL)
	setString("FABRIC_INTENT_FEED_URL", &cfg.Connectors.IntentFeedURL)
	setString("FABRIC_BEHAVIOR_FEED_URL", &cfg.Connectors.BehaviorFeedURL)
	setString("FABRIC_METRICS_ADDR", &cfg.MetricsAddr)
	setDuration("FABRIC_SHUTDOWN_DEADLINE", &cfg.ShutdownDeadline)
}
