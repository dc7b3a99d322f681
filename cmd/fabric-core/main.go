package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/omnimesh/fabric-core/internal/config"
	"github.com/omnimesh/fabric-core/internal/core"
	"github.com/omnimesh/fabric-core/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	flagConfig           string
	flagLogLevel         string
	flagMetricsAddr      string
	flagShutdownDeadline time.Duration
)

var rootCmd = &cobra.Command{
	Use:     "fabric-core",
	Short:   "Predictive orchestration core for a personal compute fabric",
	Long:    `fabric-core learns user intent from behavioral evidence, forecasts resource demand per managed node, and issues allocation decisions that a reinforcement-learning policy refines over time.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCore()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fabric-core %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to configuration file")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "override metrics listen address")
	rootCmd.Flags().DurationVar(&flagShutdownDeadline, "shutdown-deadline", 0, "override how long shutdown may take before the process gives up")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCore() error {
	// Baseline logger for early startup; reconfigured once config loads.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "fabric-core"})

	cfg, path, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagMetricsAddr != "" {
		cfg.MetricsAddr = flagMetricsAddr
	}
	if flagShutdownDeadline > 0 {
		cfg.ShutdownDeadline = flagShutdownDeadline
	}

	logging.Init(logging.Config{
		Format:    cfg.Logging.Format,
		Level:     cfg.Logging.Level,
		Component: "fabric-core",
	})
	if path != "" {
		log.Info().Str("config", path).Msg("Configuration loaded")
	} else {
		log.Info().Msg("No configuration file found, using defaults")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.MetricsAddr)
	}

	// Live log-level reload when the config file changes on disk.
	if path != "" {
		if err := config.Watch(ctx, path, logging.SetLevel); err != nil {
			log.Warn().Err(err).Msg("Config watcher unavailable")
		}
	}

	c, err := core.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize core: %w", err)
	}
	return c.Run(ctx)
}
