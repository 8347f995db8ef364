// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/soothill/dvfs-coordinator/app"
	"github.com/soothill/dvfs-coordinator/config"
	"github.com/soothill/dvfs-coordinator/pkg/logger"
)

var (
	configPath     string
	validateConfig bool
)

var rootCmd = &cobra.Command{
	Use:   "dvfs-coordinator",
	Short: "Frequency scaling coordinator for non-CPU devices",
	Long: `dvfs-coordinator manages the operating frequency of devices such as GPUs,
DSPs and memory buses. Pluggable governors decide what frequency each device
should run at; an HTTP API exposes inspection and control, transitions are
recorded to InfluxDB and Prometheus metrics are served for observability.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if validateConfig {
			return performConfigValidation(configPath)
		}
		return runCoordinator(configPath)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")
	rootCmd.Flags().BoolVar(&validateConfig, "validate-config", false, "Validate configuration file and exit")
}

func main() {
	// Optional .env file for local development; real deployments set the
	// environment directly.
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "Loaded environment from .env")
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCoordinator(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(cfg.Logging.Level)

	logger.Info().Msg("Starting DVFS coordinator")
	logger.Info().Int("devices", len(cfg.Devices)).
		Str("default_governor", cfg.Governors.Default).
		Bool("influxdb_enabled", cfg.InfluxDB.Enabled).
		Msg("Configuration loaded")

	application, err := app.New(cfg, configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}

	setupDebugSignalHandlers(application)
	application.Run()
	return nil
}

// performConfigValidation validates the configuration file
func performConfigValidation(configPath string) error {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	if err := config.ValidateWithSchema(configPath); err != nil {
		logger.Error().Err(err).Msg("Configuration schema validation failed")
		return fmt.Errorf("configuration validation failed")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		return fmt.Errorf("configuration validation failed")
	}

	fmt.Println("Configuration validation PASSED")
	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  API Port: %d\n", cfg.Server.APIPort)
	fmt.Printf("  Metrics Port: %d\n", cfg.Server.MetricsPort)
	fmt.Printf("  Log Level: %s\n", cfg.Logging.Level)
	fmt.Printf("  Default Governor: %s\n", cfg.Governors.Default)
	fmt.Printf("  Devices: %d\n", len(cfg.Devices))
	for _, d := range cfg.Devices {
		fmt.Printf("    %s: governor=%s poll_interval=%s operating_points=%d\n",
			d.ID, d.Governor, d.PollInterval, len(d.OperatingPoints))
	}
	if cfg.InfluxDB.Enabled {
		fmt.Printf("  InfluxDB: %s (org=%s bucket=%s)\n",
			cfg.InfluxDB.URL, cfg.InfluxDB.Organization, cfg.InfluxDB.Bucket)
	} else {
		fmt.Println("  InfluxDB: disabled")
	}

	fmt.Println("\nAll validation checks passed. Configuration is ready for use.")
	return nil
}
