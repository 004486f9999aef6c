// Package cmd provides CLI command implementations
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ChrisMcGann/SpecCluster/pkg/config"
	"github.com/ChrisMcGann/SpecCluster/pkg/logging"
)

var (
	// Global flags
	configFile string
	logLevel   string

	// Loaded by the root command before any subcommand runs
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "speccluster",
	Short: "SpecCluster - MS/MS spectrum clustering toolkit",
	Long: `SpecCluster inspects the resources and results of MS/MS spectrum clustering.

Supported tasks:
- Query the significance model (CDF tables) for a similarity score
- Summarize cluster stores written by the clustering engine
- Validate configuration files`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file (defaults are used if not specified)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(cdfCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(configCmd)
}

// setup loads the configuration and installs the default logger.
func setup(cmd *cobra.Command, args []string) error {
	if configFile != "" {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)
	return nil
}
