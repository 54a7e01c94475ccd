// Package cli implements the flowpost command line.
package cli

import (
	"fmt"
	"os"

	"github.com/smallnest/flowpost/config"
	"github.com/smallnest/flowpost/internal/logger"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "flowpost",
	Short: "Follow flow runs on the local executor",
	Long: `flowpost connects to a local flow executor, streams the live logs of a run,
archives them locally and reports executor health.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Global flags
var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file (default: auto-detect)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(flowsCmd)
}

// Execute 执行根命令
func Execute() error {
	defer func() { _ = logger.Sync() }()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// setup loads the config and initializes logging before any subcommand runs.
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	if err := logger.Init(level, cfg.Log.Development); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}
