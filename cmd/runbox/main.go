package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/log"
)

var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "Runbox - run uploaded Python code under resource limits",
	Long: `Runbox accepts a Python script or a zip of a project, runs it in a fresh
workspace under CPU, memory and wall-clock limits, and publishes the output
and a bundle of the workspace to an object store.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

// loadConfig reads the configuration and applies the log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	level := cfg.Log.Level
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	log.SetLevel(level)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
