package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/workspace"
)

var olderThanFlag time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove old run workspaces",
	Long: `Remove run workspaces whose last modification is older than the threshold.
Run history and published artifacts are not touched.

Examples:
  runbox sweep --older-than 72h`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().DurationVar(&olderThanFlag, "older-than", 0, "Age threshold (default: runner.retention, or 24h)")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	olderThan := olderThanFlag
	if olderThan <= 0 {
		olderThan = cfg.Runner.Retention
	}
	if olderThan <= 0 {
		olderThan = 24 * time.Hour
	}

	removed, err := workspace.NewManager(cfg.Runner.BaseDir).Sweep(olderThan)
	for _, id := range removed {
		fmt.Printf("removed %s\n", id)
	}
	fmt.Printf("%d workspace(s) older than %v removed from %s\n", len(removed), olderThan, cfg.Runner.BaseDir)
	return err
}
