package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/artifact"
	"github.com/michaelbrown/runbox/internal/runner"
)

var (
	entryFlag      string
	showOutputFlag bool
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run a script or zip once through the full pipeline",
	Long: `Run a Python script or a zip archive locally, exactly as the server would,
and print the result as JSON.

Examples:
  runbox run main.py
  runbox run project.zip --entry src/cli.py --show-output`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&entryFlag, "entry", "", "Entrypoint inside the workspace (default: main.py, app.py, first .py)")
	runCmd.Flags().BoolVar(&showOutputFlag, "show-output", false, "Print the normalized output after the result")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.runner.Run(ctx, runner.Request{
		Filename: filepath.Base(args[0]),
		Data:     data,
		Entry:    entryFlag,
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if showOutputFlag {
		text, _, err := a.artifacts.Get(ctx, artifact.OutputKey(res.RunID))
		if err != nil {
			return fmt.Errorf("fetching output: %w", err)
		}
		fmt.Println()
		fmt.Println(string(text))
	}
	return nil
}
