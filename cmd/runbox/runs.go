package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

var (
	statusFilter string
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show run details",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run record (the workspace is kept)",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run record as markdown, JSON or YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsExport,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd, runsExportCmd)

	runsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (running, completed, failed)")
	runsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max runs to show")

	runsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md, json or yaml")
	runsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	runsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func openStore() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	opts := storage.RunListOptions{
		Status: storage.RunStatus(statusFilter),
		Limit:  limitFlag,
	}

	runs, err := store.ListRuns(context.Background(), opts)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	// Header
	fmt.Printf("%-14s %-10s %-24s %-14s %-26s %s\n", "ID", "STATUS", "FILE", "OUTCOME", "ERROR", "CREATED")
	fmt.Println(strings.Repeat("─", 100))

	for _, r := range runs {
		outcome := r.Outcome
		if outcome == "" {
			outcome = "-"
		}
		errKind := r.ErrorKind
		if errKind == "" {
			errKind = "-"
		}
		fmt.Printf("%-14s %-10s %-24s %-14s %-26s %s\n",
			shortID(r.ID), r.Status, truncate(r.Filename, 22), outcome, errKind, timeAgo(r.CreatedAt))
	}

	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:        %s\n", r.ID)
	fmt.Printf("Status:     %s\n", r.Status)
	fmt.Printf("File:       %s\n", r.Filename)
	if r.Entrypoint != "" {
		fmt.Printf("Entrypoint: %s\n", r.Entrypoint)
	}
	fmt.Printf("Venv:       %t\n", r.Provisioned)
	if r.Outcome != "" {
		fmt.Printf("Outcome:    %s (exit %d)\n", r.Outcome, r.ExitCode)
	}
	if r.ErrorKind != "" {
		fmt.Printf("Error:      %s\n", r.ErrorKind)
		fmt.Printf("Detail:     %s\n", truncate(r.ErrorDetail, 400))
	}
	if r.OutputURL != "" {
		fmt.Printf("Output:     %s\n", r.OutputURL)
	}
	if r.BundleURL != "" {
		fmt.Printf("Bundle:     %s\n", r.BundleURL)
	}
	fmt.Printf("Workdir:    %s\n", r.Workdir)
	fmt.Printf("Duration:   %v\n", time.Duration(r.DurationMS)*time.Millisecond)
	fmt.Printf("Created:    %s\n", r.CreatedAt.Format(time.RFC3339))
	for _, w := range r.Warnings {
		fmt.Printf("\033[33mwarning:\033[0m %s\n", w)
	}

	return nil
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	r, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Delete run %s (%s)? [y/N] ", shortID(r.ID), r.Filename)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.DeleteRun(ctx, r.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted run %s\n", shortID(r.ID))
	return nil
}

func runRunsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(r)
		if err != nil {
			return err
		}
		output = string(data)
	case "yaml", "yml":
		data, err := storage.ExportYAML(r)
		if err != nil {
			return err
		}
		output = string(data)
	case "md", "markdown":
		output = storage.ExportMarkdown(r)
	default:
		return fmt.Errorf("unknown export format %q", exportFormat)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
