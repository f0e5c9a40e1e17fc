package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/log"
	"github.com/michaelbrown/runbox/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runbox HTTP server",
	Long: `Start the runbox HTTP server.

Runs are submitted with POST /api/run (multipart "file", optional "entry").
Run history is under /api/runs and live events stream from /api/events.

Examples:
  runbox serve
  runbox serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Auth.APIKey == "" {
		log.Warnf("API_KEY is not set; the API accepts unauthenticated requests")
	}

	if retention := cfg.Runner.Retention; retention > 0 {
		go a.workspaces.RunSweeper(ctx, retention, sweepInterval(retention))
		log.Infof("workspaces older than %v are swept", retention)
	}

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(cfg, a.runner, a.history, a.artifacts, a.events)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
		srv.Shutdown(context.Background())
	}()

	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

func sweepInterval(retention time.Duration) time.Duration {
	if retention < time.Hour {
		return max(retention/2, time.Minute)
	}
	return time.Hour
}
