package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/fixloop/internal/launch"
	"github.com/michaelbrown/fixloop/internal/server"
	"github.com/michaelbrown/fixloop/internal/storage/files"
	"github.com/michaelbrown/fixloop/internal/storage/sqlite"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fixloop HTTP API",
	Long: `Start the fixloop HTTP server. Runs are started with POST /api/runs and
followed live over /api/runs/{id}/ws. Prometheus metrics are served at
/metrics and a runtime health check at /healthz.

Examples:
  fixloop serve
  fixloop serve --port 9090`,
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

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	exec, rt, closeRuntime, err := launch.OpenExecutor(cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("opening container runtime: %w", err)
	}
	defer closeRuntime()

	opts := []launch.Option{launch.WithStore(store), launch.WithLogger(slog.Default())}
	if cfg.Storage.Artifacts {
		opts = append(opts, launch.WithArtifacts(files.NewOS(cfg.Storage.OutputDir)))
	}
	launcher := launch.New(cfg, exec, opts...)

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(cfg, store, launcher, rt)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stopped := make(chan struct{})
	go func() {
		<-sigCh
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Warn("shutdown", "error", err)
		}
		close(stopped)
	}()

	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// Active runs finish recording before the store closes.
	<-stopped
	return nil
}
