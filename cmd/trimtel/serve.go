package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/10printhello/trim-telemetry/pkg/api"
	"github.com/10printhello/trim-telemetry/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the query API",
	Long:  `Start the read-only HTTP API over indexed telemetry runs.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := store.NewStore(log, &cfg.Store)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	srv := api.NewServer(log, &cfg.API, st)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down API server")

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping API server: %w", err)
	}

	return nil
}
