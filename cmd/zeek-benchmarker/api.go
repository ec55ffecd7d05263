package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zeek/zeek-benchmarker/pkg/api"
	"github.com/zeek/zeek-benchmarker/pkg/machine"
	"github.com/zeek/zeek-benchmarker/pkg/queue"
	"github.com/zeek/zeek-benchmarker/pkg/store"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP server accepting zeek and broker job submissions.`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.ValidateAPI(); err != nil {
		return fmt.Errorf("validating api config: %w", err)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() { _ = st.Stop() }()

	q, err := queue.New(log, &cfg.Queue, st.DB())
	if err != nil {
		return fmt.Errorf("creating queue: %w", err)
	}

	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("starting queue: %w", err)
	}

	defer func() { _ = q.Stop() }()

	srv := api.NewServer(log, &cfg.API, api.Options{
		Queue:   q,
		Store:   st,
		Machine: machine.NewCollector(log),
	})

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down API server")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
