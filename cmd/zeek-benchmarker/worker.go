package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zeek/zeek-benchmarker/pkg/config"
	"github.com/zeek/zeek-benchmarker/pkg/container"
	"github.com/zeek/zeek-benchmarker/pkg/docker"
	"github.com/zeek/zeek-benchmarker/pkg/fetch"
	"github.com/zeek/zeek-benchmarker/pkg/fsutil"
	"github.com/zeek/zeek-benchmarker/pkg/job"
	"github.com/zeek/zeek-benchmarker/pkg/metrics"
	"github.com/zeek/zeek-benchmarker/pkg/podman"
	"github.com/zeek/zeek-benchmarker/pkg/queue"
	"github.com/zeek/zeek-benchmarker/pkg/seccomp"
	"github.com/zeek/zeek-benchmarker/pkg/store"
	"github.com/zeek/zeek-benchmarker/pkg/upload"
	"github.com/zeek/zeek-benchmarker/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queued benchmark jobs",
	Long: `Start the worker pool. Each worker takes one job at a time from the
queue, fetches and unpacks the build and runs the configured tests.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	profile, err := seccomp.Load(cfg.Container.SeccompProfile)
	if err != nil {
		return fmt.Errorf("loading seccomp profile: %w", err)
	}

	var owner *fsutil.OwnerConfig
	if cfg.Global.DirOwner != "" {
		owner, err = fsutil.ParseOwner(cfg.Global.DirOwner)
		if err != nil {
			return fmt.Errorf("parsing global.dir_owner: %w", err)
		}
	}

	engine, err := newContainerManager(cfg.Global.Runtime)
	if err != nil {
		return err
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting %s: %w", cfg.Global.Runtime, err)
	}

	defer func() { _ = engine.Stop() }()

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

	exporter := metrics.New(log, &cfg.Metrics.InfluxDB)
	defer exporter.Close()

	var uploader upload.Uploader

	if cfg.Upload.S3.Enabled {
		uploader, err = upload.NewS3Uploader(log, &cfg.Upload.S3)
		if err != nil {
			return fmt.Errorf("creating uploader: %w", err)
		}

		if err := uploader.Preflight(ctx); err != nil {
			return fmt.Errorf("s3 preflight: %w", err)
		}
	}

	runner := container.NewRunner(log, engine, cfg.Container.SpoolVolume)

	deps := job.Deps{
		Log:       log,
		Runner:    runner,
		Store:     st,
		Exporter:  exporter,
		Container: &cfg.Container,
		Seccomp:   profile,
	}

	processor := job.NewProcessor(
		log,
		cfg.Global.WorkDir,
		owner,
		fetch.NewFetcher(log, fetch.Options{
			ConnectTimeout: cfg.Fetch.ConnectTimeout,
			ReadTimeout:    cfg.Fetch.ReadTimeout,
		}),
		runner,
		job.UnpackConfig{
			Image:           cfg.Container.UnpackImage,
			StripComponents: cfg.Container.StripComponents,
			Timeout:         cfg.Container.TarTimeout,
		},
		job.NewZeekKind(deps, &cfg.Zeek),
		job.NewBrokerKind(deps, &cfg.Broker),
	)

	pool := worker.NewPool(log, worker.Config{
		Concurrency: cfg.Worker.Concurrency,
		JobTimeout:  cfg.Queue.JobTimeout,
		WorkDir:     cfg.Global.WorkDir,
	}, q, func(slot int) worker.Processor {
		return processor.ForSlot(slot)
	}, uploader)

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("starting workers: %w", err)
	}

	done := make(chan error, 1)

	go func() { done <- pool.Wait() }()

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("Shutting down workers")
	case err := <-done:
		if err != nil {
			log.WithError(err).Error("Workers exited")
		}
	}

	cancel()

	if err := pool.Stop(); err != nil {
		return fmt.Errorf("stopping workers: %w", err)
	}

	return nil
}

// newContainerManager returns the engine for the configured runtime.
func newContainerManager(runtime string) (docker.ContainerManager, error) {
	switch runtime {
	case config.DefaultRuntime:
		return docker.NewManager(log)
	case "podman":
		return podman.NewManager(log, os.Getenv("CONTAINER_HOST"))
	default:
		return nil, fmt.Errorf("unsupported runtime %q", runtime)
	}
}
