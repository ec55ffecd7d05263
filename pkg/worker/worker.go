// Package worker runs a fixed number of job processors fed from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zeek/zeek-benchmarker/pkg/queue"
	"github.com/zeek/zeek-benchmarker/pkg/request"
	"github.com/zeek/zeek-benchmarker/pkg/upload"
)

// ErrJobTimeout is reported for jobs exceeding the job timeout.
var ErrJobTimeout = errors.New("job timed out")

const (
	// retryDelay is the pause after a failed dequeue.
	retryDelay = 5 * time.Second

	settleTimeout = 30 * time.Second
	uploadTimeout = 10 * time.Minute
)

// Processor handles one job.
type Processor interface {
	Process(ctx context.Context, d request.Descriptor) error
}

// ProcessorFactory returns the processor of a worker slot.
type ProcessorFactory func(slot int) Processor

// Pool runs workers until stopped.
type Pool interface {
	Start(ctx context.Context) error
	Stop() error
	// Wait blocks until all workers have exited.
	Wait() error
}

// Config for the pool.
type Config struct {
	Concurrency int
	JobTimeout  time.Duration
	// WorkDir holds the job directories, used to find retained ones.
	WorkDir string
}

// Compile-time interface check.
var _ Pool = (*pool)(nil)

type pool struct {
	log        logrus.FieldLogger
	cfg        Config
	queue      queue.Queue
	processors ProcessorFactory
	uploader   upload.Uploader
	retryDelay time.Duration

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	group    *errgroup.Group
}

// NewPool creates a worker pool. uploader may be nil.
func NewPool(
	log logrus.FieldLogger,
	cfg Config,
	q queue.Queue,
	processors ProcessorFactory,
	uploader upload.Uploader,
) Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	return &pool{
		log:        log.WithField("component", "worker"),
		cfg:        cfg,
		queue:      q,
		processors: processors,
		uploader:   uploader,
		retryDelay: retryDelay,
		done:       make(chan struct{}),
	}
}

// Start launches the workers. They run until Stop is called or ctx ends.
func (p *pool) Start(ctx context.Context) error {
	if p.group != nil {
		return fmt.Errorf("worker pool already started")
	}

	ctx, p.cancel = context.WithCancel(ctx)

	p.log.WithFields(logrus.Fields{
		"concurrency": p.cfg.Concurrency,
		"job_timeout": p.cfg.JobTimeout.String(),
	}).Info("Starting workers")

	g, gCtx := errgroup.WithContext(ctx)
	p.group = g

	for slot := range p.cfg.Concurrency {
		proc := p.processors(slot)

		g.Go(func() error {
			return p.loop(gCtx, slot, proc)
		})
	}

	return nil
}

// Stop cancels running jobs and waits for the workers to exit.
func (p *pool) Stop() error {
	p.stopOnce.Do(func() {
		close(p.done)

		if p.cancel != nil {
			p.cancel()
		}
	})

	return p.Wait()
}

func (p *pool) Wait() error {
	if p.group == nil {
		return nil
	}

	return p.group.Wait()
}

func (p *pool) stopping(ctx context.Context) bool {
	select {
	case <-p.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// loop processes jobs one at a time.
func (p *pool) loop(ctx context.Context, slot int, proc Processor) error {
	log := p.log.WithField("slot", slot)
	log.Debug("Worker started")

	defer log.Debug("Worker stopped")

	for {
		if p.stopping(ctx) {
			return nil
		}

		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || p.stopping(ctx) {
				return nil
			}

			log.WithError(err).Error("Failed to dequeue job")

			select {
			case <-ctx.Done():
				return nil
			case <-p.done:
				return nil
			case <-time.After(p.retryDelay):
			}

			continue
		}

		p.handle(ctx, log, proc, d)
	}
}

// handle runs one delivery under the job timeout and settles it with the
// queue.
func (p *pool) handle(ctx context.Context, log logrus.FieldLogger, proc Processor, d *queue.Delivery) {
	log = log.WithFields(logrus.Fields{
		"job_id": d.Descriptor.JobID,
		"kind":   d.Descriptor.Kind,
	})

	jobCtx := ctx
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc

		jobCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	err := proc.Process(jobCtx, d.Descriptor)

	// Settle with a fresh context, the job context may be done.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err == nil {
		if ackErr := p.queue.Ack(settleCtx, d); ackErr != nil {
			log.WithError(ackErr).Error("Failed to ack job")
		}

		return
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the job, leave it to the queue's
		// redelivery or abandoned-job handling.
		log.WithError(err).Warn("Job interrupted by shutdown")

		return
	}

	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", ErrJobTimeout, p.cfg.JobTimeout, err)
	}

	log.WithError(err).Error("Job failed")

	if failErr := p.queue.Fail(settleCtx, d, err); failErr != nil {
		log.WithError(failErr).Error("Failed to mark job failed")
	}

	uploadCtx, cancelUpload := context.WithTimeout(context.WithoutCancel(ctx), uploadTimeout)
	defer cancelUpload()

	p.uploadRetained(uploadCtx, log, d.Descriptor.JobID, err)
}

// uploadRetained uploads the job directory left behind by a failed job.
func (p *pool) uploadRetained(ctx context.Context, log logrus.FieldLogger, jobID string, cause error) {
	if p.uploader == nil || p.cfg.WorkDir == "" || jobID == "" {
		return
	}

	dir := filepath.Join(p.cfg.WorkDir, jobID)

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return
	}

	prefix, err := p.uploader.Upload(ctx, dir, cause.Error())
	if err != nil {
		log.WithError(err).Warn("Failed to upload job directory")

		return
	}

	log.WithField("prefix", prefix).Info("Uploaded job directory")
}
