// Package api is the HTTP front end accepting benchmark submissions.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zeek/zeek-benchmarker/pkg/config"
	"github.com/zeek/zeek-benchmarker/pkg/machine"
	"github.com/zeek/zeek-benchmarker/pkg/queue"
	"github.com/zeek/zeek-benchmarker/pkg/request"
	"github.com/zeek/zeek-benchmarker/pkg/signature"
	"github.com/zeek/zeek-benchmarker/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// MachineCollector identifies the host serving the API.
type MachineCollector interface {
	Collect(ctx context.Context) (*machine.Info, error)
}

// Options are the dependencies of the server. Store and Queue are started
// and stopped by the caller.
type Options struct {
	Queue   queue.Queue
	Store   store.Store
	Machine MachineCollector
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	queue      queue.Queue
	store      store.Store
	collector  MachineCollector
	parser     *request.Parser
	machineID  *uint
	limiters   []*rateLimiterMap
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	opts Options,
) Server {
	return newServer(log, cfg, opts)
}

func newServer(log logrus.FieldLogger, cfg *config.APIConfig, opts Options) *server {
	var verifier *signature.Verifier
	if cfg.HMACKey != "" {
		verifier = signature.NewVerifier([]byte(cfg.HMACKey), cfg.HMACWindow)
	}

	return &server{
		log:       log.WithField("component", "api"),
		cfg:       cfg,
		queue:     opts.Queue,
		store:     opts.Store,
		collector: opts.Machine,
		parser:    request.NewParser(cfg.AllowedBuildURLs, verifier),
		done:      make(chan struct{}),
	}
}

// Start records the serving machine and starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	s.resolveMachine(ctx)

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// resolveMachine stores the identity of this host once. Jobs are assumed
// to run on the machine serving the API.
func (s *server) resolveMachine(ctx context.Context) {
	if s.collector == nil || s.store == nil {
		return
	}

	info, err := s.collector.Collect(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Failed to collect machine information")

		return
	}

	m, err := s.store.GetOrCreateMachine(ctx, info)
	if err != nil {
		s.log.WithError(err).Warn("Failed to store machine information")

		return
	}

	s.machineID = &m.ID

	s.log.WithField("machine_id", m.ID).Info("Serving machine registered")
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)

		for _, l := range s.limiters {
			l.stop()
		}
	})

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
