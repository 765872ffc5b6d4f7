// Package relay composes the node listener and the webhook listener under a
// single start/stop lifecycle.
package relay

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bespoke/pkg/api"
	"bespoke/pkg/config"
	"bespoke/pkg/metrics"
	"bespoke/pkg/nodeserver"
	"bespoke/pkg/registry"
	"bespoke/pkg/router"
	"bespoke/pkg/storage"
)

// Option customises a Service.
type Option func(*Service)

// WithClock drives exchange deadlines from c.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithHistory uses log instead of the backend named in the configuration.
func WithHistory(log storage.ExchangeLog) Option {
	return func(s *Service) { s.history = log }
}

// Service is the relay process: a node listener and a webhook listener
// sharing one registry.
type Service struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    clock.Clock
	registry *registry.Registry
	router   *router.Router
	metrics  *metrics.Metrics
	history  storage.ExchangeLog
	nodes    *nodeserver.Server
	webhooks *api.Server

	serving sync.WaitGroup
	errs    chan error
}

// New wires a Service from cfg. Nothing is bound until Start.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		registry: registry.New(),
		errs:     make(chan error, 2),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Metrics {
		s.metrics = metrics.New()
	}
	if s.history == nil {
		history, err := openHistory(ctx, cfg.History)
		if err != nil {
			return nil, err
		}
		s.history = history
	}

	s.router = router.NewRouter(s.registry, router.Config{
		Timeout: cfg.ExchangeTimeout,
		Clock:   s.clock,
		Logger:  logger.Named("router"),
	})
	s.nodes = nodeserver.NewServer(s.registry, nodeserver.Config{
		Addr:            cfg.NodeAddr,
		RegisterTimeout: cfg.RegisterTimeout,
		MaxFrameSize:    cfg.MaxFrameSize,
		Logger:          logger.Named("nodeserver"),
		Metrics:         s.metrics,
	})

	s.webhooks = api.NewServer(s.router, api.Config{
		Addr:         cfg.WebhookAddr,
		ServiceName:  cfg.ServiceName,
		Version:      config.Version,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       logger.Named("api"),
		Metrics:      s.metrics,
		Nodes:        s.registry,
		History:      s.history,
	})
	return s, nil
}

// Start binds both listeners and begins serving. onReady runs once both are
// bound. If either bind fails, whatever was bound is released and the error
// is returned without calling onReady.
func (s *Service) Start(ctx context.Context, onReady func()) error {
	var g errgroup.Group
	g.Go(s.nodes.Listen)
	g.Go(s.webhooks.Listen)
	if err := g.Wait(); err != nil {
		if serr := s.shutdownListeners(ctx); serr != nil {
			s.logger.Warn("failed to release listeners after start failure", zap.Error(serr))
		}
		return err
	}

	s.serve("node listener", s.nodes.Serve)
	s.serve("webhook listener", s.webhooks.Serve)

	s.logger.Info("relay started",
		zap.Stringer("webhook_addr", s.webhooks.Addr()),
		zap.Stringer("node_addr", s.nodes.Addr()),
		zap.String("version", config.Version))
	if onReady != nil {
		onReady()
	}
	return nil
}

func (s *Service) serve(name string, serve func() error) {
	s.serving.Add(1)
	go func() {
		defer s.serving.Done()
		if err := serve(); err != nil {
			s.logger.Error(name+" stopped", zap.Error(err))
			s.errs <- err
		}
	}()
}

// Errors delivers listener failures that happen after Start.
func (s *Service) Errors() <-chan error {
	return s.errs
}

// Stop closes every node connection, failing their pending exchanges, then
// stops both listeners. onStopped runs once both listeners and all node
// connections are released; it is not called if ctx ends first.
func (s *Service) Stop(ctx context.Context, onStopped func()) error {
	for _, n := range s.registry.Nodes() {
		if err := n.Close(); err != nil {
			s.logger.Debug("failed to close node", zap.String("node_id", n.ID), zap.Error(err))
		}
	}

	err := s.shutdownListeners(ctx)
	if err != nil {
		return err
	}
	s.serving.Wait()

	if s.history != nil {
		if herr := s.history.Close(); herr != nil {
			s.logger.Warn("failed to close exchange history", zap.Error(herr))
		}
	}

	s.logger.Info("relay stopped")
	if onStopped != nil {
		onStopped()
	}
	return nil
}

// shutdownListeners stops both listeners concurrently and waits for both.
func (s *Service) shutdownListeners(ctx context.Context) error {
	var nodeErr, webhookErr error
	var g errgroup.Group
	g.Go(func() error {
		nodeErr = s.nodes.Shutdown(ctx)
		return nil
	})
	g.Go(func() error {
		webhookErr = s.webhooks.Shutdown(ctx)
		return nil
	})
	g.Wait()
	return multierr.Combine(nodeErr, webhookErr)
}

// WebhookAddr returns the bound webhook address.
func (s *Service) WebhookAddr() net.Addr {
	return s.webhooks.Addr()
}

// NodeAddr returns the bound node address.
func (s *Service) NodeAddr() net.Addr {
	return s.nodes.Addr()
}

// Registry exposes the live node registry.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}
