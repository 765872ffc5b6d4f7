// Package nodeserver accepts persistent node connections, performs the
// registration handshake and feeds node responses back to pending exchanges.
package nodeserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"bespoke/pkg/framer"
	"bespoke/pkg/metrics"
	"bespoke/pkg/node"
	"bespoke/pkg/registry"
	"bespoke/pkg/routerapi"
)

// DefaultRegisterTimeout bounds how long a fresh connection may stay unregistered.
const DefaultRegisterTimeout = 10 * time.Second

// Config configures a Server.
type Config struct {
	Addr            string
	RegisterTimeout time.Duration
	MaxFrameSize    int
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

// Server is the node listener.
type Server struct {
	addr            string
	registerTimeout time.Duration
	maxFrameSize    int
	registry        *registry.Registry
	logger          *zap.Logger
	metrics         *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
	conns    map[*framer.Conn]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// NewServer creates a node listener that registers nodes into reg.
func NewServer(reg *registry.Registry, cfg Config) *Server {
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = DefaultRegisterTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Server{
		addr:            cfg.Addr,
		registerTimeout: cfg.RegisterTimeout,
		maxFrameSize:    cfg.MaxFrameSize,
		registry:        reg,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		conns:           make(map[*framer.Conn]struct{}),
	}
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen for nodes on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("node listener bound", zap.Stringer("addr", ln.Addr()))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Shutdown is called. It returns nil after a
// Shutdown and the accept error otherwise.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("node listener is not bound")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("temporary accept failure", zap.Error(err))
				continue
			}
			return fmt.Errorf("node listener accept failed: %w", err)
		}

		// Before registration any malformed frame ends the connection.
		var registered atomic.Bool
		var fc *framer.Conn
		fc = framer.New(conn, framer.Config{
			MaxFrameSize: s.maxFrameSize,
			Logger:       s.logger,
			OnMalformed: func(err error) {
				s.metrics.MalformedMessage()
				if !registered.Load() {
					s.logger.Warn("malformed message before registration, closing",
						zap.Stringer("remote", fc.RemoteAddr()), zap.Error(err))
					fc.Close()
				}
			},
		})
		if !s.track(fc) {
			fc.Close()
			continue
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(fc)
			s.handle(fc, &registered)
		}()
	}
}

func (s *Server) track(fc *framer.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[fc] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(fc *framer.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, fc)
}

// handle runs the message loop of one connection and cleans up after it.
func (s *Server) handle(fc *framer.Conn, registered *atomic.Bool) {
	logger := s.logger.With(zap.Stringer("remote", fc.RemoteAddr()))
	logger.Info("node connected")

	if err := fc.SetReadDeadline(time.Now().Add(s.registerTimeout)); err != nil {
		logger.Warn("failed to set registration deadline", zap.Error(err))
	}

	var n *node.Node
	err := fc.Serve(func(msg *routerapi.Message) {
		if n == nil {
			n = s.register(fc, msg, logger)
			if n != nil {
				registered.Store(true)
				logger = logger.With(zap.String("node_id", n.ID))
			}
			return
		}
		s.dispatch(n, fc, msg, logger)
	})

	if n == nil {
		logger.Info("connection closed before registration", zap.Error(err))
		return
	}
	if s.registry.Remove(n) {
		s.metrics.NodeRemoved()
	}
	n.Close()
	logger.Info("node disconnected", zap.Error(err))
}

// register handles the first message of a connection.
func (s *Server) register(fc *framer.Conn, msg *routerapi.Message, logger *zap.Logger) *node.Node {
	if msg.Kind != routerapi.KindRegister {
		logger.Warn("expected register message, closing", zap.String("kind", string(msg.Kind)))
		fc.Close()
		return nil
	}
	if msg.ID == "" {
		logger.Warn("register message without node id, closing")
		fc.Close()
		return nil
	}

	n := node.New(msg.ID, fc, s.logger)
	if displaced := s.registry.Add(n); displaced != nil {
		logger.Info("replacing existing node connection", zap.String("node_id", msg.ID))
		displaced.Close()
		s.metrics.NodeRemoved()
	}
	s.metrics.NodeRegistered()

	if err := fc.SetReadDeadline(time.Time{}); err != nil {
		logger.Warn("failed to clear registration deadline", zap.Error(err))
	}
	if err := fc.Send(&routerapi.Message{Kind: routerapi.KindAck}); err != nil {
		logger.Warn("failed to acknowledge registration", zap.Error(err))
	}
	logger.Info("node registered", zap.String("node_id", n.ID))
	return n
}

// dispatch handles messages on a registered connection.
func (s *Server) dispatch(n *node.Node, fc *framer.Conn, msg *routerapi.Message, logger *zap.Logger) {
	switch msg.Kind {
	case routerapi.KindPing:
		if err := fc.Send(&routerapi.Message{Kind: routerapi.KindPingAck}); err != nil {
			logger.Warn("failed to answer ping", zap.Error(err))
		}
	case routerapi.KindForwardResponse:
		resp, err := msg.ForwardResponse()
		if err != nil {
			s.metrics.MalformedMessage()
			logger.Warn("failing exchange on malformed forward-response",
				zap.Uint64("exchange_id", msg.ExchangeID), zap.Error(err))
			n.Fail(msg.ExchangeID, fmt.Errorf("%w: %v", node.ErrInvalidResponse, err))
			return
		}
		if !n.Resolve(msg.ExchangeID, resp) {
			logger.Debug("discarding response for unknown exchange", zap.Uint64("exchange_id", msg.ExchangeID))
		}
	case routerapi.KindRegister:
		logger.Warn("ignoring repeated register message")
	default:
		logger.Warn("ignoring unexpected message", zap.String("kind", string(msg.Kind)))
	}
}

// Shutdown stops accepting, closes every connection still open and waits for
// their handlers to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	conns := make([]*framer.Conn, 0, len(s.conns))
	for fc := range s.conns {
		conns = append(conns, fc)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("failed to close node listener: %w", cerr)
		}
	}
	for _, fc := range conns {
		fc.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
