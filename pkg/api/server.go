package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"bespoke/pkg/metrics"
	"bespoke/pkg/routerapi"
	"bespoke/pkg/storage"
)

// DefaultMaxBodyBytes bounds the webhook request body forwarded to a node.
const DefaultMaxBodyBytes = 10 << 20

// Forwarder routes a webhook request to a node and returns the node's reply.
type Forwarder interface {
	Forward(ctx context.Context, nodeID string, req *routerapi.ForwardRequest) (*routerapi.ForwardResponse, error)
}

// NodeLister reports the ids of the live nodes.
type NodeLister interface {
	IDs() []string
}

// Config configures the webhook listener.
type Config struct {
	Addr         string
	ServiceName  string
	Version      string
	MaxBodyBytes int64
	Logger       *zap.Logger
	// Metrics, Nodes and History are optional; their admin routes are only
	// installed when set.
	Metrics *metrics.Metrics
	Nodes   NodeLister
	History storage.ExchangeLog
}

// Server represents the public webhook HTTP server.
type Server struct {
	addr         string
	banner       string
	maxBodyBytes int64
	forwarder    Forwarder
	nodes        NodeLister
	history      storage.ExchangeLog
	metrics      *metrics.Metrics
	logger       *zap.Logger
	router       *mux.Router

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
}

// NewServer creates a new Server instance.
func NewServer(f Forwarder, cfg Config) *Server {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "bst-server"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		addr:         cfg.Addr,
		banner:       cfg.ServiceName + "-" + cfg.Version,
		maxBodyBytes: cfg.MaxBodyBytes,
		forwarder:    f,
		nodes:        cfg.Nodes,
		history:      cfg.History,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		router:       mux.NewRouter().SkipClean(true),
	}
	s.routes()
	return s
}

// Router returns the mux.Router instance.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) routes() {
	s.router.HandleFunc("/ping", s.handlePing)

	admin := s.router.PathPrefix("/_relay").Subrouter()
	if s.metrics != nil {
		admin.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	if s.nodes != nil {
		admin.HandleFunc("/nodes", s.handleNodes).Methods(http.MethodGet)
	}
	if s.history != nil {
		admin.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	}
	admin.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusNotFound, "Unknown relay endpoint: "+r.URL.Path)
	})

	s.router.PathPrefix("/").HandlerFunc(s.handleWebhook)
}

// Listen binds the public port.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen for webhooks on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Unlock()
	s.logger.Info("webhook listener bound", zap.Stringer("addr", ln.Addr()))
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

// Serve handles webhooks until Shutdown. It returns nil after a Shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln, srv := s.listener, s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return errors.New("webhook listener is not bound")
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook listener failed: %w", err)
	}
	return nil
}

// Shutdown stops the listener and waits for in-flight webhooks to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln, srv := s.listener, s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	// Serve may never have run, in which case the listener is still open.
	if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
		err = fmt.Errorf("failed to close webhook listener: %w", cerr)
	}
	return err
}
