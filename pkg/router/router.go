package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"bespoke/pkg/framer"
	"bespoke/pkg/node"
	"bespoke/pkg/registry"
	"bespoke/pkg/routerapi"
)

// DefaultTimeout matches the webhook timeout of the voice platforms calling the relay.
const DefaultTimeout = 8 * time.Second

var (
	// ErrNodeNotFound is returned when no node is registered under the requested id.
	ErrNodeNotFound = errors.New("node is not active")
	// ErrNodeTimeout is returned when the node did not answer before the exchange deadline.
	ErrNodeTimeout = errors.New("node did not respond in time")
	// ErrNodeDisconnected is returned when the node connection closed before it answered.
	ErrNodeDisconnected = node.ErrNodeDisconnected
	// ErrInvalidResponse is returned when the node answered with an unusable reply.
	ErrInvalidResponse = node.ErrInvalidResponse
)

// Config configures a Router.
type Config struct {
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *zap.Logger
}

// Router forwards webhook requests to registered nodes and waits for the correlated response.
type Router struct {
	registry *registry.Registry
	timeout  time.Duration
	clock    clock.Clock
	logger   *zap.Logger
}

// NewRouter creates a new Router instance.
func NewRouter(reg *registry.Registry, cfg Config) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Router{
		registry: reg,
		timeout:  cfg.Timeout,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Forward sends req to the node registered as nodeID and returns its response.
// Exchanges on one node are matched by exchange id only, so responses may
// arrive in any order.
func (r *Router) Forward(ctx context.Context, nodeID string, req *routerapi.ForwardRequest) (*routerapi.ForwardResponse, error) {
	n, ok := r.registry.Get(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	ex, err := n.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, nodeID)
	}
	logger := r.logger.With(zap.String("node_id", nodeID), zap.Uint64("exchange_id", ex.ID))

	msg, err := routerapi.NewForwardRequest(ex.ID, req)
	if err != nil {
		n.Cancel(ex.ID)
		return nil, err
	}

	deadline := r.clock.Timer(r.timeout)
	defer deadline.Stop()

	if err := n.Send(msg); err != nil {
		n.Cancel(ex.ID)
		if errors.Is(err, framer.ErrClosed) {
			return nil, fmt.Errorf("%w: %s: %v", ErrNodeDisconnected, nodeID, err)
		}
		return nil, fmt.Errorf("failed to forward request to node %s: %w", nodeID, err)
	}
	logger.Debug("forwarded request", zap.String("method", req.Method), zap.String("path", req.Path))

	select {
	case <-ex.Done():
		resp, err := ex.Result()
		if err != nil {
			logger.Info("exchange failed", zap.Error(err))
			return nil, fmt.Errorf("%w: %s", err, nodeID)
		}
		return resp, nil
	case <-deadline.C:
		n.Cancel(ex.ID)
		logger.Warn("exchange timed out", zap.Duration("timeout", r.timeout))
		return nil, fmt.Errorf("%w: %s after %s", ErrNodeTimeout, nodeID, r.timeout)
	case <-ctx.Done():
		n.Cancel(ex.ID)
		logger.Info("caller went away", zap.Error(ctx.Err()))
		return nil, ctx.Err()
	}
}
