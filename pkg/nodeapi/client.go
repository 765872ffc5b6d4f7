// Package nodeapi is the node side of the relay protocol: it registers with
// the relay, answers forwarded requests and keeps the connection alive.
package nodeapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"bespoke/pkg/framer"
	"bespoke/pkg/routerapi"
)

const (
	DefaultDialTimeout = 10 * time.Second
	DefaultKeepalive   = 30 * time.Second
)

// ErrRelayClosed is returned when the relay drops the connection.
var ErrRelayClosed = errors.New("relay closed the connection")

// Handler answers a forwarded request.
type Handler interface {
	ServeForward(ctx context.Context, req *routerapi.ForwardRequest) *routerapi.ForwardResponse
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *routerapi.ForwardRequest) *routerapi.ForwardResponse

func (f HandlerFunc) ServeForward(ctx context.Context, req *routerapi.ForwardRequest) *routerapi.ForwardResponse {
	return f(ctx, req)
}

// Client connects a node to a relay.
type Client struct {
	RelayAddr string
	NodeID    string
	Handler   Handler

	// Keepalive is the ping interval. Negative disables pings.
	Keepalive   time.Duration
	DialTimeout time.Duration
	// Backoff paces reconnects in Run.
	Backoff *backoff.Backoff
	Clock   clock.Clock
	Logger  *zap.Logger
}

func (c *Client) clock() clock.Clock {
	if c.Clock == nil {
		return clock.New()
	}
	return c.Clock
}

func (c *Client) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Connect dials the relay, registers and waits for the ack.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	if c.NodeID == "" {
		return nil, fmt.Errorf("node id must not be empty")
	}
	if c.Handler == nil {
		return nil, fmt.Errorf("node %s has no handler", c.NodeID)
	}

	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", c.RelayAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", c.RelayAddr, err)
	}

	logger := c.logger().With(zap.String("node_id", c.NodeID))
	handlerCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		client: c,
		conn:   framer.New(nc, framer.Config{Logger: logger}),
		logger: logger,
		acked:  make(chan struct{}),
		served: make(chan struct{}),
		ctx:    handlerCtx,
		cancel: cancel,
	}
	go func() {
		s.err = s.conn.Serve(s.dispatch)
		close(s.served)
	}()

	if err := s.conn.Send(routerapi.NewRegister(c.NodeID)); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to register: %w", err)
	}

	select {
	case <-s.acked:
		logger.Info("registered with relay", zap.String("relay", c.RelayAddr))
		return s, nil
	case <-s.served:
		s.Close()
		return nil, fmt.Errorf("relay closed the connection before acknowledging registration")
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

// Run keeps the node connected until ctx ends, reconnecting with backoff.
func (c *Client) Run(ctx context.Context) error {
	b := c.Backoff
	if b == nil {
		b = &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}
	}
	logger := c.logger().With(zap.String("node_id", c.NodeID))

	for {
		s, err := c.Connect(ctx)
		if err == nil {
			b.Reset()
			err = s.Serve(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.Duration()
		logger.Warn("relay connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock().After(wait):
		}
	}
}

// Session is one registered connection to the relay.
type Session struct {
	client *Client
	conn   *framer.Conn
	logger *zap.Logger

	ackOnce sync.Once
	acked   chan struct{}
	served  chan struct{}
	err     error

	// ctx is canceled once the connection is gone so in-flight handlers stop.
	ctx      context.Context
	cancel   context.CancelFunc
	handlers sync.WaitGroup
}

func (s *Session) dispatch(msg *routerapi.Message) {
	switch msg.Kind {
	case routerapi.KindAck:
		s.ackOnce.Do(func() { close(s.acked) })
	case routerapi.KindPingAck:
		s.logger.Debug("ping acknowledged")
	case routerapi.KindForwardRequest:
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handle(msg)
		}()
	default:
		s.logger.Debug("ignoring message", zap.String("kind", string(msg.Kind)))
	}
}

func (s *Session) handle(msg *routerapi.Message) {
	var resp *routerapi.ForwardResponse
	req, err := msg.ForwardRequest()
	if err != nil {
		resp = errorResponse(400, err)
	} else {
		resp = s.client.Handler.ServeForward(s.ctx, req)
		if resp == nil {
			resp = errorResponse(500, fmt.Errorf("handler returned no response"))
		}
	}

	reply, err := routerapi.NewForwardResponse(msg.ExchangeID, resp)
	if err != nil {
		s.logger.Error("failed to encode forward response", zap.Uint64("exchange_id", msg.ExchangeID), zap.Error(err))
		return
	}
	if err := s.conn.Send(reply); err != nil {
		s.logger.Debug("failed to send forward response", zap.Uint64("exchange_id", msg.ExchangeID), zap.Error(err))
	}
}

// Serve answers forwarded requests and pings the relay until the connection
// drops or ctx ends. In-flight handlers are waited for before returning.
func (s *Session) Serve(ctx context.Context) error {
	stopPings := s.keepalive()
	defer stopPings()

	select {
	case <-s.served:
	case <-ctx.Done():
		s.conn.Close()
		<-s.served
	}
	s.cancel()
	s.handlers.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.err != nil {
		return s.err
	}
	return ErrRelayClosed
}

func (s *Session) keepalive() func() {
	interval := s.client.Keepalive
	if interval < 0 {
		return func() {}
	}
	if interval == 0 {
		interval = DefaultKeepalive
	}

	ticker := s.client.clock().Ticker(interval)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			case <-s.served:
				return
			case <-ticker.C:
				if err := s.conn.Send(&routerapi.Message{Kind: routerapi.KindPing}); err != nil {
					s.logger.Debug("failed to send ping", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(stop)
		wg.Wait()
	}
}

// Close drops the connection.
func (s *Session) Close() error {
	s.cancel()
	return s.conn.Close()
}

func errorResponse(status int, err error) *routerapi.ForwardResponse {
	return &routerapi.ForwardResponse{
		Status: status,
		Header: map[string][]string{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:   []byte(err.Error()),
	}
}
