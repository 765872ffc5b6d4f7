// Package node holds a registered developer endpoint and the exchanges
// outstanding on its connection.
package node

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"bespoke/pkg/routerapi"
)

var (
	// ErrNodeDisconnected resolves exchanges whose node connection closed first.
	ErrNodeDisconnected = errors.New("node disconnected")
	// ErrInvalidResponse resolves exchanges the node answered with an unusable reply.
	ErrInvalidResponse = errors.New("invalid response from node")
)

// Conn is the framed connection a node is reached through.
type Conn interface {
	Send(msg *routerapi.Message) error
	Close() error
	Done() <-chan struct{}
}

// Node represents one registered developer endpoint.
type Node struct {
	ID string

	conn   Conn
	logger *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Exchange
	closed  bool
}

// New creates a Node that owns conn.
func New(id string, conn Conn, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		ID:      id,
		conn:    conn,
		logger:  logger.With(zap.String("node_id", id)),
		pending: make(map[uint64]*Exchange),
	}
}

// Begin allocates the next exchange id and registers a pending exchange for it.
func (n *Node) Begin() (*Exchange, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, ErrNodeDisconnected
	}
	n.nextID++
	ex := newExchange(n.nextID)
	n.pending[ex.ID] = ex
	return ex, nil
}

// Send writes msg on the node connection.
func (n *Node) Send(msg *routerapi.Message) error {
	return n.conn.Send(msg)
}

// Resolve completes the pending exchange with the given id. It reports false
// when no such exchange is outstanding, e.g. a response arriving after its deadline.
func (n *Node) Resolve(exchangeID uint64, resp *routerapi.ForwardResponse) bool {
	ex := n.take(exchangeID)
	if ex == nil {
		return false
	}
	ex.complete(resp, nil)
	return true
}

// Fail resolves the pending exchange with err. It reports false when no such
// exchange is pending.
func (n *Node) Fail(exchangeID uint64, err error) bool {
	ex := n.take(exchangeID)
	if ex == nil {
		return false
	}
	ex.complete(nil, err)
	return true
}

// Cancel abandons the pending exchange. A later response for it is discarded.
func (n *Node) Cancel(exchangeID uint64) {
	n.take(exchangeID)
}

func (n *Node) take(exchangeID uint64) *Exchange {
	n.mu.Lock()
	defer n.mu.Unlock()

	ex, ok := n.pending[exchangeID]
	if !ok {
		return nil
	}
	delete(n.pending, exchangeID)
	return ex
}

// Pending returns the number of outstanding exchanges.
func (n *Node) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Close closes the connection and fails every outstanding exchange with
// ErrNodeDisconnected. It is safe to call more than once.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	pending := n.pending
	n.pending = make(map[uint64]*Exchange)
	n.mu.Unlock()

	err := n.conn.Close()
	for _, ex := range pending {
		ex.complete(nil, ErrNodeDisconnected)
	}
	if len(pending) > 0 {
		n.logger.Info("node closed with exchanges outstanding", zap.Int("pending", len(pending)))
	}
	return err
}

// Done is closed once the node connection is gone.
func (n *Node) Done() <-chan struct{} {
	return n.conn.Done()
}
