// Package framer turns a duplex byte stream into a sequence of routerapi messages.
//
// Every frame is an unsigned varint holding the body length followed by the JSON
// encoding of one routerapi.Message. Both the relay and its nodes use this scheme.
package framer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/multiformats/go-varint"
	"go.uber.org/zap"

	"bespoke/pkg/routerapi"
)

const (
	// DefaultMaxFrameSize bounds the body of a single frame.
	DefaultMaxFrameSize = 16 << 20
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second
)

var (
	// ErrClosed is returned when sending on a connection that is closed or failed.
	ErrClosed = errors.New("connection closed")
	// ErrMalformedMessage marks a frame that was dropped without closing the connection.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrFrameTooLarge is returned for frames above the configured maximum.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Handler receives every complete message read from a connection, in stream order.
type Handler func(msg *routerapi.Message)

// Config tunes a Conn. Zero values pick the defaults.
type Config struct {
	MaxFrameSize int
	WriteTimeout time.Duration
	Logger       *zap.Logger
	// OnMalformed is called for every dropped frame.
	OnMalformed func(err error)
}

// Conn is a framed message connection.
type Conn struct {
	conn         net.Conn
	reader       *bufio.Reader
	maxFrameSize int
	writeTimeout time.Duration
	logger       *zap.Logger
	onMalformed  func(error)

	wmu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// New wraps conn. The caller must run Serve to consume incoming messages.
func New(conn net.Conn, cfg Config) *Conn {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Conn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		maxFrameSize: cfg.MaxFrameSize,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger.With(zap.Stringer("remote", conn.RemoteAddr())),
		onMalformed:  cfg.OnMalformed,
		done:         make(chan struct{}),
	}
}

// Send writes msg as one frame. Concurrent calls never interleave their bytes.
func (c *Conn) Send(msg *routerapi.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Kind, err)
	}
	if len(body) > c.maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	frame := append(varint.ToUvarint(uint64(len(body))), body...)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.fail(err)
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.fail(err)
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Serve reads frames until the stream ends, passing each message to h.
// Malformed frames are logged and skipped. Serve returns nil when the peer
// closed cleanly or Close was called, and the stream error otherwise.
func (c *Conn) Serve(h Handler) error {
	for {
		msg, err := c.readMessage()
		if err != nil {
			if errors.Is(err, ErrMalformedMessage) {
				c.logger.Warn("dropping malformed message", zap.Error(err))
				if c.onMalformed != nil {
					c.onMalformed(err)
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				c.closeWith(nil)
			} else {
				c.fail(err)
			}
			return c.Err()
		}
		h(msg)
	}
}

func (c *Conn) readMessage() (*routerapi.Message, error) {
	n, err := varint.ReadUvarint(c.reader)
	if err != nil {
		return nil, err
	}
	if n > uint64(c.maxFrameSize) {
		if _, err := io.CopyN(io.Discard, c.reader, int64(n)); err != nil {
			return nil, unexpected(err)
		}
		return nil, fmt.Errorf("%w: %w: %d bytes", ErrMalformedMessage, ErrFrameTooLarge, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, unexpected(err)
	}

	var msg routerapi.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return &msg, nil
}

// EOF inside a frame means the frame was truncated.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// SetReadDeadline bounds the next reads. The zero time clears it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying stream. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeWith(nil)
	return nil
}

// Done is closed exactly once, when the connection is closed for any reason.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection closed. It is nil while open, after a local
// Close and after a clean close by the peer.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) fail(err error) {
	c.closeWith(fmt.Errorf("%w: %v", ErrClosed, err))
}

func (c *Conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		if cerr := c.conn.Close(); cerr != nil {
			c.logger.Debug("close failed", zap.Error(cerr))
		}
		close(c.done)
	})
}
