package mcptransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Conn is one live connection to a backend. Send and Receive may be called
// concurrently with each other, but Receive must have a single caller. Any
// Receive error is terminal for the connection.
type Conn struct {
	conn     mcp.Connection
	kind     Kind
	maxFrame int
	cancel   context.CancelFunc

	proc    *process
	headers *headerState

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Send writes one message to the backend.
func (c *Conn) Send(ctx context.Context, msg jsonrpc.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.conn.Write(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.ioError("send", err)
	}
	return nil
}

// Receive returns the next inbound message.
func (c *Conn) Receive(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.conn.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.receiveError(err)
	}
	if n := payloadSize(msg); n > c.maxFrame {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, n, c.maxFrame)
	}
	return msg, nil
}

func (c *Conn) receiveError(err error) error {
	if c.closed.Load() || errors.Is(err, io.EOF) || isIOError(err) || c.kind == KindHTTP {
		return c.ioError("receive", err)
	}
	// Decoder and envelope errors on a byte stream: the backend wrote
	// something that is not JSON-RPC.
	return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
}

func (c *Conn) ioError(op string, err error) error {
	switch {
	case c.closed.Load():
		return ErrClosed
	case c.headers != nil && c.headers.expired():
		return fmt.Errorf("%w: %v", ErrSessionExpired, err)
	case errors.Is(err, io.EOF) && c.kind == KindStdio:
		// stdout is gone; reaping the child yields its exit status.
		_ = c.release()
		return fmt.Errorf("%w: %s", ErrProcessExited, c.proc.status())
	case errors.Is(err, io.EOF):
		return ErrStreamClosed
	default:
		return fmt.Errorf("mcptransport: %s: %w", op, err)
	}
}

func isIOError(err error) bool {
	var (
		pathErr *fs.PathError
		netErr  net.Error
	)
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, fs.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, mcp.ErrConnectionClosed) ||
		errors.As(err, &pathErr) ||
		errors.As(err, &netErr)
}

// payloadSize is the size of the variable part of a message: params for
// requests and notifications, result or error for responses.
func payloadSize(msg jsonrpc.Message) int {
	switch m := msg.(type) {
	case *jsonrpc.Request:
		return len(m.Method) + len(m.Params)
	case *jsonrpc.Response:
		n := len(m.Result)
		if m.Error != nil {
			n += len(m.Error.Error())
		}
		return n
	default:
		return 0
	}
}

// Close shuts the connection. For stdio backends the child is asked to exit
// by closing stdin, then signalled, and its process group is killed so
// nothing it spawned outlives it.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return c.release()
}

func (c *Conn) release() error {
	c.closeOnce.Do(func() {
		err := c.conn.Close()
		c.cancel()
		if c.proc != nil {
			err = c.proc.reap(err)
		}
		c.closeErr = err
	})
	return c.closeErr
}

// PID is the child process id for stdio backends, else 0.
func (c *Conn) PID() int {
	if c.proc == nil {
		return 0
	}
	return c.proc.pid()
}

// SessionID is the server-assigned Streamable HTTP session id, if any.
func (c *Conn) SessionID() string { return c.conn.SessionID() }

// SetProtocolVersion advertises the negotiated revision on later HTTP
// requests. It is a no-op for stdio.
func (c *Conn) SetProtocolVersion(version string) {
	if c.headers != nil {
		c.headers.setVersion(version)
	}
}
