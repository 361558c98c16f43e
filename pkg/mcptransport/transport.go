package mcptransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Errors surfaced by Conn. Receive errors wrapping ErrFrameTooLarge or
// ErrMalformedFrame mean the backend broke the wire protocol; every other
// error is an I/O failure.
var (
	ErrClosed         = errors.New("mcptransport: closed")
	ErrProcessExited  = errors.New("mcptransport: process exited")
	ErrStreamClosed   = errors.New("mcptransport: event stream closed")
	ErrSessionExpired = errors.New("mcptransport: http session expired")
	ErrFrameTooLarge  = errors.New("mcptransport: frame exceeds size limit")
	ErrMalformedFrame = errors.New("mcptransport: malformed frame")
)

// Kind names a transport family.
type Kind string

const (
	KindStdio Kind = "stdio"
	KindSSE   Kind = "sse"
	KindHTTP  Kind = "http"
)

// ParseKind maps descriptor spellings onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "stdio":
		return KindStdio, nil
	case "sse":
		return KindSSE, nil
	case "http", "streamable", "streamable-http", "streamableHttp":
		return KindHTTP, nil
	default:
		return "", fmt.Errorf("mcptransport: unknown transport %q", s)
	}
}

// Config describes how to reach one backend. The concrete types are
// *StdioConfig, *SSEConfig and *HTTPConfig.
type Config interface {
	Kind() Kind
	validate() error
}

// StdioConfig launches the backend as a child process speaking
// newline-delimited JSON-RPC on stdin/stdout.
type StdioConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

func (c *StdioConfig) Kind() Kind { return KindStdio }

func (c *StdioConfig) validate() error {
	if c.Command == "" {
		return errors.New("mcptransport: stdio command is required")
	}
	return nil
}

// SSEConfig dials a legacy HTTP+SSE backend.
type SSEConfig struct {
	URL     string
	Headers http.Header
}

func (c *SSEConfig) Kind() Kind { return KindSSE }

func (c *SSEConfig) validate() error { return validateURL(c.URL) }

// HTTPConfig dials a Streamable HTTP backend.
type HTTPConfig struct {
	URL     string
	Headers http.Header
}

func (c *HTTPConfig) Kind() Kind { return KindHTTP }

func (c *HTTPConfig) validate() error { return validateURL(c.URL) }

// Options tune transport construction.
type Options struct {
	Logger *slog.Logger
	// HTTPClient is the base client for SSE and Streamable HTTP transports.
	HTTPClient *http.Client
	// MaxFrameBytes bounds the payload (params or result) of a single
	// inbound message. Defaults to 16 MiB.
	MaxFrameBytes int
	// CloseGrace is how long a child process may take to exit after stdin
	// closes, and again after SIGTERM, before it is killed. Defaults to 2s.
	CloseGrace time.Duration
}

const (
	defaultMaxFrameBytes = 16 << 20
	defaultCloseGrace    = 2 * time.Second
)

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.HTTPClient == nil {
		out.HTTPClient = http.DefaultClient
	}
	if out.MaxFrameBytes <= 0 {
		out.MaxFrameBytes = defaultMaxFrameBytes
	}
	if out.CloseGrace <= 0 {
		out.CloseGrace = defaultCloseGrace
	}
	return out
}

// Transport dials one backend through the go-sdk client transports. A
// Transport connects at most once; reconnecting needs a fresh one from New.
type Transport struct {
	kind   Kind
	target string
	opts   Options
	dial   mcp.Transport

	proc    *process     // stdio only
	headers *headerState // sse and http only

	used atomic.Bool
}

// New builds the transport matching cfg. Nothing is dialled or spawned until
// Connect.
func New(cfg Config, opts *Options) (*Transport, error) {
	if cfg == nil {
		return nil, errors.New("mcptransport: nil config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := opts.withDefaults()
	t := &Transport{kind: cfg.Kind(), opts: o}
	switch c := cfg.(type) {
	case *StdioConfig:
		t.target = c.Command
		t.proc = newProcess(c, o)
		t.dial = &mcp.CommandTransport{Command: t.proc.cmd, TerminateDuration: o.CloseGrace}
	case *SSEConfig:
		t.target = c.URL
		t.headers = &headerState{}
		t.dial = &mcp.SSEClientTransport{
			Endpoint:   c.URL,
			HTTPClient: decorateHTTPClient(o.HTTPClient, c.Headers, t.headers),
		}
	case *HTTPConfig:
		t.target = c.URL
		t.headers = &headerState{}
		t.dial = &mcp.StreamableClientTransport{
			Endpoint:   c.URL,
			HTTPClient: decorateHTTPClient(o.HTTPClient, c.Headers, t.headers),
		}
	default:
		return nil, fmt.Errorf("mcptransport: unsupported config %T", cfg)
	}
	return t, nil
}

// Kind reports the transport family.
func (t *Transport) Kind() Kind { return t.kind }

// Connect spawns or dials the backend. ctx bounds only the dial; the
// returned Conn lives until Close.
func (t *Transport) Connect(ctx context.Context) (*Conn, error) {
	if !t.used.CompareAndSwap(false, true) {
		return nil, errors.New("mcptransport: transport already connected")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.proc != nil {
		if err := t.proc.prepare(); err != nil {
			return nil, err
		}
	}

	lifetime, cancel := context.WithCancel(context.WithoutCancel(ctx))
	type dialed struct {
		conn mcp.Connection
		err  error
	}
	ch := make(chan dialed, 1)
	go func() {
		conn, err := t.dial.Connect(lifetime)
		if t.proc != nil {
			t.proc.started(err)
		}
		ch <- dialed{conn: conn, err: err}
	}()

	select {
	case d := <-ch:
		if d.err != nil {
			cancel()
			return nil, fmt.Errorf("mcptransport: connect %s %q: %w", t.kind, t.target, d.err)
		}
		return t.newConn(d.conn, cancel), nil
	case <-ctx.Done():
		cancel()
		go func() {
			if d := <-ch; d.conn != nil {
				_ = t.newConn(d.conn, cancel).Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (t *Transport) newConn(conn mcp.Connection, cancel context.CancelFunc) *Conn {
	return &Conn{
		conn:     conn,
		kind:     t.kind,
		maxFrame: t.opts.MaxFrameBytes,
		cancel:   cancel,
		proc:     t.proc,
		headers:  t.headers,
	}
}
