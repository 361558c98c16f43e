package mcptransport

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RPCDirection represents the direction of an observed JSON-RPC frame.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent carries one JSON-RPC frame for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	BackendID string
}

// RPCLogger is invoked for each frame when logging is enabled.
type RPCLogger func(RPCLogEvent)

// SlogRPCLogger writes every frame to logger at debug level.
func SlogRPCLogger(logger *slog.Logger) RPCLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return func(evt RPCLogEvent) {
		logger.Debug("jsonrpc", "backend", evt.BackendID, "direction", string(evt.Direction), "frame", string(evt.Message))
	}
}

// WithLogging makes every message sent or received on t's connection visible
// to logger. A nil logger leaves t unchanged. It must be called before
// Connect.
func WithLogging(t *Transport, backendID string, logger RPCLogger) *Transport {
	if logger == nil {
		return t
	}
	t.dial = &loggingTransport{backendID: backendID, delegate: t.dial, logger: logger}
	return t
}

type loggingTransport struct {
	backendID string
	delegate  mcp.Transport
	logger    RPCLogger
}

func (t *loggingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConnection{backendID: t.backendID, delegate: conn, logger: t.logger}, nil
}

type loggingConnection struct {
	backendID string
	delegate  mcp.Connection
	logger    RPCLogger
}

func (c *loggingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err != nil {
		return nil, err
	}
	c.emit(RPCDirectionReceive, msg)
	return msg, nil
}

func (c *loggingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit(RPCDirectionSend, msg)
	return nil
}

func (c *loggingConnection) Close() error { return c.delegate.Close() }

func (c *loggingConnection) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConnection) emit(direction RPCDirection, msg jsonrpc.Message) {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return
	}
	c.logger(RPCLogEvent{Direction: direction, Message: data, BackendID: c.backendID})
}
