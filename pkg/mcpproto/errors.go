package mcpproto

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the failure kinds surfaced to callers. Typed errors in
// this file match them through errors.Is.
var (
	// ErrTransport reports a broken transport: process exit, dropped stream, HTTP failure.
	ErrTransport = errors.New("mcp: transport error")

	// ErrProtocol reports a malformed frame, a handshake violation or a version mismatch.
	ErrProtocol = errors.New("mcp: protocol error")

	// ErrToolNotFound reports a namespaced lookup with no matching backend tool.
	ErrToolNotFound = errors.New("mcp: tool not found")

	// ErrBackendNotLoaded reports a call routed to a backend that was never loaded.
	ErrBackendNotLoaded = errors.New("mcp: backend not loaded")

	// ErrTimeout reports a call that exceeded its deadline.
	ErrTimeout = errors.New("mcp: timeout")

	// ErrCancelled reports a call cancelled by session teardown or its caller.
	ErrCancelled = errors.New("mcp: cancelled")
)

// TransportError wraps the underlying I/O failure of a session transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transport error: %v", e.Err)
	}
	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ProtocolError describes a message that violates JSON-RPC or MCP framing rules.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// ToolNotFoundError names the tool a caller asked for.
type ToolNotFoundError struct {
	Backend string
	Tool    string
}

func (e *ToolNotFoundError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("tool not found: %q", e.Tool)
	}
	return fmt.Sprintf("tool not found: %q on backend %q", e.Tool, e.Backend)
}

func (e *ToolNotFoundError) Is(target error) bool { return target == ErrToolNotFound }

// BackendNotLoadedError names a backend that must be loaded before use.
type BackendNotLoadedError struct {
	Backend string
}

func (e *BackendNotLoadedError) Error() string {
	return fmt.Sprintf("backend not loaded: %q (call load_mcp_tools first)", e.Backend)
}

func (e *BackendNotLoadedError) Is(target error) bool { return target == ErrBackendNotLoaded }

// TimeoutError records which request ran out of time.
type TimeoutError struct {
	Method string
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for %s", e.Method)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// CancelledError records a request abandoned before its response arrived.
type CancelledError struct {
	Method string
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s cancelled", e.Method)
	}
	return fmt.Sprintf("%s cancelled: %s", e.Method, e.Reason)
}

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

// RPCError is a JSON-RPC error object returned by the backend for a request.
type RPCError struct {
	Code    int
	Message string
	Data    []byte
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// MapError converts a wire error object into the error returned to callers.
// Framing codes become protocol errors, everything else stays an RPCError.
func MapError(w *WireError) error {
	if w == nil {
		return nil
	}
	rpc := &RPCError{Code: w.Code, Message: w.Message, Data: w.Data}
	switch w.Code {
	case CodeParseError, CodeInvalidRequest:
		return &ProtocolError{Reason: "backend rejected request", Err: rpc}
	default:
		return rpc
	}
}

// ContextError converts a context error into TimeoutError or CancelledError.
func ContextError(method string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Method: method, Err: err}
	}
	return &CancelledError{Method: method, Reason: errString(err)}
}

// IsMethodNotFound reports whether err is a JSON-RPC method-not-found error.
func IsMethodNotFound(err error) bool {
	var rpc *RPCError
	return errors.As(err, &rpc) && rpc.Code == CodeMethodNotFound
}

// Kind returns the short taxonomy name of err, or "" when it has none.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrToolNotFound):
		return "ToolNotFoundError"
	case errors.Is(err, ErrBackendNotLoaded):
		return "BackendNotLoadedError"
	case errors.Is(err, ErrTimeout):
		return "TimeoutError"
	case errors.Is(err, ErrCancelled):
		return "CancelledError"
	case errors.Is(err, ErrProtocol):
		return "ProtocolError"
	case errors.Is(err, ErrTransport):
		return "TransportError"
	}
	var rpc *RPCError
	if errors.As(err, &rpc) {
		return "RPCError"
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
