package mcpproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// ErrUnknownResponse reports a response whose id matches no pending call,
// typically one that arrived after its caller timed out.
var ErrUnknownResponse = errors.New("mcpproto: response for unknown request id")

type phase int

const (
	phaseNew phase = iota
	phaseInitializing
	phaseReady
)

// Codec builds outbound JSON-RPC messages and correlates responses with
// their pending requests. It enforces the MCP
// handshake order: initialize first, then notifications/initialized, then
// everything else. A Codec serves exactly one connection.
type Codec struct {
	nextID  atomic.Int64
	pending *pendingTable

	mu            sync.Mutex
	phase         phase
	initResponded bool
}

// NewCodec returns a codec for a fresh connection.
func NewCodec() *Codec {
	return &Codec{pending: newPendingTable()}
}

// Request builds a request with the next id and registers its pending call.
func (c *Codec) Request(method string, params any) (*PendingCall, *jsonrpc.Request, error) {
	if err := c.admitRequest(method); err != nil {
		return nil, nil, err
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, nil, err
	}
	n := c.nextID.Add(1)
	id, err := jsonrpc.MakeID(float64(n))
	if err != nil {
		return nil, nil, fmt.Errorf("mcpproto: request id %d: %w", n, err)
	}
	call, err := c.pending.add(n, method)
	if err != nil {
		return nil, nil, err
	}
	return call, &jsonrpc.Request{ID: id, Method: method, Params: raw}, nil
}

func (c *Codec) admitRequest(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case phaseNew:
		if method != MethodInitialize {
			return &ProtocolError{Reason: fmt.Sprintf("%s sent before initialize", method)}
		}
		c.phase = phaseInitializing
	case phaseInitializing:
		if method != MethodPing {
			return &ProtocolError{Reason: fmt.Sprintf("%s sent before initialization completed", method)}
		}
	case phaseReady:
		if method == MethodInitialize {
			return &ProtocolError{Reason: "initialize sent twice"}
		}
	}
	return nil
}

// Notification builds a notification. notifications/initialized is accepted
// only after the initialize response and opens the session.
func (c *Codec) Notification(method string, params any) (*jsonrpc.Request, error) {
	c.mu.Lock()
	switch {
	case c.phase == phaseNew:
		c.mu.Unlock()
		return nil, &ProtocolError{Reason: fmt.Sprintf("%s sent before initialize", method)}
	case method == NotifyInitialized:
		if c.phase != phaseInitializing || !c.initResponded {
			c.mu.Unlock()
			return nil, &ProtocolError{Reason: "initialized notification out of order"}
		}
		c.phase = phaseReady
	}
	c.mu.Unlock()

	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &jsonrpc.Request{Method: method, Params: raw}, nil
}

// Response builds a successful reply to a server-initiated request.
func (c *Codec) Response(id ID, result any) (*jsonrpc.Response, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("{}")
	}
	return &jsonrpc.Response{ID: id, Result: raw}, nil
}

// ErrorResponse builds an error reply to a server-initiated request. The
// reply is decoded from its wire form so the code survives re-encoding.
func (c *Codec) ErrorResponse(id ID, code int, message string) (*jsonrpc.Response, error) {
	data, err := json.Marshal(struct {
		JSONRPC string     `json:"jsonrpc"`
		ID      any        `json:"id"`
		Error   *WireError `json:"error"`
	}{JSONRPC: "2.0", ID: id.Raw(), Error: &WireError{Code: code, Message: message}})
	if err != nil {
		return nil, fmt.Errorf("mcpproto: encode error response: %w", err)
	}
	msg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return nil, fmt.Errorf("mcpproto: error response decoded as %T", msg)
	}
	return resp, nil
}

// Ready reports whether the handshake has completed.
func (c *Codec) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == phaseReady
}

// Decode parses one JSON-RPC message. Anything that is not valid JSON-RPC
// 2.0 yields a ProtocolError.
func Decode(frame []byte) (jsonrpc.Message, error) {
	msg, err := jsonrpc.DecodeMessage(frame)
	if err != nil {
		return nil, &ProtocolError{Reason: "malformed frame", Err: err}
	}
	return msg, nil
}

// Deliver resolves the pending call a response belongs to.
func (c *Codec) Deliver(resp *jsonrpc.Response) error {
	id, ok := numericID(resp.ID)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownResponse, resp.ID.Raw())
	}
	call, ok := c.pending.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownResponse, id)
	}
	if resp.Error != nil {
		call.Resolve(nil, MapError(wireError(resp.Error)))
		return nil
	}
	if call.Method == MethodInitialize {
		c.mu.Lock()
		c.initResponded = true
		c.mu.Unlock()
	}
	call.Resolve(resp.Result, nil)
	return nil
}

// FailAll resolves every pending call with err and rejects later requests.
func (c *Codec) FailAll(err error) int {
	return c.pending.failAll(err)
}

// Pending returns the number of unresolved calls.
func (c *Codec) Pending() int {
	return c.pending.len()
}
