package mcpproto

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// MCP method names used by the client side of a session.
const (
	MethodInitialize       = "initialize"
	MethodPing             = "ping"
	MethodToolsList        = "tools/list"
	MethodToolsCall        = "tools/call"
	MethodRootsList        = "roots/list"
	NotifyInitialized      = "notifications/initialized"
	NotifyCancelled        = "notifications/cancelled"
	NotifyProgress         = "notifications/progress"
	NotifyMessage          = "notifications/message"
	NotifyToolsListChanged = "notifications/tools/list_changed"
)

// Protocol revisions this client speaks. LatestProtocolVersion is offered in
// initialize; the server may answer with any supported revision.
const LatestProtocolVersion = "2025-06-18"

var supportedVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
}

// SupportedVersion reports whether v is a protocol revision this client accepts.
func SupportedVersion(v string) bool { return supportedVersions[v] }

// ID is a JSON-RPC request id.
type ID = jsonrpc.ID

// WireError is a JSON-RPC error object.
type WireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// wireError recovers the code, message and data of a decoded response error.
func wireError(err error) *WireError {
	var we WireError
	if data, mErr := json.Marshal(err); mErr == nil && json.Unmarshal(data, &we) == nil && we.Message != "" {
		return &we
	}
	return &WireError{Code: CodeInternalError, Message: err.Error()}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("mcpproto: marshal params: %w", err)
	}
	return data, nil
}

// numericID extracts the int64 correlation id from a response id. String ids
// holding digits are accepted since some servers echo ids as strings.
func numericID(id ID) (int64, bool) {
	switch v := id.Raw().(type) {
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
