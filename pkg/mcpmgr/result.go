package mcpmgr

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpproto"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcptransport"
)

// ToolDescriptor is one tool advertised by a backend.
type ToolDescriptor struct {
	Name        string               `json:"name"`
	Title       string               `json:"title,omitempty"`
	Description string               `json:"description,omitempty"`
	InputSchema any                  `json:"inputSchema,omitempty"`
	Annotations *mcp.ToolAnnotations `json:"annotations,omitempty"`
}

func toolDescriptorFrom(t *mcp.Tool) ToolDescriptor {
	return ToolDescriptor{
		Name:        t.Name,
		Title:       t.Title,
		Description: t.Description,
		InputSchema: t.InputSchema,
		Annotations: t.Annotations,
	}
}

// ToolCallResult is the outcome of one tools/call. Backend tool errors arrive
// with IsError set and Err nil; gateway, transport and protocol failures set
// Err to a typed error from mcpproto.
type ToolCallResult struct {
	CallID            string        `json:"callId"`
	Backend           string        `json:"backend"`
	Tool              string        `json:"tool"`
	Success           bool          `json:"success"`
	Content           []mcp.Content `json:"content,omitempty"`
	StructuredContent any           `json:"structuredContent,omitempty"`
	Error             string        `json:"error,omitempty"`
	IsError           bool          `json:"isError"`
	Elapsed           time.Duration `json:"-"`
	ElapsedMillis     int64         `json:"elapsedMs"`
	Err               error         `json:"-"`
}

// FailedResult builds the result of a call that never reached a backend.
func FailedResult(backend, tool string, err error) *ToolCallResult {
	r := &ToolCallResult{CallID: uuid.NewString(), Backend: backend, Tool: tool}
	r.fail(err)
	return r
}

func (r *ToolCallResult) fail(err error) {
	r.Success = false
	r.IsError = true
	r.Err = err
	r.Error = err.Error()
}

func (r *ToolCallResult) finish(start time.Time, now time.Time) {
	r.Elapsed = now.Sub(start)
	r.ElapsedMillis = r.Elapsed.Milliseconds()
}

// ErrorKind returns the taxonomy name of Err, or "" for backend-level results.
func (r *ToolCallResult) ErrorKind() string { return mcpproto.Kind(r.Err) }

// decodeCallResult fills r from a tools/call result payload.
func (r *ToolCallResult) decode(raw json.RawMessage) error {
	var res mcp.CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return &mcpproto.ProtocolError{Reason: "decode tools/call result", Err: err}
	}
	r.Content = res.Content
	r.StructuredContent = res.StructuredContent
	r.IsError = res.IsError
	r.Success = !res.IsError
	if res.IsError {
		r.Error = contentText(res.Content)
		if r.Error == "" {
			r.Error = "tool reported an error"
		}
	}
	return nil
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok && tc.Text != "" {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ServerInfo is what a backend reported during initialize.
type ServerInfo struct {
	Name            string                  `json:"name"`
	Title           string                  `json:"title,omitempty"`
	Version         string                  `json:"version"`
	ProtocolVersion string                  `json:"protocolVersion"`
	Instructions    string                  `json:"instructions,omitempty"`
	Capabilities    *mcp.ServerCapabilities `json:"capabilities,omitempty"`
}

// SessionInfo is a point-in-time view of a Session for diagnostics.
type SessionInfo struct {
	BackendID    string            `json:"backendId"`
	Name         string            `json:"name"`
	Transport    mcptransport.Kind `json:"transport"`
	State        State             `json:"state"`
	Server       *ServerInfo       `json:"server,omitempty"`
	ToolCount    int               `json:"toolCount"`
	Refs         int               `json:"refs"`
	LastActivity time.Time         `json:"lastActivity"`
	Restarts     int               `json:"restarts"`
	PID          int               `json:"pid,omitempty"`
	HTTPSession  string            `json:"httpSessionId,omitempty"`
	LastError    string            `json:"lastError,omitempty"`
}

// ConnectError reports a failed connect or handshake for one backend.
type ConnectError struct {
	BackendID string
	Attempt   int
	Err       error
}

func (e *ConnectError) Error() string {
	if e.Attempt > 1 {
		return fmt.Sprintf("mcpmgr: connect %q (attempt %d): %v", e.BackendID, e.Attempt, e.Err)
	}
	return fmt.Sprintf("mcpmgr: connect %q: %v", e.BackendID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
