// Package mcptest provides stub MCP backends for tests. A stdio stub is the
// test binary itself, re-executed with an environment marker; call
// ServeIfStub from TestMain so that the child serves MCP instead of running
// tests.
package mcptest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const stubEnv = "MCPTEST_STUB_SERVER"

// Tool names served by every stub.
const (
	ToolPing     = "ping"
	ToolEcho     = "echo"
	ToolSleep    = "sleep"
	ToolFail     = "fail"
	ToolCrash    = "crash"
	ToolGarbage  = "garbage"
	ToolProgress = "progress"
	ToolEnv      = "env"
	ToolGrow     = "grow"
	ToolLate     = "late"
)

// ServeIfStub serves the stub over stdio and exits when the process was
// launched by StubCommand. It returns immediately otherwise.
func ServeIfStub() {
	name := os.Getenv(stubEnv)
	if name == "" {
		return
	}
	if err := NewServer(name).Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		fmt.Fprintln(os.Stderr, "mcptest stub:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// StubCommand returns the command line that launches a stdio stub named
// name. The returned env must be passed to the child.
func StubCommand(t testing.TB, name string) (command string, args []string, env map[string]string) {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("mcptest: resolve test binary: %v", err)
	}
	return exe, []string{"-test.run=^$"}, map[string]string{stubEnv: name}
}

// NewStreamableServer serves a stub over Streamable HTTP and returns its URL.
// jsonResponse selects plain JSON replies instead of SSE bodies.
func NewStreamableServer(t testing.TB, name string, jsonResponse bool) string {
	t.Helper()
	server := NewServer(name)
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, &mcp.StreamableHTTPOptions{JSONResponse: jsonResponse})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

type echoArgs struct {
	Message string `json:"message" jsonschema:"text to echo back"`
}

type sleepArgs struct {
	Millis int `json:"ms" jsonschema:"how long to sleep in milliseconds"`
}

type envArgs struct {
	Name string `json:"name" jsonschema:"environment variable to read"`
}

type noArgs struct{}

// NewServer builds the stub MCP server.
func NewServer(name string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: "0.0.1"}, nil)

	mcp.AddTool(server, &mcp.Tool{Name: ToolPing, Description: "Reply with pong"},
		func(ctx context.Context, req *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
			return textResult("pong"), nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: ToolEcho, Description: "Echo the message argument"},
		func(ctx context.Context, req *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, any, error) {
			return textResult(in.Message), nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: ToolSleep, Description: "Sleep before replying"},
		func(ctx context.Context, req *mcp.CallToolRequest, in sleepArgs) (*mcp.CallToolResult, any, error) {
			select {
			case <-time.After(time.Duration(in.Millis) * time.Millisecond):
				return textResult("slept"), nil, nil
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		})
	mcp.AddTool(server, &mcp.Tool{Name: ToolFail, Description: "Return a tool-level error"},
		func(ctx context.Context, req *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
			res := textResult("intentional failure")
			res.IsError = true
			return res, nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: ToolCrash, Description: "Exit the process mid-call"},
		func(ctx context.Context, req *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
			os.Exit(7)
			return nil, nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: ToolGarbage, Description: "Write a malformed frame to stdout"},
		func(ctx context.Context, req *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
			fmt.Fprintln(os.Stdout, "this is not json")
			<-ctx.Done()
			return nil, nil, ctx.Err()
		})
	mcp.AddTool(server, &mcp.Tool{Name: ToolProgress, Description: "Report progress twice"},
		func(ctx context.Context, req *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
			if token := req.Params.GetProgressToken(); token != nil {
				for i := 1; i <= 2; i++ {
					_ = req.Session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
						ProgressToken: token,
						Progress:      float64(i),
						Total:         2,
						Message:       fmt.Sprintf("step %d", i),
					})
				}
			}
			return textResult("done"), nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: ToolEnv, Description: "Read an environment variable"},
		func(ctx context.Context, req *mcp.CallToolRequest, in envArgs) (*mcp.CallToolResult, any, error) {
			return textResult(os.Getenv(in.Name)), nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: ToolGrow, Description: "Register an extra tool"},
		func(ctx context.Context, req *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
			mcp.AddTool(server, &mcp.Tool{Name: ToolLate, Description: "Registered at runtime"},
				func(ctx context.Context, req *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
					return textResult("late"), nil, nil
				})
			return textResult("grown"), nil, nil
		})
	return server
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

// Text returns the concatenated text items of content.
func Text(content []mcp.Content) string {
	var out string
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}
