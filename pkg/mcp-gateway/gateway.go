package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpmgr"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpproto"
)

// Meta-tool names served by every gateway.
const (
	ToolListAvailable = "list_available_mcps"
	ToolLoad          = "load_mcp_tools"
	ToolCall          = "call_mcp_tool"
)

// Gateway exposes a Streamable MCP server that fronts every backend known to
// a Registry under a single HTTP endpoint. Backends are connected lazily
// through the load_mcp_tools meta-tool.
type Gateway struct {
	registry *mcpmgr.Registry
	router   *Router
	opts     Options

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	mux           *http.ServeMux
	httpHandler   http.Handler

	serverMu     sync.Mutex
	httpServerMu sync.Mutex
	httpServer   *http.Server
}

type listArgs struct{}

type loadArgs struct {
	BackendID string `json:"backendId" jsonschema:"id or name of the backend to load"`
}

type callArgs struct {
	Name      string         `json:"name" jsonschema:"namespaced tool name in the form <backend>__<tool>"`
	Arguments map[string]any `json:"arguments,omitempty" jsonschema:"arguments passed to the backend tool"`
}

// NewGateway builds a Gateway over registry and reads the initial catalog.
func NewGateway(registry *mcpmgr.Registry, opts *Options) (*Gateway, error) {
	if registry == nil {
		return nil, fmt.Errorf("mcpgateway: registry is required")
	}
	options := opts.withDefaults()
	g := &Gateway{
		registry: registry,
		opts:     options,
		router:   NewRouter(registry, options.Namespace, options.Logger, options.LoadTimeout),
	}

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools: true,
		Instructions: "Call " + ToolListAvailable + " to discover backends, " + ToolLoad +
			" to connect one and list its tools, then " + ToolCall + " with a namespaced tool name.",
	})
	mcp.AddTool(g.server, &mcp.Tool{
		Name:        ToolListAvailable,
		Description: "List every registered MCP backend without connecting to any of them.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, g.handleList)
	mcp.AddTool(g.server, &mcp.Tool{
		Name:        ToolLoad,
		Description: "Connect an MCP backend and return its tools under namespaced names.",
	}, g.handleLoad)
	mcp.AddTool(g.server, &mcp.Tool{
		Name:        ToolCall,
		Description: "Call a tool of a loaded backend by its namespaced name.",
	}, g.handleCall)

	if options.ExposeLoadedTools {
		g.router.onChange(g.syncExposedTools)
	}

	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.httpHandler = g.mountHandler()

	if err := g.router.Refresh(context.Background()); err != nil {
		return nil, err
	}
	return g, nil
}

// Router returns the router behind the meta-tools.
func (g *Gateway) Router() *Router { return g.router }

// Server returns the MCP server, for serving over transports other than HTTP.
func (g *Gateway) Server() *mcp.Server { return g.server }

// Handler exposes the HTTP handler that serves the Streamable endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ServeMux returns the mux behind Handler so callers can add routes.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	g.opts.Logger.Info("gateway listening", "addr", g.opts.Addr, "path", g.opts.Path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running. Backend sessions
// belong to the registry and are left to Registry.Shutdown.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

func (g *Gateway) handleList(ctx context.Context, _ *mcp.CallToolRequest, _ listArgs) (*mcp.CallToolResult, any, error) {
	backends, err := g.router.ListAvailable(ctx)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(map[string]any{"backends": backends}), nil, nil
}

func (g *Gateway) handleLoad(ctx context.Context, _ *mcp.CallToolRequest, in loadArgs) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(in.BackendID) == "" {
		return errorResult(&mcpproto.ProtocolError{Reason: "backendId is required"}), nil, nil
	}
	res, err := g.router.Load(ctx, in.BackendID)
	if err != nil {
		g.logError("load backend", err, "backend", in.BackendID)
		return errorResult(err), nil, nil
	}
	return jsonResult(res), nil, nil
}

func (g *Gateway) handleCall(ctx context.Context, req *mcp.CallToolRequest, in callArgs) (*mcp.CallToolResult, any, error) {
	var args any
	if in.Arguments != nil {
		args = in.Arguments
	}
	return g.forward(ctx, req, in.Name, args), nil, nil
}

// forward runs a namespaced call and relays progress to the downstream
// session when the request carries a progress token.
func (g *Gateway) forward(ctx context.Context, req *mcp.CallToolRequest, name string, args any) *mcp.CallToolResult {
	var opts []mcpmgr.CallOption
	if req != nil && req.Params != nil && req.Session != nil {
		if token, ok := downstreamToken(req.Params); ok {
			if fn := relayProgress(ctx, req.Session, token, g.opts.Logger); fn != nil {
				opts = append(opts, mcpmgr.WithProgress(fn))
			}
		}
	}
	res := g.router.Call(ctx, name, args, opts...)
	if res.Err != nil {
		g.opts.Logger.Debug("gateway call failed", "tool", name, "kind", res.ErrorKind(), "error", res.Err)
	}
	return toCallToolResult(res)
}

// syncExposedTools mirrors the namespaced tools of one backend onto the MCP
// server. The server notifies downstream clients of the change.
func (g *Gateway) syncExposedTools(_ string, removed []string, added []toolRegistration) {
	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	if len(removed) > 0 {
		g.server.RemoveTools(removed...)
	}
	for _, reg := range added {
		g.server.AddTool(reg.Tool, g.makeToolHandler(reg.Target))
	}
}

func (g *Gateway) makeToolHandler(target toolTarget) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args any
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			args = req.Params.Arguments
		}
		return g.forward(ctx, req, target.GatewayName, args), nil
	}
}

func (g *Gateway) mountHandler() http.Handler {
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	mux := http.NewServeMux()
	mux.Handle(path, g.streamHandler)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", g.streamHandler)
	}
	mux.HandleFunc("GET /healthz", g.handleHealth)
	g.mux = mux

	return cors.New(cors.Options{
		AllowedOrigins: g.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Mcp-Session-Id", "Mcp-Protocol-Version"},
	}).Handler(mux)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": g.registry.ListLoaded(),
		"rejected": g.router.Rejected(),
	})
}

func (g *Gateway) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.opts.Logger.Error(msg, attrs...)
}

// toCallToolResult converts a routed call into the downstream result. Backend
// content passes through unchanged; gateway, transport and protocol failures
// become an isError result whose text starts with the error kind.
func toCallToolResult(res *mcpmgr.ToolCallResult) *mcp.CallToolResult {
	if res.Err != nil {
		return errorResult(res.Err)
	}
	content := res.Content
	if content == nil {
		content = []mcp.Content{}
	}
	return &mcp.CallToolResult{
		Content:           content,
		StructuredContent: res.StructuredContent,
		IsError:           res.IsError,
	}
}

func errorResult(err error) *mcp.CallToolResult {
	kind := mcpproto.Kind(err)
	if kind == "" {
		kind = "Error"
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: kind + ": " + err.Error()}},
		IsError: true,
	}
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("mcpgateway: encode result: %w", err))
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: string(data)}},
		StructuredContent: v,
	}
}
