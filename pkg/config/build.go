package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/descriptors"
	mcpgateway "github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcp-gateway"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpmgr"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcptransport"
)

// SessionOptions returns the registry options described by the sessions and
// logging sections.
func (c *Config) SessionOptions(logger *slog.Logger) *mcpmgr.Options {
	s := c.Sessions
	opts := &mcpmgr.Options{
		ClientName:     s.ClientName,
		ConnectTimeout: s.ConnectTimeout,
		CallTimeout:    s.CallTimeout,
		IdleTimeout:    s.IdleTimeout,
		SweepInterval:  s.SweepInterval,
		DisableRestart: s.Restart.Disabled,
		Logger:         logger,
		LogJSONRPC:     c.Logging.JSONRPC,
		Transport: mcptransport.Options{
			Logger:        logger,
			MaxFrameBytes: s.MaxFrameBytes,
		},
	}
	r := s.Restart
	if r.MaxAttempts > 0 || r.InitialBackoff > 0 || r.MaxBackoff > 0 || r.Multiplier > 0 || r.ResetAfter > 0 {
		policy := mcpmgr.DefaultRestartPolicy
		if r.MaxAttempts > 0 {
			policy.MaxAttempts = r.MaxAttempts
		}
		if r.InitialBackoff > 0 {
			policy.InitialBackoff = r.InitialBackoff
		}
		if r.MaxBackoff > 0 {
			policy.MaxBackoff = r.MaxBackoff
		}
		if r.Multiplier > 0 {
			policy.Multiplier = r.Multiplier
		}
		if r.ResetAfter > 0 {
			policy.ResetAfter = r.ResetAfter
		}
		opts.Restart = policy
	}
	return opts
}

// GatewayOptions returns the gateway options described by the gateway
// section.
func (c *Config) GatewayOptions(logger *slog.Logger, version string) *mcpgateway.Options {
	g := c.Gateway
	return &mcpgateway.Options{
		Implementation:    &mcp.Implementation{Name: "mcp-gateway", Title: "MCP Gateway", Version: version},
		Addr:              g.Addr,
		Path:              g.Path,
		ExposeLoadedTools: g.ExposeLoadedTools,
		Streamable:        mcp.StreamableHTTPOptions{JSONResponse: g.JSONResponse},
		AllowedOrigins:    g.AllowedOrigins,
		Logger:            logger,
		LoadTimeout:       g.LoadTimeout,
		ShutdownTimeout:   g.ShutdownTimeout,
	}
}

// OpenSource builds the descriptor source: the static backends first, then
// the SQLite store when database.path is set. The closer releases the
// database and is never nil.
func (c *Config) OpenSource() (mcpmgr.DescriptorSource, io.Closer, error) {
	descs, err := c.Descriptors()
	if err != nil {
		return nil, nil, err
	}
	// Names are checked by the gateway catalog, so only ids must be unique
	// here; StaticSource would reject a bad name outright.
	static := staticSource(descs)
	path := c.DatabasePath()
	if path == "" {
		return static, nopCloser{}, nil
	}
	db, err := descriptors.OpenSQLite(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return descriptors.Chain{static, db}, db, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// staticSource serves the configured backends as written.
type staticSource []mcpmgr.Descriptor

func (s staticSource) List(context.Context) ([]mcpmgr.Descriptor, error) {
	return slices.Clone(s), nil
}

func (s staticSource) Get(_ context.Context, id string) (mcpmgr.Descriptor, error) {
	for _, d := range s {
		if d.ID == id {
			return d, nil
		}
	}
	return mcpmgr.Descriptor{}, fmt.Errorf("%w: %s", mcpmgr.ErrUnknownBackend, id)
}
