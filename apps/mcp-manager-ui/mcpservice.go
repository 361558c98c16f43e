// Package mcpui binds the execution engine and the gateway to a desktop UI.
// Every method takes and returns plain JSON-friendly values.
package mcpui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcpgateway "github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcp-gateway"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpexec"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpmgr"
)

type McpService struct {
	engine   *mcpexec.Engine
	registry *mcpmgr.Registry
	gateway  *mcpgateway.Gateway
	logger   *slog.Logger

	mu          sync.Mutex
	stopGateway context.CancelFunc
	served      chan error
}

// NewMcpService wires an engine and a gateway over the same descriptor
// source. Each keeps its own sessions.
func NewMcpService(source mcpmgr.DescriptorSource, sessions *mcpmgr.Options, gatewayOpts *mcpgateway.Options, logger *slog.Logger) (*McpService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	registry := mcpmgr.NewRegistry(source, sessions)
	gateway, err := mcpgateway.NewGateway(registry, gatewayOpts)
	if err != nil {
		_ = registry.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to build gateway: %w", err)
	}
	return &McpService{
		engine:   mcpexec.New(source, &mcpexec.Options{Sessions: sessions, Logger: logger}),
		registry: registry,
		gateway:  gateway,
		logger:   logger,
	}, nil
}

// GetServers lists every configured backend.
func (s *McpService) GetServers(ctx context.Context) ([]mcpexec.BackendInfo, error) {
	return s.engine.Backends(ctx)
}

// TestServer connects a backend once and reports what it offers.
func (s *McpService) TestServer(ctx context.Context, backendID string) *mcpexec.TestReport {
	return s.engine.Test(ctx, backendID)
}

// StartSession opens the interactive session, replacing any previous one.
func (s *McpService) StartSession(ctx context.Context, backendID string) (*mcpexec.StartResult, error) {
	return s.engine.Start(ctx, backendID)
}

// ExecuteTool runs tool with arguments given as a JSON object string. An
// empty string means no arguments.
func (s *McpService) ExecuteTool(ctx context.Context, sessionID, tool, argsJSON string) *mcpmgr.ToolCallResult {
	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return mcpmgr.FailedResult("", tool, fmt.Errorf("%w: %v", mcpexec.ErrInvalidArguments, err))
		}
	}
	return s.engine.Execute(ctx, sessionID, tool, args)
}

// EndSession closes the interactive session.
func (s *McpService) EndSession(ctx context.Context, sessionID string) error {
	return s.engine.End(ctx, sessionID)
}

// GatewaySessions reports the backends the gateway currently holds.
func (s *McpService) GatewaySessions() []mcpmgr.SessionInfo {
	return s.registry.ListLoaded()
}

// StartGateway serves the gateway in the background until StopGateway or
// Close.
func (s *McpService) StartGateway() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopGateway != nil {
		return errors.New("gateway already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	s.stopGateway, s.served = cancel, served
	go func() {
		err := s.gateway.ListenAndServe(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("gateway server stopped", "error", err)
		}
		served <- err
	}()
	return nil
}

// StopGateway stops serving and waits for the listener to close.
func (s *McpService) StopGateway() error {
	s.mu.Lock()
	cancel, served := s.stopGateway, s.served
	s.stopGateway, s.served = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case err := <-served:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-time.After(15 * time.Second):
		return errors.New("gateway did not stop in time")
	}
}

// Close stops the gateway and ends every session.
func (s *McpService) Close(ctx context.Context) error {
	return errors.Join(
		s.StopGateway(),
		s.engine.Shutdown(ctx),
		s.registry.Shutdown(ctx),
	)
}
