package mcpexec

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/internal/mcptest"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpmgr"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpproto"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcptransport"
)

func TestMain(m *testing.M) {
	mcptest.ServeIfStub()
	os.Exit(m.Run())
}

func stubDescriptor(t *testing.T, name string) mcpmgr.Descriptor {
	t.Helper()
	command, args, env := mcptest.StubCommand(t, name)
	return mcpmgr.Descriptor{
		ID:        name,
		Name:      name,
		Transport: &mcptransport.StdioConfig{Command: command, Args: args, Env: env},
	}
}

func newTestEngine(t *testing.T, opts *Options, descs ...mcpmgr.Descriptor) *Engine {
	t.Helper()
	src, err := mcpmgr.NewStaticSource(descs...)
	require.NoError(t, err)
	e := New(src, opts)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

func toolNames(tools []mcpmgr.ToolDescriptor) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Name)
	}
	return out
}

func TestEngineStartExecuteEnd(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, stubDescriptor(t, "alpha"))
	ctx := context.Background()

	started, err := e.Start(ctx, "alpha")
	require.NoError(t, err)
	require.NotEmpty(t, started.SessionID)
	assert.Equal(t, "alpha", started.Backend.Name)
	assert.Equal(t, mcptransport.KindStdio, started.Backend.Transport)
	require.NotNil(t, started.Server)
	assert.Equal(t, "alpha", started.Server.Name)
	assert.Contains(t, toolNames(started.Tools), mcptest.ToolEcho)

	id, backend, ok := e.Active()
	require.True(t, ok)
	assert.Equal(t, started.SessionID, id)
	assert.Equal(t, "alpha", backend.ID)

	res := e.Execute(ctx, started.SessionID, mcptest.ToolEcho, map[string]any{"message": "hi"})
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, "hi", mcptest.Text(res.Content))

	res = e.Execute(ctx, started.SessionID, "missing", nil)
	require.ErrorIs(t, res.Err, mcpproto.ErrToolNotFound)

	sessions := e.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].Refs)

	require.NoError(t, e.End(ctx, started.SessionID))
	assert.Empty(t, e.Sessions())
	_, _, ok = e.Active()
	assert.False(t, ok)

	res = e.Execute(ctx, started.SessionID, mcptest.ToolEcho, map[string]any{"message": "again"})
	require.ErrorIs(t, res.Err, ErrUnknownSession)
	assert.Equal(t, "BackendNotLoadedError", res.ErrorKind())
	assert.Empty(t, e.Sessions(), "execute after end must not reconnect")

	require.ErrorIs(t, e.End(ctx, started.SessionID), ErrUnknownSession)
}

func TestEngineValidatesArguments(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, stubDescriptor(t, "alpha"))
	started, err := e.Start(context.Background(), "alpha")
	require.NoError(t, err)

	res := e.Execute(context.Background(), started.SessionID, mcptest.ToolEcho, map[string]any{"message": 42})
	require.ErrorIs(t, res.Err, ErrInvalidArguments)
	assert.False(t, res.Success)
	assert.True(t, res.IsError)

	res = e.Execute(context.Background(), started.SessionID, mcptest.ToolEcho, nil)
	require.ErrorIs(t, res.Err, ErrInvalidArguments, "message is required")

	res = e.Execute(context.Background(), started.SessionID, mcptest.ToolPing, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, "pong", mcptest.Text(res.Content))
}

func TestEngineStartReplacesActiveSession(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, stubDescriptor(t, "alpha"), stubDescriptor(t, "beta"))
	ctx := context.Background()

	first, err := e.Start(ctx, "alpha")
	require.NoError(t, err)
	second, err := e.Start(ctx, "beta")
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	sessions := e.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "beta", sessions[0].BackendID)

	res := e.Execute(ctx, first.SessionID, mcptest.ToolPing, nil)
	require.ErrorIs(t, res.Err, ErrUnknownSession)

	res = e.Execute(ctx, second.SessionID, mcptest.ToolPing, nil)
	require.NoError(t, res.Err)

	// Restarting the same backend yields a fresh process.
	third, err := e.Start(ctx, "beta")
	require.NoError(t, err)
	assert.NotEqual(t, second.SessionID, third.SessionID)
	require.Len(t, e.Sessions(), 1)
}

func TestEngineOverlappingStartsShareBackend(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, stubDescriptor(t, "alpha"))
	ctx := context.Background()

	first, err := e.Start(ctx, "alpha")
	require.NoError(t, err)

	// A second Start that connected before first was published.
	late, _, err := e.open(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, e.Sessions(), 1)
	assert.Equal(t, 2, e.Sessions()[0].Refs)
	pid := e.Sessions()[0].PID

	require.NoError(t, e.End(ctx, first.SessionID))
	sessions := e.Sessions()
	require.Len(t, sessions, 1, "ending one run must not close a backend another run holds")
	assert.Equal(t, pid, sessions[0].PID)

	e.publish(ctx, late)
	res := e.Execute(ctx, late.id, mcptest.ToolPing, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, "pong", mcptest.Text(res.Content))

	require.NoError(t, e.End(ctx, late.id))
	assert.Empty(t, e.Sessions())
}

func TestEngineEndCancelsPendingCall(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, stubDescriptor(t, "alpha"))
	started, err := e.Start(context.Background(), "alpha")
	require.NoError(t, err)

	done := make(chan *mcpmgr.ToolCallResult, 1)
	go func() {
		done <- e.Execute(context.Background(), started.SessionID, mcptest.ToolSleep, map[string]any{"ms": 10000})
	}()
	require.Eventually(t, func() bool {
		sessions := e.Sessions()
		return len(sessions) == 1 && sessions[0].Refs == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.End(context.Background(), started.SessionID))
	select {
	case res := <-done:
		require.ErrorIs(t, res.Err, mcpproto.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not resolved after End")
	}
}

func TestEngineExecuteAfterCrashDoesNotReconnect(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, stubDescriptor(t, "alpha"))
	started, err := e.Start(context.Background(), "alpha")
	require.NoError(t, err)

	res := e.Execute(context.Background(), started.SessionID, mcptest.ToolCrash, nil)
	require.ErrorIs(t, res.Err, mcpproto.ErrTransport)

	res = e.Execute(context.Background(), started.SessionID, mcptest.ToolPing, nil)
	require.ErrorIs(t, res.Err, mcpproto.ErrTransport)
	assert.Equal(t, "TransportError", res.ErrorKind())
	sessions := e.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, mcpmgr.StateFailed, sessions[0].State)
}

func TestEngineStartFailure(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, mcpmgr.Descriptor{
		ID:        "broken",
		Name:      "broken",
		Transport: &mcptransport.StdioConfig{Command: "/nonexistent/mcp-backend"},
	})
	_, err := e.Start(context.Background(), "broken")
	var cerr *mcpmgr.ConnectError
	require.ErrorAs(t, err, &cerr)
	require.ErrorIs(t, err, mcpproto.ErrTransport)
	assert.Empty(t, e.Sessions())

	_, err = e.Start(context.Background(), "nope")
	require.ErrorIs(t, err, mcpmgr.ErrUnknownBackend)
}

func TestEngineTest(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil,
		stubDescriptor(t, "alpha"),
		mcpmgr.Descriptor{
			ID:        "broken",
			Name:      "broken",
			Transport: &mcptransport.StdioConfig{Command: "/nonexistent/mcp-backend"},
		},
	)
	ctx := context.Background()

	started, err := e.Start(ctx, "alpha")
	require.NoError(t, err)

	report := e.Test(ctx, "alpha")
	require.True(t, report.Success, report.Error)
	assert.Equal(t, "alpha", report.Backend.Name)
	assert.Contains(t, toolNames(report.Tools), mcptest.ToolPing)
	require.NotNil(t, report.Server)

	// The active session survives a test of the same backend.
	res := e.Execute(ctx, started.SessionID, mcptest.ToolPing, nil)
	require.NoError(t, res.Err)

	report = e.Test(ctx, "broken")
	assert.False(t, report.Success)
	require.ErrorIs(t, report.Err, mcpproto.ErrTransport)
	assert.Equal(t, "TransportError", report.ErrorKind)
	assert.NotEmpty(t, report.Error)

	report = e.Test(ctx, "nope")
	require.ErrorIs(t, report.Err, mcpmgr.ErrUnknownBackend)

	backends, err := e.Backends(ctx)
	require.NoError(t, err)
	assert.Len(t, backends, 2)
}
