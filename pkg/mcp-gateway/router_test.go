package mcpgateway

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

// listSource serves descriptors without validating them, the way an external
// store might.
type listSource []mcpmgr.Descriptor

func (s listSource) List(context.Context) ([]mcpmgr.Descriptor, error) { return s, nil }

func (s listSource) Get(_ context.Context, id string) (mcpmgr.Descriptor, error) {
	for _, d := range s {
		if d.ID == id {
			return d, nil
		}
	}
	return mcpmgr.Descriptor{}, mcpmgr.ErrUnknownBackend
}

func stubBackend(t *testing.T, id, name string) mcpmgr.Descriptor {
	t.Helper()
	command, args, env := mcptest.StubCommand(t, name)
	return mcpmgr.Descriptor{
		ID:          id,
		Name:        name,
		Description: name + " stub",
		Transport:   &mcptransport.StdioConfig{Command: command, Args: args, Env: env},
	}
}

func newTestRouter(t *testing.T, opts *mcpmgr.Options, descs ...mcpmgr.Descriptor) (*Router, *mcpmgr.Registry) {
	t.Helper()
	reg := mcpmgr.NewRegistry(listSource(descs), opts)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return NewRouter(reg, nil, nil, 30*time.Second), reg
}

func TestRouterListAvailableDoesNotConnect(t *testing.T) {
	t.Parallel()

	r, reg := newTestRouter(t, nil,
		stubBackend(t, "1", "alpha"),
		stubBackend(t, "2", "bad__name"),
		stubBackend(t, "3", "alpha"),
		stubBackend(t, "4", "trailing_"),
	)

	backends, err := r.ListAvailable(context.Background())
	require.NoError(t, err)
	require.Len(t, backends, 1)
	assert.Equal(t, "alpha", backends[0].Name)
	assert.Equal(t, "1", backends[0].ID)
	assert.Equal(t, mcptransport.KindStdio, backends[0].Transport)
	assert.False(t, backends[0].Loaded)
	assert.Empty(t, reg.ListLoaded(), "listing must not connect")

	rejected := r.Rejected()
	require.Len(t, rejected, 3)
	ids := []string{rejected[0].ID, rejected[1].ID, rejected[2].ID}
	assert.ElementsMatch(t, []string{"2", "3", "4"}, ids)
}

func TestRouterCallBeforeLoad(t *testing.T) {
	t.Parallel()

	r, reg := newTestRouter(t, nil, stubBackend(t, "1", "alpha"))
	require.NoError(t, r.Refresh(context.Background()))

	res := r.Call(context.Background(), "alpha__ping", nil)
	require.ErrorIs(t, res.Err, mcpproto.ErrBackendNotLoaded)
	assert.True(t, res.IsError)

	res = r.Call(context.Background(), "missing__ping", nil)
	require.ErrorIs(t, res.Err, mcpproto.ErrBackendNotLoaded)
	assert.Equal(t, "BackendNotLoadedError", res.ErrorKind())

	res = r.Call(context.Background(), "ping", nil)
	require.ErrorIs(t, res.Err, mcpproto.ErrToolNotFound)

	assert.Empty(t, reg.ListLoaded())
}

func TestRouterLoadAndCall(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, nil, stubBackend(t, "1", "alpha"))

	loaded, err := r.Load(context.Background(), "alpha")
	require.NoError(t, err)
	assert.True(t, loaded.Backend.Loaded)
	assert.Equal(t, mcpmgr.StateReady, loaded.Backend.State)

	names := make([]string, 0, len(loaded.Tools))
	for _, tool := range loaded.Tools {
		names = append(names, tool.Name)
		assert.Equal(t, "alpha", tool.Backend)
	}
	assert.Contains(t, names, "alpha__echo")
	assert.Contains(t, names, "alpha__ping")

	res := r.Call(context.Background(), "alpha__echo", map[string]any{"message": "routed"})
	require.NoError(t, res.Err)
	assert.Equal(t, "routed", mcptest.Text(res.Content))

	res = r.Call(context.Background(), "alpha__nope", nil)
	require.ErrorIs(t, res.Err, mcpproto.ErrToolNotFound)

	res = r.Call(context.Background(), "alpha__fail", nil)
	require.NoError(t, res.Err)
	assert.True(t, res.IsError)
	assert.Equal(t, "intentional failure", mcptest.Text(res.Content))
}

func TestRouterLoadByID(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, nil, stubBackend(t, "42", "beta"))
	loaded, err := r.Load(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "beta", loaded.Backend.Name)
	assert.True(t, r.IsLoaded("42"))

	_, err = r.Load(context.Background(), "nobody")
	require.ErrorIs(t, err, mcpmgr.ErrUnknownBackend)
}

func TestRouterRecreatesEvictedSession(t *testing.T) {
	t.Parallel()

	r, reg := newTestRouter(t, &mcpmgr.Options{IdleTimeout: time.Minute, SweepInterval: time.Hour},
		stubBackend(t, "1", "alpha"))
	_, err := r.Load(context.Background(), "alpha")
	require.NoError(t, err)

	evicted := reg.EvictIdle(time.Now().Add(time.Hour))
	require.Equal(t, []string{"1"}, evicted)

	res := r.Call(context.Background(), "alpha__ping", nil)
	require.NoError(t, res.Err)
	assert.Equal(t, "pong", mcptest.Text(res.Content))
}

func TestRouterUnload(t *testing.T) {
	t.Parallel()

	r, reg := newTestRouter(t, nil, stubBackend(t, "1", "alpha"))
	_, err := r.Load(context.Background(), "alpha")
	require.NoError(t, err)
	require.NoError(t, r.Unload(context.Background(), "alpha"))

	assert.False(t, r.IsLoaded("1"))
	assert.Empty(t, reg.ListLoaded())
	res := r.Call(context.Background(), "alpha__ping", nil)
	require.ErrorIs(t, res.Err, mcpproto.ErrBackendNotLoaded)
}

func TestRouterLoadFailureReportsConnectError(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, &mcpmgr.Options{DisableRestart: true}, mcpmgr.Descriptor{
		ID:        "9",
		Name:      "broken",
		Transport: &mcptransport.StdioConfig{Command: "/nonexistent/mcp-backend"},
	})
	_, err := r.Load(context.Background(), "broken")
	var cerr *mcpmgr.ConnectError
	require.ErrorAs(t, err, &cerr)
	require.ErrorIs(t, err, mcpproto.ErrTransport)
	assert.False(t, r.IsLoaded("9"))
}
