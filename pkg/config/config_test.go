package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpmgr"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcptransport"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("TEST_DOCS_TOKEN", "secret")
	path := writeConfig(t, "config.yaml", `
gateway:
  addr: "127.0.0.1:9000"
  expose_loaded_tools: true
  load_timeout: "45s"
logging:
  level: debug
  format: json
  json_rpc: true
sessions:
  connect_timeout: "5s"
  call_timeout: "2m"
  idle_timeout: "10m"
  max_frame_bytes: 1048576
  restart:
    max_attempts: 5
    initial_backoff: "250ms"
backends:
  - name: files
    command: mcp-files
    args: ["--root", "/tmp"]
    env:
      LOG: quiet
    dir: work
    timeout: "30s"
  - id: "7"
    name: docs
    type: http
    url: "https://example.com/mcp"
    headers:
      Authorization: "Bearer ${TEST_DOCS_TOKEN}"
  - name: old
    type: sse
    url: "https://example.com/sse"
    disabled: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Gateway.Addr)
	assert.Equal(t, "/mcp", cfg.Gateway.Path)
	assert.Equal(t, 45*time.Second, cfg.Gateway.LoadTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Sessions.IdleTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Sessions.Restart.InitialBackoff)

	descs, err := cfg.Descriptors()
	require.NoError(t, err)
	require.Len(t, descs, 2)

	files := descs[0]
	assert.Equal(t, "files", files.ID)
	assert.Equal(t, 30*time.Second, files.CallTimeout)
	stdio, ok := files.Transport.(*mcptransport.StdioConfig)
	require.True(t, ok)
	assert.Equal(t, "mcp-files", stdio.Command)
	assert.Equal(t, []string{"--root", "/tmp"}, stdio.Args)
	assert.Equal(t, "quiet", stdio.Env["LOG"])
	assert.Equal(t, filepath.Join(filepath.Dir(path), "work"), stdio.Dir)

	docs := descs[1]
	assert.Equal(t, "7", docs.ID)
	httpCfg, ok := docs.Transport.(*mcptransport.HTTPConfig)
	require.True(t, ok)
	assert.Equal(t, "Bearer secret", httpCfg.Headers.Get("Authorization"))

	opts := cfg.SessionOptions(nil)
	assert.Equal(t, 5*time.Second, opts.ConnectTimeout)
	assert.Equal(t, 2*time.Minute, opts.CallTimeout)
	assert.True(t, opts.LogJSONRPC)
	assert.Equal(t, 1048576, opts.Transport.MaxFrameBytes)
	assert.Equal(t, 5, opts.Restart.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, opts.Restart.InitialBackoff)
	assert.Equal(t, mcpmgr.DefaultRestartPolicy.MaxBackoff, opts.Restart.MaxBackoff)

	gw := cfg.GatewayOptions(nil, "test")
	assert.True(t, gw.ExposeLoadedTools)
	assert.Equal(t, "test", gw.Implementation.Version)
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[gateway]
addr = ":8800"

[sessions.restart]
disabled = true

[[backends]]
name = "files"
command = "mcp-files"

[[backends]]
name = "events"
type = "sse"
url = "https://example.com/sse"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8800", cfg.Gateway.Addr)

	descs, err := cfg.Descriptors()
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, mcptransport.KindStdio, mcpmgr.TransportOf(descs[0]))
	assert.Equal(t, mcptransport.KindSSE, mcpmgr.TransportOf(descs[1]))
	assert.True(t, cfg.SessionOptions(nil).DisableRestart)
}

func TestLoadEmptyAppliesDefaults(t *testing.T) {
	cfg, err := Parse(nil, "yaml")
	require.NoError(t, err)
	assert.Equal(t, ":8700", cfg.Gateway.Addr)
	assert.Equal(t, "/mcp", cfg.Gateway.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, mcpmgr.RestartPolicy{}, cfg.SessionOptions(nil).Restart)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad duration", "sessions:\n  call_timeout: soon\n", "sessions.call_timeout"},
		{"negative duration", "sessions:\n  idle_timeout: -1s\n", "must not be negative"},
		{"bad level", "logging:\n  level: loud\n", "logging.level"},
		{"bad path", "gateway:\n  path: mcp\n", "gateway.path"},
		{"missing name", "backends:\n  - command: x\n", "name is required"},
		{"missing command", "backends:\n  - name: a\n    type: stdio\n", "command is required"},
		{"missing url", "backends:\n  - name: a\n    type: http\n", "url is required"},
		{"unknown type", "backends:\n  - name: a\n    type: pigeon\n    url: x\n", "unknown transport"},
		{"duplicate id", "backends:\n  - name: a\n    command: x\n  - name: a\n    command: y\n", "duplicate id"},
		{"unknown field", "gateway:\n  port: 1\n", "port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), "yaml")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBadNamesSurviveLoading(t *testing.T) {
	cfg, err := Parse([]byte("backends:\n  - name: bad__name\n    command: x\n"), "yaml")
	require.NoError(t, err)

	src, closer, err := cfg.OpenSource()
	require.NoError(t, err)
	defer closer.Close()
	descs, err := src.List(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 1)

	_, err = src.Get(context.Background(), "missing")
	require.ErrorIs(t, err, mcpmgr.ErrUnknownBackend)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_EXPAND", "value")
	assert.Equal(t, "a value b", expandEnvVars("a ${TEST_EXPAND} b"))
	assert.Equal(t, "a  b", expandEnvVars("a ${TEST_UNSET_VARIABLE_X} b"))
	assert.Equal(t, "$HOME", expandEnvVars("$HOME"))
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, "flag.yaml", ResolvePath("flag.yaml"))
	assert.Equal(t, filepath.Join("/xdg", "mcp-gateway", "config.yaml"), ResolvePath(""))

	t.Setenv(EnvPath, "/etc/gw.toml")
	assert.Equal(t, "/etc/gw.toml", ResolvePath(""))
}

func TestDatabasePath(t *testing.T) {
	path := writeConfig(t, "config.yaml", "database:\n  path: descriptors.db\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "descriptors.db"), cfg.DatabasePath())

	cfg, err = Parse([]byte("database:\n  path: /var/lib/mcp.db\n"), "yaml")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/mcp.db", cfg.DatabasePath())
}
