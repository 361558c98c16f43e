package descriptors

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpmgr"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcptransport"
)

func seedDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tools.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(Schema)
	require.NoError(t, err)

	rows := []struct {
		id                                     int
		name, kind, command, args, url, header string
		env                                    string
		timeout                                int
		enabled                                int
	}{
		{1, "files", "stdio", "npx", `["-y","@modelcontextprotocol/server-filesystem","/tmp"]`, "", "", `{"DEBUG":"1"}`, 1500, 1},
		{2, "remote", "http", "", "", "https://mcp.example.com/mcp", `{"Authorization":"Bearer x"}`, "", 0, 1},
		{3, "legacy", "sse", "", "", "https://old.example.com/sse", "", "", 0, 1},
		{4, "off", "stdio", "off-server", "", "", "", "", 0, 0},
		{5, "bad__name", "stdio", "x", "", "", "", "", 0, 1},
		{6, "unknown", "carrier-pigeon", "x", "", "", "", "", 0, 1},
	}
	for _, r := range rows {
		_, err := db.Exec(`INSERT INTO mcps (id, name, description, type, command, args, url, headers, env, timeout_ms, is_enabled)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?)`,
			r.id, r.name, r.name+" backend", r.kind, r.command, r.args, r.url, r.header, r.env, r.timeout, r.enabled)
		require.NoError(t, err)
	}
	return path
}

func TestSQLiteSourceList(t *testing.T) {
	t.Parallel()

	src, err := OpenSQLite(seedDatabase(t))
	require.NoError(t, err)
	defer src.Close()

	descs, err := src.List(context.Background())
	require.NoError(t, err)

	names := make([]string, 0, len(descs))
	for _, d := range descs {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"files", "legacy", "remote"}, names)

	files := descs[0]
	assert.Equal(t, "1", files.ID)
	assert.Equal(t, "files backend", files.Description)
	assert.Equal(t, 1500*time.Millisecond, files.CallTimeout)
	stdio, ok := mcpmgr.AsStdio(files)
	require.True(t, ok)
	assert.Equal(t, "npx", stdio.Command)
	assert.Equal(t, []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"}, stdio.Args)
	assert.Equal(t, map[string]string{"DEBUG": "1"}, stdio.Env)

	remote, ok := mcpmgr.AsHTTP(descs[2])
	require.True(t, ok)
	assert.Equal(t, "https://mcp.example.com/mcp", remote.URL)
	assert.Equal(t, "Bearer x", remote.Headers.Get("Authorization"))

	assert.Equal(t, mcptransport.KindSSE, mcpmgr.TransportOf(descs[1]))
}

func TestSQLiteSourceGet(t *testing.T) {
	t.Parallel()

	src, err := OpenSQLite(seedDatabase(t))
	require.NoError(t, err)
	defer src.Close()

	d, err := src.Get(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, "remote", d.Name)

	_, err = src.Get(context.Background(), "4")
	require.ErrorIs(t, err, mcpmgr.ErrUnknownBackend, "disabled rows are invisible")

	_, err = src.Get(context.Background(), "99")
	require.ErrorIs(t, err, mcpmgr.ErrUnknownBackend)

	_, err = src.Get(context.Background(), "5")
	require.Error(t, err)
}

func TestSQLiteSourceIsReadOnly(t *testing.T) {
	t.Parallel()

	src, err := OpenSQLite(seedDatabase(t))
	require.NoError(t, err)
	defer src.Close()

	_, err = src.db.Exec(`DELETE FROM mcps`)
	require.Error(t, err)
}

func TestChain(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(seedDatabase(t))
	require.NoError(t, err)
	defer db.Close()

	static, err := mcpmgr.NewStaticSource(
		mcpmgr.Descriptor{ID: "cfg-files", Name: "files", Transport: &mcptransport.StdioConfig{Command: "local-fs"}},
		mcpmgr.Descriptor{ID: "cfg-extra", Name: "extra", Transport: &mcptransport.StdioConfig{Command: "extra"}},
	)
	require.NoError(t, err)

	chain := Chain{static, db}
	descs, err := chain.List(context.Background())
	require.NoError(t, err)
	var names []string
	for _, d := range descs {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"files", "extra", "legacy", "remote"}, names)
	assert.Equal(t, "cfg-files", descs[0].ID)

	d, err := chain.Get(context.Background(), "3")
	require.NoError(t, err)
	assert.Equal(t, "legacy", d.Name)

	_, err = chain.Get(context.Background(), "nope")
	require.ErrorIs(t, err, mcpmgr.ErrUnknownBackend)
}
