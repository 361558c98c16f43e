// Package descriptors provides mcpmgr.DescriptorSource implementations backed
// by external stores.
package descriptors

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpmgr"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcptransport"
)

// Schema is the table layout SQLiteSource reads. The owning application
// creates and writes it; this package only selects from it.
const Schema = `
	CREATE TABLE IF NOT EXISTS mcps (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT,
		type TEXT NOT NULL,
		command TEXT,
		args TEXT,
		url TEXT,
		headers TEXT,
		env TEXT,
		working_dir TEXT,
		timeout_ms INTEGER,
		is_enabled INTEGER NOT NULL DEFAULT 1
	);
`

const selectColumns = `CAST(id AS TEXT), name, COALESCE(description, ''), type,
	COALESCE(command, ''), COALESCE(args, ''), COALESCE(url, ''),
	COALESCE(headers, ''), COALESCE(env, ''), COALESCE(working_dir, ''),
	COALESCE(timeout_ms, 0)`

// SQLiteSource reads backend descriptors from an SQLite database.
type SQLiteSource struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens path read-only.
func OpenSQLite(path string) (*SQLiteSource, error) {
	dsn := (&url.URL{Scheme: "file", Path: path, RawQuery: "mode=ro&_pragma=busy_timeout(5000)"}).String()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("descriptors: opening database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("descriptors: opening database: %w", err)
	}
	return NewSQLiteSource(db), nil
}

// NewSQLiteSource wraps an already open database handle.
func NewSQLiteSource(db *sql.DB) *SQLiteSource {
	return &SQLiteSource{db: db, logger: slog.Default().With("component", "descriptors")}
}

// Close releases the database handle.
func (s *SQLiteSource) Close() error { return s.db.Close() }

// List returns every enabled, well-formed descriptor ordered by name. Rows
// that cannot be converted are logged and skipped.
func (s *SQLiteSource) List(ctx context.Context) ([]mcpmgr.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM mcps WHERE is_enabled != 0 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("descriptors: listing backends: %w", err)
	}
	defer rows.Close()

	var out []mcpmgr.Descriptor
	for rows.Next() {
		var r row
		if err := r.scan(rows); err != nil {
			return nil, fmt.Errorf("descriptors: scanning backend: %w", err)
		}
		d, err := r.descriptor()
		if err != nil {
			s.logger.Warn("skipping invalid backend", "id", r.id, "name", r.name, "error", err)
			continue
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("descriptors: listing backends: %w", err)
	}
	return out, nil
}

// Get returns the enabled descriptor with the given id.
func (s *SQLiteSource) Get(ctx context.Context, id string) (mcpmgr.Descriptor, error) {
	var r row
	err := r.scan(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM mcps WHERE CAST(id AS TEXT) = ? AND is_enabled != 0`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return mcpmgr.Descriptor{}, fmt.Errorf("%w: %q", mcpmgr.ErrUnknownBackend, id)
	}
	if err != nil {
		return mcpmgr.Descriptor{}, fmt.Errorf("descriptors: loading backend %q: %w", id, err)
	}
	return r.descriptor()
}

type scanner interface {
	Scan(dest ...any) error
}

type row struct {
	id, name, description, kind string
	command, args, url          string
	headers, env, workingDir    string
	timeoutMillis               int64
}

func (r *row) scan(sc scanner) error {
	return sc.Scan(&r.id, &r.name, &r.description, &r.kind, &r.command, &r.args,
		&r.url, &r.headers, &r.env, &r.workingDir, &r.timeoutMillis)
}

func (r *row) descriptor() (mcpmgr.Descriptor, error) {
	kind, err := mcptransport.ParseKind(r.kind)
	if err != nil {
		return mcpmgr.Descriptor{}, err
	}
	d := mcpmgr.Descriptor{
		ID:          r.id,
		Name:        r.name,
		Description: r.description,
		CallTimeout: time.Duration(r.timeoutMillis) * time.Millisecond,
	}
	switch kind {
	case mcptransport.KindStdio:
		cfg := &mcptransport.StdioConfig{Command: r.command, Dir: r.workingDir}
		if err := decodeJSON(r.args, &cfg.Args); err != nil {
			return mcpmgr.Descriptor{}, fmt.Errorf("args: %w", err)
		}
		if err := decodeJSON(r.env, &cfg.Env); err != nil {
			return mcpmgr.Descriptor{}, fmt.Errorf("env: %w", err)
		}
		d.Transport = cfg
	case mcptransport.KindSSE, mcptransport.KindHTTP:
		var headers map[string]string
		if err := decodeJSON(r.headers, &headers); err != nil {
			return mcpmgr.Descriptor{}, fmt.Errorf("headers: %w", err)
		}
		if kind == mcptransport.KindSSE {
			d.Transport = &mcptransport.SSEConfig{URL: r.url, Headers: mcptransport.HeaderFromMap(headers)}
		} else {
			d.Transport = &mcptransport.HTTPConfig{URL: r.url, Headers: mcptransport.HeaderFromMap(headers)}
		}
	}
	if err := d.Validate(); err != nil {
		return mcpmgr.Descriptor{}, err
	}
	return d, nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}
