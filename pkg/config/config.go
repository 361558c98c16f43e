package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpmgr"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcptransport"
)

// EnvPath names the environment variable consulted by ResolvePath.
const EnvPath = "MCPGW_CONFIG"

// Config is the complete gateway configuration.
type Config struct {
	Gateway  GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Logging  LoggingConfig   `yaml:"logging" toml:"logging"`
	Sessions SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Database DatabaseConfig  `yaml:"database" toml:"database"`
	Backends []BackendConfig `yaml:"backends" toml:"backends"`

	// dir is the directory relative paths are resolved against.
	dir string
}

// GatewayConfig holds the HTTP endpoint settings.
type GatewayConfig struct {
	Addr              string   `yaml:"addr" toml:"addr"`
	Path              string   `yaml:"path" toml:"path"`
	AllowedOrigins    []string `yaml:"allowed_origins" toml:"allowed_origins"`
	ExposeLoadedTools bool     `yaml:"expose_loaded_tools" toml:"expose_loaded_tools"`
	JSONResponse      bool     `yaml:"json_response" toml:"json_response"`

	LoadTimeout     time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	LoadTimeoutRaw     string `yaml:"load_timeout" toml:"load_timeout"`
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
	// Format is one of text, json or color.
	Format string `yaml:"format" toml:"format"`
	// JSONRPC traces every frame exchanged with backends at debug level.
	JSONRPC bool `yaml:"json_rpc" toml:"json_rpc"`
}

// SessionsConfig holds backend session timing.
type SessionsConfig struct {
	ClientName    string        `yaml:"client_name" toml:"client_name"`
	MaxFrameBytes int           `yaml:"max_frame_bytes" toml:"max_frame_bytes"`
	Restart       RestartConfig `yaml:"restart" toml:"restart"`

	ConnectTimeout time.Duration `yaml:"-" toml:"-"`
	CallTimeout    time.Duration `yaml:"-" toml:"-"`
	IdleTimeout    time.Duration `yaml:"-" toml:"-"`
	SweepInterval  time.Duration `yaml:"-" toml:"-"`

	ConnectTimeoutRaw string `yaml:"connect_timeout" toml:"connect_timeout"`
	CallTimeoutRaw    string `yaml:"call_timeout" toml:"call_timeout"`
	IdleTimeoutRaw    string `yaml:"idle_timeout" toml:"idle_timeout"`
	SweepIntervalRaw  string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// RestartConfig bounds automatic restarts of failed sessions.
type RestartConfig struct {
	Disabled    bool    `yaml:"disabled" toml:"disabled"`
	MaxAttempts int     `yaml:"max_attempts" toml:"max_attempts"`
	Multiplier  float64 `yaml:"multiplier" toml:"multiplier"`

	InitialBackoff time.Duration `yaml:"-" toml:"-"`
	MaxBackoff     time.Duration `yaml:"-" toml:"-"`
	ResetAfter     time.Duration `yaml:"-" toml:"-"`

	InitialBackoffRaw string `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoffRaw     string `yaml:"max_backoff" toml:"max_backoff"`
	ResetAfterRaw     string `yaml:"reset_after" toml:"reset_after"`
}

// DatabaseConfig points at an optional read-only SQLite descriptor store.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// BackendConfig declares one backend statically.
type BackendConfig struct {
	ID          string            `yaml:"id" toml:"id"`
	Name        string            `yaml:"name" toml:"name"`
	Description string            `yaml:"description" toml:"description"`
	Type        string            `yaml:"type" toml:"type"`
	Command     string            `yaml:"command" toml:"command"`
	Args        []string          `yaml:"args" toml:"args"`
	Env         map[string]string `yaml:"env" toml:"env"`
	Dir         string            `yaml:"dir" toml:"dir"`
	URL         string            `yaml:"url" toml:"url"`
	Headers     map[string]string `yaml:"headers" toml:"headers"`
	Disabled    bool              `yaml:"disabled" toml:"disabled"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// Load reads a configuration file. The format follows the extension: .toml
// is TOML, anything else YAML. Environment variables written as ${VAR_NAME}
// are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(filepath.Dir(path)); err == nil {
		cfg.dir = abs
	}
	return cfg, nil
}

// Parse decodes, expands, defaults and validates configuration data in the
// given format ("yaml" or "toml").
func Parse(data []byte, format string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(format) {
	case "toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml", "yml", "":
		dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// ResolvePath picks the config file: the flag value, then $MCPGW_CONFIG,
// then $XDG_CONFIG_HOME/mcp-gateway/config.yaml (or ~/.config when unset).
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "mcp-gateway", "config.yaml")
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "mcp-gateway", "config.yaml")
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or the empty
// string when it is unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Gateway.Addr == "" {
		c.Gateway.Addr = ":8700"
	}
	if c.Gateway.Path == "" {
		c.Gateway.Path = "/mcp"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.ID == "" {
			b.ID = b.Name
		}
		if b.Type == "" && b.Command != "" {
			b.Type = "stdio"
		}
	}
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Gateway.Path, "/") {
		return fmt.Errorf("gateway.path must start with /")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json", "color":
	default:
		return fmt.Errorf("logging.format %q must be one of text, json, color", c.Logging.Format)
	}
	if c.Sessions.MaxFrameBytes < 0 {
		return fmt.Errorf("sessions.max_frame_bytes must not be negative")
	}
	if c.Sessions.Restart.MaxAttempts < 0 {
		return fmt.Errorf("sessions.restart.max_attempts must not be negative")
	}

	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d].name is required", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("backends[%d]: duplicate id %q", i, b.ID)
		}
		seen[b.ID] = true
		if _, err := b.transport(""); err != nil {
			return fmt.Errorf("backends[%d] (%s): %w", i, b.Name, err)
		}
	}
	return nil
}

// Descriptors converts the enabled static backends into descriptors. Names
// are not validated here: the gateway rejects bad names when it reads its
// catalog, so a typo does not take the whole config down.
func (c *Config) Descriptors() ([]mcpmgr.Descriptor, error) {
	out := make([]mcpmgr.Descriptor, 0, len(c.Backends))
	for _, b := range c.Backends {
		if b.Disabled {
			continue
		}
		tc, err := b.transport(c.dir)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", b.Name, err)
		}
		out = append(out, mcpmgr.Descriptor{
			ID:          b.ID,
			Name:        b.Name,
			Description: b.Description,
			Transport:   tc,
			CallTimeout: b.Timeout,
		})
	}
	return out, nil
}

func (b BackendConfig) transport(dir string) (mcptransport.Config, error) {
	kind, err := mcptransport.ParseKind(b.Type)
	if err != nil {
		return nil, err
	}
	switch kind {
	case mcptransport.KindStdio:
		if b.Command == "" {
			return nil, errors.New("command is required for stdio backends")
		}
		workDir := b.Dir
		if workDir != "" && dir != "" && !filepath.IsAbs(workDir) {
			workDir = filepath.Join(dir, workDir)
		}
		return &mcptransport.StdioConfig{Command: b.Command, Args: b.Args, Env: b.Env, Dir: workDir}, nil
	case mcptransport.KindSSE:
		if b.URL == "" {
			return nil, errors.New("url is required for sse backends")
		}
		return &mcptransport.SSEConfig{URL: b.URL, Headers: headers(b.Headers)}, nil
	default:
		if b.URL == "" {
			return nil, errors.New("url is required for http backends")
		}
		return &mcptransport.HTTPConfig{URL: b.URL, Headers: headers(b.Headers)}, nil
	}
}

func headers(m map[string]string) http.Header {
	if len(m) == 0 {
		return nil
	}
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// DatabasePath returns database.path resolved against the config file's
// directory, or "" when no database is configured.
func (c *Config) DatabasePath() string {
	p := c.Database.Path
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.load_timeout", cfg.Gateway.LoadTimeoutRaw, &cfg.Gateway.LoadTimeout},
		{"gateway.shutdown_timeout", cfg.Gateway.ShutdownTimeoutRaw, &cfg.Gateway.ShutdownTimeout},
		{"sessions.connect_timeout", cfg.Sessions.ConnectTimeoutRaw, &cfg.Sessions.ConnectTimeout},
		{"sessions.call_timeout", cfg.Sessions.CallTimeoutRaw, &cfg.Sessions.CallTimeout},
		{"sessions.idle_timeout", cfg.Sessions.IdleTimeoutRaw, &cfg.Sessions.IdleTimeout},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
		{"sessions.restart.initial_backoff", cfg.Sessions.Restart.InitialBackoffRaw, &cfg.Sessions.Restart.InitialBackoff},
		{"sessions.restart.max_backoff", cfg.Sessions.Restart.MaxBackoffRaw, &cfg.Sessions.Restart.MaxBackoff},
		{"sessions.restart.reset_after", cfg.Sessions.Restart.ResetAfterRaw, &cfg.Sessions.Restart.ResetAfter},
	}
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		fields = append(fields, struct {
			name string
			raw  string
			dst  *time.Duration
		}{fmt.Sprintf("backends[%d].timeout", i), b.TimeoutRaw, &b.Timeout})
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
