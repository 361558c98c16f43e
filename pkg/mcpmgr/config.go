package mcpmgr

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcptransport"
)

// Descriptor is the stored description of one backend: inert data until a
// Session is created from it. Transport is one of *mcptransport.StdioConfig,
// *mcptransport.SSEConfig or *mcptransport.HTTPConfig.
type Descriptor struct {
	ID          string
	Name        string
	Description string
	Transport   mcptransport.Config
	// CallTimeout overrides Options.CallTimeout for this backend.
	CallTimeout time.Duration
	// MaxConcurrentCalls bounds outstanding round trips. Defaults to 1.
	MaxConcurrentCalls int
}

var backendNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidateName reports whether name can prefix namespaced tool names. Names
// may not contain the "__" separator or end with "_", so splitting a
// namespaced name on its first "__" is unambiguous.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errors.New("backend name is empty")
	case !backendNamePattern.MatchString(name):
		return fmt.Errorf("backend name %q must match %s", name, backendNamePattern)
	case strings.Contains(name, "__"):
		return fmt.Errorf("backend name %q must not contain %q", name, "__")
	case strings.HasSuffix(name, "_"):
		return fmt.Errorf("backend name %q must not end with %q", name, "_")
	}
	return nil
}

// Validate checks the descriptor for use by a Session.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return errors.New("mcpmgr: descriptor id is required")
	}
	if err := ValidateName(d.Name); err != nil {
		return fmt.Errorf("mcpmgr: descriptor %q: %w", d.ID, err)
	}
	if d.Transport == nil {
		return fmt.Errorf("mcpmgr: descriptor %q has no transport", d.ID)
	}
	return nil
}

// RestartPolicy bounds automatic recovery of a Failed session.
type RestartPolicy struct {
	// MaxAttempts is the number of consecutive restarts allowed before the
	// session stays Failed. Zero disables restarts.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// ResetAfter clears the attempt count once a session has stayed Ready
	// this long. Zero means attempts accumulate for the session's lifetime.
	ResetAfter time.Duration
}

// DefaultRestartPolicy is used when Options.Restart is left zero.
var DefaultRestartPolicy = RestartPolicy{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	Multiplier:     2,
	ResetAfter:     time.Minute,
}

// Backoff returns the delay before restart attempt n (1-based).
func (p RestartPolicy) Backoff(n int) time.Duration {
	if n <= 1 || p.InitialBackoff <= 0 {
		return max(p.InitialBackoff, 0)
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(n-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Options configures a Registry and the sessions it creates.
type Options struct {
	// ClientName and ClientVersion are advertised during initialize.
	ClientName    string
	ClientVersion string
	// ConnectTimeout bounds connect plus handshake.
	ConnectTimeout time.Duration
	// CallTimeout bounds a single tools/call round trip.
	CallTimeout time.Duration
	// IdleTimeout evicts sessions with no holders for this long. Zero
	// disables eviction.
	IdleTimeout time.Duration
	// SweepInterval is how often the janitor looks for idle sessions.
	SweepInterval time.Duration
	Restart       RestartPolicy
	// DisableRestart turns off recovery regardless of Restart.
	DisableRestart bool

	Logger *slog.Logger
	// LogJSONRPC routes every frame to Logger at debug level unless
	// RPCLogger is set.
	LogJSONRPC bool
	RPCLogger  mcptransport.RPCLogger
	// Transport is passed to mcptransport.New for every session.
	Transport mcptransport.Options

	// Now is the clock used for activity tracking. Defaults to time.Now.
	Now func() time.Time
}

const (
	defaultClientName     = "mcp-gateway"
	defaultClientVersion  = "1.0.0"
	defaultConnectTimeout = 30 * time.Second
	defaultCallTimeout    = 60 * time.Second
	defaultSweepInterval  = 30 * time.Second
)

func (o *Options) normalized() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.ClientName == "" {
		out.ClientName = defaultClientName
	}
	if out.ClientVersion == "" {
		out.ClientVersion = defaultClientVersion
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = defaultConnectTimeout
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = defaultCallTimeout
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = defaultSweepInterval
	}
	if out.Restart == (RestartPolicy{}) {
		out.Restart = DefaultRestartPolicy
	}
	if out.DisableRestart {
		out.Restart.MaxAttempts = 0
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Transport.Logger == nil {
		out.Transport.Logger = out.Logger
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

func (o Options) rpcLogger() mcptransport.RPCLogger {
	if o.RPCLogger != nil {
		return o.RPCLogger
	}
	if o.LogJSONRPC {
		return mcptransport.SlogRPCLogger(o.Logger)
	}
	return nil
}
