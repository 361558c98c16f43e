package mcpexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpmgr"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpproto"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcptransport"
)

// ErrUnknownSession is returned for a session id that was never started or
// has already ended.
var ErrUnknownSession = errors.New("mcpexec: unknown session")

// Options configure an Engine.
type Options struct {
	// Sessions configures the sessions the engine creates. IdleTimeout and
	// restart settings are ignored: engine sessions live until End and are
	// not restarted behind the caller's back.
	Sessions *mcpmgr.Options
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// SkipValidation disables checking arguments against the tool's input
	// schema before dispatch.
	SkipValidation bool
}

// BackendInfo identifies the backend behind an engine session.
type BackendInfo struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Transport mcptransport.Kind `json:"transport"`
}

// StartResult is returned by Engine.Start.
type StartResult struct {
	SessionID string                  `json:"sessionId"`
	Backend   BackendInfo             `json:"backend"`
	Server    *mcpmgr.ServerInfo      `json:"server,omitempty"`
	Tools     []mcpmgr.ToolDescriptor `json:"tools"`
}

// TestReport is the outcome of Engine.Test.
type TestReport struct {
	Backend       BackendInfo             `json:"backend"`
	Success       bool                    `json:"success"`
	Server        *mcpmgr.ServerInfo      `json:"server,omitempty"`
	Tools         []mcpmgr.ToolDescriptor `json:"tools,omitempty"`
	Error         string                  `json:"error,omitempty"`
	ErrorKind     string                  `json:"errorKind,omitempty"`
	Elapsed       time.Duration           `json:"-"`
	ElapsedMillis int64                   `json:"elapsedMs"`
	Err           error                   `json:"-"`
}

// Engine runs one interactive session at a time against a single backend,
// with no namespacing. It owns its registry, so ending an engine session
// never disturbs sessions held elsewhere. Runs that overlap on one backend
// are reference counted per run.
type Engine struct {
	registry *mcpmgr.Registry
	logger   *slog.Logger
	opts     mcpmgr.Options
	validate bool
	schemas  *schemaCache

	mu     sync.Mutex
	active *activeSession
	refs   map[string]int
}

type activeSession struct {
	id      string
	backend BackendInfo
	handle  *mcpmgr.Handle
	started time.Time
}

// New builds an Engine resolving backend ids through source.
func New(source mcpmgr.DescriptorSource, opts *Options) *Engine {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var sessOpts mcpmgr.Options
	if opts.Sessions != nil {
		sessOpts = *opts.Sessions
	}
	sessOpts.IdleTimeout = 0
	sessOpts.DisableRestart = true
	if sessOpts.Logger == nil {
		sessOpts.Logger = logger
	}
	return &Engine{
		registry: mcpmgr.NewRegistry(source, &sessOpts),
		logger:   logger,
		opts:     sessOpts,
		validate: !opts.SkipValidation,
		schemas:  newSchemaCache(),
		refs:     make(map[string]int),
	}
}

// Backends lists every backend the engine can start.
func (e *Engine) Backends(ctx context.Context) ([]BackendInfo, error) {
	descs, err := e.registry.Source().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcpexec: list backends: %w", err)
	}
	out := make([]BackendInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, backendInfo(d))
	}
	return out, nil
}

// Start connects backendID and makes it the active session. A session that
// is already active is ended first, whichever backend it belongs to.
//
// Every Start holds its own reference on the backend session. Concurrent
// Starts for one backend share a process, and it is closed only when the
// last of them ends.
func (e *Engine) Start(ctx context.Context, backendID string) (*StartResult, error) {
	e.mu.Lock()
	prev := e.active
	e.active = nil
	e.mu.Unlock()
	if prev != nil {
		_ = e.teardown(ctx, prev)
	}

	run, tools, err := e.open(ctx, backendID)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, run)

	e.logger.Info("mcp session started", "session", run.id, "backend", backendID, "tools", len(tools))
	return &StartResult{
		SessionID: run.id,
		Backend:   run.backend,
		Server:    run.handle.Session().ServerInfo(),
		Tools:     tools,
	}, nil
}

// open reserves backendID and connects it without touching the active slot.
func (e *Engine) open(ctx context.Context, backendID string) (*activeSession, []mcpmgr.ToolDescriptor, error) {
	e.mu.Lock()
	e.refs[backendID]++
	e.mu.Unlock()

	h, err := e.registry.Acquire(ctx, backendID)
	if err != nil {
		// Drop the failed entry so the next Start connects from scratch.
		_ = e.unref(ctx, backendID)
		return nil, nil, err
	}
	sess := h.Session()
	tools, err := sess.Tools()
	if err != nil {
		h.Release()
		_ = e.unref(ctx, backendID)
		return nil, nil, err
	}
	return &activeSession{
		id:      uuid.NewString(),
		backend: backendInfo(sess.Descriptor()),
		handle:  h,
		started: time.Now(),
	}, tools, nil
}

// publish makes run the active session, ending whichever run a concurrent
// Start published in the meantime.
func (e *Engine) publish(ctx context.Context, run *activeSession) {
	e.mu.Lock()
	raced := e.active
	e.active = run
	e.mu.Unlock()
	if raced != nil {
		_ = e.teardown(ctx, raced)
	}
}

// unref drops one reference on backendID and closes its session once no
// run holds it.
func (e *Engine) unref(ctx context.Context, backendID string) error {
	e.mu.Lock()
	e.refs[backendID]--
	last := e.refs[backendID] <= 0
	if last {
		delete(e.refs, backendID)
	}
	e.mu.Unlock()
	if !last {
		return nil
	}
	e.schemas.forget(backendID)
	return e.registry.Close(ctx, backendID)
}

// Active returns the id and backend of the active session, if any.
func (e *Engine) Active() (sessionID string, backend BackendInfo, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return "", BackendInfo{}, false
	}
	return e.active.id, e.active.backend, true
}

// Execute calls tool on the session started under sessionID. Failures are
// reported in the result; Execute never reconnects a session that ended or
// failed.
func (e *Engine) Execute(ctx context.Context, sessionID, tool string, args map[string]any, opts ...mcpmgr.CallOption) *mcpmgr.ToolCallResult {
	e.mu.Lock()
	run := e.active
	e.mu.Unlock()
	if run == nil || run.id != sessionID {
		return mcpmgr.FailedResult("", tool, unknownSession(sessionID))
	}

	h, ok := e.registry.AcquireExisting(run.backend.ID)
	if !ok {
		return mcpmgr.FailedResult(run.backend.Name, tool, e.notReady(run))
	}
	defer h.Release()
	sess := h.Session()

	tools, err := sess.Tools()
	if err != nil {
		return mcpmgr.FailedResult(run.backend.Name, tool, err)
	}
	desc, found := findTool(tools, tool)
	if !found {
		return mcpmgr.FailedResult(run.backend.Name, tool, &mcpproto.ToolNotFoundError{Backend: run.backend.Name, Tool: tool})
	}
	if e.validate {
		if err := e.schemas.validate(run.backend.ID, desc, args); err != nil {
			return mcpmgr.FailedResult(run.backend.Name, tool, err)
		}
	}

	var callArgs any
	if args != nil {
		callArgs = args
	}
	res := sess.CallTool(ctx, tool, callArgs, opts...)
	if res.Err != nil {
		e.logger.Debug("mcp tool call failed", "session", sessionID, "tool", tool, "kind", res.ErrorKind(), "error", res.Err)
	}
	return res
}

func (e *Engine) notReady(run *activeSession) error {
	sess, ok := e.registry.Lookup(run.backend.ID)
	if !ok {
		return unknownSession(run.id)
	}
	if err := sess.LastError(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", mcpmgr.ErrNotReady, run.backend.Name, sess.State())
}

// End tears down the session started under sessionID. Pending calls resolve
// with CancelledError.
func (e *Engine) End(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	run := e.active
	if run == nil || run.id != sessionID {
		e.mu.Unlock()
		return unknownSession(sessionID)
	}
	e.active = nil
	e.mu.Unlock()
	return e.teardown(ctx, run)
}

func (e *Engine) teardown(ctx context.Context, run *activeSession) error {
	run.handle.Release()
	err := e.unref(ctx, run.backend.ID)
	e.logger.Info("mcp session ended", "session", run.id, "backend", run.backend.ID,
		"duration", time.Since(run.started).Round(time.Millisecond))
	return err
}

// Test connects backendID on a throwaway session, lists its tools and
// disconnects. The active session, if any, is left alone.
func (e *Engine) Test(ctx context.Context, backendID string) *TestReport {
	start := time.Now()
	report := &TestReport{Backend: BackendInfo{ID: backendID}}
	finish := func(err error) *TestReport {
		report.Elapsed = time.Since(start)
		report.ElapsedMillis = report.Elapsed.Milliseconds()
		if err != nil {
			report.Err = err
			report.Error = err.Error()
			report.ErrorKind = mcpproto.Kind(err)
			var cerr *mcpmgr.ConnectError
			if report.ErrorKind == "" && errors.As(err, &cerr) {
				report.ErrorKind = "ConnectError"
			}
		} else {
			report.Success = true
		}
		return report
	}

	desc, err := e.registry.Source().Get(ctx, backendID)
	if err != nil {
		return finish(err)
	}
	report.Backend = backendInfo(desc)
	sess, err := mcpmgr.NewSession(desc, &e.opts)
	if err != nil {
		return finish(err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil && !errors.Is(cerr, context.Canceled) {
			e.logger.Debug("close test session", "backend", backendID, "error", cerr)
		}
	}()
	if err := sess.Start(ctx); err != nil {
		return finish(err)
	}
	report.Server = sess.ServerInfo()
	report.Tools, err = sess.Tools()
	return finish(err)
}

// Sessions reports the engine's live sessions.
func (e *Engine) Sessions() []mcpmgr.SessionInfo {
	return e.registry.ListLoaded()
}

// Shutdown ends the active session and closes every session the engine owns.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	run := e.active
	e.active = nil
	e.mu.Unlock()
	var errs []error
	if run != nil {
		errs = append(errs, e.teardown(ctx, run))
	}
	errs = append(errs, e.registry.Shutdown(ctx))
	return errors.Join(errs...)
}

func backendInfo(d mcpmgr.Descriptor) BackendInfo {
	return BackendInfo{ID: d.ID, Name: d.Name, Transport: mcpmgr.TransportOf(d)}
}

func findTool(tools []mcpmgr.ToolDescriptor, name string) (mcpmgr.ToolDescriptor, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return mcpmgr.ToolDescriptor{}, false
}

func unknownSession(id string) error {
	return fmt.Errorf("%w %q: %w", ErrUnknownSession, id, &mcpproto.BackendNotLoadedError{Backend: id})
}
