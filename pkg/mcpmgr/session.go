package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpproto"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcptransport"
)

// ErrNotReady is returned when the tool catalog is requested from a session
// that has not completed its handshake.
var ErrNotReady = errors.New("mcpmgr: session not ready")

const notifyTimeout = 5 * time.Second

// Session is one MCP connection to a backend. It owns the transport, runs a
// single read loop that correlates responses, and admits tool calls through
// a FIFO semaphore.
type Session struct {
	desc     Descriptor
	opts     Options
	logger   *slog.Logger
	progress *progressTracker
	sem      chan struct{}

	mu           sync.RWMutex
	state        State
	link         *link
	server       *ServerInfo
	tools        []ToolDescriptor
	lastErr      error
	lastActivity time.Time
	readySince   time.Time
	attempts     int
	restarts     int

	onToolsChanged func(backendID string)
}

// link is one connected transport plus its codec. A restart replaces the
// whole link, so events from a stale link are ignored.
type link struct {
	conn      *mcptransport.Conn
	codec     *mcpproto.Codec
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (l *link) shutdown() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		err = l.conn.Close()
		<-l.done
	})
	return err
}

// NewSession builds an unconnected session for desc. Start connects it.
func NewSession(desc Descriptor, opts *Options) (*Session, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return newSession(desc, opts.normalized()), nil
}

func newSession(desc Descriptor, opts Options) *Session {
	limit := desc.MaxConcurrentCalls
	if limit <= 0 {
		limit = 1
	}
	logger := opts.Logger.With("backend", desc.ID)
	return &Session{
		desc:         desc,
		opts:         opts,
		logger:       logger,
		progress:     newProgressTracker(desc.ID, logger),
		sem:          make(chan struct{}, limit),
		lastActivity: opts.Now(),
	}
}

// ID returns the backend id this session serves.
func (s *Session) ID() string { return s.desc.ID }

// Descriptor returns the descriptor the session was built from.
func (s *Session) Descriptor() Descriptor { return s.desc }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastError returns the error that last moved the session to Failed.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ServerInfo returns the handshake result, or nil before Ready.
func (s *Session) ServerInfo() *ServerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.server
}

// Tools returns the cached catalog. It fails unless the session is Ready.
func (s *Session) Tools() ([]ToolDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, s.desc.ID, s.state)
	}
	return append([]ToolDescriptor(nil), s.tools...), nil
}

// HasTool reports whether the Ready catalog contains name.
func (s *Session) HasTool(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateReady {
		return false
	}
	for _, t := range s.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// LastActivity returns when the session last completed a call or handshake.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Info returns a diagnostic snapshot. Refs is filled in by the Registry.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := SessionInfo{
		BackendID:    s.desc.ID,
		Name:         s.desc.Name,
		Transport:    TransportOf(s.desc),
		State:        s.state,
		Server:       s.server,
		ToolCount:    len(s.tools),
		LastActivity: s.lastActivity,
		Restarts:     s.restarts,
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	if s.link != nil {
		info.PID = s.link.conn.PID()
		info.HTTPSession = s.link.conn.SessionID()
	}
	return info
}

// PID returns the backend process id for stdio sessions, or 0.
func (s *Session) PID() int {
	return s.Info().PID
}

func (s *Session) setStateLocked(next State) {
	if !canTransition(s.state, next) {
		s.logger.Warn("unexpected session transition", "from", string(s.state), "to", string(next))
	}
	s.logger.Debug("session state", "from", string(s.state), "to", string(next))
	s.state = next
}

// Start connects a new session and completes the handshake. On failure the
// session is left Failed and a *ConnectError is returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != "" {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("mcpmgr: session %q already started (%s)", s.desc.ID, state)
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()
	return s.connect(ctx)
}

// canRestart reports whether a Failed session still has restart budget.
func (s *Session) canRestart() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateFailed && s.attempts < s.opts.Restart.MaxAttempts
}

// restart walks Failed → Restarting → Connecting after the policy backoff.
func (s *Session) restart(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state == StateReady:
		s.mu.Unlock()
		return nil
	case s.state != StateFailed:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("mcpmgr: cannot restart %q from %s", s.desc.ID, state)
	case s.attempts >= s.opts.Restart.MaxAttempts:
		err := s.exhaustedLocked()
		s.mu.Unlock()
		return err
	}
	s.attempts++
	s.restarts++
	attempt := s.attempts
	s.setStateLocked(StateRestarting)
	s.mu.Unlock()

	delay := s.opts.Restart.Backoff(attempt)
	s.logger.Info("restarting mcp backend", "attempt", attempt, "backoff", delay)
	timer := time.NewTimer(delay)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		s.mu.Lock()
		if s.state == StateRestarting {
			s.setStateLocked(StateFailed)
		}
		s.mu.Unlock()
		return &ConnectError{BackendID: s.desc.ID, Attempt: attempt + 1, Err: mcpproto.ContextError(mcpproto.MethodInitialize, ctx.Err())}
	}

	s.mu.Lock()
	if s.state != StateRestarting {
		s.mu.Unlock()
		return &mcpproto.CancelledError{Method: mcpproto.MethodInitialize, Reason: "session closed during restart"}
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()
	return s.connect(ctx)
}

func (s *Session) exhaustedLocked() error {
	return &RestartsExhaustedError{BackendID: s.desc.ID, Attempts: s.attempts, Err: s.lastErr}
}

func (s *Session) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	t, err := mcptransport.New(s.desc.Transport, &s.opts.Transport)
	if err != nil {
		return s.failConnect(nil, &mcpproto.TransportError{Op: "build", Err: err})
	}
	t = mcptransport.WithLogging(t, s.desc.ID, s.opts.rpcLogger())
	conn, err := t.Connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return s.failConnect(nil, mcpproto.ContextError("connect", ctx.Err()))
		}
		return s.failConnect(nil, &mcpproto.TransportError{Op: "connect", Err: err})
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	l := &link{
		conn:      conn,
		codec:     mcpproto.NewCodec(),
		ctx:       loopCtx,
		cancel:    loopCancel,
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		loopCancel()
		_ = conn.Close()
		return &mcpproto.CancelledError{Method: mcpproto.MethodInitialize, Reason: "session closed while connecting"}
	}
	s.link = l
	s.setStateLocked(StateInitializing)
	s.mu.Unlock()
	go s.readLoop(l)

	server, tools, err := s.handshake(ctx, l)
	if err != nil {
		return s.failConnect(l, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != l || s.state != StateInitializing {
		return &mcpproto.CancelledError{Method: mcpproto.MethodInitialize, Reason: "session closed during handshake"}
	}
	now := s.opts.Now()
	s.server = server
	s.tools = tools
	s.lastErr = nil
	s.lastActivity = now
	s.readySince = now
	s.setStateLocked(StateReady)
	s.logger.Info("mcp backend ready", "server", server.Name, "version", server.Version,
		"protocol", server.ProtocolVersion, "tools", len(tools))
	return nil
}

func (s *Session) handshake(ctx context.Context, l *link) (*ServerInfo, []ToolDescriptor, error) {
	raw, err := s.roundTrip(ctx, l, mcpproto.MethodInitialize, &mcp.InitializeParams{
		ProtocolVersion: mcpproto.LatestProtocolVersion,
		ClientInfo:      &mcp.Implementation{Name: s.opts.ClientName, Version: s.opts.ClientVersion},
		Capabilities:    &mcp.ClientCapabilities{},
	})
	if err != nil {
		return nil, nil, err
	}
	var init mcp.InitializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return nil, nil, &mcpproto.ProtocolError{Reason: "decode initialize result", Err: err}
	}
	if !mcpproto.SupportedVersion(init.ProtocolVersion) {
		return nil, nil, &mcpproto.ProtocolError{Reason: fmt.Sprintf("unsupported protocol version %q", init.ProtocolVersion)}
	}
	l.conn.SetProtocolVersion(init.ProtocolVersion)

	server := &ServerInfo{
		ProtocolVersion: init.ProtocolVersion,
		Instructions:    init.Instructions,
		Capabilities:    init.Capabilities,
	}
	if init.ServerInfo != nil {
		server.Name = init.ServerInfo.Name
		server.Title = init.ServerInfo.Title
		server.Version = init.ServerInfo.Version
	}

	note, err := l.codec.Notification(mcpproto.NotifyInitialized, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := l.conn.Send(ctx, note); err != nil {
		return nil, nil, &mcpproto.TransportError{Op: "send initialized", Err: err}
	}

	tools, err := s.listTools(ctx, l)
	if err != nil {
		if mcpproto.IsMethodNotFound(err) {
			s.logger.Debug("backend does not implement tools/list")
			return server, nil, nil
		}
		return nil, nil, err
	}
	return server, tools, nil
}

// listTools pages through tools/list until the cursor runs out.
func (s *Session) listTools(ctx context.Context, l *link) ([]ToolDescriptor, error) {
	var (
		out    []ToolDescriptor
		cursor string
	)
	for page := 0; ; page++ {
		var params any
		if cursor != "" {
			params = &mcp.ListToolsParams{Cursor: cursor}
		}
		raw, err := s.roundTrip(ctx, l, mcpproto.MethodToolsList, params)
		if err != nil {
			return nil, err
		}
		var res mcp.ListToolsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, &mcpproto.ProtocolError{Reason: "decode tools/list result", Err: err}
		}
		for _, t := range res.Tools {
			if t != nil {
				out = append(out, toolDescriptorFrom(t))
			}
		}
		if res.NextCursor == "" || res.NextCursor == cursor || page > 1000 {
			return out, nil
		}
		cursor = res.NextCursor
	}
}

// RefreshTools re-reads the catalog of a Ready session.
func (s *Session) RefreshTools(ctx context.Context) error {
	s.mu.RLock()
	l, state := s.link, s.state
	s.mu.RUnlock()
	if state != StateReady || l == nil {
		return fmt.Errorf("%w: %s is %s", ErrNotReady, s.desc.ID, state)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	tools, err := s.listTools(ctx, l)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.link == l && s.state == StateReady {
		s.tools = tools
	}
	s.mu.Unlock()
	return nil
}

// roundTrip sends one request on l and waits for its response. A ctx expiry
// resolves the call as TimeoutError or CancelledError and leaves the session
// untouched; a failed write is a transport failure.
func (s *Session) roundTrip(ctx context.Context, l *link, method string, params any) (json.RawMessage, error) {
	call, req, err := l.codec.Request(method, params)
	if err != nil {
		return nil, err
	}
	if err := l.conn.Send(ctx, req); err != nil {
		if ctx.Err() != nil {
			cerr := mcpproto.ContextError(method, ctx.Err())
			call.Resolve(nil, cerr)
			s.notifyCancelled(l, call, cerr)
			return nil, cerr
		}
		terr := &mcpproto.TransportError{Op: "send " + method, Err: err}
		call.Resolve(nil, terr)
		s.fail(l, terr)
		return nil, terr
	}
	raw, err := call.Wait(ctx)
	if err != nil && ctx.Err() != nil && (errors.Is(err, mcpproto.ErrTimeout) || errors.Is(err, mcpproto.ErrCancelled)) {
		s.notifyCancelled(l, call, err)
	}
	return raw, err
}

// notifyCancelled tells the backend to abandon a request we stopped waiting
// for. initialize is never cancelled.
func (s *Session) notifyCancelled(l *link, call *mcpproto.PendingCall, reason error) {
	if call.Method == mcpproto.MethodInitialize {
		return
	}
	note, err := l.codec.Notification(mcpproto.NotifyCancelled, map[string]any{
		"requestId": call.ID,
		"reason":    reason.Error(),
	})
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(l.ctx, notifyTimeout)
		defer cancel()
		if err := l.conn.Send(ctx, note); err != nil {
			s.logger.Debug("send cancellation failed", "request_id", call.ID, "error", err)
		}
	}()
}

// CallOption customises a single CallTool.
type CallOption func(*callOptions)

type callOptions struct {
	progress ProgressFunc
	timeout  time.Duration
}

// WithProgress attaches a progress token and routes matching progress
// notifications to fn while the call is in flight.
func WithProgress(fn ProgressFunc) CallOption {
	return func(o *callOptions) { o.progress = fn }
}

// WithCallTimeout overrides the per-call timeout.
func WithCallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// CallTool runs tools/call on the backend. It never returns nil and never
// panics on backend failure: every outcome is described by the result.
func (s *Session) CallTool(ctx context.Context, name string, args any, opts ...CallOption) *ToolCallResult {
	start := s.opts.Now()
	res := &ToolCallResult{CallID: uuid.NewString(), Backend: s.desc.Name, Tool: name}
	defer func() { res.finish(start, s.opts.Now()) }()

	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	s.mu.RLock()
	state, l, lastErr := s.state, s.link, s.lastErr
	s.mu.RUnlock()
	if state != StateReady || l == nil {
		res.fail(s.notReadyError(state, lastErr))
		return res
	}

	timeout := co.timeout
	if timeout <= 0 {
		timeout = s.desc.CallTimeout
	}
	if timeout <= 0 {
		timeout = s.opts.CallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		res.fail(mcpproto.ContextError(mcpproto.MethodToolsCall, ctx.Err()))
		return res
	}
	defer func() { <-s.sem }()

	params := &mcp.CallToolParams{Name: name, Arguments: args}
	if co.progress != nil {
		token, release := s.progress.register(co.progress)
		defer release()
		params.SetMeta(map[string]any{})
		params.SetProgressToken(token)
	}

	raw, err := s.roundTrip(ctx, l, mcpproto.MethodToolsCall, params)
	if err != nil {
		res.fail(err)
		return res
	}
	if err := res.decode(raw); err != nil {
		res.fail(err)
		return res
	}
	s.touch()
	return res
}

func (s *Session) notReadyError(state State, lastErr error) error {
	switch {
	case state == StateFailed && lastErr != nil:
		return lastErr
	case state == StateDisconnected:
		return &mcpproto.CancelledError{Method: mcpproto.MethodToolsCall, Reason: "session closed"}
	default:
		return &mcpproto.ProtocolError{Reason: fmt.Sprintf("session %s is %s", s.desc.ID, state)}
	}
}

// Ping round-trips a ping request.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.RLock()
	state, l := s.state, s.link
	s.mu.RUnlock()
	if state != StateReady || l == nil {
		return fmt.Errorf("%w: %s is %s", ErrNotReady, s.desc.ID, state)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	_, err := s.roundTrip(ctx, l, mcpproto.MethodPing, nil)
	return err
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.opts.Now()
	s.mu.Unlock()
}

// Close moves the session to Disconnected from any state, cancels pending
// calls and releases the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	l := s.link
	s.link = nil
	s.tools = nil
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	if l == nil {
		return nil
	}
	l.codec.FailAll(&mcpproto.CancelledError{Method: "call", Reason: "session closed"})
	return l.shutdown()
}

// markClosing moves the session to Disconnected without releasing the
// transport. The caller must follow up with Close.
func (s *Session) markClosing() {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.setStateLocked(StateDisconnected)
	}
	s.mu.Unlock()
}

// closeLink releases whatever link the session still holds. Used after
// markClosing, when Close would return early.
func (s *Session) closeLink() error {
	s.mu.Lock()
	l := s.link
	s.link = nil
	s.tools = nil
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	l.codec.FailAll(&mcpproto.CancelledError{Method: "call", Reason: "session closed"})
	return l.shutdown()
}

func (s *Session) failConnect(l *link, err error) error {
	s.mu.RLock()
	attempt := s.attempts + 1
	s.mu.RUnlock()
	s.fail(l, err)
	return &ConnectError{BackendID: s.desc.ID, Attempt: attempt, Err: err}
}

// fail moves the session to Failed, resolves every pending call with err and
// tears the transport down in the background. Events from a link that is no
// longer current are dropped.
func (s *Session) fail(l *link, err error) {
	s.mu.Lock()
	if l != nil && s.link != l {
		s.mu.Unlock()
		return
	}
	if s.state == StateDisconnected || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	if s.state == StateReady && s.opts.Restart.ResetAfter > 0 &&
		s.opts.Now().Sub(s.readySince) >= s.opts.Restart.ResetAfter {
		s.attempts = 0
	}
	s.setStateLocked(StateFailed)
	s.lastErr = err
	s.tools = nil
	s.link = nil
	s.mu.Unlock()

	s.logger.Warn("mcp backend failed", "error", err)
	if l == nil {
		return
	}
	l.codec.FailAll(err)
	go func() {
		if cerr := l.shutdown(); cerr != nil {
			s.logger.Debug("transport close after failure", "error", cerr)
		}
	}()
}

func (s *Session) readLoop(l *link) {
	defer close(l.done)
	for {
		msg, err := l.conn.Receive(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, mcptransport.ErrClosed) {
				return
			}
			s.fail(l, receiveError(err))
			return
		}
		s.handleMessage(l, msg)
	}
}

// receiveError maps a terminal Receive error onto the error taxonomy. A
// backend that writes oversized or non-JSON-RPC output broke the protocol;
// everything else is the transport giving out.
func receiveError(err error) error {
	switch {
	case errors.Is(err, mcptransport.ErrFrameTooLarge):
		return &mcpproto.ProtocolError{Reason: "frame too large", Err: err}
	case errors.Is(err, mcptransport.ErrMalformedFrame):
		return &mcpproto.ProtocolError{Reason: "malformed frame", Err: err}
	default:
		return &mcpproto.TransportError{Op: "receive", Err: err}
	}
}

func (s *Session) handleMessage(l *link, msg jsonrpc.Message) {
	switch m := msg.(type) {
	case *jsonrpc.Response:
		if err := l.codec.Deliver(m); err != nil {
			s.logger.Debug("dropping response", "error", err)
		}
	case *jsonrpc.Request:
		if m.IsCall() {
			go s.answer(l, m)
			return
		}
		s.handleNotification(m)
	}
}

func (s *Session) handleNotification(msg *jsonrpc.Request) {
	switch msg.Method {
	case mcpproto.NotifyProgress:
		if !s.progress.dispatch(msg.Params) {
			s.logger.Debug("progress for unknown token")
		}
	case mcpproto.NotifyToolsListChanged:
		go s.toolsChanged()
	case mcpproto.NotifyMessage:
		s.logBackendMessage(msg.Params)
	default:
		s.logger.Debug("ignoring notification", "method", msg.Method)
	}
}

func (s *Session) toolsChanged() {
	if err := s.RefreshTools(context.Background()); err != nil {
		s.logger.Warn("refresh tools after list_changed", "error", err)
		return
	}
	s.mu.RLock()
	hook := s.onToolsChanged
	s.mu.RUnlock()
	if hook != nil {
		hook(s.desc.ID)
	}
}

func (s *Session) logBackendMessage(raw json.RawMessage) {
	var params mcp.LoggingMessageParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return
	}
	level := slog.LevelInfo
	switch params.Level {
	case "debug":
		level = slog.LevelDebug
	case "warning":
		level = slog.LevelWarn
	case "error", "critical", "alert", "emergency":
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "backend log", "logger", params.Logger, "data", params.Data)
}

// answer replies to a server-initiated request. Only ping and roots/list
// are supported; the client advertises no other capabilities.
func (s *Session) answer(l *link, req *jsonrpc.Request) {
	var (
		reply *jsonrpc.Response
		err   error
	)
	switch req.Method {
	case mcpproto.MethodPing:
		reply, err = l.codec.Response(req.ID, struct{}{})
	case mcpproto.MethodRootsList:
		reply, err = l.codec.Response(req.ID, map[string]any{"roots": []any{}})
	default:
		reply, err = l.codec.ErrorResponse(req.ID, mcpproto.CodeMethodNotFound, "method not found: "+req.Method)
	}
	if err != nil {
		s.logger.Debug("encode reply", "method", req.Method, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(l.ctx, notifyTimeout)
	defer cancel()
	if err := l.conn.Send(ctx, reply); err != nil {
		s.logger.Debug("send reply", "method", req.Method, "error", err)
	}
}

// RestartsExhaustedError is returned once a session has used its restart
// budget. It unwraps to the failure that ended the last attempt.
type RestartsExhaustedError struct {
	BackendID string
	Attempts  int
	Err       error
}

func (e *RestartsExhaustedError) Error() string {
	return fmt.Sprintf("mcpmgr: backend %q failed after %d restart attempts: %v", e.BackendID, e.Attempts, e.Err)
}

func (e *RestartsExhaustedError) Unwrap() error { return e.Err }
