package mcpmgr

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpproto"
)

// ErrRegistryClosed is returned by Acquire after Shutdown.
var ErrRegistryClosed = errors.New("mcpmgr: registry closed")

// Registry owns at most one Session per backend id. Sessions are created on
// first Acquire, shared by reference count, restarted lazily after a failure
// and evicted once idle with no holders.
type Registry struct {
	mu      sync.Mutex
	source  DescriptorSource
	opts    Options
	logger  *slog.Logger
	entries map[string]*entry
	closed  bool

	// ctx outlives any single caller. Connect and restart attempts run on it
	// so a caller giving up does not abort an attempt other waiters share.
	ctx    context.Context
	cancel context.CancelFunc

	hooksMu      sync.RWMutex
	toolsChanged []func(backendID string)

	janitorDone chan struct{}
}

type entry struct {
	session  *Session
	refs     int
	lastUsed time.Time
	attempt  *attempt

	// closing marks an entry whose session Close is tearing down; attempt
	// then completes once it is gone.
	closing  bool
	closeErr error
}

// attempt is one in-flight connect or restart. Every caller that waited on
// it observes the same err.
type attempt struct {
	done chan struct{}
	err  error
}

// NewRegistry creates a registry resolving backend ids through source. When
// opts.IdleTimeout is positive a janitor evicts idle sessions every
// opts.SweepInterval until Shutdown.
func NewRegistry(source DescriptorSource, opts *Options) *Registry {
	o := opts.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		source:  source,
		opts:    o,
		logger:  o.Logger,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
	if o.IdleTimeout > 0 {
		r.janitorDone = make(chan struct{})
		go r.janitor()
	}
	return r
}

// Source returns the descriptor source the registry resolves ids through.
func (r *Registry) Source() DescriptorSource { return r.source }

// Options returns the normalized options sessions are created with.
func (r *Registry) Options() Options { return r.opts }

// Handle is a counted reference to a Ready session. Release it when done.
type Handle struct {
	r    *Registry
	e    *entry
	once sync.Once
}

// Session returns the referenced session.
func (h *Handle) Session() *Session { return h.e.session }

// Release drops the reference. Further calls are no-ops.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.r.mu.Lock()
		if h.e.refs > 0 {
			h.e.refs--
		}
		h.e.lastUsed = h.r.opts.Now()
		h.r.mu.Unlock()
	})
}

// Acquire returns a handle to a Ready session for id, creating and
// connecting one when none exists. Concurrent callers share a single connect
// attempt. A Failed session is restarted while its budget lasts; after that
// the terminal error is returned without another attempt.
func (r *Registry) Acquire(ctx context.Context, id string) (*Handle, error) {
	return r.acquire(ctx, id, true)
}

// AcquireNoRestart is Acquire for callers that must not revive a dead
// backend: a Failed session yields its last error. A missing session is
// still created, so an idle-evicted backend comes back on demand.
func (r *Registry) AcquireNoRestart(ctx context.Context, id string) (*Handle, error) {
	return r.acquire(ctx, id, false)
}

func (r *Registry) acquire(ctx context.Context, id string, restart bool) (*Handle, error) {
	var desc *Descriptor
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		e, ok := r.entries[id]
		if ok && e.attempt == nil && e.session.State() == StateDisconnected {
			delete(r.entries, id)
			ok = false
		}
		if !ok {
			if desc == nil {
				r.mu.Unlock()
				d, err := r.source.Get(ctx, id)
				if err != nil {
					return nil, err
				}
				if err := d.Validate(); err != nil {
					return nil, err
				}
				desc = &d
				continue
			}
			e = &entry{session: newSession(*desc, r.opts), lastUsed: r.opts.Now()}
			e.session.onToolsChanged = r.emitToolsChanged
			r.entries[id] = e
			r.startAttempt(e, e.session.Start)
		}

		if a := e.attempt; a != nil {
			r.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, mcpproto.ContextError(mcpproto.MethodInitialize, ctx.Err())
			case <-a.done:
			}
			if a.err != nil {
				return nil, a.err
			}
			continue
		}

		s := e.session
		switch state := s.State(); state {
		case StateReady:
			e.refs++
			e.lastUsed = r.opts.Now()
			r.mu.Unlock()
			return &Handle{r: r, e: e}, nil
		case StateFailed:
			if !restart {
				err := s.LastError()
				r.mu.Unlock()
				return nil, err
			}
			if !s.canRestart() {
				err := r.terminalError(s)
				r.mu.Unlock()
				return nil, err
			}
			r.startAttempt(e, s.restart)
			r.mu.Unlock()
		default:
			r.mu.Unlock()
			return nil, &mcpproto.ProtocolError{Reason: fmt.Sprintf("backend %s is %s with no attempt in flight", id, state)}
		}
	}
}

func (r *Registry) terminalError(s *Session) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.attempts == 0 {
		return s.lastErr
	}
	return s.exhaustedLocked()
}

// startAttempt runs op on the registry context. r.mu must be held.
func (r *Registry) startAttempt(e *entry, op func(context.Context) error) {
	a := &attempt{done: make(chan struct{})}
	e.attempt = a
	go func() {
		err := op(r.ctx)
		r.mu.Lock()
		a.err = err
		if e.attempt == a {
			e.attempt = nil
		}
		e.lastUsed = r.opts.Now()
		r.mu.Unlock()
		close(a.done)
		if err != nil {
			r.logger.Warn("mcp backend connect failed", "backend", e.session.ID(), "error", err)
		}
	}()
}

// AcquireExisting returns a handle to the session for id only if one is
// already Ready. It never connects or restarts.
func (r *Registry) AcquireExisting(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || r.closed || e.attempt != nil || e.session.State() != StateReady {
		return nil, false
	}
	e.refs++
	e.lastUsed = r.opts.Now()
	return &Handle{r: r, e: e}, true
}

// Lookup returns the session for id without creating or restarting it.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// ListLoaded returns a snapshot of every session the registry holds, sorted
// by backend name.
func (r *Registry) ListLoaded() []SessionInfo {
	r.mu.Lock()
	type snap struct {
		s    *Session
		refs int
	}
	snaps := make([]snap, 0, len(r.entries))
	for _, e := range r.entries {
		snaps = append(snaps, snap{s: e.session, refs: e.refs})
	}
	r.mu.Unlock()

	out := make([]SessionInfo, 0, len(snaps))
	for _, sn := range snaps {
		info := sn.s.Info()
		info.Refs = sn.refs
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b SessionInfo) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.BackendID, b.BackendID))
	})
	return out
}

// EvictIdle closes sessions with no holders whose last use is at least
// IdleTimeout before now. It returns the evicted backend ids.
func (r *Registry) EvictIdle(now time.Time) []string {
	if r.opts.IdleTimeout <= 0 {
		return nil
	}
	r.mu.Lock()
	var victims []*Session
	for id, e := range r.entries {
		if e.refs > 0 || e.attempt != nil {
			continue
		}
		last := e.lastUsed
		if act := e.session.LastActivity(); act.After(last) {
			last = act
		}
		if now.Sub(last) < r.opts.IdleTimeout {
			continue
		}
		delete(r.entries, id)
		e.session.markClosing()
		victims = append(victims, e.session)
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(victims))
	for _, s := range victims {
		ids = append(ids, s.ID())
		r.logger.Info("evicting idle mcp backend", "backend", s.ID())
		if err := s.closeLink(); err != nil {
			r.logger.Debug("close evicted session", "backend", s.ID(), "error", err)
		}
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) janitor() {
	defer close(r.janitorDone)
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle(r.opts.Now())
		}
	}
}

// Close closes the session for id, whatever its refcount, and removes it.
// Holders of outstanding handles see CancelledError on later calls. The
// entry stays until the backend is fully closed, so a concurrent Acquire
// waits for that rather than spawning a second process next to it.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	a := e.attempt
	if a == nil || !e.closing {
		a = &attempt{done: make(chan struct{})}
		e.attempt = a
		e.closing = true
		go r.finishClose(id, e, a)
	}
	r.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return e.closeErr
	}
}

// finishClose closes e's session, then drops the entry and releases
// everyone waiting on a.
func (r *Registry) finishClose(id string, e *entry, a *attempt) {
	err := e.session.Close()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	r.mu.Lock()
	e.closeErr = err
	if r.entries[id] == e {
		delete(r.entries, id)
	}
	if e.attempt == a {
		e.attempt = nil
	}
	r.mu.Unlock()
	close(a.done)
}

// Shutdown closes every session and stops the janitor. Acquire fails with
// ErrRegistryClosed afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.entries))
	for id, e := range r.entries {
		sessions = append(sessions, e.session)
		delete(r.entries, id)
	}
	r.mu.Unlock()
	r.cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			if err := closeWithContext(gctx, s); err != nil {
				return fmt.Errorf("close %s: %w", s.ID(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	if r.janitorDone != nil {
		<-r.janitorDone
	}
	return err
}

func closeWithContext(ctx context.Context, s *Session) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan error, 1)
	go func() { done <- s.Close() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// OnToolsChanged registers fn to run after a backend's catalog is refreshed
// in response to notifications/tools/list_changed. Handlers run without any
// registry lock held.
func (r *Registry) OnToolsChanged(fn func(backendID string)) {
	if fn == nil {
		return
	}
	r.hooksMu.Lock()
	r.toolsChanged = append(r.toolsChanged, fn)
	r.hooksMu.Unlock()
}

func (r *Registry) emitToolsChanged(id string) {
	r.hooksMu.RLock()
	hooks := slices.Clone(r.toolsChanged)
	r.hooksMu.RUnlock()
	for _, h := range hooks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("tools changed handler panicked", "backend", id, "panic", p)
				}
			}()
			h(id)
		}()
	}
}
