package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpmgr"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpproto"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcptransport"
)

// BackendSummary is the public view of one registered backend.
type BackendSummary struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Transport   mcptransport.Kind `json:"transport"`
	Loaded      bool              `json:"loaded"`
	State       mcpmgr.State      `json:"state,omitempty"`
	ToolCount   int               `json:"toolCount,omitempty"`
}

// NamespacedTool is a backend tool as exposed through the gateway.
type NamespacedTool struct {
	Name        string `json:"name"`
	Backend     string `json:"backend"`
	Tool        string `json:"tool"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

// LoadResult is returned by Router.Load.
type LoadResult struct {
	Backend BackendSummary   `json:"backend"`
	Tools   []NamespacedTool `json:"tools"`
}

// Rejection records a backend excluded from the catalog.
type Rejection struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Router resolves namespaced tool names to backends and forwards calls. It is
// transport-agnostic; Gateway puts it behind an MCP server.
type Router struct {
	registry *mcpmgr.Registry
	ns       NamespaceStrategy
	index    *featureIndex
	logger   *slog.Logger
	timeout  time.Duration

	mu       sync.RWMutex
	order    []string
	byName   map[string]mcpmgr.Descriptor
	byID     map[string]string
	rejected []Rejection
	loaded   map[string]bool

	hooksMu sync.RWMutex
	changed []func(backendID string, removed []string, added []toolRegistration)
}

// NewRouter builds a router over registry. The catalog is read from the
// registry's descriptor source on Refresh.
func NewRouter(registry *mcpmgr.Registry, ns NamespaceStrategy, logger *slog.Logger, loadTimeout time.Duration) *Router {
	if ns == nil {
		ns = ServerPrefixNamespace{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		registry: registry,
		ns:       ns,
		index:    newFeatureIndex(ns),
		logger:   logger,
		timeout:  loadTimeout,
		byName:   make(map[string]mcpmgr.Descriptor),
		byID:     make(map[string]string),
		loaded:   make(map[string]bool),
	}
	registry.OnToolsChanged(r.backendToolsChanged)
	return r
}

// Refresh re-reads the catalog. Backends with invalid or duplicate names are
// logged and excluded; the first occurrence of a duplicated name wins.
func (r *Router) Refresh(ctx context.Context) error {
	descs, err := r.registry.Source().List(ctx)
	if err != nil {
		return fmt.Errorf("mcpgateway: list backends: %w", err)
	}
	var (
		order    []string
		byName   = make(map[string]mcpmgr.Descriptor, len(descs))
		byID     = make(map[string]string, len(descs))
		rejected []Rejection
	)
	for _, d := range descs {
		reason := ""
		if err := mcpmgr.ValidateName(d.Name); err != nil {
			reason = err.Error()
		} else if prev, dup := byName[d.Name]; dup {
			reason = fmt.Sprintf("duplicate backend name %q (already used by %s)", d.Name, prev.ID)
		}
		if reason != "" {
			r.logger.Warn("backend excluded from gateway", "backend", d.ID, "name", d.Name, "reason", reason)
			rejected = append(rejected, Rejection{ID: d.ID, Name: d.Name, Reason: reason})
			continue
		}
		order = append(order, d.Name)
		byName[d.Name] = d
		byID[d.ID] = d.Name
	}

	r.mu.Lock()
	r.order, r.byName, r.byID, r.rejected = order, byName, byID, rejected
	var dropped []string
	for id := range r.loaded {
		if _, ok := byID[id]; !ok {
			delete(r.loaded, id)
			dropped = append(dropped, id)
		}
	}
	r.mu.Unlock()

	for _, id := range dropped {
		r.emit(id, r.index.RemoveBackend(id), nil)
	}
	return nil
}

// Rejected returns the backends excluded by the last Refresh.
func (r *Router) Rejected() []Rejection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Rejection(nil), r.rejected...)
}

// ListAvailable returns every registered backend without connecting to any.
func (r *Router) ListAvailable(ctx context.Context) ([]BackendSummary, error) {
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BackendSummary, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.summaryLocked(r.byName[name]))
	}
	return out, nil
}

func (r *Router) summaryLocked(d mcpmgr.Descriptor) BackendSummary {
	s := BackendSummary{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Transport:   mcpmgr.TransportOf(d),
		Loaded:      r.loaded[d.ID],
	}
	if sess, ok := r.registry.Lookup(d.ID); ok {
		s.State = sess.State()
		if tools, err := sess.Tools(); err == nil {
			s.ToolCount = len(tools)
		}
	}
	return s
}

// resolve finds a backend by id or name, refreshing the catalog once on miss.
func (r *Router) resolve(ctx context.Context, key string) (mcpmgr.Descriptor, error) {
	for refreshed := false; ; refreshed = true {
		r.mu.RLock()
		d, ok := r.byName[key]
		if !ok {
			if name, byID := r.byID[key]; byID {
				d, ok = r.byName[name], true
			}
		}
		r.mu.RUnlock()
		if ok {
			return d, nil
		}
		if refreshed {
			return mcpmgr.Descriptor{}, fmt.Errorf("%w: %q", mcpmgr.ErrUnknownBackend, key)
		}
		if err := r.Refresh(ctx); err != nil {
			return mcpmgr.Descriptor{}, err
		}
	}
}

// Load connects the backend (by id or name), marks it loaded and returns its
// namespaced tools.
func (r *Router) Load(ctx context.Context, backend string) (*LoadResult, error) {
	d, err := r.resolve(ctx, backend)
	if err != nil {
		return nil, err
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	h, err := r.registry.Acquire(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	tools, err := h.Session().Tools()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.loaded[d.ID] = true
	r.mu.Unlock()
	removed, added := r.index.UpdateTools(d.ID, d.Name, tools)
	r.emit(d.ID, removed, added)

	out := &LoadResult{Tools: make([]NamespacedTool, 0, len(tools))}
	for _, t := range tools {
		out.Tools = append(out.Tools, NamespacedTool{
			Name:        r.ns.ToolName(d.Name, t.Name),
			Backend:     d.Name,
			Tool:        t.Name,
			Title:       t.Title,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	r.mu.RLock()
	out.Backend = r.summaryLocked(d)
	r.mu.RUnlock()
	return out, nil
}

// Unload forgets a loaded backend and closes its session.
func (r *Router) Unload(ctx context.Context, backend string) error {
	d, err := r.resolve(ctx, backend)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.loaded, d.ID)
	r.mu.Unlock()
	r.emit(d.ID, r.index.RemoveBackend(d.ID), nil)
	return r.registry.Close(ctx, d.ID)
}

// Call forwards a namespaced tool call. The backend must have been loaded
// through Load; an evicted session is recreated transparently, but a Failed
// one is not restarted and its last error is reported until the backend is
// loaded again. Every failure is reported in the result, never as a panic or
// a nil result.
func (r *Router) Call(ctx context.Context, name string, args any, opts ...mcpmgr.CallOption) *mcpmgr.ToolCallResult {
	backend, tool, ok := r.ns.SplitToolName(name)
	if !ok {
		return mcpmgr.FailedResult("", name, &mcpproto.ToolNotFoundError{Tool: name})
	}

	r.mu.RLock()
	d, known := r.byName[backend]
	loaded := known && r.loaded[d.ID]
	r.mu.RUnlock()
	if !loaded {
		return mcpmgr.FailedResult(backend, tool, &mcpproto.BackendNotLoadedError{Backend: backend})
	}

	h, err := r.registry.AcquireNoRestart(ctx, d.ID)
	if err != nil {
		return mcpmgr.FailedResult(backend, tool, err)
	}
	defer h.Release()
	sess := h.Session()
	if !sess.HasTool(tool) {
		return mcpmgr.FailedResult(backend, tool, &mcpproto.ToolNotFoundError{Backend: backend, Tool: tool})
	}
	return sess.CallTool(ctx, tool, args, opts...)
}

// IsLoaded reports whether the backend id has been loaded.
func (r *Router) IsLoaded(backendID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded[backendID]
}

// onChange registers fn to run whenever the namespaced tools of a loaded
// backend change.
func (r *Router) onChange(fn func(backendID string, removed []string, added []toolRegistration)) {
	r.hooksMu.Lock()
	r.changed = append(r.changed, fn)
	r.hooksMu.Unlock()
}

func (r *Router) emit(backendID string, removed []string, added []toolRegistration) {
	r.hooksMu.RLock()
	hooks := append([]func(string, []string, []toolRegistration){}, r.changed...)
	r.hooksMu.RUnlock()
	for _, h := range hooks {
		h(backendID, removed, added)
	}
}

func (r *Router) backendToolsChanged(backendID string) {
	if !r.IsLoaded(backendID) {
		return
	}
	sess, ok := r.registry.Lookup(backendID)
	if !ok {
		return
	}
	tools, err := sess.Tools()
	if err != nil {
		if !errors.Is(err, mcpmgr.ErrNotReady) {
			r.logger.Warn("read tools after change", "backend", backendID, "error", err)
		}
		return
	}
	r.mu.RLock()
	name := r.byID[backendID]
	r.mu.RUnlock()
	if name == "" {
		return
	}
	removed, added := r.index.UpdateTools(backendID, name, tools)
	r.logger.Info("backend tools changed", "backend", backendID, "tools", len(tools))
	r.emit(backendID, removed, added)
}
