package mcpgateway

import (
	"maps"
	"slices"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpmgr"
)

const (
	metaKeyBackendID   = "mcpgateway.backend_id"
	metaKeyBackendName = "mcpgateway.backend_name"
	metaKeyNativeName  = "mcpgateway.native_name"
)

// featureIndex maps namespaced tool names to the backend tool they stand
// for. It holds only loaded backends.
type featureIndex struct {
	ns NamespaceStrategy

	mu sync.RWMutex

	tools        map[string]toolTarget
	backendTools map[string][]string
}

type toolTarget struct {
	GatewayName string
	BackendID   string
	BackendName string
	NativeName  string
}

type toolRegistration struct {
	Tool   *mcp.Tool
	Target toolTarget
}

func newFeatureIndex(ns NamespaceStrategy) *featureIndex {
	return &featureIndex{
		ns:           ns,
		tools:        make(map[string]toolTarget),
		backendTools: make(map[string][]string),
	}
}

// UpdateTools replaces the tools of one backend and reports the namespaced
// names that disappeared and the registrations that now exist.
func (f *featureIndex) UpdateTools(backendID, backendName string, upstream []mcpmgr.ToolDescriptor) (removed []string, added []toolRegistration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	previous := f.removeToolsLocked(backendID)
	added = make([]toolRegistration, 0, len(upstream))
	names := make([]string, 0, len(upstream))
	for _, tool := range upstream {
		gatewayName := f.ns.ToolName(backendName, tool.Name)
		target := toolTarget{GatewayName: gatewayName, BackendID: backendID, BackendName: backendName, NativeName: tool.Name}
		f.tools[gatewayName] = target
		added = append(added, toolRegistration{Tool: cloneTool(tool, target), Target: target})
		names = append(names, gatewayName)
	}
	f.backendTools[backendID] = names
	for _, name := range previous {
		if !slices.Contains(names, name) {
			removed = append(removed, name)
		}
	}
	return removed, added
}

// RemoveBackend drops every tool of backendID and returns their names.
func (f *featureIndex) RemoveBackend(backendID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeToolsLocked(backendID)
}

func (f *featureIndex) ToolTarget(name string) (toolTarget, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	target, ok := f.tools[name]
	return target, ok
}

// Tools returns the namespaced names registered for backendID.
func (f *featureIndex) Tools(backendID string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.backendTools[backendID])
}

func (f *featureIndex) removeToolsLocked(backendID string) []string {
	names := f.backendTools[backendID]
	for _, name := range names {
		delete(f.tools, name)
	}
	delete(f.backendTools, backendID)
	return names
}

// cloneTool converts a backend tool into its downstream form. The input
// schema defaults to an empty object because the MCP server requires one.
func cloneTool(tool mcpmgr.ToolDescriptor, target toolTarget) *mcp.Tool {
	schema := tool.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	return &mcp.Tool{
		Name:        target.GatewayName,
		Title:       tool.Title,
		Description: tool.Description,
		InputSchema: schema,
		Annotations: tool.Annotations,
		Meta: withMeta(nil, map[string]any{
			metaKeyBackendID:   target.BackendID,
			metaKeyBackendName: target.BackendName,
			metaKeyNativeName:  tool.Name,
		}),
	}
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}
