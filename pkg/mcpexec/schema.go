package mcpexec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpmgr"
)

// ErrInvalidArguments is wrapped by ArgumentError.
var ErrInvalidArguments = errors.New("mcpexec: invalid arguments")

// ArgumentError reports arguments rejected by a tool's input schema. The
// call is never sent to the backend.
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("mcpexec: invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

func (e *ArgumentError) Is(target error) bool { return target == ErrInvalidArguments }

type schemaEntry struct {
	raw      string
	resolved *jsonschema.Resolved
}

// schemaCache keeps resolved input schemas per backend and tool. An entry is
// replaced when the backend advertises a different schema for the tool.
type schemaCache struct {
	mu      sync.Mutex
	entries map[string]map[string]schemaEntry
}

func newSchemaCache() *schemaCache {
	return &schemaCache{entries: make(map[string]map[string]schemaEntry)}
}

func (c *schemaCache) validate(backendID string, tool mcpmgr.ToolDescriptor, args map[string]any) error {
	resolved, err := c.resolve(backendID, tool)
	if err != nil || resolved == nil {
		// Schemas the validator cannot handle are left to the backend.
		return nil
	}
	var instance any = map[string]any{}
	if args != nil {
		// Round trip so numbers and nested values have their JSON shapes.
		data, err := json.Marshal(args)
		if err != nil {
			return &ArgumentError{Tool: tool.Name, Err: err}
		}
		if err := json.Unmarshal(data, &instance); err != nil {
			return &ArgumentError{Tool: tool.Name, Err: err}
		}
	}
	if err := resolved.Validate(instance); err != nil {
		return &ArgumentError{Tool: tool.Name, Err: err}
	}
	return nil
}

func (c *schemaCache) resolve(backendID string, tool mcpmgr.ToolDescriptor) (*jsonschema.Resolved, error) {
	if tool.InputSchema == nil {
		return nil, nil
	}
	data, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil, err
	}
	raw := string(data)

	c.mu.Lock()
	defer c.mu.Unlock()
	byTool := c.entries[backendID]
	if ent, ok := byTool[tool.Name]; ok && ent.raw == raw {
		return ent.resolved, nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	// Resolution failures are cached as nil so they are not retried per call.
	resolved, err := schema.Resolve(nil)
	if err != nil {
		resolved = nil
	}
	if byTool == nil {
		byTool = make(map[string]schemaEntry)
		c.entries[backendID] = byTool
	}
	byTool[tool.Name] = schemaEntry{raw: raw, resolved: resolved}
	return resolved, err
}

func (c *schemaCache) forget(backendID string) {
	c.mu.Lock()
	delete(c.entries, backendID)
	c.mu.Unlock()
}
