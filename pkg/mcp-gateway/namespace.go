package mcpgateway

import (
	"fmt"
	"strings"
)

// NamespaceStrategy generates the downstream identifiers for backend tools.
// Implementations must be deterministic and reversible for every valid
// backend name.
type NamespaceStrategy interface {
	ToolName(backendName, toolName string) string
	SplitToolName(gatewayName string) (backendName, toolName string, ok bool)
}

// ServerPrefixNamespace prefixes every tool with the originating backend
// name, separating fields with a configurable delimiter (defaults to "__" to
// stay within MCP's tool name character set).
type ServerPrefixNamespace struct {
	Separator string
}

func (s ServerPrefixNamespace) separator() string {
	if s.Separator == "" {
		return "__"
	}
	return s.Separator
}

func (s ServerPrefixNamespace) ToolName(backendName, toolName string) string {
	return fmt.Sprintf("%s%s%s", backendName, s.separator(), toolName)
}

// SplitToolName splits on the first separator. Backend names never contain
// the separator, so everything after it belongs to the tool name.
func (s ServerPrefixNamespace) SplitToolName(gatewayName string) (string, string, bool) {
	backend, tool, ok := strings.Cut(gatewayName, s.separator())
	if !ok || backend == "" || tool == "" {
		return "", "", false
	}
	return backend, tool, true
}
