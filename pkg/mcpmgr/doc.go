// Package mcpmgr manages MCP client sessions to many backends from a single
// Go process. It layers a connection lifecycle, request correlation, restart
// with backoff and idle eviction on top of the mcptransport and mcpproto
// packages so callers can focus on consuming tools.
//
// # Core entry points
//
//   - Session is one connection. It moves through Connecting, Initializing
//     and Ready; on a transport or protocol failure it becomes Failed and can
//     be restarted (Failed → Restarting → Connecting) while its
//     RestartPolicy allows. Close makes it Disconnected from any state.
//   - Registry keeps at most one Session per backend id. Acquire returns a
//     counted Handle, creating the session on first use; concurrent callers
//     share one connect attempt. Idle sessions with no holders are evicted.
//   - Descriptor declares how a backend is reached. A DescriptorSource such
//     as StaticSource supplies them by id.
//
// Tool calls return a *ToolCallResult in every case. Backend tool errors set
// IsError; gateway, transport and protocol failures also set Err to one of
// the typed errors in mcpproto, so callers can branch with errors.Is.
//
// When inspecting descriptors, use the helper guards and narrowers
// (IsStdio/IsRemote and AsStdio/AsSSE/AsHTTP) or TransportOf to branch on the
// concrete transport type.
package mcpmgr
