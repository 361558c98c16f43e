// Package mcptransport connects an MCP client session to one backend over
// the go-sdk client transports:
//
//   - stdio spawns the backend through mcp.CommandTransport in its own
//     process group and logs its stderr.
//   - SSE dials the legacy HTTP+SSE transport through mcp.SSEClientTransport.
//   - Streamable HTTP goes through mcp.StreamableClientTransport, with the
//     configured headers and the negotiated protocol version added to every
//     request.
//
// New selects the transport from a Config once; callers only see Conn and
// never branch on the transport kind afterwards.
package mcptransport
