// Package mcpgateway exposes many MCP backends behind one Streamable HTTP
// endpoint. Instead of mirroring every backend up front, the gateway serves
// three meta-tools: list_available_mcps enumerates the catalog without
// connecting, load_mcp_tools connects one backend and returns its tools under
// "<backend>__<tool>" names, and call_mcp_tool forwards a call by namespaced
// name. Sessions come from an mcpmgr.Registry, so idle backends are evicted
// and failed ones restarted according to its policy.
package mcpgateway
