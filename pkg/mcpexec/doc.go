// Package mcpexec is the interactive execution path: start a session against
// one backend, run its tools directly by name and end it again. It shares the
// Session and Registry machinery of package mcpmgr but keeps its own registry
// and never namespaces tool names.
package mcpexec
