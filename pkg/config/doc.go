// Package config loads the gateway configuration from YAML or TOML.
//
// A minimal YAML file:
//
//	gateway:
//	  addr: "127.0.0.1:8700"
//	sessions:
//	  idle_timeout: "10m"
//	backends:
//	  - name: files
//	    command: mcp-server-filesystem
//	    args: ["${HOME}/projects"]
//	  - name: docs
//	    type: http
//	    url: "https://example.com/mcp"
//	    headers:
//	      Authorization: "Bearer ${DOCS_TOKEN}"
//
// The same keys are accepted in TOML, with backends as [[backends]] tables.
// Durations use time.ParseDuration syntax. database.path optionally adds a
// read-only SQLite descriptor store after the static backends.
package config
