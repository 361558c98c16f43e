package mcpmgr

import "github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcptransport"

// Helpers for narrowing a Descriptor's transport config without a type
// switch at every call site.

// TransportOf returns the transport kind of d, or "" when unset.
func TransportOf(d Descriptor) mcptransport.Kind {
	if d.Transport == nil {
		return ""
	}
	return d.Transport.Kind()
}

// IsStdio reports whether d launches a child process.
func IsStdio(d Descriptor) bool {
	_, ok := d.Transport.(*mcptransport.StdioConfig)
	return ok
}

// IsRemote reports whether d dials an HTTP endpoint (SSE or Streamable).
func IsRemote(d Descriptor) bool {
	switch d.Transport.(type) {
	case *mcptransport.SSEConfig, *mcptransport.HTTPConfig:
		return true
	default:
		return false
	}
}

// AsStdio narrows d's transport to *mcptransport.StdioConfig.
func AsStdio(d Descriptor) (*mcptransport.StdioConfig, bool) {
	c, ok := d.Transport.(*mcptransport.StdioConfig)
	return c, ok
}

// AsSSE narrows d's transport to *mcptransport.SSEConfig.
func AsSSE(d Descriptor) (*mcptransport.SSEConfig, bool) {
	c, ok := d.Transport.(*mcptransport.SSEConfig)
	return c, ok
}

// AsHTTP narrows d's transport to *mcptransport.HTTPConfig.
func AsHTTP(d Descriptor) (*mcptransport.HTTPConfig, bool) {
	c, ok := d.Transport.(*mcptransport.HTTPConfig)
	return c, ok
}

// Endpoint returns the command line or URL of d for display.
func Endpoint(d Descriptor) string {
	switch c := d.Transport.(type) {
	case *mcptransport.StdioConfig:
		out := c.Command
		for _, a := range c.Args {
			out += " " + a
		}
		return out
	case *mcptransport.SSEConfig:
		return c.URL
	case *mcptransport.HTTPConfig:
		return c.URL
	default:
		return ""
	}
}
