package mcptransport

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
)

const (
	sessionIDHeaderName       = "Mcp-Session-Id"
	protocolVersionHeaderName = "MCP-Protocol-Version"
)

// headerState is shared between a Conn and its decorated HTTP client.
type headerState struct {
	mu      sync.RWMutex
	version string

	sessionGone atomic.Bool
}

func (s *headerState) setVersion(v string) {
	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
}

func (s *headerState) protocolVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// expired reports whether the server answered 404 to a request that
// carried a session id.
func (s *headerState) expired() bool { return s.sessionGone.Load() }

// decorateHTTPClient returns a copy of base whose requests carry the static
// headers and the negotiated protocol version.
func decorateHTTPClient(base *http.Client, headers http.Header, state *headerState) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:    defaultRoundTripper(base.Transport),
		headers: cloneHeader(headers),
		state:   state,
	}
	return &clone
}

func cloneHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	clone := make(http.Header, len(h))
	for k, values := range h {
		clone[k] = append([]string(nil), values...)
	}
	return clone
}

// HeaderFromMap converts descriptor headers into an http.Header.
func HeaderFromMap(m map[string]string) http.Header {
	if len(m) == 0 {
		return nil
	}
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

type headerDecorator struct {
	next    http.RoundTripper
	headers http.Header
	state   *headerState
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not mutate the caller's request.
	req = req.Clone(req.Context())
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if d.state == nil {
		return d.next.RoundTrip(req)
	}
	if v := d.state.protocolVersion(); v != "" {
		req.Header.Set(protocolVersionHeaderName, v)
	}
	resp, err := d.next.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusNotFound && req.Header.Get(sessionIDHeaderName) != "" {
		d.state.sessionGone.Store(true)
	}
	return resp, err
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("mcptransport: url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("mcptransport: invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("mcptransport: url %q must use http or https", raw)
	}
	return nil
}
