package mcpgateway

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// Verifies that consumers can add custom routes via ServeMux before serving.
func TestGatewayServeMux_AllowsCustomRoutes_BeforeServe(t *testing.T) {
	gateway := newEmptyGateway(t, &Options{Path: "/mcp"})

	mux := gateway.ServeMux()
	mux.HandleFunc("/custom", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	srv := httptest.NewServer(gateway.Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/custom")
	if err != nil {
		t.Fatalf("GET /custom: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		t.Fatalf("GET /custom status = %d, want 200", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "ok" {
		t.Fatalf("GET /custom body = %q, want \"ok\"", string(body))
	}
}

// Verifies that routes registered after the handler is already mounted are
// reachable. The standard net/http ServeMux permits concurrent registration.
func TestGatewayServeMux_AllowsCustomRoutes_AfterServe(t *testing.T) {
	gateway := newEmptyGateway(t, &Options{Path: "/mcp"})

	srv := httptest.NewServer(gateway.Handler())
	defer srv.Close()

	// Register a route after the server has started.
	mux := gateway.ServeMux()
	mux.HandleFunc("/late", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ready"))
	})

	res, err := http.Get(srv.URL + "/late")
	if err != nil {
		t.Fatalf("GET /late: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		t.Fatalf("GET /late status = %d, want 200", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "ready" {
		t.Fatalf("GET /late body = %q, want \"ready\"", string(body))
	}
}

func TestGatewayHealthz(t *testing.T) {
	gateway := newEmptyGateway(t, nil)
	srv := httptest.NewServer(gateway.Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		t.Fatalf("GET /healthz status = %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("GET /healthz content type = %q", ct)
	}
}

func TestGatewayCORSPreflight(t *testing.T) {
	gateway := newEmptyGateway(t, nil)
	srv := httptest.NewServer(gateway.Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type,mcp-session-id")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	res.Body.Close()
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if got := res.Header.Get("Access-Control-Allow-Methods"); got == "" {
		t.Fatalf("preflight did not allow any methods")
	}
}
