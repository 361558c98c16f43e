package mcptransport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSSEServer announces /messages on GET /sse and relays every POSTed
// frame back on the stream as a message event.
type fakeSSEServer struct {
	frames  chan string
	dropped chan struct{}
}

func newFakeSSEServer() *fakeSSEServer {
	return &fakeSSEServer{frames: make(chan string, 8), dropped: make(chan struct{})}
}

func (s *fakeSSEServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/sse":
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-store")
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, ":\n\n")
		fmt.Fprintf(w, "event: endpoint\ndata: /messages?session_id=abc\n\n")
		flusher.Flush()
		for {
			select {
			case frame := <-s.frames:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
				flusher.Flush()
			case <-s.dropped:
				return
			case <-r.Context().Done():
				return
			}
		}
	case r.Method == http.MethodPost && r.URL.Path == "/messages":
		if r.URL.Query().Get("session_id") != "abc" {
			http.Error(w, "unknown session", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		s.frames <- string(body)
		w.WriteHeader(http.StatusAccepted)
	default:
		http.NotFound(w, r)
	}
}

func TestSSERoundTrip(t *testing.T) {
	t.Parallel()
	fake := newFakeSSEServer()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	tr, err := New(&SSEConfig{URL: srv.URL + "/sse"}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := tr.Connect(ctx)
	require.NoError(t, err)

	require.NoError(t, conn.Send(ctx, request(t, 1, "initialize", map[string]any{})))
	got, ok := receiveWithin(t, conn, 2*time.Second).(*jsonrpc.Request)
	require.True(t, ok)
	assert.Equal(t, "initialize", got.Method)

	require.NoError(t, conn.Close())
	_, err = conn.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSSEStreamDropIsTerminal(t *testing.T) {
	t.Parallel()
	fake := newFakeSSEServer()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	tr, err := New(&SSEConfig{URL: srv.URL + "/sse"}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := tr.Connect(ctx)
	require.NoError(t, err)

	close(fake.dropped)
	_, err = conn.Receive(ctx)
	assert.ErrorIs(t, err, ErrStreamClosed)
	require.NoError(t, conn.Close())
}

func TestSSEMalformedEvent(t *testing.T) {
	t.Parallel()
	fake := newFakeSSEServer()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	tr, err := New(&SSEConfig{URL: srv.URL + "/sse"}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := tr.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()

	fake.frames <- "not json at all"
	_, err = conn.Receive(ctx)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestSSEConnectRejectsMissingEndpoint(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	tr, err := New(&SSEConfig{URL: srv.URL + "/sse"}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = tr.Connect(ctx)
	require.Error(t, err)
}

func TestSSEConnectHonoursContext(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tr, err := New(&SSEConfig{URL: srv.URL + "/sse"}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = tr.Connect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
