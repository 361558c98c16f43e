package mcpgateway

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpmgr"
)

func TestDownstreamToken(t *testing.T) {
	params := &mcp.CallToolParams{Name: "call_mcp_tool"}
	if _, ok := downstreamToken(params); ok {
		t.Fatalf("params without token should report no token")
	}

	params.SetMeta(map[string]any{})
	params.SetProgressToken("existing-token")
	if tok, ok := downstreamToken(params); !ok || tok != "existing-token" {
		t.Fatalf("expected existing token to be preserved, got %v", tok)
	}
}

func TestDownstreamTokenNormalizesFloat(t *testing.T) {
	params := &mcp.CallToolParams{Name: "call_mcp_tool"}
	params.SetMeta(map[string]any{"progressToken": 3.0})

	token, ok := downstreamToken(params)
	if !ok || token != int64(3) {
		t.Fatalf("expected float token to normalize to int64 3, got %v (%T)", token, token)
	}
	if _, ok := normalizeProgressToken(math.NaN()); ok {
		t.Fatalf("NaN token should be rejected")
	}
}

func TestRelayProgressForwardsUnderDownstreamToken(t *testing.T) {
	sink := &fakeProgressSink{}
	relay := relayProgress(context.Background(), sink, int64(9), slog.Default())
	if relay == nil {
		t.Fatalf("relay should not be nil when a token is present")
	}

	relay(mcpmgr.ProgressUpdate{Backend: "alpha", Token: "alpha/1", Progress: 1, Total: 2, Message: "half"})

	if sink.calls != 1 {
		t.Fatalf("expected NotifyProgress to be called once, got %d", sink.calls)
	}
	if sink.lastParams.ProgressToken != int64(9) {
		t.Fatalf("token not rewritten: %+v", sink.lastParams)
	}
	if sink.lastParams.Progress != 1 || sink.lastParams.Total != 2 || sink.lastParams.Message != "half" {
		t.Fatalf("params mismatch: %+v", sink.lastParams)
	}

	sink.err = errors.New("stream closed")
	relay(mcpmgr.ProgressUpdate{Backend: "alpha", Progress: 2})
	if sink.calls != 2 {
		t.Fatalf("relay should still attempt delivery, got %d calls", sink.calls)
	}
}

func TestRelayProgressWithoutToken(t *testing.T) {
	if relayProgress(context.Background(), &fakeProgressSink{}, nil, nil) != nil {
		t.Fatalf("relay without token should be nil")
	}
	if relayProgress(context.Background(), nil, "tok", nil) != nil {
		t.Fatalf("relay without sink should be nil")
	}
}

type fakeProgressSink struct {
	calls      int
	lastParams *mcp.ProgressNotificationParams
	err        error
}

func (f *fakeProgressSink) NotifyProgress(ctx context.Context, params *mcp.ProgressNotificationParams) error {
	f.calls++
	f.lastParams = params
	return f.err
}
