package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpmgr"
)

type progressSink interface {
	NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error
}

// relayProgress forwards backend progress for one call to the downstream
// client under the token the client chose. It returns nil when the client
// did not ask for progress.
func relayProgress(ctx context.Context, sink progressSink, token any, logger *slog.Logger) mcpmgr.ProgressFunc {
	if sink == nil || token == nil {
		return nil
	}
	return func(u mcpmgr.ProgressUpdate) {
		err := sink.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
			ProgressToken: token,
			Progress:      u.Progress,
			Total:         u.Total,
			Message:       u.Message,
		})
		if err != nil && logger != nil {
			logger.Debug("relay progress failed", "backend", u.Backend, "token", token, "error", err)
		}
	}
}

type progressCarrier interface {
	GetProgressToken() any
}

// downstreamToken extracts and normalizes the progress token of a downstream
// tools/call.
func downstreamToken(params progressCarrier) (any, bool) {
	if params == nil {
		return nil, false
	}
	return normalizeProgressToken(params.GetProgressToken())
}

func normalizeProgressToken(token any) (any, bool) {
	switch v := token.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		if math.Trunc(v) == v {
			return int64(v), true
		}
		return fmt.Sprintf("%g", v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		return v.String(), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}
