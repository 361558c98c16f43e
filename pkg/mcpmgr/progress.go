package mcpmgr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ProgressUpdate is one notifications/progress report for an in-flight call.
type ProgressUpdate struct {
	Backend  string
	Token    any
	Progress float64
	Total    float64
	Message  string
}

// ProgressFunc receives progress for a call started with WithProgress.
type ProgressFunc func(ProgressUpdate)

// progressTracker routes progress notifications to the call that requested
// them. Registrations linger for cleanupGrace after the call returns so a
// late notification is still delivered rather than logged as unknown.
type progressTracker struct {
	backendID string
	counter   atomic.Uint64
	seq       atomic.Uint64

	mu    sync.RWMutex
	sinks map[string]progressRegistration

	logger       *slog.Logger
	cleanupGrace time.Duration
}

type progressRegistration struct {
	fn  ProgressFunc
	seq uint64
}

const progressCleanupGrace = 250 * time.Millisecond

func newProgressTracker(backendID string, logger *slog.Logger) *progressTracker {
	return &progressTracker{
		backendID:    backendID,
		sinks:        make(map[string]progressRegistration),
		logger:       logger,
		cleanupGrace: progressCleanupGrace,
	}
}

// register allocates a token for fn. The returned func releases it.
func (pt *progressTracker) register(fn ProgressFunc) (string, func()) {
	token := fmt.Sprintf("%s/%d", pt.backendID, pt.counter.Add(1))
	key, _ := progressMapKey(token)
	seq := pt.seq.Add(1)
	pt.mu.Lock()
	pt.sinks[key] = progressRegistration{fn: fn, seq: seq}
	pt.mu.Unlock()
	return token, func() { pt.removeLater(key, seq) }
}

func (pt *progressTracker) removeLater(key string, seq uint64) {
	if pt.cleanupGrace <= 0 {
		pt.removeIfMatch(key, seq)
		return
	}
	time.AfterFunc(pt.cleanupGrace, func() { pt.removeIfMatch(key, seq) })
}

func (pt *progressTracker) removeIfMatch(key string, seq uint64) {
	pt.mu.Lock()
	if current, ok := pt.sinks[key]; ok && current.seq == seq {
		delete(pt.sinks, key)
	}
	pt.mu.Unlock()
}

// dispatch delivers a notifications/progress payload. It reports whether a
// registered call claimed it.
func (pt *progressTracker) dispatch(raw json.RawMessage) bool {
	var params mcp.ProgressNotificationParams
	if err := json.Unmarshal(raw, &params); err != nil {
		pt.logger.Warn("malformed progress notification", "backend", pt.backendID, "error", err)
		return false
	}
	normalized, ok := normalizeProgressToken(params.ProgressToken)
	if !ok {
		pt.logger.Warn("progress token unsupported", "backend", pt.backendID, "token", params.ProgressToken)
		return false
	}
	key, ok := progressMapKey(normalized)
	if !ok {
		return false
	}
	pt.mu.RLock()
	reg, found := pt.sinks[key]
	pt.mu.RUnlock()
	if !found || reg.fn == nil {
		return false
	}
	reg.fn(ProgressUpdate{
		Backend:  pt.backendID,
		Token:    normalized,
		Progress: params.Progress,
		Total:    params.Total,
		Message:  params.Message,
	})
	return true
}

func progressMapKey(token any) (string, bool) {
	switch v := token.(type) {
	case string:
		return "s|" + v, true
	case int64:
		return fmt.Sprintf("i|%d", v), true
	default:
		return "", false
	}
}

func normalizeProgressToken(token any) (any, bool) {
	switch v := token.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", false
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
