package mcpproto

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// PendingCall is one outbound request waiting for its response. It resolves
// exactly once; later resolutions are ignored.
type PendingCall struct {
	ID        int64
	Method    string
	Submitted time.Time

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
	forget func()
}

func newPendingCall(id int64, method string, forget func()) *PendingCall {
	return &PendingCall{
		ID:        id,
		Method:    method,
		Submitted: time.Now(),
		done:      make(chan struct{}),
		forget:    forget,
	}
}

// Resolve completes the call. It reports whether this invocation won.
func (p *PendingCall) Resolve(result json.RawMessage, err error) bool {
	won := false
	p.once.Do(func() {
		p.result = result
		p.err = err
		won = true
		close(p.done)
		if p.forget != nil {
			p.forget()
		}
	})
	return won
}

// Done is closed once the call has resolved.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Wait blocks until the call resolves or ctx ends. A ctx expiry resolves the
// call with TimeoutError or CancelledError unless a response won the race.
func (p *PendingCall) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.Resolve(nil, ContextError(p.Method, ctx.Err()))
	}
	<-p.done
	return p.result, p.err
}

// Resolved reports whether the call has completed.
func (p *PendingCall) Resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// pendingTable maps correlation ids to in-flight calls.
type pendingTable struct {
	mu     sync.Mutex
	calls  map[int64]*PendingCall
	closed error
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[int64]*PendingCall)}
}

func (t *pendingTable) add(id int64, method string) (*PendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return nil, t.closed
	}
	call := newPendingCall(id, method, func() { t.remove(id) })
	t.calls[id] = call
	return call, nil
}

func (t *pendingTable) remove(id int64) {
	t.mu.Lock()
	delete(t.calls, id)
	t.mu.Unlock()
}

func (t *pendingTable) lookup(id int64) (*PendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[id]
	return call, ok
}

// failAll resolves every outstanding call with err and refuses new ones.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	if t.closed == nil {
		t.closed = err
	}
	calls := make([]*PendingCall, 0, len(t.calls))
	for _, call := range t.calls {
		calls = append(calls, call)
	}
	t.mu.Unlock()

	n := 0
	for _, call := range calls {
		if call.Resolve(nil, err) {
			n++
		}
	}
	return n
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
