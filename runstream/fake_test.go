package runstream

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/smallnest/flowpost/socketio"
)

type emitted struct {
	event string
	args  []any
	ack   bool
}

// fakeTransport hands the test the Handler so it can play the transport's
// role from the test goroutine.
type fakeTransport struct {
	mu          sync.Mutex
	handlers    []socketio.Handler
	emits       []emitted
	acks        []func([]json.RawMessage)
	disconnects int
	connected   bool
	autoAck     bool
	emitErr     error
}

func (f *fakeTransport) Connect(h socketio.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Emit(event string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emits = append(f.emits, emitted{event: event, args: args})
	return nil
}

func (f *fakeTransport) EmitWithAck(event string, ack func([]json.RawMessage), args ...any) error {
	f.mu.Lock()
	if f.emitErr != nil {
		f.mu.Unlock()
		return f.emitErr
	}
	f.emits = append(f.emits, emitted{event: event, args: args, ack: true})
	f.acks = append(f.acks, ack)
	auto := f.autoAck
	f.mu.Unlock()
	if auto {
		ack(nil)
	}
	return nil
}

// handler returns the handler of the most recent Connect.
func (f *fakeTransport) handler(t *testing.T) socketio.Handler {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handlers) == 0 {
		t.Fatalf("transport was never connected")
	}
	return f.handlers[len(f.handlers)-1]
}

func (f *fakeTransport) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeTransport) joins() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.emits {
		if e.event == JoinEvent && len(e.args) == 1 {
			if s, ok := e.args[0].(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// accept plays a successful namespace connect.
func (f *fakeTransport) accept(t *testing.T, sid string) {
	t.Helper()
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.handler(t).HandleConnect(sid)
}

// drop plays a lost connection the transport will retry.
func (f *fakeTransport) drop(t *testing.T, reason string) {
	t.Helper()
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.handler(t).HandleDisconnect(reason, true)
}

func (f *fakeTransport) event(t *testing.T, name string, args ...string) {
	t.Helper()
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		raw = append(raw, json.RawMessage(a))
	}
	f.handler(t).HandleEvent(name, raw)
}

type call struct {
	kind   string
	batch  LogBatch
	notice CompletionNotice
	reason string
	err    error
}

// callbacks records every callback and flags overlapping ones.
type callbacks struct {
	mu      sync.Mutex
	calls   []call
	active  bool
	overlap bool

	onLog func(LogBatch)
}

func (cb *callbacks) add(c call) {
	cb.mu.Lock()
	if cb.active {
		cb.overlap = true
	}
	cb.active = true
	cb.calls = append(cb.calls, c)
	cb.mu.Unlock()
}

func (cb *callbacks) leave() {
	cb.mu.Lock()
	cb.active = false
	cb.mu.Unlock()
}

func (cb *callbacks) options(tr Transport) Options {
	return Options{
		OnLog: func(b LogBatch) {
			cb.add(call{kind: "log", batch: b})
			if cb.onLog != nil {
				cb.onLog(b)
			}
			cb.leave()
		},
		OnDone: func(n CompletionNotice) {
			cb.add(call{kind: "done", notice: n})
			cb.leave()
		},
		OnConnect: func() {
			cb.add(call{kind: "connect"})
			cb.leave()
		},
		OnDisconnect: func(reason string) {
			cb.add(call{kind: "disconnect", reason: reason})
			cb.leave()
		},
		OnError: func(err error) {
			cb.add(call{kind: "error", err: err})
			cb.leave()
		},
		Transport: tr,
	}
}

func (cb *callbacks) kinds() []string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make([]string, 0, len(cb.calls))
	for _, c := range cb.calls {
		out = append(out, c.kind)
	}
	return out
}

func (cb *callbacks) of(kind string) []call {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	var out []call
	for _, c := range cb.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (cb *callbacks) overlapped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.overlap
}
