package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/smallnest/flowpost/socketio/sockettest"
)

type record struct {
	kind    string
	reason  string
	retry   bool
	attempt int
	event   string
	args    []json.RawMessage
	err     error
}

// recorder is a Handler that forwards every call onto a channel.
type recorder struct {
	ch chan record

	mu      sync.Mutex
	active  bool
	overlap bool
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan record, 256)}
}

func (r *recorder) enter() {
	r.mu.Lock()
	if r.active {
		r.overlap = true
	}
	r.active = true
	r.mu.Unlock()
}

func (r *recorder) leave(rec record) {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
	r.ch <- rec
}

func (r *recorder) HandleConnect(sid string) {
	r.enter()
	r.leave(record{kind: "connect", reason: sid})
}

func (r *recorder) HandleDisconnect(reason string, willReconnect bool) {
	r.enter()
	r.leave(record{kind: "disconnect", reason: reason, retry: willReconnect})
}

func (r *recorder) HandleConnectError(err error, willRetry bool) {
	r.enter()
	r.leave(record{kind: "connect_error", err: err, retry: willRetry})
}

func (r *recorder) HandleReconnectAttempt(attempt int) {
	r.enter()
	r.leave(record{kind: "reconnect_attempt", attempt: attempt})
}

func (r *recorder) HandleReconnectFailed(attempts int) {
	r.enter()
	r.leave(record{kind: "reconnect_failed", attempt: attempts})
}

func (r *recorder) HandleEvent(event string, args []json.RawMessage) {
	r.enter()
	r.leave(record{kind: "event", event: event, args: args})
}

func (r *recorder) HandlePacketError(err error) {
	r.enter()
	r.leave(record{kind: "packet_error", err: err})
}

func (r *recorder) overlapped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overlap
}

func (r *recorder) next(t *testing.T, kind string) record {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case rec := <-r.ch:
			if rec.kind == kind {
				return rec
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func (r *recorder) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case rec := <-r.ch:
		t.Fatalf("unexpected handler call %+v", rec)
	case <-time.After(within):
	}
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.ReconnectionDelay = 20 * time.Millisecond
	opts.HandshakeTimeout = time.Second
	return opts
}

func newTestClient(t *testing.T, url string, opts Options) *Client {
	t.Helper()
	c, err := New(url, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func TestClientConnectEmitAndEvents(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()

	rec := newRecorder()
	c := newTestClient(t, srv.URL, fastOptions())
	c.Connect(rec)

	rec.next(t, "connect")
	if !c.Connected() {
		t.Fatalf("expected Connected after connect callback")
	}

	if err := c.Emit("join-flow", "run-42"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	events, err := srv.WaitEvents("join-flow", 1, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if room, _ := events[0].StringArg(0); room != "run-42" {
		t.Fatalf("unexpected join payload %q", room)
	}

	if n := srv.EmitToRoom("run-42", "flow:log", []string{"entry-a"}); n != 1 {
		t.Fatalf("expected 1 room member, got %d", n)
	}
	srv.EmitToRoom("run-42", "flow:log", []string{"entry-b"})
	srv.EmitToRoom("run-42", "flow:done", map[string]string{"message": "completed"})

	first := rec.next(t, "event")
	second := rec.next(t, "event")
	done := rec.next(t, "event")
	if first.event != "flow:log" || string(first.args[0]) != `["entry-a"]` {
		t.Fatalf("unexpected first event %+v", first)
	}
	if string(second.args[0]) != `["entry-b"]` {
		t.Fatalf("unexpected second event %+v", second)
	}
	if done.event != "flow:done" || string(done.args[0]) != `{"message":"completed"}` {
		t.Fatalf("unexpected done event %+v", done)
	}
	if rec.overlapped() {
		t.Fatalf("handler calls overlapped")
	}
}

func TestClientAnswersPings(t *testing.T) {
	srv := sockettest.NewServer(sockettest.WithPingInterval(30*time.Millisecond, 60*time.Millisecond))
	defer srv.Close()

	rec := newRecorder()
	c := newTestClient(t, srv.URL, fastOptions())
	c.Connect(rec)
	rec.next(t, "connect")

	// Several heartbeat periods pass without the ping watchdog firing.
	rec.expectNone(t, 300*time.Millisecond)
	if !c.Connected() {
		t.Fatalf("connection should survive heartbeats")
	}
}

func TestClientEmitWithAck(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()

	rec := newRecorder()
	c := newTestClient(t, srv.URL, fastOptions())
	c.Connect(rec)
	rec.next(t, "connect")

	acked := make(chan []json.RawMessage, 1)
	if err := c.EmitWithAck("join-flow", func(args []json.RawMessage) { acked <- args }, "run-7"); err != nil {
		t.Fatalf("EmitWithAck: %v", err)
	}
	select {
	case args := <-acked:
		if len(args) != 0 {
			t.Fatalf("unexpected ack args %v", args)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ack not delivered")
	}
	if srv.RoomSize("run-7") != 1 {
		t.Fatalf("join with ack id not routed to room")
	}
}

func TestClientEmitWithAckBeforeConnect(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", fastOptions())
	err := c.EmitWithAck("join-flow", func([]json.RawMessage) {}, "run-7")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestClientPingTimeoutReconnects(t *testing.T) {
	srv := sockettest.NewServer(
		sockettest.WithPingInterval(30*time.Millisecond, 30*time.Millisecond),
		sockettest.WithoutHeartbeat(),
	)
	defer srv.Close()

	rec := newRecorder()
	c := newTestClient(t, srv.URL, fastOptions())
	c.Connect(rec)
	rec.next(t, "connect")

	d := rec.next(t, "disconnect")
	if d.reason != ReasonPingTimeout || !d.retry {
		t.Fatalf("expected recoverable ping timeout, got %+v", d)
	}
	if a := rec.next(t, "reconnect_attempt"); a.attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", a.attempt)
	}
	rec.next(t, "connect")
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()

	rec := newRecorder()
	c := newTestClient(t, srv.URL, fastOptions())
	c.Connect(rec)
	rec.next(t, "connect")

	srv.DropAll()

	d := rec.next(t, "disconnect")
	if !d.retry {
		t.Fatalf("dropped transport should be retried: %+v", d)
	}
	rec.next(t, "reconnect_attempt")
	rec.next(t, "connect")
	if srv.Connects() != 2 {
		t.Fatalf("expected 2 namespace connects, got %d", srv.Connects())
	}
}

func TestClientServerDisconnectIsTerminal(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()

	rec := newRecorder()
	c := newTestClient(t, srv.URL, fastOptions())
	c.Connect(rec)
	rec.next(t, "connect")

	srv.DisconnectAll()

	d := rec.next(t, "disconnect")
	if d.reason != ReasonServerDisconnect || d.retry {
		t.Fatalf("expected terminal server disconnect, got %+v", d)
	}
	rec.expectNone(t, 150*time.Millisecond)
	if c.Connected() {
		t.Fatalf("client must not report connected")
	}
}

func TestClientReconnectExhaustion(t *testing.T) {
	// Reserve a port and release it so every dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	rec := newRecorder()
	opts := fastOptions()
	opts.ReconnectionAttempts = 5
	c := newTestClient(t, fmt.Sprintf("http://%s", addr), opts)
	c.Connect(rec)

	for i := 0; i <= 5; i++ {
		ce := rec.next(t, "connect_error")
		var dialErr *DialError
		if !errors.As(ce.err, &dialErr) {
			t.Fatalf("expected DialError, got %T", ce.err)
		}
		if ce.retry != (i < 5) {
			t.Fatalf("attempt %d: willRetry=%v", i, ce.retry)
		}
	}
	failed := rec.next(t, "reconnect_failed")
	if failed.attempt != 5 {
		t.Fatalf("expected 5 attempts, got %d", failed.attempt)
	}

	select {
	case <-c.done():
	case <-time.After(time.Second):
		t.Fatalf("session did not finish")
	}
	rec.expectNone(t, 100*time.Millisecond)
}

func TestClientConnectRefused(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()
	srv.RejectConnects("run not found")

	rec := newRecorder()
	c := newTestClient(t, srv.URL, fastOptions())
	c.Connect(rec)

	ce := rec.next(t, "connect_error")
	var refused *ConnectError
	if !errors.As(ce.err, &refused) || refused.Message != "run not found" || ce.retry {
		t.Fatalf("expected terminal ConnectError, got %+v", ce)
	}
	rec.expectNone(t, 150*time.Millisecond)
	if srv.Handshakes() != 1 {
		t.Fatalf("refused connect must not be retried, handshakes=%d", srv.Handshakes())
	}
}

func TestClientMalformedPacketKeepsSession(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()

	rec := newRecorder()
	c := newTestClient(t, srv.URL, fastOptions())
	c.Connect(rec)
	rec.next(t, "connect")

	srv.SendRaw(`42{"not":"an array"}`)
	srv.SendRaw(`9garbage`)
	srv.Emit("flow:log", []string{"after"})

	pe := rec.next(t, "packet_error")
	var packetErr *PacketError
	if !errors.As(pe.err, &packetErr) {
		t.Fatalf("expected PacketError, got %T", pe.err)
	}
	rec.next(t, "packet_error")
	if ev := rec.next(t, "event"); string(ev.args[0]) != `["after"]` {
		t.Fatalf("session should continue after malformed packets: %+v", ev)
	}
}

func TestClientDisconnectStopsDelivery(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()

	rec := newRecorder()
	c := newTestClient(t, srv.URL, fastOptions())
	c.Connect(rec)
	rec.next(t, "connect")

	c.Disconnect()
	c.Disconnect()

	if c.Connected() {
		t.Fatalf("Connected must be false after Disconnect")
	}
	if err := c.Emit("join-flow", "x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	srv.Emit("flow:log", []string{"late"})
	rec.expectNone(t, 150*time.Millisecond)

	select {
	case <-c.done():
	case <-time.After(time.Second):
		t.Fatalf("session goroutine did not exit")
	}
}

func TestClientDisconnectFromHandler(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()

	c := newTestClient(t, srv.URL, fastOptions())
	h := &disconnectingHandler{recorder: newRecorder(), c: c}
	c.Connect(h)
	h.next(t, "connect")

	srv.Emit("flow:done", map[string]string{"message": "completed"})
	h.next(t, "event")

	select {
	case <-c.done():
	case <-time.After(time.Second):
		t.Fatalf("Disconnect from inside a handler must not deadlock")
	}
}

type disconnectingHandler struct {
	*recorder
	c *Client
}

func (h *disconnectingHandler) HandleEvent(event string, args []json.RawMessage) {
	h.c.Disconnect()
	h.recorder.HandleEvent(event, args)
}

func TestClientConnectIsNoopWhileActive(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()

	rec := newRecorder()
	c := newTestClient(t, srv.URL, fastOptions())
	c.Connect(rec)
	c.Connect(rec)
	rec.next(t, "connect")
	rec.expectNone(t, 150*time.Millisecond)
	if srv.Handshakes() != 1 {
		t.Fatalf("expected a single handshake, got %d", srv.Handshakes())
	}

	// After an explicit disconnect a new session may start.
	c.Disconnect()
	c.Connect(rec)
	rec.next(t, "connect")
}

func TestExponentialBackOffSelected(t *testing.T) {
	opts := DefaultOptions()
	opts.ReconnectionDelay = 10 * time.Millisecond
	opts.ReconnectionDelayMax = 40 * time.Millisecond
	b := opts.newBackOff()

	var last time.Duration
	for i := 0; i < 6; i++ {
		d := b.NextBackOff()
		if d < last || d > opts.ReconnectionDelayMax {
			t.Fatalf("delay %d out of range: %v (prev %v)", i, d, last)
		}
		last = d
	}
	if last != opts.ReconnectionDelayMax {
		t.Fatalf("expected delays to cap at %v, got %v", opts.ReconnectionDelayMax, last)
	}

	constant := DefaultOptions().newBackOff()
	if constant.NextBackOff() != time.Second || constant.NextBackOff() != time.Second {
		t.Fatalf("default policy should be a constant 1s")
	}
}
