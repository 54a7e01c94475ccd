package runstream

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/smallnest/flowpost/socketio"
	"github.com/smallnest/flowpost/socketio/sockettest"
)

type liveEvents struct {
	logs     chan LogBatch
	done     chan CompletionNotice
	connects chan struct{}
	discs    chan string
	errs     chan error
}

func newLiveEvents() *liveEvents {
	return &liveEvents{
		logs:     make(chan LogBatch, 64),
		done:     make(chan CompletionNotice, 4),
		connects: make(chan struct{}, 16),
		discs:    make(chan string, 16),
		errs:     make(chan error, 64),
	}
}

func (e *liveEvents) options(serverURL string) Options {
	stream := socketio.DefaultOptions()
	stream.ReconnectionDelay = 10 * time.Millisecond
	stream.HandshakeTimeout = time.Second
	return Options{
		OnLog:        func(b LogBatch) { e.logs <- b },
		OnDone:       func(n CompletionNotice) { e.done <- n },
		OnConnect:    func() { e.connects <- struct{}{} },
		OnDisconnect: func(reason string) { e.discs <- reason },
		OnError:      func(err error) { e.errs <- err },
		ServerURL:    serverURL,
		Stream:       &stream,
	}
}

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func quiet[T any](t *testing.T, ch <-chan T, within time.Duration, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(within):
	}
}

func TestStreamAgainstServer(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()

	ev := newLiveEvents()
	c, err := New("run-42", ev.options(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	wait(t, ev.connects, "connect")
	joins, err := srv.WaitEvents(JoinEvent, 1, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if room, _ := joins[0].StringArg(0); room != "run-42" {
		t.Fatalf("joined %q", room)
	}
	if !c.IsConnected() {
		t.Fatalf("expected IsConnected")
	}

	srv.EmitToRoom("run-42", LogEvent, []string{"entry-a"})
	srv.EmitToRoom("run-42", LogEvent, []string{"entry-b"})
	srv.EmitToRoom("run-42", DoneEvent, map[string]string{"message": "completed"})
	srv.EmitToRoom("run-other", LogEvent, []string{"not for us"})

	if b := wait(t, ev.logs, "first batch"); string(b[0]) != `"entry-a"` {
		t.Fatalf("first batch %s", b[0])
	}
	if b := wait(t, ev.logs, "second batch"); string(b[0]) != `"entry-b"` {
		t.Fatalf("second batch %s", b[0])
	}
	if n := wait(t, ev.done, "done"); n.Message != "completed" {
		t.Fatalf("notice %+v", n)
	}

	c.Disconnect()
	if reason := wait(t, ev.discs, "disconnect"); reason != socketio.ReasonClientDisconnect {
		t.Fatalf("reason %q", reason)
	}
	if c.IsConnected() {
		t.Fatalf("still connected after Disconnect")
	}

	srv.Emit(LogEvent, []string{"after"})
	quiet(t, ev.logs, 100*time.Millisecond, "log after Disconnect")
}

func TestStreamRejoinsAfterDrop(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()

	ev := newLiveEvents()
	c, err := New("run-42", ev.options(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	wait(t, ev.connects, "connect")
	if _, err := srv.WaitEvents(JoinEvent, 1, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	srv.DropAll()

	var lost *ConnectionLostError
	if err := wait(t, ev.errs, "connection lost"); !errors.As(err, &lost) {
		t.Fatalf("expected ConnectionLostError, got %v", err)
	}
	wait(t, ev.connects, "reconnect")
	if _, err := srv.WaitEvents(JoinEvent, 2, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	quiet(t, ev.discs, 50*time.Millisecond, "disconnect during recovery")

	srv.EmitToRoom("run-42", LogEvent, []string{"resumed"})
	if b := wait(t, ev.logs, "batch after rejoin"); string(b[0]) != `"resumed"` {
		t.Fatalf("batch %s", b[0])
	}
}

func TestStreamGivesUpAfterAttempts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ev := newLiveEvents()
	c, err := New("run-42", ev.options("http://"+addr))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if reason := wait(t, ev.discs, "give up"); reason != ReasonReconnectFailed {
		t.Fatalf("reason %q", reason)
	}
	quiet(t, ev.discs, 100*time.Millisecond, "second disconnect notice")
	if c.State() != StateDisconnected {
		t.Fatalf("state %v", c.State())
	}
	if n := len(ev.errs); n != 6 {
		t.Fatalf("expected initial plus 5 retry errors, got %d", n)
	}
}

func TestStreamServerRefusal(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()
	srv.RejectConnects("unknown run")

	ev := newLiveEvents()
	c, err := New("run-42", ev.options(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	var cerr *socketio.ConnectError
	if err := wait(t, ev.errs, "refusal"); !errors.As(err, &cerr) || cerr.Message != "unknown run" {
		t.Fatalf("expected ConnectError, got %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for c.State() != StateFailed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.State() != StateFailed {
		t.Fatalf("state %v", c.State())
	}

	srv.RejectConnects("")
	c.Reconnect()
	wait(t, ev.connects, "connect after manual reconnect")
}

func TestStreamJoinAck(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()

	ev := newLiveEvents()
	opts := ev.options(srv.URL)
	opts.JoinTimeout = 200 * time.Millisecond
	c, err := New("run-42", opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	wait(t, ev.connects, "connect")
	quiet(t, ev.errs, 400*time.Millisecond, "error with acknowledged join")
}

func TestStreamJoinAckMissing(t *testing.T) {
	srv := sockettest.NewServer(sockettest.WithoutAcks())
	defer srv.Close()

	ev := newLiveEvents()
	opts := ev.options(srv.URL)
	opts.JoinTimeout = 50 * time.Millisecond
	c, err := New("run-42", opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	wait(t, ev.connects, "connect")
	if err := wait(t, ev.errs, "join timeout"); !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("expected ErrJoinTimeout, got %v", err)
	}
	if !c.IsConnected() {
		t.Fatalf("a missing ack must not drop the connection")
	}
}
