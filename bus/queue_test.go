package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func collect(t *testing.T, sub *Subscription) []*RunEvent {
	t.Helper()
	var out []*RunEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Channel:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("subscription not closed, got %d events", len(out))
		}
	}
}

func drain(sub *Subscription) []*RunEvent {
	var out []*RunEvent
	for ev := range sub.Channel {
		out = append(out, ev)
	}
	return out
}

func TestPublishSetsIDSeqAndTimestamp(t *testing.T) {
	b := NewEventBus(4)
	defer func() { _ = b.Close() }()

	ev := &RunEvent{Kind: EventLog, RunID: "run-42"}
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if ev.ID == "" || ev.Seq != 1 || ev.Timestamp.IsZero() {
		t.Fatalf("publish should stamp the event: %+v", ev)
	}
}

func TestPublishNilEventShouldNotPanic(t *testing.T) {
	b := NewEventBus(1)
	defer func() { _ = b.Close() }()

	if err := b.Publish(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil event")
	}
}

func TestEventsPublishedBeforeSubscribeAreDelivered(t *testing.T) {
	b := NewEventBus(8)

	for _, kind := range []EventKind{EventConnect, EventLog, EventDone} {
		if err := b.Publish(context.Background(), &RunEvent{Kind: kind}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	sub := b.Subscribe()
	_ = b.Close()

	got := collect(t, sub)
	if len(got) != 3 || got[0].Kind != EventConnect || got[2].Kind != EventDone {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestEverySubscriberSeesOrderedStream(t *testing.T) {
	b := NewEventBus(2)
	render := b.Subscribe()
	archive := b.Subscribe()

	results := make(chan []*RunEvent, 2)
	go func() { results <- drain(render) }()
	go func() { results <- drain(archive) }()

	const n = 50
	for i := 0; i < n; i++ {
		ev := &RunEvent{Kind: EventLog, RunID: "run-42", Entries: []json.RawMessage{json.RawMessage(`"x"`)}}
		if err := b.Publish(context.Background(), ev); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	_ = b.Close()

	for i := 0; i < 2; i++ {
		var got []*RunEvent
		select {
		case got = <-results:
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber not closed")
		}
		if len(got) != n {
			t.Fatalf("subscriber got %d events, want %d", len(got), n)
		}
		for j, ev := range got {
			if ev.Seq != uint64(j+1) {
				t.Fatalf("event %d has seq %d", j, ev.Seq)
			}
		}
	}
	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatalf("bus not drained")
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := NewEventBus(1)
	_ = b.Close()
	_ = b.Close()

	err := b.Publish(context.Background(), &RunEvent{Kind: EventLog})
	if !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	if !b.IsClosed() {
		t.Fatalf("expected closed")
	}
}

func TestSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	b := NewEventBus(1)
	_ = b.Close()

	sub := b.Subscribe()
	select {
	case _, ok := <-sub.Channel:
		if ok {
			t.Fatalf("expected subscription channel to be closed after bus close")
		}
	default:
		t.Fatalf("expected closed subscription channel after bus close")
	}
	sub.Unsubscribe()
}

func TestPublishRespectsContextWhenFull(t *testing.T) {
	b := NewEventBus(1)
	defer func() { _ = b.Close() }()

	// No subscriber, so the single slot stays occupied.
	if err := b.Publish(context.Background(), &RunEvent{Kind: EventLog}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := b.Publish(ctx, &RunEvent{Kind: EventLog}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if b.Pending() != 1 {
		t.Fatalf("pending = %d", b.Pending())
	}
}

func TestUnsubscribeReleasesBlockedFanout(t *testing.T) {
	b := NewEventBus(4)
	stuck := b.Subscribe()
	live := b.Subscribe()

	// Fill the stuck subscriber's buffer so the next event blocks the fanout.
	for i := 0; i < 64; i++ {
		if err := b.Publish(context.Background(), &RunEvent{Kind: EventLog}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		<-live.Channel
	}
	if err := b.Publish(context.Background(), &RunEvent{Kind: EventLog}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	unsubscribed := make(chan struct{})
	go func() {
		stuck.Unsubscribe()
		close(unsubscribed)
	}()
	go func() {
		for range live.Channel {
		}
	}()

	select {
	case <-unsubscribed:
	case <-time.After(time.Second):
		t.Fatalf("Unsubscribe blocked behind the fanout")
	}
	_ = b.Close()
}

func TestIsTerminal(t *testing.T) {
	for kind, want := range map[EventKind]bool{
		EventConnect:    false,
		EventLog:        false,
		EventError:      false,
		EventDone:       true,
		EventDisconnect: true,
	} {
		if got := (&RunEvent{Kind: kind}).IsTerminal(); got != want {
			t.Fatalf("%s terminal = %v", kind, got)
		}
	}
}
