// Package bus moves run events from stream callbacks to slower consumers
// such as the terminal renderer and the archive, keeping their order.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/flowpost/internal/logger"
	"go.uber.org/zap"
)

// EventBus 有序事件总线
type EventBus struct {
	events    chan *RunEvent
	subs      map[string]*Subscription
	subsMu    sync.RWMutex
	mu        sync.RWMutex
	closed    atomic.Bool
	seq       atomic.Uint64
	subNotify chan struct{}
	done      chan struct{}
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	b := &EventBus{
		events:    make(chan *RunEvent, bufferSize),
		subs:      make(map[string]*Subscription),
		subNotify: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	// 启动分发 goroutine
	go b.fanout()
	return b
}

// Publish enqueues ev. It blocks while the queue is full.
func (b *EventBus) Publish(ctx context.Context, ev *RunEvent) error {
	if ev == nil {
		return fmt.Errorf("run event is nil")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return ErrBusClosed
	}

	// 设置ID、序号和时间戳
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.Seq = b.seq.Add(1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case b.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events. Queued events are still delivered, after
// which every subscription channel is closed.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return nil
	}
	b.closed.Store(true)
	close(b.events)
	return nil
}

// Done is closed once the bus is closed and drained.
func (b *EventBus) Done() <-chan struct{} {
	return b.done
}

// IsClosed 检查是否已关闭
func (b *EventBus) IsClosed() bool {
	return b.closed.Load()
}

// Pending 队列中尚未分发的事件数
func (b *EventBus) Pending() int {
	return len(b.events)
}

// Subscription 事件订阅
type Subscription struct {
	ID      string
	Channel <-chan *RunEvent
	ch      chan *RunEvent
	quit    chan struct{}
	once    sync.Once
	bus     *EventBus
}

// Unsubscribe 取消订阅
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.unsubscribe(s)
}

// Subscribe registers a consumer. Every subscriber sees every event in
// publish order; a slow subscriber slows the others down rather than losing events.
func (b *EventBus) Subscribe() *Subscription {
	if b.closed.Load() {
		ch := make(chan *RunEvent)
		close(ch)
		return &Subscription{Channel: ch}
	}

	ch := make(chan *RunEvent, 64)
	sub := &Subscription{
		ID:      uuid.New().String(),
		Channel: ch,
		ch:      ch,
		quit:    make(chan struct{}),
		bus:     b,
	}

	b.subsMu.Lock()
	b.subs[sub.ID] = sub
	total := len(b.subs)
	b.subsMu.Unlock()

	logger.Debug("New run event subscriber",
		zap.String("subscription_id", sub.ID),
		zap.Int("total_subscribers", total))

	// Notify fanout goroutine that a subscriber exists (non-blocking).
	select {
	case b.subNotify <- struct{}{}:
	default:
	}
	return sub
}

func (b *EventBus) unsubscribe(sub *Subscription) {
	sub.once.Do(func() {
		// Release a fanout blocked on this subscriber before taking the lock.
		close(sub.quit)

		b.subsMu.Lock()
		defer b.subsMu.Unlock()
		if _, ok := b.subs[sub.ID]; ok {
			delete(b.subs, sub.ID)
			close(sub.ch)
		}
	})
}

// fanout 是唯一读取 events 的地方
func (b *EventBus) fanout() {
	defer close(b.done)

	for {
		// Wait until at least one subscriber exists, so events published
		// before anyone subscribed are not lost.
		for !b.hasSubscribers() {
			if b.IsClosed() {
				// Nobody will ever read the rest.
				b.finish(len(b.events))
				return
			}
			select {
			case <-b.subNotify:
			case <-time.After(50 * time.Millisecond):
			}
		}

		ev, ok := <-b.events
		if !ok {
			b.finish(0)
			return
		}

		b.subsMu.RLock()
		for _, sub := range b.subs {
			select {
			case sub.ch <- ev:
			case <-sub.quit:
			}
		}
		b.subsMu.RUnlock()
	}
}

func (b *EventBus) hasSubscribers() bool {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	return len(b.subs) > 0
}

func (b *EventBus) finish(dropped int) {
	if dropped > 0 {
		logger.Warn("Run events dropped without subscribers", zap.Int("count", dropped))
	}
	b.subsMu.Lock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.subsMu.Unlock()
	logger.Debug("Run event fanout stopped")
}

// Errors
var (
	ErrBusClosed = &BusError{Message: "event bus is closed"}
)

// BusError 总线错误
type BusError struct {
	Message string
}

func (e *BusError) Error() string {
	return e.Message
}
