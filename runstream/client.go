// Package runstream follows the live log stream of one flow run on the local
// executor. A Client joins the run's room after every (re)connection and
// relays log batches, the completion notice and errors to callbacks, one at a
// time and in arrival order.
package runstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/flowpost/internal/logger"
	"github.com/smallnest/flowpost/socketio"
	"go.uber.org/zap"
)

// Client streams the logs of a single run.
//
// Callbacks never overlap. Once Disconnect or Close returns, no further
// callbacks run except an OnDisconnect that was already owed.
type Client struct {
	id    string
	runID string
	opts  Options
	tr    Transport
	log   *zap.Logger

	// deliverMu serializes callbacks across the transport goroutine, join
	// timers and Disconnect.
	deliverMu sync.Mutex

	mu         sync.Mutex
	state      State
	gen        uint64
	conn       uint64 // 当前连接序号，连上或断开时递增
	closed     bool
	doneSeen   bool
	inCallback bool
	pending    []func()
}

// New validates opts and starts connecting in the background.
func New(runID string, opts Options) (*Client, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, ErrMissingRunID
	}
	if opts.OnLog == nil || opts.OnDone == nil {
		return nil, ErrMissingCallback
	}
	tr, err := newTransport(opts)
	if err != nil {
		return nil, fmt.Errorf("runstream: %w", err)
	}

	c := &Client{
		id:    uuid.New().String(),
		runID: runID,
		opts:  opts,
		tr:    tr,
	}
	c.log = logger.Named("runstream").With(
		zap.String("run_id", runID),
		zap.String("client_id", c.id),
	)
	c.start()
	return c, nil
}

// ID 客户端实例标识，用于日志关联
func (c *Client) ID() string {
	return c.id
}

// RunID 订阅的运行标识
func (c *Client) RunID() string {
	return c.runID
}

// State 当前连接状态
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected is true only while the client considers itself connected and
// the transport confirms a live connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()
	return connected && c.tr.Connected()
}

// Reconnect starts a new connection attempt. It does nothing while the client
// is connecting, connected or reconnecting, and after Close.
func (c *Client) Reconnect() {
	c.start()
}

// Disconnect tears the connection down and reports OnDisconnect once. Calls
// on an already disconnected client have no effect. Reconnect may follow.
func (c *Client) Disconnect() {
	c.teardown(socketio.ReasonClientDisconnect, false)
}

// Close disconnects for good; Reconnect and Disconnect become no-ops.
func (c *Client) Close() {
	c.teardown(socketio.ReasonClientDisconnect, true)
}

func (c *Client) start() {
	c.mu.Lock()
	if c.closed || c.state.Active() {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	prev := c.state
	c.state = StateConnecting
	c.doneSeen = false
	c.mu.Unlock()

	c.log.Info("Connecting to run stream", zap.Stringer("from", prev))
	c.tr.Connect(&handler{c: c, gen: gen})
}

func (c *Client) teardown(reason string, permanent bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if permanent {
		c.closed = true
	}
	if c.state == StateDisconnected {
		c.gen++
		c.mu.Unlock()
		c.tr.Disconnect()
		return
	}
	c.gen++
	prev := c.state
	c.state = StateDisconnected
	notify := c.opts.OnDisconnect
	deferred := c.inCallback && notify != nil
	if deferred {
		c.pending = append(c.pending, func() { notify(reason) })
	}
	c.mu.Unlock()

	c.tr.Disconnect()
	c.log.Info("Disconnected from run stream",
		zap.String("reason", reason),
		zap.Stringer("from", prev),
		zap.Bool("permanent", permanent))

	if notify != nil && !deferred {
		c.deliverMu.Lock()
		defer c.deliverMu.Unlock()
		c.mu.Lock()
		c.inCallback = true
		c.mu.Unlock()
		notify(reason)
		c.drain()
	}
}

// dispatch runs fn as the next callback of generation gen, or drops it when
// that generation has been torn down.
func (c *Client) dispatch(gen uint64, fn func()) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.inCallback = true
	c.mu.Unlock()

	fn()
	c.drain()
}

// drain runs notices queued while a callback was running, then leaves the
// callback section. deliverMu must be held.
func (c *Client) drain() {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.inCallback = false
			c.mu.Unlock()
			return
		}
		next := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		next()
	}
}

// transition moves to state to if gen is still current. A terminal state also
// retires the generation so nothing else from that session is delivered.
func (c *Client) transition(gen uint64, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	if c.state != to {
		c.log.Debug("State change", zap.Stringer("from", c.state), zap.Stringer("to", to))
	}
	c.state = to
	if to == StateDisconnected || to == StateFailed {
		c.gen++
	}
	return true
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Client) reportError(err error) {
	c.log.Warn("Run stream error", zap.Error(err))
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}

func (c *Client) onConnect(gen uint64, sid string) {
	if !c.transition(gen, StateConnected) {
		return
	}
	c.log.Info("Connected to run stream", zap.String("sid", sid))

	c.mu.Lock()
	c.conn++
	conn := c.conn
	c.mu.Unlock()

	if err := c.join(gen, conn); err != nil {
		c.reportError(fmt.Errorf("runstream: join %s: %w", c.runID, err))
	}
	if c.opts.OnConnect != nil && c.current(gen) {
		c.opts.OnConnect()
	}
}

// join emits join-flow. With a JoinTimeout the ack must arrive before the
// connection identified by conn ends; a later connection has its own timer.
func (c *Client) join(gen, conn uint64) error {
	if c.opts.JoinTimeout <= 0 {
		return c.tr.Emit(JoinEvent, c.runID)
	}

	var acked atomic.Bool
	timer := time.AfterFunc(c.opts.JoinTimeout, func() {
		c.dispatch(gen, func() {
			c.mu.Lock()
			same := c.conn == conn
			c.mu.Unlock()
			if same && !acked.Load() {
				c.reportError(ErrJoinTimeout)
			}
		})
	})
	err := c.tr.EmitWithAck(JoinEvent, func([]json.RawMessage) {
		acked.Store(true)
		timer.Stop()
		c.log.Debug("Join acknowledged")
	}, c.runID)
	if err != nil {
		timer.Stop()
	}
	return err
}

func (c *Client) onDisconnect(gen uint64, reason string, willReconnect bool) {
	c.mu.Lock()
	c.conn++
	c.mu.Unlock()

	if willReconnect {
		if !c.transition(gen, StateReconnecting) {
			return
		}
		c.reportError(&ConnectionLostError{Reason: reason})
		return
	}
	if !c.transition(gen, StateDisconnected) {
		return
	}
	// The transport session is over; releasing it lets OnDisconnect call Reconnect.
	c.tr.Disconnect()
	c.log.Info("Run stream closed", zap.String("reason", reason))
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(reason)
	}
}

func (c *Client) onConnectError(gen uint64, err error, willRetry bool) {
	var refused *socketio.ConnectError
	if errors.As(err, &refused) {
		if !c.transition(gen, StateFailed) {
			return
		}
		c.tr.Disconnect()
		c.reportError(err)
		return
	}
	if willRetry && !c.transition(gen, StateReconnecting) {
		return
	}
	c.reportError(err)
}

func (c *Client) onReconnectFailed(gen uint64, attempts int) {
	if !c.transition(gen, StateDisconnected) {
		return
	}
	c.tr.Disconnect()
	c.log.Warn("Giving up on run stream", zap.Int("attempts", attempts))
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(ReasonReconnectFailed)
	}
}

func (c *Client) onEvent(gen uint64, event string, args []json.RawMessage) {
	switch event {
	case LogEvent:
		batch, err := decodeLogBatch(args)
		if err != nil {
			c.reportError(&ProtocolError{Event: event, Err: err})
			return
		}
		if c.current(gen) {
			c.opts.OnLog(batch)
		}

	case DoneEvent:
		notice, err := decodeCompletion(args)
		if err != nil {
			c.reportError(&ProtocolError{Event: event, Err: err})
			return
		}
		c.mu.Lock()
		dup := c.doneSeen
		c.doneSeen = true
		c.mu.Unlock()
		if dup {
			c.reportError(ErrDuplicateCompletion)
			return
		}
		c.log.Info("Run completed", zap.String("message", notice.Message))
		if c.current(gen) {
			c.opts.OnDone(notice)
		}

	case ErrorEvent:
		if len(args) == 0 {
			if !c.transition(gen, StateFailed) {
				return
			}
			c.tr.Disconnect()
			c.reportError(&ServerError{Malformed: true})
			return
		}
		c.reportError(newServerError(args[0]))

	default:
		c.reportError(&ProtocolError{Event: event, Err: ErrUnexpectedEvent})
	}
}

func decodeLogBatch(args []json.RawMessage) (LogBatch, error) {
	if len(args) == 0 {
		return nil, errors.New("missing payload")
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(args[0], &entries); err != nil {
		return nil, fmt.Errorf("payload is not a list: %w", err)
	}
	if entries == nil {
		return nil, errors.New("payload is null")
	}
	return LogBatch(entries), nil
}

func decodeCompletion(args []json.RawMessage) (CompletionNotice, error) {
	if len(args) == 0 {
		return CompletionNotice{}, errors.New("missing payload")
	}
	var raw struct {
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(args[0], &raw); err != nil {
		return CompletionNotice{}, fmt.Errorf("payload is not an object: %w", err)
	}
	if raw.Message == nil {
		return CompletionNotice{}, errors.New("payload has no message")
	}
	return CompletionNotice{Message: *raw.Message}, nil
}

// handler binds transport callbacks to the generation that started them.
type handler struct {
	c   *Client
	gen uint64
}

func (h *handler) HandleConnect(sid string) {
	h.c.dispatch(h.gen, func() { h.c.onConnect(h.gen, sid) })
}

func (h *handler) HandleDisconnect(reason string, willReconnect bool) {
	h.c.dispatch(h.gen, func() { h.c.onDisconnect(h.gen, reason, willReconnect) })
}

func (h *handler) HandleConnectError(err error, willRetry bool) {
	h.c.dispatch(h.gen, func() { h.c.onConnectError(h.gen, err, willRetry) })
}

func (h *handler) HandleReconnectAttempt(attempt int) {
	h.c.dispatch(h.gen, func() {
		if h.c.transition(h.gen, StateReconnecting) {
			h.c.log.Debug("Reconnecting", zap.Int("attempt", attempt))
		}
	})
}

func (h *handler) HandleReconnectFailed(attempts int) {
	h.c.dispatch(h.gen, func() { h.c.onReconnectFailed(h.gen, attempts) })
}

func (h *handler) HandleEvent(event string, args []json.RawMessage) {
	h.c.dispatch(h.gen, func() { h.c.onEvent(h.gen, event, args) })
}

func (h *handler) HandlePacketError(err error) {
	h.c.dispatch(h.gen, func() { h.c.reportError(&ProtocolError{Err: err}) })
}
