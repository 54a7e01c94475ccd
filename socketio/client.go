package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/smallnest/flowpost/internal/logger"
	"go.uber.org/zap"
)

// Handler receives connection lifecycle and inbound events. All methods of
// one Client's handler are called from a single goroutine, in order.
type Handler interface {
	// HandleConnect 命名空间连接成功
	HandleConnect(sid string)
	// HandleDisconnect 已建立的连接断开，willReconnect 表示传输层会自动重连
	HandleDisconnect(reason string, willReconnect bool)
	// HandleConnectError 一次建连失败；*ConnectError 表示服务端拒绝，不会重试
	HandleConnectError(err error, willRetry bool)
	// HandleReconnectAttempt 即将发起第 attempt 次重连
	HandleReconnectAttempt(attempt int)
	// HandleReconnectFailed 重连次数耗尽，传输层放弃
	HandleReconnectFailed(attempts int)
	// HandleEvent 服务端事件
	HandleEvent(event string, args []json.RawMessage)
	// HandlePacketError 无法解析的服务端数据帧，会话继续
	HandlePacketError(err error)
}

// Options 传输层配置
type Options struct {
	Path                 string
	Reconnection         bool
	ReconnectionAttempts int
	ReconnectionDelay    time.Duration
	// 大于 ReconnectionDelay 时按指数退避，上限为该值
	ReconnectionDelayMax time.Duration
	RandomizationFactor  float64
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	Header               http.Header
	Auth                 map[string]any
	Dialer               *websocket.Dialer
}

// DefaultOptions 与 socket.io-client 的默认重连策略一致：5 次，间隔 1 秒
func DefaultOptions() Options {
	return Options{
		Path:                 DefaultPath,
		Reconnection:         true,
		ReconnectionAttempts: 5,
		ReconnectionDelay:    time.Second,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Path == "" {
		o.Path = d.Path
	}
	if o.ReconnectionDelay <= 0 {
		o.ReconnectionDelay = d.ReconnectionDelay
	}
	if o.ReconnectionAttempts < 0 {
		o.ReconnectionAttempts = 0
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: o.HandshakeTimeout,
		}
	}
	return o
}

func (o Options) newBackOff() backoff.BackOff {
	if o.ReconnectionDelayMax > o.ReconnectionDelay {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = o.ReconnectionDelay
		b.MaxInterval = o.ReconnectionDelayMax
		b.Multiplier = 2
		b.RandomizationFactor = o.RandomizationFactor
		b.Reset()
		return b
	}
	return backoff.NewConstantBackOff(o.ReconnectionDelay)
}

// Client is a Socket.IO client bound to one server URL. It owns at most one
// live session; a session dials, handshakes, serves events and reconnects
// until it gives up or Disconnect is called.
type Client struct {
	url  string
	opts Options
	log  *zap.Logger

	mu   sync.Mutex
	sess *session
}

// New 创建客户端，不会发起连接
func New(serverURL string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	u, err := NormalizeURL(serverURL, opts.Path)
	if err != nil {
		return nil, err
	}
	return &Client{
		url:  u,
		opts: opts,
		log:  logger.Named("socketio").With(zap.String("url", u)),
	}, nil
}

// URL 返回实际拨号的 websocket 地址
func (c *Client) URL() string {
	return c.url
}

// Connect starts a session delivering to h. It returns immediately and is a
// no-op while a session is still running.
func (c *Client) Connect(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil && !c.sess.finished() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		c:       c,
		h:       h,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		backoff: c.opts.newBackOff(),
	}
	c.sess = s
	go s.run()
}

// Disconnect tears down the current session. It closes the socket before
// returning, never reconnects, and suppresses further handler calls. Safe to
// call repeatedly and from inside a handler.
func (c *Client) Disconnect() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// Connected 当前是否有已确认的命名空间连接
func (c *Client) Connected() bool {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	return s != nil && s.isConnected()
}

// Emit 发送事件
func (c *Client) Emit(event string, args ...any) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	frame, err := encodeEvent(event, args...)
	if err != nil {
		return err
	}
	return s.write(frame, true)
}

// EmitWithAck 发送事件并请求服务端确认，ack 在处理器所在的 goroutine 上调用。
// 连接断开时未确认的 ack 会被丢弃。
func (c *Client) EmitWithAck(event string, ack func(args []json.RawMessage), args ...any) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	id := s.registerAck(ack)
	frame, err := encodeEventID(id, event, args...)
	if err != nil {
		s.takeAck(id)
		return err
	}
	if err := s.write(frame, true); err != nil {
		s.takeAck(id)
		return err
	}
	return nil
}

// done 返回当前会话结束信号，没有会话时返回已关闭的 channel
func (c *Client) done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.sess.done
}

type session struct {
	c       *Client
	h       Handler
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	backoff backoff.BackOff

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected bool
	sid       string
	acks      map[int64]func([]json.RawMessage)
	nextAck   int64
}

func (s *session) registerAck(fn func([]json.RawMessage)) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acks == nil {
		s.acks = make(map[int64]func([]json.RawMessage))
	}
	id := s.nextAck
	s.nextAck++
	s.acks[id] = fn
	return id
}

func (s *session) takeAck(id int64) func([]json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn := s.acks[id]
	delete(s.acks, id)
	return fn
}

func (s *session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return s.ctx.Err() != nil
	}
}

func (s *session) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.ctx.Err() == nil
}

// deliver runs fn unless the session has been closed.
func (s *session) deliver(fn func()) {
	if s.ctx.Err() != nil {
		return
	}
	fn()
}

func (s *session) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conn = conn
	return true
}

func (s *session) markConnected(sid string) {
	s.mu.Lock()
	s.connected = true
	s.sid = sid
	s.mu.Unlock()
}

func (s *session) release(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.connected = false
		s.acks = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *session) close() {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	conn := s.conn
	connected := s.connected
	sid := s.sid
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if connected {
		s.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, encodeDisconnect())
		s.writeMu.Unlock()
	}
	_ = conn.Close()
	s.c.log.Debug("Socket closed by client", zap.String("sid", sid))
}

func (s *session) write(frame []byte, requireConnected bool) error {
	s.mu.Lock()
	conn := s.conn
	ok := conn != nil && (!requireConnected || s.connected)
	s.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.c.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *session) run() {
	defer close(s.done)
	defer s.cancel()

	opts := s.c.opts
	log := s.c.log
	attempt := 0

	for {
		conn, hs, err := s.dial()
		if s.ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}

		if err != nil {
			var refused *ConnectError
			if errors.As(err, &refused) {
				log.Warn("Server refused connect", zap.Error(err))
				s.deliver(func() { s.h.HandleConnectError(refused, false) })
				return
			}

			willRetry := opts.Reconnection && attempt < opts.ReconnectionAttempts
			dialErr := &DialError{URL: s.c.url, Attempt: attempt, Err: err}
			log.Warn("Connect attempt failed",
				zap.Int("attempt", attempt),
				zap.Bool("will_retry", willRetry),
				zap.Error(err))
			s.deliver(func() { s.h.HandleConnectError(dialErr, willRetry) })
			if !willRetry {
				s.deliver(func() { s.h.HandleReconnectFailed(attempt) })
				return
			}
		} else {
			attempt = 0
			s.backoff.Reset()

			reason, retry, fatal := s.serve(conn, hs)
			if s.ctx.Err() != nil {
				return
			}
			if fatal != nil {
				log.Warn("Session ended by server error", zap.Error(fatal))
				s.deliver(func() { s.h.HandleConnectError(fatal, false) })
				return
			}

			willReconnect := retry && opts.Reconnection && opts.ReconnectionAttempts > 0
			log.Info("Socket disconnected",
				zap.String("sid", hs.sid),
				zap.String("reason", reason),
				zap.Bool("will_reconnect", willReconnect))
			s.deliver(func() { s.h.HandleDisconnect(reason, willReconnect) })
			if !willReconnect {
				return
			}
		}

		wait := s.backoff.NextBackOff()
		if wait == backoff.Stop {
			s.deliver(func() { s.h.HandleReconnectFailed(attempt) })
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return
		}

		attempt++
		n := attempt
		log.Debug("Reconnecting", zap.Int("attempt", n), zap.Duration("delay", wait))
		s.deliver(func() { s.h.HandleReconnectAttempt(n) })
	}
}

type handshake struct {
	engine *engineHandshake
	sid    string
}

// dial opens the websocket and completes the Engine.IO open and the
// namespace connect. The returned conn is tracked so Disconnect can abort it.
func (s *session) dial() (*websocket.Conn, *handshake, error) {
	opts := s.c.opts
	ctx, cancel := context.WithTimeout(s.ctx, opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := opts.Dialer.DialContext(ctx, s.c.url, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, nil, err
	}
	if !s.track(conn) {
		return conn, nil, context.Canceled
	}

	fail := func(err error) (*websocket.Conn, *handshake, error) {
		s.release(conn)
		return nil, nil, err
	}

	deadline, _ := ctx.Deadline()
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fail(err)
	}

	_, frame, err := conn.ReadMessage()
	if err != nil {
		return fail(err)
	}
	t, data, err := decodeEngine(frame)
	if err != nil {
		return fail(err)
	}
	if t != engineOpen {
		return fail(&PacketError{Raw: string(frame), Reason: "expected open packet"})
	}
	eh, err := decodeHandshake(data)
	if err != nil {
		return fail(err)
	}
	if eh.MaxPayload > 0 {
		conn.SetReadLimit(eh.MaxPayload)
	}

	connect, err := encodeConnect(opts.Auth)
	if err != nil {
		return fail(err)
	}
	if err := s.write(connect, false); err != nil {
		return fail(err)
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fail(err)
		}
		t, data, err := decodeEngine(frame)
		if err != nil {
			return fail(err)
		}
		switch t {
		case enginePing:
			if err := s.write([]byte{enginePong}, false); err != nil {
				return fail(err)
			}
		case engineNoop:
		case engineMessage:
			p, err := decodeSocket(data)
			if err != nil {
				return fail(err)
			}
			if p.Namespace != defaultNamespace {
				continue
			}
			switch p.Type {
			case packetConnect:
				if err := conn.SetReadDeadline(time.Time{}); err != nil {
					return fail(err)
				}
				return conn, &handshake{engine: eh, sid: p.Payload.Get("sid").String()}, nil
			case packetConnectError:
				return fail(newConnectError(p))
			}
		case engineClose:
			return fail(errors.New("socketio: server closed during handshake"))
		default:
			return fail(&PacketError{Raw: string(frame), Reason: "unexpected packet during handshake"})
		}
	}
}

// serve reads the established connection until it ends. It returns the
// disconnect reason, whether the reason is recoverable, and a non-nil error
// when the server refused the namespace mid-session.
func (s *session) serve(conn *websocket.Conn, hs *handshake) (string, bool, error) {
	defer s.release(conn)

	log := s.c.log.With(zap.String("sid", hs.sid))
	s.markConnected(hs.sid)
	log.Info("Socket connected")
	s.deliver(func() { s.h.HandleConnect(hs.sid) })

	var watchdog time.Duration
	if hs.engine.PingInterval > 0 {
		watchdog = time.Duration(hs.engine.PingInterval+hs.engine.PingTimeout) * time.Millisecond
	}

	for {
		if watchdog > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(watchdog))
		}
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return ReasonClientDisconnect, false, nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ReasonPingTimeout, true, nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ReasonTransportClose, true, nil
			}
			log.Debug("Socket read failed", zap.Error(err))
			return ReasonTransportError, true, nil
		}
		if msgType != websocket.TextMessage {
			s.deliver(func() { s.h.HandlePacketError(ErrBinaryUnsupported) })
			continue
		}

		t, data, err := decodeEngine(frame)
		if err != nil {
			s.deliver(func() { s.h.HandlePacketError(err) })
			continue
		}

		switch t {
		case enginePing:
			if err := s.write([]byte{enginePong}, false); err != nil {
				return ReasonTransportError, true, nil
			}
		case engineClose:
			return ReasonTransportClose, true, nil
		case engineNoop, enginePong:
		case engineMessage:
			p, err := decodeSocket(data)
			if err != nil {
				s.deliver(func() { s.h.HandlePacketError(err) })
				continue
			}
			if p.Namespace != defaultNamespace {
				log.Debug("Ignoring packet for other namespace", zap.String("nsp", p.Namespace))
				continue
			}
			switch p.Type {
			case packetEvent:
				event, args := p.eventArgs()
				s.deliver(func() { s.h.HandleEvent(event, args) })
			case packetDisconnect:
				return ReasonServerDisconnect, false, nil
			case packetConnectError:
				return "", false, newConnectError(p)
			case packetAck:
				if !p.HasID {
					continue
				}
				if fn := s.takeAck(p.ID); fn != nil {
					args := p.ackArgs()
					s.deliver(func() { fn(args) })
				}
			case packetConnect:
				log.Debug("Ignoring packet", zap.String("raw", truncate(p.Raw, 64)))
			}
		default:
			s.deliver(func() {
				s.h.HandlePacketError(&PacketError{Raw: string(frame), Reason: "unexpected engine packet"})
			})
		}
	}
}
