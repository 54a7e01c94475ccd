// Package sockettest runs an in-process Socket.IO server that behaves like
// the flow executor's streaming endpoint: it completes the Engine.IO and
// namespace handshakes, sends heartbeats, puts sockets that emit join-flow
// into the run's room and lets tests push events, drop connections or refuse
// connects.
package sockettest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/smallnest/flowpost/internal/logger"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// JoinEvent is the event a client emits to subscribe to a run's room.
const JoinEvent = "join-flow"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Event is one event received from a client.
type Event struct {
	SID  string
	Name string
	Args []json.RawMessage
	At   time.Time
}

// StringArg decodes argument i as a string.
func (e Event) StringArg(i int) (string, bool) {
	if i >= len(e.Args) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(e.Args[i], &s); err != nil {
		return "", false
	}
	return s, true
}

// Option 配置测试服务器
type Option func(*Server)

// WithPingInterval sets the heartbeat advertised in the open packet.
func WithPingInterval(interval, timeout time.Duration) Option {
	return func(s *Server) {
		s.pingInterval = interval
		s.pingTimeout = timeout
	}
}

// WithoutHeartbeat advertises a heartbeat but never pings, so clients hit
// their ping timeout.
func WithoutHeartbeat() Option {
	return func(s *Server) {
		s.silent = true
	}
}

// WithoutAcks never acknowledges events, even when the client asks for it.
func WithoutAcks() Option {
	return func(s *Server) {
		s.noAcks = true
	}
}

// Server is a Socket.IO server on an httptest listener.
type Server struct {
	URL string

	srv          *httptest.Server
	pingInterval time.Duration
	pingTimeout  time.Duration
	silent       bool
	noAcks       bool

	mu         sync.Mutex
	conns      map[string]*Conn
	rooms      map[string]map[string]*Conn
	events     []Event
	notify     chan struct{}
	handshakes int
	connects   int
	reject     string
	rejectRaw  bool
	handlers   map[string]func(*Conn, Event)
}

// NewServer 启动测试服务器
func NewServer(opts ...Option) *Server {
	s := &Server{
		pingInterval: 25 * time.Second,
		pingTimeout:  20 * time.Second,
		conns:        make(map[string]*Conn),
		rooms:        make(map[string]map[string]*Conn),
		notify:       make(chan struct{}),
		handlers:     make(map[string]func(*Conn, Event)),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/socket.io/", s.handleWebSocket)
	s.srv = httptest.NewServer(mux)
	s.URL = s.srv.URL
	return s
}

// Close 关闭服务器和所有连接
func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

// On registers fn for an inbound event, in addition to the event log.
func (s *Server) On(event string, fn func(c *Conn, e Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = fn
}

// RejectConnects makes later namespace connects fail with message.
// An empty message accepts connects again.
func (s *Server) RejectConnects(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = message
	s.rejectRaw = false
}

// RejectConnectsMalformed makes later connects fail with an unparseable CONNECT_ERROR payload.
func (s *Server) RejectConnectsMalformed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = "\"oops\""
	s.rejectRaw = true
}

// Handshakes counts Engine.IO opens, successful or not.
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// Connects counts accepted namespace connects.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Events returns received events with the given name, all of them when name is empty.
func (s *Server) Events(name string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if name == "" || e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// WaitEvents blocks until n events named name arrived or timeout passes.
func (s *Server) WaitEvents(name string, n int, timeout time.Duration) ([]Event, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		notify := s.notify
		s.mu.Unlock()

		if got := s.Events(name); len(got) >= n {
			return got, nil
		}
		select {
		case <-notify:
		case <-deadline.C:
			got := s.Events(name)
			return got, fmt.Errorf("sockettest: got %d %q events, want %d", len(got), name, n)
		}
	}
}

// RoomSize 返回房间内的连接数
func (s *Server) RoomSize(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[room])
}

// Emit sends an event to every connected socket.
func (s *Server) Emit(event string, args ...any) {
	for _, c := range s.snapshot(nil) {
		_ = c.Emit(event, args...)
	}
}

// EmitToRoom sends an event to the sockets that joined room and returns how many got it.
func (s *Server) EmitToRoom(room, event string, args ...any) int {
	sent := 0
	for _, c := range s.snapshot(&room) {
		if err := c.Emit(event, args...); err == nil {
			sent++
		}
	}
	return sent
}

// SendRaw writes a raw text frame to every connected socket.
func (s *Server) SendRaw(frame string) {
	for _, c := range s.snapshot(nil) {
		_ = c.send([]byte(frame))
	}
}

// DisconnectAll sends a namespace DISCONNECT, which clients must not retry.
func (s *Server) DisconnectAll() {
	for _, c := range s.snapshot(nil) {
		_ = c.send([]byte("41"))
		c.close()
	}
}

// DropAll closes every socket without a disconnect packet, as a crashed
// executor would.
func (s *Server) DropAll() {
	for _, c := range s.snapshot(nil) {
		c.close()
	}
}

func (s *Server) snapshot(room *string) []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.conns
	if room != nil {
		src = s.rooms[*room]
	}
	out := make([]*Conn, 0, len(src))
	for _, c := range src {
		out = append(out, c)
	}
	return out
}

func (s *Server) record(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

func (s *Server) join(c *Conn, room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		s.rooms[room] = members
	}
	members[c.SID] = c
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.SID)
	for room, members := range s.rooms {
		delete(members, c.SID)
		if len(members) == 0 {
			delete(s.rooms, room)
		}
	}
}

// handleWebSocket WebSocket 连接处理器
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") != "4" || q.Get("transport") != "websocket" {
		http.Error(w, "unsupported transport", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade to WebSocket", zap.Error(err))
		return
	}

	c := &Conn{
		SID:    uuid.New().String(),
		ws:     ws,
		server: s,
		closed: make(chan struct{}),
	}

	s.mu.Lock()
	s.handshakes++
	s.mu.Unlock()

	open := fmt.Sprintf(`0{"sid":%q,"upgrades":[],"pingInterval":%d,"pingTimeout":%d,"maxPayload":1000000}`,
		c.SID, s.pingInterval.Milliseconds(), s.pingTimeout.Milliseconds())
	if err := c.send([]byte(open)); err != nil {
		c.close()
		return
	}

	go s.serve(c)
}

func (s *Server) serve(c *Conn) {
	defer func() {
		s.remove(c)
		c.close()
	}()

	connected := false
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		data := string(frame)
		switch {
		case data == "3":
			// pong
		case data == "40" || strings.HasPrefix(data, "40{"):
			if connected {
				continue
			}
			s.mu.Lock()
			reject, raw := s.reject, s.rejectRaw
			s.mu.Unlock()
			if reject != "" {
				payload := reject
				if !raw {
					b, _ := json.Marshal(map[string]string{"message": reject})
					payload = string(b)
				}
				_ = c.send([]byte("44" + payload))
				continue
			}
			connected = true
			s.mu.Lock()
			s.connects++
			s.conns[c.SID] = c
			s.mu.Unlock()
			_ = c.send([]byte(fmt.Sprintf(`40{"sid":%q}`, c.SID)))
			if !s.silent {
				go c.heartbeat(s.pingInterval)
			}
		case data == "41":
			return
		case strings.HasPrefix(data, "42"):
			if !connected {
				continue
			}
			body := data[2:]
			ackID := ""
			for len(body) > 0 && body[0] >= '0' && body[0] <= '9' {
				ackID += body[:1]
				body = body[1:]
			}
			res := gjson.Parse(body)
			arr := res.Array()
			if len(arr) == 0 {
				continue
			}
			e := Event{SID: c.SID, Name: arr[0].String(), At: time.Now()}
			for _, a := range arr[1:] {
				e.Args = append(e.Args, json.RawMessage(a.Raw))
			}
			if e.Name == JoinEvent {
				if room, ok := e.StringArg(0); ok {
					s.join(c, room)
				}
			}
			s.mu.Lock()
			fn := s.handlers[e.Name]
			s.mu.Unlock()
			s.record(e)
			if ackID != "" && !s.noAcks {
				_ = c.send([]byte("43" + ackID + "[]"))
			}
			if fn != nil {
				fn(c, e)
			}
		}
	}
}

// Conn is one client socket on the test server.
type Conn struct {
	SID string

	ws     *websocket.Conn
	server *Server
	mu     sync.Mutex
	once   sync.Once
	closed chan struct{}
}

// Emit sends an event to this socket.
func (c *Conn) Emit(event string, args ...any) error {
	items := append([]any{event}, args...)
	body, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return c.send(append([]byte("42"), body...))
}

func (c *Conn) send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// heartbeat 心跳
func (c *Conn) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.send([]byte("2")); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		c.mu.Lock()
		close(c.closed)
		c.mu.Unlock()
		_ = c.ws.Close()
	})
}
