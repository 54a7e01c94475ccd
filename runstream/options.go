package runstream

import (
	"encoding/json"
	"time"

	"github.com/smallnest/flowpost/config"
	"github.com/smallnest/flowpost/socketio"
)

// Wire events exchanged with the executor.
const (
	JoinEvent  = "join-flow"
	LogEvent   = "flow:log"
	DoneEvent  = "flow:done"
	ErrorEvent = "error"
)

// DefaultServerURL 本地执行器默认地址
const DefaultServerURL = config.DefaultServerURL

// LogBatch is one flow:log delivery. Entries are relayed as the executor sent
// them, in order, without interpretation.
type LogBatch []json.RawMessage

// CompletionNotice flow:done 负载
type CompletionNotice struct {
	Message string `json:"message"`
}

// Options configures a Client. OnLog and OnDone are required.
type Options struct {
	OnLog        func(LogBatch)
	OnDone       func(CompletionNotice)
	OnConnect    func()
	OnDisconnect func(reason string)
	OnError      func(err error)

	// ServerURL 覆盖默认执行器地址，http(s) 会被换成 ws(s)
	ServerURL string

	// Stream 传输层参数，nil 使用 socketio.DefaultOptions
	Stream *socketio.Options
	// JoinTimeout 大于 0 时要求服务端确认 join-flow，超时通过 OnError 报告
	JoinTimeout time.Duration

	// Transport 替换默认的 Socket.IO 传输，主要用于测试
	Transport Transport
}

// StreamOptions maps the stream section of the config file onto transport options.
func StreamOptions(cfg config.StreamConfig) *socketio.Options {
	opts := socketio.DefaultOptions()
	if cfg.Path != "" {
		opts.Path = cfg.Path
	}
	opts.Reconnection = cfg.Reconnection
	opts.ReconnectionAttempts = cfg.ReconnectionAttempts
	if cfg.ReconnectionDelay > 0 {
		opts.ReconnectionDelay = cfg.ReconnectionDelay
	}
	opts.ReconnectionDelayMax = cfg.ReconnectionDelayMax
	if cfg.HandshakeTimeout > 0 {
		opts.HandshakeTimeout = cfg.HandshakeTimeout
	}
	return &opts
}

// FromConfig 根据配置文件构造 Options，回调由调用方填写
func FromConfig(cfg *config.Config) Options {
	return Options{
		ServerURL:   cfg.Executor.ServerURL,
		Stream:      StreamOptions(cfg.Stream),
		JoinTimeout: cfg.Stream.JoinTimeout,
	}
}
