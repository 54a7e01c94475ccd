package socketio

import (
	"errors"
	"fmt"

	"github.com/smallnest/flowpost/types"
)

// Disconnect reasons, named the way Socket.IO reports them.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
)

// ErrNotConnected 当前没有可写的连接
var ErrNotConnected = errors.New("socketio: not connected")

// ConnectError 服务端拒绝命名空间连接（CONNECT_ERROR 包），不会自动重连
type ConnectError struct {
	Message string
	// Malformed 表示服务端的错误负载无法解析
	Malformed bool
	Raw       string
}

func (e *ConnectError) Error() string {
	if e.Malformed {
		return fmt.Sprintf("socketio: connect refused with malformed payload %q", truncate(e.Raw, 64))
	}
	return "socketio: connect refused: " + e.Message
}

// ErrorKind 服务端拒绝属于协议错误
func (e *ConnectError) ErrorKind() types.ErrorKind {
	return types.ErrorKindProtocol
}

// ErrorKind 解析失败属于协议错误
func (e *PacketError) ErrorKind() types.ErrorKind {
	return types.ErrorKindProtocol
}

// DialError 建连或握手失败，会按重连策略重试
type DialError struct {
	URL     string
	Attempt int
	Err     error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("socketio: connect %s (attempt %d): %v", e.URL, e.Attempt, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// ErrorKind 建连失败属于临时错误
func (e *DialError) ErrorKind() types.ErrorKind {
	return types.ErrorKindTransient
}
