package runstream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/smallnest/flowpost/types"
	"github.com/tidwall/gjson"
)

// ReasonReconnectFailed is passed to OnDisconnect when the transport gives up.
const ReasonReconnectFailed = "reconnect failed"

var (
	// ErrDuplicateCompletion 同一会话收到第二个 flow:done
	ErrDuplicateCompletion = errors.New("runstream: duplicate flow:done dropped")
	// ErrUnexpectedEvent 未知的服务端事件
	ErrUnexpectedEvent = errors.New("unexpected event")
	// ErrJoinTimeout 服务端未在期限内确认 join-flow
	ErrJoinTimeout = errors.New("runstream: join-flow not acknowledged")
	// ErrMissingRunID 缺少运行标识
	ErrMissingRunID = errors.New("runstream: run id is required")
	// ErrMissingCallback 缺少必需的回调
	ErrMissingCallback = errors.New("runstream: OnLog and OnDone are required")
)

// ConnectionLostError 已建立的连接断开，传输层正在重连
type ConnectionLostError struct {
	Reason string
}

func (e *ConnectionLostError) Error() string {
	return "runstream: connection lost: " + e.Reason
}

// ErrorKind 连接丢失属于临时错误
func (e *ConnectionLostError) ErrorKind() types.ErrorKind {
	return types.ErrorKindTransient
}

// ServerError is an "error" event pushed by the executor.
type ServerError struct {
	Message string
	Payload json.RawMessage
	// Malformed 表示 error 事件没有负载
	Malformed bool
}

func newServerError(payload json.RawMessage) *ServerError {
	e := &ServerError{Payload: payload}
	res := gjson.ParseBytes(payload)
	switch {
	case res.Type == gjson.String:
		e.Message = res.String()
	case res.IsObject() && res.Get("message").Type == gjson.String:
		e.Message = res.Get("message").String()
	default:
		e.Message = string(payload)
	}
	return e
}

func (e *ServerError) Error() string {
	if e.Malformed {
		return "runstream: malformed server error event"
	}
	return "runstream: server error: " + e.Message
}

// ErrorKind 服务端错误属于协议错误
func (e *ServerError) ErrorKind() types.ErrorKind {
	return types.ErrorKindProtocol
}

// ProtocolError 事件负载不符合约定，事件被丢弃，会话继续
type ProtocolError struct {
	Event string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("runstream: protocol error: %v", e.Err)
	}
	return fmt.Sprintf("runstream: protocol error on %s: %v", e.Event, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ErrorKind 协议错误
func (e *ProtocolError) ErrorKind() types.ErrorKind {
	return types.ErrorKindProtocol
}
