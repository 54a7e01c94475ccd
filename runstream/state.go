package runstream

// State 连接状态
type State int

const (
	// StateDisconnected 未连接：初始、主动断开或重连耗尽
	StateDisconnected State = iota
	// StateConnecting 首次建连中
	StateConnecting
	// StateConnected 已连接并发送 join-flow
	StateConnected
	// StateReconnecting 连接丢失，等待传输层重连
	StateReconnecting
	// StateFailed 服务端拒绝或发送了无法解析的错误，不再重连
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether the transport is connected or still trying to be.
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}
