package bus

import (
	"encoding/json"
	"time"
)

// EventKind 运行事件类型
type EventKind string

const (
	EventConnect    EventKind = "connect"
	EventDisconnect EventKind = "disconnect"
	EventLog        EventKind = "log"
	EventDone       EventKind = "done"
	EventError      EventKind = "error"
)

// RunEvent 运行流回调转成的事件
type RunEvent struct {
	ID        string            `json:"id"`
	Seq       uint64            `json:"seq"`
	Kind      EventKind         `json:"kind"`
	RunID     string            `json:"run_id"`
	Entries   []json.RawMessage `json:"entries,omitempty"` // log
	Message   string            `json:"message,omitempty"` // done
	Reason    string            `json:"reason,omitempty"`  // disconnect
	Error     string            `json:"error,omitempty"`   // error
	ErrorKind string            `json:"error_kind,omitempty"`
	State     string            `json:"state,omitempty"` // 事件发生时的连接状态
	Err       error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`
}

// IsTerminal reports whether the event ends the stream for a watcher.
func (e *RunEvent) IsTerminal() bool {
	return e.Kind == EventDone || e.Kind == EventDisconnect
}
