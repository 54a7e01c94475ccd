package runstream

import (
	"encoding/json"

	"github.com/smallnest/flowpost/socketio"
)

// Transport is the connection a Client drives. *socketio.Client implements it.
//
// Connect starts delivering lifecycle and events to h from a single goroutine
// and is a no-op while a previous Connect is still active. Disconnect stops
// delivery before returning.
type Transport interface {
	Connect(h socketio.Handler)
	Disconnect()
	Connected() bool
	Emit(event string, args ...any) error
	EmitWithAck(event string, ack func(args []json.RawMessage), args ...any) error
}

var _ Transport = (*socketio.Client)(nil)

func newTransport(opts Options) (Transport, error) {
	if opts.Transport != nil {
		return opts.Transport, nil
	}
	serverURL := opts.ServerURL
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	stream := socketio.DefaultOptions()
	if opts.Stream != nil {
		stream = *opts.Stream
	}
	return socketio.New(serverURL, stream)
}
